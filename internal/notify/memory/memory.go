// Driver en memoria del bus de notificaciones. Entrega FIFO por canal dentro
// del proceso; lo usan los tests del watcher y el modo dev sin base.
package memory

import (
	"context"
	"sync"

	"github.com/dropDatabas3/rackwatch/internal/notify"
)

func init() {
	notify.Register("memory", func(_ context.Context, _ notify.Config) (notify.Bus, error) {
		return New(), nil
	})
	notify.Register("mem", func(_ context.Context, _ notify.Config) (notify.Bus, error) {
		return New(), nil
	})
}

// subBuffer acota cada suscripción; un consumidor colgado pierde mensajes
// (mismo contrato best-effort que NOTIFY de postgres) en vez de frenar al bus.
const subBuffer = 64

type sub struct {
	ch     chan notify.Notification
	closed bool
}

type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*sub
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[string][]*sub)}
}

func (b *Bus) Subscribe(_ context.Context, channel string) (*notify.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &sub{ch: make(chan notify.Notification, subBuffer)}
	b.subs[channel] = append(b.subs[channel], s)
	return notify.NewSubscription(s.ch, func() { b.unsubscribe(channel, s) }), nil
}

func (b *Bus) unsubscribe(channel string, target *sub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[channel]
	for i, s := range list {
		if s == target {
			b.subs[channel] = append(list[:i:i], list[i+1:]...)
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
			break
		}
	}
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

func (b *Bus) Publish(_ context.Context, channel, payload string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[channel] {
		select {
		case s.ch <- notify.Notification{Channel: channel, Payload: payload}:
		default:
			// consumidor saturado: se descarta, el contrato es best-effort
		}
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, list := range b.subs {
		for _, s := range list {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
	}
	b.subs = make(map[string][]*sub)
	return nil
}
