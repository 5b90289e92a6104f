// Driver redis del bus de notificaciones, sobre Pub/Sub nativo. Cada
// Subscribe abre su propio PubSub: go-redis garantiza FIFO por canal y el
// cierre individual no molesta al resto.
package redis

import (
	"context"

	rdb "github.com/redis/go-redis/v9"

	"github.com/dropDatabas3/rackwatch/internal/notify"
)

func init() {
	notify.Register("redis", func(_ context.Context, cfg notify.Config) (notify.Bus, error) {
		return New(cfg.RedisAddr, cfg.RedisDB), nil
	})
}

const subBuffer = 64

type Bus struct{ c *rdb.Client }

func New(addr string, db int) *Bus {
	return &Bus{c: rdb.NewClient(&rdb.Options{Addr: addr, DB: db})}
}

func (b *Bus) Subscribe(ctx context.Context, channel string) (*notify.Subscription, error) {
	ps := b.c.Subscribe(ctx, channel)
	// Forzar el SUBSCRIBE ahora: el contrato del watcher exige que la
	// suscripción esté activa cuando Subscribe retorna (cierra la ventana de
	// carrera del arranque).
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}

	out := make(chan notify.Notification, subBuffer)
	go bridge(ps.Channel(), out)
	return notify.NewSubscription(out, func() { _ = ps.Close() }), nil
}

// bridge vuelca los mensajes del PubSub al canal de la suscripción sin
// bloquear: un consumidor saturado pierde mensajes (mismo contrato
// best-effort que los drivers pg y memory) en vez de colgar la goroutine
// después de un Close.
func bridge(in <-chan *rdb.Message, out chan<- notify.Notification) {
	defer close(out)
	for msg := range in {
		select {
		case out <- notify.Notification{Channel: msg.Channel, Payload: msg.Payload}:
		default:
			// consumidor saturado: descarte
		}
	}
}

func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	return b.c.Publish(ctx, channel, payload).Err()
}

func (b *Bus) Close() error { return b.c.Close() }
