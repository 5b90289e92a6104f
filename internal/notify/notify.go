// Package notify define el bus pub/sub del que cuelga el control loop.
// El core sólo depende de esta interfaz estrecha: canales con entrega FIFO
// por canal y payloads ASCII cortos. Drivers: pg (LISTEN/NOTIFY), redis
// (Pub/Sub) y memory (tests / single-node dev).
package notify

import "context"

// Notification es un mensaje recibido de un canal.
type Notification struct {
	Channel string
	Payload string
}

// Subscription es la suscripción viva a UN canal. C entrega en orden FIFO
// para ese canal; se cierra al cancelar la suscripción o caer el bus.
type Subscription struct {
	C      <-chan Notification
	cancel func()
}

// NewSubscription la usan los drivers; los consumidores sólo leen C y Close.
func NewSubscription(c <-chan Notification, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Close cancela la suscripción. Idempotente.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Bus es el contrato del bus de notificaciones.
type Bus interface {
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	Publish(ctx context.Context, channel, payload string) error
	Close() error
}
