// Driver postgres del bus de notificaciones, sobre LISTEN/NOTIFY. Mantiene
// una conexión dedicada para escuchar (LISTEN no viaja por un pool) y un pool
// chico para publicar. Ante cualquier error la conexión de escucha se
// reconecta y re-LISTENa los canales suscriptos.
package pg

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dropDatabas3/rackwatch/internal/notify"
	"github.com/dropDatabas3/rackwatch/internal/observability/logger"
)

func init() {
	notify.Register("pg", open)
	notify.Register("postgres", open)
	notify.Register("postgresql", open)
}

func open(ctx context.Context, cfg notify.Config) (notify.Bus, error) {
	return New(ctx, cfg.DSN)
}

const (
	subBuffer        = 64
	reconnectBackoff = time.Second
)

type sub struct {
	ch     chan notify.Notification
	closed bool
}

type Bus struct {
	dsn     string
	pubPool *pgxpool.Pool
	log     *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	subs      map[string][]*sub
	epoch     int // crece con cada canal nuevo a escuchar
	listening int // epoch ya aplicado (LISTEN ejecutado) por el loop
	interrupt context.CancelFunc
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

func New(ctx context.Context, dsn string) (*Bus, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pcfg.MaxConns = 2
	pubPool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		dsn:     dsn,
		pubPool: pubPool,
		log:     logger.Named("notify.pg"),
		subs:    make(map[string][]*sub),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.listenLoop(loopCtx)
	return b, nil
}

// Subscribe registra el canal y despierta al loop para que ejecute LISTEN.
// No retorna hasta que el LISTEN está aplicado: el watcher cuenta con que la
// suscripción ya está activa al volver (cierra la carrera del arranque). La
// espera respeta ctx: con la base caída el loop reintenta para siempre y la
// cancelación es la única salida.
func (b *Bus) Subscribe(ctx context.Context, channel string) (*notify.Subscription, error) {
	// AfterFunc despierta el cond.Wait cuando ctx cae; el loop re-chequea
	// ctx.Err() en cada vuelta. El Broadcast toma el lock para que no se
	// pierda entre el chequeo y el parking del Wait.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, context.Canceled
	}
	s := &sub{ch: make(chan notify.Notification, subBuffer)}
	fresh := len(b.subs[channel]) == 0
	b.subs[channel] = append(b.subs[channel], s)
	if fresh {
		b.epoch++
	}
	want := b.epoch
	if b.interrupt != nil {
		b.interrupt()
	}
	for b.listening < want && !b.closed && ctx.Err() == nil {
		b.cond.Wait()
	}
	closed := b.closed
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		b.unsubscribe(channel, s)
		return nil, err
	}
	if closed {
		b.unsubscribe(channel, s)
		return nil, context.Canceled
	}
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
	// El UNLISTEN queda lazy: se limpia en la próxima reconexión. Un NOTIFY
	// sobre un canal sin subscribers simplemente se descarta en dispatch.
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

func (b *Bus) Publish(ctx context.Context, channel, payload string) error {
	_, err := b.pubPool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

func (b *Bus) listenLoop(ctx context.Context) {
	defer close(b.done)
	for ctx.Err() == nil {
		conn, err := pgx.Connect(ctx, b.dsn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("conexión de escucha falló, reintentando", logger.Err(err))
			select {
			case <-time.After(reconnectBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		b.serveConn(ctx, conn)
		_ = conn.Close(context.Background())
	}
}

// serveConn ejecuta LISTEN de lo suscripto y espera notificaciones hasta que
// la conexión muera o Subscribe la interrumpa para agregar un canal. Al
// retornar, listenLoop abre una conexión fresca y vuelve a pasar por acá.
func (b *Bus) serveConn(ctx context.Context, conn *pgx.Conn) {
	b.mu.Lock()
	want := b.epoch
	channels := make([]string, 0, len(b.subs))
	for ch := range b.subs {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+quoteIdent(ch)); err != nil {
			b.log.Warn("LISTEN falló", logger.Channel(ch), logger.Err(err))
			return
		}
	}

	b.mu.Lock()
	if b.listening < want {
		b.listening = want
	}
	waitCtx, cancel := context.WithCancel(ctx)
	b.interrupt = cancel
	b.cond.Broadcast()
	if b.epoch > b.listening {
		// entró una suscripción mientras armábamos el LISTEN: reconectar ya,
		// su Subscribe está esperando que se aplique
		b.mu.Unlock()
		cancel()
		return
	}
	b.mu.Unlock()
	defer cancel()

	for {
		n, err := conn.WaitForNotification(waitCtx)
		if err != nil {
			// Tanto la interrupción de Subscribe como un error real caen
			// acá: pgx no garantiza la conexión tras cancelar el contexto,
			// así que siempre se reconecta y re-LISTENa.
			return
		}
		b.dispatch(n)
	}
}

func (b *Bus) dispatch(n *pgconn.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[n.Channel] {
		select {
		case s.ch <- notify.Notification{Channel: n.Channel, Payload: n.Payload}:
		default:
			// consumidor saturado: descarte best-effort, igual que NOTIFY
		}
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.interrupt != nil {
		b.interrupt()
	}
	for _, list := range b.subs {
		for _, s := range list {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
	}
	b.subs = make(map[string][]*sub)
	b.cond.Broadcast()
	b.mu.Unlock()

	b.cancel()
	<-b.done
	b.pubPool.Close()
	return nil
}

// quoteIdent cita un identificador para LISTEN (no acepta placeholders).
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
