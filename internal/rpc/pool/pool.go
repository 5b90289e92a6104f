package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/rackwatch/internal/metrics"
	"github.com/dropDatabas3/rackwatch/internal/observability/logger"
	"github.com/dropDatabas3/rackwatch/internal/rpc"
)

// Config del pool. MaxConns acota el scale-up por endpoint; MaxIdle es el
// objetivo al que Shrink reapea después de un burst.
type Config struct {
	MaxConns    int
	MaxIdle     int
	Keepalive   time.Duration // reintento de reap sobre una conexión ocupada
	DialTimeout time.Duration
	Secret      []byte
	Handshake   rpc.HandshakeInfo
}

// Pool es el dueño exclusivo de las conexiones RPC hacia los rack agents.
// Ninguna otra parte del proceso cierra o muta una conexión directamente.
type Pool struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	eps      *endpointMap
	reserved map[string]int // slots tomados por scale-ups en vuelo
	timers   map[*time.Timer]struct{}
	closed   bool
}

func New(cfg Config) *Pool {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 1
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = time.Second
	}
	return &Pool{
		cfg:      cfg,
		log:      logger.Named("rpc.pool"),
		eps:      newEndpointMap(),
		reserved: make(map[string]int),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Connect abre el transporte hacia addr y corre el handshake. La conexión NO
// queda registrada en el pool; eso es Add (o ScaleUp, que hace ambas cosas).
// Un fallo de transporte o de autenticación nunca deja nada en el pool.
func (p *Pool) Connect(ctx context.Context, endpoint, addr string) (*rpc.Conn, error) {
	conn, err := rpc.Dial(ctx, endpoint, addr, p.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	if err := rpc.Authenticate(ctx, conn, p.cfg.Secret, p.cfg.Handshake); err != nil {
		p.log.Warn("handshake rechazado",
			logger.Endpoint(endpoint), logger.Address(addr), logger.Err(err))
		return nil, err
	}
	return conn, nil
}

// ScaleUp crea y registra una conexión nueva respetando MaxConns. Reserva el
// slot bajo el lock antes de marcar: dos ScaleUp concurrentes contra un solo
// slot libre terminan en un éxito y un ErrPoolExhausted, nunca en exceso.
// Un scale-up que ya pasó el handshake se completa o falla solo; no se
// cancela a mitad de camino.
func (p *Pool) ScaleUp(ctx context.Context, endpoint, addr string) (*rpc.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if p.eps.count(endpoint)+p.reserved[endpoint] >= p.cfg.MaxConns {
		p.mu.Unlock()
		metrics.PoolExhausted.Inc()
		return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, endpoint)
	}
	p.reserved[endpoint]++
	p.mu.Unlock()

	conn, err := p.Connect(ctx, endpoint, addr)

	p.mu.Lock()
	p.reserved[endpoint]--
	if p.reserved[endpoint] == 0 {
		delete(p.reserved, endpoint)
	}
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, ErrClosed
	}
	p.addLocked(endpoint, conn)
	p.mu.Unlock()

	p.log.Info("conexión registrada",
		logger.Endpoint(endpoint), logger.ConnID(conn.ID()), logger.String("ident", conn.Ident()))
	return conn, nil
}

// Add registra una conexión ya autenticada bajo un endpoint.
func (p *Pool) Add(endpoint string, conn *rpc.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addLocked(endpoint, conn)
}

func (p *Pool) addLocked(endpoint string, conn *rpc.Conn) {
	conns := p.eps.get(endpoint)
	for _, c := range conns {
		if c == conn {
			return
		}
	}
	p.eps.set(endpoint, append(append([]*rpc.Conn{}, conns...), conn))
	metrics.PoolConnections.WithLabelValues(endpoint).Set(float64(p.eps.count(endpoint)))
}

// Remove deregistra la conexión. Remover una conexión ausente es no-op; una
// conexión removida no se reutiliza jamás.
func (p *Pool) Remove(endpoint string, conn *rpc.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.eps.removeConn(endpoint, conn) {
		metrics.PoolConnections.WithLabelValues(endpoint).Set(float64(p.eps.count(endpoint)))
	}
}

// Get devuelve una conexión arbitraria del endpoint (sin garantía de orden ni
// fairness), o ErrNoConnections.
func (p *Pool) Get(endpoint string) (*rpc.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.eps.get(endpoint)
	if len(conns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoConnections, endpoint)
	}
	return conns[rand.Intn(len(conns))], nil
}

// RandomFree devuelve una conexión ociosa de cualquier endpoint, o ErrAllBusy
// si no existe ninguna. La aleatoriedad es no-adversarial (math/rand alcanza).
func (p *Pool) RandomFree() (*rpc.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.allFreeLocked()
	if len(free) == 0 {
		return nil, ErrAllBusy
	}
	return free[rand.Intn(len(free))], nil
}

// GetFree devuelve una conexión ociosa del endpoint dado, o ErrAllBusy si
// todas están ocupadas (ErrNoConnections si no hay ninguna).
func (p *Pool) GetFree(endpoint string) (*rpc.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	conns := p.eps.get(endpoint)
	if len(conns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoConnections, endpoint)
	}
	var free []*rpc.Conn
	for _, c := range conns {
		if !c.InUse() {
			free = append(free, c)
		}
	}
	if len(free) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllBusy, endpoint)
	}
	return free[rand.Intn(len(free))], nil
}

// All aplana el pool completo (para fan-out, health, status).
func (p *Pool) All() []*rpc.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*rpc.Conn
	p.eps.forEach(func(_ string, conns []*rpc.Conn) {
		out = append(out, conns...)
	})
	return out
}

// AllFree aplana el pool filtrado a conexiones ociosas.
func (p *Pool) AllFree() []*rpc.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allFreeLocked()
}

func (p *Pool) allFreeLocked() []*rpc.Conn {
	var out []*rpc.Conn
	p.eps.forEach(func(_ string, conns []*rpc.Conn) {
		for _, c := range conns {
			if !c.InUse() {
				out = append(out, c)
			}
		}
	})
	return out
}

// Disconnect cierra el transporte. Tolera conexiones ya cerradas.
func (p *Pool) Disconnect(conn *rpc.Conn) {
	conn.Close()
}

// ReapExtra achica el pool: si la conexión está ociosa la remueve y
// desconecta ya mismo; si está ocupada se reagenda a sí misma tras el
// keepalive en vez de bloquear, así las ocupadas caen apenas quedan libres.
func (p *Pool) ReapExtra(endpoint string, conn *rpc.Conn) {
	if conn.InUse() {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		var t *time.Timer
		t = time.AfterFunc(p.cfg.Keepalive, func() {
			p.mu.Lock()
			delete(p.timers, t)
			p.mu.Unlock()
			p.ReapExtra(endpoint, conn)
		})
		p.timers[t] = struct{}{}
		p.mu.Unlock()
		return
	}

	p.Remove(endpoint, conn)
	p.Disconnect(conn)
	metrics.ConnectionsReaped.Inc()
	p.log.Debug("conexión reapeada", logger.Endpoint(endpoint), logger.ConnID(conn.ID()))
}

// Shrink agenda el reap de todo lo que exceda MaxIdle en el endpoint. Se
// llama después de un burst (p.ej. al terminar un push).
func (p *Pool) Shrink(endpoint string) {
	p.mu.Lock()
	conns := p.eps.get(endpoint)
	extra := len(conns) - p.cfg.MaxIdle
	var victims []*rpc.Conn
	if extra > 0 {
		victims = append(victims, conns[p.cfg.MaxIdle:]...)
	}
	p.mu.Unlock()
	for _, c := range victims {
		p.ReapExtra(endpoint, c)
	}
}

// Stats es el snapshot para la superficie admin.
type Stats struct {
	Endpoints map[string]EndpointStats `json:"endpoints"`
	Total     int                      `json:"total"`
	Busy      int                      `json:"busy"`
}

type EndpointStats struct {
	Connections int      `json:"connections"`
	Busy        int      `json:"busy"`
	ConnIDs     []string `json:"conn_ids"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Endpoints: make(map[string]EndpointStats, p.eps.len())}
	p.eps.forEach(func(name string, conns []*rpc.Conn) {
		es := EndpointStats{Connections: len(conns)}
		for _, c := range conns {
			es.ConnIDs = append(es.ConnIDs, c.ID())
			if c.InUse() {
				es.Busy++
			}
		}
		st.Endpoints[name] = es
		st.Total += es.Connections
		st.Busy += es.Busy
	})
	return st
}

// Close cancela los reaps pendientes y desconecta todo. Idempotente.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[*time.Timer]struct{})
	var all []*rpc.Conn
	p.eps.forEach(func(_ string, conns []*rpc.Conn) {
		all = append(all, conns...)
	})
	p.eps = newEndpointMap()
	p.mu.Unlock()

	for _, c := range all {
		c.Close()
	}
	p.log.Info("pool cerrado", logger.Count(len(all)))
}
