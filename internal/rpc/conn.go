package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Conn es una sesión RPC bidireccional y multiplexada contra un endpoint
// remoto. Pertenece en exclusiva al pool que la creó: nadie más la cierra ni
// la muta. InUse() es true sólo mientras hay requests en vuelo.
type Conn struct {
	id       string
	endpoint string
	addr     string
	nc       net.Conn

	// Identidades post-handshake. ident es la identidad verificada del
	// remoto; localIdent la que el remoto asignó a esta sesión.
	ident      string
	localIdent string

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *envelope
	closed  bool

	outstanding atomic.Int32
	closeOnce   sync.Once
}

// Dial abre el transporte hacia addr y arranca el read loop. La conexión
// devuelta todavía no está autenticada; ver Authenticate.
func Dial(ctx context.Context, endpoint, addr string, timeout time.Duration) (*Conn, error) {
	nc, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s (%s): %w", endpoint, addr, err)
	}
	c := newConn(endpoint, addr, nc)
	go c.readLoop()
	return c, nil
}

func newConn(endpoint, addr string, nc net.Conn) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		endpoint: endpoint,
		addr:     addr,
		nc:       nc,
		pending:  make(map[uint64]chan *envelope),
	}
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) Endpoint() string   { return c.endpoint }
func (c *Conn) Addr() string       { return c.addr }
func (c *Conn) Ident() string      { return c.ident }
func (c *Conn) LocalIdent() string { return c.localIdent }

// InUse informa si hay al menos un request en vuelo sobre esta conexión.
func (c *Conn) InUse() bool { return c.outstanding.Load() > 0 }

// Call emite cmd con payload in y decodifica la respuesta en out (out puede
// ser nil). Un fault remoto se devuelve como *Fault; una conexión caída como
// ErrClosed.
func (c *Conn) Call(ctx context.Context, cmd string, in, out any) error {
	body, err := marshal(in)
	if err != nil {
		return fmt.Errorf("rpc: encoding %s: %w", cmd, err)
	}

	id := c.nextID.Add(1)
	ch := make(chan *envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.outstanding.Add(1)
	defer c.outstanding.Add(-1)

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req, err := marshal(&envelope{ID: id, Kind: kindRequest, Cmd: cmd, Body: body})
	if err != nil {
		return fmt.Errorf("rpc: encoding envelope: %w", err)
	}
	c.writeMu.Lock()
	err = writeFrame(c.nc, req)
	c.writeMu.Unlock()
	if err != nil {
		c.Close()
		return fmt.Errorf("rpc: writing %s: %w", cmd, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case env, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if env.Kind == kindError {
			code := env.Code
			if code == "" {
				code = FaultInternal
			}
			return &Fault{Code: code, Msg: env.Err}
		}
		if out != nil {
			if err := unmarshal(env.Body, out); err != nil {
				return fmt.Errorf("rpc: decoding %s response: %w", cmd, err)
			}
		}
		return nil
	}
}

func (c *Conn) readLoop() {
	for {
		payload, err := readFrame(c.nc)
		if err != nil {
			c.Close()
			return
		}
		var env envelope
		if err := unmarshal(payload, &env); err != nil {
			c.Close()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &env
		}
		// Respuestas sin pending (caller ya canceló) se descartan.
	}
}

// Close cierra el transporte y falla todo request pendiente. Es idempotente:
// cerrar dos veces, o sobre un transporte ya caído, nunca devuelve error.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[uint64]chan *envelope)
		c.mu.Unlock()

		_ = c.nc.Close()
		for _, ch := range pending {
			close(ch)
		}
	})
	return nil
}
