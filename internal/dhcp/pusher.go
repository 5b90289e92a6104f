// Package dhcp es la frontera de invocación hacia el subsistema de
// configuración DHCP de los racks. El contenido de los archivos generados es
// asunto del agente remoto; acá sólo vive el contrato de la llamada y su
// clasificación de errores.
package dhcp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/dropDatabas3/rackwatch/internal/metrics"
	"github.com/dropDatabas3/rackwatch/internal/observability/logger"
	"github.com/dropDatabas3/rackwatch/internal/rpc"
	"github.com/dropDatabas3/rackwatch/internal/rpc/pool"
	"github.com/dropDatabas3/rackwatch/internal/store/core"
)

var (
	// ErrRackNotFound: el rack ya no existe en persistencia. Terminal para
	// ese rack; reintentarlo no va a funcionar nunca.
	ErrRackNotFound = errors.New("dhcp: rack inexistente")

	// ErrNoRoute: todavía no hay conexión autenticada hacia ningún endpoint
	// del rack. Transitorio; un watch/dirty futuro lo reintenta.
	ErrNoRoute = errors.New("dhcp: sin ruta al rack")
)

// Pusher es lo único que el control loop invoca sobre este subsistema.
type Pusher interface {
	Push(ctx context.Context, rackID int64) error
}

// Status es el último resultado de push por rack, para la superficie admin.
type Status struct {
	RackID int64     `json:"rack_id"`
	Result string    `json:"result"` // ok|not_found|no_route|error
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// RPCPusher resuelve el rack contra persistencia, consigue una conexión del
// pool (o la crea) y emite el RPC configure-dhcp.
type RPCPusher struct {
	repo        core.Repository
	pool        *pool.Pool
	callTimeout time.Duration
	log         *zap.Logger

	// last guarda el resultado más reciente por rack con TTL; es sólo
	// para observabilidad, nunca para decidir reintentos.
	last *gocache.Cache
}

func NewRPCPusher(repo core.Repository, p *pool.Pool, callTimeout time.Duration) *RPCPusher {
	return &RPCPusher{
		repo:        repo,
		pool:        p,
		callTimeout: callTimeout,
		log:         logger.Named("dhcp"),
		last:        gocache.New(30*time.Minute, 5*time.Minute),
	}
}

func (p *RPCPusher) Push(ctx context.Context, rackID int64) error {
	start := time.Now()
	err := p.push(ctx, rackID)
	metrics.PushDuration.Observe(time.Since(start).Seconds())

	st := Status{RackID: rackID, At: time.Now()}
	switch {
	case err == nil:
		st.Result = "ok"
	case errors.Is(err, ErrRackNotFound):
		st.Result = "not_found"
		st.Error = err.Error()
	case errors.Is(err, ErrNoRoute):
		st.Result = "no_route"
		st.Error = err.Error()
	default:
		st.Result = "error"
		st.Error = err.Error()
	}
	metrics.PushTotal.WithLabelValues(st.Result).Inc()
	p.last.SetDefault(strconv.FormatInt(rackID, 10), st)
	return err
}

func (p *RPCPusher) push(ctx context.Context, rackID int64) error {
	rack, err := p.repo.RackByID(ctx, rackID)
	if errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("%w: id=%d", ErrRackNotFound, rackID)
	}
	if err != nil {
		return fmt.Errorf("dhcp: resolviendo rack %d: %w", rackID, err)
	}
	if len(rack.Endpoints) == 0 {
		return fmt.Errorf("%w: rack %d sin endpoints", ErrNoRoute, rackID)
	}

	conn, endpoint, err := p.acquire(ctx, rack)
	if err != nil {
		return err
	}
	defer p.pool.Shrink(endpoint)

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	var resp rpc.ConfigureDHCPResponse
	req := &rpc.ConfigureDHCPRequest{RackID: rack.ID, RackName: rack.Name}
	if err := conn.Call(callCtx, rpc.CmdConfigureDHCP, req, &resp); err != nil {
		var fault *rpc.Fault
		if errors.As(err, &fault) {
			switch fault.Code {
			case rpc.FaultNotFound:
				return fmt.Errorf("%w: %s", ErrRackNotFound, fault.Msg)
			case rpc.FaultNoRoute:
				return fmt.Errorf("%w: %s", ErrNoRoute, fault.Msg)
			}
			return fmt.Errorf("dhcp: push rack %d: %w", rackID, err)
		}
		// Error de transporte: la conexión no sirve más, afuera del pool.
		p.pool.Remove(endpoint, conn)
		p.pool.Disconnect(conn)
		return fmt.Errorf("dhcp: push rack %d: %w", rackID, err)
	}
	p.log.Debug("push aplicado", logger.RackID(rackID), logger.Endpoint(endpoint))
	return nil
}

// acquire busca una conexión ociosa a cualquier endpoint del rack; si no hay
// ninguna registrada intenta crearla (scale-up). Sin conexión posible en
// ningún endpoint => ErrNoRoute.
func (p *RPCPusher) acquire(ctx context.Context, rack *core.Rack) (*rpc.Conn, string, error) {
	var lastErr error
	sawConns := false
	for _, ep := range rack.Endpoints {
		conn, err := p.pool.GetFree(ep.Name)
		if err == nil {
			return conn, ep.Name, nil
		}
		if errors.Is(err, pool.ErrAllBusy) {
			sawConns = true
		}

		conn, err = p.pool.ScaleUp(ctx, ep.Name, ep.Address)
		if err == nil {
			return conn, ep.Name, nil
		}
		if errors.Is(err, pool.ErrPoolExhausted) {
			sawConns = true
		}
		lastErr = err
	}
	if sawConns {
		// Hay conexiones pero están todas ocupadas y no se puede escalar:
		// transitorio genérico, el loop lo reencola.
		return nil, "", fmt.Errorf("dhcp: rack %d saturado: %w", rack.ID, lastErr)
	}
	p.log.Debug("sin ruta", logger.RackID(rack.ID), logger.Err(lastErr))
	return nil, "", fmt.Errorf("%w: rack %d: %v", ErrNoRoute, rack.ID, lastErr)
}

// LastResults devuelve el snapshot de últimos pushes (admin).
func (p *RPCPusher) LastResults() []Status {
	items := p.last.Items()
	out := make([]Status, 0, len(items))
	for _, it := range items {
		if st, ok := it.Object.(Status); ok {
			out = append(out, st)
		}
	}
	return out
}
