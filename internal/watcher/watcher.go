// Package watcher implementa el control loop watch/notify del region: qué
// racks le pertenecen a este proceso, cuáles tienen configuración vieja y el
// drenaje de pushes con clasificación de fallas.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/rackwatch/internal/dhcp"
	"github.com/dropDatabas3/rackwatch/internal/metrics"
	"github.com/dropDatabas3/rackwatch/internal/notify"
	"github.com/dropDatabas3/rackwatch/internal/observability/logger"
	"github.com/dropDatabas3/rackwatch/internal/store/core"
)

// ProcessChannel es el canal de alcance proceso: payloads watch_<id> /
// unwatch_<id> emitidos por la capa de persistencia al reasignar racks.
func ProcessChannel(processID string) string {
	return "region_" + processID
}

// RackChannel es el canal dirty de un rack: cualquier payload significa
// "necesita push".
func RackChannel(rackID int64) string {
	return fmt.Sprintf("rack_dhcp_%d", rackID)
}

// ErrAlreadyStarted lo devuelve Start si hay un arranque en curso o completo.
var ErrAlreadyStarted = errors.New("watcher: ya iniciado")

// Options arma un Service. RetryPause espacia los ticks del drain después de
// un push fallido genérico, para no reintentar en caliente.
type Options struct {
	ProcessID  string
	Bus        notify.Bus
	Repo       core.Repository
	Pusher     dhcp.Pusher
	RetryPause time.Duration // default 500ms
}

// Service es el rack controller service de este proceso region. Los sets
// watch/dirty son de su propiedad exclusiva; persistencia y bus sólo se leen
// y suscriben.
type Service struct {
	processID  string
	bus        notify.Bus
	repo       core.Repository
	pusher     dhcp.Pusher
	retryPause time.Duration
	log        *zap.Logger

	mu       sync.Mutex
	starting bool
	started  bool
	stopped  bool
	procSub  *notify.Subscription
	watches  map[int64]*notify.Subscription
	dirty    map[int64]struct{}
	draining bool

	wg sync.WaitGroup
}

func New(opts Options) *Service {
	if opts.RetryPause <= 0 {
		opts.RetryPause = 500 * time.Millisecond
	}
	return &Service{
		processID:  opts.ProcessID,
		bus:        opts.Bus,
		repo:       opts.Repo,
		pusher:     opts.Pusher,
		retryPause: opts.RetryPause,
		log:        logger.Named("watcher").With(logger.ProcessID(opts.ProcessID)),
		watches:    make(map[int64]*notify.Subscription),
		dirty:      make(map[int64]struct{}),
	}
}

// Start corre la secuencia de arranque como unidad cancelable:
//
//	suscribir canal de proceso → query de recovery → replay de watches
//
// Suscribirse ANTES de la query cierra la ventana entre "qué racks tengo" y
// "avisame de cambios". Si ctx se cancela en el medio no queda estado parcial
// registrado y el flag starting queda limpio para un reintento.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.starting || s.started || s.stopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.starting = true
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		if s.procSub != nil {
			s.procSub.Close()
			s.procSub = nil
		}
		s.starting = false
		s.mu.Unlock()
		return err
	}

	procSub, err := s.bus.Subscribe(ctx, ProcessChannel(s.processID))
	if err != nil {
		return fail(fmt.Errorf("watcher: suscribiendo canal de proceso: %w", err))
	}
	s.mu.Lock()
	s.procSub = procSub
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	// Recovery: racks que la base ya registra como administrados por este
	// proceso (reinicio/crash). Se reinyectan como watch sintéticos.
	owned, err := s.repo.ListRacksManagedBy(ctx, s.processID)
	if err != nil {
		return fail(fmt.Errorf("watcher: recovery query: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	for _, id := range owned {
		s.handleWatch(id)
	}

	s.mu.Lock()
	s.starting = false
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.processDispatcher(procSub)

	s.log.Info("watcher iniciado", logger.Count(len(owned)))
	return nil
}

// processDispatcher consume el canal de proceso. Todas las mutaciones del
// watch set salen de esta goroutine (o del drain, para el unwatch terminal).
func (s *Service) processDispatcher(sub *notify.Subscription) {
	defer s.wg.Done()
	for n := range sub.C {
		payload := strings.TrimSpace(n.Payload)
		switch {
		case strings.HasPrefix(payload, "watch_"):
			if id, ok := parseRackID(payload, "watch_"); ok {
				s.handleWatch(id)
			} else {
				s.log.Warn("payload de watch inválido", logger.String("payload", payload))
			}
		case strings.HasPrefix(payload, "unwatch_"):
			if id, ok := parseRackID(payload, "unwatch_"); ok {
				s.handleUnwatch(id)
			} else {
				s.log.Warn("payload de unwatch inválido", logger.String("payload", payload))
			}
		default:
			s.log.Warn("payload desconocido en canal de proceso", logger.String("payload", payload))
		}
	}
}

func parseRackID(payload, prefix string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(payload, prefix), 10, 64)
	return id, err == nil
}

// handleWatch reclama un rack: suscribe su canal dirty y lo marca watched y
// dirty (un rack recién reclamado se asume desactualizado hasta el primer
// push). Idempotente si ya estaba watched.
func (s *Service) handleWatch(rackID int64) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if _, ok := s.watches[rackID]; ok {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	sub, err := s.bus.Subscribe(context.Background(), RackChannel(rackID))
	if err != nil {
		// El rack queda sin watch; un watch futuro lo reintenta.
		s.log.Error("no se pudo suscribir el canal del rack",
			logger.RackID(rackID), logger.Err(err))
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		sub.Close()
		return
	}
	s.watches[rackID] = sub
	s.dirty[rackID] = struct{}{}
	s.updateGaugesLocked()
	s.startDrainLocked()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.rackDispatcher(rackID, sub)

	s.log.Info("rack watched", logger.RackID(rackID))
}

// rackDispatcher consume el canal dirty de un rack hasta que la suscripción
// se cierra (unwatch o shutdown).
func (s *Service) rackDispatcher(rackID int64, sub *notify.Subscription) {
	defer s.wg.Done()
	for range sub.C {
		s.handleDirty(rackID)
	}
}

// handleUnwatch suelta un rack. Recibir unwatch de un rack no watched se
// loguea y se ignora (transferencia de ownership ya procesada).
func (s *Service) handleUnwatch(rackID int64) {
	s.mu.Lock()
	sub, ok := s.watches[rackID]
	if !ok {
		s.mu.Unlock()
		s.log.Info("unwatch de rack no watched, ignorado", logger.RackID(rackID))
		return
	}
	delete(s.watches, rackID)
	delete(s.dirty, rackID)
	s.updateGaugesLocked()
	s.mu.Unlock()

	sub.Close()
	s.log.Info("rack unwatched", logger.RackID(rackID))
}

// handleDirty marca el rack como pendiente de push. El dirty set es un set,
// no un contador: N notificaciones colapsan en una entrada.
func (s *Service) handleDirty(rackID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.watches[rackID]; !ok {
		// Notificación vieja después de una transferencia: no repuebla nada.
		s.log.Info("dirty de rack no watched, ignorado", logger.RackID(rackID))
		return
	}
	s.dirty[rackID] = struct{}{}
	s.updateGaugesLocked()
	s.startDrainLocked()
}

// startDrainLocked arranca el drain si no está corriendo. El loop se apaga
// solo cuando el dirty set queda vacío; no hay polling continuo.
func (s *Service) startDrainLocked() {
	if s.draining || s.stopped || len(s.dirty) == 0 {
		return
	}
	s.draining = true
	s.wg.Add(1)
	go s.drainLoop()
}

func (s *Service) drainLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.stopped || len(s.dirty) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		var rackID int64
		for id := range s.dirty { // orden arbitrario, a propósito
			rackID = id
			break
		}
		delete(s.dirty, rackID)
		s.updateGaugesLocked()
		s.mu.Unlock()

		if requeued := s.push(rackID); requeued {
			// pausa corta antes del próximo tick; sin esto un push que
			// falla sostenido reintentaría en caliente
			time.Sleep(s.retryPause)
		}
	}
}

// push invoca la operación de push y clasifica la falla:
//
//   - rack inexistente → unwatch total, sin reintento
//   - sin ruta → descarte silencioso, un evento futuro lo reintenta
//   - otro error → reencolar y loguear; sin tope de reintentos mientras
//     el rack siga watched
func (s *Service) push(rackID int64) (requeued bool) {
	err := s.pusher.Push(context.Background(), rackID)
	switch {
	case err == nil:
		// limpio hasta la próxima notificación dirty
		return false

	case errors.Is(err, dhcp.ErrRackNotFound):
		s.log.Info("rack inexistente, unwatch", logger.RackID(rackID))
		s.handleUnwatch(rackID)
		return false

	case errors.Is(err, dhcp.ErrNoRoute):
		// Sin conexión todavía: no reencolar para no entrar en un storm de
		// reintentos antes de que exista la ruta.
		s.log.Debug("push sin ruta, descartado", logger.RackID(rackID))
		return false

	default:
		s.mu.Lock()
		if _, watched := s.watches[rackID]; watched && !s.stopped {
			s.dirty[rackID] = struct{}{}
			s.updateGaugesLocked()
			requeued = true
		}
		s.mu.Unlock()
		s.log.Warn("push falló, reencolado", logger.RackID(rackID), logger.Err(err))
		return requeued
	}
}

func (s *Service) updateGaugesLocked() {
	metrics.WatchedRacks.Set(float64(len(s.watches)))
	metrics.DirtyRacks.Set(float64(len(s.dirty)))
}

// Stop desuscribe todos los canales, limpia ambos sets y espera a que las
// goroutines terminen. El push en vuelo termina o falla solo; no se cancela
// a mitad de camino.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.starting = false
	procSub := s.procSub
	s.procSub = nil
	subs := make([]*notify.Subscription, 0, len(s.watches))
	for _, sub := range s.watches {
		subs = append(subs, sub)
	}
	s.watches = make(map[int64]*notify.Subscription)
	s.dirty = make(map[int64]struct{})
	s.updateGaugesLocked()
	s.mu.Unlock()

	if procSub != nil {
		procSub.Close()
	}
	for _, sub := range subs {
		sub.Close()
	}
	s.wg.Wait()
	s.log.Info("watcher detenido")
}

// Status es el snapshot para la superficie admin.
type Status struct {
	ProcessID string  `json:"process_id"`
	Started   bool    `json:"started"`
	Watched   []int64 `json:"watched"`
	Dirty     []int64 `json:"dirty"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{ProcessID: s.processID, Started: s.started && !s.stopped}
	for id := range s.watches {
		st.Watched = append(st.Watched, id)
	}
	for id := range s.dirty {
		st.Dirty = append(st.Dirty, id)
	}
	sort.Slice(st.Watched, func(i, j int) bool { return st.Watched[i] < st.Watched[j] })
	sort.Slice(st.Dirty, func(i, j int) bool { return st.Dirty[i] < st.Dirty[j] })
	return st
}

// Watching informa si el rack está en el watch set (tests y admin).
func (s *Service) Watching(rackID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watches[rackID]
	return ok
}
