package watcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/rackwatch/internal/dhcp"
	"github.com/dropDatabas3/rackwatch/internal/notify"
	"github.com/dropDatabas3/rackwatch/internal/notify/memory"
	"github.com/dropDatabas3/rackwatch/internal/store/core"
)

const testProcess = "region-test-1"

// fakeRepo sólo responde la query de recovery; el resto del contrato no lo
// toca el watcher.
type fakeRepo struct {
	owned []int64
	err   error
}

func (r *fakeRepo) RackByID(context.Context, int64) (*core.Rack, error) {
	return nil, core.ErrNotFound
}
func (r *fakeRepo) ListRacksManagedBy(context.Context, string) ([]int64, error) {
	return r.owned, r.err
}
func (r *fakeRepo) Ping(context.Context) error { return nil }
func (r *fakeRepo) Close()                     {}

// fakePusher registra cada push y devuelve lo que el guion diga para el rack.
type fakePusher struct {
	mu     sync.Mutex
	pushes map[int64]int
	script map[int64][]error // se consumen en orden; agotado => nil
	block  chan struct{}     // si no es nil, cada push espera acá
}

func newFakePusher() *fakePusher {
	return &fakePusher{pushes: make(map[int64]int), script: make(map[int64][]error)}
}

func (p *fakePusher) fail(rackID int64, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script[rackID] = append(p.script[rackID], errs...)
}

func (p *fakePusher) Push(_ context.Context, rackID int64) error {
	p.mu.Lock()
	p.pushes[rackID]++
	var err error
	if q := p.script[rackID]; len(q) > 0 {
		err = q[0]
		p.script[rackID] = q[1:]
	}
	block := p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (p *fakePusher) count(rackID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushes[rackID]
}

type fixture struct {
	bus    *memory.Bus
	repo   *fakeRepo
	pusher *fakePusher
	svc    *Service
}

func newFixture(t *testing.T, owned ...int64) *fixture {
	t.Helper()
	f := &fixture{
		bus:    memory.New(),
		repo:   &fakeRepo{owned: owned},
		pusher: newFakePusher(),
	}
	f.svc = New(Options{
		ProcessID:  testProcess,
		Bus:        f.bus,
		Repo:       f.repo,
		Pusher:     f.pusher,
		RetryPause: 10 * time.Millisecond,
	})
	t.Cleanup(f.svc.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background()))
}

func (f *fixture) notifyProcess(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, f.bus.Publish(context.Background(), ProcessChannel(testProcess), payload))
}

func (f *fixture) notifyDirty(t *testing.T, rackID int64) {
	t.Helper()
	require.NoError(t, f.bus.Publish(context.Background(), RackChannel(rackID), ""))
}

func TestWatchClaimsAndPushes(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.notifyProcess(t, "watch_7")

	// Un rack recién reclamado arranca dirty: tiene que haber un push sin
	// ninguna notificación dirty adicional.
	require.Eventually(t, func() bool { return f.svc.Watching(7) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.pusher.count(7) == 1 }, time.Second, 5*time.Millisecond)

	st := f.svc.Status()
	require.Equal(t, []int64{7}, st.Watched)
	require.Empty(t, st.Dirty)
}

func TestWatchIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.notifyProcess(t, "watch_7")
	require.Eventually(t, func() bool { return f.pusher.count(7) == 1 }, time.Second, 5*time.Millisecond)

	f.notifyProcess(t, "watch_7")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.pusher.count(7), "watch repetido no re-suscribe ni re-pushea")
}

func TestUnwatchReleasesRack(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.notifyProcess(t, "watch_7")
	require.Eventually(t, func() bool { return f.pusher.count(7) == 1 }, time.Second, 5*time.Millisecond)

	f.notifyProcess(t, "unwatch_7")
	require.Eventually(t, func() bool { return !f.svc.Watching(7) }, time.Second, 5*time.Millisecond)

	st := f.svc.Status()
	require.Empty(t, st.Watched)
	require.Empty(t, st.Dirty)

	// Dirty posterior al unwatch: se ignora, no repuebla nada.
	f.notifyDirty(t, 7)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.pusher.count(7))
}

func TestUnwatchUnknownRackIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.notifyProcess(t, "unwatch_99")
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.svc.Status().Watched)
}

func TestDirtyNotificationsCollapse(t *testing.T) {
	f := newFixture(t)
	f.pusher.block = make(chan struct{})
	f.start(t)

	f.notifyProcess(t, "watch_7")
	require.Eventually(t, func() bool { return f.pusher.count(7) == 1 }, time.Second, 5*time.Millisecond)

	// Con el push inicial trabado, N notificaciones dirty colapsan en una
	// sola entrada pendiente.
	for i := 0; i < 5; i++ {
		f.notifyDirty(t, 7)
	}
	require.Eventually(t, func() bool {
		return len(f.svc.Status().Dirty) == 1
	}, time.Second, 5*time.Millisecond)

	close(f.pusher.block)
	require.Eventually(t, func() bool { return f.pusher.count(7) == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, f.pusher.count(7), "5 notificaciones => 1 push extra")
}

func TestRackNotFoundUnwatches(t *testing.T) {
	f := newFixture(t)
	f.pusher.fail(7, dhcp.ErrRackNotFound)
	f.start(t)

	f.notifyProcess(t, "watch_7")
	require.Eventually(t, func() bool {
		return f.pusher.count(7) == 1 && !f.svc.Watching(7)
	}, time.Second, 5*time.Millisecond)

	f.notifyDirty(t, 7)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.pusher.count(7), "sin reintentos para un rack inexistente")
}

func TestNoRouteDropsWithoutRequeue(t *testing.T) {
	f := newFixture(t)
	f.pusher.fail(7, dhcp.ErrNoRoute)
	f.start(t)

	f.notifyProcess(t, "watch_7")
	require.Eventually(t, func() bool { return f.pusher.count(7) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.True(t, f.svc.Watching(7), "sin ruta no des-watchea")
	require.Empty(t, f.svc.Status().Dirty, "sin ruta no reencola")

	// El próximo evento dirty sí reintenta.
	f.notifyDirty(t, 7)
	require.Eventually(t, func() bool { return f.pusher.count(7) == 2 }, time.Second, 5*time.Millisecond)
}

func TestGenericErrorRequeuesUntilSuccess(t *testing.T) {
	f := newFixture(t)
	f.pusher.fail(7, errors.New("agente caído"), errors.New("agente caído"))
	f.start(t)

	f.notifyProcess(t, "watch_7")

	// Dos fallas reencoladas y un tercer intento exitoso, sin eventos nuevos.
	require.Eventually(t, func() bool { return f.pusher.count(7) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(f.svc.Status().Dirty) == 0
	}, time.Second, 5*time.Millisecond)
	require.True(t, f.svc.Watching(7))
}

func TestStartupRecoveryReplaysOwnedRacks(t *testing.T) {
	f := newFixture(t, 3, 9)
	f.start(t)

	require.Eventually(t, func() bool {
		return f.pusher.count(3) == 1 && f.pusher.count(9) == 1
	}, time.Second, 5*time.Millisecond)

	st := f.svc.Status()
	require.Equal(t, []int64{3, 9}, st.Watched)

	// El watch que llega después del replay es idempotente.
	f.notifyProcess(t, "watch_3")
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, f.pusher.count(3))
}

func TestStartFailsWhenRecoveryQueryFails(t *testing.T) {
	f := newFixture(t)
	f.repo.err = errors.New("db caída")

	err := f.svc.Start(context.Background())
	require.Error(t, err)

	// El arranque fallido no deja estado: se puede reintentar.
	f.repo.err = nil
	require.NoError(t, f.svc.Start(context.Background()))
}

func TestStartTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	require.ErrorIs(t, f.svc.Start(context.Background()), ErrAlreadyStarted)
}

func TestStartCancelledContext(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, f.svc.Start(ctx))
	require.False(t, f.svc.Watching(3))
	require.Equal(t, 0, f.pusher.count(3))
}

func TestStopClearsEverything(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.notifyProcess(t, "watch_7")
	require.Eventually(t, func() bool { return f.svc.Watching(7) }, time.Second, 5*time.Millisecond)

	f.svc.Stop()
	f.svc.Stop() // idempotente

	st := f.svc.Status()
	require.False(t, st.Started)
	require.Empty(t, st.Watched)
	require.Empty(t, st.Dirty)
}

func TestMalformedPayloadsAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.notifyProcess(t, "watch_abc")
	f.notifyProcess(t, "garbage")
	f.notifyProcess(t, "unwatch_")
	time.Sleep(50 * time.Millisecond)

	require.Empty(t, f.svc.Status().Watched)
}

var _ core.Repository = (*fakeRepo)(nil)
var _ dhcp.Pusher = (*fakePusher)(nil)
var _ notify.Bus = (*memory.Bus)(nil)
