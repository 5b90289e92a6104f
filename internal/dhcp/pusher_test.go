package dhcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/rackwatch/internal/rpc"
	"github.com/dropDatabas3/rackwatch/internal/rpc/pool"
	"github.com/dropDatabas3/rackwatch/internal/store/core"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeRepo struct {
	racks map[int64]*core.Rack
}

func (r *fakeRepo) RackByID(_ context.Context, id int64) (*core.Rack, error) {
	rack, ok := r.racks[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return rack, nil
}
func (r *fakeRepo) ListRacksManagedBy(context.Context, string) ([]int64, error) { return nil, nil }
func (r *fakeRepo) Ping(context.Context) error                                  { return nil }
func (r *fakeRepo) Close()                                                      {}

// startAgent levanta un agente en loopback; fault != "" hace que
// configure-dhcp devuelva ese código en vez de ok.
func startAgent(t *testing.T, ident, fault string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := rpc.NewServer(ident, testSecret)
	srv.Handle(rpc.CmdConfigureDHCP, func(_ context.Context, body cbor.RawMessage) (any, error) {
		if fault != "" {
			return nil, &rpc.Fault{Code: fault, Msg: "simulado"}
		}
		return &rpc.ConfigureDHCPResponse{OK: true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func newFixture(t *testing.T, repo *fakeRepo) (*RPCPusher, *pool.Pool) {
	t.Helper()
	p := pool.New(pool.Config{
		MaxConns:    2,
		MaxIdle:     1,
		Keepalive:   20 * time.Millisecond,
		DialTimeout: 2 * time.Second,
		Secret:      testSecret,
		Handshake:   rpc.HandshakeInfo{ProcessID: "region-test"},
	})
	t.Cleanup(p.Close)
	return NewRPCPusher(repo, p, 2*time.Second), p
}

func TestPushConfiguresRack(t *testing.T) {
	addr := startAgent(t, "ep1", "")
	repo := &fakeRepo{racks: map[int64]*core.Rack{
		7: {ID: 7, Name: "rack-7", Endpoints: []core.Endpoint{{Name: "ep1", Address: addr}}},
	}}
	pusher, p := newFixture(t, repo)

	require.NoError(t, pusher.Push(context.Background(), 7))

	// Scale-up on demand: el push dejó la conexión registrada en el pool.
	require.Eventually(t, func() bool {
		return p.Stats().Total == 1
	}, time.Second, 10*time.Millisecond)

	results := pusher.LastResults()
	require.Len(t, results, 1)
	require.Equal(t, "ok", results[0].Result)

	// El segundo push reusa la conexión ociosa.
	require.NoError(t, pusher.Push(context.Background(), 7))
	require.Equal(t, 1, p.Stats().Total)
}

func TestPushUnknownRack(t *testing.T) {
	pusher, _ := newFixture(t, &fakeRepo{racks: map[int64]*core.Rack{}})
	require.ErrorIs(t, pusher.Push(context.Background(), 99), ErrRackNotFound)
}

func TestPushRackWithoutEndpoints(t *testing.T) {
	repo := &fakeRepo{racks: map[int64]*core.Rack{
		7: {ID: 7, Name: "rack-7"},
	}}
	pusher, _ := newFixture(t, repo)
	require.ErrorIs(t, pusher.Push(context.Background(), 7), ErrNoRoute)
}

func TestPushUnreachableEndpoint(t *testing.T) {
	// Puerto cerrado: el dial falla y no hay conexiones previas => sin ruta.
	repo := &fakeRepo{racks: map[int64]*core.Rack{
		7: {ID: 7, Name: "rack-7", Endpoints: []core.Endpoint{{Name: "ep1", Address: "127.0.0.1:1"}}},
	}}
	pusher, p := newFixture(t, repo)

	require.ErrorIs(t, pusher.Push(context.Background(), 7), ErrNoRoute)
	require.Equal(t, 0, p.Stats().Total)
}

func TestPushMapsRemoteFaults(t *testing.T) {
	cases := []struct {
		fault string
		want  error
	}{
		{rpc.FaultNotFound, ErrRackNotFound},
		{rpc.FaultNoRoute, ErrNoRoute},
	}
	for _, tc := range cases {
		t.Run(tc.fault, func(t *testing.T) {
			addr := startAgent(t, "ep1", tc.fault)
			repo := &fakeRepo{racks: map[int64]*core.Rack{
				7: {ID: 7, Name: "rack-7", Endpoints: []core.Endpoint{{Name: "ep1", Address: addr}}},
			}}
			pusher, _ := newFixture(t, repo)
			require.ErrorIs(t, pusher.Push(context.Background(), 7), tc.want)
		})
	}
}

func TestPushInternalFaultIsGeneric(t *testing.T) {
	addr := startAgent(t, "ep1", rpc.FaultInternal)
	repo := &fakeRepo{racks: map[int64]*core.Rack{
		7: {ID: 7, Name: "rack-7", Endpoints: []core.Endpoint{{Name: "ep1", Address: addr}}},
	}}
	pusher, _ := newFixture(t, repo)

	err := pusher.Push(context.Background(), 7)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRackNotFound)
	require.NotErrorIs(t, err, ErrNoRoute)
}

var _ core.Repository = (*fakeRepo)(nil)
