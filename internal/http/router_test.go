package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/rackwatch/internal/rpc"
	"github.com/dropDatabas3/rackwatch/internal/rpc/pool"
	"github.com/dropDatabas3/rackwatch/internal/store/core"
)

type fakeRepo struct{ pingErr error }

func (r *fakeRepo) RackByID(context.Context, int64) (*core.Rack, error) {
	return nil, core.ErrNotFound
}
func (r *fakeRepo) ListRacksManagedBy(context.Context, string) ([]int64, error) { return nil, nil }
func (r *fakeRepo) Ping(context.Context) error                                  { return r.pingErr }
func (r *fakeRepo) Close()                                                      {}

func newRouter(t *testing.T, d Deps) http.Handler {
	t.Helper()
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	h, err := NewRouter(d)
	require.NoError(t, err)
	return h
}

func get(h http.Handler, path, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if apiKey != "" {
		req.Header.Set("X-Admin-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := newRouter(t, Deps{})
	rec := get(h, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
}

func TestReadyzReportsStoreState(t *testing.T) {
	repo := &fakeRepo{}
	h := newRouter(t, Deps{Repo: repo})

	require.Equal(t, http.StatusOK, get(h, "/readyz", "").Code)

	repo.pingErr = errors.New("db caída")
	rec := get(h, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "degraded")
}

func TestMetricsServedFromCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newRouter(t, Deps{Registry: reg})

	// Generar tráfico para que el middleware registre algo en reg.
	require.Equal(t, http.StatusOK, get(h, "/healthz", "").Code)

	rec := get(h, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "http_requests_total"),
		"/metrics tiene que exponer lo registrado en el registry provisto")
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	h := newRouter(t, Deps{})
	require.Equal(t, http.StatusForbidden, get(h, "/v1/admin/pool", "cualquiera").Code)
}

func TestAdminRejectsWrongKey(t *testing.T) {
	h := newRouter(t, Deps{AdminAPIKey: "secreta"})
	require.Equal(t, http.StatusUnauthorized, get(h, "/v1/admin/pool", "otra").Code)
	require.Equal(t, http.StatusUnauthorized, get(h, "/v1/admin/pool", "").Code)
}

func TestAdminPoolStats(t *testing.T) {
	p := pool.New(pool.Config{
		MaxConns:    2,
		MaxIdle:     1,
		Keepalive:   time.Second,
		DialTimeout: time.Second,
		Handshake:   rpc.HandshakeInfo{ProcessID: "region-test"},
	})
	defer p.Close()

	h := newRouter(t, Deps{Pool: p, AdminAPIKey: "secreta"})
	rec := get(h, "/v1/admin/pool", "secreta")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"endpoints"`)
}

var _ core.Repository = (*fakeRepo)(nil)
