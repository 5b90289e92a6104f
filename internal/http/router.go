// Package http expone la superficie admin/health/metrics de regiond. La API
// CRUD del fleet manager es otro servicio; acá sólo vive lo operacional.
package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dropDatabas3/rackwatch/internal/dhcp"
	"github.com/dropDatabas3/rackwatch/internal/observability/logger"
	"github.com/dropDatabas3/rackwatch/internal/rpc/pool"
	"github.com/dropDatabas3/rackwatch/internal/store/core"
	"github.com/dropDatabas3/rackwatch/internal/watcher"
)

// Deps junta lo que el router necesita; cualquier campo nil apaga su endpoint.
type Deps struct {
	Repo        core.Repository
	Pool        *pool.Pool
	Watcher     *watcher.Service
	Pusher      *dhcp.RPCPusher
	AdminAPIKey string
	Registry    prometheus.Registerer
}

func NewRouter(d Deps) (http.Handler, error) {
	metricsHandler, err := RegisterMetrics(d.Registry)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(WithMetrics)
	r.Use(WithLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if d.Repo != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := d.Repo.Ping(ctx); err != nil {
				logger.From(req.Context()).Warn("store no responde", logger.Err(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "degraded", "store": err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Method(http.MethodGet, "/metrics", metricsHandler)

	r.Route("/v1/admin", func(ar chi.Router) {
		ar.Use(requireAPIKey(d.AdminAPIKey))

		ar.Get("/pool", func(w http.ResponseWriter, _ *http.Request) {
			if d.Pool == nil {
				http.NotFound(w, nil)
				return
			}
			writeJSON(w, http.StatusOK, d.Pool.Stats())
		})

		ar.Get("/racks", func(w http.ResponseWriter, _ *http.Request) {
			if d.Watcher == nil {
				http.NotFound(w, nil)
				return
			}
			resp := map[string]any{"watcher": d.Watcher.Status()}
			if d.Pusher != nil {
				resp["last_pushes"] = d.Pusher.LastResults()
			}
			writeJSON(w, http.StatusOK, resp)
		})
	})

	return r, nil
}

// WithLogger inyecta un logger con los campos del request en el contexto; los
// handlers lo recuperan con logger.From.
func WithLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logger.Named("http").With(
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(logger.ToContext(r.Context(), l)))
	})
}

// requireAPIKey exige X-Admin-API-Key. Sin key configurada, el admin queda
// deshabilitado por completo.
func requireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin disabled"})
				return
			}
			got := r.Header.Get("X-Admin-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				logger.FromWithFields(r.Context(), logger.Result("unauthorized")).
					Warn("api key inválida")
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Named("http").Warn("encoding response", logger.Err(err))
	}
}
