package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RPC/pool and watcher Prometheus metrics. Defined in a standalone package to
// avoid import cycles between the pool, the watcher and the HTTP packages.

var (
	PoolConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rpc_pool_connections",
		Help: "Conexiones registradas en el pool por endpoint",
	}, []string{"endpoint"})

	PoolExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpc_pool_exhausted_total",
		Help: "Intentos de scale-up rechazados por límite de conexiones",
	})

	HandshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rpc_handshake_failures_total",
		Help: "Handshakes fallidos por motivo",
	}, []string{"reason"}) // reason: transport|digest|ident

	ConnectionsReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rpc_pool_reaped_total",
		Help: "Conexiones ociosas cerradas por el reaper",
	})

	PushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dhcp_push_total",
		Help: "Pushes de configuración por resultado",
	}, []string{"result"}) // result: ok|not_found|no_route|error

	PushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dhcp_push_duration_seconds",
		Help:    "Latencia del push de configuración",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	WatchedRacks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watcher_watched_racks",
		Help: "Racks actualmente observados por este proceso",
	})

	DirtyRacks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "watcher_dirty_racks",
		Help: "Racks observados pendientes de push",
	})
)

// Register registers all fleet metrics on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		PoolConnections,
		PoolExhausted,
		HandshakeFailures,
		ConnectionsReaped,
		PushTotal,
		PushDuration,
		WatchedRacks,
		DirtyRacks,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
