package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for cache operations.
type Metrics struct {
	hitsTotal          *prometheus.CounterVec
	missesTotal        *prometheus.CounterVec
	evictionsTotal     *prometheus.CounterVec
	expirationsTotal   *prometheus.CounterVec
	invalidationsTotal *prometheus.CounterVec
	sizeGauge          *prometheus.GaugeVec
	operationDuration  *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton cache metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// MustRegister registers all cache metric collectors with the given
// Prometheus registry. promauto registers with the default global
// registry, but the gateway serves /metrics from a custom one; this
// bridges the two so cache metrics appear on the gateway's endpoint.
func (m *Metrics) MustRegister(registry *prometheus.Registry) {
	registry.MustRegister(
		m.hitsTotal,
		m.missesTotal,
		m.evictionsTotal,
		m.expirationsTotal,
		m.invalidationsTotal,
		m.sizeGauge,
		m.operationDuration,
	)
}

// Init pre-initializes label combinations with zero values so metric
// lines appear immediately after startup. Idempotent.
func (m *Metrics) Init() {
	for _, strategy := range []string{"time-based", "lru"} {
		m.hitsTotal.WithLabelValues(strategy)
		m.missesTotal.WithLabelValues(strategy)
		m.evictionsTotal.WithLabelValues(strategy)
		m.expirationsTotal.WithLabelValues(strategy)
		m.invalidationsTotal.WithLabelValues(strategy)
		m.sizeGauge.WithLabelValues(strategy)
		for _, op := range []string{"get", "set", "delete", "invalidate"} {
			m.operationDuration.WithLabelValues(strategy, op)
		}
	}
}

func newMetrics() *Metrics {
	return &Metrics{
		hitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"strategy"},
		),
		missesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"strategy"},
		),
		evictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Total number of capacity evictions",
			},
			[]string{"strategy"},
		),
		expirationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "expirations_total",
				Help:      "Total number of entries removed by TTL expiry",
			},
			[]string{"strategy"},
		),
		invalidationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "invalidations_total",
				Help:      "Total number of entries removed by pattern invalidation",
			},
			[]string{"strategy"},
		),
		sizeGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "size",
				Help:      "Current number of entries in the cache",
			},
			[]string{"strategy"},
		),
		operationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "cache",
				Name:      "operation_duration_seconds",
				Help:      "Duration of cache operations",
				Buckets: []float64{
					.0001, .0005, .001, .005,
					.01, .025, .05, .1,
				},
			},
			[]string{"strategy", "operation"},
		),
	}
}
