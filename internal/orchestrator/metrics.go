package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report scheduler activity.
type Metrics struct {
	blockDuration    *prometheus.HistogramVec
	blockFailures    *prometheus.CounterVec
	executionsActive prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the scheduler is instantiated multiple
// times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error will panic
// which mirrors the semantics of promauto helpers and surfaces configuration
// bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	blockDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "block_duration_seconds",
			Help:      "Duration of each block execution by pattern.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pattern", "status"},
	)
	blockFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "block_failures_total",
			Help:      "Total number of block executions that failed.",
		},
		[]string{"pattern", "reason"},
	)
	executionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "conductor",
			Subsystem: "orchestrator",
			Name:      "executions_active",
			Help:      "Number of executions currently running.",
		},
	)

	collectors := []prometheus.Collector{blockDuration, blockFailures, executionsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector.(type) {
				case *prometheus.HistogramVec:
					blockDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					blockFailures = already.ExistingCollector.(*prometheus.CounterVec)
				case prometheus.Gauge:
					executionsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		blockDuration:    blockDuration,
		blockFailures:    blockFailures,
		executionsActive: executionsActive,
	}
}

// ObserveBlockDuration records the time spent in a block with the outcome label.
func (m *Metrics) ObserveBlockDuration(pattern string, status string, duration time.Duration) {
	if m == nil || m.blockDuration == nil {
		return
	}
	m.blockDuration.WithLabelValues(pattern, status).Observe(duration.Seconds())
}

// IncBlockFailure increments the failure counter for the given pattern and reason.
func (m *Metrics) IncBlockFailure(pattern string, reason string) {
	if m == nil || m.blockFailures == nil {
		return
	}
	m.blockFailures.WithLabelValues(pattern, reason).Inc()
}

// IncActiveExecutions marks an execution as started.
func (m *Metrics) IncActiveExecutions() {
	if m == nil || m.executionsActive == nil {
		return
	}
	m.executionsActive.Inc()
}

// DecActiveExecutions marks an execution as finished.
func (m *Metrics) DecActiveExecutions() {
	if m == nil || m.executionsActive == nil {
		return
	}
	m.executionsActive.Dec()
}
