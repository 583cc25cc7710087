package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects per-invocation measurements. A nil *Metrics records
// nothing.
type Metrics struct {
	executions  *prometheus.CounterVec
	fuel        prometheus.Histogram
	duration    prometheus.Histogram
	peakMemory  prometheus.Histogram
	cacheLookup *prometheus.CounterVec
}

// NewMetrics registers the executor collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmbox_executions_total",
				Help: "Total number of invocations by outcome",
			},
			[]string{"outcome"},
		),
		fuel: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wasmbox_fuel_consumed",
				Help:    "Fuel consumed by successful invocations",
				Buckets: prometheus.ExponentialBuckets(10, 10, 8),
			},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wasmbox_execution_duration_seconds",
				Help:    "Time spent in the guest function",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),
		peakMemory: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wasmbox_peak_memory_bytes",
				Help:    "Largest linear memory size reached by successful invocations",
				Buckets: prometheus.ExponentialBuckets(64*1024, 4, 8),
			},
		),
		cacheLookup: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasmbox_module_cache_lookups_total",
				Help: "Compiled module cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if kind, ok := KindOf(err); ok {
		return kind.String()
	}
	return "unknown"
}

func (m *Metrics) observe(report Report, err error) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome(err)).Inc()
	if err != nil {
		return
	}
	m.fuel.Observe(float64(report.FuelConsumed))
	m.duration.Observe(report.TimeConsumed.Seconds())
	m.peakMemory.Observe(float64(report.PeakMemoryBytes))
}

func (m *Metrics) cacheHit(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookup.WithLabelValues("hit").Inc()
	} else {
		m.cacheLookup.WithLabelValues("miss").Inc()
	}
}
