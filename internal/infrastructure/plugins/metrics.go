package plugins

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"rowloader/internal/domain/loader"
)

// Metrics records loader calls in Prometheus.
type Metrics struct {
	// CallsTotal counts calls by loader and operation, cache hits included.
	CallsTotal *prometheus.CounterVec
	// ExecutedTotal counts calls that reached the database.
	ExecutedTotal *prometheus.CounterVec
	// Duration is the latency of executed calls.
	Duration *prometheus.HistogramVec
	// Rows is the number of rows returned by executed calls.
	Rows *prometheus.HistogramVec
	// CountDegraded counts pages whose requested COUNT(*) failed.
	CountDegraded *prometheus.CounterVec
}

// NewMetrics registers the loader collectors on reg (nil means the default
// registerer).
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := []string{"loader", "op"}

	return &Metrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loader_calls_total",
				Help:      "Total number of loader calls",
			},
			labels,
		),
		ExecutedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loader_executed_total",
				Help:      "Total number of loader calls that ran their statements",
			},
			labels,
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "loader_duration_seconds",
				Help:      "Loader execution latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			labels,
		),
		Rows: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "loader_rows",
				Help:      "Rows returned per loader call",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			labels,
		),
		CountDegraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loader_count_degraded_total",
				Help:      "Total number of pages whose count query failed",
			},
			[]string{"loader"},
		),
	}
}

// Plugin returns the loader plugin feeding m. Register it before plugins
// that short-circuit (such as a result cache) so every call is counted.
func (m *Metrics) Plugin() loader.Plugin {
	return loader.Plugin{
		Name: "metrics",
		OnLoad: func(_ context.Context, call *loader.Call) error {
			m.CallsTotal.WithLabelValues(call.Loader, string(call.Op)).Inc()
			return nil
		},
		OnResult: func(_ context.Context, call *loader.Call) error {
			op := string(call.Op)
			m.ExecutedTotal.WithLabelValues(call.Loader, op).Inc()
			m.Duration.WithLabelValues(call.Loader, op).Observe(call.Duration.Seconds())
			page := call.Result()
			if page == nil {
				return nil
			}
			m.Rows.WithLabelValues(call.Loader, op).Observe(float64(len(page.Nodes)))
			if call.Count != nil && page.PageInfo.Count == nil {
				m.CountDegraded.WithLabelValues(call.Loader).Inc()
			}
			return nil
		},
	}
}
