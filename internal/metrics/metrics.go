// Package metrics exposes Prometheus counters and histograms for perron
// client calls.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics holds the Prometheus metrics for one perron.Client.
type ClientMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec
	RetriesTotal    prometheus.Counter
	BreakerState    prometheus.Gauge
}

// NewClientMetrics creates and registers the metrics for a named client
// against reg (pass prometheus.DefaultRegisterer for the process default).
func NewClientMetrics(reg prometheus.Registerer, clientName string) *ClientMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"client": clientName}
	return &ClientMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "perron_requests_total",
				Help:        "Total number of perron client calls.",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "perron_request_duration_seconds",
				Help:        "Duration of perron client calls.",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "perron_errors_total",
				Help:        "Total number of perron client errors, by kind.",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "perron_retries_total",
				Help:        "Total number of retry attempts issued.",
				ConstLabels: labels,
			},
		),
		BreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "perron_breaker_state",
				Help:        "Current breaker state: 0=CLOSED, 1=HALF_OPEN, 2=OPEN.",
				ConstLabels: labels,
			},
		),
	}
}
