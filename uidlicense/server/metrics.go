package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CloudNativeWorks/cnw-uid-license/uidlicense"
)

// Metrics are the Prometheus collectors exported at /metrics.
type Metrics struct {
	activations     *prometheus.CounterVec
	deactivations   prometheus.Counter
	licensesCreated prometheus.Counter
	rateLimited     prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// NewMetrics creates the server collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uidlicense",
			Name:      "activations_total",
			Help:      "Activation attempts by result code.",
		}, []string{"result"}),
		deactivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uidlicense",
			Name:      "deactivations_total",
			Help:      "Bindings removed.",
		}),
		licensesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uidlicense",
			Name:      "licenses_created_total",
			Help:      "Licenses issued.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uidlicense",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "uidlicense",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.activations, m.deactivations, m.licensesCreated, m.rateLimited, m.requestDuration)
	return m
}

func (m *Metrics) observeActivation(err error) {
	result := "OK"
	if err != nil {
		result = uidlicense.ErrorCode(err)
	}
	m.activations.WithLabelValues(result).Inc()
}
