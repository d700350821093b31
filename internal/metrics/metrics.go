// Package metrics exposes Prometheus counters for the publish and consume
// paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "orderpipe"

// Delivery results recorded by the worker.
const (
	DeliveryAcked    = "acked"
	DeliveryPoison   = "poison"
	DeliveryRequeued = "requeued"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	publishOutcomes *prometheus.CounterVec
	pending         prometheus.Gauge
	deliveries      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_outcomes_total",
			Help:      "Publishes by terminal outcome.",
		}, []string{"status"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_publishes",
			Help:      "Publishes waiting for a confirm or return.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Consumed deliveries by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.publishOutcomes, m.pending, m.deliveries)
	return m
}

func (m *Metrics) PublishOutcome(status string) {
	if m == nil {
		return
	}
	m.publishOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) PendingInc() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) PendingDec() {
	if m == nil {
		return
	}
	m.pending.Dec()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

// Handler serves the metrics registered with gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
