package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Insert outcomes, used as the "result" label.
const (
	resultCreated  = "created"
	resultExisting = "existing"
	resultRejected = "rejected"
	resultLimited  = "limited"
)

// metrics holds the relay's collectors on a per-server registry.
type metrics struct {
	registry    *prometheus.Registry
	inserts     *prometheus.CounterVec
	subscribers prometheus.Gauge
	broadcasts  prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		inserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "carrier_relay_inserts_total",
				Help: "Insert requests by outcome.",
			},
			[]string{"result"},
		),
		subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "carrier_relay_subscribers",
				Help: "Open live insert subscriptions.",
			},
		),
		broadcasts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "carrier_relay_broadcasts_total",
				Help: "Live insert events written to subscribers.",
			},
		),
	}
	m.registry.MustRegister(m.inserts, m.subscribers, m.broadcasts)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
