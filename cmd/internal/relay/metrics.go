package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	published      *prometheus.CounterVec
	publishFailed  prometheus.Counter
	persisted      prometheus.Counter
	persistFailed  prometheus.Counter
	slowConsumers  prometheus.Counter
	roomsDeclared  prometheus.Counter
	boundEndpoints prometheus.Gauge
}

// NewMetrics builds the collectors and registers them on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_published_total",
			Help:      "Events published to room exchanges, by kind.",
		}, []string{"kind"}),
		publishFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "publish_failures_total",
			Help:      "Publishes rejected by the broker.",
		}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_persisted_total",
			Help:      "Messages appended to the durable store.",
		}),
		persistFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "persist_failures_total",
			Help:      "Appends rejected by the durable store.",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "slow_consumer_evictions_total",
			Help:      "Channels that ended because the broker evicted them under backpressure.",
		}),
		roomsDeclared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rooms_declared_total",
			Help:      "Room exchanges declared by this process.",
		}),
		boundEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "bound_channels",
			Help:      "Participant channels currently bound.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.publishFailed, m.persisted, m.persistFailed,
			m.slowConsumers, m.roomsDeclared, m.boundEndpoints)
	}
	return m
}

func (m *Metrics) observePublish(kind EventKind, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.publishFailed.Inc()
		return
	}
	m.published.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeAppend(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.persistFailed.Inc()
		return
	}
	m.persisted.Inc()
}

func (m *Metrics) slowConsumer() {
	if m != nil {
		m.slowConsumers.Inc()
	}
}

func (m *Metrics) roomDeclared() {
	if m != nil {
		m.roomsDeclared.Inc()
	}
}

func (m *Metrics) bound(delta float64) {
	if m != nil {
		m.boundEndpoints.Add(delta)
	}
}
