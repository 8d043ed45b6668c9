package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Beacon's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	publishTotal        *prometheus.CounterVec
	broadcastDelivered  prometheus.Counter
	replayMessages      prometheus.Counter
	sessionsLive        prometheus.Gauge
	slowConsumers       prometheus.Counter
	invariantViolations *prometheus.CounterVec
	relayReceived       prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg (when non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_publish_total",
			Help: "Publish attempts by store outcome.",
		}, []string{"outcome"}),
		broadcastDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_broadcast_delivered_total",
			Help: "Messages enqueued to live sessions by the broadcaster.",
		}),
		replayMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_replay_messages_total",
			Help: "Messages enqueued to sessions by the replayer.",
		}),
		sessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_sessions_live",
			Help: "Sessions tracked by the registry, including parked ones.",
		}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_slow_consumer_disconnects_total",
			Help: "Sessions closed because their send queue was full.",
		}),
		invariantViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_invariant_violations_total",
			Help: "Detected violations of log invariants.",
		}, []string{"invariant"}),
		relayReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_relay_received_total",
			Help: "Messages received from the cross-process relay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.publishTotal,
			m.broadcastDelivered,
			m.replayMessages,
			m.sessionsLive,
			m.slowConsumers,
			m.invariantViolations,
			m.relayReceived,
		)
	}
	return m
}

func (m *Metrics) publish(outcome AppendOutcome) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) delivered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.broadcastDelivered.Add(float64(n))
}

func (m *Metrics) replayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.replayMessages.Add(float64(n))
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsLive.Set(float64(n))
}

func (m *Metrics) slowConsumer() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}

func (m *Metrics) invariantViolation(name string) {
	if m == nil {
		return
	}
	m.invariantViolations.WithLabelValues(name).Inc()
}

func (m *Metrics) relayed() {
	if m == nil {
		return
	}
	m.relayReceived.Inc()
}
