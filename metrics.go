package mqterm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics receives client instrumentation callbacks. Implementations must be
// safe for concurrent use.
type Metrics interface {
	PacketSent(t PacketType, size int)
	PacketReceived(t PacketType, size int)
	StateChanged(state ConnState)
	Reconnected()
	DeliveryRetried()
	DeliveryFailed()
	InflightChanged(outbound, inbound int)
	MessageRouted(subscriptions int)
}

// NoOpMetrics discards all measurements.
type NoOpMetrics struct{}

func (NoOpMetrics) PacketSent(PacketType, int) {}

func (NoOpMetrics) PacketReceived(PacketType, int) {}

func (NoOpMetrics) StateChanged(ConnState) {}

func (NoOpMetrics) Reconnected() {}

func (NoOpMetrics) DeliveryRetried() {}

func (NoOpMetrics) DeliveryFailed() {}

func (NoOpMetrics) InflightChanged(int, int) {}

func (NoOpMetrics) MessageRouted(int) {}

// PrometheusMetrics exports client metrics as Prometheus collectors.
type PrometheusMetrics struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	state           prometheus.Gauge
	reconnects      prometheus.Counter
	retries         prometheus.Counter
	failures        prometheus.Counter
	inflight        *prometheus.GaugeVec
	routed          prometheus.Counter
	unrouted        prometheus.Counter
}

// NewPrometheusMetrics creates the collectors and registers them on reg,
// which may be nil to skip registration.
func NewPrometheusMetrics(reg prometheus.Registerer, clientID string) (*PrometheusMetrics, error) {
	labels := prometheus.Labels{"client_id": clientID}
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: "mqterm", Subsystem: "client", Name: name, Help: help, ConstLabels: labels}
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts(opts(name, help)))
	}

	m := &PrometheusMetrics{
		packetsSent:     prometheus.NewCounterVec(prometheus.CounterOpts(opts("packets_sent_total", "Control packets written, by type.")), []string{"type"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts(opts("packets_received_total", "Control packets decoded, by type.")), []string{"type"}),
		bytesSent:       counter("bytes_sent_total", "Bytes written to the transport."),
		bytesReceived:   counter("bytes_received_total", "Bytes decoded from the transport."),
		state:           prometheus.NewGauge(prometheus.GaugeOpts(opts("state", "Connection state (0 disconnected .. 5 disconnecting)."))),
		reconnects:      counter("reconnects_total", "Successful reconnections."),
		retries:         counter("delivery_retries_total", "QoS retransmissions."),
		failures:        counter("delivery_failures_total", "Deliveries abandoned after the retry limit."),
		inflight:        prometheus.NewGaugeVec(prometheus.GaugeOpts(opts("inflight", "Unfinished QoS 1/2 exchanges.")), []string{"direction"}),
		routed:          counter("messages_routed_total", "Inbound messages handed to at least one subscription."),
		unrouted:        counter("messages_unrouted_total", "Inbound messages matching no subscription."),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.packetsSent, m.packetsReceived, m.bytesSent, m.bytesReceived, m.state,
		m.reconnects, m.retries, m.failures, m.inflight, m.routed, m.unrouted,
	}
}

func (m *PrometheusMetrics) PacketSent(t PacketType, size int) {
	m.packetsSent.WithLabelValues(t.String()).Inc()
	m.bytesSent.Add(float64(size))
}

func (m *PrometheusMetrics) PacketReceived(t PacketType, size int) {
	m.packetsReceived.WithLabelValues(t.String()).Inc()
	m.bytesReceived.Add(float64(size))
}

func (m *PrometheusMetrics) StateChanged(state ConnState) { m.state.Set(float64(state)) }

func (m *PrometheusMetrics) Reconnected() { m.reconnects.Inc() }

func (m *PrometheusMetrics) DeliveryRetried() { m.retries.Inc() }

func (m *PrometheusMetrics) DeliveryFailed() { m.failures.Inc() }

func (m *PrometheusMetrics) InflightChanged(outbound, inbound int) {
	m.inflight.WithLabelValues("outbound").Set(float64(outbound))
	m.inflight.WithLabelValues("inbound").Set(float64(inbound))
}

func (m *PrometheusMetrics) MessageRouted(subscriptions int) {
	if subscriptions == 0 {
		m.unrouted.Inc()
		return
	}
	m.routed.Inc()
}
