// Package metrics holds the prometheus collectors for the tunnel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tunnel"

// Ack outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics is the set of tunnel collectors. A nil *Metrics records nothing.
type Metrics struct {
	packetsReceived     *prometheus.CounterVec
	acks                *prometheus.CounterVec
	handshakes          *prometheus.CounterVec
	rateLimited         *prometheus.CounterVec
	pending             prometheus.Gauge
	delegatesRegistered prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packetsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_received_total",
				Help:      "Packets delivered to the executor, by message kind.",
			},
			[]string{"kind"},
		),
		acks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acks_total",
				Help:      "Acknowledgements written, by message kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Channel handshake steps, by result.",
			},
			[]string{"result"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packets_rate_limited_total",
				Help:      "Packets refused by the per-channel rate limit.",
			},
			[]string{"channel"},
		),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting on a sub-operation completion.",
		}),
		delegatesRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegates_registered_total",
			Help:      "Delegates created and registered.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.packetsReceived, m.acks, m.handshakes, m.rateLimited, m.pending, m.delegatesRegistered)
	}
	return m
}

// PacketReceived counts a packet handed to the executor for message kind.
func (m *Metrics) PacketReceived(kind string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(kind).Inc()
}

// Ack counts an acknowledgement written for kind, labelled by outcome.
func (m *Metrics) Ack(kind string, success bool) {
	if m == nil {
		return
	}
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	m.acks.WithLabelValues(kind, outcome).Inc()
}

// Handshake counts a channel handshake step ending in result.
func (m *Metrics) Handshake(result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(result).Inc()
}

// RateLimited counts a packet refused on channelID by the rate limit.
func (m *Metrics) RateLimited(channelID string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(channelID).Inc()
}

// SetPending records how many requests await a completion.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// DelegateRegistered counts a delegate created and added to the registry.
func (m *Metrics) DelegateRegistered() {
	if m == nil {
		return
	}
	m.delegatesRegistered.Inc()
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
