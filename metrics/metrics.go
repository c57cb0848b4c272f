// Package metrics exports Prometheus collectors for calls on both sides of
// the wire. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mini-grpc/status"
)

// Side labels which end of a call a sample describes.
const (
	SideClient = "client"
	SideServer = "server"
)

// Metrics holds the call collectors.
type Metrics struct {
	started     *prometheus.CounterVec
	handled     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	msgSent     *prometheus.CounterVec
	msgReceived *prometheus.CounterVec
	connections *prometheus.GaugeVec
}

// New registers the collectors on reg under namespace. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_started_total",
			Help:      "Total number of calls started.",
		}, []string{"side", "method"}),
		handled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "calls_handled_total",
			Help:      "Total number of calls completed, by status code.",
		}, []string{"side", "method", "code"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_duration_seconds",
			Help:      "Call latency until the terminal status.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"side", "method"}),
		msgSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent.",
		}, []string{"side", "method"}),
		msgReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "messages_received_total",
			Help:      "Total number of messages received.",
		}, []string{"side", "method"}),
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "connections",
			Help:      "Ready connections per channel endpoint.",
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) CallStarted(side, method string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(side, method).Inc()
}

func (m *Metrics) CallHandled(side, method string, code status.Code, d time.Duration) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(side, method, code.String()).Inc()
	m.duration.WithLabelValues(side, method).Observe(d.Seconds())
}

func (m *Metrics) MsgSent(side, method string) {
	if m == nil {
		return
	}
	m.msgSent.WithLabelValues(side, method).Inc()
}

func (m *Metrics) MsgReceived(side, method string) {
	if m == nil {
		return
	}
	m.msgReceived.WithLabelValues(side, method).Inc()
}

// SetConnections records the number of ready connections to endpoint.
func (m *Metrics) SetConnections(endpoint string, n int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(endpoint).Set(float64(n))
}

// DeleteEndpoint drops the gauge of an endpoint that left the channel.
func (m *Metrics) DeleteEndpoint(endpoint string) {
	if m == nil {
		return
	}
	m.connections.DeleteLabelValues(endpoint)
}
