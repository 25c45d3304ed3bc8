// Package metrics holds the Prometheus collectors exported on /metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wagw"

type Metrics struct {
	registry *prometheus.Registry

	storeOps    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	reconnects  prometheus.Counter
	sends       *prometheus.CounterVec
	logWrites   *prometheus.CounterVec
	ready       prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_ops_total",
			Help:      "Session store operations by op and result.",
		}, []string{"op", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Engine re-initializations started by the reconnection timer.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_requests_total",
			Help:      "Send requests by outcome category.",
		}, []string{"result"}),
		logWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_log_writes_total",
			Help:      "Message log appends by direction and result.",
		}, []string{"direction", "result"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_ready",
			Help:      "1 when the connection is READY, 0 otherwise.",
		}),
	}
	reg.MustRegister(m.storeOps, m.transitions, m.reconnects, m.sends, m.logWrites, m.ready)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StoreOp(op string, err error) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) Transition(state string, ready bool) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
	if ready {
		m.ready.Set(1)
	} else {
		m.ready.Set(0)
	}
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) Send(category string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(category).Inc()
}

func (m *Metrics) LogWrite(direction string, err error) {
	if m == nil {
		return
	}
	m.logWrites.WithLabelValues(direction, result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
