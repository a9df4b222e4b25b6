package chatsync

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the engine's Prometheus collectors. They work unregistered;
// WithRegisterer exposes them.
type metrics struct {
	sends          *prometheus.CounterVec
	responses      *prometheus.CounterVec
	streamFailures prometheus.Counter
	pendingSends   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Message writes by result (ok, error, auth_missing).",
		}, []string{"result"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "responses_total",
			Help:      "Finished response cycles by transport and finish reason.",
		}, []string{"transport", "reason"}),
		streamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stream_failures_total",
			Help:      "Push streams that errored or dropped before completing.",
		}),
		pendingSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "pending_sends_total",
			Help:      "Cross-navigation sends by stage (stashed, consumed).",
		}, []string{"stage"}),
	}
	if reg != nil {
		m.sends = register(reg, m.sends)
		m.responses = register(reg, m.responses)
		m.streamFailures = register(reg, m.streamFailures)
		m.pendingSends = register(reg, m.pendingSends)
	}
	return m
}

// register registers c, reusing an identical collector registered earlier.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
