package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/railview/spotter/internal/session"
)

// Metrics implements session.Observer on prometheus collectors.
type Metrics struct {
	sessions  *prometheus.GaugeVec
	retries   prometheus.Counter
	fallbacks prometheus.Counter
	closed    prometheus.Counter
}

// NewMetrics registers the stream collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spotter",
			Subsystem: "stream",
			Name:      "sessions",
			Help:      "Active sessions by transport state.",
		}, []string{"transport"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spotter",
			Subsystem: "stream",
			Name:      "negotiation_retries_total",
			Help:      "Scheduled negotiation retries.",
		}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spotter",
			Subsystem: "stream",
			Name:      "fallback_activations_total",
			Help:      "Sessions that dropped to the frame relay.",
		}),
		closed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "spotter",
			Subsystem: "stream",
			Name:      "sessions_closed_total",
			Help:      "Sessions torn down.",
		}),
	}
}

func (m *Metrics) StateChanged(_ string, from, to session.Transport) {
	if from != session.TransportIdle {
		m.sessions.WithLabelValues(from.String()).Dec()
	}
	if to == session.TransportClosed {
		m.closed.Inc()
		return
	}
	m.sessions.WithLabelValues(to.String()).Inc()
	if to == session.TransportFallback {
		m.fallbacks.Inc()
	}
}

func (m *Metrics) RetryScheduled(string, int) {
	m.retries.Inc()
}
