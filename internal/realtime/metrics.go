package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics holds the Prometheus collectors for the websocket gateway.
// A nil *GatewayMetrics is valid and records nothing.
type GatewayMetrics struct {
	connsOpen        prometheus.Gauge
	connsTotal       prometheus.Counter
	envelopes        *prometheus.CounterVec
	messagesAccepted prometheus.Counter
}

// NewGatewayMetrics registers gateway collectors with reg.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	f := promauto.With(reg)
	return &GatewayMetrics{
		connsOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "supportline_ws_connections_open",
			Help: "Currently open websocket sessions.",
		}),
		connsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "supportline_ws_connections_total",
			Help: "Total accepted websocket sessions.",
		}),
		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "supportline_ws_envelopes_total",
			Help: "Envelopes received by type.",
		}, []string{"type"}),
		messagesAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "supportline_ws_messages_accepted_total",
			Help: "Chat messages persisted and broadcast.",
		}),
	}
}

func (m *GatewayMetrics) connOpened() {
	if m == nil {
		return
	}
	m.connsTotal.Inc()
	m.connsOpen.Inc()
}

func (m *GatewayMetrics) connClosed() {
	if m == nil {
		return
	}
	m.connsOpen.Dec()
}

func (m *GatewayMetrics) envelopeReceived(typ string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(typ).Inc()
}

func (m *GatewayMetrics) messageAccepted() {
	if m == nil {
		return
	}
	m.messagesAccepted.Inc()
}
