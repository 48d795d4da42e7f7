package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the session core's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so tests and embedders can opt out.
type Metrics struct {
	sendsStarted   prometheus.Counter
	sendsDelivered prometheus.Counter
	sendsFailed    prometheus.Counter
	connOpens      prometheus.Counter
	stateGauge     prometheus.Gauge
}

// NewMetrics registers the chat collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sendsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "supportline_chat_sends_total",
			Help: "Optimistic sends started.",
		}),
		sendsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "supportline_chat_sends_delivered_total",
			Help: "Sends acknowledged by the backend.",
		}),
		sendsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "supportline_chat_sends_failed_total",
			Help: "Sends rolled back after an error or timeout.",
		}),
		connOpens: f.NewCounter(prometheus.CounterOpts{
			Name: "supportline_chat_channel_opens_total",
			Help: "Successful realtime channel opens (reconnects included).",
		}),
		stateGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "supportline_chat_channel_state",
			Help: "Current channel state (0 disconnected, 1 connecting, 2 joined).",
		}),
	}
}

func (m *Metrics) sendStarted() {
	if m != nil {
		m.sendsStarted.Inc()
	}
}

func (m *Metrics) sendDelivered() {
	if m != nil {
		m.sendsDelivered.Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendsFailed.Inc()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connOpens.Inc()
	}
}

func (m *Metrics) connState(s ChannelState) {
	if m != nil {
		m.stateGauge.Set(float64(s))
	}
}
