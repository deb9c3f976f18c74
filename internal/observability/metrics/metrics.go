package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RoutingMetrics covers backend calls, fallbacks and health.
type RoutingMetrics struct {
	callsTotal     *prometheus.CounterVec
	callLatency    *prometheus.HistogramVec
	fallbacksTotal *prometheus.CounterVec
	exhaustedTotal *prometheus.CounterVec
	backendState   *prometheus.GaugeVec
}

func NewRoutingMetrics(reg prometheus.Registerer) *RoutingMetrics {
	m := &RoutingMetrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comchat",
			Subsystem: "routing",
			Name:      "backend_calls_total",
			Help:      "Model backend calls by outcome",
		}, []string{"backend", "outcome"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "comchat",
			Subsystem: "routing",
			Name:      "backend_call_seconds",
			Help:      "Latency of model backend calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"backend"}),
		fallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comchat",
			Subsystem: "routing",
			Name:      "fallbacks_total",
			Help:      "Times routing moved past a backend",
		}, []string{"backend", "reason"}),
		exhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comchat",
			Subsystem: "routing",
			Name:      "exhausted_total",
			Help:      "Requests where every candidate backend failed",
		}, []string{"policy", "modality"}),
		backendState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "comchat",
			Subsystem: "routing",
			Name:      "backend_state",
			Help:      "Backend health: 0 healthy, 1 degraded, 2 down",
		}, []string{"backend"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.callsTotal, m.callLatency, m.fallbacksTotal, m.exhaustedTotal, m.backendState)
	return m
}

func (m *RoutingMetrics) ObserveCall(backend, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(backend, outcome).Inc()
	if latency > 0 {
		m.callLatency.WithLabelValues(backend).Observe(latency.Seconds())
	}
}

func (m *RoutingMetrics) RecordFallback(backend, reason string) {
	if m == nil {
		return
	}
	m.fallbacksTotal.WithLabelValues(backend, reason).Inc()
}

func (m *RoutingMetrics) RecordExhausted(policy, modality string) {
	if m == nil {
		return
	}
	m.exhaustedTotal.WithLabelValues(policy, modality).Inc()
}

func (m *RoutingMetrics) SetBackendState(backend string, state int) {
	if m == nil {
		return
	}
	m.backendState.WithLabelValues(backend).Set(float64(state))
}

func (m *RoutingMetrics) ForgetBackend(backend string) {
	if m == nil {
		return
	}
	m.backendState.DeleteLabelValues(backend)
}

// ConversationMetrics covers the orchestrator and idle sweeper.
type ConversationMetrics struct {
	handledTotal  *prometheus.CounterVec
	handleLatency *prometheus.HistogramVec
	closedTotal   prometheus.Counter
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		handledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comchat",
			Subsystem: "conversation",
			Name:      "messages_handled_total",
			Help:      "Inbound messages by channel and outcome",
		}, []string{"channel", "outcome"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "comchat",
			Subsystem: "conversation",
			Name:      "handle_seconds",
			Help:      "End to end latency of handling one inbound message",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		closedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comchat",
			Subsystem: "conversation",
			Name:      "idle_closed_total",
			Help:      "Conversations closed by the idle sweeper",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.handledTotal, m.handleLatency, m.closedTotal)
	return m
}

func (m *ConversationMetrics) ObserveHandled(channel, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.handledTotal.WithLabelValues(channel, outcome).Inc()
	m.handleLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

func (m *ConversationMetrics) AddClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.closedTotal.Add(float64(n))
}

// ChannelMetrics covers channel webhooks and outbound delivery.
type ChannelMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewChannelMetrics(reg prometheus.Registerer) *ChannelMetrics {
	m := &ChannelMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comchat",
			Subsystem: "channels",
			Name:      "inbound_webhook_total",
			Help:      "Inbound channel webhooks",
		}, []string{"channel", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comchat",
			Subsystem: "channels",
			Name:      "outbound_total",
			Help:      "Outbound replies delivered to channels",
		}, []string{"channel", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "comchat",
			Subsystem: "channels",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of channel webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency)
	return m
}

func (m *ChannelMetrics) ObserveInbound(channel, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(channel, status).Inc()
}

func (m *ChannelMetrics) ObserveOutbound(channel, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(channel, status).Inc()
}

func (m *ChannelMetrics) ObserveWebhookLatency(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(channel).Observe(seconds)
}
