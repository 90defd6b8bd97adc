package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/dentaldesk/internal/booking"
	"github.com/wolfman30/dentaldesk/internal/conversation"
)

const namespace = "dentaldesk"

// ConversationMetrics exposes counters/histograms for the message pipeline.
type ConversationMetrics struct {
	messagesTotal  *prometheus.CounterVec
	messageLatency *prometheus.HistogramVec
	toolCallsTotal *prometheus.CounterVec
	modelCalls     *prometheus.HistogramVec
}

var _ conversation.Observer = (*ConversationMetrics)(nil)

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "messages_total",
			Help:      "Inbound messages processed by outcome",
		}, []string{"outcome"}),
		messageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "message_duration_seconds",
			Help:      "Time from dequeue to committed reply",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"outcome"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "tool_calls_total",
			Help:      "Tool calls requested by the model",
		}, []string{"tool", "outcome"}),
		modelCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "Latency of language model calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.messagesTotal, m.messageLatency, m.toolCallsTotal, m.modelCalls)
	return m
}

func (m *ConversationMetrics) ObserveMessage(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(outcome).Inc()
	m.messageLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *ConversationMetrics) ObserveToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *ConversationMetrics) ObserveModelCall(status string, seconds float64) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(status).Observe(seconds)
}

// BookingMetrics counts ledger mutations.
type BookingMetrics struct {
	mutationsTotal  *prometheus.CounterVec
	mutationLatency *prometheus.HistogramVec
}

var _ booking.Observer = (*BookingMetrics)(nil)

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		mutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "mutations_total",
			Help:      "Appointment mutations by operation and outcome",
		}, []string{"operation", "outcome"}),
		mutationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "mutation_duration_seconds",
			Help:      "Latency of appointment mutations including the dentist lock wait",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.mutationsTotal, m.mutationLatency)
	return m
}

func (m *BookingMetrics) ObserveMutation(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mutationsTotal.WithLabelValues(operation, outcome).Inc()
	m.mutationLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}
