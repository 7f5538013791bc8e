package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// TurnsTotal counts finished turns.
	// Labels: channel, outcome (ok|timeout|rejected|error)
	TurnsTotal *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	// Labels: channel
	TurnDuration *prometheus.HistogramVec

	// RoundsTotal counts model rounds.
	// Labels: provider
	RoundsTotal *prometheus.CounterVec

	// ToolCallsTotal counts tool invocations.
	// Labels: tool, status (success|error)
	ToolCallsTotal *prometheus.CounterVec

	// ToolDuration measures tool latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// HeartbeatsTotal counts progress notices for slow tools.
	// Labels: tool
	HeartbeatsTotal *prometheus.CounterVec

	// RejectedTurns counts turns refused before reaching the model.
	// Labels: channel, reason (busy|unverified|quota)
	RejectedTurns *prometheus.CounterVec

	// MessagesSent counts platform messages delivered.
	// Labels: channel, kind (text|special|error)
	MessagesSent *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// means the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_turns_total",
				Help: "Conversation turns by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatbridge_turn_duration_seconds",
				Help:    "Duration of conversation turns in seconds",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 200, 300},
			},
			[]string{"channel"},
		),
		RoundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_model_rounds_total",
				Help: "Model streaming rounds by provider",
			},
			[]string{"provider"},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_tool_calls_total",
				Help: "Tool calls by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatbridge_tool_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),
		HeartbeatsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_tool_heartbeats_total",
				Help: "Progress notices emitted while a tool was still running",
			},
			[]string{"tool"},
		),
		RejectedTurns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_rejected_turns_total",
				Help: "Turns refused before contacting the model",
			},
			[]string{"channel", "reason"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatbridge_messages_sent_total",
				Help: "Messages delivered to chat platforms",
			},
			[]string{"channel", "kind"},
		),
	}
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(channel, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(channel, outcome).Inc()
	m.TurnDuration.WithLabelValues(channel).Observe(durationSeconds)
}

// RecordRound counts one model round.
func (m *Metrics) RecordRound(provider string) {
	if m == nil {
		return
	}
	m.RoundsTotal.WithLabelValues(provider).Inc()
}

// RecordToolCall records a tool invocation.
func (m *Metrics) RecordToolCall(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordHeartbeat counts one progress notice.
func (m *Metrics) RecordHeartbeat(tool string) {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.WithLabelValues(tool).Inc()
}

// RecordRejected counts a refused turn.
func (m *Metrics) RecordRejected(channel, reason string) {
	if m == nil {
		return
	}
	m.RejectedTurns.WithLabelValues(channel, reason).Inc()
}

// RecordMessageSent counts one delivered platform message.
func (m *Metrics) RecordMessageSent(channel, kind string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(channel, kind).Inc()
}
