// Package metrics holds the Prometheus collectors for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the bridge exports.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can take an optional metrics handle without guarding each call.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.SessionStarted("audiosocket")
//	m.ObserveStage("transcribe", "ok", elapsed.Seconds())
type Metrics struct {
	// ActiveSessions tracks live call sessions.
	// Labels: protocol (audiosocket|audiostream|twilio-media-streams)
	ActiveSessions *prometheus.GaugeVec

	// SessionsEnded counts ended sessions.
	// Labels: reason (hangup|transport_closed|pipeline_error|stale|shutdown)
	SessionsEnded *prometheus.CounterVec

	// SessionDuration measures call length in seconds.
	// Buckets: 10s, 30s, 60s, 120s, 300s, 600s, 1800s
	SessionDuration prometheus.Histogram

	// Turns counts conversation turns.
	// Labels: outcome (ok|empty|error|dropped)
	Turns *prometheus.CounterVec

	// StageDuration measures pipeline stage latency in seconds.
	// Labels: stage (transcribe|respond|synthesize), status (ok|error)
	StageDuration *prometheus.HistogramVec

	// Frames counts inbound audio frames.
	// Labels: protocol, kind
	Frames *prometheus.CounterVec

	// FramesDropped counts frames that were discarded.
	// Labels: protocol, reason
	FramesDropped *prometheus.CounterVec

	// SignalingCommands counts commands sent to the switch.
	// Labels: backend (esl|twilio), command, outcome (ok|auth_failed|command_failed|no_call_id|unreachable)
	SignalingCommands *prometheus.CounterVec

	// CallsDialed counts outbound call attempts.
	// Labels: outcome (ok|error)
	CallsDialed *prometheus.CounterVec

	// StoreWriteFailures counts failed call record writes.
	// Labels: op (create|update_status|finalize)
	StoreWriteFailures *prometheus.CounterVec

	// StoreReconciled counts queued writes later applied by the reconciler.
	StoreReconciled prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pbx_active_sessions",
				Help: "Number of live call sessions by stream protocol",
			},
			[]string{"protocol"},
		),

		SessionsEnded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbx_sessions_ended_total",
				Help: "Total number of ended call sessions by end reason",
			},
			[]string{"reason"},
		),

		SessionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pbx_session_duration_seconds",
				Help:    "Duration of call sessions in seconds",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1800},
			},
		),

		Turns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbx_turns_total",
				Help: "Total number of conversation turns by outcome",
			},
			[]string{"outcome"},
		),

		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pbx_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage", "status"},
		),

		Frames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbx_frames_total",
				Help: "Total number of inbound audio frames by protocol and kind",
			},
			[]string{"protocol", "kind"},
		),

		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbx_frames_dropped_total",
				Help: "Total number of discarded inbound frames by protocol and reason",
			},
			[]string{"protocol", "reason"},
		),

		SignalingCommands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbx_signaling_commands_total",
				Help: "Total number of signaling commands by backend, command and outcome",
			},
			[]string{"backend", "command", "outcome"},
		),

		CallsDialed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbx_calls_dialed_total",
				Help: "Total number of outbound call attempts by outcome",
			},
			[]string{"outcome"},
		),

		StoreWriteFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pbx_store_write_failures_total",
				Help: "Total number of failed call record writes by operation",
			},
			[]string{"op"},
		),

		StoreReconciled: f.NewCounter(
			prometheus.CounterOpts{
				Name: "pbx_store_reconciled_total",
				Help: "Total number of queued call record writes applied later",
			},
		),
	}
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(protocol string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(protocol).Inc()
}

// SessionEnded decrements the active session gauge and records the call length.
func (m *Metrics) SessionEnded(protocol, reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(protocol).Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// TurnCompleted counts one conversation turn.
func (m *Metrics) TurnCompleted(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// ObserveStage records the latency of one pipeline stage.
func (m *Metrics) ObserveStage(stage, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, status).Observe(durationSeconds)
}

// FrameReceived counts one inbound frame.
func (m *Metrics) FrameReceived(protocol, kind string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(protocol, kind).Inc()
}

// FrameDropped counts one discarded frame.
func (m *Metrics) FrameDropped(protocol, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(protocol, reason).Inc()
}

// SignalingCommand counts one command sent to the switch.
func (m *Metrics) SignalingCommand(backend, command, outcome string) {
	if m == nil {
		return
	}
	m.SignalingCommands.WithLabelValues(backend, command, outcome).Inc()
}

// CallDialed counts one outbound call attempt.
func (m *Metrics) CallDialed(outcome string) {
	if m == nil {
		return
	}
	m.CallsDialed.WithLabelValues(outcome).Inc()
}

// StoreWriteFailed counts one failed call record write.
func (m *Metrics) StoreWriteFailed(op string) {
	if m == nil {
		return
	}
	m.StoreWriteFailures.WithLabelValues(op).Inc()
}

// StoreWritesReconciled counts queued writes applied by the reconciler.
func (m *Metrics) StoreWritesReconciled(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StoreReconciled.Add(float64(n))
}
