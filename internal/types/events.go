// events.go — The runtime event stream.
// The interpreter and the auth controller narrate a run through a Sink;
// hosts plug in their own (dashboard, test recorder). Events are already
// redacted when they reach the sink: no secret values, no full request
// headers, no bodies over the snippet limit.
package types

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies one entry in the run narration.
type EventType string

const (
	EventRunStarted            EventType = "run_started"
	EventStepStarted           EventType = "step_started"
	EventStepFinished          EventType = "step_finished"
	EventStepSkipped           EventType = "step_skipped"
	EventAuthFailureDetected   EventType = "auth_failure_detected"
	EventAuthRecoveryStarted   EventType = "auth_recovery_started"
	EventAuthRecoveryFinished  EventType = "auth_recovery_finished"
	EventAuthRecoveryExhausted EventType = "auth_recovery_exhausted"
	EventRunFinished           EventType = "run_finished"
	EventError                 EventType = "error"
)

// Skip reasons carried by step_skipped events.
const (
	SkipOnceAlreadyExecuted = "once_already_executed"
	SkipConditionMet        = "condition_met"
)

// Event is one redacted narration entry.
type Event struct {
	Type   EventType `json:"type"`
	Time   time.Time `json:"time"`
	PackID string    `json:"pack_id,omitempty"`
	StepID string    `json:"step_id,omitempty"`

	// step_skipped
	Reason               string   `json:"reason,omitempty"`
	RestoredVars         []string `json:"restored_vars,omitempty"`
	RestoredCollectibles []string `json:"restored_collectibles,omitempty"`

	// run_finished / auth_recovery_finished
	Success    bool  `json:"success,omitempty"`
	DurationMs int64 `json:"duration_ms,omitempty"`

	// error and general annotation; already secret-scrubbed
	Message string `json:"message,omitempty"`
}

// Sink consumes the event stream. Implementations must be safe for use
// from a single run goroutine; the runtime never emits concurrently
// within one run.
type Sink interface {
	Emit(Event)
}

// ============================================
// Built-in Sinks
// ============================================

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// SlogSink writes events as structured log lines.
type SlogSink struct {
	Logger *slog.Logger
}

// Emit logs the event at Info level with its non-empty fields.
func (s SlogSink) Emit(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 8)
	if ev.PackID != "" {
		attrs = append(attrs, "pack", ev.PackID)
	}
	if ev.StepID != "" {
		attrs = append(attrs, "step", ev.StepID)
	}
	if ev.Reason != "" {
		attrs = append(attrs, "reason", ev.Reason)
	}
	if ev.Type == EventRunFinished || ev.Type == EventAuthRecoveryFinished {
		attrs = append(attrs, "success", ev.Success)
	}
	if ev.DurationMs != 0 {
		attrs = append(attrs, "duration_ms", ev.DurationMs)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}
	logger.Info(string(ev.Type), attrs...)
}

// MemorySink records events for inspection; used by tests and the
// dashboard's run-history collaborator.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Emit appends the event.
func (m *MemorySink) Emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

// Events returns a copy of everything recorded so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns just the event types, in order. Convenient for
// asserting narration sequences.
func (m *MemorySink) Types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}
