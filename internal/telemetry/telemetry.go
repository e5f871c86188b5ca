// Package telemetry records fire-and-forget operational events: provider
// attempts, relay publish failures, dropped protocol messages.
package telemetry

import (
	"log/slog"
	"time"
)

// Event names.
const (
	AttemptStart    = "attempt.start"
	AttemptError    = "attempt.error"
	AttemptSuccess  = "attempt.success"
	PlanExhausted   = "plan.exhausted"
	JobPublished    = "job.published"
	JobResult       = "job.result"
	JobFailed       = "job.failed"
	JobCancelled    = "job.cancelled"
	RelayPublishErr = "relay.publish_failed"
	MessageDropped  = "protocol.message_dropped"
	PaymentSent     = "job.payment_sent"
)

type Event struct {
	ID       string
	Time     time.Time
	Name     string
	Provider string
	JobID    string
	Relay    string
	Attempt  int
	Error    string
	Duration time.Duration
}

// Recorder accepts events without blocking the caller.
type Recorder interface {
	Record(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) {}

// Multi fans an event out to several recorders.
type Multi []Recorder

func (m Multi) Record(e Event) {
	for _, r := range m {
		r.Record(e)
	}
}

// Logger writes events to a slog.Logger: failures at warn, the rest at debug.
type Logger struct {
	log *slog.Logger
}

func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{log: l}
}

func (r *Logger) Record(e Event) {
	attrs := []any{"event", e.Name}
	if e.Provider != "" {
		attrs = append(attrs, "provider", e.Provider)
	}
	if e.JobID != "" {
		attrs = append(attrs, "job_id", e.JobID)
	}
	if e.Relay != "" {
		attrs = append(attrs, "relay", e.Relay)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Duration > 0 {
		attrs = append(attrs, "duration", e.Duration)
	}
	if e.Error != "" {
		r.log.Warn("telemetry", append(attrs, "error", e.Error)...)
		return
	}
	r.log.Debug("telemetry", attrs...)
}
