// Package audit records policy decisions and ingestion attempts as structured events.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/pkg/utils"
)

// Outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
)

// Event is one audit record.
type Event struct {
	Name      string
	Workspace string
	Actor     string
	Filename  string
	Size      int64
	Duration  time.Duration
	Outcome   string
	Reason    string
	Fields    map[string]any
}

// Sink receives audit events. Record must not block for long; it runs on request paths.
type Sink interface {
	Record(ctx context.Context, e Event)
}

// ZapSink writes events as structured log entries tagged audit=true.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink returns a sink writing to logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: utils.OrNop(logger)}
}

// Record logs e at info level, or warn when it was rejected or failed.
func (s *ZapSink) Record(_ context.Context, e Event) {
	fields := []zap.Field{
		zap.Bool("audit", true),
		zap.String("workspace", e.Workspace),
		zap.String("actor", e.Actor),
		zap.String("outcome", e.Outcome),
	}
	if e.Filename != "" {
		fields = append(fields, zap.String("filename", e.Filename))
	}
	if e.Size > 0 {
		fields = append(fields, zap.Int64("size", e.Size))
	}
	if e.Duration > 0 {
		fields = append(fields, zap.Duration("duration", e.Duration))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	if e.Outcome == OutcomeRejected || e.Outcome == OutcomeFailure {
		s.logger.Warn(e.Name, fields...)
		return
	}
	s.logger.Info(e.Name, fields...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record appends e.
func (r *Recorder) Record(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// Nop discards events.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, Event) {}
