// Package jobs runs background work on named in-process queues with bounded worker pools,
// retry policies and a dead-letter queue per queue.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrBadPayload marks a job whose payload cannot be decoded. It is never retried.
var ErrBadPayload = errors.New("undecodable job payload")

// Job is one unit of queued work. Payload is kept verbatim for dead-lettering.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("job %s: %w: %v", j.ID, ErrBadPayload, err)
	}
	return nil
}

// Handler processes a job. Returning an error schedules a retry unless the error is
// permanent or the attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// Backoff selects how the retry delay grows.
type Backoff int

const (
	BackoffFixed Backoff = iota
	BackoffExponential
)

// RetryPolicy bounds how often and how soon a failed job runs again. Attempts counts
// every run, the first included.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  Backoff
}

// ExponentialRetry waits base·2^(n−1) after the n-th failed attempt.
func ExponentialRetry(base time.Duration, attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delay: base, Backoff: BackoffExponential}
}

// FixedRetry waits delay after every failed attempt.
func FixedRetry(delay time.Duration, attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Delay: delay, Backoff: BackoffFixed}
}

// DelayAfter returns the wait before the next run, given that attempt (1-based) failed.
func (p RetryPolicy) DelayAfter(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Backoff == BackoffExponential {
		return p.Delay << (attempt - 1)
	}
	return p.Delay
}

// Exhausted reports whether attempt was the last one allowed.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= max(p.Attempts, 1)
}
