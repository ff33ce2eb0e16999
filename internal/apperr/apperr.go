// Package apperr defines the error taxonomy shared by the upload, ingestion, search and
// job packages.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrPolicyViolation is returned when an upload is rejected by policy before any storage I/O.
	ErrPolicyViolation = errors.New("policy violation")

	// ErrNotFound is returned for unknown sessions, documents, files and workspaces.
	ErrNotFound = errors.New("not found")

	// ErrTransientStorage marks object-storage or network failures that are worth retrying.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrConfiguration marks invalid settings. Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrInvalidState is returned when an operation does not apply to an entity's current state.
	ErrInvalidState = errors.New("invalid state")
)

// Policy rejection reasons.
const (
	ReasonOversized      = "oversized"
	ReasonDisallowedType = "disallowed_type"
	ReasonRateLimited    = "rate_limited"
	ReasonScanFailed     = "scan_failed"
)

// PolicyViolation describes why an upload was rejected.
type PolicyViolation struct {
	Reason string
	Detail string
}

func (e *PolicyViolation) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("policy violation: %s", e.Reason)
	}
	return fmt.Sprintf("policy violation: %s: %s", e.Reason, e.Detail)
}

// Unwrap lets errors.Is match ErrPolicyViolation.
func (e *PolicyViolation) Unwrap() error { return ErrPolicyViolation }

// Violation builds a PolicyViolation.
func Violation(reason, format string, args ...any) error {
	return &PolicyViolation{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// Configuration returns an error wrapping ErrConfiguration.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConfiguration)
}

// InvalidState returns an error wrapping ErrInvalidState.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidState)
}

// Transient wraps err as a retryable storage failure for op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStorage, err)
}

// ReasonOf returns the rejection reason when err is a PolicyViolation.
func ReasonOf(err error) (string, bool) {
	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return pv.Reason, true
	}
	return "", false
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrInvalidState)
}

// IsRetryable reports whether a job that failed with err should be attempted again.
// Cancellation is not retryable; unknown errors are.
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
