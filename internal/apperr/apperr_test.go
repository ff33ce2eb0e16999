package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestViolationMatchesSentinel(t *testing.T) {
	err := Violation(ReasonOversized, "size %d exceeds %d", 10, 5)
	assert.ErrorIs(t, err, ErrPolicyViolation)
	reason, ok := ReasonOf(fmt.Errorf("upload: %w", err))
	assert.True(t, ok)
	assert.Equal(t, ReasonOversized, reason)
	assert.Equal(t, "policy violation: oversized: size 10 exceeds 5", err.Error())
}

func TestTransientWraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient("get object", cause)
	assert.ErrorIs(t, err, ErrTransientStorage)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Transient("noop", nil))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
		retryable bool
	}{
		{"not found", NotFound("session %s", "x"), true, false},
		{"configuration", Configuration("bad step"), true, false},
		{"policy", Violation(ReasonRateLimited, "slow down"), true, false},
		{"invalid state", InvalidState("completed"), true, false},
		{"transient", Transient("put", errors.New("timeout")), false, true},
		{"unknown", errors.New("boom"), false, true},
		{"canceled", context.Canceled, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
