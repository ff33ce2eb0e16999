package upload

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/audit"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestFixedWindowLimiter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := NewFixedWindowLimiter(3, time.Minute, clock.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("u"), "request %d", i+1)
	}
	assert.False(t, l.Allow("u"), "fourth request in the window")
	assert.True(t, l.Allow("other"), "keys are independent")

	clock.Advance(59 * time.Second)
	assert.False(t, l.Allow("u"))
	clock.Advance(time.Second)
	assert.True(t, l.Allow("u"), "window expired")
	assert.True(t, l.Allow("u"))
}

func TestFixedWindowLimiter_release(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	l := NewFixedWindowLimiter(1, time.Minute, clock.Now)

	release, ok := l.Reserve("u")
	require.True(t, ok)
	assert.False(t, l.Allow("u"))
	release()
	release()
	assert.True(t, l.Allow("u"), "released slot is free again")
	assert.False(t, l.Allow("u"), "a second release is a no-op")
}

func TestFixedWindowLimiter_unlimited(t *testing.T) {
	l := NewFixedWindowLimiter(0, time.Minute, nil)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("k"))
	}
}

func newTestGuard(rec *audit.Recorder, clock *fakeClock, opts ...GuardOption) *Guard {
	cfg := GuardConfig{
		MaxSize:              100,
		AllowedMIMETypes:     []string{"text/plain", "application/pdf"},
		PerUploaderPerMinute: 2,
		PerModePerMinute:     3,
		Window:               time.Minute,
	}
	opts = append([]GuardOption{WithAudit(rec), WithClock(clock.Now)}, opts...)
	return NewGuard(cfg, opts...)
}

func TestGuard_Check(t *testing.T) {
	ctx := context.Background()
	rec := &audit.Recorder{}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	g := newTestGuard(rec, clock)

	ok := Request{Workspace: "acme", UploaderID: "u1", Mode: ModeDirect, MIMEType: "text/plain; charset=utf-8", Size: 10}
	require.NoError(t, g.Check(ctx, ok))

	tests := []struct {
		name   string
		req    Request
		reason string
	}{
		{"oversized", Request{Workspace: "acme", UploaderID: "u9", Mode: ModeDirect, MIMEType: "text/plain", Size: 101}, apperr.ReasonOversized},
		{"disallowed", Request{Workspace: "acme", UploaderID: "u9", Mode: ModeDirect, MIMEType: "image/png", Size: 1}, apperr.ReasonDisallowedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Check(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrPolicyViolation))
			reason, _ := apperr.ReasonOf(err)
			assert.Equal(t, tt.reason, reason)
		})
	}

	events := rec.Named(PolicyEvent)
	require.Len(t, events, 3)
	assert.Equal(t, audit.OutcomeAccepted, events[0].Outcome)
	assert.Equal(t, audit.OutcomeRejected, events[1].Outcome)
	assert.Equal(t, apperr.ReasonOversized, events[1].Reason)
	assert.Equal(t, apperr.ReasonDisallowedType, events[2].Reason)
}

func TestGuard_rateLimits(t *testing.T) {
	ctx := context.Background()
	rec := &audit.Recorder{}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	g := newTestGuard(rec, clock)
	req := func(uploader string) Request {
		return Request{Workspace: "acme", UploaderID: uploader, Mode: ModeResumable, MIMEType: "application/pdf", Size: 1}
	}

	require.NoError(t, g.Check(ctx, req("u1")))
	require.NoError(t, g.Check(ctx, req("u1")))
	err := g.Check(ctx, req("u1"))
	reason, _ := apperr.ReasonOf(err)
	assert.Equal(t, apperr.ReasonRateLimited, reason, "per-uploader limit")

	// u2 takes the last mode slot in the window.
	require.NoError(t, g.Check(ctx, req("u2")))
	err = g.Check(ctx, req("u3"))
	reason, _ = apperr.ReasonOf(err)
	assert.Equal(t, apperr.ReasonRateLimited, reason, "per-mode limit")

	clock.Advance(time.Minute)
	assert.NoError(t, g.Check(ctx, req("u1")))

	last := rec.Events()[len(rec.Events())-2]
	assert.Equal(t, audit.OutcomeRejected, last.Outcome)
}

type toggleLimiter struct{ reject bool }

func (l *toggleLimiter) Reserve(string) (func(), bool) {
	if l.reject {
		return nil, false
	}
	return func() {}, true
}

func TestGuard_rejectionKeepsUploaderQuota(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	mode := &toggleLimiter{reject: true}
	scanErr := errors.New("signature match")
	var scanFails bool
	g := NewGuard(GuardConfig{MaxSize: 100},
		WithLimiters(NewFixedWindowLimiter(1, time.Minute, clock.Now), mode),
		WithScanner(ScannerFunc(func(context.Context, Request) error {
			if scanFails {
				return scanErr
			}
			return nil
		})),
	)
	req := Request{Workspace: "acme", UploaderID: "u1", Mode: ModeDirect, MIMEType: "text/plain", Size: 1}

	reason, _ := apperr.ReasonOf(g.Check(ctx, req))
	assert.Equal(t, apperr.ReasonRateLimited, reason, "mode limit")

	mode.reject = false
	scanFails = true
	reason, _ = apperr.ReasonOf(g.Check(ctx, req))
	assert.Equal(t, apperr.ReasonScanFailed, reason)

	scanFails = false
	require.NoError(t, g.Check(ctx, req), "earlier rejections did not use the uploader's only slot")
	reason, _ = apperr.ReasonOf(g.Check(ctx, req))
	assert.Equal(t, apperr.ReasonRateLimited, reason, "accepted request keeps its slot")
}

func TestGuard_scanner(t *testing.T) {
	rec := &audit.Recorder{}
	clock := &fakeClock{t: time.Now()}
	g := newTestGuard(rec, clock, WithScanner(ScannerFunc(func(_ context.Context, r Request) error {
		if r.Filename == "eicar.txt" {
			return errors.New("signature match")
		}
		return nil
	})))

	err := g.Check(context.Background(), Request{Workspace: "a", UploaderID: "u", Mode: ModeDirect, MIMEType: "text/plain", Filename: "eicar.txt"})
	reason, ok := apperr.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ReasonScanFailed, reason)
	assert.Equal(t, apperr.ReasonScanFailed, rec.Events()[0].Reason)
}

func TestGuard_CheckProjected(t *testing.T) {
	g := NewGuard(GuardConfig{MaxSize: 10})
	assert.NoError(t, g.CheckProjected(5, 5))
	err := g.CheckProjected(6, 5)
	assert.True(t, errors.Is(err, apperr.ErrPolicyViolation))
}
