package upload

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/audit"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// Upload modes used as rate-limit keys.
const (
	ModeDirect    = "direct"
	ModeResumable = "resumable"
	ModeInbox     = "inbox"
)

// PolicyEvent is the audit event name of every guard decision.
const PolicyEvent = "upload.policy"

// Request describes an upload about to be accepted.
type Request struct {
	Workspace  string
	UploaderID string
	Mode       string
	MIMEType   string
	Size       int64
	Filename   string
}

// Scanner inspects an accepted upload, for example with an antivirus engine. A non-nil
// error rejects the upload.
type Scanner interface {
	Scan(ctx context.Context, req Request) error
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context, req Request) error

// Scan calls f.
func (f ScannerFunc) Scan(ctx context.Context, req Request) error { return f(ctx, req) }

// GuardConfig holds the upload policy.
type GuardConfig struct {
	MaxSize              int64
	AllowedMIMETypes     []string
	PerUploaderPerMinute int
	PerModePerMinute     int
	Window               time.Duration
}

// Guard enforces the upload policy: size ceiling, MIME allow-list, per-uploader and
// per-mode rate limits and an optional scanner. Every decision is audited before Check
// returns.
type Guard struct {
	maxSize  int64
	allowed  map[string]bool
	uploader Limiter
	mode     Limiter
	scanner  Scanner
	audit    audit.Sink
	logger   *zap.Logger
	now      func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithScanner sets the scanner hook.
func WithScanner(s Scanner) GuardOption { return func(g *Guard) { g.scanner = s } }

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) GuardOption { return func(g *Guard) { g.audit = s } }

// WithGuardLogger sets the logger.
func WithGuardLogger(l *zap.Logger) GuardOption { return func(g *Guard) { g.logger = l } }

// WithLimiters replaces the default in-memory limiters.
func WithLimiters(perUploader, perMode Limiter) GuardOption {
	return func(g *Guard) { g.uploader, g.mode = perUploader, perMode }
}

// WithClock sets the clock of the default limiters.
func WithClock(now func() time.Time) GuardOption { return func(g *Guard) { g.now = now } }

// NewGuard builds a guard from cfg.
func NewGuard(cfg GuardConfig, opts ...GuardOption) *Guard {
	g := &Guard{
		maxSize: cfg.MaxSize,
		allowed: make(map[string]bool, len(cfg.AllowedMIMETypes)),
		audit:   audit.Nop{},
		now:     time.Now,
	}
	for _, mt := range cfg.AllowedMIMETypes {
		g.allowed[extract.BaseMIMEType(mt)] = true
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.uploader == nil {
		g.uploader = NewFixedWindowLimiter(cfg.PerUploaderPerMinute, cfg.Window, g.now)
	}
	if g.mode == nil {
		g.mode = NewFixedWindowLimiter(cfg.PerModePerMinute, cfg.Window, g.now)
	}
	g.logger = utils.OrNop(g.logger)
	return g
}

// MaxSize returns the configured ceiling in bytes.
func (g *Guard) MaxSize() int64 { return g.maxSize }

// Check applies the policy to req. Rejections are *apperr.PolicyViolation.
func (g *Guard) Check(ctx context.Context, req Request) error {
	err := g.evaluate(ctx, req)
	e := audit.Event{
		Name:      PolicyEvent,
		Workspace: req.Workspace,
		Actor:     req.UploaderID,
		Filename:  req.Filename,
		Size:      req.Size,
		Outcome:   audit.OutcomeAccepted,
		Fields:    map[string]any{"mode": req.Mode, "mime_type": req.MIMEType},
	}
	if err != nil {
		e.Outcome = audit.OutcomeRejected
		e.Reason, _ = apperr.ReasonOf(err)
	}
	g.audit.Record(ctx, e)
	return err
}

func (g *Guard) evaluate(ctx context.Context, req Request) error {
	if g.maxSize > 0 && req.Size > g.maxSize {
		return apperr.Violation(apperr.ReasonOversized, "%d bytes exceeds the %d byte limit", req.Size, g.maxSize)
	}
	if len(g.allowed) > 0 && !g.allowed[extract.BaseMIMEType(req.MIMEType)] {
		return apperr.Violation(apperr.ReasonDisallowedType, "type %q is not allowed", req.MIMEType)
	}
	uploader := req.UploaderID
	if uploader == "" {
		uploader = "anonymous"
	}
	// Slots are only kept when the request is accepted.
	releaseUploader, ok := g.uploader.Reserve(req.Workspace + "/" + uploader)
	if !ok {
		return apperr.Violation(apperr.ReasonRateLimited, "uploader %s exceeded the upload rate", uploader)
	}
	releaseMode, ok := g.mode.Reserve(req.Mode)
	if !ok {
		releaseUploader()
		return apperr.Violation(apperr.ReasonRateLimited, "mode %s exceeded the upload rate", req.Mode)
	}
	if g.scanner != nil {
		if err := g.scanner.Scan(ctx, req); err != nil {
			releaseUploader()
			releaseMode()
			g.logger.Warn("upload scan failed", zap.String("workspace", req.Workspace), zap.String("filename", req.Filename), zap.Error(err))
			return apperr.Violation(apperr.ReasonScanFailed, "%v", err)
		}
	}
	return nil
}

// CheckProjected rejects a part that would take a session past the size ceiling.
func (g *Guard) CheckProjected(current, incoming int64) error {
	if g.maxSize > 0 && current+incoming > g.maxSize {
		return apperr.Violation(apperr.ReasonOversized, "upload would reach %d bytes, limit is %d", current+incoming, g.maxSize)
	}
	return nil
}
