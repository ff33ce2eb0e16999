// Package upload accepts tenant uploads: the policy guard, the resumable multipart
// upload state machine and its session store.
package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/objectstore"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// DefaultPartSize is the part size used when a session does not declare one.
const DefaultPartSize int64 = 5 << 20

// StartRequest opens a resumable upload.
type StartRequest struct {
	Locator  models.ObjectLocator
	MIMEType string
	PartSize int64
	Checksum string
}

// Manager drives resumable uploads: pending → uploading → completed, with aborted and
// failed reachable before completion. Terminal sessions accept no further calls.
type Manager struct {
	store    objectstore.Store
	sessions SessionStore
	guard    *Guard
	partSize int64
	logger   *zap.Logger
	now      func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithGuard enables projected-size checks before each part upload.
func WithGuard(g *Guard) ManagerOption { return func(m *Manager) { m.guard = g } }

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption { return func(m *Manager) { m.logger = l } }

// WithDefaultPartSize overrides DefaultPartSize.
func WithDefaultPartSize(n int64) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.partSize = n
		}
	}
}

// WithManagerClock sets the clock used for session timestamps.
func WithManagerClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.now = now } }

// NewManager returns a manager writing parts to store and progress to sessions.
func NewManager(store objectstore.Store, sessions SessionStore, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, sessions: sessions, partSize: DefaultPartSize, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = utils.OrNop(m.logger)
	return m
}

// Start opens a multipart upload in object storage and records a pending session.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*models.UploadSession, error) {
	loc := req.Locator
	if strings.TrimSpace(loc.Bucket) == "" || strings.TrimSpace(loc.ObjectKey) == "" {
		return nil, apperr.InvalidState("upload needs a bucket and object key")
	}
	uploadID, err := m.store.CreateMultipart(ctx, loc.Bucket, loc.ObjectKey, req.MIMEType)
	if err != nil {
		return nil, fmt.Errorf("start upload of %s: %w", loc.ObjectKey, err)
	}
	partSize := req.PartSize
	if partSize <= 0 {
		partSize = m.partSize
	}
	now := m.now().UTC()
	sess := &models.UploadSession{
		ID:        uuid.NewString(),
		Locator:   loc,
		UploadID:  uploadID,
		MIMEType:  req.MIMEType,
		PartSize:  partSize,
		Checksum:  req.Checksum,
		Status:    models.SessionPending,
		Parts:     []models.UploadPart{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("record session for %s: %w", loc.ObjectKey, err)
	}
	m.logger.Debug("upload started",
		zap.String("session_id", sess.ID),
		zap.String("workspace", loc.Workspace),
		zap.String("object_key", loc.ObjectKey),
	)
	return sess, nil
}

// UploadChunk uploads one part. Re-sending a part number replaces the earlier part.
// A storage failure leaves the session untouched.
func (m *Manager) UploadChunk(ctx context.Context, sessionID string, data []byte, partNumber int) (*models.UploadSession, error) {
	if partNumber < 1 {
		return nil, apperr.InvalidState("part number must be at least 1, got %d", partNumber)
	}
	sess, err := m.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if m.guard != nil {
		current := sess.Size
		for _, p := range sess.Parts {
			if p.PartNumber == partNumber {
				current -= p.Size
			}
		}
		if err := m.guard.CheckProjected(current, int64(len(data))); err != nil {
			return nil, err
		}
	}

	etag, err := m.store.UploadPart(ctx, sess.Locator.Bucket, sess.Locator.ObjectKey, sess.UploadID, partNumber, data)
	if err != nil {
		return nil, fmt.Errorf("session %s part %d: %w", sessionID, partNumber, err)
	}

	sess.PutPart(models.UploadPart{
		PartNumber: partNumber,
		Size:       int64(len(data)),
		ETag:       etag,
		Checksum:   utils.Checksum(data),
	})
	sess.Status = models.SessionUploading
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return m.sessions.Get(ctx, sessionID)
}

// Complete assembles the uploaded parts in part-number order. The result checksum is the
// declared one, or else the sha256 of the concatenated part ETags.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*models.UploadResult, error) {
	sess, err := m.open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(sess.Parts) == 0 {
		return nil, apperr.InvalidState("session %s has no parts", sessionID)
	}
	sess.SortParts()

	parts := make([]objectstore.CompletedPart, len(sess.Parts))
	var etags strings.Builder
	for i, p := range sess.Parts {
		parts[i] = objectstore.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
		etags.WriteString(p.ETag)
	}

	if err := m.store.CompleteMultipart(ctx, sess.Locator.Bucket, sess.Locator.ObjectKey, sess.UploadID, parts); err != nil {
		// A retryable failure leaves the session open so Complete can be called again.
		if !apperr.IsRetryable(err) {
			m.fail(ctx, sess)
		}
		return nil, fmt.Errorf("complete session %s: %w", sessionID, err)
	}

	checksum := sess.Checksum
	if checksum == "" {
		checksum = utils.ChecksumString(etags.String())
	}
	sess.Status = models.SessionCompleted
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session %s: %w", sessionID, err)
	}
	m.logger.Info("upload completed",
		zap.String("session_id", sessionID),
		zap.String("object_key", sess.Locator.ObjectKey),
		zap.Int("parts", len(parts)),
		zap.Int64("size", sess.PartsSize()),
	)
	return &models.UploadResult{
		ObjectLocator: sess.Locator,
		Checksum:      checksum,
		Size:          sess.PartsSize(),
		MIMEType:      sess.MIMEType,
	}, nil
}

// Abort cancels the upload remotely and marks the session aborted.
func (m *Manager) Abort(ctx context.Context, sessionID string) error {
	sess, err := m.open(ctx, sessionID)
	if err != nil {
		return err
	}
	err = m.store.AbortMultipart(ctx, sess.Locator.Bucket, sess.Locator.ObjectKey, sess.UploadID)
	if err != nil && !apperr.IsNotFound(err) {
		return fmt.Errorf("abort session %s: %w", sessionID, err)
	}
	sess.Status = models.SessionAborted
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

// Get returns a session.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	return m.sessions.Get(ctx, sessionID)
}

// PutBuffer writes a whole buffer in one request.
func (m *Manager) PutBuffer(ctx context.Context, loc models.ObjectLocator, data []byte, mimeType string) (*models.UploadResult, error) {
	if err := m.store.Put(ctx, loc.Bucket, loc.ObjectKey, data, mimeType); err != nil {
		return nil, fmt.Errorf("put %s: %w", loc.ObjectKey, err)
	}
	return &models.UploadResult{
		ObjectLocator: loc,
		Checksum:      utils.Checksum(data),
		Size:          int64(len(data)),
		MIMEType:      mimeType,
	}, nil
}

// SweepStale aborts sessions left pending or uploading since before cutoff and returns
// how many were aborted.
func (m *Manager) SweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := m.sessions.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var errs []error
	aborted := 0
	for _, sess := range stale {
		if err := m.Abort(ctx, sess.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		aborted++
	}
	return aborted, errors.Join(errs...)
}

// fail aborts the remote upload and marks the session failed. Errors are logged only.
func (m *Manager) fail(ctx context.Context, sess *models.UploadSession) {
	log := m.logger.With(zap.String("session_id", sess.ID))
	err := m.store.AbortMultipart(ctx, sess.Locator.Bucket, sess.Locator.ObjectKey, sess.UploadID)
	if err != nil && !apperr.IsNotFound(err) {
		log.Warn("failed to abort multipart upload", zap.Error(err))
	}
	sess.Status = models.SessionFailed
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.Update(ctx, sess); err != nil {
		log.Error("failed to mark session failed", zap.Error(err))
	}
}

func (m *Manager) open(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, apperr.InvalidState("session %s is %s", sessionID, sess.Status)
	}
	return sess, nil
}
