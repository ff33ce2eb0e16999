package upload

import (
	"context"
	"sync"
	"time"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/models"
)

// SessionStore persists upload sessions. Update upserts parts by part number and never
// drops a stored part, so writers of distinct part numbers can run concurrently.
type SessionStore interface {
	Create(ctx context.Context, sess *models.UploadSession) error
	Update(ctx context.Context, sess *models.UploadSession) error
	Get(ctx context.Context, id string) (*models.UploadSession, error)
	ListStale(ctx context.Context, before time.Time) ([]*models.UploadSession, error)
}

// MemorySessionStore keeps sessions in memory.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.UploadSession
}

// NewMemorySessionStore returns an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*models.UploadSession)}
}

// Create stores a copy of sess.
func (m *MemorySessionStore) Create(_ context.Context, sess *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; ok {
		return apperr.InvalidState("upload session %s already exists", sess.ID)
	}
	m.sessions[sess.ID] = sess.Clone()
	return nil
}

// Update overwrites the session fields and merges its parts into the stored ones.
func (m *MemorySessionStore) Update(_ context.Context, sess *models.UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[sess.ID]
	if !ok {
		return apperr.NotFound("upload session %s", sess.ID)
	}
	parts := stored.Parts
	next := sess.Clone()
	next.Parts = parts
	for _, p := range sess.Parts {
		next.PutPart(p)
	}
	next.Size = next.PartsSize()
	m.sessions[sess.ID] = next
	return nil
}

// Get returns a copy of the session.
func (m *MemorySessionStore) Get(_ context.Context, id string) (*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, apperr.NotFound("upload session %s", id)
	}
	c := sess.Clone()
	c.SortParts()
	return c, nil
}

// ListStale returns pending or uploading sessions last updated before cutoff.
func (m *MemorySessionStore) ListStale(_ context.Context, before time.Time) ([]*models.UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.UploadSession
	for _, s := range m.sessions {
		if !s.Status.Terminal() && s.UpdatedAt.Before(before) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}
