package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/chishiki/internal/models"
)

// DeadLetterSink stores jobs that exhausted their retries. storage.SQLStore implements it.
type DeadLetterSink interface {
	PutDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// MemoryDeadLetters keeps dead letters in memory.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters []models.DeadLetter
}

// PutDeadLetter appends a copy of dl.
func (m *MemoryDeadLetters) PutDeadLetter(_ context.Context, dl *models.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	c := *dl
	c.Payload = append([]byte(nil), dl.Payload...)
	m.mu.Lock()
	m.letters = append(m.letters, c)
	m.mu.Unlock()
	return nil
}

// List returns the dead letters of queue, oldest first. An empty queue lists all.
func (m *MemoryDeadLetters) List(queue string) []models.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeadLetter
	for _, dl := range m.letters {
		if queue == "" || dl.Queue == queue {
			out = append(out, dl)
		}
	}
	return out
}
