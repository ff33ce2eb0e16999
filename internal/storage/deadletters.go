package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/chishiki/internal/models"
)

// PutDeadLetter records a job that exhausted its retries.
func (s *SQLStore) PutDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO dead_letters (id, queue, origin_queue, job_id, job_name, payload, attempts, last_error, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		dl.ID, dl.Queue, dl.OriginQueue, dl.JobID, dl.JobName, string(dl.Payload), dl.Attempts, dl.LastError, dl.FailedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put dead letter for job %s: %w", dl.JobID, err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters of a queue. An empty queue lists all.
func (s *SQLStore) ListDeadLetters(ctx context.Context, queue string, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, queue, origin_queue, job_id, job_name, payload, attempts, last_error, failed_at FROM dead_letters`
	args := []any{}
	if queue != "" {
		query += ` WHERE queue = ?`
		args = append(args, queue)
	}
	query += ` ORDER BY failed_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []deadLetterRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]models.DeadLetter, len(rows))
	for i, r := range rows {
		out[i] = models.DeadLetter{
			ID:          r.ID,
			Queue:       r.Queue,
			OriginQueue: r.OriginQueue,
			JobID:       r.JobID,
			JobName:     r.JobName,
			Payload:     []byte(r.Payload),
			Attempts:    r.Attempts,
			LastError:   r.LastError,
			FailedAt:    r.FailedAt,
		}
	}
	return out, nil
}

type deadLetterRow struct {
	ID          string    `db:"id"`
	Queue       string    `db:"queue"`
	OriginQueue string    `db:"origin_queue"`
	JobID       string    `db:"job_id"`
	JobName     string    `db:"job_name"`
	Payload     string    `db:"payload"`
	Attempts    int       `db:"attempts"`
	LastError   string    `db:"last_error"`
	FailedAt    time.Time `db:"failed_at"`
}
