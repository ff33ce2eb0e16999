package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/models"
)

// SessionRepo persists resumable upload sessions in upload_sessions and upload_parts.
type SessionRepo struct {
	s *SQLStore
}

// Sessions returns the upload session repository.
func (s *SQLStore) Sessions() *SessionRepo {
	return &SessionRepo{s: s}
}

type sessionRow struct {
	ID        string    `db:"id"`
	Bucket    string    `db:"bucket"`
	ObjectKey string    `db:"object_key"`
	Workspace string    `db:"workspace"`
	UploadID  string    `db:"upload_id"`
	MIMEType  string    `db:"mime_type"`
	PartSize  int64     `db:"part_size"`
	Checksum  string    `db:"checksum"`
	Status    string    `db:"status"`
	Size      int64     `db:"size"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r sessionRow) session() *models.UploadSession {
	return &models.UploadSession{
		ID:        r.ID,
		Locator:   models.ObjectLocator{Bucket: r.Bucket, ObjectKey: r.ObjectKey, Workspace: r.Workspace},
		UploadID:  r.UploadID,
		MIMEType:  r.MIMEType,
		PartSize:  r.PartSize,
		Checksum:  r.Checksum,
		Status:    models.SessionStatus(r.Status),
		Size:      r.Size,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const sessionColumns = `id, bucket, object_key, workspace, upload_id, mime_type, part_size, checksum, status, size, created_at, updated_at`

// Create inserts a new session.
func (r *SessionRepo) Create(ctx context.Context, sess *models.UploadSession) error {
	_, err := r.s.db.ExecContext(ctx, r.s.rebind(
		`INSERT INTO upload_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.Locator.Bucket, sess.Locator.ObjectKey, sess.Locator.Workspace, sess.UploadID,
		sess.MIMEType, sess.PartSize, sess.Checksum, sess.Status, sess.Size, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// Update writes the session row and upserts each part by part number. Parts are never
// removed and the stored size is recomputed from the part rows, so concurrent writers of
// distinct part numbers do not overwrite each other.
func (r *SessionRepo) Update(ctx context.Context, sess *models.UploadSession) error {
	return r.s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, r.s.rebind(
			`UPDATE upload_sessions SET status = ?, checksum = ?, updated_at = ? WHERE id = ?`),
			sess.Status, sess.Checksum, sess.UpdatedAt.UTC(), sess.ID)
		if err != nil {
			return fmt.Errorf("update session %s: %w", sess.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("upload session %s", sess.ID)
		}
		upsert := r.s.rebind(
			`INSERT INTO upload_parts (session_id, part_number, size, etag, checksum) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, part_number) DO UPDATE
			 SET size = excluded.size, etag = excluded.etag, checksum = excluded.checksum`)
		for _, p := range sess.Parts {
			if _, err := tx.ExecContext(ctx, upsert, sess.ID, p.PartNumber, p.Size, p.ETag, p.Checksum); err != nil {
				return fmt.Errorf("upsert part %d of %s: %w", p.PartNumber, sess.ID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, r.s.rebind(
			`UPDATE upload_sessions
			 SET size = (SELECT COALESCE(SUM(size), 0) FROM upload_parts WHERE session_id = ?)
			 WHERE id = ?`), sess.ID, sess.ID); err != nil {
			return fmt.Errorf("update size of %s: %w", sess.ID, err)
		}
		return nil
	})
}

// Get loads a session with its parts ordered by part number.
func (r *SessionRepo) Get(ctx context.Context, id string) (*models.UploadSession, error) {
	var row sessionRow
	err := r.s.db.GetContext(ctx, &row, r.s.rebind(`SELECT `+sessionColumns+` FROM upload_sessions WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, apperr.NotFound("upload session %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess := row.session()
	if err := r.s.db.SelectContext(ctx, &sess.Parts, r.s.rebind(
		`SELECT part_number, size, etag, checksum FROM upload_parts WHERE session_id = ? ORDER BY part_number`), id); err != nil {
		return nil, fmt.Errorf("load parts of %s: %w", id, err)
	}
	return sess, nil
}

// ListStale returns non-terminal sessions last updated before cutoff.
func (r *SessionRepo) ListStale(ctx context.Context, cutoff time.Time) ([]*models.UploadSession, error) {
	var ids []string
	err := r.s.db.SelectContext(ctx, &ids, r.s.rebind(
		`SELECT id FROM upload_sessions WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at`),
		models.SessionPending, models.SessionUploading, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	out := make([]*models.UploadSession, 0, len(ids))
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
