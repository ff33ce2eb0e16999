package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/models"
)

// EnsureWorkspace returns the workspace with slug, creating it when missing.
func (s *SQLStore) EnsureWorkspace(ctx context.Context, slug string) (*models.Workspace, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		return nil, apperr.Configuration("workspace slug is required")
	}
	if ws, err := s.WorkspaceBySlug(ctx, slug); err == nil {
		return ws, nil
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO workspaces (id, slug, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (slug) DO NOTHING`),
		uuid.NewString(), slug, slug, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", slug, err)
	}
	return s.WorkspaceBySlug(ctx, slug)
}

// WorkspaceBySlug looks a workspace up by slug.
func (s *SQLStore) WorkspaceBySlug(ctx context.Context, slug string) (*models.Workspace, error) {
	var ws models.Workspace
	err := s.db.GetContext(ctx, &ws, s.rebind(
		`SELECT id, slug, name, created_at FROM workspaces WHERE slug = ?`), slug)
	if isNoRows(err) {
		return nil, apperr.NotFound("workspace %s", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", slug, err)
	}
	return &ws, nil
}

// CreateFileAndDocument inserts a PENDING file and its pending document in one transaction.
// Empty ids are generated.
func (s *SQLStore) CreateFileAndDocument(ctx context.Context, file *models.File, doc *models.Document) error {
	now := time.Now().UTC()
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if file.Status == "" {
		file.Status = models.FilePending
	}
	if doc.Status == "" {
		doc.Status = models.DocumentPending
	}
	file.CreatedAt = now
	doc.WorkspaceID = file.WorkspaceID
	doc.SourceFileID = file.ID
	doc.CreatedAt, doc.UpdatedAt = now, now

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO files (id, workspace_id, uploader_id, bucket, object_key, size, mime_type, checksum, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			file.ID, file.WorkspaceID, file.UploaderID, file.Bucket, file.ObjectKey, file.Size,
			file.MIMEType, file.Checksum, file.Status, file.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert file %s: %w", file.ObjectKey, err)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO documents (id, workspace_id, source_file_id, title, status, token_count, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			doc.ID, doc.WorkspaceID, doc.SourceFileID, doc.Title, doc.Status, doc.TokenCount,
			doc.CreatedAt, doc.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert document %s: %w", doc.ID, err)
		}
		return nil
	})
}

const fileColumns = `id, workspace_id, uploader_id, bucket, object_key, size, mime_type, checksum, status, created_at`

// FindDocumentByChecksum returns the oldest live document whose source file in the
// workspace has the given checksum. File rows left behind by a document deletion that
// kept the file do not match.
func (s *SQLStore) FindDocumentByChecksum(ctx context.Context, workspaceID, checksum string) (*models.Document, *models.File, error) {
	var row struct {
		models.Document
		FileID string `db:"file_id"`
	}
	err := s.db.GetContext(ctx, &row, s.rebind(
		`SELECT d.id, d.workspace_id, d.source_file_id, d.title, d.status, d.token_count,
		        d.created_at, d.updated_at, f.id AS file_id
		 FROM files f
		 JOIN documents d ON d.source_file_id = f.id
		 WHERE f.workspace_id = ? AND f.checksum = ?
		 ORDER BY f.created_at LIMIT 1`), workspaceID, checksum)
	if isNoRows(err) {
		return nil, nil, apperr.NotFound("document with checksum %s", checksum)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find document by checksum: %w", err)
	}
	file, err := s.GetFile(ctx, row.FileID)
	if err != nil {
		return nil, nil, err
	}
	doc := row.Document
	return &doc, file, nil
}

// GetFile returns a file by id.
func (s *SQLStore) GetFile(ctx context.Context, id string) (*models.File, error) {
	var f models.File
	err := s.db.GetContext(ctx, &f, s.rebind(`SELECT `+fileColumns+` FROM files WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, apperr.NotFound("file %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	return &f, nil
}

const documentColumns = `id, workspace_id, source_file_id, title, status, token_count, created_at, updated_at`

// GetDocument returns a document by id.
func (s *SQLStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var d models.Document
	err := s.db.GetContext(ctx, &d, s.rebind(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, apperr.NotFound("document %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &d, nil
}

// DocumentByObjectKey resolves the document whose source file is stored at objectKey
// inside the workspace with the given slug.
func (s *SQLStore) DocumentByObjectKey(ctx context.Context, workspaceSlug, objectKey string) (*models.Document, *models.File, error) {
	var row struct {
		models.Document
		FileID string `db:"file_id"`
	}
	err := s.db.GetContext(ctx, &row, s.rebind(
		`SELECT d.id, d.workspace_id, d.source_file_id, d.title, d.status, d.token_count,
		        d.created_at, d.updated_at, f.id AS file_id
		 FROM documents d
		 JOIN files f ON f.id = d.source_file_id
		 JOIN workspaces w ON w.id = d.workspace_id
		 WHERE f.object_key = ? AND w.slug = ?`), objectKey, strings.ToLower(workspaceSlug))
	if isNoRows(err) {
		return nil, nil, apperr.NotFound("document for object %s in workspace %s", objectKey, workspaceSlug)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve document for %s: %w", objectKey, err)
	}
	file, err := s.GetFile(ctx, row.FileID)
	if err != nil {
		return nil, nil, err
	}
	doc := row.Document
	return &doc, file, nil
}

// ListDocuments returns the documents of a workspace, newest first.
func (s *SQLStore) ListDocuments(ctx context.Context, workspaceID string) ([]models.Document, error) {
	var docs []models.Document
	err := s.db.SelectContext(ctx, &docs, s.rebind(
		`SELECT `+documentColumns+` FROM documents WHERE workspace_id = ? ORDER BY created_at DESC`), workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// SetDocumentStatus updates a document's status.
func (s *SQLStore) SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`), status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set document %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("document %s", id)
	}
	return nil
}

// SetFileStatus updates a file's status.
func (s *SQLStore) SetFileStatus(ctx context.Context, id string, status models.FileStatus) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE files SET status = ? WHERE id = ?`), status, id)
	if err != nil {
		return fmt.Errorf("set file %s status: %w", id, err)
	}
	return nil
}

// CommitIngestion atomically marks the file READY, replaces the document's chunks and
// marks the document ready with the rolled-up token count. It returns that count.
func (s *SQLStore) CommitIngestion(ctx context.Context, documentID, fileID string, chunks []models.Chunk) (int, error) {
	now := time.Now().UTC()
	total := 0
	for _, c := range chunks {
		total += c.TokenCount
	}
	var delta chunkDelta
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &delta.workspaceID, s.rebind(`SELECT workspace_id FROM documents WHERE id = ?`), documentID)
		if isNoRows(err) {
			return apperr.NotFound("document %s", documentID)
		}
		if err != nil {
			return fmt.Errorf("load document %s: %w", documentID, err)
		}
		if delta.removed, err = s.chunkIDs(ctx, tx, documentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE files SET status = ? WHERE id = ?`), models.FileReady, fileID); err != nil {
			return fmt.Errorf("mark file %s ready: %w", fileID, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM chunks WHERE document_id = ?`), documentID); err != nil {
			return fmt.Errorf("clear chunks of %s: %w", documentID, err)
		}
		insert := s.rebind(
			`INSERT INTO chunks (id, document_id, chunk_index, content, token_count, content_hash, range_start, range_end, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		for i := range chunks {
			c := &chunks[i]
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.DocumentID = documentID
			c.CreatedAt = now
			vec, err := s.vectorArg(c.Embedding)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, insert, c.ID, c.DocumentID, c.Index, c.Content, c.TokenCount,
				c.ContentHash, c.RangeStart, c.RangeEnd, vec, c.CreatedAt); err != nil {
				return fmt.Errorf("insert chunk %d of %s: %w", c.Index, documentID, err)
			}
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE documents SET status = ?, token_count = ?, updated_at = ? WHERE id = ?`),
			models.DocumentReady, total, now, documentID)
		if err != nil {
			return fmt.Errorf("mark document %s ready: %w", documentID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.NotFound("document %s", documentID)
		}
		delta.added = chunks
		delta.generation, err = s.bumpKeywordGeneration(ctx, tx, delta.workspaceID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if s.keywords != nil {
		s.keywords.apply(delta)
	}
	return total, nil
}

// ListChunks returns a document's chunks in order, embeddings included.
func (s *SQLStore) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	rows, err := s.db.QueryxContext(ctx, s.rebind(
		`SELECT id, document_id, chunk_index, content, token_count, content_hash, range_start, range_end, embedding, created_at
		 FROM chunks WHERE document_id = ? ORDER BY chunk_index`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunks of %s: %w", documentID, err)
	}
	defer rows.Close()
	var chunks []models.Chunk
	for rows.Next() {
		var c models.Chunk
		var vec nullVector
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Content, &c.TokenCount, &c.ContentHash,
			&c.RangeStart, &c.RangeEnd, &vec, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		c.Embedding = vec.Vector
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteDocument removes a document with its chunks, folder links and tag links in one
// transaction, and the source file row when deleteFile is set. It returns the source
// file as it was before deletion so callers can remove the stored object.
func (s *SQLStore) DeleteDocument(ctx context.Context, documentID string, deleteFile bool) (*models.File, error) {
	var (
		file  *models.File
		delta chunkDelta
	)
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var doc models.Document
		err := tx.GetContext(ctx, &doc, s.rebind(`SELECT `+documentColumns+` FROM documents WHERE id = ?`), documentID)
		if isNoRows(err) {
			return apperr.NotFound("document %s", documentID)
		}
		if err != nil {
			return fmt.Errorf("load document %s: %w", documentID, err)
		}
		if doc.SourceFileID != "" {
			var f models.File
			err := tx.GetContext(ctx, &f, s.rebind(`SELECT `+fileColumns+` FROM files WHERE id = ?`), doc.SourceFileID)
			if err == nil {
				file = &f
			} else if !isNoRows(err) {
				return fmt.Errorf("load file %s: %w", doc.SourceFileID, err)
			}
		}
		delta.workspaceID = doc.WorkspaceID
		if delta.removed, err = s.chunkIDs(ctx, tx, documentID); err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM chunks WHERE document_id = ?`,
			`DELETE FROM document_folders WHERE document_id = ?`,
			`DELETE FROM document_tags WHERE document_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, s.rebind(q), documentID); err != nil {
				return fmt.Errorf("delete document %s: %w", documentID, err)
			}
		}
		if deleteFile && file != nil {
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM files WHERE id = ?`), file.ID); err != nil {
				return fmt.Errorf("delete file %s: %w", file.ID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM documents WHERE id = ?`), documentID); err != nil {
			return fmt.Errorf("delete document %s: %w", documentID, err)
		}
		delta.generation, err = s.bumpKeywordGeneration(ctx, tx, delta.workspaceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.keywords != nil {
		s.keywords.apply(delta)
	}
	return file, nil
}

// CreateFolder adds a folder to a workspace.
func (s *SQLStore) CreateFolder(ctx context.Context, workspaceID, name string) (*models.Folder, error) {
	f := &models.Folder{ID: uuid.NewString(), WorkspaceID: workspaceID, Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO folders (id, workspace_id, name, created_at) VALUES (?, ?, ?, ?)`),
		f.ID, f.WorkspaceID, f.Name, f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create folder %s: %w", name, err)
	}
	return f, nil
}

// AddDocumentToFolder links a document to a folder. Linking twice is a no-op.
func (s *SQLStore) AddDocumentToFolder(ctx context.Context, documentID, folderID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO document_folders (document_id, folder_id) VALUES (?, ?)
		 ON CONFLICT (document_id, folder_id) DO NOTHING`), documentID, folderID)
	if err != nil {
		return fmt.Errorf("add document %s to folder %s: %w", documentID, folderID, err)
	}
	return nil
}

// TagDocument attaches a workspace tag label to a document, creating the tag when needed.
func (s *SQLStore) TagDocument(ctx context.Context, workspaceID, documentID, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO tags (id, workspace_id, label) VALUES (?, ?, ?)
			 ON CONFLICT (workspace_id, label) DO NOTHING`), uuid.NewString(), workspaceID, label); err != nil {
			return fmt.Errorf("create tag %s: %w", label, err)
		}
		var tagID string
		if err := tx.GetContext(ctx, &tagID, s.rebind(
			`SELECT id FROM tags WHERE workspace_id = ? AND label = ?`), workspaceID, label); err != nil {
			return fmt.Errorf("load tag %s: %w", label, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(
			`INSERT INTO document_tags (document_id, tag_id) VALUES (?, ?)
			 ON CONFLICT (document_id, tag_id) DO NOTHING`), documentID, tagID); err != nil {
			return fmt.Errorf("tag document %s: %w", documentID, err)
		}
		return nil
	})
}
