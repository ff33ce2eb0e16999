package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperjump/chishiki/internal/models"
)

// GetEmbedding returns the cached embedding for hash, or (nil, nil) when absent.
func (s *SQLStore) GetEmbedding(ctx context.Context, hash string) (*models.EmbeddingCacheEntry, error) {
	var (
		e   models.EmbeddingCacheEntry
		vec nullVector
	)
	err := s.db.QueryRowxContext(ctx, s.rebind(
		`SELECT hash, vector, token_count, model, created_at FROM embedding_cache WHERE hash = ?`), hash,
	).Scan(&e.Hash, &vec, &e.TokenCount, &e.Model, &e.CreatedAt)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding %s: %w", hash, err)
	}
	e.Vector = vec.Vector
	return &e, nil
}

// InsertEmbeddingIfAbsent writes an entry unless one with the same hash exists. The unique
// hash key settles concurrent writers; the first insert wins.
func (s *SQLStore) InsertEmbeddingIfAbsent(ctx context.Context, e *models.EmbeddingCacheEntry) error {
	vec, err := s.vectorArg(e.Vector)
	if err != nil {
		return err
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO embedding_cache (hash, vector, token_count, model, dimensions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (hash) DO NOTHING`),
		e.Hash, vec, e.TokenCount, e.Model, len(e.Vector), createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert embedding %s: %w", e.Hash, err)
	}
	return nil
}

// AttachEmbedding stores a vector on a chunk together with its token count and hash.
func (s *SQLStore) AttachEmbedding(ctx context.Context, chunkID, hash string, vector []float32, tokenCount int) error {
	vec, err := s.vectorArg(vector)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`UPDATE chunks SET embedding = ?, token_count = ?, content_hash = ? WHERE id = ?`),
		vec, tokenCount, hash, chunkID,
	)
	if err != nil {
		return fmt.Errorf("attach embedding to chunk %s: %w", chunkID, err)
	}
	return nil
}

// ChunksMissingEmbeddings returns up to limit chunks of ready documents that have no vector.
func (s *SQLStore) ChunksMissingEmbeddings(ctx context.Context, limit int) ([]models.Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	var chunks []models.Chunk
	err := s.db.SelectContext(ctx, &chunks, s.rebind(
		`SELECT c.id, c.document_id, c.chunk_index, c.content, c.token_count, c.content_hash,
		        c.range_start, c.range_end, c.created_at
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE c.embedding IS NULL AND d.status = ?
		 ORDER BY c.created_at, c.chunk_index
		 LIMIT ?`), models.DocumentReady, limit)
	if err != nil {
		return nil, fmt.Errorf("list chunks missing embeddings: %w", err)
	}
	return chunks, nil
}

// DeleteEmbeddingsBefore drops cache entries created before cutoff. Chunks keep their
// attached vectors.
func (s *SQLStore) DeleteEmbeddingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM embedding_cache WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old embeddings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
