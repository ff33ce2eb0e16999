package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/models"
)

// keywordIndexes holds one in-memory bleve index per workspace for the SQLite keyword
// branch. Each index is stamped with the workspace's keyword_generation at build time;
// writes bump the column in their transaction, so an index is current when its stamp
// equals the stored generation.
type keywordIndexes struct {
	mu     sync.RWMutex
	byWS   map[string]*keywordIndex
	logger *zap.Logger
}

type keywordIndex struct {
	index      bleve.Index
	generation int64
}

// chunkDelta is what one write did to a workspace's chunks.
type chunkDelta struct {
	workspaceID string
	generation  int64
	removed     []string
	added       []models.Chunk
}

func newKeywordIndexes(logger *zap.Logger) *keywordIndexes {
	return &keywordIndexes{byWS: make(map[string]*keywordIndex), logger: logger}
}

func newKeywordMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()
	content := bleve.NewTextFieldMapping()
	content.Analyzer = en.AnalyzerName
	doc.AddFieldMappingsAt("content", content)
	im.DefaultMapping = doc
	im.DefaultAnalyzer = en.AnalyzerName
	return im
}

// search runs req against the workspace index, rebuilding it first when its generation
// is behind. load returns the generation and every chunk of the workspace.
func (k *keywordIndexes) search(ctx context.Context, workspaceID string, generation int64,
	load func(ctx context.Context) (int64, []keywordDoc, error), req *bleve.SearchRequest) (*bleve.SearchResult, error) {
	k.mu.RLock()
	idx := k.byWS[workspaceID]
	if idx != nil && idx.generation == generation {
		defer k.mu.RUnlock()
		return idx.index.SearchInContext(ctx, req)
	}
	k.mu.RUnlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	idx = k.byWS[workspaceID]
	if idx == nil || idx.generation != generation {
		gen, docs, err := load(ctx)
		if err != nil {
			return nil, err
		}
		fresh, err := buildKeywordIndex(docs)
		if err != nil {
			return nil, err
		}
		k.replace(workspaceID, &keywordIndex{index: fresh, generation: gen})
		idx = k.byWS[workspaceID]
		k.logger.Debug("keyword index built",
			zap.String("workspace_id", workspaceID),
			zap.Int64("generation", gen),
			zap.Int("chunks", len(docs)),
		)
	}
	return idx.index.SearchInContext(ctx, req)
}

// apply folds a committed write into the workspace index. An index that missed a write
// is dropped and rebuilt by the next search.
func (k *keywordIndexes) apply(d chunkDelta) {
	k.mu.Lock()
	defer k.mu.Unlock()
	idx := k.byWS[d.workspaceID]
	if idx == nil || idx.generation >= d.generation {
		return
	}
	if idx.generation != d.generation-1 {
		k.replace(d.workspaceID, nil)
		return
	}
	batch := idx.index.NewBatch()
	for _, id := range d.removed {
		batch.Delete(id)
	}
	for _, c := range d.added {
		if err := batch.Index(c.ID, map[string]any{"content": c.Content}); err != nil {
			k.logger.Warn("keyword index update failed", zap.String("chunk_id", c.ID), zap.Error(err))
			k.replace(d.workspaceID, nil)
			return
		}
	}
	if err := idx.index.Batch(batch); err != nil {
		k.logger.Warn("keyword index update failed", zap.String("workspace_id", d.workspaceID), zap.Error(err))
		k.replace(d.workspaceID, nil)
		return
	}
	idx.generation = d.generation
}

// replace swaps the workspace entry, closing the old index. Callers hold mu.
func (k *keywordIndexes) replace(workspaceID string, next *keywordIndex) {
	if old := k.byWS[workspaceID]; old != nil {
		_ = old.index.Close()
	}
	if next == nil {
		delete(k.byWS, workspaceID)
		return
	}
	k.byWS[workspaceID] = next
}

func (k *keywordIndexes) close() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for ws := range k.byWS {
		k.replace(ws, nil)
	}
}

type keywordDoc struct {
	ID      string `db:"id"`
	Content string `db:"content"`
}

func buildKeywordIndex(docs []keywordDoc) (bleve.Index, error) {
	index, err := bleve.NewMemOnly(newKeywordMapping())
	if err != nil {
		return nil, fmt.Errorf("create keyword index: %w", err)
	}
	batch := index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, map[string]any{"content": d.Content}); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("index chunk %s: %w", d.ID, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("index chunks: %w", err)
	}
	return index, nil
}

// keywordGeneration reads the stored generation of a workspace.
func (s *SQLStore) keywordGeneration(ctx context.Context, q sqlx.QueryerContext, workspaceID string) (int64, error) {
	var gen int64
	err := sqlx.GetContext(ctx, q, &gen, s.rebind(
		`SELECT keyword_generation FROM workspaces WHERE id = ?`), workspaceID)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keyword generation of %s: %w", workspaceID, err)
	}
	return gen, nil
}

// bumpKeywordGeneration advances the workspace generation inside a write transaction
// and returns the new value. Stores without a keyword index leave the column alone.
func (s *SQLStore) bumpKeywordGeneration(ctx context.Context, tx *sqlx.Tx, workspaceID string) (int64, error) {
	if s.keywords == nil {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE workspaces SET keyword_generation = keyword_generation + 1 WHERE id = ?`), workspaceID); err != nil {
		return 0, fmt.Errorf("bump keyword generation of %s: %w", workspaceID, err)
	}
	return s.keywordGeneration(ctx, tx, workspaceID)
}

// loadKeywordDocs reads every chunk of a workspace together with the generation they
// belong to.
func (s *SQLStore) loadKeywordDocs(workspaceID string) func(ctx context.Context) (int64, []keywordDoc, error) {
	return func(ctx context.Context) (int64, []keywordDoc, error) {
		var (
			gen  int64
			docs []keywordDoc
		)
		err := s.inTx(ctx, func(tx *sqlx.Tx) error {
			var err error
			if gen, err = s.keywordGeneration(ctx, tx, workspaceID); err != nil {
				return err
			}
			if err := tx.SelectContext(ctx, &docs, s.rebind(
				`SELECT c.id AS id, c.content AS content FROM chunks c
				 JOIN documents d ON d.id = c.document_id WHERE d.workspace_id = ?`), workspaceID); err != nil {
				return fmt.Errorf("load keyword chunks of %s: %w", workspaceID, err)
			}
			return nil
		})
		return gen, docs, err
	}
}

// chunkIDs lists a document's chunk ids inside tx.
func (s *SQLStore) chunkIDs(ctx context.Context, tx *sqlx.Tx, documentID string) ([]string, error) {
	if s.keywords == nil {
		return nil, nil
	}
	var ids []string
	if err := tx.SelectContext(ctx, &ids, s.rebind(`SELECT id FROM chunks WHERE document_id = ?`), documentID); err != nil {
		return nil, fmt.Errorf("list chunk ids of %s: %w", documentID, err)
	}
	return ids, nil
}
