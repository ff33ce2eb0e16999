// Package search runs hybrid retrieval: a vector branch and a keyword branch over the
// same filtered chunk set, fused into one ranked list.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

var (
	// ErrEmptyEmbedding is returned when a search carries no query embedding.
	ErrEmptyEmbedding = errors.New("embedding is required for hybrid search")

	// ErrWorkspaceRequired is returned when a search is not scoped to a workspace.
	ErrWorkspaceRequired = errors.New("workspace is required for hybrid search")
)

// Retriever produces candidates for each branch. Both methods apply the same filters.
type Retriever interface {
	VectorCandidates(ctx context.Context, embedding []float32, filters models.SearchFilters, k int) ([]models.Candidate, error)
	KeywordCandidates(ctx context.Context, query string, filters models.SearchFilters, k int) ([]models.Candidate, error)
}

// Params is one hybrid search. Zero numeric fields take the engine defaults. A nil
// KeywordBoost takes the default; a zero one disables the keyword contribution.
type Params struct {
	Query        string
	Embedding    []float32
	Filters      models.SearchFilters
	VectorK      int
	KeywordK     int
	KeywordBoost *float64
	Limit        int
}

// Boost returns v as a Params.KeywordBoost.
func Boost(v float64) *float64 { return &v }

// Engine runs hybrid search.
type Engine struct {
	retriever Retriever
	embedder  embedding.Provider
	defaults  config.SearchConfig
	logger    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEmbedder lets Query embed requests that arrive without an embedding.
func WithEmbedder(p embedding.Provider) EngineOption { return func(e *Engine) { e.embedder = p } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) EngineOption { return func(e *Engine) { e.logger = l } }

// NewEngine returns an engine over r. Zero fields of cfg fall back to 24/24/12 and a nil
// or negative keyword boost to 0.35.
func NewEngine(r Retriever, cfg config.SearchConfig, opts ...EngineOption) *Engine {
	if cfg.VectorK <= 0 {
		cfg.VectorK = config.DefaultVectorK
	}
	if cfg.KeywordK <= 0 {
		cfg.KeywordK = config.DefaultKeywordK
	}
	if cfg.Limit <= 0 {
		cfg.Limit = config.DefaultSearchLimit
	}
	if cfg.KeywordBoost == nil || *cfg.KeywordBoost < 0 {
		cfg.KeywordBoost = Boost(config.DefaultKeywordBoost)
	}
	e := &Engine{retriever: r, defaults: cfg}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.OrNop(e.logger)
	return e
}

func (e *Engine) withDefaults(p Params) Params {
	if p.VectorK <= 0 {
		p.VectorK = e.defaults.VectorK
	}
	if p.KeywordK <= 0 {
		p.KeywordK = e.defaults.KeywordK
	}
	if p.Limit <= 0 {
		p.Limit = e.defaults.Limit
	}
	if p.KeywordBoost == nil || *p.KeywordBoost < 0 {
		p.KeywordBoost = e.defaults.KeywordBoost
	}
	return p
}

// Search runs both branches concurrently and fuses them.
func (e *Engine) Search(ctx context.Context, p Params) ([]models.HybridResult, error) {
	if len(p.Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if strings.TrimSpace(p.Filters.WorkspaceID) == "" {
		return nil, ErrWorkspaceRequired
	}
	p = e.withDefaults(p)

	var vectorHits, keywordHits []models.Candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.retriever.VectorCandidates(gctx, p.Embedding, p.Filters, p.VectorK)
		if err != nil {
			return fmt.Errorf("vector search failed: %w", err)
		}
		vectorHits = hits
		return nil
	})
	if query := strings.TrimSpace(p.Query); query != "" {
		g.Go(func() error {
			hits, err := e.retriever.KeywordCandidates(gctx, query, p.Filters, p.KeywordK)
			if err != nil {
				return fmt.Errorf("keyword search failed: %w", err)
			}
			keywordHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	results := Fuse(vectorHits, keywordHits, *p.KeywordBoost, p.Limit)
	e.logger.Debug("hybrid search",
		zap.String("workspace_id", p.Filters.WorkspaceID),
		zap.Int("vector_hits", len(vectorHits)),
		zap.Int("keyword_hits", len(keywordHits)),
		zap.Int("results", len(results)),
	)
	return results, nil
}

// Query answers a search request: it embeds the query when the request carries no
// embedding, searches, and builds retrieved contexts when MaxContexts is set.
func (e *Engine) Query(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error) {
	start := time.Now()
	p, err := ProcessRequest(&req)
	if err != nil {
		return nil, err
	}
	if len(p.Embedding) == 0 && e.embedder != nil && p.Query != "" {
		res, err := e.embedder.Embed(ctx, p.Query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		p.Embedding = res.Vector
	}
	results, err := e.Search(ctx, p)
	if err != nil {
		return nil, err
	}
	resp := &models.SearchResponse{
		Query:   req.Query,
		Results: results,
	}
	if req.MaxContexts > 0 {
		resp.Contexts = BuildRetrievedContexts(results, req.MaxContexts, "")
	}
	resp.QueryTime = time.Since(start).Milliseconds()
	return resp, nil
}
