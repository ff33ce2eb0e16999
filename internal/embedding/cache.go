package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// CacheStore persists embeddings keyed by content hash. GetEmbedding returns
// (nil, nil) on a miss.
type CacheStore interface {
	GetEmbedding(ctx context.Context, hash string) (*models.EmbeddingCacheEntry, error)
	InsertEmbeddingIfAbsent(ctx context.Context, entry *models.EmbeddingCacheEntry) error
	AttachEmbedding(ctx context.Context, chunkID, hash string, vector []float32, tokenCount int) error
}

// CachedEmbedding is a cache lookup result. Cached is true when no provider call was made.
type CachedEmbedding struct {
	Hash       string
	Vector     []float32
	TokenCount int
	Model      string
	Cached     bool
}

// Cache is a content-addressed embedding cache: a process-local expirable LRU in front
// of the shared store.
type Cache struct {
	store  CacheStore
	front  *expirable.LRU[string, models.EmbeddingCacheEntry]
	logger *zap.Logger
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the cache logger.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// WithLRU sizes the in-process front. A size of zero disables it.
func WithLRU(size int, ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if size <= 0 {
			c.front = nil
			return
		}
		c.front = expirable.NewLRU[string, models.EmbeddingCacheEntry](size, nil, ttl)
	}
}

// NewCache returns a cache over store with a 10000 entry, one hour LRU front.
func NewCache(store CacheStore, opts ...CacheOption) *Cache {
	c := &Cache{
		store:  store,
		front:  expirable.NewLRU[string, models.EmbeddingCacheEntry](10000, nil, time.Hour),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = utils.OrNop(c.logger)
	return c
}

// GetOrCreate returns the embedding for content, calling provider only when neither the
// front nor the store has it. Losing an insert race to another writer is not an error.
func (c *Cache) GetOrCreate(ctx context.Context, content string, provider Provider) (CachedEmbedding, error) {
	hash := utils.ChecksumString(content)

	if entry, ok := c.lookup(ctx, hash); ok {
		return CachedEmbedding{
			Hash:       hash,
			Vector:     entry.Vector,
			TokenCount: entry.TokenCount,
			Model:      entry.Model,
			Cached:     true,
		}, nil
	}

	res, err := provider.Embed(ctx, content)
	if err != nil {
		return CachedEmbedding{}, fmt.Errorf("embed %s: %w", hash[:12], err)
	}
	if len(res.Vector) == 0 {
		return CachedEmbedding{}, ErrEmptyEmbedding
	}
	model := res.Model
	if model == "" {
		model = provider.Model()
	}

	entry := models.EmbeddingCacheEntry{
		Hash:       hash,
		Vector:     res.Vector,
		TokenCount: res.TokenCount,
		Model:      model,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.InsertEmbeddingIfAbsent(ctx, &entry); err != nil {
		return CachedEmbedding{}, fmt.Errorf("store embedding %s: %w", hash[:12], err)
	}
	if c.front != nil {
		c.front.Add(hash, entry)
	}
	return CachedEmbedding{Hash: hash, Vector: res.Vector, TokenCount: res.TokenCount, Model: model}, nil
}

func (c *Cache) lookup(ctx context.Context, hash string) (models.EmbeddingCacheEntry, bool) {
	if c.front != nil {
		if entry, ok := c.front.Get(hash); ok {
			return entry, true
		}
	}
	entry, err := c.store.GetEmbedding(ctx, hash)
	if err != nil {
		// A failed read is treated as a miss; the insert below is idempotent.
		c.logger.Warn("embedding cache read failed", zap.String("hash", hash), zap.Error(err))
		return models.EmbeddingCacheEntry{}, false
	}
	if entry == nil || len(entry.Vector) == 0 {
		return models.EmbeddingCacheEntry{}, false
	}
	if c.front != nil {
		c.front.Add(hash, *entry)
	}
	return *entry, true
}

// AttachToChunk resolves the embedding for content and writes it onto the chunk. The
// chunk's token count is the cached count, or tokenFallback when the provider reported none.
func (c *Cache) AttachToChunk(ctx context.Context, chunkID, content string, provider Provider, tokenFallback int) (CachedEmbedding, error) {
	emb, err := c.GetOrCreate(ctx, content, provider)
	if err != nil {
		return CachedEmbedding{}, err
	}
	tokens := emb.TokenCount
	if tokens <= 0 {
		tokens = tokenFallback
	}
	if err := c.store.AttachEmbedding(ctx, chunkID, emb.Hash, emb.Vector, tokens); err != nil {
		return CachedEmbedding{}, fmt.Errorf("attach embedding to chunk %s: %w", chunkID, err)
	}
	return emb, nil
}

// Purge empties the in-process front.
func (c *Cache) Purge() {
	if c.front != nil {
		c.front.Purge()
	}
}
