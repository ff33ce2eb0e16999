package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chishiki/internal/models"
)

type memoryCacheStore struct {
	mu       sync.Mutex
	entries  map[string]models.EmbeddingCacheEntry
	attached map[string][]float32
	tokens   map[string]int
	inserts  int
}

func newMemoryCacheStore() *memoryCacheStore {
	return &memoryCacheStore{
		entries:  map[string]models.EmbeddingCacheEntry{},
		attached: map[string][]float32{},
		tokens:   map[string]int{},
	}
}

func (s *memoryCacheStore) GetEmbedding(_ context.Context, hash string) (*models.EmbeddingCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *memoryCacheStore) InsertEmbeddingIfAbsent(_ context.Context, e *models.EmbeddingCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if _, ok := s.entries[e.Hash]; !ok {
		s.entries[e.Hash] = *e
	}
	return nil
}

func (s *memoryCacheStore) AttachEmbedding(_ context.Context, chunkID, _ string, v []float32, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached[chunkID] = v
	s.tokens[chunkID] = tokens
	return nil
}

type emptyProvider struct{}

func (emptyProvider) Embed(context.Context, string) (Result, error) { return Result{}, nil }
func (emptyProvider) Model() string                                 { return "empty" }

type zeroTokenProvider struct{ *MockProvider }

func (p zeroTokenProvider) Embed(ctx context.Context, text string) (Result, error) {
	r, err := p.MockProvider.Embed(ctx, text)
	r.TokenCount = 0
	return r, err
}

func TestCache_GetOrCreateTwice(t *testing.T) {
	ctx := context.Background()
	store := newMemoryCacheStore()
	provider := NewMockProvider(8)
	cache := NewCache(store)

	first, err := cache.GetOrCreate(ctx, "the quick brown fox", provider)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := cache.GetOrCreate(ctx, "the quick brown fox", provider)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Vector, second.Vector)
	assert.Equal(t, first.Hash, second.Hash)
	assert.EqualValues(t, 1, provider.Calls())
}

func TestCache_storeHitWithoutFront(t *testing.T) {
	ctx := context.Background()
	store := newMemoryCacheStore()
	provider := NewMockProvider(8)

	_, err := NewCache(store, WithLRU(0, 0)).GetOrCreate(ctx, "shared", provider)
	require.NoError(t, err)

	// A second process sharing the store sees the entry without embedding again.
	other := NewCache(store, WithLRU(0, 0))
	got, err := other.GetOrCreate(ctx, "shared", provider)
	require.NoError(t, err)
	assert.True(t, got.Cached)
	assert.EqualValues(t, 1, provider.Calls())
}

func TestCache_concurrentMissesAreNotErrors(t *testing.T) {
	ctx := context.Background()
	store := newMemoryCacheStore()
	provider := NewMockProvider(4)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := NewCache(store, WithLRU(0, 0)).GetOrCreate(ctx, "race", provider)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, store.entries, 1)
}

func TestCache_emptyVector(t *testing.T) {
	_, err := NewCache(newMemoryCacheStore()).GetOrCreate(context.Background(), "x", emptyProvider{})
	assert.True(t, errors.Is(err, ErrEmptyEmbedding))
}

func TestCache_AttachToChunk(t *testing.T) {
	ctx := context.Background()
	store := newMemoryCacheStore()
	cache := NewCache(store)

	emb, err := cache.AttachToChunk(ctx, "chunk-1", "alpha beta gamma", NewMockProvider(4), 99)
	require.NoError(t, err)
	assert.Equal(t, emb.Vector, store.attached["chunk-1"])
	assert.Equal(t, 3, store.tokens["chunk-1"])

	_, err = cache.AttachToChunk(ctx, "chunk-2", "delta", zeroTokenProvider{NewMockProvider(4)}, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, store.tokens["chunk-2"])
}

func TestMockProvider_deterministicUnitVectors(t *testing.T) {
	p := NewMockProvider(16)
	a, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	b, _ := p.Embed(context.Background(), "hello")
	c, _ := p.Embed(context.Background(), "goodbye")
	assert.Equal(t, a.Vector, b.Vector)
	assert.NotEqual(t, a.Vector, c.Vector)
	var sum float64
	for _, v := range a.Vector {
		sum += float64(v * v)
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

func TestNewProvider(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, configFor("none"))
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewProvider(ctx, configFor("mock"))
	require.NoError(t, err)
	assert.Equal(t, MockModel, p.Model())

	_, err = NewProvider(ctx, configFor("word2vec"))
	assert.Error(t, err)
}
