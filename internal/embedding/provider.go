// Package embedding produces vector embeddings for chunk text and caches them by content hash.
package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/config"
)

// ErrEmptyEmbedding is returned when a provider yields a vector with no components.
var ErrEmptyEmbedding = errors.New("embedding: empty vector")

// Result is one provider response.
type Result struct {
	Vector     []float32
	TokenCount int
	Model      string
}

// Provider embeds a single text.
type Provider interface {
	Embed(ctx context.Context, text string) (Result, error)
	Model() string
}

// Closer is implemented by providers holding native resources.
type Closer interface {
	Close() error
}

// NewProvider builds the provider named by cfg.Provider. "none" returns a nil provider,
// which turns off embedding during ingestion.
func NewProvider(ctx context.Context, cfg config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "mock":
		return NewMockProvider(cfg.Dimensions), nil
	case "gemini":
		p, err := NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "onnx":
		p, err := NewONNXProvider(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("onnx provider: %w", err)
		}
		return p, nil
	}
	return nil, apperr.Configuration("unknown embedding provider %q", cfg.Provider)
}
