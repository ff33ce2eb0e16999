package embedding

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/hyperjump/chishiki/internal/apperr"
)

// GeminiProvider embeds text with the Gemini embedding API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a client for the Gemini API backend.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, apperr.Configuration("gemini provider requires an API key")
	}
	if model == "" {
		model = "text-embedding-004"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Embed calls EmbedContent for a single text. Gemini does not report a token count,
// so callers fall back to their own estimate.
func (p *GeminiProvider) Embed(ctx context.Context, text string) (Result, error) {
	resp, err := p.client.Models.EmbedContent(
		ctx,
		p.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: text}}}},
		&genai.EmbedContentConfig{TaskType: "RETRIEVAL_DOCUMENT"},
	)
	if err != nil {
		return Result{}, fmt.Errorf("gemini embed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return Result{}, ErrEmptyEmbedding
	}
	return Result{Vector: resp.Embeddings[0].Values, Model: p.model}, nil
}

// Model returns the configured model name.
func (p *GeminiProvider) Model() string { return p.model }
