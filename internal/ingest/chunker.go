// Package ingest turns stored uploads into chunked, embedded documents.
package ingest

import (
	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// ChunkOptions sizes the sliding window. Both values count characters (runes).
type ChunkOptions struct {
	MaxCharacters int
	Overlap       int
}

// DefaultChunkOptions returns a 2000 character window with 200 characters of overlap.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{MaxCharacters: 2000, Overlap: 200}
}

// TextChunk is one window of the source text. Start and End are rune offsets, End exclusive.
type TextChunk struct {
	Index         int
	Content       string
	TokenEstimate int
	Start         int
	End           int
}

// EstimateTokens approximates a token count as one token per four characters, rounded up.
func EstimateTokens(s string) int {
	n := len([]rune(s))
	return (n + 3) / 4
}

// Split cuts text into overlapping windows of at most opts.MaxCharacters characters.
// Consecutive chunks share opts.Overlap characters. Empty text yields no chunks.
func Split(text string, opts ChunkOptions) ([]TextChunk, error) {
	if opts.MaxCharacters <= 0 {
		return nil, apperr.Configuration("chunk max characters must be positive, got %d", opts.MaxCharacters)
	}
	if opts.Overlap < 0 {
		return nil, apperr.Configuration("chunk overlap must not be negative, got %d", opts.Overlap)
	}
	step := opts.MaxCharacters - opts.Overlap
	if step <= 0 {
		return nil, apperr.Configuration("chunk overlap %d must be smaller than max characters %d", opts.Overlap, opts.MaxCharacters)
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	chunks := make([]TextChunk, 0, (len(runes)+step-1)/step)
	for start := 0; ; start += step {
		end := start + opts.MaxCharacters
		if end > len(runes) {
			end = len(runes)
		}
		content := string(runes[start:end])
		chunks = append(chunks, TextChunk{
			Index:         len(chunks),
			Content:       content,
			TokenEstimate: (end - start + 3) / 4,
			Start:         start,
			End:           end,
		})
		if end >= len(runes) {
			break
		}
	}
	return chunks, nil
}

// Hash returns the content hash stored with a chunk and used as its embedding cache key.
func (c TextChunk) Hash() string {
	return utils.ChecksumString(c.Content)
}
