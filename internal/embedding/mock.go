package embedding

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/hyperjump/chishiki/pkg/utils"
)

// MockModel is the model identifier reported by MockProvider.
const MockModel = "mock-hash"

// MockProvider returns a deterministic unit vector derived from the text hash, so equal
// texts always embed identically. It counts calls for tests.
type MockProvider struct {
	dimensions int
	calls      atomic.Int64
}

// NewMockProvider returns a provider producing vectors of the given dimensions (384 when unset).
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockProvider{dimensions: dimensions}
}

// Embed returns the vector for text.
func (p *MockProvider) Embed(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p.calls.Add(1)
	h := HashString(text)
	vec := make([]float32, p.dimensions)
	for i := range vec {
		vec[i] = float32(math.Sin(float64(h*(i+1)))*0.1 + 0.01)
	}
	utils.NormalizeL2(vec)
	return Result{Vector: vec, TokenCount: len(SplitWords(text)), Model: MockModel}, nil
}

// Model returns MockModel.
func (p *MockProvider) Model() string { return MockModel }

// Calls returns how many times Embed ran.
func (p *MockProvider) Calls() int64 { return p.calls.Load() }
