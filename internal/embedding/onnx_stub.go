//go:build !cgo

package embedding

import (
	"context"

	"github.com/hyperjump/chishiki/internal/apperr"
)

// ONNXProvider is unavailable without cgo.
type ONNXProvider struct{}

// NewONNXProvider always fails in builds without cgo.
func NewONNXProvider(string, int, int) (*ONNXProvider, error) {
	return nil, apperr.Configuration("onnx provider requires cgo and the onnxruntime library")
}

func (p *ONNXProvider) Embed(context.Context, string) (Result, error) {
	return Result{}, apperr.Configuration("onnx provider requires cgo")
}

func (p *ONNXProvider) Model() string { return "onnx" }

func (p *ONNXProvider) Close() error { return nil }
