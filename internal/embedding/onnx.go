//go:build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/hyperjump/chishiki/pkg/utils"
)

// ONNXProvider runs a local BERT-style sentence embedding model through ONNX Runtime.
// It requires cgo and the onnxruntime shared library.
type ONNXProvider struct {
	session    *ort.AdvancedSession
	modelPath  string
	dimensions int
	maxTokens  int
	tokenizer  Tokenizer

	// Tensors are bound to the session once; Embed rewrites their data in place.
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	output        *ort.Tensor[float32]
	mu            sync.Mutex
}

// NewONNXProvider loads the model at modelPath.
func NewONNXProvider(modelPath string, dimensions, maxTokens int) (*ONNXProvider, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}
	if dimensions <= 0 || maxTokens <= 0 {
		return nil, fmt.Errorf("dimensions and max tokens must be positive")
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
	}

	p := &ONNXProvider{
		modelPath:  modelPath,
		dimensions: dimensions,
		maxTokens:  maxTokens,
		tokenizer:  &SimpleTokenizer{},
	}
	ids, mask, types := p.tokenizer.Tokenize("", maxTokens)
	shape := ort.NewShape(1, int64(maxTokens))

	var err error
	if p.inputIDs, err = ort.NewTensor(shape, ids); err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	if p.attentionMask, err = ort.NewTensor(shape, mask); err != nil {
		p.Close()
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	if p.tokenTypeIDs, err = ort.NewTensor(shape, types); err != nil {
		p.Close()
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	if p.output, err = ort.NewTensor(ort.NewShape(1, int64(dimensions)), make([]float32, dimensions)); err != nil {
		p.Close()
		return nil, fmt.Errorf("output tensor: %w", err)
	}

	p.session, err = ort.NewAdvancedSession(
		modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"output"},
		[]ort.ArbitraryTensor{p.inputIDs, p.attentionMask, p.tokenTypeIDs},
		[]ort.ArbitraryTensor{p.output},
		nil,
	)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return p, nil
}

// Embed runs one inference. Calls are serialized because the tensors are shared.
func (p *ONNXProvider) Embed(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ids, mask, types := p.tokenizer.Tokenize(text, p.maxTokens)
	copy(p.inputIDs.GetData(), ids)
	copy(p.attentionMask.GetData(), mask)
	copy(p.tokenTypeIDs.GetData(), types)

	if err := p.session.Run(); err != nil {
		return Result{}, fmt.Errorf("onnx inference: %w", err)
	}

	vec := make([]float32, p.dimensions)
	copy(vec, p.output.GetData())
	utils.NormalizeL2(vec)

	tokens := 0
	for _, m := range mask {
		tokens += int(m)
	}
	return Result{Vector: vec, TokenCount: tokens, Model: p.Model()}, nil
}

// Model identifies the provider by its model file.
func (p *ONNXProvider) Model() string { return "onnx:" + p.modelPath }

// Close destroys the session and tensors.
func (p *ONNXProvider) Close() error {
	var err error
	if p.session != nil {
		err = p.session.Destroy()
		p.session = nil
	}
	if p.inputIDs != nil {
		_ = p.inputIDs.Destroy()
		p.inputIDs = nil
	}
	if p.attentionMask != nil {
		_ = p.attentionMask.Destroy()
		p.attentionMask = nil
	}
	if p.tokenTypeIDs != nil {
		_ = p.tokenTypeIDs.Destroy()
		p.tokenTypeIDs = nil
	}
	if p.output != nil {
		_ = p.output.Destroy()
		p.output = nil
	}
	return err
}
