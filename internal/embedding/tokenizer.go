package embedding

import (
	"strings"
	"unicode"
)

// BERT special token ids.
const (
	tokenCLS = 101
	tokenSEP = 102
	// vocabSize bounds hashed ids to the range of a base BERT vocabulary.
	vocabSize = 30000
)

// Tokenizer produces the three BERT input tensors for one text, padded to maxTokens.
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// SimpleTokenizer lower-cases whitespace-separated words and hashes them into the
// vocabulary range. It stands in for a WordPiece vocabulary.
type SimpleTokenizer struct{}

// Tokenize returns [CLS] word... [SEP] followed by padding. Words beyond maxTokens-2 are dropped.
func (t *SimpleTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens < 2 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	inputIDs[0], attentionMask[0] = tokenCLS, 1
	pos := 1
	for _, word := range SplitWords(text) {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = int64(HashString(strings.ToLower(word)) % vocabSize)
		attentionMask[pos] = 1
		pos++
	}
	inputIDs[pos], attentionMask[pos] = tokenSEP, 1
	return inputIDs, attentionMask, tokenTypeIDs
}

// SplitWords splits text on Unicode whitespace. It returns nil for blank text.
func SplitWords(text string) []string {
	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) == 0 {
		return nil
	}
	return words
}

// HashString is a deterministic, non-negative 31-multiplier string hash.
func HashString(s string) int {
	h := 0
	for _, c := range s {
		h = 31*h + int(c)
	}
	if h < 0 {
		h = -h
	}
	return h
}
