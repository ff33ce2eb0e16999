package search

import (
	"errors"
	"fmt"

	"github.com/hyperjump/chishiki/internal/models"
)

// ErrInvalidRequest is returned for malformed search requests.
var ErrInvalidRequest = errors.New("invalid search request")

// ProcessRequest validates req and converts it into engine parameters. Zero limits are
// left for the engine defaults.
func ProcessRequest(req *models.SearchRequest) (Params, error) {
	if err := req.Validate(); err != nil {
		return Params{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return Params{
		Query:        req.Query,
		Embedding:    req.Embedding,
		Filters:      req.Filters,
		VectorK:      req.VectorK,
		KeywordK:     req.KeywordK,
		KeywordBoost: req.KeywordBoost,
		Limit:        req.Limit,
	}, nil
}
