package models

import (
	"fmt"
	"strings"
)

// ResultSource tells which retrieval branch produced a hybrid result.
type ResultSource string

const (
	SourceVector  ResultSource = "vector"
	SourceKeyword ResultSource = "keyword"
)

// SearchFilters restricts both retrieval branches to the same candidate set.
// WorkspaceID is mandatory; the other fields match when any listed value matches.
type SearchFilters struct {
	WorkspaceID string   `json:"workspace_id"`
	FolderIDs   []string `json:"folder_ids,omitempty"`
	TagLabels   []string `json:"tag_labels,omitempty"`
	MIMETypes   []string `json:"mime_types,omitempty"`
}

// Candidate is a chunk returned by one retrieval branch with its raw branch score.
type Candidate struct {
	ChunkID       string   `json:"chunk_id"`
	DocumentID    string   `json:"document_id"`
	DocumentTitle string   `json:"document_title"`
	Content       string   `json:"content"`
	MIMEType      string   `json:"mime_type,omitempty"`
	FolderIDs     []string `json:"folder_ids"`
	Tags          []string `json:"tags"`
	Score         float64  `json:"score"`
}

// HybridResult is one fused search hit.
type HybridResult struct {
	ChunkID       string       `json:"chunk_id"`
	DocumentID    string       `json:"document_id"`
	DocumentTitle string       `json:"document_title"`
	Content       string       `json:"content"`
	MIMEType      string       `json:"mime_type,omitempty"`
	FolderIDs     []string     `json:"folder_ids"`
	Tags          []string     `json:"tags"`
	Score         float64      `json:"score"`
	RawScore      float64      `json:"raw_score"`
	Rank          int          `json:"rank"`
	Source        ResultSource `json:"source"`
}

// SearchRequest is the wire form of a hybrid search call.
// When Embedding is empty the server embeds Query with the configured provider.
type SearchRequest struct {
	Query        string        `json:"query"`
	Embedding    []float32     `json:"embedding,omitempty"`
	Filters      SearchFilters `json:"filters"`
	VectorK      int           `json:"vector_k,omitempty"`
	KeywordK     int           `json:"keyword_k,omitempty"`
	KeywordBoost *float64      `json:"keyword_boost,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	MaxContexts  int           `json:"max_contexts,omitempty"`
}

// Validate trims the query and requires a workspace. Zero numeric fields are left for
// the engine's defaults.
func (r *SearchRequest) Validate() error {
	r.Query = strings.TrimSpace(r.Query)
	if r.Query == "" && len(r.Embedding) == 0 {
		return fmt.Errorf("query cannot be empty")
	}
	if r.Filters.WorkspaceID == "" {
		return fmt.Errorf("workspace is required")
	}
	if r.Limit < 0 || r.VectorK < 0 || r.KeywordK < 0 {
		return fmt.Errorf("limits cannot be negative")
	}
	if r.KeywordBoost != nil && *r.KeywordBoost < 0 {
		return fmt.Errorf("keyword_boost cannot be negative")
	}
	return nil
}

// SearchResponse is returned by the search endpoint and the CLI.
type SearchResponse struct {
	Query     string             `json:"query"`
	Results   []HybridResult     `json:"results"`
	Contexts  []RetrievedContext `json:"contexts,omitempty"`
	QueryTime int64              `json:"query_time_ms"`
}

// Citation points the agent back at the source passage of a context.
type Citation struct {
	ID         string   `json:"id"`
	ChunkID    string   `json:"chunk_id"`
	DocumentID string   `json:"document_id"`
	Title      string   `json:"title"`
	Snippet    string   `json:"snippet"`
	MIMEType   string   `json:"mime_type,omitempty"`
	FolderIDs  []string `json:"folder_ids"`
	Tags       []string `json:"tags"`
	Score      float64  `json:"score"`
	Rank       int      `json:"rank"`
	SourceType string   `json:"source_type"`
}

// ContextMetadata describes where a retrieved context came from.
type ContextMetadata struct {
	Source        ResultSource `json:"source"`
	MIMEType      string       `json:"mime_type"`
	FolderIDs     []string     `json:"folder_ids"`
	Tags          []string     `json:"tags"`
	DocumentTitle string       `json:"document_title"`
}

// RetrievedContext is a deduplicated, ranked passage handed to the conversational agent.
type RetrievedContext struct {
	ID         string          `json:"id"`
	ChunkID    string          `json:"chunk_id"`
	DocumentID string          `json:"document_id"`
	Rank       int             `json:"rank"`
	Score      float64         `json:"score"`
	Content    string          `json:"content"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Metadata   ContextMetadata `json:"metadata"`
	Citations  []Citation      `json:"citations"`
}
