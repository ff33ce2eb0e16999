package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/models"
)

func sampleResponse() *models.SearchResponse {
	return &models.SearchResponse{
		Query:     "refund window",
		QueryTime: 42,
		Results: []models.HybridResult{
			{
				ChunkID:       "c1",
				DocumentID:    "doc-1",
				DocumentTitle: "Refund Policy",
				Content:       "Refunds are issued within thirty days.",
				Tags:          []string{"billing"},
				Score:         0.9,
				RawScore:      0.72,
				Rank:          1,
				Source:        models.SourceVector,
			},
			{
				ChunkID:    "c2",
				DocumentID: "doc-2",
				Content:    "Keyword-only hit",
				Score:      0.4,
				Rank:       2,
				Source:     models.SourceKeyword,
			},
		},
		Contexts: []models.RetrievedContext{
			{
				ID:       "ctx-1",
				Rank:     1,
				Content:  "Refunds are issued within thirty days.",
				Metadata: models.ContextMetadata{Source: models.SourceVector, DocumentTitle: "Refund Policy"},
			},
		},
	}
}

func TestParseFormat(t *testing.T) {
	tests := map[string]OutputFormat{
		"json":   OutputJSON,
		" JSON ": OutputJSON,
		"text":   OutputText,
		"":       OutputText,
		"yaml":   OutputText,
	}
	for in, want := range tests {
		if got := ParseFormat(in); got != want {
			t.Errorf("ParseFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	response := sampleResponse()
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, response, OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded models.SearchResponse
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.Query != response.Query || decoded.QueryTime != response.QueryTime {
		t.Errorf("decoded query=%q query_time=%d, want %q %d", decoded.Query, decoded.QueryTime, response.Query, response.QueryTime)
	}
	if len(decoded.Results) != 2 || decoded.Results[0].DocumentID != "doc-1" {
		t.Errorf("decoded results: %+v", decoded.Results)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, sampleResponse(), OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	for _, sub := range []string{
		"Found 2 results in 42ms",
		"[vector] Rank: 1 | Score: 0.9000 (raw 0.7200)",
		"[keyword] Rank: 2",
		"Document: doc-1",
		"Title: Refund Policy",
		"Tags: billing",
		"--- Contexts ---",
		"1. Refund Policy (vector)",
	} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
	if strings.Count(out, "Title:") != 1 {
		t.Errorf("untitled result should not print a title line:\n%s", out)
	}
}

func TestWriteSearchResults_empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, &models.SearchResponse{Query: "x"}, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Found 0 results") {
		t.Errorf("got %q", buf.String())
	}
	if strings.Contains(buf.String(), "Contexts") {
		t.Errorf("no contexts section expected: %q", buf.String())
	}
}

func TestWriteDeadLetters(t *testing.T) {
	letters := []models.DeadLetter{{
		ID:        "dl-1",
		Queue:     "ingestion:dlq",
		JobID:     "job-7",
		Attempts:  3,
		LastError: strings.Repeat("x", 100),
		Payload:   json.RawMessage(`{"workspace_slug":"acme"}`),
		FailedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}

	var buf bytes.Buffer
	if err := WriteDeadLetters(&buf, letters, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, sub := range []string{"QUEUE", "ingestion:dlq", "job-7", "2026-03-01T12:00:00Z", strings.Repeat("x", 60) + "..."} {
		if !strings.Contains(out, sub) {
			t.Errorf("table missing %q:\n%s", sub, out)
		}
	}

	buf.Reset()
	if err := WriteDeadLetters(&buf, nil, OutputText); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "No dead letters." {
		t.Errorf("got %q", buf.String())
	}

	buf.Reset()
	if err := WriteDeadLetters(&buf, nil, OutputJSON); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty JSON list expected, got %q", buf.String())
	}
}

func TestWriteIngestion(t *testing.T) {
	reg := &ingest.Registration{
		Locator:    models.ObjectLocator{Bucket: "kb-acme", ObjectKey: "acme/1-faq.md", Workspace: "acme"},
		DocumentID: "doc-1",
	}
	out := ingest.Outcome{DocumentID: "doc-1", ChunksCreated: 4, Embedded: 3}

	var buf bytes.Buffer
	if err := WriteIngestion(&buf, reg, out, OutputText); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "Ingested acme/1-faq.md as document doc-1 (4 chunks, 3 embedded)\n" {
		t.Errorf("got %q", got)
	}

	buf.Reset()
	if err := WriteIngestion(&buf, reg, out, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["document_id"] != "doc-1" || decoded["outcome"].(map[string]any)["chunks_created"] != float64(4) {
		t.Errorf("unexpected JSON: %v", decoded)
	}

	buf.Reset()
	reg.Duplicate = true
	if err := WriteIngestion(&buf, reg, ingest.Outcome{}, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "Already ingested") {
		t.Errorf("got %q", buf.String())
	}
}

func TestTruncateWords(t *testing.T) {
	tests := []struct {
		name     string
		s        string
		maxWords int
		want     string
	}{
		{"empty", "", 3, ""},
		{"few words", "one two", 3, "one two"},
		{"exact", "one two three", 3, "one two three"},
		{"more", "one two three four", 3, "one two three..."},
		{"single long", "word", 1, "word"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateWords(tt.s, tt.maxWords); got != tt.want {
				t.Errorf("TruncateWords(%q, %d) = %q, want %q", tt.s, tt.maxWords, got, tt.want)
			}
		})
	}
}
