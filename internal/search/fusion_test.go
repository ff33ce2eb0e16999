package search

import (
	"math"
	"strings"
	"testing"

	"github.com/hyperjump/chishiki/internal/models"
)

func cand(id string, score float64) models.Candidate {
	return models.Candidate{ChunkID: id, DocumentID: "doc-" + id, DocumentTitle: "Document " + id, Content: "Content " + id, Score: score}
}

func TestFuse(t *testing.T) {
	vec := []models.Candidate{cand("a", 0.9), cand("b", 0.5)}
	kw := []models.Candidate{cand("c", 2.0), cand("a", 1.0)}

	results := Fuse(vec, kw, 0.35, 10)
	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	wantOrder := []struct {
		id     string
		source models.ResultSource
		raw    float64
	}{
		{"a", models.SourceVector, 0.9},
		{"c", models.SourceKeyword, 0.7},
		{"b", models.SourceVector, 0.5},
		{"a", models.SourceKeyword, 0.35},
	}
	for i, w := range wantOrder {
		r := results[i]
		if r.ChunkID != w.id || r.Source != w.source || math.Abs(r.RawScore-w.raw) > 1e-9 {
			t.Errorf("result %d = %s/%s raw %.3f, want %s/%s raw %.3f", i, r.ChunkID, r.Source, r.RawScore, w.id, w.source, w.raw)
		}
		if r.Rank != i+1 {
			t.Errorf("result %d rank = %d", i, r.Rank)
		}
	}
	if results[0].Score != 1 {
		t.Errorf("best result should normalize to 1, got %f", results[0].Score)
	}
	if math.Abs(results[1].Score-0.7/0.9) > 1e-9 {
		t.Errorf("normalized score = %f", results[1].Score)
	}
	if results[0].FolderIDs == nil || results[0].Tags == nil {
		t.Error("folder ids and tags should never be nil")
	}
}

func TestFuse_denseRankAndLimit(t *testing.T) {
	vec := []models.Candidate{cand("x", 0.5), cand("y", 0.5), cand("z", 0.2)}
	results := Fuse(vec, nil, 0.35, 2)
	if len(results) != 2 {
		t.Fatalf("limit not applied: %d results", len(results))
	}
	if results[0].Rank != 1 || results[1].Rank != 1 {
		t.Errorf("tied raw scores should share rank 1, got %d and %d", results[0].Rank, results[1].Rank)
	}
	if results[0].ChunkID != "x" || results[1].ChunkID != "y" {
		t.Error("ties should keep arrival order")
	}

	full := Fuse(vec, nil, 0.35, 0)
	if full[2].Rank != 2 {
		t.Errorf("rank after a tie should be dense, got %d", full[2].Rank)
	}
}

func TestFuse_nonPositiveMax(t *testing.T) {
	results := Fuse([]models.Candidate{cand("a", 0), cand("b", -0.2)}, nil, 0.35, 10)
	for _, r := range results {
		if r.Score != 0 {
			t.Errorf("score should be 0 when the best raw score is not positive, got %f", r.Score)
		}
	}
	if got := Fuse(nil, nil, 0.35, 10); len(got) != 0 {
		t.Errorf("expected no results, got %d", len(got))
	}
}

func hit(id string, score float64, source models.ResultSource) models.HybridResult {
	return models.HybridResult{ChunkID: id, DocumentID: "doc-" + id, DocumentTitle: "Document " + id, Content: "Content " + id, Score: score, Source: source}
}

func TestMergeResults(t *testing.T) {
	results := []models.HybridResult{
		hit("a", 0.4, models.SourceVector),
		hit("a", 0.9, models.SourceKeyword),
		hit("b", 0.7, models.SourceVector),
	}
	merged := MergeResults(results, 5)
	if len(merged) != 2 {
		t.Fatalf("expected 2 merged results, got %d", len(merged))
	}
	if merged[0].ChunkID != "a" || merged[0].Score != 0.9 || merged[0].Source != models.SourceKeyword {
		t.Errorf("first = %+v", merged[0])
	}
	if merged[1].ChunkID != "b" {
		t.Errorf("second = %s", merged[1].ChunkID)
	}

	tied := MergeResults([]models.HybridResult{hit("p", 0.5, models.SourceVector), hit("q", 0.5, models.SourceVector), hit("p", 0.5, models.SourceKeyword)}, 0)
	if len(tied) != 2 || tied[0].ChunkID != "p" || tied[0].Source != models.SourceVector || tied[1].ChunkID != "q" {
		t.Errorf("ties should keep the first arrival: %+v", tied)
	}

	if got := MergeResults(results, 1); len(got) != 1 || got[0].ChunkID != "a" {
		t.Errorf("truncation: %+v", got)
	}
}

func TestBuildRetrievedContexts(t *testing.T) {
	long := strings.Repeat("é", 300)
	a := hit("a", 0.8, models.SourceVector)
	a.Content = long
	b := hit("b", 0.6, models.SourceKeyword)
	b.MIMEType = "text/plain"

	contexts := BuildRetrievedContexts([]models.HybridResult{b, a}, 1, "hybrid")
	if len(contexts) != 1 {
		t.Fatalf("expected 1 context, got %d", len(contexts))
	}
	c := contexts[0]
	if c.ChunkID != "a" || c.ID != "a" || c.Rank != 1 || c.Reasoning != "hybrid" {
		t.Errorf("context = %+v", c)
	}
	if c.Metadata.MIMEType != "unknown" || c.Metadata.DocumentTitle != "Document a" || c.Metadata.Source != models.SourceVector {
		t.Errorf("metadata = %+v", c.Metadata)
	}
	if len(c.Citations) != 1 {
		t.Fatalf("expected one citation, got %d", len(c.Citations))
	}
	cit := c.Citations[0]
	if cit.SourceType != "kb" || cit.ID != "doc-a" || cit.Rank != 1 {
		t.Errorf("citation = %+v", cit)
	}
	if n := len([]rune(cit.Snippet)); n != SnippetLength {
		t.Errorf("snippet length = %d runes", n)
	}
	if cit.MIMEType != "" {
		t.Errorf("citation mime type should stay empty, got %q", cit.MIMEType)
	}

	all := BuildRetrievedContexts([]models.HybridResult{b, a}, 0, "")
	if len(all) != 2 || all[1].Metadata.MIMEType != "text/plain" || all[1].Rank != 2 {
		t.Errorf("all contexts = %+v", all)
	}
}
