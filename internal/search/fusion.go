package search

import (
	"sort"

	"github.com/hyperjump/chishiki/internal/models"
)

// Fuse merges the two branches into one ranked list. Keyword scores are scaled by
// keywordBoost so they compete with cosine similarities. Results are ordered by raw score
// (stable, vector hits first on ties), ranked densely and normalized by the best raw
// score. A chunk found by both branches appears once per branch; see MergeResults.
func Fuse(vectorHits, keywordHits []models.Candidate, keywordBoost float64, limit int) []models.HybridResult {
	results := make([]models.HybridResult, 0, len(vectorHits)+len(keywordHits))
	for _, c := range vectorHits {
		results = append(results, hybrid(c, c.Score, models.SourceVector))
	}
	for _, c := range keywordHits {
		results = append(results, hybrid(c, c.Score*keywordBoost, models.SourceKeyword))
	}
	if len(results) == 0 {
		return results
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].RawScore > results[j].RawScore })

	maxRaw := results[0].RawScore
	rank := 0
	for i := range results {
		if i == 0 || results[i].RawScore != results[i-1].RawScore {
			rank++
		}
		results[i].Rank = rank
		if maxRaw > 0 {
			results[i].Score = results[i].RawScore / maxRaw
		}
	}

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func hybrid(c models.Candidate, raw float64, source models.ResultSource) models.HybridResult {
	return models.HybridResult{
		ChunkID:       c.ChunkID,
		DocumentID:    c.DocumentID,
		DocumentTitle: c.DocumentTitle,
		Content:       c.Content,
		MIMEType:      c.MIMEType,
		FolderIDs:     nonNil(c.FolderIDs),
		Tags:          nonNil(c.Tags),
		RawScore:      raw,
		Source:        source,
	}
}

// MergeResults keeps the highest-scoring result per chunk and returns at most max of them,
// best first. A chunk keeps the position of its first arrival, so equal scores stay in
// arrival order. A non-positive max keeps everything.
func MergeResults(results []models.HybridResult, max int) []models.HybridResult {
	merged := make([]models.HybridResult, 0, len(results))
	pos := make(map[string]int, len(results))
	for _, r := range results {
		if i, ok := pos[r.ChunkID]; ok {
			if r.Score > merged[i].Score {
				merged[i] = r
			}
			continue
		}
		pos[r.ChunkID] = len(merged)
		merged = append(merged, r)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if max > 0 && len(merged) > max {
		merged = merged[:max]
	}
	return merged
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
