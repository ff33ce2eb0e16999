package search

import (
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// SnippetLength is the number of characters of a chunk quoted in a citation.
const SnippetLength = 240

// BuildRetrievedContexts turns hybrid results into the ranked, deduplicated passages handed
// to the conversational agent. A non-positive maxContexts keeps every distinct chunk.
func BuildRetrievedContexts(results []models.HybridResult, maxContexts int, reasoning string) []models.RetrievedContext {
	top := MergeResults(results, maxContexts)
	contexts := make([]models.RetrievedContext, len(top))
	for i, r := range top {
		mime := r.MIMEType
		if mime == "" {
			mime = "unknown"
		}
		folders, tags := nonNil(r.FolderIDs), nonNil(r.Tags)
		contexts[i] = models.RetrievedContext{
			ID:         r.ChunkID,
			ChunkID:    r.ChunkID,
			DocumentID: r.DocumentID,
			Rank:       i + 1,
			Score:      r.Score,
			Content:    r.Content,
			Reasoning:  reasoning,
			Metadata: models.ContextMetadata{
				Source:        r.Source,
				MIMEType:      mime,
				FolderIDs:     folders,
				Tags:          tags,
				DocumentTitle: r.DocumentTitle,
			},
			Citations: []models.Citation{{
				ID:         r.DocumentID,
				ChunkID:    r.ChunkID,
				DocumentID: r.DocumentID,
				Title:      r.DocumentTitle,
				Snippet:    utils.Prefix(r.Content, SnippetLength),
				MIMEType:   r.MIMEType,
				FolderIDs:  folders,
				Tags:       tags,
				Score:      r.Score,
				Rank:       i + 1,
				SourceType: "kb",
			}},
		}
	}
	return contexts
}
