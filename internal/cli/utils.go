// Package cli formats command output for chishiki.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat maps a flag value to an OutputFormat. Unknown values are text.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), string(OutputJSON)) {
		return OutputJSON
	}
	return OutputText
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes a hybrid search response to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d results in %dms\n\n", len(response.Results), response.QueryTime)
	for _, r := range response.Results {
		fmt.Fprintln(w, "─────────────────────────────────────────────────────────")
		fmt.Fprintf(w, "[%s] Rank: %d | Score: %.4f (raw %.4f)\n", r.Source, r.Rank, r.Score, r.RawScore)
		fmt.Fprintf(w, "Document: %s\n", r.DocumentID)
		if r.DocumentTitle != "" {
			fmt.Fprintf(w, "Title: %s\n", r.DocumentTitle)
		}
		if len(r.Tags) > 0 {
			fmt.Fprintf(w, "Tags: %s\n", strings.Join(r.Tags, ", "))
		}
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(r.Content, 200))
	}
	if len(response.Contexts) > 0 {
		fmt.Fprintln(w, "--- Contexts ---")
		for _, c := range response.Contexts {
			fmt.Fprintf(w, "%d. %s (%s) %s\n", c.Rank, c.Metadata.DocumentTitle, c.Metadata.Source, TruncateWords(c.Content, 24))
		}
	}
	return nil
}

// WriteDeadLetters lists dead letters as a table, or as JSON.
func WriteDeadLetters(w io.Writer, letters []models.DeadLetter, format OutputFormat) error {
	if format == OutputJSON {
		if letters == nil {
			letters = []models.DeadLetter{}
		}
		return writeJSON(w, letters)
	}
	if len(letters) == 0 {
		fmt.Fprintln(w, "No dead letters.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAILED\tQUEUE\tJOB\tATTEMPTS\tERROR")
	for _, dl := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			dl.FailedAt.Format(time.RFC3339), dl.Queue, dl.JobID, dl.Attempts, utils.Truncate(dl.LastError, 60))
	}
	return tw.Flush()
}

// WriteIngestion reports the result of a local ingest.
func WriteIngestion(w io.Writer, reg *ingest.Registration, out ingest.Outcome, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, struct {
			*ingest.Registration
			Outcome ingest.Outcome `json:"outcome"`
		}{reg, out})
	}
	if reg.Duplicate {
		fmt.Fprintf(w, "Already ingested as document %s\n", reg.DocumentID)
		return nil
	}
	fmt.Fprintf(w, "Ingested %s as document %s (%d chunks, %d embedded)\n",
		reg.Locator.ObjectKey, reg.DocumentID, out.ChunksCreated, out.Embedded)
	return nil
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
