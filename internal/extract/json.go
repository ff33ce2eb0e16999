package extract

import (
	"bytes"
	"encoding/json"
)

// extractJSON pretty-prints the document with two-space indentation.
func extractJSON(content []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(content), "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}
