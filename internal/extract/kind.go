package extract

import (
	"mime"
	"path/filepath"
	"strings"
)

// Kind is the closed set of document kinds the parser dispatches on.
type Kind string

const (
	KindPDF      Kind = "pdf"
	KindDOCX     Kind = "docx"
	KindHTML     Kind = "html"
	KindJSON     Kind = "json"
	KindMarkdown Kind = "markdown"
	KindText     Kind = "txt"
	KindUnknown  Kind = "unknown"
)

// MIMEDOCX is the registered MIME type of Office Open XML word processing documents.
const MIMEDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// KindFromName infers the document kind from the file name, falling back to the MIME type.
// Checks run in a fixed order so a ".md" file declared as text/plain is still markdown.
func KindFromName(name, mimeType string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	mt := BaseMIMEType(mimeType)
	switch {
	case ext == ".pdf" || mt == "application/pdf":
		return KindPDF
	case ext == ".html" || ext == ".htm" || mt == "text/html":
		return KindHTML
	case ext == ".docx" || mt == MIMEDOCX:
		return KindDOCX
	case ext == ".md" || ext == ".markdown":
		return KindMarkdown
	case ext == ".json" || mt == "application/json":
		return KindJSON
	case ext == ".txt" || strings.HasPrefix(mt, "text/"):
		return KindText
	}
	return KindUnknown
}

// BaseMIMEType lower-cases a MIME type and drops its parameters ("text/plain; charset=utf-8" → "text/plain").
func BaseMIMEType(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// MIMETypeFor returns the canonical MIME type for a file name, or "" when unknown.
func MIMETypeFor(name string) string {
	switch KindFromName(name, "") {
	case KindPDF:
		return "application/pdf"
	case KindDOCX:
		return MIMEDOCX
	case KindHTML:
		return "text/html"
	case KindJSON:
		return "application/json"
	case KindMarkdown:
		return "text/markdown"
	case KindText:
		return "text/plain"
	}
	return ""
}
