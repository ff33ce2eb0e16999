// Package extract turns raw document bytes into plain text. Parsing never fails: a kind
// whose backend cannot read the input yields a fixed "unable to parse" sentence instead,
// so ingestion continues with degraded content.
package extract

import (
	"go.uber.org/zap"
)

// Sentinel bodies returned when a backend cannot read the document.
const (
	UnparsablePDF  = "Unable to parse PDF in this environment."
	UnparsableDOCX = "Unable to parse DOCX in this environment."
	UnparsableHTML = "Unable to parse HTML in this environment."
)

// Metadata is what the parser knows about a document besides its bytes.
type Metadata struct {
	Name     string
	MIMEType string
	Size     int64
	Checksum string
}

// Kind returns the document kind inferred from name and MIME type.
func (m Metadata) Kind() Kind {
	return KindFromName(m.Name, m.MIMEType)
}

type handler struct {
	extract  func([]byte) (string, error)
	fallback func([]byte) string
}

func sentinel(s string) func([]byte) string {
	return func([]byte) string { return s }
}

var handlers = map[Kind]handler{
	KindPDF:      {extract: extractPDF, fallback: sentinel(UnparsablePDF)},
	KindDOCX:     {extract: extractDOCX, fallback: sentinel(UnparsableDOCX)},
	KindHTML:     {extract: extractHTML, fallback: sentinel(UnparsableHTML)},
	KindJSON:     {extract: extractJSON, fallback: plainText},
	KindMarkdown: {extract: extractMarkdown, fallback: plainText},
	KindText:     {extract: extractPlain, fallback: plainText},
	KindUnknown:  {extract: extractPlain, fallback: plainText},
}

// Extractor extracts plain text from document bytes.
type Extractor struct {
	logger *zap.Logger
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithLogger sets a logger for degraded-parse warnings.
func WithLogger(l *zap.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor returns a new Extractor.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Parse returns the text of content, dispatching on the kind inferred from meta.
func (e *Extractor) Parse(content []byte, meta Metadata) string {
	kind := meta.Kind()
	h, ok := handlers[kind]
	if !ok {
		h = handlers[KindUnknown]
	}
	text, err := h.extract(content)
	if err != nil {
		e.logger.Warn("parser degraded",
			zap.String("kind", string(kind)),
			zap.String("filename", meta.Name),
			zap.Error(err),
		)
		return h.fallback(content)
	}
	return text
}

// Parse extracts text without logging.
func Parse(content []byte, meta Metadata) string {
	return NewExtractor().Parse(content, meta)
}
