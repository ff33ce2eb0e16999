package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/audit"
	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/objectstore"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// IngestionEvent is the audit event name of every ingestion attempt.
const IngestionEvent = "ingestion"

// DocumentStore is the persistence the orchestrator needs.
type DocumentStore interface {
	DocumentByObjectKey(ctx context.Context, workspaceSlug, objectKey string) (*models.Document, *models.File, error)
	SetDocumentStatus(ctx context.Context, id string, status models.DocumentStatus) error
	CommitIngestion(ctx context.Context, documentID, fileID string, chunks []models.Chunk) (int, error)
}

// UploadContext describes an upload as the caller saw it.
type UploadContext struct {
	WorkspaceSlug string `json:"workspace_slug"`
	UploaderID    string `json:"uploader_id,omitempty"`
	Filename      string `json:"filename"`
	Size          int64  `json:"size"`
	MIMEType      string `json:"mime_type,omitempty"`
}

// Outcome reports what one ingestion produced.
type Outcome struct {
	DocumentID    string `json:"document_id"`
	ChunksCreated int    `json:"chunks_created"`
	Embedded      int    `json:"embedded"`
	TokenCount    int    `json:"token_count"`
}

// Orchestrator runs fetch → parse → chunk → persist → embed for one stored object.
type Orchestrator struct {
	docs      DocumentStore
	objects   objectstore.Store
	extractor *extract.Extractor
	chunking  ChunkOptions
	cache     *embedding.Cache
	provider  embedding.Provider
	audit     audit.Sink
	logger    *zap.Logger
	timeout   time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithChunkOptions overrides DefaultChunkOptions.
func WithChunkOptions(opts ChunkOptions) Option { return func(o *Orchestrator) { o.chunking = opts } }

// WithEmbeddings attaches embeddings after each commit. A nil provider disables embedding.
func WithEmbeddings(cache *embedding.Cache, provider embedding.Provider) Option {
	return func(o *Orchestrator) { o.cache, o.provider = cache, provider }
}

// WithAudit sets the audit sink.
func WithAudit(s audit.Sink) Option { return func(o *Orchestrator) { o.audit = s } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithExtractor replaces the default extractor.
func WithExtractor(e *extract.Extractor) Option { return func(o *Orchestrator) { o.extractor = e } }

// WithFetchTimeout bounds the object download.
func WithFetchTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.timeout = d } }

// NewOrchestrator returns an orchestrator reading objects from objects and writing to docs.
func NewOrchestrator(docs DocumentStore, objects objectstore.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		docs:     docs,
		objects:  objects,
		chunking: DefaultChunkOptions(),
		audit:    audit.Nop{},
		timeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = utils.OrNop(o.logger)
	if o.extractor == nil {
		o.extractor = extract.NewExtractor(extract.WithLogger(o.logger))
	}
	return o
}

// Ingest turns the object at loc into chunks of its document. Chunks replace any from an
// earlier run in the same transaction, so retries are idempotent. Embedding runs after
// the commit and its failures do not fail the ingestion. A failed re-ingestion of a ready
// document leaves it ready with its previous chunks.
func (o *Orchestrator) Ingest(ctx context.Context, loc models.ObjectLocator, uc UploadContext) (out Outcome, err error) {
	start := time.Now()
	slug := uc.WorkspaceSlug
	if slug == "" {
		slug = loc.Workspace
	}
	defer func() {
		e := audit.Event{
			Name:      IngestionEvent,
			Workspace: slug,
			Actor:     uc.UploaderID,
			Filename:  uc.Filename,
			Size:      uc.Size,
			Duration:  time.Since(start),
			Outcome:   audit.OutcomeSuccess,
			Fields: map[string]any{
				"object_key":  loc.ObjectKey,
				"document_id": out.DocumentID,
				"chunks":      out.ChunksCreated,
				"embedded":    out.Embedded,
			},
		}
		if err != nil {
			e.Outcome = audit.OutcomeFailure
			e.Reason = err.Error()
		}
		o.audit.Record(ctx, e)
	}()

	doc, file, err := o.docs.DocumentByObjectKey(ctx, slug, loc.ObjectKey)
	if err != nil {
		return out, err
	}
	out.DocumentID = doc.ID
	prior := doc.Status

	if err := o.docs.SetDocumentStatus(ctx, doc.ID, models.DocumentEmbedding); err != nil {
		return out, err
	}

	chunks, err := o.prepare(ctx, loc, file, doc, uc)
	if err != nil {
		o.markFailed(ctx, doc.ID, prior, err)
		return out, err
	}

	tokens, err := o.docs.CommitIngestion(ctx, doc.ID, file.ID, chunks)
	if err != nil {
		o.markFailed(ctx, doc.ID, prior, err)
		return out, fmt.Errorf("commit %s: %w", loc.ObjectKey, err)
	}
	out.ChunksCreated = len(chunks)
	out.TokenCount = tokens

	out.Embedded = o.embed(ctx, doc.ID, chunks)

	o.logger.Info("document ingested",
		zap.String("workspace", slug),
		zap.String("object_key", loc.ObjectKey),
		zap.String("document_id", doc.ID),
		zap.Int("chunks", out.ChunksCreated),
		zap.Int("embedded", out.Embedded),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

func (o *Orchestrator) prepare(ctx context.Context, loc models.ObjectLocator, file *models.File, doc *models.Document, uc UploadContext) ([]models.Chunk, error) {
	bucket := loc.Bucket
	if bucket == "" {
		bucket = file.Bucket
	}
	fetchCtx, cancel := context.WithTimeout(ctx, o.timeout)
	data, err := o.objects.Get(fetchCtx, bucket, loc.ObjectKey)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", loc.ObjectKey, err)
	}

	meta := extract.Metadata{
		Name:     firstNonEmpty(uc.Filename, doc.Title),
		MIMEType: firstNonEmpty(uc.MIMEType, file.MIMEType),
		Size:     int64(len(data)),
		Checksum: file.Checksum,
	}
	text := o.extractor.Parse(data, meta)

	pieces, err := Split(text, o.chunking)
	if err != nil {
		return nil, err
	}
	chunks := make([]models.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = models.Chunk{
			DocumentID:  doc.ID,
			Index:       p.Index,
			Content:     p.Content,
			TokenCount:  p.TokenEstimate,
			ContentHash: p.Hash(),
			RangeStart:  p.Start,
			RangeEnd:    p.End,
		}
	}
	return chunks, nil
}

func (o *Orchestrator) embed(ctx context.Context, documentID string, chunks []models.Chunk) int {
	if o.cache == nil || o.provider == nil {
		return 0
	}
	embedded, failed := 0, 0
	for _, c := range chunks {
		if ctx.Err() != nil {
			failed += len(chunks) - embedded - failed
			break
		}
		if _, err := o.cache.AttachToChunk(ctx, c.ID, c.Content, o.provider, c.TokenCount); err != nil {
			failed++
			o.logger.Warn("embedding failed",
				zap.String("document_id", documentID),
				zap.String("chunk_id", c.ID),
				zap.Error(err),
			)
			continue
		}
		embedded++
	}
	if failed > 0 {
		o.logger.Warn("document embedded partially",
			zap.String("document_id", documentID),
			zap.Int("embedded", embedded),
			zap.Int("failed", failed),
		)
	}
	return embedded
}

func (o *Orchestrator) markFailed(ctx context.Context, documentID string, prior models.DocumentStatus, cause error) {
	status := models.DocumentFailed
	if prior == models.DocumentReady {
		status = models.DocumentReady
		o.logger.Warn("re-ingestion failed, keeping previous chunks",
			zap.String("document_id", documentID),
			zap.Error(cause),
		)
	}
	if err := o.docs.SetDocumentStatus(context.WithoutCancel(ctx), documentID, status); err != nil {
		o.logger.Error("failed to restore document status",
			zap.String("document_id", documentID),
			zap.String("status", string(status)),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
