package ingest

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/objectstore"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// RegistryStore is the persistence the registrar needs.
type RegistryStore interface {
	EnsureWorkspace(ctx context.Context, slug string) (*models.Workspace, error)
	FindDocumentByChecksum(ctx context.Context, workspaceID, checksum string) (*models.Document, *models.File, error)
	CreateFileAndDocument(ctx context.Context, file *models.File, doc *models.Document) error
}

// BufferWriter stores a whole buffer at a locator.
type BufferWriter interface {
	PutBuffer(ctx context.Context, loc models.ObjectLocator, data []byte, mimeType string) (*models.UploadResult, error)
}

// Registration is where an upload's bytes live and whether they were already known.
type Registration struct {
	Locator    models.ObjectLocator `json:"locator"`
	FileID     string               `json:"file_id,omitempty"`
	DocumentID string               `json:"document_id,omitempty"`
	Duplicate  bool                 `json:"duplicate"`
}

// Registrar stores uploads in the workspace bucket and creates their File and Document
// rows. Uploads whose checksum matches a live document in the workspace are not stored
// twice.
type Registrar struct {
	store    RegistryStore
	objects  objectstore.Store
	writer   BufferWriter
	ingester *Orchestrator
	prefix   string
	logger   *zap.Logger
	now      func() time.Time
}

// RegistrarOption configures a Registrar.
type RegistrarOption func(*Registrar)

// WithBufferWriter routes single-buffer uploads through w instead of a plain Put.
func WithBufferWriter(w BufferWriter) RegistrarOption { return func(r *Registrar) { r.writer = w } }

// WithIngester enables IngestBuffer.
func WithIngester(o *Orchestrator) RegistrarOption { return func(r *Registrar) { r.ingester = o } }

// WithRegistrarLogger sets the logger.
func WithRegistrarLogger(l *zap.Logger) RegistrarOption { return func(r *Registrar) { r.logger = l } }

// WithRegistrarClock sets the clock used in object keys.
func WithRegistrarClock(now func() time.Time) RegistrarOption {
	return func(r *Registrar) { r.now = now }
}

// NewRegistrar returns a registrar writing to {bucketPrefix}-{slug} buckets.
func NewRegistrar(store RegistryStore, objects objectstore.Store, bucketPrefix string, opts ...RegistrarOption) *Registrar {
	r := &Registrar{store: store, objects: objects, prefix: bucketPrefix, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.writer == nil {
		r.writer = putWriter{objects}
	}
	r.logger = utils.OrNop(r.logger)
	return r
}

// Bucket returns the workspace bucket name.
func (r *Registrar) Bucket(slug string) string {
	return objectstore.BucketName(r.prefix, slug)
}

// EnsureBucket creates the workspace bucket if it does not exist.
func (r *Registrar) EnsureBucket(ctx context.Context, slug string) error {
	if err := r.objects.EnsureBucket(ctx, r.Bucket(slug)); err != nil {
		return fmt.Errorf("ensure bucket for %s: %w", slug, err)
	}
	return nil
}

// ObjectKey returns a fresh key {slug}/{unixMillis}-{filename}.
func (r *Registrar) ObjectKey(slug, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return fmt.Sprintf("%s/%d-%s", strings.ToLower(slug), r.now().UnixMilli(), name)
}

// Locator returns a fresh locator for a new upload of filename.
func (r *Registrar) Locator(slug, filename string) models.ObjectLocator {
	return models.ObjectLocator{
		Bucket:    r.Bucket(slug),
		ObjectKey: r.ObjectKey(slug, filename),
		Workspace: strings.ToLower(slug),
	}
}

// RecordBuffer stores data and creates its File and Document rows, unless a document whose
// source file has the same checksum already exists in the workspace.
func (r *Registrar) RecordBuffer(ctx context.Context, data []byte, uc UploadContext) (*Registration, error) {
	ws, err := r.workspace(ctx, uc.WorkspaceSlug)
	if err != nil {
		return nil, err
	}
	checksum := utils.Checksum(data)
	if reg, ok, err := r.existing(ctx, ws, checksum); err != nil || ok {
		return reg, err
	}

	if err := r.EnsureBucket(ctx, ws.Slug); err != nil {
		return nil, err
	}
	loc := r.Locator(ws.Slug, uc.Filename)
	res, err := r.writer.PutBuffer(ctx, loc, data, uc.MIMEType)
	if err != nil {
		return nil, err
	}
	if uc.Size <= 0 {
		uc.Size = res.Size
	}
	return r.create(ctx, ws, res.ObjectLocator, checksum, uc)
}

// RegisterCompleted creates File and Document rows for an object written by the resumable
// upload manager. A duplicate of an existing file is deleted from object storage and the
// existing registration returned.
func (r *Registrar) RegisterCompleted(ctx context.Context, res *models.UploadResult, uc UploadContext) (*Registration, error) {
	if uc.WorkspaceSlug == "" {
		uc.WorkspaceSlug = res.Workspace
	}
	ws, err := r.workspace(ctx, uc.WorkspaceSlug)
	if err != nil {
		return nil, err
	}
	reg, ok, err := r.existing(ctx, ws, res.Checksum)
	if err != nil {
		return nil, err
	}
	if ok {
		if reg.Locator.ObjectKey != res.ObjectKey {
			if derr := r.objects.Delete(ctx, res.Bucket, res.ObjectKey); derr != nil {
				r.logger.Warn("failed to delete duplicate upload",
					zap.String("workspace", ws.Slug),
					zap.String("object_key", res.ObjectKey),
					zap.Error(derr),
				)
			}
		}
		return reg, nil
	}
	if uc.Size <= 0 {
		uc.Size = res.Size
	}
	if uc.MIMEType == "" {
		uc.MIMEType = res.MIMEType
	}
	return r.create(ctx, ws, res.ObjectLocator, res.Checksum, uc)
}

// IngestBuffer records data and ingests it synchronously.
func (r *Registrar) IngestBuffer(ctx context.Context, data []byte, uc UploadContext) (*Registration, Outcome, error) {
	if r.ingester == nil {
		return nil, Outcome{}, apperr.Configuration("registrar has no ingester")
	}
	reg, err := r.RecordBuffer(ctx, data, uc)
	if err != nil {
		return nil, Outcome{}, err
	}
	if uc.Size <= 0 {
		uc.Size = int64(len(data))
	}
	out, err := r.ingester.Ingest(ctx, reg.Locator, uc)
	return reg, out, err
}

func (r *Registrar) workspace(ctx context.Context, slug string) (*models.Workspace, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, apperr.InvalidState("upload has no workspace")
	}
	return r.store.EnsureWorkspace(ctx, slug)
}

func (r *Registrar) existing(ctx context.Context, ws *models.Workspace, checksum string) (*Registration, bool, error) {
	if checksum == "" {
		return nil, false, nil
	}
	doc, f, err := r.store.FindDocumentByChecksum(ctx, ws.ID, checksum)
	if apperr.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	r.logger.Debug("upload matches an existing document",
		zap.String("workspace", ws.Slug),
		zap.String("object_key", f.ObjectKey),
		zap.String("document_id", doc.ID),
	)
	return &Registration{
		Locator:    models.ObjectLocator{Bucket: f.Bucket, ObjectKey: f.ObjectKey, Workspace: ws.Slug},
		FileID:     f.ID,
		DocumentID: doc.ID,
		Duplicate:  true,
	}, true, nil
}

func (r *Registrar) create(ctx context.Context, ws *models.Workspace, loc models.ObjectLocator, checksum string, uc UploadContext) (*Registration, error) {
	file := &models.File{
		WorkspaceID: ws.ID,
		UploaderID:  uc.UploaderID,
		Bucket:      loc.Bucket,
		ObjectKey:   loc.ObjectKey,
		Size:        uc.Size,
		MIMEType:    uc.MIMEType,
		Checksum:    checksum,
		Status:      models.FilePending,
	}
	title := uc.Filename
	if title == "" {
		title = path.Base(loc.ObjectKey)
	}
	doc := &models.Document{Title: title, Status: models.DocumentPending}
	if err := r.store.CreateFileAndDocument(ctx, file, doc); err != nil {
		return nil, fmt.Errorf("register %s: %w", loc.ObjectKey, err)
	}
	loc.Workspace = ws.Slug
	return &Registration{Locator: loc, FileID: file.ID, DocumentID: doc.ID}, nil
}

type putWriter struct{ objects objectstore.Store }

func (w putWriter) PutBuffer(ctx context.Context, loc models.ObjectLocator, data []byte, mimeType string) (*models.UploadResult, error) {
	if err := w.objects.Put(ctx, loc.Bucket, loc.ObjectKey, data, mimeType); err != nil {
		return nil, fmt.Errorf("put %s: %w", loc.ObjectKey, err)
	}
	return &models.UploadResult{
		ObjectLocator: loc,
		Checksum:      utils.Checksum(data),
		Size:          int64(len(data)),
		MIMEType:      mimeType,
	}, nil
}
