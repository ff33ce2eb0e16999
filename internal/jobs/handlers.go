package jobs

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/objectstore"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// Ingester ingests one stored object.
type Ingester interface {
	Ingest(ctx context.Context, loc models.ObjectLocator, uc ingest.UploadContext) (ingest.Outcome, error)
}

// DeletionStore is the persistence the deletion handler needs.
type DeletionStore interface {
	WorkspaceBySlug(ctx context.Context, slug string) (*models.Workspace, error)
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	DeleteDocument(ctx context.Context, documentID string, deleteFile bool) (*models.File, error)
}

// IngestionQueue builds the ingestion queue: exponential backoff from cfg.Delay.
func IngestionQueue(cfg config.QueueConfig, h Handler) QueueConfig {
	return QueueConfig{Concurrency: cfg.Concurrency, Retry: ExponentialRetry(cfg.Delay, cfg.Attempts), Handler: h}
}

// DeletionQueue builds the deletion queue: fixed delay between attempts.
func DeletionQueue(cfg config.QueueConfig, h Handler) QueueConfig {
	return QueueConfig{Concurrency: cfg.Concurrency, Retry: FixedRetry(cfg.Delay, cfg.Attempts), Handler: h}
}

// IngestionHandler decodes a models.IngestionJob and ingests the object it names.
func IngestionHandler(ing Ingester) Handler {
	return func(ctx context.Context, job *Job) error {
		var p models.IngestionJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.WorkspaceSlug == "" || p.ObjectKey == "" {
			return fmt.Errorf("job %s: %w: workspace and object key are required", job.ID, ErrBadPayload)
		}
		loc := models.ObjectLocator{Bucket: p.Bucket, ObjectKey: p.ObjectKey, Workspace: p.WorkspaceSlug}
		_, err := ing.Ingest(ctx, loc, ingest.UploadContext{
			WorkspaceSlug: p.WorkspaceSlug,
			UploaderID:    p.UploaderID,
			Filename:      p.Filename,
			Size:          p.Size,
			MIMEType:      p.MIMEType,
		})
		return err
	}
}

// DeletionHandler decodes a models.DeletionJob, removes the document and, when asked,
// its stored object. It warns when the job names a bucket other than the workspace's.
func DeletionHandler(store DeletionStore, objects objectstore.Store, bucketPrefix string, logger *zap.Logger) Handler {
	logger = utils.OrNop(logger)
	return func(ctx context.Context, job *Job) error {
		var p models.DeletionJob
		if err := job.Decode(&p); err != nil {
			return err
		}
		if p.WorkspaceSlug == "" || p.DocumentID == "" {
			return fmt.Errorf("job %s: %w: workspace and document id are required", job.ID, ErrBadPayload)
		}

		ws, err := store.WorkspaceBySlug(ctx, p.WorkspaceSlug)
		if err != nil {
			return err
		}
		doc, err := store.GetDocument(ctx, p.DocumentID)
		if err != nil {
			return err
		}
		if doc.WorkspaceID != ws.ID {
			return apperr.NotFound("document %s in workspace %s", p.DocumentID, p.WorkspaceSlug)
		}

		file, err := store.DeleteDocument(ctx, doc.ID, p.DeleteFile)
		if err != nil {
			return err
		}
		if p.DeleteFile && file != nil {
			if err := objects.Delete(ctx, file.Bucket, file.ObjectKey); err != nil && !apperr.IsNotFound(err) {
				logger.Error("failed to delete stored object",
					zap.String("workspace", p.WorkspaceSlug),
					zap.String("object_key", file.ObjectKey),
					zap.Error(err),
				)
			}
		}

		expected := objectstore.BucketName(bucketPrefix, p.WorkspaceSlug)
		if p.Bucket != "" && !strings.EqualFold(p.Bucket, expected) {
			logger.Warn("bucket mismatch on deletion",
				zap.String("workspace", p.WorkspaceSlug),
				zap.String("expected", expected),
				zap.String("bucket", p.Bucket),
			)
		}
		logger.Info("document deleted",
			zap.String("workspace", p.WorkspaceSlug),
			zap.String("document_id", doc.ID),
			zap.Bool("file_deleted", p.DeleteFile && file != nil),
			zap.String("reason", p.Reason),
		)
		return nil
	}
}
