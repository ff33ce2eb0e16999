package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/jobs"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/upload"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// Guard admits or rejects an upload.
type Guard interface {
	Check(ctx context.Context, req upload.Request) error
}

// Recorder stores a file and registers it.
type Recorder interface {
	RecordBuffer(ctx context.Context, data []byte, uc ingest.UploadContext) (*ingest.Registration, error)
}

// Enqueuer queues ingestion jobs.
type Enqueuer interface {
	EnqueueIngestion(ctx context.Context, job models.IngestionJob) (*jobs.Job, error)
}

// Inbox admits files found in the inbox directory into a workspace.
type Inbox struct {
	workspace  string
	uploaderID string
	guard      Guard
	recorder   Recorder
	queue      Enqueuer
	logger     *zap.Logger
}

// NewInbox returns an inbox feeding cfg.Workspace.
func NewInbox(cfg config.WatchConfig, guard Guard, recorder Recorder, queue Enqueuer, logger *zap.Logger) *Inbox {
	return &Inbox{
		workspace:  cfg.Workspace,
		uploaderID: cfg.UploaderID,
		guard:      guard,
		recorder:   recorder,
		queue:      queue,
		logger:     utils.OrNop(logger),
	}
}

// Process checks the file at path against the upload policy, records it and enqueues its
// ingestion. A file whose bytes are already registered in the workspace is not enqueued
// again.
func (in *Inbox) Process(ctx context.Context, path string) (*ingest.Registration, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFound("inbox file %s", path)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, apperr.InvalidState("%s is a directory", path)
	}

	name := filepath.Base(path)
	mimeType := extract.MIMETypeFor(name)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	req := upload.Request{
		Workspace:  in.workspace,
		UploaderID: in.uploaderID,
		Mode:       upload.ModeInbox,
		MIMEType:   mimeType,
		Size:       info.Size(),
		Filename:   name,
	}
	if err := in.guard.Check(ctx, req); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inbox file %s: %w", path, err)
	}
	uc := ingest.UploadContext{
		WorkspaceSlug: in.workspace,
		UploaderID:    in.uploaderID,
		Filename:      name,
		Size:          int64(len(data)),
		MIMEType:      mimeType,
	}
	reg, err := in.recorder.RecordBuffer(ctx, data, uc)
	if err != nil {
		return nil, err
	}
	if reg.Duplicate {
		in.logger.Info("inbox file already registered",
			zap.String("workspace", in.workspace),
			zap.String("path", path),
			zap.String("document_id", reg.DocumentID),
		)
		return reg, nil
	}

	job, err := in.queue.EnqueueIngestion(ctx, models.IngestionJob{
		WorkspaceSlug: in.workspace,
		Bucket:        reg.Locator.Bucket,
		ObjectKey:     reg.Locator.ObjectKey,
		Filename:      name,
		Size:          uc.Size,
		MIMEType:      mimeType,
		UploaderID:    in.uploaderID,
	})
	if err != nil {
		return reg, fmt.Errorf("enqueue ingestion of %s: %w", path, err)
	}
	in.logger.Info("inbox file queued",
		zap.String("workspace", in.workspace),
		zap.String("path", path),
		zap.String("object_key", reg.Locator.ObjectKey),
		zap.String("job_id", job.ID),
	)
	return reg, nil
}

// Handler adapts Process to a Watcher callback. Failures are logged.
func (in *Inbox) Handler(ctx context.Context) func(path string) {
	return func(path string) {
		_, err := in.Process(ctx, path)
		if err == nil {
			return
		}
		if reason, ok := apperr.ReasonOf(err); ok {
			in.logger.Warn("inbox file rejected", zap.String("path", path), zap.String("reason", reason), zap.Error(err))
			return
		}
		in.logger.Error("inbox file failed", zap.String("path", path), zap.Error(err))
	}
}
