package models

import (
	"encoding/json"
	"time"
)

// Queue names.
const (
	QueueIngestion = "ingestion"
	QueueDeletion  = "deletion"
)

// DeadLetterQueue returns the dead-letter companion of queue.
func DeadLetterQueue(queue string) string {
	return queue + ":dlq"
}

// IngestionJob asks a worker to ingest an object that is already stored.
type IngestionJob struct {
	WorkspaceSlug string `json:"workspace_slug"`
	Bucket        string `json:"bucket"`
	ObjectKey     string `json:"object_key"`
	Filename      string `json:"filename"`
	Size          int64  `json:"size"`
	MIMEType      string `json:"mime_type,omitempty"`
	UploaderID    string `json:"uploader_id,omitempty"`
}

// DeletionJob asks a worker to remove a document and, optionally, its backing file.
type DeletionJob struct {
	WorkspaceSlug string `json:"workspace_slug"`
	DocumentID    string `json:"document_id"`
	Bucket        string `json:"bucket,omitempty"`
	DeleteFile    bool   `json:"delete_file,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// DeadLetter is a job that exhausted its retries, kept verbatim for manual inspection.
type DeadLetter struct {
	ID          string          `json:"id" db:"id"`
	Queue       string          `json:"queue" db:"queue"`
	OriginQueue string          `json:"origin_queue" db:"origin_queue"`
	JobID       string          `json:"job_id" db:"job_id"`
	JobName     string          `json:"job_name" db:"job_name"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Attempts    int             `json:"attempts" db:"attempts"`
	LastError   string          `json:"last_error" db:"last_error"`
	FailedAt    time.Time       `json:"failed_at" db:"failed_at"`
}
