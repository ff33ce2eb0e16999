// Package models defines the core data structures for workspaces, uploads, documents,
// chunks, jobs and search results.
package models

import "time"

// DocumentStatus is the lifecycle state of a Document.
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentEmbedding DocumentStatus = "embedding"
	DocumentReady     DocumentStatus = "ready"
	DocumentFailed    DocumentStatus = "failed"
)

// FileStatus is the lifecycle state of a stored source file.
type FileStatus string

const (
	FilePending FileStatus = "PENDING"
	FileReady   FileStatus = "READY"
	FileFailed  FileStatus = "FAILED"
)

// Workspace is a tenant. Every document, folder and tag belongs to exactly one.
type Workspace struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// File is the object-storage payload backing a Document.
type File struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspace_id" db:"workspace_id"`
	UploaderID  string     `json:"uploader_id,omitempty" db:"uploader_id"`
	Bucket      string     `json:"bucket" db:"bucket"`
	ObjectKey   string     `json:"object_key" db:"object_key"`
	Size        int64      `json:"size" db:"size"`
	MIMEType    string     `json:"mime_type,omitempty" db:"mime_type"`
	Checksum    string     `json:"checksum" db:"checksum"`
	Status      FileStatus `json:"status" db:"status"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// Document is the workspace-scoped logical unit backed by one source file.
type Document struct {
	ID           string         `json:"id" db:"id"`
	WorkspaceID  string         `json:"workspace_id" db:"workspace_id"`
	SourceFileID string         `json:"source_file_id,omitempty" db:"source_file_id"`
	Title        string         `json:"title" db:"title"`
	Status       DocumentStatus `json:"status" db:"status"`
	TokenCount   int            `json:"token_count" db:"token_count"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// Chunk is a bounded slice of a document's extracted text, the unit of embedding and retrieval.
// Embedding is nil until attached.
type Chunk struct {
	ID          string    `json:"id" db:"id"`
	DocumentID  string    `json:"document_id" db:"document_id"`
	Index       int       `json:"index" db:"chunk_index"`
	Content     string    `json:"content" db:"content"`
	TokenCount  int       `json:"token_count" db:"token_count"`
	ContentHash string    `json:"content_hash" db:"content_hash"`
	RangeStart  int       `json:"range_start" db:"range_start"`
	RangeEnd    int       `json:"range_end" db:"range_end"`
	Embedding   []float32 `json:"-" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// EmbeddingCacheEntry is a content-addressed embedding, written once per unique hash.
type EmbeddingCacheEntry struct {
	Hash       string    `json:"hash" db:"hash"`
	Vector     []float32 `json:"vector" db:"-"`
	TokenCount int       `json:"token_count" db:"token_count"`
	Model      string    `json:"model" db:"model"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Folder groups documents inside a workspace. A document may sit in several folders.
type Folder struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Name        string    `json:"name" db:"name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
