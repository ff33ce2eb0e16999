package models

import (
	"sort"
	"time"
)

// SessionStatus is the state of a resumable upload.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionUploading SessionStatus = "uploading"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionAborted || s == SessionFailed
}

// ObjectLocator addresses one object in a workspace bucket.
type ObjectLocator struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
	Workspace string `json:"workspace"`
}

// UploadPart records one acknowledged part of a multipart upload.
type UploadPart struct {
	PartNumber int    `json:"part_number" db:"part_number"`
	Size       int64  `json:"size" db:"size"`
	ETag       string `json:"etag" db:"etag"`
	Checksum   string `json:"checksum" db:"checksum"`
}

// UploadSession is the durable progress record of a resumable upload.
type UploadSession struct {
	ID        string        `json:"id"`
	Locator   ObjectLocator `json:"locator"`
	UploadID  string        `json:"upload_id"`
	MIMEType  string        `json:"mime_type,omitempty"`
	PartSize  int64         `json:"part_size"`
	Checksum  string        `json:"checksum,omitempty"`
	Status    SessionStatus `json:"status"`
	Parts     []UploadPart  `json:"parts"`
	Size      int64         `json:"size"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// PutPart replaces any part with the same number and keeps Size equal to the sum of part sizes.
func (s *UploadSession) PutPart(part UploadPart) {
	parts := make([]UploadPart, 0, len(s.Parts)+1)
	for _, p := range s.Parts {
		if p.PartNumber != part.PartNumber {
			parts = append(parts, p)
		}
	}
	s.Parts = append(parts, part)
	s.SortParts()
	s.Size = s.PartsSize()
}

// SortParts orders parts by part number.
func (s *UploadSession) SortParts() {
	sort.Slice(s.Parts, func(i, j int) bool { return s.Parts[i].PartNumber < s.Parts[j].PartNumber })
}

// PartsSize sums the sizes of all recorded parts.
func (s *UploadSession) PartsSize() int64 {
	var total int64
	for _, p := range s.Parts {
		total += p.Size
	}
	return total
}

// Clone returns a deep copy so stores never share part slices with callers.
func (s *UploadSession) Clone() *UploadSession {
	c := *s
	c.Parts = append([]UploadPart(nil), s.Parts...)
	return &c
}

// UploadResult is returned when an object has been fully written.
type UploadResult struct {
	ObjectLocator
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
	MIMEType string `json:"mime_type,omitempty"`
}
