package models

import (
	"testing"
)

func TestUploadSessionPutPartReplaces(t *testing.T) {
	s := &UploadSession{}
	s.PutPart(UploadPart{PartNumber: 2, Size: 20, ETag: "b"})
	s.PutPart(UploadPart{PartNumber: 1, Size: 10, ETag: "a"})
	s.PutPart(UploadPart{PartNumber: 2, Size: 5, ETag: "b2"})

	if len(s.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(s.Parts))
	}
	if s.Parts[0].PartNumber != 1 || s.Parts[1].PartNumber != 2 {
		t.Errorf("parts not ordered: %+v", s.Parts)
	}
	if s.Parts[1].ETag != "b2" {
		t.Errorf("part 2 etag = %s, want b2", s.Parts[1].ETag)
	}
	if s.Size != 15 {
		t.Errorf("size = %d, want 15", s.Size)
	}
}

func TestUploadSessionCloneIsDeep(t *testing.T) {
	s := &UploadSession{ID: "s1", Parts: []UploadPart{{PartNumber: 1, Size: 1}}}
	c := s.Clone()
	c.Parts[0].Size = 99
	if s.Parts[0].Size != 1 {
		t.Error("clone shares parts with original")
	}
}

func TestSessionStatusTerminal(t *testing.T) {
	terminal := map[SessionStatus]bool{
		SessionPending:   false,
		SessionUploading: false,
		SessionCompleted: true,
		SessionAborted:   true,
		SessionFailed:    true,
	}
	for status, want := range terminal {
		if status.Terminal() != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, !want, want)
		}
	}
}

func TestSearchRequestValidate(t *testing.T) {
	zero, negative := 0.0, -1.0
	tests := []struct {
		name    string
		req     SearchRequest
		wantErr bool
	}{
		{"valid", SearchRequest{Query: " refunds ", Filters: SearchFilters{WorkspaceID: "w1"}}, false},
		{"empty query", SearchRequest{Query: "  ", Filters: SearchFilters{WorkspaceID: "w1"}}, true},
		{"embedding only", SearchRequest{Embedding: []float32{1}, Filters: SearchFilters{WorkspaceID: "w1"}}, false},
		{"no workspace", SearchRequest{Query: "q"}, true},
		{"negative limit", SearchRequest{Query: "q", Limit: -1, Filters: SearchFilters{WorkspaceID: "w1"}}, true},
		{"zero boost", SearchRequest{Query: "q", KeywordBoost: &zero, Filters: SearchFilters{WorkspaceID: "w1"}}, false},
		{"negative boost", SearchRequest{Query: "q", KeywordBoost: &negative, Filters: SearchFilters{WorkspaceID: "w1"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	req := SearchRequest{Query: " refunds ", Filters: SearchFilters{WorkspaceID: "w1"}}
	_ = req.Validate()
	if req.Query != "refunds" {
		t.Errorf("query not trimmed: %q", req.Query)
	}
}

func TestDeadLetterQueue(t *testing.T) {
	if DeadLetterQueue(QueueIngestion) != "ingestion:dlq" {
		t.Errorf("got %s", DeadLetterQueue(QueueIngestion))
	}
}
