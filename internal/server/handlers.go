package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/search"
	"github.com/hyperjump/chishiki/internal/upload"
)

// HeaderUploader names the uploader of a buffer upload.
const HeaderUploader = "X-Uploader-ID"

type startUploadRequest struct {
	Filename   string `json:"filename"`
	MIMEType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	UploaderID string `json:"uploader_id"`
	PartSize   int64  `json:"part_size,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
}

type completeUploadRequest struct {
	Filename   string `json:"filename,omitempty"`
	UploaderID string `json:"uploader_id,omitempty"`
}

type acceptedUpload struct {
	*ingest.Registration
	JobID string `json:"job_id,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(r.Context()); err != nil {
			s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartUpload(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "workspace")
	var req startUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		s.respondError(w, http.StatusBadRequest, "filename is required")
		return
	}
	mimeType := firstNonEmpty(req.MIMEType, extract.MIMETypeFor(req.Filename))
	if err := s.deps.Guard.Check(r.Context(), upload.Request{
		Workspace:  slug,
		UploaderID: req.UploaderID,
		Mode:       upload.ModeResumable,
		MIMEType:   mimeType,
		Size:       req.Size,
		Filename:   req.Filename,
	}); err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.deps.Registrar.EnsureBucket(r.Context(), slug); err != nil {
		s.respondErr(w, err)
		return
	}
	sess, err := s.deps.Uploads.Start(r.Context(), upload.StartRequest{
		Locator:  s.deps.Registrar.Locator(slug, req.Filename),
		MIMEType: mimeType,
		PartSize: req.PartSize,
		Checksum: req.Checksum,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Debug("upload started", zap.String("workspace", slug), zap.String("session_id", sess.ID))
	s.respondJSON(w, http.StatusCreated, sess)
}

// sessionInWorkspace answers 404 for upload sessions owned by another workspace.
func (s *Server) sessionInWorkspace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "session")
		sess, err := s.deps.Uploads.Get(r.Context(), id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		if !strings.EqualFold(sess.Locator.Workspace, chi.URLParam(r, "workspace")) {
			s.respondErr(w, apperr.NotFound("upload session %s", id))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Uploads.Get(r.Context(), chi.URLParam(r, "session"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	part, err := strconv.Atoi(chi.URLParam(r, "part"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "part must be a number")
		return
	}
	data, err := s.readBody(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	sess, err := s.deps.Uploads.UploadChunk(r.Context(), chi.URLParam(r, "session"), data, part)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req completeUploadRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	res, err := s.deps.Uploads.Complete(r.Context(), chi.URLParam(r, "session"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	uc := ingest.UploadContext{
		WorkspaceSlug: res.Workspace,
		UploaderID:    req.UploaderID,
		Filename:      firstNonEmpty(req.Filename, filenameFromKey(res.ObjectKey)),
		Size:          res.Size,
		MIMEType:      res.MIMEType,
	}
	reg, err := s.deps.Registrar.RegisterCompleted(r.Context(), res, uc)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.accept(w, r, reg, uc)
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Uploads.Abort(r.Context(), chi.URLParam(r, "session")); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": string(models.SessionAborted)})
}

// handleUploadBuffer stores a whole document sent as the request body. The file name
// comes from the "filename" query parameter.
func (s *Server) handleUploadBuffer(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "workspace")
	filename := r.URL.Query().Get("filename")
	if strings.TrimSpace(filename) == "" {
		s.respondError(w, http.StatusBadRequest, "filename is required")
		return
	}
	data, err := s.readBody(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	mimeType := extract.BaseMIMEType(r.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = firstNonEmpty(extract.MIMETypeFor(filename), mimeType)
	}
	uc := ingest.UploadContext{
		WorkspaceSlug: slug,
		UploaderID:    r.Header.Get(HeaderUploader),
		Filename:      filename,
		Size:          int64(len(data)),
		MIMEType:      mimeType,
	}
	if err := s.deps.Guard.Check(r.Context(), upload.Request{
		Workspace:  slug,
		UploaderID: uc.UploaderID,
		Mode:       upload.ModeDirect,
		MIMEType:   mimeType,
		Size:       uc.Size,
		Filename:   filename,
	}); err != nil {
		s.respondErr(w, err)
		return
	}
	reg, err := s.deps.Registrar.RecordBuffer(r.Context(), data, uc)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.accept(w, r, reg, uc)
}

// accept enqueues ingestion of a newly registered upload. Duplicates are answered with
// the existing registration and nothing is queued.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, reg *ingest.Registration, uc ingest.UploadContext) {
	out := acceptedUpload{Registration: reg}
	if reg.Duplicate {
		s.respondJSON(w, http.StatusOK, out)
		return
	}
	job, err := s.deps.Jobs.EnqueueIngestion(r.Context(), models.IngestionJob{
		WorkspaceSlug: uc.WorkspaceSlug,
		Bucket:        reg.Locator.Bucket,
		ObjectKey:     reg.Locator.ObjectKey,
		Filename:      uc.Filename,
		Size:          uc.Size,
		MIMEType:      uc.MIMEType,
		UploaderID:    uc.UploaderID,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	out.JobID = job.ID
	s.respondJSON(w, http.StatusAccepted, out)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "workspace")
	id := chi.URLParam(r, "id")
	deleteFile, _ := strconv.ParseBool(r.URL.Query().Get("delete_file"))
	job, err := s.deps.Jobs.EnqueueDeletion(r.Context(), models.DeletionJob{
		WorkspaceSlug: slug,
		DocumentID:    id,
		Bucket:        r.URL.Query().Get("bucket"),
		DeleteFile:    deleteFile,
		Reason:        r.URL.Query().Get("reason"),
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.logger.Debug("deletion queued", zap.String("workspace", slug), zap.String("document_id", id), zap.String("job_id", job.ID))
	s.respondJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "queued"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ws, err := s.deps.Store.WorkspaceBySlug(r.Context(), chi.URLParam(r, "workspace"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	req.Filters.WorkspaceID = ws.ID
	s.logger.Debug("search request", zap.String("workspace", ws.Slug), zap.String("query", req.Query), zap.Int("limit", req.Limit))
	resp, err := s.deps.Engine.Query(r.Context(), req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	letters, err := s.deps.Store.ListDeadLetters(r.Context(), r.URL.Query().Get("queue"), limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if letters == nil {
		letters = []models.DeadLetter{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

// readBody reads at most one byte past the guard's ceiling so oversized bodies are
// still rejected by the policy rather than truncated.
func (s *Server) readBody(r *http.Request) ([]byte, error) {
	limit := s.deps.Guard.MaxSize()
	if limit <= 0 {
		return io.ReadAll(r.Body)
	}
	return io.ReadAll(io.LimitReader(r.Body, limit+1))
}

// statusOf maps an error to its HTTP status.
func statusOf(err error) int {
	var pv *apperr.PolicyViolation
	switch {
	case errors.As(err, &pv):
		if pv.Reason == apperr.ReasonRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusUnprocessableEntity
	case apperr.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, search.ErrInvalidRequest),
		errors.Is(err, search.ErrEmptyEmbedding),
		errors.Is(err, search.ErrWorkspaceRequired):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	body := map[string]string{"error": err.Error()}
	if reason, ok := apperr.ReasonOf(err); ok {
		body["reason"] = reason
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	s.respondJSON(w, status, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// filenameFromKey recovers the client file name from an object key of the form
// "{workspace}/{millis}-{name}".
func filenameFromKey(key string) string {
	base := path.Base(key)
	if i := strings.IndexByte(base, '-'); i > 0 {
		if _, err := strconv.ParseInt(base[:i], 10, 64); err == nil {
			return base[i+1:]
		}
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
