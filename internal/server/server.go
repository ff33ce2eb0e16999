// Package server provides the HTTP API for chishiki.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/jobs"
	"github.com/hyperjump/chishiki/internal/search"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/upload"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// Deps are the components the HTTP surface calls into.
type Deps struct {
	Store     *storage.SQLStore
	Uploads   *upload.Manager
	Guard     *upload.Guard
	Registrar *ingest.Registrar
	Engine    *search.Engine
	Jobs      *jobs.Supervisor
}

// Server is the HTTP server for the chishiki API.
type Server struct {
	deps   Deps
	config config.ServerConfig
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(deps Deps, cfg config.ServerConfig, logger *zap.Logger) *Server {
	return &Server{deps: deps, config: cfg, logger: utils.OrNop(logger)}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if s.config.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.config.RequestTimeout))
	}

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workspaces/{workspace}", func(r chi.Router) {
			r.Post("/uploads", s.handleStartUpload)
			r.Post("/documents", s.handleUploadBuffer)
			r.Delete("/documents/{id}", s.handleDeleteDocument)
			r.Post("/search", s.handleSearch)
			r.Route("/uploads/{session}", func(r chi.Router) {
				r.Use(s.sessionInWorkspace)
				r.Get("/", s.handleGetUpload)
				r.Put("/parts/{part}", s.handleUploadPart)
				r.Post("/complete", s.handleCompleteUpload)
				r.Delete("/", s.handleAbortUpload)
			})
		})
		r.Get("/dead-letters", s.handleDeadLetters)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
