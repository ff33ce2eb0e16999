// Package main is the chishiki CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/audit"
	"github.com/hyperjump/chishiki/internal/cli"
	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/extract"
	"github.com/hyperjump/chishiki/internal/ingest"
	"github.com/hyperjump/chishiki/internal/jobs"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/internal/objectstore"
	"github.com/hyperjump/chishiki/internal/schedule"
	"github.com/hyperjump/chishiki/internal/search"
	"github.com/hyperjump/chishiki/internal/server"
	"github.com/hyperjump/chishiki/internal/storage"
	"github.com/hyperjump/chishiki/internal/upload"
	"github.com/hyperjump/chishiki/internal/watcher"
	"github.com/hyperjump/chishiki/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/chishiki/config.yaml"

// loadConfig loads config from path. When path is the default and ./config.yaml exists,
// that file is used instead. Returns the config and the path actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "search":
		runSearch()
	case "delete":
		runDelete()
	case "dlq":
		runDeadLetters()
	case "version", "--version", "-v":
		fmt.Printf("chishiki version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// Components holds the wired services shared by every subcommand.
type Components struct {
	Store        *storage.SQLStore
	Objects      objectstore.Store
	Provider     embedding.Provider
	Cache        *embedding.Cache
	Guard        *upload.Guard
	Uploads      *upload.Manager
	Orchestrator *ingest.Orchestrator
	Registrar    *ingest.Registrar
	Engine       *search.Engine
	Jobs         *jobs.Supervisor
}

// Close releases the job pools, the embedding provider and the database.
func (c *Components) Close() {
	if c.Jobs != nil {
		_ = c.Jobs.Close()
	}
	if closer, ok := c.Provider.(embedding.Closer); ok {
		_ = closer.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func openObjectStore(ctx context.Context, cfg config.ObjectStoreConfig, logger *zap.Logger) (objectstore.Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory object store; uploads are lost on exit")
		return objectstore.NewMemoryStore(), nil
	case "s3":
		return objectstore.NewS3Store(ctx, cfg, logger)
	}
	return nil, apperr.Configuration("unknown object store driver %q", cfg.Driver)
}

// initializeComponents wires storage, object storage, the upload guard, ingestion, search
// and the job queues. The supervisor is registered but not started.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.Open(ctx, cfg.Storage, storage.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c := &Components{Store: store}

	c.Objects, err = openObjectStore(ctx, cfg.ObjectStore, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	c.Provider, err = embedding.NewProvider(ctx, cfg.Embedding)
	if err != nil {
		if cfg.Embedding.Provider != "onnx" {
			c.Close()
			return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
		}
		logger.Warn("onnx provider unavailable, falling back to mock embeddings", zap.Error(err))
		c.Provider = embedding.NewMockProvider(cfg.Embedding.Dimensions)
	}
	if c.Provider != nil {
		logger.Info("embedding provider ready", zap.String("model", c.Provider.Model()))
	}
	c.Cache = embedding.NewCache(store,
		embedding.WithLRU(cfg.Embedding.LRUSize, cfg.Embedding.LRUTTL),
		embedding.WithCacheLogger(logger),
	)

	sink := audit.NewZapSink(logger)
	c.Guard = upload.NewGuard(upload.GuardConfig{
		MaxSize:              cfg.Upload.MaxSize,
		AllowedMIMETypes:     cfg.Upload.AllowedMIMETypes,
		PerUploaderPerMinute: cfg.Upload.PerUploaderPerMinute,
		PerModePerMinute:     cfg.Upload.PerModePerMinute,
		Window:               cfg.Upload.RateWindow,
	}, upload.WithAudit(sink), upload.WithGuardLogger(logger))
	c.Uploads = upload.NewManager(c.Objects, store.Sessions(),
		upload.WithGuard(c.Guard),
		upload.WithDefaultPartSize(cfg.Upload.PartSize),
		upload.WithManagerLogger(logger),
	)

	c.Orchestrator = ingest.NewOrchestrator(store, c.Objects,
		ingest.WithChunkOptions(ingest.ChunkOptions{MaxCharacters: cfg.Chunking.MaxCharacters, Overlap: cfg.Chunking.Overlap}),
		ingest.WithEmbeddings(c.Cache, c.Provider),
		ingest.WithAudit(sink),
		ingest.WithFetchTimeout(cfg.ObjectStore.Timeout),
		ingest.WithLogger(logger),
	)
	c.Registrar = ingest.NewRegistrar(store, c.Objects, cfg.ObjectStore.BucketPrefix,
		ingest.WithIngester(c.Orchestrator),
		ingest.WithRegistrarLogger(logger),
	)
	c.Engine = search.NewEngine(store, cfg.Search, search.WithEmbedder(c.Provider), search.WithLogger(logger))

	c.Jobs = jobs.NewSupervisor(store, jobs.WithLogger(logger))
	if err := c.Jobs.Register(models.QueueIngestion, jobs.IngestionQueue(cfg.Jobs.Ingestion, jobs.IngestionHandler(c.Orchestrator))); err != nil {
		c.Close()
		return nil, err
	}
	deletion := jobs.DeletionHandler(store, c.Objects, cfg.ObjectStore.BucketPrefix, logger)
	if err := c.Jobs.Register(models.QueueDeletion, jobs.DeletionQueue(cfg.Jobs.Deletion, deletion)); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// setup loads config, builds the logger and wires components. It exits on failure.
func setup(ctx context.Context, configPath string, debug bool) (*config.Config, *zap.Logger, *Components) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, logger, components
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, c := setup(ctx, *configPath, *debug)
	defer logger.Sync()
	defer c.Close()

	if err := c.Jobs.Start(ctx); err != nil {
		logger.Fatal("Failed to start job supervisor", zap.Error(err))
	}

	sched := schedule.New(schedule.WithLogger(logger))
	if err := schedule.Register(sched, *cfg, schedule.Deps{
		Sweeper:  c.Uploads,
		Store:    c.Store,
		Cache:    c.Cache,
		Provider: c.Provider,
		Logger:   logger,
	}); err != nil {
		logger.Fatal("Failed to schedule maintenance", zap.Error(err))
	}
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.Watch.Inbox != "" {
		inbox := watcher.NewInbox(cfg.Watch, c.Guard, c.Registrar, c.Jobs, logger)
		w := watcher.New(cfg.Watch.Inbox, cfg.Watch.Extensions, inbox.Handler(ctx), watcher.WithLogger(logger))
		if err := w.Start(ctx); err != nil {
			logger.Fatal("Failed to start inbox watcher", zap.Error(err))
		}
		defer w.Stop()
		go w.Sync()
		logger.Info("watching inbox", zap.String("dir", w.Root()), zap.String("workspace", cfg.Watch.Workspace))
	}

	srv := server.NewServer(server.Deps{
		Store:     c.Store,
		Uploads:   c.Uploads,
		Guard:     c.Guard,
		Registrar: c.Registrar,
		Engine:    c.Engine,
		Jobs:      c.Jobs,
	}, cfg.Server, logger)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", zap.Error(err))
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	if err := c.Jobs.Drain(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown", zap.Error(err))
	}
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	workspace := fs.String("workspace", "", "workspace slug (required)")
	uploader := fs.String("uploader", "cli", "uploader id recorded with the upload")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	if fs.NArg() != 1 || strings.TrimSpace(*workspace) == "" {
		fmt.Fprintln(os.Stderr, "Usage: chishiki ingest -workspace <slug> [flags] <file>")
		os.Exit(1)
	}
	path := fs.Arg(0)
	ctx := context.Background()
	_, logger, c := setup(ctx, *configPath, false)
	defer logger.Sync()
	defer c.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", path, err)
		os.Exit(1)
	}
	filename := filepath.Base(path)
	uc := ingest.UploadContext{
		WorkspaceSlug: *workspace,
		UploaderID:    *uploader,
		Filename:      filename,
		Size:          int64(len(data)),
		MIMEType:      firstNonEmpty(extract.MIMETypeFor(filename), "application/octet-stream"),
	}
	if err := c.Guard.Check(ctx, upload.Request{
		Workspace:  uc.WorkspaceSlug,
		UploaderID: uc.UploaderID,
		Mode:       upload.ModeDirect,
		MIMEType:   uc.MIMEType,
		Size:       uc.Size,
		Filename:   filename,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Upload rejected: %v\n", err)
		os.Exit(1)
	}
	reg, out, err := c.Registrar.IngestBuffer(ctx, data, uc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteIngestion(os.Stdout, reg, out, cli.ParseFormat(*output)); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

// buildSearchQuery joins positional args so multi-word queries work with or without quotes.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// reorderArgs moves flags that follow positional arguments to the front, since the flag
// package stops at the first non-flag argument.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = query storage directly)")
	workspace := fs.String("workspace", "", "workspace slug (required)")
	limit := fs.Int("limit", 0, "number of results (0 = configured default)")
	contexts := fs.Int("contexts", 0, "number of retrieved contexts to build")
	tags := fs.String("tags", "", "comma-separated tag labels to filter on")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	query := buildSearchQuery(fs.Args())
	if query == "" || strings.TrimSpace(*workspace) == "" {
		fmt.Fprintln(os.Stderr, "Usage: chishiki search -workspace <slug> [flags] <query>")
		fs.PrintDefaults()
		os.Exit(1)
	}
	req := models.SearchRequest{
		Query:       query,
		Limit:       *limit,
		MaxContexts: *contexts,
		Filters:     models.SearchFilters{TagLabels: splitList(*tags)},
	}

	var (
		response *models.SearchResponse
		err      error
	)
	if *serverURL != "" {
		response, err = searchViaHTTP(*serverURL, *workspace, req)
	} else {
		ctx := context.Background()
		_, logger, c := setup(ctx, *configPath, false)
		defer logger.Sync()
		defer c.Close()
		response, err = searchDirect(ctx, c, *workspace, req)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, cli.ParseFormat(*output)); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func searchDirect(ctx context.Context, c *Components, slug string, req models.SearchRequest) (*models.SearchResponse, error) {
	ws, err := c.Store.WorkspaceBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	req.Filters.WorkspaceID = ws.ID
	return c.Engine.Query(ctx, req)
}

func searchViaHTTP(serverURL, slug string, req models.SearchRequest) (*models.SearchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(serverURL, "/") + "/api/v1/workspaces/" + url.PathEscape(slug) + "/search"
	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var response models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	workspace := fs.String("workspace", "", "workspace slug (required)")
	deleteFile := fs.Bool("delete-file", false, "also remove the stored file and its object")
	reason := fs.String("reason", "", "reason recorded with the deletion")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	if fs.NArg() != 1 || strings.TrimSpace(*workspace) == "" {
		fmt.Fprintln(os.Stderr, "Usage: chishiki delete -workspace <slug> [flags] <document-id>")
		os.Exit(1)
	}
	ctx := context.Background()
	cfg, logger, c := setup(ctx, *configPath, false)
	defer logger.Sync()
	defer c.Close()

	payload, err := json.Marshal(models.DeletionJob{
		WorkspaceSlug: *workspace,
		DocumentID:    fs.Arg(0),
		DeleteFile:    *deleteFile,
		Reason:        *reason,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
		os.Exit(1)
	}
	handler := jobs.DeletionHandler(c.Store, c.Objects, cfg.ObjectStore.BucketPrefix, logger)
	job := &jobs.Job{ID: "cli", Queue: models.QueueDeletion, Name: "delete", Payload: payload, Attempt: 1, EnqueuedAt: time.Now().UTC()}
	if err := handler(ctx, job); err != nil {
		fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted document %s\n", fs.Arg(0))
}

func runDeadLetters() {
	fs := flag.NewFlagSet("dlq", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	queue := fs.String("queue", "", "dead-letter queue, e.g. ingestion:dlq (empty = all)")
	limit := fs.Int("limit", 50, "maximum number of entries")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	ctx := context.Background()
	_, logger, c := setup(ctx, *configPath, false)
	defer logger.Sync()
	defer c.Close()

	letters, err := c.Store.ListDeadLetters(ctx, *queue, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Listing dead letters failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteDeadLetters(os.Stdout, letters, cli.ParseFormat(*output)); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func printUsage() {
	fmt.Println(`chishiki - Workspace document knowledge base

Usage:
  chishiki server [flags]                           Start the HTTP API, job queues, scheduler and inbox watcher
  chishiki ingest -workspace <slug> [flags] <file>  Ingest a local file synchronously
  chishiki search -workspace <slug> [flags] <query> Hybrid search over a workspace
  chishiki delete -workspace <slug> [flags] <id>    Delete a document
  chishiki dlq [flags]                              List dead-lettered jobs
  chishiki version                                  Show version
  chishiki help                                     Show this help

Run 'chishiki <command> -h' for command flags.`)
}
