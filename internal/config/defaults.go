package config

import "time"

// Default values shared with the packages that accept zero-valued options.
const (
	DefaultMaxUploadSize = 25 << 20
	DefaultPartSize      = 5 << 20
	DefaultMaxCharacters = 2000
	DefaultOverlap       = 200
	DefaultVectorK       = 24
	DefaultKeywordK      = 24
	DefaultSearchLimit   = 12
	DefaultKeywordBoost  = 0.35
)

// DefaultAllowedMIMETypes covers every document kind the parser understands.
var DefaultAllowedMIMETypes = []string{
	"application/pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/html",
	"application/json",
	"text/markdown",
	"text/plain",
}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/chishiki/data/db/chishiki.db"
	}

	if cfg.ObjectStore.Driver == "" {
		cfg.ObjectStore.Driver = "s3"
	}
	if cfg.ObjectStore.Region == "" {
		cfg.ObjectStore.Region = "us-east-1"
	}
	if cfg.ObjectStore.BucketPrefix == "" {
		cfg.ObjectStore.BucketPrefix = "chishiki"
	}
	if cfg.ObjectStore.Timeout == 0 {
		cfg.ObjectStore.Timeout = 30 * time.Second
	}
	if cfg.ObjectStore.UploadTimeout == 0 {
		cfg.ObjectStore.UploadTimeout = 2 * time.Minute
	}

	if cfg.Upload.MaxSize == 0 {
		cfg.Upload.MaxSize = DefaultMaxUploadSize
	}
	if cfg.Upload.AllowedMIMETypes == nil {
		cfg.Upload.AllowedMIMETypes = append([]string(nil), DefaultAllowedMIMETypes...)
	}
	if cfg.Upload.PerUploaderPerMinute == 0 {
		cfg.Upload.PerUploaderPerMinute = 30
	}
	if cfg.Upload.PerModePerMinute == 0 {
		cfg.Upload.PerModePerMinute = 120
	}
	if cfg.Upload.RateWindow == 0 {
		cfg.Upload.RateWindow = time.Minute
	}
	if cfg.Upload.PartSize == 0 {
		cfg.Upload.PartSize = DefaultPartSize
	}
	if cfg.Upload.SessionTTL == 0 {
		cfg.Upload.SessionTTL = 24 * time.Hour
	}

	if cfg.Chunking.MaxCharacters == 0 {
		cfg.Chunking.MaxCharacters = DefaultMaxCharacters
	}
	if cfg.Chunking.Overlap == 0 {
		cfg.Chunking.Overlap = DefaultOverlap
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "mock"
	}
	if cfg.Embedding.Model == "" {
		switch cfg.Embedding.Provider {
		case "gemini":
			cfg.Embedding.Model = "text-embedding-004"
		case "onnx":
			cfg.Embedding.Model = "all-MiniLM-L6-v2"
		default:
			cfg.Embedding.Model = "mock-embedding"
		}
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.LRUSize == 0 {
		cfg.Embedding.LRUSize = 10000
	}
	if cfg.Embedding.LRUTTL == 0 {
		cfg.Embedding.LRUTTL = time.Hour
	}

	if cfg.Search.VectorK == 0 {
		cfg.Search.VectorK = DefaultVectorK
	}
	if cfg.Search.KeywordK == 0 {
		cfg.Search.KeywordK = DefaultKeywordK
	}
	if cfg.Search.Limit == 0 {
		cfg.Search.Limit = DefaultSearchLimit
	}
	if cfg.Search.KeywordBoost == nil {
		boost := DefaultKeywordBoost
		cfg.Search.KeywordBoost = &boost
	}

	applyQueueDefaults(&cfg.Jobs.Ingestion, 4, 3, 5*time.Second)
	applyQueueDefaults(&cfg.Jobs.Deletion, 2, 2, 2*time.Second)

	if cfg.Schedule.SessionSweep == "" {
		cfg.Schedule.SessionSweep = "*/15 * * * *"
	}
	if cfg.Schedule.EmbeddingBackfill == "" {
		cfg.Schedule.EmbeddingBackfill = "*/10 * * * *"
	}
	if cfg.Schedule.CacheCleanup == "" {
		cfg.Schedule.CacheCleanup = "30 3 * * *"
	}
	if cfg.Schedule.BackfillBatchSize == 0 {
		cfg.Schedule.BackfillBatchSize = 100
	}
	if cfg.Schedule.CacheMaxAgeDays == 0 {
		cfg.Schedule.CacheMaxAgeDays = 30
	}

	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".pdf", ".docx", ".html", ".htm", ".json", ".md", ".markdown", ".txt"}
	}
	if cfg.Watch.Inbox != "" && cfg.Watch.UploaderID == "" {
		cfg.Watch.UploaderID = "inbox"
	}
}

func applyQueueDefaults(q *QueueConfig, concurrency, attempts int, delay time.Duration) {
	if q.Concurrency == 0 {
		q.Concurrency = concurrency
	}
	if q.Attempts == 0 {
		q.Attempts = attempts
	}
	if q.Delay == 0 {
		q.Delay = delay
	}
}
