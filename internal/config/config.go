// Package config provides configuration loading and structs for the chishiki server and workers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/chishiki/internal/apperr"
)

// Config holds all configuration for the application.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Upload      UploadConfig      `yaml:"upload"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Search      SearchConfig      `yaml:"search"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Watch       WatchConfig       `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// StorageConfig selects the relational store. Driver is "sqlite" or "postgres".
type StorageConfig struct {
	Driver       string `yaml:"driver"`
	DatabasePath string `yaml:"database_path"`
	DatabaseURL  string `yaml:"database_url"`
}

// ObjectStoreConfig selects the blob store. Driver is "s3" or "memory".
type ObjectStoreConfig struct {
	Driver          string        `yaml:"driver"`
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	BucketPrefix    string        `yaml:"bucket_prefix"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	Timeout         time.Duration `yaml:"timeout"`
	UploadTimeout   time.Duration `yaml:"upload_timeout"`
}

// UploadConfig holds the upload policy and resumable upload settings.
type UploadConfig struct {
	MaxSize              int64         `yaml:"max_size"`
	AllowedMIMETypes     []string      `yaml:"allowed_mime_types"`
	PerUploaderPerMinute int           `yaml:"per_uploader_per_minute"`
	PerModePerMinute     int           `yaml:"per_mode_per_minute"`
	RateWindow           time.Duration `yaml:"rate_window"`
	PartSize             int64         `yaml:"part_size"`
	SessionTTL           time.Duration `yaml:"session_ttl"`
}

// ChunkingConfig holds the sliding-window chunker settings.
type ChunkingConfig struct {
	MaxCharacters int `yaml:"max_characters"`
	Overlap       int `yaml:"overlap"`
}

// EmbeddingConfig selects the embedding provider ("mock", "gemini" or "onnx") and the
// process-local cache in front of the shared embedding cache.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	APIKey     string        `yaml:"api_key"`
	ModelPath  string        `yaml:"model_path"`
	MaxTokens  int           `yaml:"max_tokens"`
	LRUSize    int           `yaml:"lru_size"`
	LRUTTL     time.Duration `yaml:"lru_ttl"`
}

// SearchConfig holds hybrid search defaults.
type SearchConfig struct {
	VectorK      int     `yaml:"vector_k"`
	KeywordK     int     `yaml:"keyword_k"`
	Limit        int     `yaml:"limit"`
	KeywordBoost *float64 `yaml:"keyword_boost"`
}

// QueueConfig holds one job queue's concurrency and retry policy.
type QueueConfig struct {
	Concurrency int           `yaml:"concurrency"`
	Attempts    int           `yaml:"attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// JobsConfig holds the ingestion and deletion queue settings.
type JobsConfig struct {
	Ingestion QueueConfig `yaml:"ingestion"`
	Deletion  QueueConfig `yaml:"deletion"`
}

// ScheduleConfig holds cron specs for maintenance jobs. An empty spec disables the job.
type ScheduleConfig struct {
	SessionSweep       string `yaml:"session_sweep"`
	EmbeddingBackfill  string `yaml:"embedding_backfill"`
	CacheCleanup       string `yaml:"cache_cleanup"`
	BackfillBatchSize  int    `yaml:"backfill_batch_size"`
	CacheMaxAgeDays    int    `yaml:"cache_max_age_days"`
	DisableMaintenance bool   `yaml:"disable_maintenance"`
}

// WatchConfig holds the inbox directory whose files are ingested into Workspace.
type WatchConfig struct {
	Inbox      string   `yaml:"inbox"`
	Workspace  string   `yaml:"workspace"`
	UploaderID string   `yaml:"uploader_id"`
	Extensions []string `yaml:"extensions"`
}

// Environment variables that override secrets and endpoints from the file.
const (
	EnvDatabaseURL     = "CHISHIKI_DATABASE_URL"
	EnvS3Endpoint      = "CHISHIKI_S3_ENDPOINT"
	EnvS3Region        = "CHISHIKI_S3_REGION"
	EnvS3AccessKeyID   = "CHISHIKI_S3_ACCESS_KEY_ID"
	EnvS3SecretKey     = "CHISHIKI_S3_SECRET_ACCESS_KEY"
	EnvS3BucketPrefix  = "CHISHIKI_S3_BUCKET_PREFIX"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvEmbeddingModel  = "CHISHIKI_EMBEDDING_MODEL"
	EnvStorageDriver   = "CHISHIKI_STORAGE_DRIVER"
	EnvObjectStoreKind = "CHISHIKI_OBJECT_STORE_DRIVER"
)

// Load reads and parses the config file at path, loads a .env file from the config
// directory when present, applies environment overrides, expands paths, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configDir := filepath.Dir(path)
	envFile := filepath.Join(configDir, ".env")
	if _, statErr := os.Stat(envFile); statErr == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	ApplyEnv(&cfg)
	ApplyDefaults(&cfg)

	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	if cfg.Watch.Inbox != "" {
		cfg.Watch.Inbox = expandPath(cfg.Watch.Inbox, configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv copies non-empty override variables into cfg.
func ApplyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Storage.DatabaseURL, EnvDatabaseURL)
	set(&cfg.Storage.Driver, EnvStorageDriver)
	set(&cfg.ObjectStore.Driver, EnvObjectStoreKind)
	set(&cfg.ObjectStore.Endpoint, EnvS3Endpoint)
	set(&cfg.ObjectStore.Region, EnvS3Region)
	set(&cfg.ObjectStore.AccessKeyID, EnvS3AccessKeyID)
	set(&cfg.ObjectStore.SecretAccessKey, EnvS3SecretKey)
	set(&cfg.ObjectStore.BucketPrefix, EnvS3BucketPrefix)
	set(&cfg.Embedding.APIKey, EnvGeminiAPIKey)
	set(&cfg.Embedding.Model, EnvEmbeddingModel)
}

// Validate rejects settings that can never work. Errors wrap apperr.ErrConfiguration.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return apperr.Configuration("storage.database_url is required for postgres")
		}
	default:
		return apperr.Configuration("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.ObjectStore.Driver {
	case "memory":
	case "s3":
		if len(c.ObjectStore.BucketPrefix) < 3 {
			return apperr.Configuration("object_store.bucket_prefix must have at least 3 characters")
		}
	default:
		return apperr.Configuration("unknown object store driver %q", c.ObjectStore.Driver)
	}
	switch c.Embedding.Provider {
	case "mock", "onnx", "none":
	case "gemini":
		if c.Embedding.APIKey == "" {
			return apperr.Configuration("embedding.api_key (or %s) is required for gemini", EnvGeminiAPIKey)
		}
	default:
		return apperr.Configuration("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Chunking.MaxCharacters <= 0 {
		return apperr.Configuration("chunking.max_characters must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.MaxCharacters {
		return apperr.Configuration("chunking.overlap must be in [0, max_characters)")
	}
	if c.Search.KeywordBoost != nil && *c.Search.KeywordBoost < 0 {
		return apperr.Configuration("search.keyword_boost cannot be negative")
	}
	if c.Upload.MaxSize <= 0 {
		return apperr.Configuration("upload.max_size must be positive")
	}
	if c.Watch.Inbox != "" && strings.TrimSpace(c.Watch.Workspace) == "" {
		return apperr.Configuration("watch.workspace is required when watch.inbox is set")
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
