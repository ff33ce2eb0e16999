package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/config"
	"github.com/hyperjump/chishiki/internal/embedding"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// Sweeper aborts stale upload sessions. upload.Manager implements it.
type Sweeper interface {
	SweepStale(ctx context.Context, cutoff time.Time) (int, error)
}

// SessionSweep aborts upload sessions idle for longer than TTL.
type SessionSweep struct {
	Sweeper Sweeper
	TTL     time.Duration
	Logger  *zap.Logger
	Now     func() time.Time
}

func (j *SessionSweep) Name() string { return "session-sweep" }

func (j *SessionSweep) Run(ctx context.Context) error {
	cutoff := now(j.Now).Add(-j.TTL)
	n, err := j.Sweeper.SweepStale(ctx, cutoff)
	if n > 0 {
		utils.OrNop(j.Logger).Info("stale upload sessions aborted", zap.Int("sessions", n), zap.Time("cutoff", cutoff))
	}
	return err
}

// BackfillStore lists chunks that still lack a vector.
type BackfillStore interface {
	ChunksMissingEmbeddings(ctx context.Context, limit int) ([]models.Chunk, error)
}

// EmbeddingBackfill attaches embeddings to chunks whose best-effort embedding failed at
// ingestion time. Each run handles at most BatchSize chunks.
type EmbeddingBackfill struct {
	Store     BackfillStore
	Cache     *embedding.Cache
	Provider  embedding.Provider
	BatchSize int
	Logger    *zap.Logger
}

func (j *EmbeddingBackfill) Name() string { return "embedding-backfill" }

func (j *EmbeddingBackfill) Run(ctx context.Context) error {
	chunks, err := j.Store.ChunksMissingEmbeddings(ctx, j.BatchSize)
	if err != nil {
		return err
	}
	var errs []error
	attached := 0
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := j.Cache.AttachToChunk(ctx, c.ID, c.Content, j.Provider, c.TokenCount); err != nil {
			errs = append(errs, fmt.Errorf("chunk %s: %w", c.ID, err))
			continue
		}
		attached++
	}
	if len(chunks) > 0 {
		utils.OrNop(j.Logger).Info("embedding backfill",
			zap.Int("candidates", len(chunks)),
			zap.Int("attached", attached),
			zap.Int("failed", len(errs)),
		)
	}
	return errors.Join(errs...)
}

// CachePruner drops embedding cache entries created before a cutoff.
type CachePruner interface {
	DeleteEmbeddingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CacheCleanup removes cache entries older than MaxAge. Vectors already attached to
// chunks are kept.
type CacheCleanup struct {
	Store  CachePruner
	Cache  *embedding.Cache
	MaxAge time.Duration
	Logger *zap.Logger
	Now    func() time.Time
}

func (j *CacheCleanup) Name() string { return "embedding-cache-cleanup" }

func (j *CacheCleanup) Run(ctx context.Context) error {
	cutoff := now(j.Now).Add(-j.MaxAge)
	n, err := j.Store.DeleteEmbeddingsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		if j.Cache != nil {
			j.Cache.Purge()
		}
		utils.OrNop(j.Logger).Info("embedding cache pruned", zap.Int64("entries", n), zap.Time("cutoff", cutoff))
	}
	return nil
}

// Store is the persistence the embedding jobs share. storage.SQLStore implements it.
type Store interface {
	BackfillStore
	CachePruner
}

// Deps are the components maintenance jobs operate on. Nil members disable the jobs that
// need them.
type Deps struct {
	Sweeper  Sweeper
	Store    Store
	Cache    *embedding.Cache
	Provider embedding.Provider
	Logger   *zap.Logger
}

type entry struct {
	job  Job
	spec string
}

// Register schedules the maintenance jobs named in cfg. Jobs with an empty spec, or whose
// dependencies are missing, are skipped.
func Register(s *Scheduler, cfg config.Config, deps Deps) error {
	if cfg.Schedule.DisableMaintenance {
		return nil
	}
	var jobs []entry
	add := func(j Job, spec string) { jobs = append(jobs, entry{j, spec}) }

	if deps.Sweeper != nil {
		add(&SessionSweep{Sweeper: deps.Sweeper, TTL: cfg.Upload.SessionTTL, Logger: deps.Logger}, cfg.Schedule.SessionSweep)
	}
	if deps.Store != nil && deps.Cache != nil && deps.Provider != nil {
		add(&EmbeddingBackfill{
			Store:     deps.Store,
			Cache:     deps.Cache,
			Provider:  deps.Provider,
			BatchSize: cfg.Schedule.BackfillBatchSize,
			Logger:    deps.Logger,
		}, cfg.Schedule.EmbeddingBackfill)
	}
	if deps.Store != nil {
		add(&CacheCleanup{
			Store:  deps.Store,
			Cache:  deps.Cache,
			MaxAge: time.Duration(cfg.Schedule.CacheMaxAgeDays) * 24 * time.Hour,
			Logger: deps.Logger,
		}, cfg.Schedule.CacheCleanup)
	}

	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := s.Add(j.job, j.spec); err != nil {
			return fmt.Errorf("schedule %s: %w", j.job.Name(), err)
		}
	}
	return nil
}

func now(f func() time.Time) time.Time {
	if f != nil {
		return f()
	}
	return time.Now().UTC()
}
