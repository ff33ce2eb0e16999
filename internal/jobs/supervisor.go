package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/chishiki/internal/apperr"
	"github.com/hyperjump/chishiki/internal/models"
	"github.com/hyperjump/chishiki/pkg/utils"
)

// QueueConfig describes one queue.
type QueueConfig struct {
	Concurrency int
	Retry       RetryPolicy
	// Timeout bounds one attempt. Zero means no limit.
	Timeout time.Duration
	Handler Handler
}

type queue struct {
	name string
	cfg  QueueConfig
	pool *ants.Pool
}

// Supervisor owns the queues, their worker pools and the pending retry timers.
// Retries wait on a timer, not on a worker.
type Supervisor struct {
	sink   DeadLetterSink
	logger *zap.Logger

	mu       sync.Mutex
	queues   map[string]*queue
	timers   map[*time.Timer]struct{}
	started  bool
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
	inflight int
	idle     chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Supervisor) { s.logger = l } }

// NewSupervisor returns a supervisor that dead-letters into sink. A nil sink keeps dead
// letters in memory.
func NewSupervisor(sink DeadLetterSink, opts ...Option) *Supervisor {
	if sink == nil {
		sink = &MemoryDeadLetters{}
	}
	s := &Supervisor{
		sink:   sink,
		queues: make(map[string]*queue),
		timers: make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.OrNop(s.logger)
	return s
}

// Register adds a queue. Queues must be registered before Start.
func (s *Supervisor) Register(name string, cfg QueueConfig) error {
	if cfg.Handler == nil {
		return apperr.Configuration("queue %s has no handler", name)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return apperr.InvalidState("cannot register queue %s after start", name)
	}
	if _, ok := s.queues[name]; ok {
		return apperr.InvalidState("queue %s already registered", name)
	}
	s.queues[name] = &queue{name: name, cfg: cfg}
	return nil
}

// Start creates the worker pools. Jobs run under a context derived from ctx.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return apperr.InvalidState("supervisor already started")
	}
	if s.closed {
		return apperr.InvalidState("supervisor is closed")
	}
	for _, q := range s.queues {
		pool, err := ants.NewPool(q.cfg.Concurrency, ants.WithLogger(zap.NewStdLog(s.logger)))
		if err != nil {
			s.releasePools()
			return fmt.Errorf("create pool for queue %s: %w", q.name, err)
		}
		q.pool = pool
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.logger.Info("job supervisor started", zap.Int("queues", len(s.queues)))
	return nil
}

// Enqueue adds a job to queueName. A payload that is not already JSON bytes is marshaled.
// Enqueue blocks while every worker of the queue is busy.
func (s *Supervisor) Enqueue(ctx context.Context, queueName, name string, payload any) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s on %s: %w", name, queueName, err)
	}

	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil, apperr.InvalidState("supervisor is not running")
	}
	q, ok := s.queues[queueName]
	if !ok {
		s.mu.Unlock()
		return nil, apperr.NotFound("queue %s", queueName)
	}
	s.hold()
	s.mu.Unlock()

	job := &Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Name:       name,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.submit(q, job); err != nil {
		return nil, err
	}
	s.logger.Debug("job enqueued", zap.String("queue", queueName), zap.String("job_id", job.ID), zap.String("name", name))
	return job, nil
}

// EnqueueIngestion queues an ingestion job.
func (s *Supervisor) EnqueueIngestion(ctx context.Context, job models.IngestionJob) (*Job, error) {
	return s.Enqueue(ctx, models.QueueIngestion, "ingest", job)
}

// EnqueueDeletion queues a deletion job.
func (s *Supervisor) EnqueueDeletion(ctx context.Context, job models.DeletionJob) (*Job, error) {
	return s.Enqueue(ctx, models.QueueDeletion, "delete", job)
}

// Drain waits until no job is running or waiting for a retry.
func (s *Supervisor) Drain(ctx context.Context) error {
	s.mu.Lock()
	if s.inflight == 0 {
		s.mu.Unlock()
		return nil
	}
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, cancels pending retries and running jobs, and releases the
// pools. Jobs interrupted by Close are not dead-lettered.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for t := range s.timers {
		if t.Stop() {
			s.releaseLocked()
		}
	}
	s.timers = make(map[*time.Timer]struct{})
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	var errs []error
	for _, q := range s.queues {
		if q.pool == nil {
			continue
		}
		if err := q.pool.ReleaseTimeout(5 * time.Second); err != nil {
			errs = append(errs, fmt.Errorf("release queue %s: %w", q.name, err))
		}
	}
	s.logger.Info("job supervisor stopped")
	return errors.Join(errs...)
}

func (s *Supervisor) releasePools() {
	for _, q := range s.queues {
		if q.pool != nil {
			q.pool.Release()
			q.pool = nil
		}
	}
}

// hold counts a job as in flight. Callers hold s.mu.
func (s *Supervisor) hold() {
	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight++
}

func (s *Supervisor) release() {
	s.mu.Lock()
	s.releaseLocked()
	s.mu.Unlock()
}

func (s *Supervisor) releaseLocked() {
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
	}
}

// submit hands a held job to its pool. The hold is released when the job finishes or the
// submission fails.
func (s *Supervisor) submit(q *queue, job *Job) error {
	err := q.pool.Submit(func() {
		defer s.release()
		s.run(q, job)
	})
	if err != nil {
		s.release()
		return fmt.Errorf("submit job %s to %s: %w", job.ID, q.name, err)
	}
	return nil
}

func (s *Supervisor) run(q *queue, job *Job) {
	job.Attempt++
	ctx := s.ctx
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := call(ctx, q.cfg.Handler, job)
	if err == nil {
		s.logger.Debug("job completed",
			zap.String("queue", q.name),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}

	if s.ctx.Err() != nil {
		s.logger.Warn("job interrupted by shutdown", zap.String("queue", q.name), zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if !retryable(err) || q.cfg.Retry.Exhausted(job.Attempt) {
		s.deadLetter(q, job, err)
		return
	}

	delay := q.cfg.Retry.DelayAfter(job.Attempt)
	s.logger.Warn("job failed, retrying",
		zap.String("queue", q.name),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
	s.scheduleRetry(q, job, delay)
}

func (s *Supervisor) scheduleRetry(q *queue, job *Job, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.hold()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			s.release()
			return
		}
		if err := s.submit(q, job); err != nil {
			s.logger.Error("failed to resubmit job", zap.String("queue", q.name), zap.String("job_id", job.ID), zap.Error(err))
		}
	})
	s.timers[t] = struct{}{}
}

func (s *Supervisor) deadLetter(q *queue, job *Job, cause error) {
	dl := &models.DeadLetter{
		Queue:       models.DeadLetterQueue(q.name),
		OriginQueue: q.name,
		JobID:       job.ID,
		JobName:     job.Name,
		Payload:     job.Payload,
		Attempts:    job.Attempt,
		LastError:   cause.Error(),
		FailedAt:    time.Now().UTC(),
	}
	s.logger.Error("job moved to dead-letter queue",
		zap.String("queue", q.name),
		zap.String("dead_letter_queue", dl.Queue),
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Int("attempts", job.Attempt),
		zap.Error(cause),
	)
	if err := s.sink.PutDeadLetter(context.WithoutCancel(s.ctx), dl); err != nil {
		s.logger.Error("failed to store dead letter", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func retryable(err error) bool {
	return apperr.IsRetryable(err) && !errors.Is(err, ErrBadPayload)
}

func call(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v\n%s", job.ID, r, debug.Stack())
		}
	}()
	return h(ctx, job)
}

func encodePayload(payload any) (json.RawMessage, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, ErrBadPayload
	}
	return append(json.RawMessage(nil), raw...), nil
}
