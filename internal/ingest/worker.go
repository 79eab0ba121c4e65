package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/telemetry"
)

// errMessageMissing is recorded on jobs whose message was deleted.
const errMessageMissing = "message_missing"

// JobStore is the slice of storage the worker needs.
type JobStore interface {
	LeaseJobs(ctx context.Context, limit int, lease time.Duration) ([]domain.EmbeddingJob, error)
	GetMessage(ctx context.Context, tenantID, id string) (domain.Message, error)
	SetEmbedding(ctx context.Context, tenantID, id string, vec []float32) error
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id, errMsg string, runAfter time.Time) error
	FailJob(ctx context.Context, id, errMsg string) error
}

// WorkerConfig tunes the embedding worker.
type WorkerConfig struct {
	Concurrency   int
	BatchSize     int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
}

// DefaultWorkerConfig returns 2 workers, 500ms polling, a 60s lease and
// backoff from 2s up to 5m.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:   2,
		BatchSize:     8,
		PollInterval:  500 * time.Millisecond,
		LeaseDuration: 60 * time.Second,
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    5 * time.Minute,
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	def := DefaultWorkerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = max(def.BatchSize, c.Concurrency)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	return c
}

// Backoff returns min(base * 2^(attempt-1), maxBackoff).
func Backoff(attempt int, base, maxBackoff time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff || d <= 0 {
			return maxBackoff
		}
	}
	return min(d, maxBackoff)
}

// Worker drains the embedding job queue.
type Worker struct {
	store    JobStore
	embedder Embedder
	cfg      WorkerConfig
	wake     chan struct{}
	now      func() time.Time
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewWorker creates a Worker. Zero fields of cfg take their defaults.
func NewWorker(store JobStore, embedder Embedder, cfg WorkerConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		logger:   logger,
		metrics:  metrics,
	}
}

// Wake interrupts the poll sleep so new work is picked up immediately.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls for jobs until ctx is cancelled. The queue is drained without
// sleeping while work is available.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		didWork, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if didWork {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce leases up to BatchSize due jobs and waits for all of them to
// settle. The bool is false when the lease came back empty, so the caller
// can sleep until the next poll or wake-up.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	jobs, err := w.store.LeaseJobs(ctx, w.cfg.BatchSize, w.cfg.LeaseDuration)
	if err != nil {
		return false, fmt.Errorf("leasing jobs: %w", err)
	}
	if len(jobs) == 0 {
		return false, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.process(gCtx, job)
			return nil
		})
	}
	_ = g.Wait()
	return true, nil
}

func (w *Worker) process(ctx context.Context, job domain.EmbeddingJob) {
	ctx, span := telemetry.StartJobSpan(ctx, job.ID, job.MessageID, job.AttemptCount)
	var spanErr error
	defer func() { telemetry.End(span, spanErr) }()

	log := w.logger.With("job_id", job.ID, "tenant_id", job.TenantID, "message_id", job.MessageID)

	msg, err := w.store.GetMessage(ctx, job.TenantID, job.MessageID)
	if errors.Is(err, domain.ErrNotFound) {
		spanErr = err
		w.fail(ctx, log, job, errMessageMissing)
		return
	}
	if err != nil {
		spanErr = err
		w.retryOrFail(ctx, log, job, err)
		return
	}

	start := time.Now()
	vec, err := w.embedder.Embed(ctx, msg.Content)
	w.metrics.Embedded(ctx, w.embedder.Name(), time.Since(start), err)
	if err != nil {
		spanErr = err
		if ctx.Err() != nil {
			// Shutting down; the lease expires and another worker reclaims the job.
			return
		}
		w.retryOrFail(ctx, log, job, err)
		return
	}

	if err := w.store.SetEmbedding(ctx, job.TenantID, job.MessageID, vec); err != nil {
		spanErr = err
		if errors.Is(err, domain.ErrNotFound) {
			w.fail(ctx, log, job, errMessageMissing)
			return
		}
		w.retryOrFail(ctx, log, job, err)
		return
	}
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		spanErr = err
		log.Error("failed to mark job completed", "error", err)
		return
	}
	w.metrics.JobFinished(ctx, "completed")
	log.Debug("embedding job completed", "attempt", job.AttemptCount)
}

func (w *Worker) retryOrFail(ctx context.Context, log *slog.Logger, job domain.EmbeddingJob, cause error) {
	if domain.IsPermanent(cause) || job.Exhausted() {
		w.fail(ctx, log, job, cause.Error())
		return
	}
	delay := Backoff(job.AttemptCount, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
	if err := w.store.RetryJob(ctx, job.ID, cause.Error(), w.now().Add(delay)); err != nil {
		log.Error("failed to reschedule job", "error", err)
		return
	}
	w.metrics.JobFinished(ctx, "retried")
	log.Warn("embedding job will be retried", "attempt", job.AttemptCount, "backoff", delay, "error", cause)
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, job domain.EmbeddingJob, reason string) {
	if err := w.store.FailJob(ctx, job.ID, reason); err != nil {
		log.Error("failed to mark job as failed", "error", err)
		return
	}
	w.metrics.JobFinished(ctx, "failed")
	log.Warn("embedding job failed permanently", "attempt", job.AttemptCount, "reason", reason)
}
