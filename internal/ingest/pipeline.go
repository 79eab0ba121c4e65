// Package ingest accepts messages, scores them and gets them embedded,
// either inline or through the durable embedding job queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/telemetry"
)

// MessageStore is the persistence the pipeline needs.
type MessageStore interface {
	GetMessage(ctx context.Context, tenantID, id string) (domain.Message, error)
	InsertMessage(ctx context.Context, m domain.Message) error
	EnqueueEmbedding(ctx context.Context, m domain.Message, job domain.EmbeddingJob) error
	RequeueEmbedding(ctx context.Context, job domain.EmbeddingJob) error
}

// Embedder generates embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

// Scorer computes importance scores.
type Scorer interface {
	Score(createdAt time.Time, role domain.Role, override *float64) (float64, error)
}

// Notifier wakes embedding workers after a job is enqueued. Delivery is
// best effort; workers poll regardless.
type Notifier interface {
	Notify(ctx context.Context, tenantID, messageID string) error
}

// Request is one message to ingest.
type Request struct {
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	// Importance overrides the computed score when set.
	Importance *float64 `json:"importance,omitempty"`
	Async      bool     `json:"async,omitempty"`
}

// Result reports what happened to an ingested message.
type Result struct {
	MessageID       string                 `json:"message_id"`
	ConversationID  string                 `json:"conversation_id"`
	ImportanceScore float64                `json:"importance_score"`
	EmbeddingStatus domain.EmbeddingStatus `json:"embedding_status"`
	EmbeddingError  string                 `json:"embedding_error,omitempty"`
}

// Pipeline ingests messages.
type Pipeline struct {
	store       MessageStore
	embedder    Embedder
	scorer      Scorer
	notifier    Notifier
	maxAttempts int
	now         func() time.Time
	logger      *slog.Logger
	metrics     *telemetry.Metrics
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithNotifier sets the worker wake-up notifier.
func WithNotifier(n Notifier) PipelineOption {
	return func(p *Pipeline) { p.notifier = n }
}

// WithMaxAttempts sets the attempt budget of newly enqueued jobs.
func WithMaxAttempts(n int) PipelineOption {
	return func(p *Pipeline) { p.maxAttempts = n }
}

// WithMetrics records ingest metrics.
func WithMetrics(m *telemetry.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a Pipeline.
func NewPipeline(store MessageStore, embedder Embedder, scorer Scorer, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:    store,
		embedder: embedder,
		scorer:   scorer,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (r Request) validate() (domain.Role, error) {
	if strings.TrimSpace(r.TenantID) == "" {
		return "", domain.Invalid("tenant_id", "must not be empty")
	}
	if strings.TrimSpace(r.ConversationID) == "" {
		return "", domain.Invalid("conversation_id", "must not be empty")
	}
	if strings.TrimSpace(r.Content) == "" {
		return "", domain.Invalid("content", "must not be empty")
	}
	role, err := domain.ParseRole(r.Role)
	if err != nil {
		return "", err
	}
	if r.Importance != nil && (*r.Importance < 0 || *r.Importance > 1) {
		return "", domain.Invalid("importance", "must be within [0, 1], got %v", *r.Importance)
	}
	return role, nil
}

// Ingest validates, scores and stores a message. In inline mode the
// message is embedded before returning; an embedding failure is reported
// in the result and never fails the write. In async mode a job is
// enqueued in the same transaction as the message.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (res Result, err error) {
	ctx, span := telemetry.StartIngestSpan(ctx, req.TenantID, req.ConversationID, req.Async)
	defer func() { telemetry.End(span, err) }()

	role, err := req.validate()
	if err != nil {
		return Result{}, err
	}

	now := p.now().UTC()
	score, err := p.scorer.Score(now, role, req.Importance)
	if err != nil {
		return Result{}, fmt.Errorf("scoring message: %w", err)
	}

	id := uuid.NewString()
	m := domain.Message{
		TenantID:        req.TenantID,
		ID:              id,
		ConversationID:  req.ConversationID,
		Role:            role,
		Content:         req.Content,
		Metadata:        req.Metadata,
		ImportanceScore: &score,
		EmbeddingStatus: domain.EmbeddingPending,
		CreatedAt:       now,
	}

	res = Result{MessageID: id, ConversationID: m.ConversationID, ImportanceScore: score}
	if req.Async {
		if err := p.enqueue(ctx, m); err != nil {
			return Result{}, err
		}
		res.EmbeddingStatus = domain.EmbeddingPending
		p.metrics.Ingested(ctx, "async", string(res.EmbeddingStatus))
		return res, nil
	}

	vec, embedErr := p.embed(ctx, m.Content)
	if embedErr != nil {
		p.logger.Warn("inline embedding failed",
			"tenant_id", m.TenantID, "message_id", m.ID, "error", embedErr)
		m.EmbeddingStatus = domain.EmbeddingFailed
		res.EmbeddingError = embedErr.Error()
	} else {
		m.EmbeddingStatus = domain.EmbeddingCompleted
		m.Embedding = vec
	}
	if err := p.store.InsertMessage(ctx, m); err != nil {
		return Result{}, fmt.Errorf("storing message: %w", err)
	}
	res.EmbeddingStatus = m.EmbeddingStatus
	p.metrics.Ingested(ctx, "inline", string(res.EmbeddingStatus))
	return res, nil
}

func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := p.embedder.Embed(ctx, text)
	p.metrics.Embedded(ctx, p.embedder.Name(), time.Since(start), err)
	return vec, err
}

func (p *Pipeline) newJob(tenantID, messageID string) domain.EmbeddingJob {
	return domain.EmbeddingJob{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		MessageID:   messageID,
		Status:      domain.JobPending,
		MaxAttempts: p.maxAttempts,
	}
}

func (p *Pipeline) enqueue(ctx context.Context, m domain.Message) error {
	if err := p.store.EnqueueEmbedding(ctx, m, p.newJob(m.TenantID, m.ID)); err != nil {
		return fmt.Errorf("enqueueing embedding: %w", err)
	}
	p.notify(ctx, m.TenantID, m.ID)
	return nil
}

func (p *Pipeline) notify(ctx context.Context, tenantID, messageID string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, tenantID, messageID); err != nil {
		p.logger.Warn("worker notification failed", "message_id", messageID, "error", err)
	}
}

// Reprocess resets a message to pending and enqueues a fresh embedding
// job. Archived messages are rejected.
func (p *Pipeline) Reprocess(ctx context.Context, tenantID, messageID string) (Result, error) {
	m, err := p.store.GetMessage(ctx, tenantID, messageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Result{}, fmt.Errorf("message %s: %w", messageID, err)
		}
		return Result{}, err
	}
	if m.Archived {
		return Result{}, domain.Invalid("message_id", "message %s is archived", messageID)
	}

	if err := p.store.RequeueEmbedding(ctx, p.newJob(tenantID, messageID)); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Deleted or archived since the read above.
			return Result{}, fmt.Errorf("message %s: %w", messageID, err)
		}
		return Result{}, fmt.Errorf("requeueing embedding: %w", err)
	}
	p.notify(ctx, tenantID, messageID)
	p.logger.Info("message re-enqueued for embedding", "tenant_id", tenantID, "message_id", messageID)
	return Result{
		MessageID:       m.ID,
		ConversationID:  m.ConversationID,
		ImportanceScore: m.Importance(),
		EmbeddingStatus: domain.EmbeddingPending,
	}, nil
}
