// Package memory is the facade the API and CLI call. It owns the wiring of
// storage, embedding, ingest, retrieval, retention and scheduling.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/embedding"
	"github.com/shubhhh19/memory-mesh/internal/ingest"
	"github.com/shubhhh19/memory-mesh/internal/notify"
	"github.com/shubhhh19/memory-mesh/internal/resilience"
	"github.com/shubhhh19/memory-mesh/internal/retention"
	"github.com/shubhhh19/memory-mesh/internal/retrieval"
	"github.com/shubhhh19/memory-mesh/internal/scheduler"
	"github.com/shubhhh19/memory-mesh/internal/storage"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// conversationMessages bounds the messages returned with a conversation.
	conversationMessages = 50
)

// IngestRequest is one message to store. Async overrides the configured
// default when set.
type IngestRequest struct {
	TenantID       string         `json:"tenant_id"`
	ConversationID string         `json:"conversation_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Importance     *float64       `json:"importance,omitempty"`
	Async          *bool          `json:"async,omitempty"`
}

// SearchRequest is a search as callers submit it. A nil TopK means the
// configured default.
type SearchRequest struct {
	TenantID       string   `json:"tenant_id"`
	Query          string   `json:"query"`
	ConversationID string   `json:"conversation_id,omitempty"`
	TopK           *int     `json:"top_k,omitempty"`
	MinImportance  *float64 `json:"min_importance,omitempty"`
}

// Health is a point-in-time view of the service.
type Health struct {
	Status           string  `json:"status"`
	Database         string  `json:"database"`
	DatabaseLatency  float64 `json:"database_latency_ms"`
	BreakerState     string  `json:"breaker_state"`
	QueueDepth       int     `json:"queue_depth"`
	Provider         string  `json:"provider_name"`
	FallbackProvider string  `json:"fallback_provider,omitempty"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// ConversationView is a conversation with its messages, oldest first.
type ConversationView struct {
	domain.Conversation
	Messages []domain.Message `json:"messages"`
}

// Service is the memory core.
type Service struct {
	store      storage.Repository
	embeddings *embedding.Set
	pipeline   *ingest.Pipeline
	worker     *ingest.Worker
	search     *retrieval.Engine
	scheduler  *scheduler.Scheduler
	bus        *notify.Bus
	unsub      func()

	asyncDefault bool
	defaultTopK  int
	started      time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// Start launches the embedding worker and the retention scheduler. They
// stop when ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		s.worker.Run(ctx)
	}()
	s.scheduler.Start(ctx)
}

// Close stops background work and releases every resource.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.scheduler.Stop()
	s.running.Wait()

	if s.unsub != nil {
		s.unsub()
	}
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Warn("closing nats connection", "error", err)
		}
	}
	s.embeddings.Close()
	return s.store.Close()
}

// Ingest scores, stores and embeds (or enqueues) a message.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (ingest.Result, error) {
	async := s.asyncDefault
	if req.Async != nil {
		async = *req.Async
	}
	return s.pipeline.Ingest(ctx, ingest.Request{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		Role:           req.Role,
		Content:        req.Content,
		Metadata:       req.Metadata,
		Importance:     req.Importance,
		Async:          async,
	})
}

// Search ranks a tenant's messages against a query. An omitted TopK takes
// the configured default; an explicit one is validated as given.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]retrieval.Result, error) {
	topK := s.defaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	return s.search.Search(ctx, retrieval.Request{
		TenantID:       req.TenantID,
		Query:          req.Query,
		ConversationID: req.ConversationID,
		TopK:           topK,
		MinImportance:  req.MinImportance,
	})
}

// RunRetention applies (or with dryRun, previews) the tenant's retention
// policy. Empty actions means the policy's own actions.
func (s *Service) RunRetention(ctx context.Context, tenantID string, actions []string, dryRun bool) (retention.Result, error) {
	parsed, err := retention.ParseActions(actions)
	if err != nil {
		return retention.Result{}, err
	}
	return s.scheduler.RunNow(ctx, tenantID, parsed, dryRun)
}

// Health reports database reachability, breaker state and queue depth.
// Status is "ok" only when the database answers and the breaker is closed.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:           "ok",
		Database:         "ok",
		BreakerState:     s.embeddings.Ingest.State().String(),
		Provider:         s.embeddings.Ingest.Name(),
		FallbackProvider: s.embeddings.Ingest.FallbackName(),
		UptimeSeconds:    time.Since(s.started).Seconds(),
	}

	start := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("health check: database unreachable", "error", err)
		h.Status = "degraded"
		h.Database = "down"
	} else {
		h.DatabaseLatency = float64(time.Since(start).Microseconds()) / 1000
		depth, err := s.store.QueueDepth(ctx)
		if err != nil {
			s.logger.Warn("health check: reading queue depth", "error", err)
		}
		h.QueueDepth = depth
	}

	if s.embeddings.Ingest.State() != resilience.StateClosed {
		h.Status = "degraded"
	}
	return h
}

// GetMessage returns one message of a tenant.
func (s *Service) GetMessage(ctx context.Context, tenantID, id string) (domain.Message, error) {
	if err := requireTenant(tenantID); err != nil {
		return domain.Message{}, err
	}
	m, err := s.store.GetMessage(ctx, tenantID, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Message{}, fmt.Errorf("message %s: %w", id, err)
	}
	return m, err
}

// Reprocess re-enqueues embedding for a message.
func (s *Service) Reprocess(ctx context.Context, tenantID, id string) (ingest.Result, error) {
	if err := requireTenant(tenantID); err != nil {
		return ingest.Result{}, err
	}
	return s.pipeline.Reprocess(ctx, tenantID, id)
}

// ListConversations pages through a tenant's conversations, most recently
// active first. A zero limit takes DefaultPageSize.
func (s *Service) ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]domain.Conversation, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	if limit < 1 || limit > MaxPageSize {
		return nil, domain.Invalid("limit", "must be within [1, %d], got %d", MaxPageSize, limit)
	}
	if offset < 0 {
		return nil, domain.Invalid("offset", "must be >= 0, got %d", offset)
	}
	return s.store.ListConversations(ctx, tenantID, limit, offset)
}

// GetConversation returns a conversation and up to 50 of its messages.
func (s *Service) GetConversation(ctx context.Context, tenantID, id string) (ConversationView, error) {
	if err := requireTenant(tenantID); err != nil {
		return ConversationView{}, err
	}
	c, err := s.store.GetConversation(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return ConversationView{}, fmt.Errorf("conversation %s: %w", id, err)
		}
		return ConversationView{}, err
	}
	msgs, err := s.store.ListMessages(ctx, tenantID, id, conversationMessages)
	if err != nil {
		return ConversationView{}, fmt.Errorf("listing messages: %w", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return ConversationView{Conversation: c, Messages: msgs}, nil
}

// RetentionRunning reports whether a real retention run holds the tenant
// lease.
func (s *Service) RetentionRunning(tenantID string) bool {
	return s.scheduler.Running(tenantID)
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return domain.Invalid("tenant_id", "must not be empty")
	}
	return nil
}
