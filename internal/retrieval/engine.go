// Package retrieval ranks a tenant's embedded messages against a query by
// blending cosine similarity, importance and recency.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/storage"
	"github.com/shubhhh19/memory-mesh/internal/telemetry"
)

const (
	// MaxTopK is the largest accepted top_k.
	MaxTopK = 20
	// DefaultTopK is used by callers that let the user omit top_k.
	DefaultTopK = 8
	// DefaultMaxCandidates bounds how many messages are scored per search.
	DefaultMaxCandidates = 500
)

// CandidateStore loads the messages eligible for ranking.
type CandidateStore interface {
	QueryCandidates(ctx context.Context, q storage.CandidateQuery) ([]domain.Message, error)
}

// QueryEmbedder embeds search queries. It must not substitute a fallback
// vector when the real provider is unavailable.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes ranking.
type Config struct {
	MaxCandidates int
	HalfLife      time.Duration
	Weights       Weights
}

// DefaultConfig returns 500 candidates, a 7 day recency half-life and the
// default weights.
func DefaultConfig() Config {
	return Config{
		MaxCandidates: DefaultMaxCandidates,
		HalfLife:      7 * 24 * time.Hour,
		Weights:       DefaultWeights(),
	}
}

// Request is a search over one tenant's memory.
type Request struct {
	TenantID       string   `json:"tenant_id"`
	Query          string   `json:"query"`
	ConversationID string   `json:"conversation_id,omitempty"`
	TopK           int      `json:"top_k"`
	MinImportance  *float64 `json:"min_importance,omitempty"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return domain.Invalid("tenant_id", "must not be empty")
	}
	if strings.TrimSpace(r.Query) == "" {
		return domain.Invalid("query", "must not be empty")
	}
	if r.TopK < 1 || r.TopK > MaxTopK {
		return domain.Invalid("top_k", "must be within [1, %d], got %d", MaxTopK, r.TopK)
	}
	if r.MinImportance != nil && (*r.MinImportance < 0 || *r.MinImportance > 1) {
		return domain.Invalid("min_importance", "must be within [0, 1], got %v", *r.MinImportance)
	}
	return nil
}

// Engine runs searches.
type Engine struct {
	store    CandidateStore
	embedder QueryEmbedder
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewEngine creates an Engine. Zero fields of cfg take their defaults.
func NewEngine(store CandidateStore, embedder QueryEmbedder, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Engine {
	def := DefaultConfig()
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, embedder: embedder, cfg: cfg, now: time.Now, logger: logger, metrics: metrics}
}

// Search validates req, embeds the query and ranks the candidates. A
// failure to embed the query is reported as SearchUnavailable and never
// retried.
func (e *Engine) Search(ctx context.Context, req Request) (results []Result, err error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartSearchSpan(ctx, req.TenantID, req.TopK)
	start := time.Now()
	defer func() {
		telemetry.End(span, err)
		e.metrics.Searched(ctx, time.Since(start), err)
	}()

	vec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		e.logger.Warn("query embedding failed", "tenant_id", req.TenantID, "error", err)
		return nil, &domain.SearchUnavailable{Err: err}
	}

	q := storage.CandidateQuery{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		Limit:          e.cfg.MaxCandidates,
		Vector:         vec,
	}
	if req.MinImportance != nil {
		q.MinImportance = *req.MinImportance
	}
	candidates, err := e.store.QueryCandidates(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("loading candidates: %w", err)
	}

	results = Rank(vec, candidates, e.now(), req.TopK, e.cfg.Weights, e.cfg.HalfLife)
	e.logger.Debug("search completed",
		"tenant_id", req.TenantID, "candidates", len(candidates), "results", len(results))
	return results, nil
}
