package embedding

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/resilience"
)

// Config selects and tunes the embedding backend.
type Config struct {
	Provider  string // deterministic, ollama or openai
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int
	Timeout   time.Duration
	MaxTokens int
	// Fallback names the provider used while the breaker is open.
	// Empty disables fallback.
	Fallback string

	Breaker resilience.Config

	CacheEntries int64
	CacheTTL     time.Duration
}

// Set bundles the ingestion-side and query-side views of one backend.
type Set struct {
	// Ingest falls back while the breaker is open.
	Ingest *Guarded
	// Query is strict and cached.
	Query Provider

	cache *Cached
}

// Close releases the query cache.
func (s *Set) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// NewProvider builds a single unguarded provider by name.
func NewProvider(cfg Config, name string) (Provider, error) {
	switch name {
	case "deterministic":
		return NewDeterministic(cfg.Dimension), nil
	case "ollama":
		model := cfg.Model
		if model == "" {
			model = "nomic-embed-text"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return NewOllama(baseURL, model, cfg.Dimension, cfg.Timeout), nil
	case "openai":
		return NewOpenAI(cfg.APIKey, cfg.Dimension,
			WithModel(cfg.Model),
			WithBaseURL(cfg.BaseURL),
			WithMaxTokens(cfg.MaxTokens),
		)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", name)
	}
}

// New builds the guarded provider set described by cfg.
func New(cfg Config, logger *slog.Logger, opts ...GuardedOption) (*Set, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}
	primary, err := NewProvider(cfg, cfg.Provider)
	if err != nil {
		return nil, err
	}

	var fallback Provider
	if cfg.Fallback != "" && cfg.Fallback != cfg.Provider {
		fallback, err = NewProvider(cfg, cfg.Fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
	}

	guarded := NewGuarded(primary, fallback, resilience.NewBreaker(cfg.Breaker), logger, opts...)
	set := &Set{Ingest: guarded, Query: guarded.Strict()}

	if cfg.CacheEntries > 0 {
		cached, err := NewCached(guarded.Strict(), cfg.CacheEntries, cfg.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("creating query cache: %w", err)
		}
		set.cache = cached
		set.Query = cached
	}
	return set, nil
}
