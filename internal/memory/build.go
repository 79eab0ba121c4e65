package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/config"
	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/embedding"
	"github.com/shubhhh19/memory-mesh/internal/importance"
	"github.com/shubhhh19/memory-mesh/internal/ingest"
	"github.com/shubhhh19/memory-mesh/internal/notify"
	"github.com/shubhhh19/memory-mesh/internal/resilience"
	"github.com/shubhhh19/memory-mesh/internal/retention"
	"github.com/shubhhh19/memory-mesh/internal/retrieval"
	"github.com/shubhhh19/memory-mesh/internal/scheduler"
	"github.com/shubhhh19/memory-mesh/internal/storage"
	"github.com/shubhhh19/memory-mesh/internal/storage/postgres"
	"github.com/shubhhh19/memory-mesh/internal/telemetry"
)

// Option adjusts how New assembles the service.
type Option func(*options)

type options struct {
	store   storage.Repository
	metrics *telemetry.Metrics
}

// WithStore uses an already opened repository instead of the configured
// backend. The service takes ownership and closes it.
func WithStore(r storage.Repository) Option {
	return func(o *options) { o.store = r }
}

// WithMetrics records metrics on m instead of the global meter provider.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New assembles the service described by cfg. An unknown or misconfigured
// embedding provider is an error here, never at request time.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	metrics := o.metrics
	if metrics == nil {
		m, err := telemetry.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("creating metrics: %w", err)
		}
		metrics = m
	}

	scorer, err := importance.NewScorer(importanceConfig(cfg.Importance))
	if err != nil {
		return nil, fmt.Errorf("importance scorer: %w", err)
	}
	policy, err := cfg.RetentionPolicy()
	if err != nil {
		return nil, err
	}

	embeddings, err := embedding.New(embeddingConfig(cfg.Embedding), logger,
		embedding.WithObserver(func(_, to resilience.State) {
			metrics.BreakerChanged(context.Background(), to.String())
		}))
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}

	store := o.store
	if store == nil {
		store, err = openStore(ctx, cfg.Storage)
		if err != nil {
			embeddings.Close()
			return nil, err
		}
	}

	w := cfg.Worker
	worker := ingest.NewWorker(store, embeddings.Ingest, ingest.WorkerConfig{
		Concurrency:   w.Concurrency,
		BatchSize:     w.BatchSize,
		PollInterval:  w.PollInterval,
		LeaseDuration: w.LeaseDuration,
		BaseBackoff:   w.BaseBackoff,
		MaxBackoff:    w.MaxBackoff,
	}, logger, metrics)

	s := &Service{
		store:        store,
		embeddings:   embeddings,
		worker:       worker,
		asyncDefault: w.AsyncDefault,
		defaultTopK:  cfg.Retrieval.DefaultTopK,
		started:      time.Now(),
		logger:       logger,
	}

	var notifier ingest.Notifier = notify.NewLocal(worker.Wake)
	if cfg.NATS.URL != "" {
		bus, err := notify.Connect(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			embeddings.Close()
			store.Close()
			return nil, err
		}
		unsub, err := bus.Subscribe(func(notify.Event) { worker.Wake() })
		if err != nil {
			bus.Close()
			embeddings.Close()
			store.Close()
			return nil, err
		}
		s.bus, s.unsub = bus, unsub
		notifier = bus
	}

	s.pipeline = ingest.NewPipeline(store, embeddings.Ingest, scorer,
		ingest.WithNotifier(notifier),
		ingest.WithMaxAttempts(w.MaxAttempts),
		ingest.WithMetrics(metrics),
		ingest.WithLogger(logger),
	)

	r := cfg.Retrieval
	s.search = retrieval.NewEngine(store, embeddings.Query, retrieval.Config{
		MaxCandidates: r.MaxCandidates,
		HalfLife:      r.HalfLife,
		Weights: retrieval.Weights{
			Similarity: r.SimilarityWeight,
			Importance: r.ImportanceWeight,
			Recency:    r.RecencyWeight,
		},
	}, logger, metrics)

	retentionEngine := retention.NewEngine(store, retention.Policies{
		Default:   policy,
		Overrides: cfg.Retention.Overrides,
	}, logger, metrics)
	s.scheduler = scheduler.New(retentionEngine, store, scheduler.Config{
		Interval:    time.Duration(cfg.Retention.ScheduleSeconds) * time.Second,
		Tenants:     cfg.Retention.Tenants,
		Parallelism: cfg.Retention.Parallelism,
	}, logger)

	logger.Info("memory service ready",
		"storage", cfg.Storage.Backend,
		"provider", embeddings.Ingest.Name(),
		"fallback", embeddings.Ingest.FallbackName(),
		"dimension", cfg.Embedding.Dimension,
		"nats", cfg.NATS.URL != "",
	)
	return s, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Backend {
	case "postgres":
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.PostgresDSN,
			MaxConns: int32(cfg.MaxConns),
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return store, nil
	default:
		store, err := storage.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		return store, nil
	}
}

func importanceConfig(c config.ImportanceConfig) importance.Config {
	return importance.Config{
		HalfLife:      c.HalfLife,
		RecencyWeight: c.RecencyWeight,
		RoleWeight:    c.RoleWeight,
		RoleWeights: map[domain.Role]float64{
			domain.RoleUser:      c.UserWeight,
			domain.RoleAssistant: c.AssistantWeight,
			domain.RoleSystem:    c.SystemWeight,
		},
	}
}

func embeddingConfig(c config.EmbeddingConfig) embedding.Config {
	return embedding.Config{
		Provider:  c.Provider,
		Model:     c.Model,
		BaseURL:   c.BaseURL,
		APIKey:    c.APIKey,
		Dimension: c.Dimension,
		Timeout:   c.Timeout,
		MaxTokens: c.MaxTokens,
		Fallback:  c.Fallback,
		Breaker: resilience.Config{
			FailureThreshold:  c.BreakerFailures,
			Window:            c.BreakerWindow,
			Cooldown:          c.BreakerCooldown,
			HalfOpenSuccesses: c.BreakerHalfOpenSuccesses,
		},
		CacheEntries: int64(c.CacheEntries),
		CacheTTL:     c.CacheTTL,
	}
}
