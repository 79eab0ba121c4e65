package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Embedding  EmbeddingConfig
	Importance ImportanceConfig
	Retrieval  RetrievalConfig
	Worker     WorkerConfig
	Retention  RetentionConfig
	NATS       NATSConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host string
	Port int
	// Token enables bearer authentication on /v1 when set.
	Token string
}

type StorageConfig struct {
	Backend     string // sqlite or postgres
	DataDir     string
	PostgresDSN string
	MaxConns    int
}

type EmbeddingConfig struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	Dimension    int
	Timeout      time.Duration
	MaxTokens    int
	Fallback     string
	CacheEntries int
	CacheTTL     time.Duration

	BreakerFailures          int
	BreakerWindow            time.Duration
	BreakerCooldown          time.Duration
	BreakerHalfOpenSuccesses int
}

type ImportanceConfig struct {
	HalfLife        time.Duration
	RecencyWeight   float64
	RoleWeight      float64
	UserWeight      float64
	AssistantWeight float64
	SystemWeight    float64
}

type RetrievalConfig struct {
	DefaultTopK      int
	MaxCandidates    int
	HalfLife         time.Duration
	SimilarityWeight float64
	ImportanceWeight float64
	RecencyWeight    float64
}

type WorkerConfig struct {
	Concurrency   int
	BatchSize     int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	// AsyncDefault makes ingest enqueue unless the request says otherwise.
	AsyncDefault bool
}

type RetentionConfig struct {
	MaxAgeDays          int
	ImportanceThreshold float64
	DeleteAfterDays     int
	Actions             []string
	ScheduleSeconds     int
	Tenants             []string
	Parallelism         int
	// Overrides holds per-tenant policies. Only settable in the config file
	// under retention.overrides.
	Overrides map[string]domain.RetentionPolicy
}

type NATSConfig struct {
	URL     string
	Subject string
}

type LogConfig struct {
	Level   string
	Format  string // text or json
	Service string
}

var embeddingProviders = map[string]bool{"deterministic": true, "ollama": true, "openai": true}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Storage: StorageConfig{
			Backend:  "sqlite",
			DataDir:  defaultDataDir(),
			MaxConns: 10,
		},
		Embedding: EmbeddingConfig{
			Provider:                 "deterministic",
			Dimension:                384,
			Timeout:                  10 * time.Second,
			MaxTokens:                8191,
			Fallback:                 "deterministic",
			CacheEntries:             1000,
			CacheTTL:                 10 * time.Minute,
			BreakerFailures:          5,
			BreakerWindow:            60 * time.Second,
			BreakerCooldown:          30 * time.Second,
			BreakerHalfOpenSuccesses: 2,
		},
		Importance: ImportanceConfig{
			HalfLife:        7 * 24 * time.Hour,
			RecencyWeight:   0.5,
			RoleWeight:      0.5,
			UserWeight:      0.6,
			AssistantWeight: 0.5,
			SystemWeight:    0.3,
		},
		Retrieval: RetrievalConfig{
			DefaultTopK:      8,
			MaxCandidates:    500,
			HalfLife:         7 * 24 * time.Hour,
			SimilarityWeight: 0.6,
			ImportanceWeight: 0.3,
			RecencyWeight:    0.1,
		},
		Worker: WorkerConfig{
			Concurrency:   2,
			BatchSize:     8,
			PollInterval:  500 * time.Millisecond,
			LeaseDuration: 60 * time.Second,
			MaxAttempts:   5,
			BaseBackoff:   2 * time.Second,
			MaxBackoff:    5 * time.Minute,
		},
		Retention: RetentionConfig{
			MaxAgeDays:          30,
			ImportanceThreshold: 0.35,
			DeleteAfterDays:     90,
			Actions:             []string{"archive", "delete"},
			ScheduleSeconds:     3600,
			Parallelism:         4,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "text",
			Service: "memorymesh",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "memorymesh-data"
		}
	}
	return filepath.Join(dir, "memorymesh")
}

// Load builds the configuration from defaults, the YAML file at path (or
// DefaultPath when empty), and MEMORYMESH_* environment variables, then
// validates it. A missing file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	b, err := newFileBackend(path)
	if err != nil {
		return Config{}, err
	}
	return loadWith(b)
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := Defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	var overrides map[string]domain.RetentionPolicy
	if ok, err := b.Decode("retention.overrides", &overrides); err != nil {
		return Config{}, err
	} else if ok {
		cfg.Retention.Overrides = overrides
	}

	applyEnvOverrides(&cfg)

	if actions, err := domain.ParseActions(cfg.Retention.Actions); err == nil {
		for tenant, p := range cfg.Retention.Overrides {
			if len(p.Actions) == 0 {
				p.Actions = actions
				cfg.Retention.Overrides[tenant] = p
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RetentionPolicy returns the default policy described by the config.
func (c Config) RetentionPolicy() (domain.RetentionPolicy, error) {
	actions, err := domain.ParseActions(c.Retention.Actions)
	if err != nil {
		return domain.RetentionPolicy{}, err
	}
	return domain.RetentionPolicy{
		MaxAgeDays:          c.Retention.MaxAgeDays,
		ImportanceThreshold: c.Retention.ImportanceThreshold,
		DeleteAfterDays:     c.Retention.DeleteAfterDays,
		Actions:             actions,
	}, nil
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be within [0, 65535], got %d", c.Server.Port)
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir must be set for the sqlite backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("the postgres backend needs a DSN: set MEMORYMESH_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("storage.backend must be sqlite or postgres, got %q", c.Storage.Backend)
	}

	e := c.Embedding
	if !embeddingProviders[e.Provider] {
		return fmt.Errorf("unknown embedding.provider %q", e.Provider)
	}
	if e.Fallback != "" && !embeddingProviders[e.Fallback] {
		return fmt.Errorf("unknown embedding.fallback %q", e.Fallback)
	}
	if e.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", e.Dimension)
	}
	if e.BreakerFailures <= 0 || e.BreakerHalfOpenSuccesses <= 0 {
		return fmt.Errorf("embedding breaker thresholds must be positive")
	}

	im := c.Importance
	if im.HalfLife <= 0 {
		return fmt.Errorf("importance.half_life must be positive")
	}
	for name, w := range map[string]float64{
		"importance.user_weight":      im.UserWeight,
		"importance.assistant_weight": im.AssistantWeight,
		"importance.system_weight":    im.SystemWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, w)
		}
	}
	if im.RecencyWeight < 0 || im.RoleWeight < 0 {
		return fmt.Errorf("importance weights must be non-negative")
	}

	r := c.Retrieval
	if r.DefaultTopK < 1 || r.DefaultTopK > 20 {
		return fmt.Errorf("retrieval.default_top_k must be within [1, 20], got %d", r.DefaultTopK)
	}
	if r.MaxCandidates <= 0 || r.HalfLife <= 0 {
		return fmt.Errorf("retrieval.max_candidates and retrieval.half_life must be positive")
	}
	if r.SimilarityWeight < 0 || r.ImportanceWeight < 0 || r.RecencyWeight < 0 ||
		r.SimilarityWeight+r.ImportanceWeight+r.RecencyWeight == 0 {
		return fmt.Errorf("retrieval weights must be non-negative and not all zero")
	}

	w := c.Worker
	if w.Concurrency <= 0 || w.BatchSize <= 0 || w.MaxAttempts <= 0 {
		return fmt.Errorf("worker.concurrency, worker.batch_size and worker.max_attempts must be positive")
	}

	if c.Retention.ScheduleSeconds < 0 {
		return fmt.Errorf("retention.schedule_seconds must be >= 0")
	}
	policy, err := c.RetentionPolicy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("retention policy: %w", err)
	}
	for tenant, p := range c.Retention.Overrides {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("retention override for tenant %s: %w", tenant, err)
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}
