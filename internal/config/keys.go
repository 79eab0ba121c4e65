package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func envName(key string) string {
	return "MEMORYMESH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func strKey(key string, get func(*Config) *string) keySpec {
	return keySpec{key: key, typ: kString, env: envName(key),
		apply:   func(c *Config, v any) { *get(c) = v.(string) },
		extract: func(c Config) any { return *get(&c) },
	}
}

func secretKey(key, env string, get func(*Config) *string) keySpec {
	s := strKey(key, get)
	s.env = env
	s.secret = true
	return s
}

func intKey(key string, get func(*Config) *int) keySpec {
	return keySpec{key: key, typ: kInt, env: envName(key),
		apply:   func(c *Config, v any) { *get(c) = v.(int) },
		extract: func(c Config) any { return *get(&c) },
	}
}

func floatKey(key string, get func(*Config) *float64) keySpec {
	return keySpec{key: key, typ: kFloat, env: envName(key),
		apply:   func(c *Config, v any) { *get(c) = v.(float64) },
		extract: func(c Config) any { return *get(&c) },
	}
}

func boolKey(key string, get func(*Config) *bool) keySpec {
	return keySpec{key: key, typ: kBool, env: envName(key),
		apply:   func(c *Config, v any) { *get(c) = v.(bool) },
		extract: func(c Config) any { return *get(&c) },
	}
}

func durationKey(key string, get func(*Config) *time.Duration) keySpec {
	return keySpec{key: key, typ: kDuration, env: envName(key),
		apply:   func(c *Config, v any) { *get(c) = v.(time.Duration) },
		extract: func(c Config) any { return *get(&c) },
	}
}

func listKey(key string, get func(*Config) *[]string) keySpec {
	return keySpec{key: key, typ: kList, env: envName(key),
		apply:   func(c *Config, v any) { *get(c) = v.([]string) },
		extract: func(c Config) any { return strings.Join(*get(&c), ",") },
	}
}

var specs = []keySpec{
	strKey("server.host", func(c *Config) *string { return &c.Server.Host }),
	intKey("server.port", func(c *Config) *int { return &c.Server.Port }),
	secretKey("server.token", "MEMORYMESH_API_TOKEN", func(c *Config) *string { return &c.Server.Token }),

	strKey("storage.backend", func(c *Config) *string { return &c.Storage.Backend }),
	strKey("storage.data_dir", func(c *Config) *string { return &c.Storage.DataDir }),
	secretKey("storage.postgres_dsn", "MEMORYMESH_POSTGRES_DSN", func(c *Config) *string { return &c.Storage.PostgresDSN }),
	intKey("storage.max_conns", func(c *Config) *int { return &c.Storage.MaxConns }),

	strKey("embedding.provider", func(c *Config) *string { return &c.Embedding.Provider }),
	strKey("embedding.model", func(c *Config) *string { return &c.Embedding.Model }),
	strKey("embedding.base_url", func(c *Config) *string { return &c.Embedding.BaseURL }),
	secretKey("embedding.api_key", "MEMORYMESH_EMBEDDING_API_KEY", func(c *Config) *string { return &c.Embedding.APIKey }),
	intKey("embedding.dimension", func(c *Config) *int { return &c.Embedding.Dimension }),
	durationKey("embedding.timeout", func(c *Config) *time.Duration { return &c.Embedding.Timeout }),
	intKey("embedding.max_tokens", func(c *Config) *int { return &c.Embedding.MaxTokens }),
	strKey("embedding.fallback", func(c *Config) *string { return &c.Embedding.Fallback }),
	intKey("embedding.cache_entries", func(c *Config) *int { return &c.Embedding.CacheEntries }),
	durationKey("embedding.cache_ttl", func(c *Config) *time.Duration { return &c.Embedding.CacheTTL }),
	intKey("embedding.breaker_failures", func(c *Config) *int { return &c.Embedding.BreakerFailures }),
	durationKey("embedding.breaker_window", func(c *Config) *time.Duration { return &c.Embedding.BreakerWindow }),
	durationKey("embedding.breaker_cooldown", func(c *Config) *time.Duration { return &c.Embedding.BreakerCooldown }),
	intKey("embedding.breaker_half_open_successes", func(c *Config) *int { return &c.Embedding.BreakerHalfOpenSuccesses }),

	durationKey("importance.half_life", func(c *Config) *time.Duration { return &c.Importance.HalfLife }),
	floatKey("importance.recency_weight", func(c *Config) *float64 { return &c.Importance.RecencyWeight }),
	floatKey("importance.role_weight", func(c *Config) *float64 { return &c.Importance.RoleWeight }),
	floatKey("importance.user_weight", func(c *Config) *float64 { return &c.Importance.UserWeight }),
	floatKey("importance.assistant_weight", func(c *Config) *float64 { return &c.Importance.AssistantWeight }),
	floatKey("importance.system_weight", func(c *Config) *float64 { return &c.Importance.SystemWeight }),

	intKey("retrieval.default_top_k", func(c *Config) *int { return &c.Retrieval.DefaultTopK }),
	intKey("retrieval.max_candidates", func(c *Config) *int { return &c.Retrieval.MaxCandidates }),
	durationKey("retrieval.half_life", func(c *Config) *time.Duration { return &c.Retrieval.HalfLife }),
	floatKey("retrieval.similarity_weight", func(c *Config) *float64 { return &c.Retrieval.SimilarityWeight }),
	floatKey("retrieval.importance_weight", func(c *Config) *float64 { return &c.Retrieval.ImportanceWeight }),
	floatKey("retrieval.recency_weight", func(c *Config) *float64 { return &c.Retrieval.RecencyWeight }),

	intKey("worker.concurrency", func(c *Config) *int { return &c.Worker.Concurrency }),
	intKey("worker.batch_size", func(c *Config) *int { return &c.Worker.BatchSize }),
	durationKey("worker.poll_interval", func(c *Config) *time.Duration { return &c.Worker.PollInterval }),
	durationKey("worker.lease_duration", func(c *Config) *time.Duration { return &c.Worker.LeaseDuration }),
	intKey("worker.max_attempts", func(c *Config) *int { return &c.Worker.MaxAttempts }),
	durationKey("worker.base_backoff", func(c *Config) *time.Duration { return &c.Worker.BaseBackoff }),
	durationKey("worker.max_backoff", func(c *Config) *time.Duration { return &c.Worker.MaxBackoff }),
	boolKey("worker.async_default", func(c *Config) *bool { return &c.Worker.AsyncDefault }),

	intKey("retention.max_age_days", func(c *Config) *int { return &c.Retention.MaxAgeDays }),
	floatKey("retention.importance_threshold", func(c *Config) *float64 { return &c.Retention.ImportanceThreshold }),
	intKey("retention.delete_after_days", func(c *Config) *int { return &c.Retention.DeleteAfterDays }),
	listKey("retention.actions", func(c *Config) *[]string { return &c.Retention.Actions }),
	intKey("retention.schedule_seconds", func(c *Config) *int { return &c.Retention.ScheduleSeconds }),
	listKey("retention.tenants", func(c *Config) *[]string { return &c.Retention.Tenants }),
	intKey("retention.parallelism", func(c *Config) *int { return &c.Retention.Parallelism }),

	strKey("nats.url", func(c *Config) *string { return &c.NATS.URL }),
	strKey("nats.subject", func(c *Config) *string { return &c.NATS.Subject }),

	strKey("log.level", func(c *Config) *string { return &c.Log.Level }),
	strKey("log.format", func(c *Config) *string { return &c.Log.Format }),
	strKey("log.service", func(c *Config) *string { return &c.Log.Service }),
}

// parseValue converts raw text into the Go value of a key type.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kFloat:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case kDuration:
		return time.ParseDuration(strings.TrimSpace(raw))
	case kList:
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
