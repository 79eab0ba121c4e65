// Package importance computes the 0..1 importance of a message from its age,
// its role and an optional explicit override.
package importance

import (
	"fmt"
	"math"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

// Config holds the tunables of the scorer.
type Config struct {
	HalfLife      time.Duration
	RecencyWeight float64
	RoleWeight    float64
	RoleWeights   map[domain.Role]float64
}

// DefaultConfig returns a 7 day half-life, equal recency/role weights and the
// default role table.
func DefaultConfig() Config {
	return Config{
		HalfLife:      7 * 24 * time.Hour,
		RecencyWeight: 0.5,
		RoleWeight:    0.5,
		RoleWeights: map[domain.Role]float64{
			domain.RoleUser:      0.6,
			domain.RoleAssistant: 0.5,
			domain.RoleSystem:    0.3,
		},
	}
}

// Validate checks that every weight is usable.
func (c Config) Validate() error {
	if c.HalfLife <= 0 {
		return fmt.Errorf("importance half-life must be positive, got %s", c.HalfLife)
	}
	if c.RecencyWeight < 0 || c.RoleWeight < 0 {
		return fmt.Errorf("importance weights must be non-negative")
	}
	for _, r := range []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleSystem} {
		w, ok := c.RoleWeights[r]
		if !ok {
			return fmt.Errorf("missing role weight for %q", r)
		}
		if w < 0 || w > 1 {
			return fmt.Errorf("role weight for %q must be within [0,1], got %v", r, w)
		}
	}
	return nil
}

// Scorer is a pure importance function. The clock is injectable for tests.
type Scorer struct {
	cfg Config
	now func() time.Time
}

// NewScorer validates cfg and returns a Scorer using the wall clock.
func NewScorer(cfg Config) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg, now: time.Now}, nil
}

// NewScorerWithClock is like NewScorer but reads time from now.
func NewScorerWithClock(cfg Config, now func() time.Time) (*Scorer, error) {
	s, err := NewScorer(cfg)
	if err != nil {
		return nil, err
	}
	s.now = now
	return s, nil
}

// Score returns the importance of a message created at createdAt.
// A non-nil override is returned verbatim; its range is the caller's concern.
func (s *Scorer) Score(createdAt time.Time, role domain.Role, override *float64) (float64, error) {
	if override != nil {
		return *override, nil
	}
	roleWeight, ok := s.cfg.RoleWeights[role]
	if !ok {
		return 0, fmt.Errorf("importance: unknown role %q", role)
	}
	recency := Decay(s.now().Sub(createdAt), s.cfg.HalfLife)
	return clamp(s.cfg.RecencyWeight*recency+s.cfg.RoleWeight*roleWeight, 0, 1), nil
}

// Decay is a half-life decay: 1 at age zero, 0.5 after one half-life.
// Negative ages (clock skew) count as zero.
func Decay(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	if age < 0 {
		age = 0
	}
	return math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
