package importance

import (
	"math"
	"testing"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorerWithClock(DefaultConfig(), func() time.Time { return fixedNow })
	if err != nil {
		t.Fatalf("NewScorerWithClock: %v", err)
	}
	return s
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScore_UserAtAgeZero(t *testing.T) {
	s := newTestScorer(t)
	got, err := s.Score(fixedNow, domain.RoleUser, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !approxEqual(got, 0.8) {
		t.Errorf("score = %v, want 0.8", got)
	}
}

func TestScore_UserAtOneHalfLife(t *testing.T) {
	s := newTestScorer(t)
	got, err := s.Score(fixedNow.Add(-7*24*time.Hour), domain.RoleUser, nil)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !approxEqual(got, 0.55) {
		t.Errorf("score = %v, want 0.55", got)
	}
}

func TestScore_RoleOrdering(t *testing.T) {
	s := newTestScorer(t)
	user, _ := s.Score(fixedNow, domain.RoleUser, nil)
	assistant, _ := s.Score(fixedNow, domain.RoleAssistant, nil)
	system, _ := s.Score(fixedNow, domain.RoleSystem, nil)
	if !(user > assistant && assistant > system) {
		t.Errorf("expected user > assistant > system, got %v %v %v", user, assistant, system)
	}
}

func TestScore_RecencyLowersScore(t *testing.T) {
	s := newTestScorer(t)
	recent, _ := s.Score(fixedNow, domain.RoleSystem, nil)
	old, _ := s.Score(fixedNow.Add(-4*24*time.Hour), domain.RoleAssistant, nil)
	if recent <= old {
		t.Errorf("recent system score %v should exceed 4-day-old assistant score %v", recent, old)
	}
}

func TestScore_OverrideIsVerbatim(t *testing.T) {
	s := newTestScorer(t)
	for _, v := range []float64{0, 0.123456, 0.9, 1} {
		v := v
		got, err := s.Score(fixedNow.Add(-365*24*time.Hour), domain.RoleSystem, &v)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if got != v {
			t.Errorf("override %v returned %v", v, got)
		}
	}
}

func TestScore_AlwaysInRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecencyWeight = 2
	cfg.RoleWeight = 2
	s, err := NewScorerWithClock(cfg, func() time.Time { return fixedNow })
	if err != nil {
		t.Fatalf("NewScorerWithClock: %v", err)
	}
	ages := []time.Duration{-time.Hour, 0, time.Hour, 30 * 24 * time.Hour, 10 * 365 * 24 * time.Hour}
	for _, age := range ages {
		for _, role := range []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleSystem} {
			got, err := s.Score(fixedNow.Add(-age), role, nil)
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if got < 0 || got > 1 {
				t.Errorf("score(age=%s, role=%s) = %v, out of [0,1]", age, role, got)
			}
		}
	}
}

func TestScore_UnknownRole(t *testing.T) {
	s := newTestScorer(t)
	if _, err := s.Score(fixedNow, domain.Role("moderator"), nil); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestDecay(t *testing.T) {
	hl := 24 * time.Hour
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{0, 1},
		{-time.Hour, 1},
		{hl, 0.5},
		{2 * hl, 0.25},
	}
	for _, tt := range tests {
		if got := Decay(tt.age, hl); !approxEqual(got, tt.want) {
			t.Errorf("Decay(%s) = %v, want %v", tt.age, got, tt.want)
		}
	}
	if got := Decay(time.Hour, 0); got != 0 {
		t.Errorf("Decay with zero half-life = %v, want 0", got)
	}
}

func TestNewScorer_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HalfLife = 0
	if _, err := NewScorer(cfg); err == nil {
		t.Error("expected error for zero half-life")
	}

	cfg = DefaultConfig()
	delete(cfg.RoleWeights, domain.RoleSystem)
	if _, err := NewScorer(cfg); err == nil {
		t.Error("expected error for missing role weight")
	}
}
