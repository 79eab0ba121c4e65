// Package resilience provides the circuit breaker guarding embedding provider
// calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker's position in the closed/open/half-open machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config tunes the breaker.
type Config struct {
	// FailureThreshold consecutive failures inside Window open the circuit.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is how long the circuit stays open before admitting a trial call.
	Cooldown time.Duration
	// HalfOpenSuccesses consecutive trial successes close the circuit.
	HalfOpenSuccesses int
}

// DefaultConfig returns 5 failures in 60s, a 30s cool-down and 2 trial calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		Window:            60 * time.Second,
		Cooldown:          30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// Breaker implements the circuit breaker pattern. Consecutive failures are
// kept as timestamps so that failures older than Window no longer count.
// In half-open state only one trial call is admitted at a time.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  []time.Time
	successes int
	trial     bool
	openedAt  time.Time
	now       func() time.Time // for testing
	onChange  func(from, to State)
}

// NewBreaker creates a breaker. Zero fields of cfg take their defaults.
func NewBreaker(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// OnStateChange registers a callback invoked (with the lock released) on
// every transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// State returns the current state, promoting open to half-open when the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.successes = 0
	}
	to := b.state
	cb := b.onChange
	b.mu.Unlock()
	notify(cb, from, to)
	return to
}

// Execute runs fn if the breaker admits the call and records its outcome.
// Returns ErrCircuitOpen without calling fn otherwise.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// Allow reserves a call slot. Every successful Allow must be followed by
// exactly one Record or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = StateHalfOpen
			b.successes = 0
			b.trial = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.trial {
			b.trial = true
			allowed = true
		}
	}
	to := b.state
	cb := b.onChange
	b.mu.Unlock()

	notify(cb, from, to)
	if !allowed {
		return ErrCircuitOpen
	}
	return nil
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	from := b.state
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	to := b.state
	cb := b.onChange
	b.mu.Unlock()
	notify(cb, from, to)
}

// Release returns a slot reserved by Allow without reporting an outcome.
// Use it when the call ended for reasons unrelated to the guarded service.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	now := b.now()
	b.trial = false
	b.successes = 0
	if b.state == StateHalfOpen {
		b.trip(now)
		return
	}
	b.failures = append(b.failures, now)
	b.pruneFailures(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.trip(now)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.trial = false
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			b.state = StateClosed
			b.successes = 0
			b.failures = b.failures[:0]
		}
	default:
		b.failures = b.failures[:0]
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = b.failures[:0]
}

func (b *Breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

func notify(cb func(from, to State), from, to State) {
	if cb != nil && from != to {
		cb(from, to)
	}
}
