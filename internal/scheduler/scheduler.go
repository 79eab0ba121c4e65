// Package scheduler triggers retention runs on an interval and guarantees
// that at most one destructive run per tenant is in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/retention"
)

// Runner executes one retention run.
type Runner interface {
	Run(ctx context.Context, tenantID string, actions []domain.Action, dryRun bool) (retention.Result, error)
}

// TenantLister enumerates tenants that have data.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// Config tunes the scheduler.
type Config struct {
	// Interval between scheduled passes. Zero disables scheduling; manual
	// runs still work.
	Interval time.Duration
	// Tenants to run for. Empty means every tenant with messages.
	Tenants []string
	// Parallelism bounds concurrent scheduled runs across tenants.
	Parallelism int
}

// Scheduler owns the per-tenant run leases.
type Scheduler struct {
	runner Runner
	lister TenantLister
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	runs     sync.WaitGroup
	sem      *semaphore.Weighted

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler.
func New(runner Runner, lister TenantLister, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		lister:   lister,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[string]bool),
		sem:      semaphore.NewWeighted(int64(cfg.Parallelism)),
	}
}

// Start launches the interval loop. It is a no-op when the interval is zero
// or the loop is already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Interval <= 0 || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.logger.Info("retention scheduler started", "interval", s.cfg.Interval, "tenants", len(s.cfg.Tenants))
}

// Stop cancels the loop and waits for every in-flight run, scheduled or
// manual, to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.runs.Wait()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Runs outlive the tick; a slow tenant only delays itself.
			var pass sync.WaitGroup
			if err := s.dispatch(ctx, &pass); err != nil {
				s.logger.Error("scheduled retention pass failed", "error", err)
			}
		}
	}
}

// Tick runs one scheduled pass, a real run with the policy's actions for
// every tenant, and waits for the runs it started. Tenants whose previous
// run is still in flight are skipped.
func (s *Scheduler) Tick(ctx context.Context) error {
	var pass sync.WaitGroup
	err := s.dispatch(ctx, &pass)
	pass.Wait()
	return err
}

// dispatch starts one run per tenant whose lease is free. Each run holds
// its tenant lease until it returns and waits for a parallelism slot.
func (s *Scheduler) dispatch(ctx context.Context, pass *sync.WaitGroup) error {
	tenants := s.cfg.Tenants
	if len(tenants) == 0 {
		var err error
		if tenants, err = s.lister.ListTenants(ctx); err != nil {
			return fmt.Errorf("listing tenants: %w", err)
		}
	}

	for _, tenant := range tenants {
		if !s.acquire(tenant) {
			s.logger.Warn("skipping retention run, previous run still in flight", "tenant_id", tenant)
			continue
		}
		pass.Add(1)
		go func() {
			defer pass.Done()
			defer s.release(tenant)
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer s.sem.Release(1)

			res, err := s.runner.Run(ctx, tenant, nil, false)
			s.logResult(tenant, res, err)
		}()
	}
	return nil
}

// RunNow runs retention for one tenant immediately. Real runs take the
// tenant lease and fail with ErrRunInProgress when it is held; dry runs
// mutate nothing and skip the lease.
func (s *Scheduler) RunNow(ctx context.Context, tenantID string, actions []domain.Action, dryRun bool) (retention.Result, error) {
	if dryRun {
		return s.runner.Run(ctx, tenantID, actions, true)
	}
	if !s.acquire(tenantID) {
		return retention.Result{}, fmt.Errorf("tenant %s: %w", tenantID, domain.ErrRunInProgress)
	}
	defer s.release(tenantID)

	res, err := s.runner.Run(ctx, tenantID, actions, false)
	s.logResult(tenantID, res, err)
	return res, err
}

// Running reports whether a run holds the tenant lease.
func (s *Scheduler) Running(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[tenantID]
}

func (s *Scheduler) acquire(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[tenantID] {
		return false
	}
	s.inFlight[tenantID] = true
	s.runs.Add(1)
	return true
}

func (s *Scheduler) release(tenantID string) {
	s.mu.Lock()
	delete(s.inFlight, tenantID)
	s.mu.Unlock()
	s.runs.Done()
}

func (s *Scheduler) logResult(tenantID string, res retention.Result, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		s.logger.Info("retention run cancelled", "tenant_id", tenantID, "archived", res.Archived, "deleted", res.Deleted)
	case err != nil:
		s.logger.Error("retention run failed", "tenant_id", tenantID, "error", err)
	case res.Err() != nil:
		s.logger.Warn("retention run finished with failures", "tenant_id", tenantID, "error", res.Err())
	}
}
