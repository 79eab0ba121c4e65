package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/retention"
)

var ctx = context.Background()

type mockRunner struct {
	mu    sync.Mutex
	calls []string
	runFn func(ctx context.Context, tenantID string, dryRun bool) (retention.Result, error)
}

func (m *mockRunner) Run(ctx context.Context, tenantID string, _ []domain.Action, dryRun bool) (retention.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, tenantID)
	m.mu.Unlock()
	if m.runFn != nil {
		return m.runFn(ctx, tenantID, dryRun)
	}
	return retention.Result{TenantID: tenantID}, nil
}

func (m *mockRunner) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.calls...)
	sort.Strings(out)
	return out
}

type mockLister struct {
	tenants []string
	err     error
}

func (m mockLister) ListTenants(context.Context) ([]string, error) { return m.tenants, m.err }

// blockingRunner holds every real run until release is closed.
func blockingRunner() (*mockRunner, chan struct{}, chan string) {
	release := make(chan struct{})
	started := make(chan string, 8)
	r := &mockRunner{runFn: func(ctx context.Context, tenantID string, dryRun bool) (retention.Result, error) {
		if dryRun {
			return retention.Result{TenantID: tenantID, DryRun: true}, nil
		}
		started <- tenantID
		<-release
		return retention.Result{TenantID: tenantID}, nil
	}}
	return r, release, started
}

func TestTick_ConfiguredTenants(t *testing.T) {
	r := &mockRunner{}
	s := New(r, mockLister{tenants: []string{"ignored"}}, Config{Tenants: []string{"a", "b", "c"}}, nil)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := r.called(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("runs = %v, want [a b c]", got)
	}
}

func TestTick_DiscoversTenants(t *testing.T) {
	r := &mockRunner{}
	s := New(r, mockLister{tenants: []string{"x", "y"}}, Config{}, nil)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := r.called(); len(got) != 2 {
		t.Errorf("runs = %v, want [x y]", got)
	}

	s = New(r, mockLister{err: errors.New("db down")}, Config{}, nil)
	if err := s.Tick(ctx); err == nil {
		t.Error("expected listing error")
	}
}

func TestTick_RunFailureDoesNotStopOtherTenants(t *testing.T) {
	r := &mockRunner{runFn: func(_ context.Context, tenantID string, _ bool) (retention.Result, error) {
		if tenantID == "bad" {
			return retention.Result{}, errors.New("boom")
		}
		return retention.Result{TenantID: tenantID}, nil
	}}
	s := New(r, nil, Config{Tenants: []string{"bad", "good"}, Parallelism: 1}, nil)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := r.called(); len(got) != 2 {
		t.Errorf("runs = %v", got)
	}
}

func TestRunNow_ConflictWhileInFlight(t *testing.T) {
	r, release, started := blockingRunner()
	s := New(r, nil, Config{}, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := s.RunNow(ctx, "t1", nil, false)
		errc <- err
	}()
	<-started
	if !s.Running("t1") {
		t.Fatal("lease not held during run")
	}

	if _, err := s.RunNow(ctx, "t1", nil, false); !errors.Is(err, domain.ErrRunInProgress) {
		t.Errorf("second run: expected ErrRunInProgress, got %v", err)
	}
	if res, err := s.RunNow(ctx, "t1", nil, true); err != nil || !res.DryRun {
		t.Errorf("dry run during real run = %+v, %v", res, err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if s.Running("t1") {
		t.Error("lease not released")
	}
}

func TestTick_SkipsTenantWithRunInFlight(t *testing.T) {
	r, release, started := blockingRunner()
	s := New(r, nil, Config{Tenants: []string{"t1", "t2"}}, nil)

	go s.RunNow(ctx, "t1", nil, false)
	<-started

	tickDone := make(chan error, 1)
	go func() { tickDone <- s.Tick(ctx) }()
	if got := <-started; got != "t2" {
		t.Fatalf("tick started %s, want t2", got)
	}
	close(release)
	if err := <-tickDone; err != nil {
		t.Fatalf("Tick: %v", err)
	}
	s.Stop()

	// t1 once (manual) and t2 once (tick).
	if got := r.called(); len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Errorf("runs = %v, want [t1 t2]", got)
	}
}

func TestStartStop(t *testing.T) {
	r := &mockRunner{}
	s := New(r, nil, Config{Interval: 10 * time.Millisecond, Tenants: []string{"t1"}}, nil)
	s.Start(ctx)
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(r.called()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not tick")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	n := len(r.called())
	time.Sleep(30 * time.Millisecond)
	if len(r.called()) != n {
		t.Error("scheduler kept running after Stop")
	}
	s.Stop()
}

func TestStart_SlowTenantDoesNotHoldBackOthers(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	counts := map[string]int{}
	r := &mockRunner{runFn: func(_ context.Context, tenantID string, _ bool) (retention.Result, error) {
		mu.Lock()
		counts[tenantID]++
		mu.Unlock()
		if tenantID == "slow" {
			<-release
		}
		return retention.Result{TenantID: tenantID}, nil
	}}
	count := func(tenant string) int {
		mu.Lock()
		defer mu.Unlock()
		return counts[tenant]
	}

	s := New(r, nil, Config{Interval: 10 * time.Millisecond, Tenants: []string{"slow", "fast"}}, nil)
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for count("fast") < 4 {
		if time.Now().After(deadline) {
			close(release)
			s.Stop()
			t.Fatalf("fast tenant ran %d times while slow tenant was busy, want >= 4", count("fast"))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !s.Running("slow") {
		t.Error("slow tenant lease not held during its run")
	}
	if n := count("slow"); n != 1 {
		t.Errorf("slow tenant started %d times, want 1 while its run is in flight", n)
	}

	close(release)
	s.Stop()
	if s.Running("slow") || s.Running("fast") {
		t.Error("leases held after Stop")
	}
}

func TestTick_ParallelismBoundsConcurrentRuns(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	r := &mockRunner{runFn: func(_ context.Context, tenantID string, _ bool) (retention.Result, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return retention.Result{TenantID: tenantID}, nil
	}}
	s := New(r, nil, Config{Tenants: []string{"a", "b", "c", "d", "e"}, Parallelism: 2}, nil)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := len(r.called()); got != 5 {
		t.Errorf("runs = %d, want 5", got)
	}
	if peak > 2 {
		t.Errorf("peak concurrent runs = %d, want <= 2", peak)
	}
}

func TestStart_ZeroIntervalDisabled(t *testing.T) {
	r := &mockRunner{}
	s := New(r, nil, Config{Tenants: []string{"t1"}}, nil)
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	s.Stop()
	if len(r.called()) != 0 {
		t.Errorf("disabled scheduler ran %v", r.called())
	}
}

func TestStop_WaitsForInFlightRun(t *testing.T) {
	r, release, started := blockingRunner()
	s := New(r, nil, Config{}, nil)
	go s.RunNow(ctx, "t1", nil, false)
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run finished")
	}
}
