// Package retention archives unimportant old messages and deletes archived
// ones once they have aged out, following per-tenant policies.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/telemetry"
)

const day = 24 * time.Hour

// Store is the persistence the engine needs.
type Store interface {
	ArchiveCandidates(ctx context.Context, tenantID string, createdBefore time.Time, threshold float64) ([]string, error)
	DeleteCandidates(ctx context.Context, tenantID string, archivedBefore time.Time) ([]string, error)
	MarkArchived(ctx context.Context, tenantID, id string, at time.Time) error
	DeleteMessage(ctx context.Context, tenantID, id string) error
}

// PolicySource resolves the policy that applies to a tenant.
type PolicySource interface {
	PolicyFor(tenantID string) domain.RetentionPolicy
}

// Policies is a default policy plus per-tenant overrides.
type Policies struct {
	Default   domain.RetentionPolicy
	Overrides map[string]domain.RetentionPolicy
}

func (p Policies) PolicyFor(tenantID string) domain.RetentionPolicy {
	if o, ok := p.Overrides[tenantID]; ok {
		return o
	}
	return p.Default
}

// Plan lists the messages a run would touch, computed before any mutation.
type Plan struct {
	TenantID    string
	Archive     []string
	Delete      []string
	EvaluatedAt time.Time
}

// Result summarises a run. Errors lists per-message failures; the run
// continued past each of them.
type Result struct {
	TenantID string             `json:"tenant_id"`
	Archived int                `json:"archived_count"`
	Deleted  int                `json:"deleted_count"`
	DryRun   bool               `json:"dry_run"`
	Errors   []domain.ItemError `json:"errors"`
}

// Err returns a RetentionPartialFailure when any message failed.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &domain.RetentionPartialFailure{TenantID: r.TenantID, Failures: r.Errors}
}

// Engine evaluates and applies retention.
type Engine struct {
	store    Store
	policies PolicySource
	now      func() time.Time
	logger   *slog.Logger
	metrics  *telemetry.Metrics
}

// NewEngine creates an Engine.
func NewEngine(store Store, policies PolicySource, logger *slog.Logger, metrics *telemetry.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, policies: policies, now: time.Now, logger: logger, metrics: metrics}
}

// ParseActions validates raw action names. An empty list yields nil, which
// Run reads as "use the policy's actions".
func ParseActions(raw []string) ([]domain.Action, error) {
	var cleaned []string
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			if p := strings.TrimSpace(part); p != "" {
				cleaned = append(cleaned, p)
			}
		}
	}
	return domain.ParseActions(cleaned)
}

// Plan computes the archive and delete candidates for the requested
// actions. Both lists are evaluated against the same instant.
func (e *Engine) Plan(ctx context.Context, tenantID string, actions []domain.Action) (Plan, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Plan{}, domain.Invalid("tenant_id", "must not be empty")
	}
	policy := e.policies.PolicyFor(tenantID)
	if len(actions) == 0 {
		actions = policy.Actions
	}
	set := domain.NewActionSet(actions)
	for a := range set {
		if a != domain.ActionArchive && a != domain.ActionDelete {
			return Plan{}, domain.Invalid("actions", "unknown action %q", a)
		}
	}

	now := e.now().UTC()
	plan := Plan{TenantID: tenantID, EvaluatedAt: now}
	var err error
	if set.Has(domain.ActionArchive) {
		cutoff := now.Add(-time.Duration(policy.MaxAgeDays) * day)
		plan.Archive, err = e.store.ArchiveCandidates(ctx, tenantID, cutoff, policy.ImportanceThreshold)
		if err != nil {
			return Plan{}, fmt.Errorf("listing archive candidates: %w", err)
		}
	}
	if set.Has(domain.ActionDelete) {
		cutoff := now.Add(-time.Duration(policy.DeleteAfterDays) * day)
		plan.Delete, err = e.store.DeleteCandidates(ctx, tenantID, cutoff)
		if err != nil {
			return Plan{}, fmt.Errorf("listing delete candidates: %w", err)
		}
	}
	return plan, nil
}

// Run plans and, unless dryRun, applies retention for one tenant. Each
// candidate is mutated independently; a failure is recorded and the run
// moves on. Cancellation is honoured between messages and leaves already
// applied mutations in place.
func (e *Engine) Run(ctx context.Context, tenantID string, actions []domain.Action, dryRun bool) (res Result, err error) {
	ctx, span := telemetry.StartRetentionSpan(ctx, tenantID, dryRun)
	defer func() { telemetry.End(span, err) }()

	plan, err := e.Plan(ctx, tenantID, actions)
	if err != nil {
		return Result{}, err
	}

	res = Result{TenantID: tenantID, DryRun: dryRun, Errors: []domain.ItemError{}}
	if dryRun {
		res.Archived = len(plan.Archive)
		res.Deleted = len(plan.Delete)
		e.logger.Info("retention dry run",
			"tenant_id", tenantID, "archive", res.Archived, "delete", res.Deleted)
		return res, nil
	}

	defer func() {
		e.metrics.RetentionApplied(ctx, tenantID, res.Archived, res.Deleted, len(res.Errors))
		e.logger.Info("retention run finished",
			"tenant_id", tenantID, "archived", res.Archived, "deleted", res.Deleted, "failures", len(res.Errors))
	}()

	for _, id := range plan.Archive {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.store.MarkArchived(ctx, tenantID, id, plan.EvaluatedAt); err != nil {
			e.logger.Warn("archiving message failed", "tenant_id", tenantID, "message_id", id, "error", err)
			res.Errors = append(res.Errors, domain.ItemError{MessageID: id, Action: domain.ActionArchive, Error: err.Error()})
			continue
		}
		res.Archived++
	}
	for _, id := range plan.Delete {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.store.DeleteMessage(ctx, tenantID, id); err != nil {
			e.logger.Warn("deleting message failed", "tenant_id", tenantID, "message_id", id, "error", err)
			res.Errors = append(res.Errors, domain.ItemError{MessageID: id, Action: domain.ActionDelete, Error: err.Error()})
			continue
		}
		res.Deleted++
	}
	return res, nil
}
