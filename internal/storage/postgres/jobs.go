package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/storage"
)

const jobColumns = `id, tenant_id, message_id, status, attempt_count, max_attempts,
	COALESCE(last_error, ''), enqueued_at, run_after, leased_until, updated_at`

func scanJob(row scanner) (domain.EmbeddingJob, error) {
	var (
		j      domain.EmbeddingJob
		status string
	)
	if err := row.Scan(&j.ID, &j.TenantID, &j.MessageID, &status, &j.AttemptCount, &j.MaxAttempts,
		&j.LastError, &j.EnqueuedAt, &j.RunAfter, &j.LeasedUntil, &j.UpdatedAt); err != nil {
		return domain.EmbeddingJob{}, err
	}
	j.Status = domain.JobStatus(status)
	return j, nil
}

// LeaseJobs claims runnable jobs with FOR UPDATE SKIP LOCKED so concurrent
// workers on different processes never receive the same job.
func (s *Store) LeaseJobs(ctx context.Context, limit int, lease time.Duration) ([]domain.EmbeddingJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin lease: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now().UTC()
	if err := failAbandoned(ctx, tx, now); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM embedding_jobs
		WHERE (status = $1 AND run_after <= $2) OR (status = $3 AND leased_until <= $2)
		ORDER BY run_after ASC, enqueued_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED`,
		string(domain.JobPending), now, string(domain.JobLeased), limit)
	if err != nil {
		return nil, fmt.Errorf("select runnable jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.EmbeddingJob, error) {
		return scanJob(r)
	})
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}

	until := now.Add(lease)
	for i := range jobs {
		j := &jobs[i]
		if _, err := tx.Exec(ctx, `
			UPDATE embedding_jobs
			SET status = $1, attempt_count = attempt_count + 1, leased_until = $2, updated_at = $3
			WHERE id = $4`,
			string(domain.JobLeased), until, now, j.ID); err != nil {
			return nil, fmt.Errorf("lease job %s: %w", j.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE messages SET embedding_status = $1, updated_at = $2
			WHERE tenant_id = $3 AND id = $4 AND embedding_status <> $5`,
			string(domain.EmbeddingProcessing), now, j.TenantID, j.MessageID,
			string(domain.EmbeddingCompleted)); err != nil {
			return nil, fmt.Errorf("mark message %s processing: %w", j.MessageID, err)
		}
		j.Status = domain.JobLeased
		j.AttemptCount++
		j.LeasedUntil = &until
		j.UpdatedAt = now
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return jobs, nil
}

func failAbandoned(ctx context.Context, tx pgx.Tx, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE messages m SET embedding_status = $1, embedding = NULL, updated_at = $2
		FROM embedding_jobs j
		WHERE j.tenant_id = m.tenant_id AND j.message_id = m.id
		  AND m.embedding_status <> $3
		  AND j.status = $4 AND j.leased_until <= $2 AND j.attempt_count >= j.max_attempts`,
		string(domain.EmbeddingFailed), now, string(domain.EmbeddingCompleted), string(domain.JobLeased)); err != nil {
		return fmt.Errorf("fail abandoned messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE embedding_jobs SET status = $1, last_error = $2, leased_until = NULL, updated_at = $3
		WHERE status = $4 AND leased_until <= $3 AND attempt_count >= max_attempts`,
		string(domain.JobFailed), "lease expired after final attempt", now, string(domain.JobLeased)); err != nil {
		return fmt.Errorf("fail abandoned jobs: %w", err)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE embedding_jobs SET status = $1, leased_until = NULL, last_error = NULL, updated_at = $2
		WHERE id = $3`, string(domain.JobCompleted), s.now().UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RetryJob(ctx context.Context, id, errMsg string, runAfter time.Time) error {
	return s.finishJob(ctx, id, domain.JobPending, domain.EmbeddingPending, errMsg, &runAfter)
}

func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return s.finishJob(ctx, id, domain.JobFailed, domain.EmbeddingFailed, errMsg, nil)
}

func (s *Store) finishJob(ctx context.Context, id string, status domain.JobStatus, msgStatus domain.EmbeddingStatus, errMsg string, runAfter *time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin job update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := s.now().UTC()
	var tenantID, messageID string
	err = tx.QueryRow(ctx, `
		UPDATE embedding_jobs
		SET status = $1, last_error = $2, run_after = COALESCE($3, run_after), leased_until = NULL, updated_at = $4
		WHERE id = $5
		RETURNING tenant_id, message_id`,
		string(status), errMsg, runAfter, now, id,
	).Scan(&tenantID, &messageID)
	if err != nil {
		return notFound(err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET embedding_status = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND embedding_status <> $5`,
		string(msgStatus), now, tenantID, messageID, string(domain.EmbeddingCompleted)); err != nil {
		return fmt.Errorf("update message %s: %w", messageID, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM embedding_jobs WHERE status IN ($1, $2)`,
		string(domain.JobPending), string(domain.JobLeased)).Scan(&n)
	return n, err
}

func (s *Store) ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]domain.Conversation, error) {
	query := `SELECT tenant_id, id, message_count, last_message_at, created_at
		FROM conversations WHERE tenant_id = $1
		ORDER BY last_message_at DESC, id ASC OFFSET $2`
	args := []any{tenantID, max(offset, 0)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Conversation, error) {
		return scanConversation(r)
	})
}

func (s *Store) GetConversation(ctx context.Context, tenantID, id string) (domain.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx, `
		SELECT tenant_id, id, message_count, last_message_at, created_at
		FROM conversations WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return domain.Conversation{}, notFound(err)
	}
	return c, nil
}

func scanConversation(row scanner) (domain.Conversation, error) {
	var c domain.Conversation
	if err := row.Scan(&c.TenantID, &c.ID, &c.MessageCount, &c.LastMessageAt, &c.CreatedAt); err != nil {
		return domain.Conversation{}, err
	}
	c.LastMessageAt = c.LastMessageAt.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `SELECT DISTINCT tenant_id FROM messages ORDER BY tenant_id`)
}
