package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

// DefaultMaxAttempts applies when a job is enqueued without MaxAttempts.
const DefaultMaxAttempts = 5

const jobColumns = `id, tenant_id, message_id, status, attempt_count, max_attempts,
	last_error, enqueued_at, run_after, leased_until, updated_at`

func (s *Store) insertJobTx(ctx context.Context, tx *sql.Tx, job domain.EmbeddingJob) error {
	now := s.now().UTC()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO embedding_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, 0, ?, NULL, ?, ?, NULL, ?)`,
		job.ID, job.TenantID, job.MessageID, string(domain.JobPending), job.MaxAttempts,
		formatTime(job.EnqueuedAt), formatTime(job.RunAfter), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

func scanJob(row rowScanner) (domain.EmbeddingJob, error) {
	var (
		j                               domain.EmbeddingJob
		lastError, leasedUntil          sql.NullString
		enqueuedAt, runAfter, updatedAt string
	)
	if err := row.Scan(&j.ID, &j.TenantID, &j.MessageID, &j.Status, &j.AttemptCount, &j.MaxAttempts,
		&lastError, &enqueuedAt, &runAfter, &leasedUntil, &updatedAt); err != nil {
		return domain.EmbeddingJob{}, err
	}
	j.LastError = lastError.String
	var err error
	if j.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return domain.EmbeddingJob{}, err
	}
	if j.RunAfter, err = parseTime(runAfter); err != nil {
		return domain.EmbeddingJob{}, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.EmbeddingJob{}, err
	}
	if leasedUntil.Valid {
		t, err := parseTime(leasedUntil.String)
		if err != nil {
			return domain.EmbeddingJob{}, err
		}
		j.LeasedUntil = &t
	}
	return j, nil
}

// LeaseJobs claims up to limit runnable jobs: pending jobs whose run_after
// has passed and leased jobs whose lease expired. Each claimed job has its
// attempt count incremented and its message moved to processing. Expired
// leases that already used every attempt are failed instead of reclaimed.
func (s *Store) LeaseJobs(ctx context.Context, limit int, lease time.Duration) ([]domain.EmbeddingJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning lease transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	nowStr := formatTime(now)

	if err := s.failAbandonedTx(ctx, tx, nowStr); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM embedding_jobs
		WHERE (status = ? AND run_after <= ?) OR (status = ? AND leased_until <= ?)
		ORDER BY run_after ASC, enqueued_at ASC
		LIMIT ?`,
		string(domain.JobPending), nowStr, string(domain.JobLeased), nowStr, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting runnable jobs: %w", err)
	}
	var jobs []domain.EmbeddingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	until := now.Add(lease)
	for i := range jobs {
		j := &jobs[i]
		if _, err := tx.ExecContext(ctx, `
			UPDATE embedding_jobs
			SET status = ?, attempt_count = attempt_count + 1, leased_until = ?, updated_at = ?
			WHERE id = ?`,
			string(domain.JobLeased), formatTime(until), nowStr, j.ID); err != nil {
			return nil, fmt.Errorf("leasing job %s: %w", j.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET embedding_status = ?, updated_at = ?
			WHERE tenant_id = ? AND id = ? AND embedding_status <> ?`,
			string(domain.EmbeddingProcessing), nowStr, j.TenantID, j.MessageID,
			string(domain.EmbeddingCompleted)); err != nil {
			return nil, fmt.Errorf("marking message %s processing: %w", j.MessageID, err)
		}
		j.Status = domain.JobLeased
		j.AttemptCount++
		j.LeasedUntil = &until
		j.UpdatedAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing lease: %w", err)
	}
	return jobs, nil
}

// failAbandonedTx fails expired leases with no attempts left, together with
// their messages.
func (s *Store) failAbandonedTx(ctx context.Context, tx *sql.Tx, nowStr string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET embedding_status = ?, embedding = NULL, updated_at = ?
		WHERE embedding_status <> ? AND EXISTS (
			SELECT 1 FROM embedding_jobs j
			WHERE j.tenant_id = messages.tenant_id AND j.message_id = messages.id
			  AND j.status = ? AND j.leased_until <= ? AND j.attempt_count >= j.max_attempts)`,
		string(domain.EmbeddingFailed), nowStr, string(domain.EmbeddingCompleted),
		string(domain.JobLeased), nowStr); err != nil {
		return fmt.Errorf("failing abandoned messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE embedding_jobs SET status = ?, last_error = ?, leased_until = NULL, updated_at = ?
		WHERE status = ? AND leased_until <= ? AND attempt_count >= max_attempts`,
		string(domain.JobFailed), "lease expired after final attempt", nowStr,
		string(domain.JobLeased), nowStr); err != nil {
		return fmt.Errorf("failing abandoned jobs: %w", err)
	}
	return nil
}

// GetJob returns a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (domain.EmbeddingJob, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM embedding_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return domain.EmbeddingJob{}, ErrNotFound
	}
	return j, err
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE embedding_jobs SET status = ?, leased_until = NULL, last_error = NULL, updated_at = ?
		WHERE id = ?`,
		string(domain.JobCompleted), formatTime(s.now()), id)
	return expectRow(res, err)
}

// RetryJob returns a job to the queue, runnable after runAfter. Its
// message goes back to pending.
func (s *Store) RetryJob(ctx context.Context, id, errMsg string, runAfter time.Time) error {
	return s.finishJob(ctx, id, domain.JobPending, domain.EmbeddingPending, errMsg, &runAfter)
}

// FailJob permanently fails a job and its message.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	return s.finishJob(ctx, id, domain.JobFailed, domain.EmbeddingFailed, errMsg, nil)
}

func (s *Store) finishJob(ctx context.Context, id string, status domain.JobStatus, msgStatus domain.EmbeddingStatus, errMsg string, runAfter *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning job transaction: %w", err)
	}
	defer tx.Rollback()

	var tenantID, messageID string
	err = tx.QueryRowContext(ctx, `SELECT tenant_id, message_id FROM embedding_jobs WHERE id = ?`, id).
		Scan(&tenantID, &messageID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	nowStr := formatTime(s.now())
	if runAfter != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE embedding_jobs SET status = ?, last_error = ?, run_after = ?, leased_until = NULL, updated_at = ?
			WHERE id = ?`, string(status), errMsg, formatTime(*runAfter), nowStr, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE embedding_jobs SET status = ?, last_error = ?, leased_until = NULL, updated_at = ?
			WHERE id = ?`, string(status), errMsg, nowStr, id)
	}
	if err != nil {
		return fmt.Errorf("updating job %s: %w", id, err)
	}

	// A completed vector from an earlier attempt is never downgraded.
	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET embedding_status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND embedding_status <> ?`,
		string(msgStatus), nowStr, tenantID, messageID, string(domain.EmbeddingCompleted)); err != nil {
		return fmt.Errorf("updating message %s: %w", messageID, err)
	}
	return tx.Commit()
}

// QueueDepth counts jobs that are pending or leased.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM embedding_jobs WHERE status IN (?, ?)`,
		string(domain.JobPending), string(domain.JobLeased)).Scan(&n)
	return n, err
}

// JobsForMessage returns a message's jobs, oldest first.
func (s *Store) JobsForMessage(ctx context.Context, tenantID, messageID string) ([]domain.EmbeddingJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM embedding_jobs
		WHERE tenant_id = ? AND message_id = ?
		ORDER BY enqueued_at ASC, id ASC`, tenantID, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.EmbeddingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
