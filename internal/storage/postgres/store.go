package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/storage"
)

// Store implements storage.Repository using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const messageColumns = `tenant_id, id, conversation_id, role, content, metadata, importance_score,
	embedding, embedding_status, archived, archived_at, created_at, updated_at`

func scanMessage(row scanner) (domain.Message, error) {
	var (
		m         domain.Message
		role      string
		status    string
		metadata  []byte
		embedding *pgvector.Vector
	)
	if err := row.Scan(&m.TenantID, &m.ID, &m.ConversationID, &role, &m.Content, &metadata,
		&m.ImportanceScore, &embedding, &status, &m.Archived, &m.ArchivedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return domain.Message{}, err
	}
	m.Role = domain.Role(role)
	m.EmbeddingStatus = domain.EmbeddingStatus(status)
	var err error
	if m.Metadata, err = storage.DecodeMetadata(string(metadata)); err != nil {
		return domain.Message{}, err
	}
	if embedding != nil {
		m.Embedding = embedding.Slice()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if m.ArchivedAt != nil {
		t := m.ArchivedAt.UTC()
		m.ArchivedAt = &t
	}
	return m, nil
}

func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func (s *Store) GetMessage(ctx context.Context, tenantID, id string) (domain.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return domain.Message{}, notFound(err)
	}
	return m, nil
}

func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.insertMessageTx(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) EnqueueEmbedding(ctx context.Context, m domain.Message, job domain.EmbeddingJob) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.insertMessageTx(ctx, tx, m); err != nil {
		return err
	}
	if err := s.insertJobTx(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// RequeueEmbedding resets an unarchived message to pending and enqueues
// job for it in one transaction.
func (s *Store) RequeueEmbedding(ctx context.Context, job domain.EmbeddingJob) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin requeue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE messages SET embedding = NULL, embedding_status = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND NOT archived`,
		string(domain.EmbeddingPending), s.now().UTC(), job.TenantID, job.MessageID)
	if err != nil {
		return fmt.Errorf("requeue message %s: %w", job.MessageID, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	if err := s.insertJobTx(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) insertJobTx(ctx context.Context, tx pgx.Tx, job domain.EmbeddingJob) error {
	now := s.now().UTC()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = storage.DefaultMaxAttempts
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO embedding_jobs (id, tenant_id, message_id, status, attempt_count, max_attempts, enqueued_at, run_after, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)`,
		job.ID, job.TenantID, job.MessageID, string(domain.JobPending), job.MaxAttempts,
		job.EnqueuedAt, job.RunAfter, now); err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) insertMessageTx(ctx context.Context, tx pgx.Tx, m domain.Message) error {
	now := s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.EmbeddingStatus == "" {
		m.EmbeddingStatus = domain.EmbeddingPending
	}
	metadata, err := storage.EncodeMetadata(m.Metadata)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, id) DO NOTHING`,
		m.TenantID, m.ID, m.ConversationID, string(m.Role), m.Content, metadata, m.ImportanceScore,
		vectorArg(m.Embedding), string(m.EmbeddingStatus), m.Archived, m.ArchivedAt, m.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", m.ID, storage.ErrAlreadyExists)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO conversations (tenant_id, id, message_count, last_message_at, created_at)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			message_count = conversations.message_count + 1,
			last_message_at = GREATEST(conversations.last_message_at, EXCLUDED.last_message_at)`,
		m.TenantID, m.ConversationID, m.CreatedAt); err != nil {
		return fmt.Errorf("update conversation %s: %w", m.ConversationID, err)
	}
	return nil
}

func (s *Store) SetEmbedding(ctx context.Context, tenantID, id string, vec []float32) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET embedding = $1, embedding_status = $2, updated_at = $3
		WHERE tenant_id = $4 AND id = $5`,
		pgvector.NewVector(vec), string(domain.EmbeddingCompleted), s.now().UTC(), tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) MarkEmbeddingFailed(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET embedding = NULL, embedding_status = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4`,
		string(domain.EmbeddingFailed), s.now().UTC(), tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// QueryCandidates pre-filters by cosine distance when q.Vector is set,
// otherwise returns the most recent eligible messages.
func (s *Store) QueryCandidates(ctx context.Context, q storage.CandidateQuery) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE tenant_id = $1 AND embedding_status = $2 AND archived = FALSE
		  AND embedding IS NOT NULL AND COALESCE(importance_score, 0) >= $3`
	args := []any{q.TenantID, string(domain.EmbeddingCompleted), q.MinImportance}

	if q.ConversationID != "" {
		args = append(args, q.ConversationID)
		query += ` AND conversation_id = $` + strconv.Itoa(len(args))
	}
	if len(q.Vector) > 0 {
		args = append(args, len(q.Vector))
		query += ` AND vector_dims(embedding) = $` + strconv.Itoa(len(args))
		args = append(args, pgvector.NewVector(q.Vector))
		query += ` ORDER BY embedding <=> $` + strconv.Itoa(len(args)) + `, created_at DESC, id ASC`
	} else {
		query += ` ORDER BY created_at DESC, id ASC`
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *Store) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE tenant_id = $1 AND conversation_id = $2
		ORDER BY created_at ASC, id ASC`
	args := []any{tenantID, conversationID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return s.queryMessages(ctx, query, args...)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ArchiveCandidates(ctx context.Context, tenantID string, createdBefore time.Time, threshold float64) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM messages
		WHERE tenant_id = $1 AND archived = FALSE AND created_at <= $2
		  AND COALESCE(importance_score, 0) < $3
		ORDER BY created_at ASC, id ASC`, tenantID, createdBefore, threshold)
}

func (s *Store) DeleteCandidates(ctx context.Context, tenantID string, archivedBefore time.Time) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM messages
		WHERE tenant_id = $1 AND archived = TRUE AND archived_at IS NOT NULL AND archived_at <= $2
		ORDER BY archived_at ASC, id ASC`, tenantID, archivedBefore)
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) MarkArchived(ctx context.Context, tenantID, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET archived = TRUE, archived_at = $1, updated_at = $2
		WHERE tenant_id = $3 AND id = $4 AND archived = FALSE`,
		at.UTC(), s.now().UTC(), tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = s.GetMessage(ctx, tenantID, id)
	return err
}

func (s *Store) DeleteMessage(ctx context.Context, tenantID, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var conversationID string
	err = tx.QueryRow(ctx,
		`DELETE FROM messages WHERE tenant_id = $1 AND id = $2 RETURNING conversation_id`, tenantID, id,
	).Scan(&conversationID)
	if err != nil {
		return notFound(err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET message_count = GREATEST(message_count - 1, 0)
		WHERE tenant_id = $1 AND id = $2`, tenantID, conversationID); err != nil {
		return fmt.Errorf("update conversation %s: %w", conversationID, err)
	}
	return tx.Commit(ctx)
}
