package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

const messageColumns = `tenant_id, id, conversation_id, role, content, metadata, importance_score,
	embedding, embedding_status, archived, archived_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		m                    domain.Message
		metadata             string
		importance           sql.NullFloat64
		embedding            []byte
		archived             int
		archivedAt           sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&m.TenantID, &m.ID, &m.ConversationID, &m.Role, &m.Content, &metadata,
		&importance, &embedding, &m.EmbeddingStatus, &archived, &archivedAt, &createdAt, &updatedAt); err != nil {
		return domain.Message{}, err
	}

	var err error
	if m.Metadata, err = DecodeMetadata(metadata); err != nil {
		return domain.Message{}, err
	}
	if importance.Valid {
		v := importance.Float64
		m.ImportanceScore = &v
	}
	if len(embedding) > 0 {
		if m.Embedding, err = DecodeVector(embedding); err != nil {
			return domain.Message{}, fmt.Errorf("message %s: %w", m.ID, err)
		}
	}
	m.Archived = archived != 0
	if archivedAt.Valid {
		t, err := parseTime(archivedAt.String)
		if err != nil {
			return domain.Message{}, err
		}
		m.ArchivedAt = &t
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Message{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, tenantID, id string) (domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = ? AND id = ?`, tenantID, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, ErrNotFound
	}
	return m, err
}

// InsertMessage stores a new message and bumps its conversation counter.
// An existing (tenant_id, id) is never overwritten: ErrAlreadyExists.
func (s *Store) InsertMessage(ctx context.Context, m domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertMessageTx(ctx, tx, m); err != nil {
		return err
	}
	return tx.Commit()
}

// EnqueueEmbedding persists a new message and its embedding job atomically.
func (s *Store) EnqueueEmbedding(ctx context.Context, m domain.Message, job domain.EmbeddingJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertMessageTx(ctx, tx, m); err != nil {
		return err
	}
	if err := s.insertJobTx(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueEmbedding resets an existing, unarchived message to pending and
// enqueues job for it. Content, conversation and archive state are left
// alone.
func (s *Store) RequeueEmbedding(ctx context.Context, job domain.EmbeddingJob) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning requeue transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET embedding = NULL, embedding_status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND archived = 0`,
		string(domain.EmbeddingPending), formatTime(s.now()), job.TenantID, job.MessageID,
	)
	if err := expectRow(res, err); err != nil {
		return err
	}
	if err := s.insertJobTx(ctx, tx, job); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) insertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	now := s.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.EmbeddingStatus == "" {
		m.EmbeddingStatus = domain.EmbeddingPending
	}
	metadata, err := EncodeMetadata(m.Metadata)
	if err != nil {
		return err
	}

	var importance any
	if m.ImportanceScore != nil {
		importance = *m.ImportanceScore
	}
	var embedding any
	if len(m.Embedding) > 0 {
		embedding = EncodeVector(m.Embedding)
	}
	var archivedAt any
	if m.ArchivedAt != nil {
		archivedAt = formatTime(*m.ArchivedAt)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO NOTHING`,
		m.TenantID, m.ID, m.ConversationID, string(m.Role), m.Content, metadata, importance,
		embedding, string(m.EmbeddingStatus), boolToInt(m.Archived), archivedAt,
		formatTime(m.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("message %s: %w", m.ID, ErrAlreadyExists)
	}

	created := formatTime(m.CreatedAt)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (tenant_id, id, message_count, last_message_at, created_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			message_count = message_count + 1,
			last_message_at = MAX(last_message_at, excluded.last_message_at)`,
		m.TenantID, m.ConversationID, created, created,
	)
	if err != nil {
		return fmt.Errorf("updating conversation %s: %w", m.ConversationID, err)
	}
	return nil
}

// SetEmbedding stores vec and marks the message completed. Repeated calls
// overwrite the previous vector.
func (s *Store) SetEmbedding(ctx context.Context, tenantID, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET embedding = ?, embedding_status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		EncodeVector(vec), string(domain.EmbeddingCompleted), formatTime(s.now()), tenantID, id,
	)
	return expectRow(res, err)
}

// MarkEmbeddingFailed clears any vector and marks the message failed.
func (s *Store) MarkEmbeddingFailed(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET embedding = NULL, embedding_status = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?`,
		string(domain.EmbeddingFailed), formatTime(s.now()), tenantID, id,
	)
	return expectRow(res, err)
}

// QueryCandidates returns the most recent searchable messages.
func (s *Store) QueryCandidates(ctx context.Context, q CandidateQuery) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE tenant_id = ? AND embedding_status = ? AND archived = 0
		  AND embedding IS NOT NULL AND COALESCE(importance_score, 0) >= ?`
	args := []any{q.TenantID, string(domain.EmbeddingCompleted), q.MinImportance}
	if q.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, q.ConversationID)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limitOrAll(q.Limit))

	return s.queryMessages(ctx, query, args...)
}

// ListMessages returns a conversation's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]domain.Message, error) {
	return s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = ? AND conversation_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		tenantID, conversationID, limitOrAll(limit))
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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

// ArchiveCandidates returns IDs of unarchived messages created at or before
// createdBefore whose importance is below threshold.
func (s *Store) ArchiveCandidates(ctx context.Context, tenantID string, createdBefore time.Time, threshold float64) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM messages
		WHERE tenant_id = ? AND archived = 0 AND created_at <= ?
		  AND COALESCE(importance_score, 0) < ?
		ORDER BY created_at ASC, id ASC`,
		tenantID, formatTime(createdBefore), threshold)
}

// DeleteCandidates returns IDs of messages archived at or before archivedBefore.
func (s *Store) DeleteCandidates(ctx context.Context, tenantID string, archivedBefore time.Time) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM messages
		WHERE tenant_id = ? AND archived = 1 AND archived_at IS NOT NULL AND archived_at <= ?
		ORDER BY archived_at ASC, id ASC`,
		tenantID, formatTime(archivedBefore))
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// MarkArchived archives a message. Archiving an already archived message
// is a no-op.
func (s *Store) MarkArchived(ctx context.Context, tenantID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET archived = 1, archived_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND archived = 0`,
		formatTime(at), formatTime(s.now()), tenantID, id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	_, err = s.GetMessage(ctx, tenantID, id)
	return err
}

// DeleteMessage removes a message and decrements its conversation counter.
func (s *Store) DeleteMessage(ctx context.Context, tenantID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var conversationID string
	err = tx.QueryRowContext(ctx,
		`SELECT conversation_id FROM messages WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE tenant_id = ? AND id = ?`, tenantID, id); err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = MAX(message_count - 1, 0)
		WHERE tenant_id = ? AND id = ?`, tenantID, conversationID); err != nil {
		return fmt.Errorf("updating conversation %s: %w", conversationID, err)
	}
	return tx.Commit()
}

func expectRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}
