package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var (
		c                 domain.Conversation
		lastAt, createdAt string
	)
	if err := row.Scan(&c.TenantID, &c.ID, &c.MessageCount, &lastAt, &createdAt); err != nil {
		return domain.Conversation{}, err
	}
	var err error
	if c.LastMessageAt, err = parseTime(lastAt); err != nil {
		return domain.Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Conversation{}, err
	}
	return c, nil
}

// ListConversations returns a tenant's conversations, most recently active first.
func (s *Store) ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]domain.Conversation, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, message_count, last_message_at, created_at
		FROM conversations WHERE tenant_id = ?
		ORDER BY last_message_at DESC, id ASC LIMIT ? OFFSET ?`,
		tenantID, limitOrAll(limit), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetConversation(ctx context.Context, tenantID, id string) (domain.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, message_count, last_message_at, created_at
		FROM conversations WHERE tenant_id = ? AND id = ?`, tenantID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Conversation{}, ErrNotFound
	}
	return c, err
}

// ListTenants returns every tenant that owns at least one message.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	return s.queryIDs(ctx, `SELECT DISTINCT tenant_id FROM messages ORDER BY tenant_id`)
}
