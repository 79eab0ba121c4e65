// Package domain holds the memory-mesh entities shared by every layer:
// messages, embedding jobs, retention policies, conversations and the error
// taxonomy.
package domain

import (
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ParseRole converts a raw string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
	}
	return r, nil
}

// EmbeddingStatus tracks where a message is in the embedding pipeline.
type EmbeddingStatus string

const (
	EmbeddingPending    EmbeddingStatus = "pending"
	EmbeddingProcessing EmbeddingStatus = "processing"
	EmbeddingCompleted  EmbeddingStatus = "completed"
	EmbeddingFailed     EmbeddingStatus = "failed"
)

// Message is a single conversational turn owned by one tenant.
//
// Embedding is non-nil iff EmbeddingStatus is EmbeddingCompleted.
type Message struct {
	TenantID        string          `json:"tenant_id"`
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversation_id"`
	Role            Role            `json:"role"`
	Content         string          `json:"content"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	ImportanceScore *float64        `json:"importance_score,omitempty"`
	Embedding       []float32       `json:"-"`
	EmbeddingStatus EmbeddingStatus `json:"embedding_status"`
	Archived        bool            `json:"archived"`
	ArchivedAt      *time.Time      `json:"archived_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Importance returns the importance score, or 0 when it has not been computed.
func (m Message) Importance() float64 {
	if m.ImportanceScore == nil {
		return 0
	}
	return *m.ImportanceScore
}

// Searchable reports whether the message may appear in search results.
func (m Message) Searchable() bool {
	return !m.Archived && m.EmbeddingStatus == EmbeddingCompleted && len(m.Embedding) > 0
}

// Conversation aggregates the messages sharing (tenant_id, conversation_id).
// Counters are maintained incrementally by the storage layer.
type Conversation struct {
	TenantID      string    `json:"tenant_id"`
	ID            string    `json:"id"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
}
