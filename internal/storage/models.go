package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

// ErrNotFound aliases domain.ErrNotFound for callers that only import storage.
var ErrNotFound = domain.ErrNotFound

// ErrAlreadyExists is returned by InsertMessage when the id is taken.
var ErrAlreadyExists = domain.ErrAlreadyExists

// CandidateQuery selects messages eligible for ranking: embedding completed,
// not archived, importance at or above MinImportance, newest first.
type CandidateQuery struct {
	TenantID       string
	ConversationID string // optional
	MinImportance  float64
	Limit          int
	// Vector lets backends with native vector search pre-filter by
	// similarity. Backends without it ignore the field.
	Vector []float32
}

// Repository is the persistence contract shared by the SQLite and
// PostgreSQL stores. Every query is scoped by tenant.
type Repository interface {
	Ping(ctx context.Context) error
	Close() error

	GetMessage(ctx context.Context, tenantID, id string) (domain.Message, error)
	InsertMessage(ctx context.Context, m domain.Message) error
	EnqueueEmbedding(ctx context.Context, m domain.Message, job domain.EmbeddingJob) error
	RequeueEmbedding(ctx context.Context, job domain.EmbeddingJob) error
	SetEmbedding(ctx context.Context, tenantID, id string, vec []float32) error
	MarkEmbeddingFailed(ctx context.Context, tenantID, id string) error
	QueryCandidates(ctx context.Context, q CandidateQuery) ([]domain.Message, error)
	ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]domain.Message, error)

	ArchiveCandidates(ctx context.Context, tenantID string, createdBefore time.Time, threshold float64) ([]string, error)
	DeleteCandidates(ctx context.Context, tenantID string, archivedBefore time.Time) ([]string, error)
	MarkArchived(ctx context.Context, tenantID, id string, at time.Time) error
	DeleteMessage(ctx context.Context, tenantID, id string) error

	LeaseJobs(ctx context.Context, limit int, lease time.Duration) ([]domain.EmbeddingJob, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id, errMsg string, runAfter time.Time) error
	FailJob(ctx context.Context, id, errMsg string) error
	QueueDepth(ctx context.Context) (int, error)

	ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]domain.Conversation, error)
	GetConversation(ctx context.Context, tenantID, id string) (domain.Conversation, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// timeLayout is fixed-width so that lexical order equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// EncodeVector serializes a float32 slice to little-endian bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a new float32 slice.
// A length that is not a multiple of 4 means the stored blob is corrupt.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// EncodeMetadata renders metadata as a JSON object. nil becomes "{}".
func EncodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

// DecodeMetadata parses a JSON object. Empty input yields nil.
func DecodeMetadata(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}
