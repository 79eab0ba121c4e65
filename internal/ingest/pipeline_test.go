package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
)

func TestIngest_InlineEmbeds(t *testing.T) {
	store := openTestStore(t)
	p := newTestPipeline(t, store, okEmbedder())

	res, err := p.Ingest(ctx, Request{
		TenantID:       "t1",
		ConversationID: "c1",
		Role:           "user",
		Content:        "remember that I like tea",
		Metadata:       map[string]any{"channel": "web"},
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.EmbeddingStatus != domain.EmbeddingCompleted || res.EmbeddingError != "" {
		t.Errorf("result = %+v, want completed", res)
	}
	if res.MessageID == "" {
		t.Fatal("empty message id")
	}

	m, err := store.GetMessage(ctx, "t1", res.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !m.Searchable() {
		t.Errorf("stored message is not searchable: %+v", m)
	}
	if m.Importance() < 0.79 || m.Importance() > 0.81 {
		t.Errorf("importance = %v, want ~0.8 for a fresh user message", m.Importance())
	}
	if m.Metadata["channel"] != "web" {
		t.Errorf("metadata = %v", m.Metadata)
	}
}

func TestIngest_InlineFailureStillStores(t *testing.T) {
	store := openTestStore(t)
	emb := &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
		return nil, transient("provider down")
	}}
	p := newTestPipeline(t, store, emb)

	res, err := p.Ingest(ctx, Request{TenantID: "t1", ConversationID: "c1", Role: "assistant", Content: "hi"})
	if err != nil {
		t.Fatalf("Ingest should not fail on embedding error: %v", err)
	}
	if res.EmbeddingStatus != domain.EmbeddingFailed || res.EmbeddingError == "" {
		t.Errorf("result = %+v, want failed with embedding_error", res)
	}
	m, err := store.GetMessage(ctx, "t1", res.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.EmbeddingStatus != domain.EmbeddingFailed || m.Embedding != nil {
		t.Errorf("stored = status %s embedding %v", m.EmbeddingStatus, m.Embedding)
	}
}

func TestIngest_AsyncEnqueuesAndNotifies(t *testing.T) {
	store := openTestStore(t)
	emb := okEmbedder()
	notifier := &mockNotifier{}
	p := newTestPipeline(t, store, emb, WithNotifier(notifier), WithMaxAttempts(7))

	res, err := p.Ingest(ctx, Request{TenantID: "t1", ConversationID: "c1", Role: "user", Content: "later", Async: true})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.EmbeddingStatus != domain.EmbeddingPending {
		t.Errorf("status = %s, want pending", res.EmbeddingStatus)
	}
	if emb.calls.Load() != 0 {
		t.Error("async ingest called the provider")
	}
	if len(notifier.calls) != 1 || notifier.calls[0] != "t1/"+res.MessageID {
		t.Errorf("notifier calls = %v", notifier.calls)
	}

	j := jobFor(t, store, res.MessageID)
	if j.Status != domain.JobPending || j.MaxAttempts != 7 {
		t.Errorf("job = %+v", j)
	}
	depth, _ := store.QueueDepth(ctx)
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}
}

func TestIngest_ImportanceOverrideVerbatim(t *testing.T) {
	store := openTestStore(t)
	p := newTestPipeline(t, store, okEmbedder())

	v := 0.123
	res, err := p.Ingest(ctx, Request{TenantID: "t1", ConversationID: "c1", Role: "system", Content: "x", Importance: &v})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.ImportanceScore != v {
		t.Errorf("importance = %v, want %v", res.ImportanceScore, v)
	}
}

func TestIngest_Validation(t *testing.T) {
	tooHigh := 1.5
	negative := -0.1
	tests := []struct {
		name string
		req  Request
	}{
		{"empty tenant", Request{ConversationID: "c", Role: "user", Content: "x"}},
		{"empty conversation", Request{TenantID: "t", Role: "user", Content: "x"}},
		{"blank content", Request{TenantID: "t", ConversationID: "c", Role: "user", Content: "   "}},
		{"unknown role", Request{TenantID: "t", ConversationID: "c", Role: "robot", Content: "x"}},
		{"importance above range", Request{TenantID: "t", ConversationID: "c", Role: "user", Content: "x", Importance: &tooHigh}},
		{"importance below range", Request{TenantID: "t", ConversationID: "c", Role: "user", Content: "x", Importance: &negative}},
	}

	store := openTestStore(t)
	emb := okEmbedder()
	p := newTestPipeline(t, store, emb)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Ingest(ctx, tt.req)
			if !domain.IsValidation(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if emb.calls.Load() != 0 {
		t.Error("provider called for invalid requests")
	}
	if tenants, _ := store.ListTenants(ctx); len(tenants) != 0 {
		t.Errorf("invalid requests stored messages for %v", tenants)
	}
}

func TestReprocess(t *testing.T) {
	store := openTestStore(t)
	failingEmb := &mockEmbedder{embedFn: func(context.Context, string) ([]float32, error) {
		return nil, &domain.PermanentFailure{Reason: "rejected"}
	}}
	p := newTestPipeline(t, store, failingEmb)

	res, err := p.Ingest(ctx, Request{TenantID: "t1", ConversationID: "c1", Role: "user", Content: "retry me"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	again, err := p.Reprocess(ctx, "t1", res.MessageID)
	if err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if again.EmbeddingStatus != domain.EmbeddingPending {
		t.Errorf("status = %s, want pending", again.EmbeddingStatus)
	}

	w := newTestWorker(store, okEmbedder())
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	m, _ := store.GetMessage(ctx, "t1", res.MessageID)
	if !m.Searchable() {
		t.Errorf("message not searchable after reprocess: %+v", m)
	}
	if c, _ := store.GetConversation(ctx, "t1", "c1"); c.MessageCount != 1 {
		t.Errorf("reprocess changed message_count to %d", c.MessageCount)
	}
}

func TestReprocess_Errors(t *testing.T) {
	store := openTestStore(t)
	p := newTestPipeline(t, store, okEmbedder())

	if _, err := p.Reprocess(ctx, "t1", "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	res, _ := p.Ingest(ctx, Request{TenantID: "t1", ConversationID: "c1", Role: "user", Content: "x"})
	if err := store.MarkArchived(ctx, "t1", res.MessageID, time.Now()); err != nil {
		t.Fatalf("MarkArchived: %v", err)
	}
	if _, err := p.Reprocess(ctx, "t1", res.MessageID); !domain.IsValidation(err) {
		t.Errorf("expected ValidationError for archived message, got %v", err)
	}
}
