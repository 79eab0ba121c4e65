package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/config"
	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/ingest"
	"github.com/shubhhh19/memory-mesh/internal/memory"
	"github.com/shubhhh19/memory-mesh/internal/retention"
	"github.com/shubhhh19/memory-mesh/internal/retrieval"
)

const testToken = "test-token-12345"

func newTestMemory(t *testing.T) *memory.Service {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.DataDir = ":memory:"
	cfg.Embedding.Dimension = 32
	cfg.Retention.ScheduleSeconds = 0
	svc, err := memory.New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func setupHandler(t *testing.T, token string) http.Handler {
	t.Helper()
	return NewHandler(Deps{Memory: newTestMemory(t), Token: token})
}

func apiReq(method, url, body, tenant, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rr.Body.String(), err)
	}
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	decode(t, rr, &body)
	return body.Error.Type
}

func TestHealth_NoAuth(t *testing.T) {
	h := setupHandler(t, testToken)
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var health memory.Health
	decode(t, rr, &health)
	if health.Status != "ok" || health.BreakerState != "closed" || health.Provider != "deterministic" {
		t.Errorf("health = %+v", health)
	}
}

func TestAuthAndTenant(t *testing.T) {
	h := setupHandler(t, testToken)

	tests := []struct {
		name     string
		tenant   string
		token    string
		wantCode int
		wantType string
	}{
		{"missing token", "t1", "", http.StatusUnauthorized, "authentication_error"},
		{"wrong token", "t1", "nope", http.StatusUnauthorized, "authentication_error"},
		{"missing tenant", "", testToken, http.StatusBadRequest, "invalid_request_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, apiReq(http.MethodGet, "/v1/conversations", "", tt.tenant, tt.token))
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := errorType(t, rr); got != tt.wantType {
				t.Errorf("error type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestNoTokenConfigured(t *testing.T) {
	h := setupHandler(t, "")
	rr := serve(h, apiReq(http.MethodGet, "/v1/conversations", "", "t1", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("body = %s, want []", rr.Body.String())
	}
}

func TestIngestGetSearchFlow(t *testing.T) {
	h := setupHandler(t, testToken)

	body := `{"conversation_id":"c1","role":"user","content":"I prefer Go over Python","metadata":{"source":"chat"},"async":false}`
	rr := serve(h, apiReq(http.MethodPost, "/v1/messages", body, "t1", testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("ingest status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var res ingest.Result
	decode(t, rr, &res)
	if res.MessageID == "" || res.EmbeddingStatus != domain.EmbeddingCompleted {
		t.Fatalf("ingest result = %+v", res)
	}

	rr = serve(h, apiReq(http.MethodGet, "/v1/messages/"+res.MessageID, "", "t1", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var m domain.Message
	decode(t, rr, &m)
	if m.Content != "I prefer Go over Python" || m.Metadata["source"] != "chat" {
		t.Errorf("message = %+v", m)
	}

	// Other tenants cannot see it.
	rr = serve(h, apiReq(http.MethodGet, "/v1/messages/"+res.MessageID, "", "t2", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("cross-tenant get status = %d, want 404", rr.Code)
	}

	rr = serve(h, apiReq(http.MethodPost, "/v1/search", `{"query":"I prefer Go over Python","top_k":5}`, "t1", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("search status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var sr searchResponse
	decode(t, rr, &sr)
	if len(sr.Results) != 1 || sr.Results[0].MessageID != res.MessageID {
		t.Errorf("search results = %+v", sr.Results)
	}

	rr = serve(h, apiReq(http.MethodPost, "/v1/search", `{"query":"I prefer Go over Python","top_k":0}`, "t1", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("top_k 0 status = %d, want 400", rr.Code)
	}
}

func TestIngest_IgnoresClientMessageID(t *testing.T) {
	h := setupHandler(t, testToken)

	rr := serve(h, apiReq(http.MethodPost, "/v1/messages", `{"conversation_id":"a","role":"user","content":"original"}`, "t1", testToken))
	var first ingest.Result
	decode(t, rr, &first)

	body := fmt.Sprintf(`{"message_id":%q,"conversation_id":"b","role":"user","content":"replacement"}`, first.MessageID)
	rr = serve(h, apiReq(http.MethodPost, "/v1/messages", body, "t1", testToken))
	if rr.Code != http.StatusCreated {
		t.Fatalf("second ingest status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var second ingest.Result
	decode(t, rr, &second)
	if second.MessageID == first.MessageID {
		t.Fatalf("client-supplied message_id was honoured")
	}

	rr = serve(h, apiReq(http.MethodGet, "/v1/messages/"+first.MessageID, "", "t1", testToken))
	var m domain.Message
	decode(t, rr, &m)
	if m.ConversationID != "a" || m.Content != "original" {
		t.Errorf("first message changed: %+v", m)
	}
}

func TestIngest_AsyncAccepted(t *testing.T) {
	h := setupHandler(t, testToken)
	body := `{"conversation_id":"c1","role":"assistant","content":"later","async":true}`
	rr := serve(h, apiReq(http.MethodPost, "/v1/messages", body, "t1", testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var res ingest.Result
	decode(t, rr, &res)
	rr = serve(h, apiReq(http.MethodPost, "/v1/messages/"+res.MessageID+"/reprocess", "", "t1", testToken))
	if rr.Code != http.StatusAccepted {
		t.Errorf("reprocess status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestIngest_Validation(t *testing.T) {
	h := setupHandler(t, testToken)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"content":`},
		{"empty content", `{"conversation_id":"c1","role":"user","content":"  "}`},
		{"bad role", `{"conversation_id":"c1","role":"robot","content":"x"}`},
		{"importance out of range", `{"conversation_id":"c1","role":"user","content":"x","importance":1.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, apiReq(http.MethodPost, "/v1/messages", tt.body, "t1", testToken))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", rr.Code, rr.Body.String())
			}
			if got := errorType(t, rr); got != "invalid_request_error" {
				t.Errorf("error type = %q", got)
			}
		})
	}
}

func TestConversationsEndpoints(t *testing.T) {
	h := setupHandler(t, testToken)
	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"conversation_id":"c%d","role":"user","content":"msg %d"}`, i%2, i)
		if rr := serve(h, apiReq(http.MethodPost, "/v1/messages", body, "t1", testToken)); rr.Code >= 300 {
			t.Fatalf("ingest %d: status %d", i, rr.Code)
		}
	}

	rr := serve(h, apiReq(http.MethodGet, "/v1/conversations?limit=10", "", "t1", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	var convs []domain.Conversation
	decode(t, rr, &convs)
	if len(convs) != 2 {
		t.Errorf("got %d conversations, want 2", len(convs))
	}

	rr = serve(h, apiReq(http.MethodGet, "/v1/conversations/c0", "", "t1", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d", rr.Code)
	}
	var view memory.ConversationView
	decode(t, rr, &view)
	if view.MessageCount != 2 || len(view.Messages) != 2 {
		t.Errorf("c0 = count %d, %d messages", view.MessageCount, len(view.Messages))
	}

	if rr := serve(h, apiReq(http.MethodGet, "/v1/conversations?limit=abc", "", "t1", testToken)); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rr.Code)
	}
	if rr := serve(h, apiReq(http.MethodGet, "/v1/conversations/none", "", "t1", testToken)); rr.Code != http.StatusNotFound {
		t.Errorf("missing conversation status = %d", rr.Code)
	}
}

func TestRetentionEndpoint(t *testing.T) {
	h := setupHandler(t, testToken)

	rr := serve(h, apiReq(http.MethodPost, "/v1/retention/run", `{"dry_run":true}`, "t1", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var res retention.Result
	decode(t, rr, &res)
	if !res.DryRun || res.TenantID != "t1" {
		t.Errorf("result = %+v", res)
	}

	rr = serve(h, apiReq(http.MethodPost, "/v1/retention/run", `{"actions":["shred"]}`, "t1", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d", rr.Code)
	}
}

// fakeMemory lets tests script failures of the core.
type fakeMemory struct {
	Memory
	searchFn    func(context.Context, memory.SearchRequest) ([]retrieval.Result, error)
	retentionFn func(context.Context, string, []string, bool) (retention.Result, error)
	getFn       func(context.Context, string, string) (domain.Message, error)
}

func (f *fakeMemory) Search(ctx context.Context, req memory.SearchRequest) ([]retrieval.Result, error) {
	return f.searchFn(ctx, req)
}

func (f *fakeMemory) RunRetention(ctx context.Context, tenant string, actions []string, dryRun bool) (retention.Result, error) {
	return f.retentionFn(ctx, tenant, actions, dryRun)
}

func (f *fakeMemory) GetMessage(ctx context.Context, tenant, id string) (domain.Message, error) {
	return f.getFn(ctx, tenant, id)
}

func TestErrorMapping(t *testing.T) {
	fake := &fakeMemory{
		searchFn: func(context.Context, memory.SearchRequest) ([]retrieval.Result, error) {
			return nil, &domain.SearchUnavailable{Err: errors.New("circuit breaker is open")}
		},
		retentionFn: func(_ context.Context, tenant string, _ []string, _ bool) (retention.Result, error) {
			return retention.Result{}, fmt.Errorf("tenant %s: %w", tenant, domain.ErrRunInProgress)
		},
		getFn: func(context.Context, string, string) (domain.Message, error) {
			return domain.Message{}, errors.New("disk on fire")
		},
	}
	h := NewHandler(Deps{Memory: fake})

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantType string
	}{
		{"search unavailable", http.MethodPost, "/v1/search", `{"query":"q"}`, http.StatusServiceUnavailable, "service_unavailable"},
		{"run in progress", http.MethodPost, "/v1/retention/run", `{}`, http.StatusConflict, "conflict"},
		{"internal", http.MethodGet, "/v1/messages/m1", "", http.StatusInternalServerError, "api_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, apiReq(tt.method, tt.path, tt.body, "t1", ""))
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d; body = %s", rr.Code, tt.wantCode, rr.Body.String())
			}
			if got := errorType(t, rr); got != tt.wantType {
				t.Errorf("error type = %q, want %q", got, tt.wantType)
			}
			if tt.wantType == "api_error" && strings.Contains(rr.Body.String(), "disk on fire") {
				t.Error("internal error details leaked to the client")
			}
		})
	}
}

func TestRetention_PartialFailureIsMultiStatus(t *testing.T) {
	fake := &fakeMemory{
		retentionFn: func(_ context.Context, tenant string, _ []string, _ bool) (retention.Result, error) {
			return retention.Result{
				TenantID: tenant,
				Archived: 1,
				Errors:   []domain.ItemError{{MessageID: "m2", Action: domain.ActionArchive, Error: "locked"}},
			}, nil
		},
	}
	h := NewHandler(Deps{Memory: fake})

	rr := serve(h, apiReq(http.MethodPost, "/v1/retention/run", `{"actions":["archive"]}`, "t1", ""))
	if rr.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rr.Code)
	}
	var res retention.Result
	decode(t, rr, &res)
	if res.Archived != 1 || len(res.Errors) != 1 || res.Errors[0].MessageID != "m2" {
		t.Errorf("result = %+v", res)
	}
}

func TestSearch_CancelledContext(t *testing.T) {
	fake := &fakeMemory{
		searchFn: func(ctx context.Context, _ memory.SearchRequest) ([]retrieval.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	h := NewHandler(Deps{Memory: fake})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	req := apiReq(http.MethodPost, "/v1/search", `{"query":"q"}`, "t1", "").WithContext(ctx)
	rr := serve(h, req)
	if rr.Code == http.StatusOK {
		t.Errorf("status = 200 for a request that never finished")
	}
}
