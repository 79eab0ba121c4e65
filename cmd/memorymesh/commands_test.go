package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shubhhh19/memory-mesh/internal/config"
	"github.com/shubhhh19/memory-mesh/internal/memory"
	"github.com/shubhhh19/memory-mesh/internal/retrieval"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
	Tenant string
}

type testResponse struct {
	status int
	body   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]testResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
			Tenant: r.Header.Get("X-Tenant-ID"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			status := resp.status
			if status == 0 {
				status = http.StatusOK
			}
			w.WriteHeader(status)
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		tenant:     "acme",
		httpClient: ts.server.Client(),
	}
}

// captureStdout redirects command output for the duration of the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = orig })
	return &buf
}

func withNoColor(t *testing.T) {
	t.Helper()
	orig := noColor
	noColor = true
	t.Cleanup(func() { noColor = orig })
}

var ctx = context.Background()

func TestIngestCommand(t *testing.T) {
	withNoColor(t)
	out := captureStdout(t)
	ts := newTestServer(t, map[string]testResponse{
		"POST /v1/messages": {status: 201, body: `{"message_id":"m-1","conversation_id":"c1","importance_score":0.75,"embedding_status":"completed"}`},
	})

	imp := 0.75
	err := runIngest(ctx, ts.client(), memory.IngestRequest{
		ConversationID: "c1",
		Role:           "user",
		Content:        "hello world",
		Importance:     &imp,
	})
	if err != nil {
		t.Fatalf("runIngest: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q", r.Auth)
	}
	if r.Tenant != "acme" {
		t.Errorf("tenant header = %q, want acme", r.Tenant)
	}

	var sent map[string]any
	if err := json.Unmarshal([]byte(r.Body), &sent); err != nil {
		t.Fatalf("request body not JSON: %v", err)
	}
	if sent["content"] != "hello world" || sent["conversation_id"] != "c1" || sent["importance"] != 0.75 {
		t.Errorf("request body = %v", sent)
	}
	if _, ok := sent["async"]; ok {
		t.Error("async should be omitted when not set")
	}
	if !strings.Contains(out.String(), "0.750") {
		t.Errorf("output missing importance: %q", out.String())
	}
}

func TestIngestCommand_ServerError(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /v1/messages": {status: 400, body: `{"error":{"message":"role: must be one of user, assistant, system","type":"invalid_request_error"}}`},
	})

	err := runIngest(ctx, ts.client(), memory.IngestRequest{ConversationID: "c1", Role: "robot", Content: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "role: must be one of") {
		t.Errorf("error = %v", err)
	}
}

func TestSearchCommand(t *testing.T) {
	withNoColor(t)
	out := captureStdout(t)
	ts := newTestServer(t, map[string]testResponse{
		"POST /v1/search": {body: `{"results":[{"message_id":"m-1","conversation_id":"c1","role":"user","content":"deploys freeze on fridays","similarity":0.91,"importance":0.8,"decay":1,"score":0.88}]}`},
	})

	minImp := 0.5
	topK := 3
	err := runSearch(ctx, ts.client(), memory.SearchRequest{Query: "when do deploys freeze?", TopK: &topK, MinImportance: &minImp}, false)
	if err != nil {
		t.Fatalf("runSearch: %v", err)
	}

	var sent memory.SearchRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Query != "when do deploys freeze?" || sent.TopK == nil || *sent.TopK != 3 || sent.MinImportance == nil || *sent.MinImportance != 0.5 {
		t.Errorf("sent = %+v", sent)
	}

	got := out.String()
	for _, want := range []string{"Result 1", "score: 0.880", "deploys freeze on fridays", "c1/m-1"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestSearchCommand_NoResults(t *testing.T) {
	out := captureStdout(t)
	ts := newTestServer(t, map[string]testResponse{
		"POST /v1/search": {body: `{"results":[]}`},
	})

	if err := runSearch(ctx, ts.client(), memory.SearchRequest{Query: "anything"}, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No results found.") {
		t.Errorf("output = %q", out.String())
	}
}

func TestSearchCommand_JSON(t *testing.T) {
	out := captureStdout(t)
	ts := newTestServer(t, map[string]testResponse{
		"POST /v1/search": {body: `{"results":[{"message_id":"m-1","score":0.5}]}`},
	})

	if err := runSearch(ctx, ts.client(), memory.SearchRequest{Query: "q"}, true); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(ts.requests[0].Body, "top_k") {
		t.Errorf("omitted top_k was sent: %s", ts.requests[0].Body)
	}
	var results []retrieval.Result
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if len(results) != 1 || results[0].MessageID != "m-1" {
		t.Errorf("results = %+v", results)
	}
}

func TestConversationsList(t *testing.T) {
	withNoColor(t)
	out := captureStdout(t)
	ts := newTestServer(t, map[string]testResponse{
		"GET /v1/conversations": {body: `[{"id":"c1","message_count":4,"last_message_at":"2026-01-02T15:04:05Z"}]`},
	})

	if err := runConversationsList(ctx, ts.client(), 10, 5); err != nil {
		t.Fatal(err)
	}
	if got := ts.requests[0].Path; got != "/v1/conversations?limit=10&offset=5" {
		t.Errorf("path = %q", got)
	}
	if !strings.Contains(out.String(), "c1  4 messages  last 2026-01-02 15:04") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRetentionCommand(t *testing.T) {
	withNoColor(t)
	out := captureStdout(t)
	ts := newTestServer(t, map[string]testResponse{
		"POST /v1/retention/run": {body: `{"tenant_id":"acme","archived_count":3,"deleted_count":1,"dry_run":true,"errors":[]}`},
	})

	if err := runRetention(ctx, ts.client(), []string{"archive", "delete"}, true); err != nil {
		t.Fatal(err)
	}

	var sent struct {
		Actions []string `json:"actions"`
		DryRun  bool     `json:"dry_run"`
	}
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &sent); err != nil {
		t.Fatal(err)
	}
	if len(sent.Actions) != 2 || !sent.DryRun {
		t.Errorf("sent = %+v", sent)
	}
	if !strings.Contains(out.String(), "Archived: 3") || !strings.Contains(out.String(), "Deleted: 1") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRetentionCommand_PartialFailure(t *testing.T) {
	captureStdout(t)
	ts := newTestServer(t, map[string]testResponse{
		"POST /v1/retention/run": {status: 207, body: `{"tenant_id":"acme","archived_count":1,"deleted_count":0,"dry_run":false,"errors":[{"message_id":"m-9","action":"delete","error":"locked"}]}`},
	})

	err := runRetention(ctx, ts.client(), nil, false)
	if err == nil || !strings.Contains(err.Error(), "1 message(s) failed") {
		t.Errorf("err = %v", err)
	}
}

func TestRetentionCommand_Conflict(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"POST /v1/retention/run": {status: 409, body: `{"error":{"message":"retention run already in progress for tenant acme","type":"conflict"}}`},
	})

	err := runRetention(ctx, ts.client(), nil, false)
	if err == nil || !strings.Contains(err.Error(), "409") || !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("err = %v", err)
	}
}

func TestStatusCommand_Running(t *testing.T) {
	withNoColor(t)
	out := captureStdout(t)
	ts := newTestServer(t, map[string]testResponse{
		"GET /health": {body: `{"status":"ok","database":"ok","database_latency_ms":0.4,"breaker_state":"closed","queue_depth":2,"provider_name":"deterministic","uptime_seconds":65}`},
	})

	if err := showStatus(ctx, ts.client()); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"Server: ok", "Breaker: closed", "Queue depth: 2", "Provider: deterministic", "Uptime: 1m5s"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Fallback") {
		t.Errorf("fallback printed without one configured:\n%s", got)
	}
}

func TestStatusCommand_Degraded(t *testing.T) {
	withNoColor(t)
	out := captureStdout(t)
	ts := newTestServer(t, map[string]testResponse{
		"GET /health": {status: 503, body: `{"status":"degraded","database":"down","breaker_state":"open","provider_name":"openai","fallback_provider":"deterministic"}`},
	})

	if err := showStatus(ctx, ts.client()); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"Server: degraded", "Database: down", "Fallback: deterministic", "Breaker: open"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	withNoColor(t)
	out := captureStdout(t)
	ts := newTestServer(t, nil)
	client := ts.client()
	ts.server.Close()

	if err := showStatus(ctx, client); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Server: stopped") {
		t.Errorf("output = %q", out.String())
	}
}

func TestNoColorFlag(t *testing.T) {
	orig := noColor
	defer func() { noColor = orig }()

	noColor = true
	if got := colorize(colorRed, "hello"); got != "hello" {
		t.Errorf("colorize with noColor = %q, want %q", got, "hello")
	}

	noColor = false
	if got := colorize(colorRed, "hello"); got != colorRed+"hello"+colorReset {
		t.Errorf("colorize = %q", got)
	}
}

func TestAPIClient_NoTokenNoTenant(t *testing.T) {
	ts := newTestServer(t, map[string]testResponse{
		"GET /health": {body: `{}`},
	})
	client := ts.client()
	client.token = ""
	client.tenant = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	r := ts.requests[0]
	if r.Auth != "" || r.Tenant != "" {
		t.Errorf("auth=%q tenant=%q, want both empty", r.Auth, r.Tenant)
	}
	if err := client.requireTenant(); err == nil {
		t.Error("requireTenant should fail without a tenant")
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, err := ts.client().get(ctx, "/v1/messages/missing")
	if err != nil {
		t.Fatal(err)
	}

	var v map[string]any
	err = decodeJSON(resp, &v)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v", err)
	}
}

func TestServerURL(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"127.0.0.1", "http://127.0.0.1:8080"},
		{"0.0.0.0", "http://127.0.0.1:8080"},
		{"", "http://127.0.0.1:8080"},
		{"::", "http://127.0.0.1:8080"},
		{"memory.internal", "http://memory.internal:8080"},
		{"::1", "http://[::1]:8080"},
	}
	for _, tt := range tests {
		cfg := config.Defaults()
		cfg.Server.Host = tt.host
		cfg.Server.Port = 8080
		if got := serverURL(cfg); got != tt.want {
			t.Errorf("serverURL(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestConfigShowAll_MasksSecrets(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.Token = "super-secret"

	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.token" && k.Value != "********" {
			t.Errorf("server.token shown as %q", k.Value)
		}
		if strings.Contains(k.Value, "super-secret") {
			t.Errorf("%s leaked the token", k.Key)
		}
	}
}
