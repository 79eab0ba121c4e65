package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/ingest"
	"github.com/shubhhh19/memory-mesh/internal/memory"
	"github.com/shubhhh19/memory-mesh/internal/retention"
	"github.com/shubhhh19/memory-mesh/internal/retrieval"
	"github.com/shubhhh19/memory-mesh/internal/telemetry"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Memory is the core the API serves. *memory.Service implements it.
type Memory interface {
	Ingest(ctx context.Context, req memory.IngestRequest) (ingest.Result, error)
	Search(ctx context.Context, req memory.SearchRequest) ([]retrieval.Result, error)
	RunRetention(ctx context.Context, tenantID string, actions []string, dryRun bool) (retention.Result, error)
	Health(ctx context.Context) memory.Health
	GetMessage(ctx context.Context, tenantID, id string) (domain.Message, error)
	Reprocess(ctx context.Context, tenantID, id string) (ingest.Result, error)
	ListConversations(ctx context.Context, tenantID string, limit, offset int) ([]domain.Conversation, error)
	GetConversation(ctx context.Context, tenantID, id string) (memory.ConversationView, error)
}

var _ Memory = (*memory.Service)(nil)

type Deps struct {
	Memory Memory
	// Token enables bearer auth on /v1 when non-empty.
	Token       string
	ServiceName string
	Logger      *slog.Logger
}

// NewHandler returns the HTTP API. /health is open; everything under /v1
// needs a tenant header and, when configured, the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "memorymesh"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(deps.ServiceName))

	r.Get("/health", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Use(RequireTenant)

		r.Post("/messages", handleIngest(deps))
		r.Get("/messages/{id}", handleGetMessage(deps))
		r.Post("/messages/{id}/reprocess", handleReprocess(deps))
		r.Post("/search", handleSearch(deps))
		r.Post("/retention/run", handleRetention(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
	})
	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := deps.Memory.Health(r.Context())
		code := http.StatusOK
		if h.Database != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, h)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memory.IngestRequest
		if !decodeBody(w, r, &req) {
			return
		}
		req.TenantID = TenantFromContext(r.Context())

		res, err := deps.Memory.Ingest(r.Context(), req)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		code := http.StatusCreated
		if res.EmbeddingStatus == domain.EmbeddingPending {
			code = http.StatusAccepted
		}
		writeJSON(w, code, res)
	}
}

func handleGetMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Memory.GetMessage(r.Context(), TenantFromContext(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleReprocess(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Memory.Reprocess(r.Context(), TenantFromContext(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, res)
	}
}

type searchResponse struct {
	Results []retrieval.Result `json:"results"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req memory.SearchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		req.TenantID = TenantFromContext(r.Context())

		results, err := deps.Memory.Search(r.Context(), req)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if results == nil {
			results = []retrieval.Result{}
		}
		writeJSON(w, http.StatusOK, searchResponse{Results: results})
	}
}

type retentionRequest struct {
	Actions []string `json:"actions"`
	DryRun  bool     `json:"dry_run"`
}

func handleRetention(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req retentionRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Memory.RunRetention(r.Context(), TenantFromContext(r.Context()), req.Actions, req.DryRun)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		code := http.StatusOK
		if len(res.Errors) > 0 {
			code = http.StatusMultiStatus
		}
		writeJSON(w, code, res)
	}
}

func handleListConversations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := intParam(w, r, "limit")
		if !ok {
			return
		}
		offset, ok := intParam(w, r, "offset")
		if !ok {
			return
		}
		convs, err := deps.Memory.ListConversations(r.Context(), TenantFromContext(r.Context()), limit, offset)
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		if convs == nil {
			convs = []domain.Conversation{}
		}
		writeJSON(w, http.StatusOK, convs)
	}
}

func handleGetConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Memory.GetConversation(r.Context(), TenantFromContext(r.Context()), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, deps.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// intParam reads an optional integer query parameter. Absent means 0.
func intParam(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, true
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid %s: %q", key, s)
		return 0, false
	}
	return v, true
}
