package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/memory"
	"github.com/shubhhh19/memory-mesh/internal/retrieval"
)

// MCPDeps wires the MCP tools to the memory service.
type MCPDeps struct {
	Memory  Memory
	Version string
}

// NewMCPServer creates an MCP server exposing the memory tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"memorymesh",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("memorymesh: durable, searchable conversational memory scoped by tenant."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("remember",
			mcp.WithDescription("Store a conversation message so it can be recalled later."),
			mcp.WithString("tenant_id", mcp.Description("Tenant that owns the memory"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation the message belongs to"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Message text"), mcp.Required()),
			mcp.WithString("role", mcp.Description("user, assistant or system (default user)")),
			mcp.WithNumber("importance", mcp.Description("Explicit importance in [0,1]; computed when omitted")),
			mcp.WithBoolean("async", mcp.Description("Queue the embedding instead of computing it inline")),
		),
		mcpRemember(deps),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Semantically search a tenant's memory and return the best ranked messages."),
			mcp.WithString("tenant_id", mcp.Description("Tenant to search"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Restrict to one conversation")),
			mcp.WithNumber("top_k", mcp.Description(fmt.Sprintf("Maximum number of results (1-%d)", retrieval.MaxTopK))),
			mcp.WithNumber("min_importance", mcp.Description("Skip messages below this importance")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("run_retention",
			mcp.WithDescription("Archive and delete a tenant's stale, unimportant messages according to its retention policy."),
			mcp.WithString("tenant_id", mcp.Description("Tenant to apply retention to"), mcp.Required()),
			mcp.WithString("actions", mcp.Description("Comma separated subset of archive,delete (default: the policy's actions)")),
			mcp.WithBoolean("dry_run", mcp.Description("Report counts without changing anything")),
		),
		mcpRunRetention(deps),
	)

	s.AddTool(
		mcp.NewTool("memory_health",
			mcp.WithDescription("Report database, embedding provider and queue health."),
		),
		mcpHealth(deps),
	)

	return s
}

func mcpRemember(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		conv, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		in := memory.IngestRequest{
			TenantID:       tenant,
			ConversationID: conv,
			Role:           req.GetString("role", string(domain.RoleUser)),
			Content:        content,
		}
		if args := req.GetArguments(); args != nil {
			if _, ok := args["importance"]; ok {
				v := req.GetFloat("importance", 0)
				in.Importance = &v
			}
			if _, ok := args["async"]; ok {
				v := req.GetBool("async", false)
				in.Async = &v
			}
		}

		res, err := deps.Memory.Ingest(ctx, in)
		if err != nil {
			return mcpError(fmt.Sprintf("remember failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		sr := memory.SearchRequest{
			TenantID:       tenant,
			Query:          query,
			ConversationID: req.GetString("conversation_id", ""),
		}
		if args := req.GetArguments(); args != nil {
			if _, ok := args["top_k"]; ok {
				v := req.GetInt("top_k", 0)
				sr.TopK = &v
			}
			if _, ok := args["min_importance"]; ok {
				v := req.GetFloat("min_importance", 0)
				sr.MinImportance = &v
			}
		}

		results, err := deps.Memory.Search(ctx, sr)
		if err != nil {
			var unavailable *domain.SearchUnavailable
			if errors.As(err, &unavailable) {
				return mcpError("recall unavailable: the embedding provider is not reachable, try again later"), nil
			}
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(results)
	}
}

func mcpRunRetention(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tenant, err := req.RequireString("tenant_id")
		if err != nil {
			return mcpError("tenant_id is required"), nil
		}
		var actions []string
		if raw := strings.TrimSpace(req.GetString("actions", "")); raw != "" {
			actions = []string{raw}
		}

		res, err := deps.Memory.RunRetention(ctx, tenant, actions, req.GetBool("dry_run", false))
		if err != nil {
			return mcpError(fmt.Sprintf("retention failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpHealth(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Memory.Health(ctx))
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
