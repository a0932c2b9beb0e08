package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/satchel-dev/satchel/internal/storage"
	"github.com/satchel-dev/satchel/internal/syncer"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Sync      SyncService
	Registry  interface{ IsGenerating() bool }
	Retriever Retriever
}

// NewMCPServer creates an MCP server exposing satchel's knowledge store and
// sync controls over stdio.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"satchel",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("satchel is a local personal-knowledge daemon over synced email, calendar, and files. Use recall to search synced content before answering questions about the user's schedule, mail, or documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Semantically search synced personal data and return relevant context chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(deps),
	)

	s.AddTool(
		mcp.NewTool("start_sync",
			mcp.WithDescription("Start a sync pass for one provider capability. Returns accepted=false when a pass is already running."),
			mcp.WithString("capability", mcp.Description("One of: calendar, gmail, drive, local_files, microsoft_calendar, microsoft_outlook"), mcp.Required()),
			mcp.WithString("email", mcp.Description("Account email the connection is stored under")),
		),
		mcpStartSync(deps),
	)

	s.AddTool(
		mcp.NewTool("status",
			mcp.WithDescription("Report per-capability sync state and whether a completion is generating."),
		),
		mcpStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"satchel://connections",
			"Connected Accounts",
			mcp.WithResourceDescription("Authorized provider connections as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceConnections(deps),
	)

	return s
}

func mcpRecall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		chunks, err := deps.Retriever.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("recall failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			SourceID   string  `json:"source_id"`
			SourceType string  `json:"source_type"`
			Text       string  `json:"text"`
			Score      float32 `json:"score"`
		}
		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				SourceID:   c.SourceID,
				SourceType: c.SourceType,
				Text:       c.Text,
				Score:      c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpStartSync(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("capability")
		if err != nil {
			return mcpError("capability is required"), nil
		}
		capability, err := syncer.ParseCapability(raw)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		email := req.GetString("email", "")

		accepted, err := deps.Sync.StartSync(ctx, capability, email)
		if err != nil {
			return mcpError(fmt.Sprintf("start_sync failed: %v", err)), nil
		}
		if !accepted {
			return mcpText(fmt.Sprintf("Sync for %s already in progress", capability)), nil
		}
		return mcpText(fmt.Sprintf("Sync started for %s", capability)), nil
	}
}

func mcpStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := struct {
			Syncing    map[string]bool `json:"syncing"`
			Generating bool            `json:"generating"`
		}{
			Syncing:    make(map[string]bool, len(syncer.Capabilities)),
			Generating: deps.Registry.IsGenerating(),
		}
		for _, c := range syncer.Capabilities {
			status.Syncing[string(c)] = deps.Sync.IsSyncing(c)
		}

		b, err := json.Marshal(status)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceConnections(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		conns, err := deps.Store.ListConnections()
		if err != nil {
			return nil, fmt.Errorf("listing connections: %w", err)
		}

		type connInfo struct {
			Email    string `json:"email"`
			Provider string `json:"provider"`
			Scope    string `json:"scope"`
		}
		out := make([]connInfo, len(conns))
		for i, c := range conns {
			out[i] = connInfo{Email: c.Email, Provider: c.Provider, Scope: c.Scope}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "satchel://connections",
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
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
