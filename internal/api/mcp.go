package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sourcebruh/photosearch/internal/oracle"
	"github.com/sourcebruh/photosearch/internal/search"
	"github.com/sourcebruh/photosearch/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. The server acts for a
// single tenant.
type MCPDeps struct {
	Store  *storage.Store
	Search Searcher
	Tenant string
}

// NewMCPServer creates an MCP server with the photo search tools and the
// tenant settings resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"photosearch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("photosearch: natural-language search over described and embedded photo albums."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_photos",
			mcp.WithDescription("Search ingested photos by meaning. Returns the closest images with their descriptions."),
			mcp.WithString("query", mcp.Description("What to look for, e.g. 'bar chart of quarterly revenue'"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchPhotos(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_photos",
			mcp.WithDescription("Queue an ingestion run that picks up new photos from the configured albums."),
		),
		mcpSyncPhotos(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"tenant://settings",
			"Tenant Settings",
			mcp.WithResourceDescription("Albums selected for ingestion, as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSettings(deps),
	)

	return s
}

func mcpSearchPhotos(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Search.Search(ctx, deps.Tenant, query, limit)
		switch {
		case errors.Is(err, search.ErrEmptyQuery):
			return mcpError("query is required"), nil
		case errors.Is(err, oracle.ErrNotConfigured):
			return mcpError("search not configured: the embedding backend has no credentials"), nil
		case err != nil:
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSyncPhotos(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := enqueueSync(deps.Store, deps.Tenant, nil, nil)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue sync: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued sync job %s", jobID)), nil
	}
}

func mcpResourceSettings(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ts, err := deps.Store.GetTenantSettings(deps.Tenant)
		if errors.Is(err, storage.ErrNotFound) {
			ts = storage.TenantSettings{TenantID: deps.Tenant, Albums: []string{}, AlbumPaths: []string{}}
		} else if err != nil {
			return nil, fmt.Errorf("failed to get settings: %w", err)
		}

		b, err := json.Marshal(ts)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal settings: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
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
