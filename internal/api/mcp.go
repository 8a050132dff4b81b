package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/supportkb/internal/conversation"
	"github.com/kalambet/supportkb/internal/kb"
	"github.com/kalambet/supportkb/internal/pipeline"
)

const recentBugsLimit = 10

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Service    Service
	Records    RecordReader
	WindowSize int
}

// NewMCPServer creates an MCP server with the knowledge base tools and
// resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"supportkb",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("supportkb: search resolved bug reports and record new ones."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_bugs",
			mcp.WithDescription("Find resolved bug reports that match a problem description. Returns a JSON result of kind structured (bug objects) or raw (free text)."),
			mcp.WithString("query", mcp.Description("Description of the problem"), mcp.Required()),
			mcp.WithString("history_json", mcp.Description("Optional JSON array of prior {role, content, hasResults} conversation messages")),
		),
		mcpSearchBugs(deps),
	)

	s.AddTool(
		mcp.NewTool("add_bug",
			mcp.WithDescription("Store a resolved bug report and index its resolution for search."),
			mcp.WithString("title", mcp.Required()),
			mcp.WithString("description", mcp.Required()),
			mcp.WithString("product", mcp.Required()),
			mcp.WithString("installation", mcp.Required()),
			mcp.WithString("type", mcp.Required()),
			mcp.WithString("severity", mcp.Required()),
			mcp.WithString("status", mcp.Required()),
			mcp.WithString("resolution", mcp.Required()),
		),
		mcpAddBug(deps),
	)

	s.AddTool(
		mcp.NewTool("get_bug",
			mcp.WithDescription("Fetch one bug report by id, with its comments."),
			mcp.WithString("id", mcp.Required()),
		),
		mcpGetBug(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"bugs://recent",
			"Recent Bugs",
			mcp.WithResourceDescription("The 10 most recently created bug reports"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchBugs(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		var history []conversation.HistoryMessage
		if raw := req.GetString("history_json", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &history); err != nil {
				return mcpError(fmt.Sprintf("invalid history_json: %v", err)), nil
			}
		}

		resp, err := deps.Service.Query(ctx, pipeline.Request{
			Text:   query,
			Window: conversation.FromHistory(history, deps.WindowSize),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		b, err := json.Marshal(resp.Result)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAddBug(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		in := kb.NewRecord{
			Title:        req.GetString("title", ""),
			Description:  req.GetString("description", ""),
			Product:      req.GetString("product", ""),
			Installation: req.GetString("installation", ""),
			Type:         req.GetString("type", ""),
			Severity:     req.GetString("severity", ""),
			Status:       req.GetString("status", ""),
			Resolution:   req.GetString("resolution", ""),
			CreatedBy:    "mcp",
		}
		res, err := deps.Service.Ingest(ctx, in)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		if !res.Indexed {
			return mcpText(fmt.Sprintf("Stored bug %s; indexing queued as job %s (%s)", res.Record.ID, res.JobID, res.IndexError)), nil
		}
		return mcpText(fmt.Sprintf("Stored bug %s", res.Record.ID)), nil
	}
}

func mcpGetBug(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		rec, err := deps.Records.GetRecord(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("get bug %s: %v", id, err)), nil
		}
		comments, err := deps.Records.ListComments(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("list comments: %v", err)), nil
		}
		if comments == nil {
			comments = []kb.Comment{}
		}
		b, err := json.Marshal(PostView{Record: rec, Comments: comments})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal bug: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Records.ListRecords(ctx, recentBugsLimit, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent bugs: %w", err)
		}

		type bugSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Product   string `json:"product"`
			Status    string `json:"status"`
			Indexed   bool   `json:"indexed"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]bugSummary, len(recs))
		for i, r := range recs {
			summaries[i] = bugSummary{
				ID:        r.ID,
				Title:     r.Title,
				Product:   r.Product,
				Status:    r.Status,
				Indexed:   r.Indexed(),
				CreatedAt: r.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bugs: %w", err)
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
