package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/taskcheck/internal/storage"
	"github.com/kalambet/taskcheck/internal/task"
	"github.com/kalambet/taskcheck/internal/verification"
)

const recentItemsLimit = 20

// NewMCPServer creates an MCP server exposing verification tools and system
// resources.
func NewMCPServer(b Backend, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"taskcheck",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("taskcheck verifies that users completed tasks and reports module health."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("verify_item",
			mcp.WithDescription("Verify that the current user completed an item. Returns the verification result as JSON."),
			mcp.WithString("item_id", mcp.Description("Item identifier"), mcp.Required()),
		),
		mcpVerifyItem(b),
	)

	s.AddTool(
		mcp.NewTool("start_item",
			mcp.WithDescription("Mark an item as started so it can be verified."),
			mcp.WithString("item_id", mcp.Description("Item identifier"), mcp.Required()),
		),
		mcpStartItem(b),
	)

	s.AddTool(
		mcp.NewTool("item_status",
			mcp.WithDescription("Report an item's progress and verification attempt state."),
			mcp.WithString("item_id", mcp.Description("Item identifier"), mcp.Required()),
		),
		mcpItemStatus(b),
	)

	s.AddTool(
		mcp.NewTool("diagnose_system",
			mcp.WithDescription("Report the state of every runtime module."),
		),
		mcpDiagnose(b),
	)

	s.AddTool(
		mcp.NewTool("recover_system",
			mcp.WithDescription("Retry failed critical modules and report the result."),
		),
		mcpRecover(b),
	)

	s.AddResource(
		mcp.NewResource(
			"system://diagnose",
			"System Diagnosis",
			mcp.WithResourceDescription("Module states from the last init pass"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDiagnose(b),
	)

	s.AddResource(
		mcp.NewResource(
			"items://recent",
			"Items",
			mcp.WithResourceDescription(fmt.Sprintf("Up to %d item definitions", recentItemsLimit)),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceItems(b),
	)

	return s
}

func mcpVerifyItem(b Backend) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("item_id")
		if err != nil || id == "" {
			return mcpError("item_id is required"), nil
		}
		return mcpJSON(b.Verify(ctx, id)), nil
	}
}

func mcpStartItem(b Backend) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("item_id")
		if err != nil || id == "" {
			return mcpError("item_id is required"), nil
		}
		p, err := b.StartItem(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("item %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start item: %v", err)), nil
		}
		return mcpJSON(p), nil
	}
}

func mcpItemStatus(b Backend) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("item_id")
		if err != nil || id == "" {
			return mcpError("item_id is required"), nil
		}

		status := struct {
			Progress *task.Progress          `json:"progress,omitempty"`
			State    *verification.ItemState `json:"state,omitempty"`
		}{}

		p, err := b.GetProgress(id)
		switch {
		case err == nil:
			status.Progress = &p
		case !errors.Is(err, storage.ErrNotFound):
			return mcpError(fmt.Sprintf("failed to read progress: %v", err)), nil
		}
		if st, err := b.ItemState(id); err == nil {
			status.State = &st
		}
		return mcpJSON(status), nil
	}
}

func mcpDiagnose(b Backend) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(b.Diagnose()), nil
	}
}

func mcpRecover(b Backend) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(b.Recover(ctx)), nil
	}
}

func mcpResourceDiagnose(b Backend) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		data, err := json.Marshal(b.Diagnose())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal report: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	}
}

func mcpResourceItems(b Backend) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := b.ListItems(recentItemsLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to list items: %w", err)
		}
		if items == nil {
			items = []task.Item{}
		}
		data, err := json.Marshal(items)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal items: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	}
}

func mcpJSON(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(data))
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
