package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/taskcheck/internal/orchestrator"
	"github.com/kalambet/taskcheck/internal/task"
)

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestNewMCPServer(t *testing.T) {
	if s := NewMCPServer(newMockBackend(), "test"); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_VerifyItem(t *testing.T) {
	b := newMockBackend()
	result, err := mcpVerifyItem(b)(context.Background(), makeCallToolRequest("verify_item", map[string]interface{}{
		"item_id": "social_42",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var res task.Result
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if !res.Success || res.ItemID != "social_42" {
		t.Errorf("result = %+v", res)
	}
}

func TestMCPTool_RequiresItemID(t *testing.T) {
	b := newMockBackend()
	for name, handler := range map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"verify_item": mcpVerifyItem(b),
		"start_item":  mcpStartItem(b),
		"item_status": mcpItemStatus(b),
	} {
		result, err := handler(context.Background(), makeCallToolRequest(name, map[string]interface{}{}))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if !result.IsError {
			t.Errorf("%s: expected tool error", name)
		}
	}
	if len(b.verified) != 0 {
		t.Errorf("verify called without an id: %v", b.verified)
	}
}

func TestMCPTool_StartItem_NotFound(t *testing.T) {
	result, _ := mcpStartItem(newMockBackend())(context.Background(), makeCallToolRequest("start_item", map[string]interface{}{
		"item_id": "missing",
	}))
	if !result.IsError {
		t.Fatal("expected tool error")
	}
	if !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("text = %q", toolText(t, result))
	}
}

func TestMCPTool_ItemStatus(t *testing.T) {
	b := newMockBackend()
	b.items["generic_1"] = task.Item{ID: "generic_1"}
	if _, err := b.StartItem(context.Background(), "generic_1"); err != nil {
		t.Fatal(err)
	}

	result, _ := mcpItemStatus(b)(context.Background(), makeCallToolRequest("item_status", map[string]interface{}{
		"item_id": "generic_1",
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}

	var status struct {
		Progress *task.Progress `json:"progress"`
		State    *struct {
			State string `json:"state"`
		} `json:"state"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &status); err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}
	if status.Progress == nil || status.Progress.Status != task.ProgressInProgress {
		t.Errorf("progress = %+v", status.Progress)
	}
	if status.State == nil || status.State.State != "idle" {
		t.Errorf("state = %+v", status.State)
	}
}

func TestMCPTool_ItemStatus_NoProgress(t *testing.T) {
	result, _ := mcpItemStatus(newMockBackend())(context.Background(), makeCallToolRequest("item_status", map[string]interface{}{
		"item_id": "generic_9",
	}))
	if result.IsError {
		t.Fatalf("unexpected tool error: %s", toolText(t, result))
	}
	if strings.Contains(toolText(t, result), `"progress"`) {
		t.Errorf("progress should be omitted: %s", toolText(t, result))
	}
}

func TestMCPTool_Diagnose(t *testing.T) {
	b := newMockBackend()
	b.report = orchestrator.Report{Partial: true, Failed: []string{"storage"}}

	result, _ := mcpDiagnose(b)(context.Background(), makeCallToolRequest("diagnose_system", nil))
	var r orchestrator.Report
	if err := json.Unmarshal([]byte(toolText(t, result)), &r); err != nil {
		t.Fatalf("failed to parse report: %v", err)
	}
	if !r.Partial || len(r.Failed) != 1 {
		t.Errorf("report = %+v", r)
	}
}

func TestMCPResource_Diagnose(t *testing.T) {
	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "system://diagnose"}}
	contents, err := mcpResourceDiagnose(newMockBackend())(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if !strings.Contains(tc.Text, `"verification-engine"`) {
		t.Errorf("text = %s", tc.Text)
	}
}

func TestMCPResource_ItemsEmpty(t *testing.T) {
	req := mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "items://recent"}}
	contents, err := mcpResourceItems(newMockBackend())(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc := contents[0].(mcp.TextResourceContents)
	if tc.Text != "[]" {
		t.Errorf("text = %s, want []", tc.Text)
	}
}
