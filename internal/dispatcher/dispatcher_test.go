package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kaelstrand/qx/internal/mcp"
	"github.com/kaelstrand/qx/internal/provider"
	"github.com/kaelstrand/qx/internal/registry"
)

func schemaFor(required ...string) json.RawMessage {
	reqJSON, _ := json.Marshal(required)
	return json.RawMessage(`{
		"type": "object",
		"properties": {"value": {"type": "string"}},
		"required": ` + string(reqJSON) + `
	}`)
}

func TestDispatchUnknownTool(t *testing.T) {
	d := New(registry.New())
	calls := []provider.ToolCall{{ID: "1", Name: "Nope", Arguments: json.RawMessage(`{}`)}}
	results := d.Dispatch(context.Background(), calls)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Content != "Error: Unknown tool 'Nope'" {
		t.Fatalf("unexpected content: %q", results[0].Content)
	}
}

func TestDispatchInvalidJSON(t *testing.T) {
	reg := registry.New()
	reg.Register(mcp.Tool{Name: "Echo", InputSchema: schemaFor()}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{}, nil
	})
	d := New(reg)
	calls := []provider.ToolCall{{ID: "1", Name: "Echo", Arguments: json.RawMessage(`{not json`)}}
	results := d.Dispatch(context.Background(), calls)
	if len(results) != 1 || results[0].Content == "" {
		t.Fatalf("expected parse-error tool message, got %+v", results)
	}
}

func TestDispatchValidationFailure(t *testing.T) {
	reg := registry.New()
	reg.Register(mcp.Tool{Name: "Echo", InputSchema: schemaFor("value")}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{}, nil
	})
	d := New(reg)
	calls := []provider.ToolCall{{ID: "1", Name: "Echo", Arguments: json.RawMessage(`{}`)}}
	results := d.Dispatch(context.Background(), calls)
	if len(results) != 1 {
		t.Fatal("expected 1 result")
	}
	if results[0].Content == "" {
		t.Fatal("expected non-empty validation error message")
	}
}

func TestDispatchPreservesCallOrder(t *testing.T) {
	reg := registry.New()
	reg.Register(mcp.Tool{Name: "Slow", InputSchema: schemaFor()}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		time.Sleep(20 * time.Millisecond)
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "slow-done"}}}, nil
	})
	reg.Register(mcp.Tool{Name: "Fast", InputSchema: schemaFor()}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "fast-done"}}}, nil
	})
	d := New(reg)
	calls := []provider.ToolCall{
		{ID: "1", Name: "Slow", Arguments: json.RawMessage(`{}`)},
		{ID: "2", Name: "Fast", Arguments: json.RawMessage(`{}`)},
	}
	results := d.Dispatch(context.Background(), calls)
	if results[0].Content != "slow-done" || results[1].Content != "fast-done" {
		t.Fatalf("expected results in call order despite completion order, got %+v", results)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	reg := registry.New()
	reg.Register(mcp.Tool{Name: "Boom", InputSchema: schemaFor()}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return nil, errBoom
	})
	d := New(reg)
	calls := []provider.ToolCall{{ID: "1", Name: "Boom", Arguments: json.RawMessage(`{}`)}}
	results := d.Dispatch(context.Background(), calls)
	if results[0].Content != "Error: Tool execution failed: boom" {
		t.Fatalf("unexpected content: %q", results[0].Content)
	}
}

var errBoom = boomErr{}

type boomErr struct{}

func (boomErr) Error() string { return "boom" }
