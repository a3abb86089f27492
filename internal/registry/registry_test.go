package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kaelstrand/qx/internal/mcp"
)

func echoHandler(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
	return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: string(args)}}}, nil
}

func newTestTool() mcp.Tool {
	return mcp.Tool{
		Name:        "Shell",
		Description: "runs a shell command",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"command": {"type": "string"}},
			"required": ["command"]
		}`),
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	if err := r.Register(newTestTool(), echoHandler); err != nil {
		t.Fatal(err)
	}
	d, ok := r.Resolve("Shell")
	if !ok {
		t.Fatal("expected Shell to resolve")
	}
	if d.Name != "Shell" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
}

func TestManifestIncludesRegisteredTool(t *testing.T) {
	r := New()
	if err := r.Register(newTestTool(), echoHandler); err != nil {
		t.Fatal(err)
	}
	manifest := r.Manifest()
	if len(manifest) != 1 || manifest[0].Name != "Shell" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
}

func TestValidateMissingRequiredField(t *testing.T) {
	r := New()
	if err := r.Register(newTestTool(), echoHandler); err != nil {
		t.Fatal(err)
	}
	issues, err := r.Validate("Shell", map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) == 0 {
		t.Fatal("expected validation issues for missing required field")
	}
}

func TestValidateUnknownTool(t *testing.T) {
	r := New()
	if _, err := r.Validate("DoesNotExist", map[string]any{}); err != ErrUnknownTool {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestValidateValidArguments(t *testing.T) {
	r := New()
	if err := r.Register(newTestTool(), echoHandler); err != nil {
		t.Fatal(err)
	}
	issues, err := r.Validate("Shell", map[string]any{"command": "ls"})
	if err != nil {
		t.Fatal(err)
	}
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}
