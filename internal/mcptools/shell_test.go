package mcptools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kaelstrand/qx/internal/approval"
	"github.com/kaelstrand/qx/internal/shell"
)

func callShell(t *testing.T, handler *ShellHandler, command string) (string, bool) {
	t.Helper()
	args, err := json.Marshal(ShellArgs{Command: command, Description: "test"})
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	result, err := handler.Handle(context.Background(), args)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	text := ""
	if len(result.Content) > 0 {
		text = result.Content[0].Text
	}
	return text, result.IsError
}

func TestShellDeniedByGateDoesNotRun(t *testing.T) {
	dir := t.TempDir()
	sh := shell.New(dir, nil)
	gate := approval.New(&scriptedPrompter{keys: []string{"n"}}, nil)
	handler := NewShellHandler(sh, nil, gate)

	text, isErr := callShell(t, handler, "echo should-not-run > marker.txt")
	if !isErr {
		t.Fatalf("expected denial to produce an error result, got: %s", text)
	}
	if !strings.Contains(text, "denied") {
		t.Errorf("expected denial message, got: %s", text)
	}
}

func TestShellApprovedByGateRuns(t *testing.T) {
	sh := shell.New(t.TempDir(), nil)
	gate := approval.New(&scriptedPrompter{keys: []string{"y"}}, nil)
	handler := NewShellHandler(sh, nil, gate)

	text, isErr := callShell(t, handler, "echo hello")
	if isErr {
		t.Fatalf("expected approval to let the command run: %s", text)
	}
	if !strings.Contains(text, "hello") {
		t.Errorf("expected command output, got: %s", text)
	}
}

func TestShellUngatedRunsWithoutPrompt(t *testing.T) {
	sh := shell.New(t.TempDir(), nil)
	handler := NewShellHandler(sh, nil, nil)

	text, isErr := callShell(t, handler, "echo hello")
	if isErr {
		t.Fatalf("unexpected error: %s", text)
	}
	if !strings.Contains(text, "hello") {
		t.Errorf("expected command output, got: %s", text)
	}
}
