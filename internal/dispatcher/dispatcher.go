// Package dispatcher validates and executes tool calls emitted by the
// assistant, running the surviving calls concurrently while preserving the
// original call order in its results.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaelstrand/qx/internal/mcp"
	"github.com/kaelstrand/qx/internal/provider"
	"github.com/kaelstrand/qx/internal/registry"
)

// PerTaskTimeout bounds how long a single tool execution may run before it
// is surfaced as a timeout error tool message.
const PerTaskTimeout = 120 * time.Second

// Dispatcher validates tool calls against a Registry and executes them.
type Dispatcher struct {
	reg *registry.Registry
}

// New returns a Dispatcher bound to reg.
func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Dispatch validates and runs toolCalls, returning one provider.Message per
// call, in the same order as toolCalls — regardless of which handler
// finishes first.
func (d *Dispatcher) Dispatch(ctx context.Context, toolCalls []provider.ToolCall) []provider.Message {
	results := make([]provider.Message, len(toolCalls))
	done := make(chan struct{}, len(toolCalls))

	for i, call := range toolCalls {
		i, call := i, call
		go func() {
			results[i] = d.runOne(ctx, call)
			done <- struct{}{}
		}()
	}
	for range toolCalls {
		<-done
	}
	return results
}

func (d *Dispatcher) runOne(ctx context.Context, call provider.ToolCall) provider.Message {
	descriptor, ok := d.reg.Resolve(call.Name)
	if !ok {
		return toolError(call, fmt.Sprintf("Error: Unknown tool '%s'", call.Name))
	}

	var decoded any
	if err := json.Unmarshal(call.Arguments, &decoded); err != nil {
		return toolError(call, fmt.Sprintf("Error: Could not parse arguments as JSON: %s (raw: %s)", err, call.Arguments))
	}

	issues, err := d.reg.Validate(call.Name, decoded)
	if err != nil {
		return toolError(call, fmt.Sprintf("Error: %s", err))
	}
	if len(issues) > 0 {
		return toolError(call, formatValidationIssues(issues))
	}

	taskCtx, cancel := context.WithTimeout(ctx, PerTaskTimeout)
	defer cancel()

	resultCh := make(chan result, 1)
	go func() {
		res, err := descriptor.Handler(taskCtx, call.Arguments)
		resultCh <- result{res: res, err: err}
	}()

	select {
	case <-taskCtx.Done():
		return toolError(call, "Error: Tool execution timed out")
	case r := <-resultCh:
		if r.err != nil {
			return toolError(call, fmt.Sprintf("Error: Tool execution failed: %s", r.err))
		}
		return toolSuccess(call, r.res)
	}
}

type result struct {
	res *mcp.ToolResult
	err error
}

func toolError(call provider.ToolCall, text string) provider.Message {
	return provider.Message{
		Role:         "tool",
		Content:      text,
		ToolCallID:   call.ID,
		FunctionName: call.Name,
		CreatedAt:    time.Now(),
	}
}

func toolSuccess(call provider.ToolCall, res *mcp.ToolResult) provider.Message {
	var b strings.Builder
	for _, block := range res.Content {
		b.WriteString(block.Text)
	}
	content := b.String()
	if res.IsError {
		content = "Error: " + content
	}
	return provider.Message{
		Role:         "tool",
		Content:      content,
		ToolCallID:   call.ID,
		FunctionName: call.Name,
		CreatedAt:    time.Now(),
	}
}

func formatValidationIssues(issues []registry.ValidationIssue) string {
	var b strings.Builder
	b.WriteString("Error: Invalid arguments:\n")
	var required []string
	for _, iss := range issues {
		fmt.Fprintf(&b, "- %s (%s): %s\n", iss.FieldPath, iss.ErrorType, iss.Message)
		if strings.Contains(iss.ErrorType, "required") {
			required = append(required, iss.FieldPath)
		}
	}
	if len(required) > 0 {
		fmt.Fprintf(&b, "Required fields: %s\n", strings.Join(required, ", "))
	}
	return b.String()
}
