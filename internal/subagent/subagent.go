// Package subagent implements depth-capped delegation: a root agent turn
// can spawn one level of sub-agent, which runs its own Agent Run Loop turn
// over a filtered tool set and reports back a text summary.
package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/kaelstrand/qx/internal/dispatcher"
	"github.com/kaelstrand/qx/internal/llm"
	"github.com/kaelstrand/qx/internal/mcp"
	"github.com/kaelstrand/qx/internal/message"
	"github.com/kaelstrand/qx/internal/provider"
	"github.com/kaelstrand/qx/internal/registry"
	"github.com/kaelstrand/qx/internal/runloop"
)

const (
	// MaxSubAgentDepth is the maximum recursion depth for sub-agents.
	// Depth 0 = root agent, depth 1 = sub-agent spawned by root.
	MaxSubAgentDepth = 1

	// MaxSubAgentIterations is the default max tool rounds for sub-agents.
	MaxSubAgentIterations = 5

	// MaxAllowedIterations is the upper bound for user-specified max_iterations.
	MaxAllowedIterations = 20
)

// Options configures a sub-agent run.
type Options struct {
	Provider      provider.Provider
	Registry      *registry.Registry
	Prompt        string
	MaxIterations int
}

// Result reports a sub-agent run outcome.
type Result struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Run executes a sub-agent turn through the Agent Run Loop and returns the
// final assistant content. The sub-agent gets its own fresh Message Store
// and Dispatcher bound to the caller-supplied Registry (already filtered via
// FilterTools so it cannot spawn a further nested sub-agent).
func Run(ctx context.Context, opts Options) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("sub-agent cancelled: %v", err)
	}
	if opts.Provider == nil {
		return Result{}, fmt.Errorf("provider is required")
	}
	if opts.Registry == nil {
		return Result{}, fmt.Errorf("registry is required")
	}
	if opts.Prompt == "" {
		return Result{}, fmt.Errorf("prompt is required")
	}

	maxIter := MaxSubAgentIterations
	if opts.MaxIterations > 0 {
		if opts.MaxIterations > MaxAllowedIterations {
			return Result{}, fmt.Errorf("max_iterations too large (max: %d)", MaxAllowedIterations)
		}
		maxIter = opts.MaxIterations
	}

	var totalIn, totalOut int

	res, err := runloop.Run(ctx, runloop.Options{
		Provider:     opts.Provider,
		Registry:     opts.Registry,
		Dispatcher:   dispatcher.New(opts.Registry),
		Store:        message.New(),
		SystemPrompt: SystemPrompt(),
		MaxRounds:    maxIter,
		OnUsage: func(in, out int) {
			totalIn += in
			totalOut += out
		},
	}, opts.Prompt, MaxSubAgentDepth)
	if err != nil {
		return Result{}, fmt.Errorf("sub-agent failed: %v", err)
	}
	if res.Output == "" {
		return Result{}, fmt.Errorf("sub-agent produced no final response")
	}

	return Result{Content: res.Output, InputTokens: totalIn, OutputTokens: totalOut}, nil
}

// FilterTools removes the SubAgent tool from a tool list.
func FilterTools(tools []mcp.Tool) []mcp.Tool {
	filtered := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Name != "SubAgent" {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// SystemPrompt returns the system prompt for sub-agents.
func SystemPrompt() string {
	parts := []string{
		llm.SubAgentBasePrompt(),
		llm.SubAgentPrompt(),
	}
	if instructions := llm.LoadAgentInstructions(); instructions != "" {
		parts = append(parts, instructions)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n---\n\n"))
}
