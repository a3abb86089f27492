package mcptools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaelstrand/qx/internal/approval"
	"github.com/kaelstrand/qx/internal/delta"
	"github.com/kaelstrand/qx/internal/lsp"
	"github.com/kaelstrand/qx/internal/mcp"
	"github.com/kaelstrand/qx/internal/provider"
	"github.com/kaelstrand/qx/internal/registry"
	"github.com/kaelstrand/qx/internal/shell"
	"github.com/kaelstrand/qx/internal/store"
	"github.com/kaelstrand/qx/internal/subagent"
)

// SubAgentArgs represents arguments for the SubAgent tool.
type SubAgentArgs struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// NewSubAgentTool creates the SubAgent tool definition.
func NewSubAgentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "SubAgent",
		Description: `Spawn a sub-agent to handle a focused task. The sub-agent runs with the same tools but cannot spawn further sub-agents. Use this to decompose complex tasks into smaller, manageable pieces. The sub-agent's work is returned as a summary.`,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"prompt":         {"type": "string", "description": "Task description for the sub-agent. Be specific about what needs to be accomplished and the expected output format."},
				"max_iterations": {"type": "integer", "description": "Maximum tool rounds for the sub-agent (default: 5)"}
			},
			"required": ["prompt"]
		}`),
	}
}

// SubAgentHandler handles SubAgent tool calls.
type SubAgentHandler struct {
	provider     provider.Provider
	lspManager   *lsp.Manager
	deltaTracker *delta.Tracker
	sh           *shell.Shell
	webCache     *store.Cache
	exaKey       string
	allTools     []mcp.Tool
	gate         *approval.Gate
}

// NewSubAgentHandler creates a handler for the SubAgent tool. gate, if
// non-nil, is the same process-wide Approval Gate the root agent uses —
// sub-agent shell commands and file writes still go through it, since
// approve_all_active is process-wide state (spec §4.6), not per-agent.
func NewSubAgentHandler(
	prov provider.Provider,
	lspManager *lsp.Manager,
	deltaTracker *delta.Tracker,
	sh *shell.Shell,
	webCache *store.Cache,
	exaKey string,
	allTools []mcp.Tool,
	gate *approval.Gate,
) *SubAgentHandler {
	// Validate required dependencies
	if prov == nil {
		panic("SubAgentHandler: provider cannot be nil")
	}
	if sh == nil {
		panic("SubAgentHandler: shell cannot be nil")
	}
	// lspManager, deltaTracker, webCache can be nil (handlers check internally)

	return &SubAgentHandler{
		provider:     prov,
		lspManager:   lspManager,
		deltaTracker: deltaTracker,
		sh:           sh,
		webCache:     webCache,
		exaKey:       exaKey,
		allTools:     allTools,
		gate:         gate,
	}
}

// Handle implements the mcp.ToolHandler interface.
func (h *SubAgentHandler) Handle(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
	// Check if context is already cancelled
	if err := ctx.Err(); err != nil {
		return toolError("Sub-agent cancelled: %v", err), nil
	}

	var args SubAgentArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return toolError("Invalid arguments: %v", err), nil
	}
	if args.Prompt == "" {
		return toolError("prompt is required"), nil
	}

	// Create isolated FileReadTracker and scratchpad for the sub-agent so
	// it does not share read-gating or TodoWrite state with the parent.
	subTracker := NewFileReadTracker()
	subReadHandler := NewReadHandler(subTracker, h.lspManager)
	subEditHandler := NewEditHandler(subTracker, h.lspManager, h.deltaTracker, h.gate)
	subShellHandler := NewShellHandler(h.sh, h.deltaTracker, h.gate)
	subPad := &Scratchpad{}

	subReg := registry.New()
	for _, tool := range subagent.FilterTools(h.allTools) {
		switch tool.Name {
		case "Read":
			subReg.Register(tool, subReadHandler.Handle)
		case "Edit":
			subReg.Register(tool, subEditHandler.Handle)
		case "Shell":
			subReg.Register(tool, subShellHandler.Handle)
		case "Grep":
			subReg.Register(tool, MakeGrepHandler())
		case "TodoWrite":
			subReg.Register(tool, MakeTodoWriteHandler(subPad))
		case "WebFetch":
			subReg.Register(tool, MakeWebFetchHandler(h.webCache))
		case "WebSearch":
			subReg.Register(tool, MakeWebSearchHandler(h.webCache, h.exaKey, ""))
		}
	}

	res, err := subagent.Run(ctx, subagent.Options{
		Provider:      h.provider,
		Registry:      subReg,
		Prompt:        args.Prompt,
		MaxIterations: args.MaxIterations,
	})
	if err != nil {
		return toolError("Sub-agent failed: %v", err), nil
	}

	result := fmt.Sprintf("Sub-agent completed.\n\n%s\n\n---\nToken usage: %d in, %d out",
		res.Content, res.InputTokens, res.OutputTokens)

	return toolText(result), nil
}
