package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kaelstrand/qx/internal/filesearch"
	"github.com/kaelstrand/qx/internal/mcp"
)

// GrepArgs represents arguments for the Grep tool.
type GrepArgs struct {
	Pattern       string `json:"pattern"`
	ContentSearch bool   `json:"content_search,omitempty"`
	MaxResults    int    `json:"max_results,omitempty"`
	CaseSensitive bool   `json:"case_sensitive,omitempty"`
}

// NewGrepTool creates the Grep tool definition.
func NewGrepTool() mcp.Tool {
	return mcp.Tool{
		Name:        "Grep",
		Description: "Search for files by name (regex) or search file contents (grep). Respects .gitignore. Use content_search=false for finding files, content_search=true for searching content.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"pattern":        {"type": "string", "description": "Pattern to search for (regex). For filenames: matches against basename or path. For content: matches line contents."},
				"content_search": {"type": "boolean", "description": "If true, search file contents (grep); if false, search filenames (find). Default: false"},
				"max_results":    {"type": "integer", "description": "Maximum number of results to return. Default: 100"},
				"case_sensitive": {"type": "boolean", "description": "Enable case-sensitive matching. Default: false (case-insensitive)"}
			},
			"required": ["pattern"]
		}`),
	}
}

// MakeGrepHandler creates a handler for the Grep tool.
func MakeGrepHandler() mcp.ToolHandler {
	return func(ctx context.Context, arguments json.RawMessage) (*mcp.ToolResult, error) {
		var args GrepArgs
		if err := json.Unmarshal(arguments, &args); err != nil {
			return toolError("Invalid arguments: %v", err), nil
		}
		if args.Pattern == "" {
			return toolError("Pattern cannot be empty"), nil
		}
		if args.MaxResults <= 0 {
			args.MaxResults = 100
		}

		cwd, err := os.Getwd()
		if err != nil {
			return toolError("Failed to get working directory: %v", err), nil
		}

		searcher, err := filesearch.NewSearcher(cwd)
		if err != nil {
			return toolError("Failed to create searcher: %v", err), nil
		}

		results, err := searcher.Search(ctx, filesearch.Options{
			Pattern:       args.Pattern,
			ContentSearch: args.ContentSearch,
			MaxResults:    args.MaxResults,
			CaseSensitive: args.CaseSensitive,
			RootDir:       cwd,
		})
		if err != nil {
			return toolError("Search failed: %v", err), nil
		}

		var out strings.Builder
		if len(results) == 0 {
			out.WriteString("No matches found")
		} else {
			if args.ContentSearch {
				fmt.Fprintf(&out, "Found %d match(es):\n\n", len(results))
				for _, r := range results {
					fmt.Fprintf(&out, "%s:%d:%s\n", r.Path, r.Line, r.Content)
				}
			} else {
				fmt.Fprintf(&out, "Found %d file(s):\n\n", len(results))
				for _, r := range results {
					fmt.Fprintf(&out, "%s\n", r.Path)
				}
			}
			if len(results) >= args.MaxResults {
				fmt.Fprintf(&out, "\n(Limited to %d results. Use max_results parameter to see more)", args.MaxResults)
			}
		}

		return toolText(out.String()), nil
	}
}
