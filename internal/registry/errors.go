package registry

import "errors"

// ErrUnknownTool is returned by Validate (and surfaced by the Dispatcher as
// an `"Error: Unknown tool '<name>'"` tool message) when a call names a
// tool that was never registered.
var ErrUnknownTool = errors.New("registry: unknown tool")
