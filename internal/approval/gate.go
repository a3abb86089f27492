// Package approval implements the interactive human-in-the-loop approval
// gate: a single session-wide "approve all" toggle guarding every
// sensitive tool call (shell commands, file writes).
package approval

import (
	"fmt"
	"sync"
)

// Status is the outcome of a Request call.
type Status string

const (
	StatusApproved        Status = "approved"
	StatusDenied          Status = "denied"
	StatusSessionApproved Status = "session_approved"
	StatusCancelled       Status = "cancelled"
)

// Prompter asks the user a single y/n/a/c question and returns the chosen
// key. Gate serializes calls to Ask itself (invariant A1: at most one
// approval prompt active process-wide) — a Prompter implementation does
// not need its own locking even if multiple tool calls race to request
// approval concurrently (e.g. two Shell calls dispatched in the same
// assistant turn, per internal/dispatcher's one-goroutine-per-call fan-out).
type Prompter interface {
	Ask(header, preview string) (key string, err error)
}

// Gate is the Approval Gate described in spec §4.6. It owns the single
// mutex-guarded approve_all_active flag; it never touches the message
// store (invariant A2) and never persists a decision (invariant A3).
type Gate struct {
	mu               sync.Mutex
	promptMu         sync.Mutex // serializes prompter.Ask calls (invariant A1)
	approveAllActive bool
	prompter         Prompter
	onConfirm        func(message string)
}

// New returns a Gate that solicits decisions via prompter. onConfirm, if
// non-nil, is called with a user-visible message when "approve all" is
// toggled on.
func New(prompter Prompter, onConfirm func(message string)) *Gate {
	return &Gate{prompter: prompter, onConfirm: onConfirm}
}

// Request implements the gate's `request(operation, parameter_name,
// parameter_value, prompt, preview?)` contract. parameterName is accepted
// for call-site clarity but only parameterValue appears in the rendered
// header, matching spec's literal `"<operation>: <parameter_value>"`
// format.
func (g *Gate) Request(operation, parameterName, parameterValue, prompt string, preview string) (Status, string) {
	g.mu.Lock()
	if g.approveAllActive {
		g.mu.Unlock()
		return StatusSessionApproved, "a"
	}
	g.mu.Unlock()

	// Invariant A1: at most one approval prompt active process-wide.
	// internal/dispatcher runs tool calls concurrently, so two gated calls
	// in one assistant turn (e.g. two Shell calls) can both reach here at
	// once; promptMu keeps the actual prompt round-trip single-flight
	// regardless of what Prompter implementation is plugged in.
	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	// Approve-all may have been turned on by the request that just held
	// promptMu; re-check so we don't prompt needlessly after waiting.
	g.mu.Lock()
	if g.approveAllActive {
		g.mu.Unlock()
		return StatusSessionApproved, "a"
	}
	g.mu.Unlock()

	header := fmt.Sprintf("%s: %s", operation, parameterValue)
	if prompt != "" {
		header = prompt + "\n" + header
	}

	key, err := g.prompter.Ask(header, preview)
	if err != nil {
		return StatusCancelled, "c"
	}

	switch key {
	case "y":
		return StatusApproved, "y"
	case "n":
		return StatusDenied, "n"
	case "c":
		return StatusCancelled, "c"
	case "a":
		g.mu.Lock()
		g.approveAllActive = true
		g.mu.Unlock()
		if g.onConfirm != nil {
			g.onConfirm("Approve All is now active for this session.")
		}
		return StatusSessionApproved, "a"
	default:
		return StatusCancelled, "c"
	}
}

// ApproveAllActive reports whether the session-wide gate is currently open.
func (g *Gate) ApproveAllActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approveAllActive
}

// ToggleApproveAll is the explicit user toggle (e.g. a hotkey) that is the
// only other way to change approveAllActive besides choosing "a" at a
// prompt (spec: "cleared only by explicit user toggle or process exit").
func (g *Gate) ToggleApproveAll() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approveAllActive = !g.approveAllActive
	return g.approveAllActive
}
