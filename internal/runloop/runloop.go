// Package runloop drives one user turn to a terminal assistant message: it
// wires the Protocol Engine, Message Store, Tool Registry, Tool Dispatcher,
// and the provider timeout/fallback/circuit-breaker policy together.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kaelstrand/qx/internal/backoff"
	"github.com/kaelstrand/qx/internal/dispatcher"
	"github.com/kaelstrand/qx/internal/engine"
	"github.com/kaelstrand/qx/internal/infra"
	"github.com/kaelstrand/qx/internal/message"
	"github.com/kaelstrand/qx/internal/provider"
	"github.com/kaelstrand/qx/internal/registry"
)

const (
	// HardDepthLimit is the absolute recursion ceiling. Reaching it without
	// the model producing a final text-only reply is a hard failure.
	HardDepthLimit = 50

	// SoftWarningDepth is where a gentle nudge toward wrapping up is
	// injected; the loop keeps running normally past it.
	SoftWarningDepth = 8

	defaultRequestTimeout = 120 * time.Second
	defaultNumRetries     = 3

	// FallbackTimeout bounds the single non-streaming "try again" recovery
	// call (spec §4.5). It is not reconfigured by any env var, including
	// QX_FALLBACK_TIMEOUT.
	FallbackTimeout = 240 * time.Second

	reminderInterval = 10
)

// ErrDepthCeilingExceeded is returned when the loop reaches HardDepthLimit
// without the model yielding a tool-call-free reply, even after being
// forced into a tools-free final round.
var ErrDepthCeilingExceeded = errors.New("runloop: recursion depth ceiling exceeded")

// ScratchpadReader exposes an agent's working notes for recitation
// injection, keeping the model's original goal in its recent context
// window during long tool-calling turns.
type ScratchpadReader interface {
	Content() string
}

// Options configures a single call to Run.
type Options struct {
	Provider     provider.Provider
	Registry     *registry.Registry
	Dispatcher   *dispatcher.Dispatcher
	Store        *message.Store
	SystemPrompt string
	Scratchpad   ScratchpadReader

	ShowThinking bool
	OnRender     engine.RenderFunc
	OnReasoning  engine.ReasoningFunc
	OnToolCall   func(calls []provider.ToolCall)
	OnUsage      func(inputTokens, outputTokens int)

	// RequestTimeout bounds each provider call; zero uses the 120s default.
	RequestTimeout time.Duration
	// NumRetries bounds low-level retry attempts per call; zero uses 3.
	NumRetries int
	// BackoffPolicy governs the delay between retries; zero uses
	// backoff.DefaultPolicy.
	BackoffPolicy backoff.Policy
	// Breaker, if set, short-circuits provider calls after repeated
	// failures (spec §4.5's circuit breaker). Optional.
	Breaker *infra.CircuitBreaker

	// MaxRounds overrides HardDepthLimit as this call's ceiling, for
	// callers (e.g. sub-agent delegation) that need a tighter round budget
	// than the absolute default. Zero or values >= HardDepthLimit use
	// HardDepthLimit unchanged.
	MaxRounds int
}

// Result is the outcome of driving one turn to completion.
type Result struct {
	Output string
	Store  *message.Store
}

// Run implements spec §4.1's algorithm. startDepth labels the recursion
// depth this call begins at — 0 for a root agent turn, or a caller-chosen
// value (e.g. subagent.MaxSubAgentDepth) for a sub-agent's own top-level
// turn. userInput is appended as a fresh user message whenever store is
// empty (a genuinely new conversation); an already-populated store (the
// in-loop "continuation" case of step 1, where Run has already appended
// tool results and is looping to let the model process them) never gets a
// synthetic user message re-appended.
func Run(ctx context.Context, opts Options, userInput string, startDepth int) (Result, error) {
	store := opts.Store
	if store.Len() == 0 {
		store.Append(provider.Message{Role: "user", Content: userInput, CreatedAt: time.Now()})
	}
	store.PrependSystem(opts.SystemPrompt)

	providerTools := toProviderTools(opts.Registry.Manifest())
	finalOnly := false

	ceiling := HardDepthLimit
	if opts.MaxRounds > 0 && opts.MaxRounds < ceiling {
		ceiling = opts.MaxRounds
	}

	for depth := startDepth; ; depth++ {
		if depth > ceiling {
			return Result{}, ErrDepthCeilingExceeded
		}
		if depth >= SoftWarningDepth && depth < ceiling {
			injectDepthWarning(store, depth)
		}
		injectRecitation(store, opts.Scratchpad, depth)

		tools := providerTools
		if finalOnly {
			tools = nil
		}

		messages := store.Snapshot()
		result, err := callWithPolicy(ctx, opts, messages, tools)
		if err != nil {
			return Result{}, err
		}

		assistantMsg := provider.Message{
			Role:         "assistant",
			Content:      result.Content,
			Reasoning:    result.Reasoning,
			ToolCalls:    result.ToolCalls,
			CreatedAt:    time.Now(),
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
		}
		store.Append(assistantMsg)
		if opts.OnUsage != nil && (result.InputTokens > 0 || result.OutputTokens > 0) {
			opts.OnUsage(result.InputTokens, result.OutputTokens)
		}

		if len(result.ToolCalls) == 0 {
			return Result{Output: result.Content, Store: store}, nil
		}
		if finalOnly {
			// The model ignored the tools-free final instruction (it had
			// no tools to call with, so this should be unreachable, but
			// guard rather than loop forever).
			return Result{}, ErrDepthCeilingExceeded
		}

		if opts.OnToolCall != nil {
			opts.OnToolCall(result.ToolCalls)
		}

		toolMessages := opts.Dispatcher.Dispatch(ctx, result.ToolCalls)
		store.AppendMany(toolMessages...)
		warnOnRepeatedCalls(store, result.ToolCalls)

		if depth+1 >= ceiling {
			injectFinalInstruction(store)
			finalOnly = true
		}
	}
}

func toProviderTools(entries []registry.ManifestEntry) []provider.Tool {
	out := make([]provider.Tool, len(entries))
	for i, e := range entries {
		out[i] = provider.Tool{Name: e.Name, Description: e.Description, Parameters: e.Parameters}
	}
	return out
}

// callWithPolicy applies spec §4.5's request timeout, retry, circuit
// breaker, and timeout-fallback policy around a single Protocol Engine run.
func callWithPolicy(ctx context.Context, opts Options, messages []provider.Message, tools []provider.Tool) (engine.Result, error) {
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	retries := opts.NumRetries
	if retries <= 0 {
		retries = defaultNumRetries
	}
	policy := opts.BackoffPolicy
	if policy == (backoff.Policy{}) {
		policy = backoff.DefaultPolicy()
	}

	engineOpts := engine.Options{ShowThinking: opts.ShowThinking, OnRender: opts.OnRender, OnReasoning: opts.OnReasoning}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, requestTimeout)

		var res engine.Result
		var err error
		run := func(c context.Context) error {
			res, err = engine.Run(c, opts.Provider, messages, tools, engineOpts)
			return err
		}
		if opts.Breaker != nil {
			err = opts.Breaker.Execute(callCtx, run)
		} else {
			err = run(callCtx)
		}
		cancel()

		if err == nil {
			return res, nil
		}
		lastErr = err
		if attempt == retries {
			break
		}
		if sleepErr := backoff.Sleep(ctx, backoff.Compute(policy, attempt)); sleepErr != nil {
			return engine.Result{}, sleepErr
		}
	}

	if !isTimeoutLike(lastErr) {
		return engine.Result{}, lastErr
	}

	log.Warn().Err(lastErr).Msg("runloop: provider retries exhausted on timeout, attempting try-again fallback")
	return fallbackTryAgain(ctx, opts, messages)
}

// fallbackTryAgain implements spec §4.5's recovery path: a single
// non-streaming-equivalent call with the same history plus a literal "try
// again" user message, at a 240s timeout. Its outcome is terminal: failure
// here is returned directly, never retried or recursed on.
func fallbackTryAgain(ctx context.Context, opts Options, messages []provider.Message) (engine.Result, error) {
	retryMessages := make([]provider.Message, len(messages), len(messages)+1)
	copy(retryMessages, messages)
	retryMessages = append(retryMessages, provider.Message{Role: "user", Content: "try again", CreatedAt: time.Now()})

	fallbackCtx, cancel := context.WithTimeout(ctx, FallbackTimeout)
	defer cancel()

	res, err := engine.Run(fallbackCtx, opts.Provider, retryMessages, nil, engine.Options{
		ShowThinking: opts.ShowThinking,
		OnRender:     opts.OnRender,
		OnReasoning:  opts.OnReasoning,
	})
	if err != nil {
		return engine.Result{}, fmt.Errorf("runloop: timeout fallback also failed: %w", err)
	}
	return res, nil
}

func isTimeoutLike(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, engine.ErrStreamTimedOut) ||
		errors.Is(err, infra.ErrCircuitOpen)
}

// injectRecitation periodically appends a <system-reminder> onto the most
// recent tool-result message, echoing either the agent's scratchpad or the
// user's original request, so long tool-calling turns don't drift from the
// goal. Appending to an existing message (rather than inserting a new one)
// avoids shifting message positions and invalidating provider-side prompt
// caching.
func injectRecitation(store *message.Store, pad ScratchpadReader, depth int) {
	if depth == 0 || depth%reminderInterval != 0 {
		return
	}

	var reminder string
	if pad != nil {
		reminder = pad.Content()
	}
	if reminder == "" {
		idx := store.LastIndexWhere(func(m provider.Message) bool { return m.Role == "user" })
		if idx >= 0 {
			if m, ok := store.At(idx); ok {
				reminder = "The user's request: " + m.Content
			}
		}
	}
	if reminder == "" {
		return
	}

	appendReminder(store, "<system-reminder>\n"+reminder+"\n</system-reminder>")
}

// injectDepthWarning nudges the model once it has crossed the soft warning
// depth, without forcing anything.
func injectDepthWarning(store *message.Store, depth int) {
	if depth != SoftWarningDepth {
		return
	}
	appendReminder(store, fmt.Sprintf(
		"<system-reminder>You are %d tool-calling rounds deep into this turn. Wrap up soon: summarize progress or finish the task.</system-reminder>",
		depth))
}

// injectFinalInstruction is spec §4.1 step 6's hard-ceiling guard: a plain
// user message forcing the next call (made with no tools offered) to
// produce a final text-only reply.
func injectFinalInstruction(store *message.Store) {
	store.Append(provider.Message{
		Role:      "user",
		Content:   "You have reached the maximum number of tool-calling rounds for this turn. Respond in text only. Summarize what you accomplished and what remains.",
		CreatedAt: time.Now(),
	})
}

func appendReminder(store *message.Store, tag string) {
	idx := store.LastIndexWhere(func(m provider.Message) bool { return m.Role == "tool" })
	if idx < 0 {
		return
	}
	m, ok := store.At(idx)
	if !ok {
		return
	}
	if tagStart := strings.Index(m.Content, "\n\n<system-reminder>"); tagStart >= 0 {
		m.Content = m.Content[:tagStart]
	}
	m.Content += "\n\n" + tag
	store.ReplaceAt(idx, m)
}

// repeatStreak is how many identical tool calls in a row trigger the
// "you're stuck in a loop" warning.
const repeatStreak = 3

// warnOnRepeatedCalls inspects the tool calls just dispatched against the
// two prior rounds recorded in the store and appends a warning to the most
// recent tool result if the same call (by name+arguments) repeated three
// times running.
func warnOnRepeatedCalls(store *message.Store, calls []provider.ToolCall) {
	if len(calls) == 0 {
		return
	}
	last := calls[len(calls)-1]
	key := last.Name + string(last.Arguments)

	matches := 0
	snap := store.Snapshot()
	for i := len(snap) - 1; i >= 0 && matches < repeatStreak; i-- {
		if snap[i].Role != "assistant" || len(snap[i].ToolCalls) == 0 {
			continue
		}
		tc := snap[i].ToolCalls[len(snap[i].ToolCalls)-1]
		if tc.Name+string(tc.Arguments) == key {
			matches++
		} else {
			break
		}
	}
	if matches >= repeatStreak {
		appendReminder(store, "<system-reminder>WARNING: You are repeating the same tool call with the same arguments. This is wasteful. Stop and either try a different approach, summarize what you know, or ask the user for help.</system-reminder>")
	}
}
