// Package engine drives a provider's chunked chat-completion stream through
// a small state machine, rendering text safely via the Markdown Stream
// Buffer and compacting tool-call deltas into a complete assistant message.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kaelstrand/qx/internal/mdstream"
	"github.com/kaelstrand/qx/internal/provider"
)

// State names the Protocol Engine's current phase.
type State int

const (
	StateIdle State = iota
	StateSpinning
	StateStreamingContent
	StateStreamingTools
	StateStreamingBoth
	StateFinished
	StateCancelled
	StateTimedOut
	StateErrored
)

const (
	maxIdenticalChunks = 5
	maxEmptyChunks     = 5
	inactivityTimeout  = 5 * time.Minute
)

// ErrProtocolAbort is returned when a pathological stream (flooding
// identical or empty chunks) forces the engine to give up.
var ErrProtocolAbort = errors.New("engine: provider stream pathology detected")

// ErrStreamTimedOut is returned when no chunk arrives within the inactivity
// window.
var ErrStreamTimedOut = errors.New("engine: stream inactivity timeout")

// RenderFunc receives Markdown-safe text releases as they become available.
type RenderFunc func(text string)

// ReasoningFunc receives chain-of-thought deltas, only invoked when the
// caller has enabled "show thinking".
type ReasoningFunc func(text string)

// Options configures a single streamed call.
type Options struct {
	ShowThinking bool
	OnRender     RenderFunc
	OnReasoning  ReasoningFunc
}

// Result is the complete assistant turn produced by draining a stream.
type Result struct {
	Content      string
	ToolCalls    []provider.ToolCall
	Reasoning    string
	InputTokens  int
	OutputTokens int
	State        State
}

type toolAccumulator struct {
	byIndex     map[int]int
	calls       []provider.ToolCall
	argBuilders []string
}

func newToolAccumulator() *toolAccumulator {
	return &toolAccumulator{byIndex: make(map[int]int)}
}

func (a *toolAccumulator) begin(index int, id, name, signature string) {
	idx, ok := a.byIndex[index]
	if !ok {
		idx = len(a.calls)
		a.byIndex[index] = idx
		a.calls = append(a.calls, provider.ToolCall{})
		a.argBuilders = append(a.argBuilders, "")
	}
	if id != "" {
		a.calls[idx].ID = id
	}
	if name != "" {
		a.calls[idx].Name = name
	}
	if signature != "" {
		a.calls[idx].ThoughtSignature = signature
	}
}

func (a *toolAccumulator) delta(index int, argsFragment string) {
	idx, ok := a.byIndex[index]
	if !ok {
		idx = len(a.calls)
		a.byIndex[index] = idx
		a.calls = append(a.calls, provider.ToolCall{})
		a.argBuilders = append(a.argBuilders, "")
	}
	a.argBuilders[idx] += argsFragment
}

// finalize compacts the sparse accumulator into an ordered list, discarding
// entries that have neither an ID nor a name (a malformed provider call).
func (a *toolAccumulator) finalize() []provider.ToolCall {
	var out []provider.ToolCall
	for i, c := range a.calls {
		c.Arguments = []byte(a.argBuilders[i])
		if c.ID == "" && c.Name == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Run drives prov.ChatStream to completion, applying the per-chunk
// processing and state transitions of spec §4.2. The Markdown Buffer is
// created fresh for this call and flushed before returning.
func Run(ctx context.Context, prov provider.Provider, messages []provider.Message, tools []provider.Tool, opts Options) (Result, error) {
	state := StateSpinning
	buf := mdstream.New()

	ch, err := prov.ChatStream(ctx, messages, tools)
	if err != nil {
		return Result{State: StateErrored}, err
	}

	var (
		content          string
		reasoning        string
		toolAcc          = newToolAccumulator()
		lastChunkKey     string
		identicalStreak  int
		emptyStreak      int
		contentSeen      bool
		inputTokens      int
		outputTokens     int
		renderedBytes    int
	)

	deadline := time.NewTimer(inactivityTimeout)
	defer deadline.Stop()

	finish := func(finalState State, finalErr error) (Result, error) {
		residue := buf.Flush()
		if residue != "" && opts.OnRender != nil {
			opts.OnRender(residue)
			renderedBytes += len(residue)
		}
		if renderedBytes != len(content) && opts.OnRender != nil && len(content) > renderedBytes {
			// Recover any content the buffer's release policy never
			// surfaced (spec §4.2 "On stream exit" step 2).
			opts.OnRender(content[renderedBytes:])
		}
		return Result{
			Content:      content,
			ToolCalls:    toolAcc.finalize(),
			Reasoning:    reasoning,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			State:        finalState,
		}, finalErr
	}

	for {
		select {
		case <-ctx.Done():
			return finish(StateCancelled, ctx.Err())
		case <-deadline.C:
			return finish(StateTimedOut, ErrStreamTimedOut)
		case ev, ok := <-ch:
			if !ok {
				return finish(StateFinished, nil)
			}
			if !deadline.Stop() {
				select {
				case <-deadline.C:
				default:
				}
			}
			deadline.Reset(inactivityTimeout)

			key := chunkKey(ev)
			if key == lastChunkKey && key != "" {
				identicalStreak++
			} else if key != "" {
				identicalStreak = 1
			} else {
				identicalStreak = 0
			}
			lastChunkKey = key

			switch ev.Type {
			case provider.EventReasoningDelta:
				reasoning += ev.Content
				if opts.ShowThinking && opts.OnReasoning != nil {
					opts.OnReasoning(ev.Content)
				}
				emptyStreak = 0
			case provider.EventContentDelta:
				content += ev.Content
				contentSeen = true
				emptyStreak = 0
				if state == StateSpinning {
					state = StateStreamingContent
				} else if state == StateStreamingTools {
					state = StateStreamingBoth
				}
				if release, ok := buf.Add(ev.Content); ok && opts.OnRender != nil {
					opts.OnRender(release)
					renderedBytes += len(release)
				}
			case provider.EventToolCallBegin:
				toolAcc.begin(ev.ToolCallIndex, ev.ToolCallID, ev.ToolCallName, ev.ToolCallSignature)
				emptyStreak = 0
				if state == StateSpinning {
					state = StateStreamingTools
				} else if state == StateStreamingContent {
					state = StateStreamingBoth
				}
			case provider.EventToolCallDelta:
				toolAcc.delta(ev.ToolCallIndex, ev.ToolCallArgs)
				emptyStreak = 0
			case provider.EventUsage:
				inputTokens = ev.InputTokens
				outputTokens = ev.OutputTokens
			case provider.EventError:
				if contentSeen {
					log.Warn().Err(ev.Err).Msg("engine: stream error after content received, preserving partial")
					return finish(StateFinished, nil)
				}
				return finish(StateErrored, ev.Err)
			case provider.EventDone:
				return finish(StateFinished, nil)
			}

			if identicalStreak >= maxIdenticalChunks {
				log.Warn().Msg("engine: identical chunk flood detected, aborting stream")
				return finish(StateErrored, ErrProtocolAbort)
			}
			if isEmptyChunk(ev) && contentSeen {
				emptyStreak++
				if emptyStreak >= maxEmptyChunks {
					log.Warn().Msg("engine: empty chunk flood detected, aborting stream")
					return finish(StateErrored, ErrProtocolAbort)
				}
			}
		}
	}
}

func chunkKey(ev provider.StreamEvent) string {
	switch ev.Type {
	case provider.EventContentDelta, provider.EventReasoningDelta:
		return ev.Content
	case provider.EventToolCallDelta:
		return ev.ToolCallArgs
	default:
		return ""
	}
}

func isEmptyChunk(ev provider.StreamEvent) bool {
	switch ev.Type {
	case provider.EventContentDelta, provider.EventReasoningDelta:
		return ev.Content == ""
	case provider.EventToolCallDelta:
		return ev.ToolCallArgs == ""
	case provider.EventToolCallBegin, provider.EventUsage, provider.EventDone, provider.EventError:
		return false
	}
	return true
}
