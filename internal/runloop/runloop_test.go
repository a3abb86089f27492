package runloop

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kaelstrand/qx/internal/dispatcher"
	"github.com/kaelstrand/qx/internal/mcp"
	"github.com/kaelstrand/qx/internal/message"
	"github.com/kaelstrand/qx/internal/provider"
	"github.com/kaelstrand/qx/internal/registry"
)

func newEmptyRegistry() *registry.Registry {
	return registry.New()
}

func TestRunNoToolCallsReturnsImmediately(t *testing.T) {
	mock := provider.NewMock("mock", "hello there")
	opts := Options{
		Provider:     mock,
		Registry:     newEmptyRegistry(),
		Dispatcher:   dispatcher.New(newEmptyRegistry()),
		Store:        message.New(),
		SystemPrompt: "you are qx",
	}
	res, err := Run(context.Background(), opts, "hi", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "hello there" {
		t.Fatalf("got %q", res.Output)
	}
	first, _ := res.Store.At(0)
	if first.Role != "system" {
		t.Fatalf("expected system message prepended, got %+v", first)
	}
}

func TestRunExecutesToolCallThenFinishes(t *testing.T) {
	reg := registry.New()
	reg.Register(mcp.Tool{
		Name:        "Echo",
		Description: "echoes",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "echoed"}}}, nil
	})

	mock := (&multiStepProvider{
		steps: []provider.StreamEvent{
			{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "t1", ToolCallName: "Echo"},
			{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: "{}"},
			{Type: provider.EventDone},
		},
	})
	mock.finalText = "done after tool"

	opts := Options{
		Provider:     mock,
		Registry:     reg,
		Dispatcher:   dispatcher.New(reg),
		Store:        message.New(),
		SystemPrompt: "you are qx",
	}
	res, err := Run(context.Background(), opts, "do it", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "done after tool" {
		t.Fatalf("got %q", res.Output)
	}

	// Find the tool message and confirm it carries the handler's output.
	found := false
	for _, m := range res.Store.Snapshot() {
		if m.Role == "tool" && m.Content == "echoed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a tool message with the handler's result")
	}
}

func TestRunHardCeilingForcesTextOnlyFinal(t *testing.T) {
	reg := registry.New()
	reg.Register(mcp.Tool{
		Name:        "Loop",
		Description: "loops",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}, func(ctx context.Context, args json.RawMessage) (*mcp.ToolResult, error) {
		return &mcp.ToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: "again"}}}, nil
	})

	mock := &alwaysToolProvider{callCount: 0}
	opts := Options{
		Provider:     mock,
		Registry:     reg,
		Dispatcher:   dispatcher.New(reg),
		Store:        message.New(),
		SystemPrompt: "you are qx",
	}
	res, err := Run(context.Background(), opts, "go forever", 0)
	if err != nil {
		t.Fatalf("expected ceiling to force a clean finish, got error: %v", err)
	}
	if res.Output != "giving up" {
		t.Fatalf("got %q", res.Output)
	}
	// The provider should have stopped receiving tools exactly once it hit
	// the forced final round (it always emits tool calls unless tools is nil).
	if mock.sawEmptyTools != true {
		t.Fatal("expected the final call to carry no tools")
	}
}

func TestRunTimeoutFallsBackToTryAgain(t *testing.T) {
	mock := &timeoutThenOKProvider{}
	opts := Options{
		Provider:       mock,
		Registry:       newEmptyRegistry(),
		Dispatcher:     dispatcher.New(newEmptyRegistry()),
		Store:          message.New(),
		SystemPrompt:   "you are qx",
		RequestTimeout: 10 * time.Millisecond,
		NumRetries:     1,
	}
	res, err := Run(context.Background(), opts, "hi", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "recovered" {
		t.Fatalf("got %q", res.Output)
	}
	if !mock.sawTryAgain {
		t.Fatal("expected the fallback call to carry a literal try again message")
	}
}

// multiStepProvider replays a fixed event sequence once, then a final text
// reply on the next call (simulating "tool call round, then text answer").
type multiStepProvider struct {
	steps     []provider.StreamEvent
	finalText string
	calls     int
}

func (p *multiStepProvider) Name() string { return "multi-step" }
func (p *multiStepProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	p.calls++
	ch := make(chan provider.StreamEvent, 8)
	go func() {
		defer close(ch)
		if p.calls == 1 {
			for _, ev := range p.steps {
				ch <- ev
			}
			return
		}
		ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: p.finalText}
		ch <- provider.StreamEvent{Type: provider.EventDone}
	}()
	return ch, nil
}
func (p *multiStepProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *multiStepProvider) Close() error                                            { return nil }

// alwaysToolProvider always emits a tool call when given tools, and a plain
// text reply once called with nil tools (used to test the hard depth ceiling).
type alwaysToolProvider struct {
	callCount     int
	sawEmptyTools bool
}

func (p *alwaysToolProvider) Name() string { return "always-tool" }
func (p *alwaysToolProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	p.callCount++
	ch := make(chan provider.StreamEvent, 4)
	go func() {
		defer close(ch)
		if len(tools) == 0 {
			p.sawEmptyTools = true
			ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: "giving up"}
			ch <- provider.StreamEvent{Type: provider.EventDone}
			return
		}
		ch <- provider.StreamEvent{Type: provider.EventToolCallBegin, ToolCallIndex: 0, ToolCallID: "id", ToolCallName: "Loop"}
		ch <- provider.StreamEvent{Type: provider.EventToolCallDelta, ToolCallIndex: 0, ToolCallArgs: "{}"}
		ch <- provider.StreamEvent{Type: provider.EventDone}
	}()
	return ch, nil
}
func (p *alwaysToolProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *alwaysToolProvider) Close() error                                            { return nil }

// timeoutThenOKProvider times out on its first N calls (triggering retries
// and then the try-again fallback), and succeeds once it sees the literal
// "try again" message appended by the fallback path.
type timeoutThenOKProvider struct {
	sawTryAgain bool
}

func (p *timeoutThenOKProvider) Name() string { return "flaky" }
func (p *timeoutThenOKProvider) ChatStream(ctx context.Context, messages []provider.Message, tools []provider.Tool) (<-chan provider.StreamEvent, error) {
	for _, m := range messages {
		if m.Role == "user" && m.Content == "try again" {
			p.sawTryAgain = true
			ch := make(chan provider.StreamEvent, 2)
			ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: "recovered"}
			ch <- provider.StreamEvent{Type: provider.EventDone}
			close(ch)
			return ch, nil
		}
	}
	ch := make(chan provider.StreamEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
func (p *timeoutThenOKProvider) ListModels(ctx context.Context) ([]provider.Model, error) { return nil, nil }
func (p *timeoutThenOKProvider) Close() error                                            { return nil }

func TestIsTimeoutLikeRecognizesDeadlineExceeded(t *testing.T) {
	if !isTimeoutLike(context.DeadlineExceeded) {
		t.Fatal("expected context.DeadlineExceeded to be timeout-like")
	}
	if isTimeoutLike(errors.New("some other failure")) {
		t.Fatal("expected an unrelated error not to be timeout-like")
	}
}
