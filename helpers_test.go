package loom

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// scriptedProvider replays one pre-built event script per Stream call, in
// order. Calls beyond the script list get an empty end_turn completion.
type scriptedProvider struct {
	scripts   [][]ProviderEvent
	streamErr error

	mu       sync.Mutex
	calls    int
	lastOpts StreamOptions
	lastMsgs []Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, messages []Message, opts StreamOptions) (<-chan ProviderEvent, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.lastOpts = opts
	p.lastMsgs = append([]Message(nil), messages...)
	p.mu.Unlock()

	if p.streamErr != nil {
		return nil, p.streamErr
	}
	script := textScript("")
	if idx < len(p.scripts) {
		script = p.scripts[idx]
	}
	ch := make(chan ProviderEvent)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// scriptThenStall replays scripts like scriptedProvider but stalls instead of
// completing once they run out, holding the run open.
type scriptThenStall struct {
	mu      sync.Mutex
	scripts [][]ProviderEvent
	calls   int
}

func (p *scriptThenStall) Name() string { return "scripted" }

func (p *scriptThenStall) Stream(ctx context.Context, messages []Message, opts StreamOptions) (<-chan ProviderEvent, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx >= len(p.scripts) {
		return stallProvider{}.Stream(ctx, messages, opts)
	}
	ch := make(chan ProviderEvent)
	go func() {
		defer close(ch)
		for _, ev := range p.scripts[idx] {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// stallProvider emits nothing until the context is cancelled, then closes.
type stallProvider struct{}

func (stallProvider) Name() string { return "stall" }

func (stallProvider) Stream(ctx context.Context, _ []Message, _ StreamOptions) (<-chan ProviderEvent, error) {
	ch := make(chan ProviderEvent)
	go func() {
		defer close(ch)
		<-ctx.Done()
	}()
	return ch, nil
}

// textScript builds a stream producing text deltas followed by an end_turn
// completion with nominal usage.
func textScript(chunks ...string) []ProviderEvent {
	var evs []ProviderEvent
	for _, c := range chunks {
		evs = append(evs, ProviderEvent{Type: EventContentDelta, Text: c})
	}
	return append(evs, ProviderEvent{
		Type:         EventComplete,
		FinishReason: FinishEndTurn,
		Usage:        Usage{InputTokens: 10, OutputTokens: 5},
	})
}

// toolScript builds a stream that requests the given tool calls via
// start/delta/stop sequences and completes with tool_use. The complete
// payload repeats the calls, exercising the dedupe path.
func toolScript(calls ...ToolCall) []ProviderEvent {
	var evs []ProviderEvent
	for _, tc := range calls {
		evs = append(evs,
			ProviderEvent{Type: EventToolUseStart, ToolID: tc.ID, ToolName: tc.Name},
			ProviderEvent{Type: EventToolUseDelta, Text: tc.Input},
			ProviderEvent{Type: EventToolUseStop},
		)
	}
	return append(evs, ProviderEvent{
		Type:         EventComplete,
		FinishReason: FinishToolUse,
		ToolCalls:    calls,
		Usage:        Usage{InputTokens: 10, OutputTokens: 5},
	})
}

// collectEvents drains the run stream with a deadline.
func collectEvents(t *testing.T, ch <-chan AgentEvent) []AgentEvent {
	t.Helper()
	var out []AgentEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("run did not finish; got %d events so far", len(out))
		}
	}
}

// requireDone asserts the stream ends with exactly one done event and
// returns it.
func requireDone(t *testing.T, events []AgentEvent) AgentEvent {
	t.Helper()
	var done []AgentEvent
	for _, ev := range events {
		if ev.Type == AgentDone {
			done = append(done, ev)
		}
	}
	if len(done) != 1 {
		t.Fatalf("got %d done events, want exactly 1", len(done))
	}
	if events[len(events)-1].Type != AgentDone {
		t.Fatalf("last event = %v, want done", events[len(events)-1].Type)
	}
	return done[0]
}

// eventsOfType filters the stream by type.
func eventsOfType(events []AgentEvent, typ AgentEventType) []AgentEvent {
	var out []AgentEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// echoTool returns its raw input as content.
func echoTool(name string) Tool {
	return NewTool(ToolDefinition{Name: name, Description: "echoes input"},
		func(_ context.Context, input json.RawMessage, _ ToolContext) (ToolResult, error) {
			return ToolResult{Content: string(input)}, nil
		})
}

// panicTool panics on execution.
func panicTool(name string) Tool {
	return NewTool(ToolDefinition{Name: name, Description: "always panics"},
		func(_ context.Context, _ json.RawMessage, _ ToolContext) (ToolResult, error) {
			panic("boom")
		})
}

// cancelingTool cancels the given function on first execution, simulating an
// external abort arriving while tools run.
func cancelingTool(name string, cancel context.CancelFunc) Tool {
	return NewTool(ToolDefinition{Name: name, Description: "cancels the run"},
		func(_ context.Context, _ json.RawMessage, _ ToolContext) (ToolResult, error) {
			cancel()
			return ToolResult{Content: "ok"}, nil
		})
}
