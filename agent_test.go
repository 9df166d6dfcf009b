package loom

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAgentSimpleTextRun(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		textScript("Hello", ", world"),
	}}
	agent := NewAgent("greeter", provider, WithModel("test-model"))

	events := collectEvents(t, agent.Run(context.Background(), "hi"))

	var text strings.Builder
	for _, ev := range eventsOfType(events, AgentContent) {
		text.WriteString(ev.Content)
	}
	if got := text.String(); got != "Hello, world" {
		t.Errorf("content = %q, want %q", got, "Hello, world")
	}

	msgs := eventsOfType(events, AgentMessage)
	if len(msgs) != 1 {
		t.Fatalf("got %d message events, want 1", len(msgs))
	}
	if msgs[0].Message.Content != "Hello, world" {
		t.Errorf("message content = %q", msgs[0].Message.Content)
	}
	if msgs[0].Message.Model != "test-model" {
		t.Errorf("message model = %q, want test-model", msgs[0].Message.Model)
	}

	done := requireDone(t, events)
	if done.Reason != FinishEndTurn {
		t.Errorf("done reason = %q, want %q", done.Reason, FinishEndTurn)
	}
	if done.Usage == nil || done.Usage.InputTokens != 10 {
		t.Errorf("done usage = %+v, want input tokens 10", done.Usage)
	}
}

func TestAgentToolCallRoundTrip(t *testing.T) {
	call := ToolCall{ID: "tc1", Name: "echo", Input: `{"msg":"ping"}`}
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		toolScript(call),
		textScript("done with tool"),
	}}
	agent := NewAgent("worker", provider, WithTools(echoTool("echo")))

	sess := NewMemorySession()
	events := collectEvents(t, agent.Run(context.Background(), "run echo", WithSession(sess)))

	calls := eventsOfType(events, AgentToolCall)
	if len(calls) != 1 {
		t.Fatalf("got %d toolCall events, want 1 (complete payload must be deduplicated)", len(calls))
	}
	if calls[0].ToolCall.Input != `{"msg":"ping"}` {
		t.Errorf("reconstructed input = %q", calls[0].ToolCall.Input)
	}

	results := eventsOfType(events, AgentToolResult)
	if len(results) != 1 {
		t.Fatalf("got %d toolResult events, want 1", len(results))
	}
	if results[0].Outcome.Content != `{"msg":"ping"}` || results[0].Outcome.IsError {
		t.Errorf("outcome = %+v", results[0].Outcome)
	}

	done := requireDone(t, events)
	if done.Reason != FinishEndTurn {
		t.Errorf("done reason = %q", done.Reason)
	}
	// Both turns contribute usage to the run total.
	if done.Usage.InputTokens != 20 || done.Usage.OutputTokens != 10 {
		t.Errorf("total usage = %+v, want 20/10", done.Usage)
	}

	// Session history: user, assistant(with calls), tool, assistant.
	msgs, err := sess.Messages(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	roles := make([]Role, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []Role{RoleUser, RoleAssistant, RoleTool, RoleAssistant}
	if len(roles) != len(want) {
		t.Fatalf("session roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("session roles = %v, want %v", roles, want)
		}
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "tc1" {
		t.Errorf("assistant tool calls = %+v", msgs[1].ToolCalls)
	}
	if len(msgs[2].ToolOutcomes) != 1 || msgs[2].ToolOutcomes[0].ToolCallID != "tc1" {
		t.Errorf("tool outcomes = %+v", msgs[2].ToolOutcomes)
	}
}

func TestAgentCompletePayloadOnly(t *testing.T) {
	// Some backends report tool calls only in the completion, with no delta
	// sequence. They must still be surfaced and executed.
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		{{
			Type:         EventComplete,
			FinishReason: FinishToolUse,
			ToolCalls:    []ToolCall{{ID: "tc9", Name: "echo", Input: `{}`}},
			Usage:        Usage{InputTokens: 1, OutputTokens: 1},
		}},
		textScript("ok"),
	}}
	agent := NewAgent("worker", provider, WithTools(echoTool("echo")))

	events := collectEvents(t, agent.Run(context.Background(), "go"))
	if got := len(eventsOfType(events, AgentToolCall)); got != 1 {
		t.Fatalf("got %d toolCall events, want 1", got)
	}
	if got := len(eventsOfType(events, AgentToolResult)); got != 1 {
		t.Fatalf("got %d toolResult events, want 1", got)
	}
	requireDone(t, events)
}

func TestAgentUnknownTool(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		toolScript(ToolCall{ID: "tc1", Name: "missing", Input: `{}`}),
		textScript("recovered"),
	}}
	agent := NewAgent("worker", provider)

	events := collectEvents(t, agent.Run(context.Background(), "go"))

	results := eventsOfType(events, AgentToolResult)
	if len(results) != 1 {
		t.Fatalf("got %d toolResult events, want 1", len(results))
	}
	if !results[0].Outcome.IsError || results[0].Outcome.Content != "Unknown tool: missing" {
		t.Errorf("outcome = %+v, want Unknown tool error", results[0].Outcome)
	}
	// The loop continues; the model sees the error and answers.
	done := requireDone(t, events)
	if done.Reason != FinishEndTurn {
		t.Errorf("done reason = %q", done.Reason)
	}
}

func TestAgentToolPanicBecomesErrorOutcome(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		toolScript(ToolCall{ID: "tc1", Name: "bad", Input: `{}`}),
		textScript("survived"),
	}}
	agent := NewAgent("worker", provider, WithTools(panicTool("bad")))

	events := collectEvents(t, agent.Run(context.Background(), "go"))

	results := eventsOfType(events, AgentToolResult)
	if len(results) != 1 {
		t.Fatalf("got %d toolResult events, want 1", len(results))
	}
	if !results[0].Outcome.IsError || !strings.Contains(results[0].Outcome.Content, "panic") {
		t.Errorf("outcome = %+v, want panic error", results[0].Outcome)
	}
	requireDone(t, events)
}

func TestAgentProviderStreamError(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		{
			{Type: EventContentDelta, Text: "partial"},
			{Type: EventStreamError, Err: errors.New("rate limited")},
		},
	}}
	agent := NewAgent("worker", provider)

	events := collectEvents(t, agent.Run(context.Background(), "go"))

	errs := eventsOfType(events, AgentError)
	if len(errs) != 1 || errs[0].Err != "rate limited" {
		t.Fatalf("error events = %+v, want one 'rate limited'", errs)
	}
	done := requireDone(t, events)
	if done.Reason != FinishError {
		t.Errorf("done reason = %q, want %q", done.Reason, FinishError)
	}
}

func TestAgentProviderCallError(t *testing.T) {
	provider := &scriptedProvider{streamErr: errors.New("connection refused")}
	agent := NewAgent("worker", provider)

	events := collectEvents(t, agent.Run(context.Background(), "go"))

	errs := eventsOfType(events, AgentError)
	if len(errs) != 1 || errs[0].Err != "connection refused" {
		t.Fatalf("error events = %+v", errs)
	}
	done := requireDone(t, events)
	if done.Reason != FinishError {
		t.Errorf("done reason = %q, want %q", done.Reason, FinishError)
	}
}

func TestAgentStreamEndsWithoutComplete(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		{{Type: EventContentDelta, Text: "truncated"}},
	}}
	agent := NewAgent("worker", provider)

	events := collectEvents(t, agent.Run(context.Background(), "go"))
	done := requireDone(t, events)
	if done.Reason != FinishError {
		t.Errorf("done reason = %q, want %q", done.Reason, FinishError)
	}
}

func TestAgentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	agent := NewAgent("worker", stallProvider{})

	ch := agent.Run(ctx, "go")
	cancel()

	events := collectEvents(t, ch)
	done := requireDone(t, events)
	if done.Reason != FinishCanceled {
		t.Errorf("done reason = %q, want %q", done.Reason, FinishCanceled)
	}
}

func TestAgentCancelMidToolBatch(t *testing.T) {
	// Three calls in one turn; the first cancels the run. The remaining two
	// must get synthetic Canceled outcomes and the run must end canceled.
	ctx, cancel := context.WithCancel(context.Background())
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		toolScript(
			ToolCall{ID: "tc1", Name: "abort", Input: `{}`},
			ToolCall{ID: "tc2", Name: "echo", Input: `{}`},
			ToolCall{ID: "tc3", Name: "echo", Input: `{}`},
		),
	}}
	agent := NewAgent("worker", provider, WithTools(cancelingTool("abort", cancel), echoTool("echo")))

	events := collectEvents(t, agent.Run(ctx, "go"))

	results := eventsOfType(events, AgentToolResult)
	if len(results) != 3 {
		t.Fatalf("got %d toolResult events, want 3 (one per call)", len(results))
	}
	if results[0].Outcome.IsError {
		t.Errorf("first outcome should succeed: %+v", results[0].Outcome)
	}
	for i, r := range results[1:] {
		if !r.Outcome.IsError || r.Outcome.Content != "Canceled" {
			t.Errorf("outcome %d = %+v, want Canceled", i+1, r.Outcome)
		}
	}
	done := requireDone(t, events)
	if done.Reason != FinishCanceled {
		t.Errorf("done reason = %q, want %q", done.Reason, FinishCanceled)
	}
}

func TestAgentCancelBySessionID(t *testing.T) {
	agent := NewAgent("worker", stallProvider{})
	sess := NewMemorySession()

	ch := agent.Run(context.Background(), "go", WithSession(sess))

	// Give the run a moment to register its cancel func.
	time.Sleep(10 * time.Millisecond)
	agent.Cancel(sess.ID())

	events := collectEvents(t, ch)
	done := requireDone(t, events)
	if done.Reason != FinishCanceled {
		t.Errorf("done reason = %q, want %q", done.Reason, FinishCanceled)
	}
}

func TestAgentTurnExhaustion(t *testing.T) {
	// Every turn requests another tool call; the loop must stop at maxTurns.
	var scripts [][]ProviderEvent
	for i := 0; i < 5; i++ {
		scripts = append(scripts, toolScript(ToolCall{ID: "tc", Name: "echo", Input: `{}`}))
	}
	provider := &scriptedProvider{scripts: scripts}
	agent := NewAgent("worker", provider, WithTools(echoTool("echo")), WithMaxTurns(3))

	events := collectEvents(t, agent.Run(context.Background(), "go"))
	done := requireDone(t, events)
	if done.Reason != FinishMaxTokens {
		t.Errorf("done reason = %q, want %q", done.Reason, FinishMaxTokens)
	}
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.callCount())
	}
}

func TestAgentObserversReceiveEvents(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{textScript("hi")}}

	var mu sync.Mutex
	var fromConfig, fromRun int
	agent := NewAgent("worker", provider, WithObserver(func(AgentEvent) {
		mu.Lock()
		fromConfig++
		mu.Unlock()
	}))

	events := collectEvents(t, agent.Run(context.Background(), "go",
		WithRunObserver(func(AgentEvent) {
			mu.Lock()
			fromRun++
			mu.Unlock()
		})))

	mu.Lock()
	defer mu.Unlock()
	if fromConfig != len(events) || fromRun != len(events) {
		t.Errorf("observer counts = %d/%d, want %d each", fromConfig, fromRun, len(events))
	}
}

func TestAgentObserverPanicIsolated(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{textScript("hi")}}
	agent := NewAgent("worker", provider, WithObserver(func(AgentEvent) {
		panic("observer bug")
	}))

	events := collectEvents(t, agent.Run(context.Background(), "go"))
	done := requireDone(t, events)
	if done.Reason != FinishEndTurn {
		t.Errorf("done reason = %q", done.Reason)
	}
}

func TestAgentStreamOptionsForwarded(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{textScript("hi")}}
	temp := 0.2
	agent := NewAgent("worker", provider,
		WithModel("m1"),
		WithSystemPrompt("be brief"),
		WithMaxTokens(512),
		WithTemperature(temp),
		WithTools(echoTool("echo")),
	)

	collectEvents(t, agent.Run(context.Background(), "go"))

	provider.mu.Lock()
	opts := provider.lastOpts
	provider.mu.Unlock()
	if opts.Model != "m1" || opts.SystemPrompt != "be brief" || opts.MaxTokens != 512 {
		t.Errorf("opts = %+v", opts)
	}
	if opts.Temperature == nil || *opts.Temperature != temp {
		t.Errorf("temperature = %v", opts.Temperature)
	}
	if len(opts.Tools) != 1 || opts.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", opts.Tools)
	}
}

func TestAgentAsTool(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{textScript("delegated answer")}}
	inner := NewAgent("helper", provider)

	tool := inner.AsTool(AsToolOptions{Name: "ask_helper", Description: "ask the helper"})
	if tool.Definition().Name != "ask_helper" {
		t.Errorf("tool name = %q", tool.Definition().Name)
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"prompt":"question"}`), ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || res.Content != "delegated answer" {
		t.Errorf("result = %+v", res)
	}
}

func TestAgentAsToolErrorFallback(t *testing.T) {
	provider := &scriptedProvider{streamErr: errors.New("backend down")}
	inner := NewAgent("helper", provider)

	res, err := inner.AsTool(AsToolOptions{}).Execute(context.Background(), json.RawMessage(`{"prompt":"q"}`), ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || res.Content != "backend down" {
		t.Errorf("result = %+v", res)
	}
}
