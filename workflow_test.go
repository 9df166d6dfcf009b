package loom

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// collectWorkflowEvents drains a workflow stream with a deadline.
func collectWorkflowEvents(t *testing.T, ch <-chan WorkflowEvent) []WorkflowEvent {
	t.Helper()
	var out []WorkflowEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("workflow did not finish; got %d events so far", len(out))
		}
	}
}

func workflowEventsOfType(events []WorkflowEvent, typ WorkflowEventType) []WorkflowEvent {
	var out []WorkflowEvent
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestWorkflowSimpleRun(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		textScript("plain answer"),
	}}
	wf := NewWorkflow(WorkflowSchema{
		Name:            "simple",
		Agent:           AgentSpec{Model: "m1"},
		Providers:       map[string]Provider{"main": provider},
		DefaultProvider: "main",
	})

	events := collectWorkflowEvents(t, wf.Run(context.Background(), "hello"))

	if events[0].Type != WorkflowStarted {
		t.Fatalf("first event = %v, want workflow:started", events[0].Type)
	}
	if events[0].Payload["prompt"] != "hello" {
		t.Errorf("started payload = %v", events[0].Payload)
	}
	last := events[len(events)-1]
	if last.Type != WorkflowCompleted {
		t.Fatalf("last event = %v, want workflow:completed", last.Type)
	}
	if last.Result == nil || last.Result.Status != RunCompleted {
		t.Fatalf("result = %+v", last.Result)
	}
	if last.Result.Output != "plain answer" {
		t.Errorf("output = %q", last.Result.Output)
	}
	if last.Result.Usage.InputTokens != 10 {
		t.Errorf("usage = %+v", last.Result.Usage)
	}
	for _, ev := range events {
		if ev.RunID != last.Result.RunID {
			t.Errorf("event %v run ID = %q, want %q", ev.Type, ev.RunID, last.Result.RunID)
		}
	}
}

func TestWorkflowDelegation(t *testing.T) {
	// Call order is deterministic because tools run sequentially: main turn 1
	// requests a delegate call, the sub-agent streams next, then main turn 2
	// produces the final answer.
	provider := &scriptedProvider{scripts: [][]ProviderEvent{
		toolScript(ToolCall{ID: "d1", Name: "delegate", Input: `{"name":"researcher","task":"find facts"}`}),
		textScript("facts found"),
		textScript("final answer"),
	}}
	wf := NewWorkflow(WorkflowSchema{
		Name:            "research",
		Agent:           AgentSpec{Model: "m1"},
		Providers:       map[string]Provider{"main": provider},
		DefaultProvider: "main",
	})

	events := collectWorkflowEvents(t, wf.Run(context.Background(), "investigate"))

	spawned := workflowEventsOfType(events, AgentSpawned)
	if len(spawned) != 1 || spawned[0].Name != "researcher" {
		t.Fatalf("spawned = %+v", spawned)
	}
	if spawned[0].Payload["task"] != "find facts" {
		t.Errorf("spawn payload = %v", spawned[0].Payload)
	}

	completed := workflowEventsOfType(events, AgentCompleted)
	if len(completed) != 1 || completed[0].Payload["output"] != "facts found" {
		t.Fatalf("completed = %+v", completed)
	}

	// Sub-agent stream events are forwarded under the sub-agent's name.
	var subEvents, mainEvents int
	for _, ev := range workflowEventsOfType(events, AgentStreamEvent) {
		switch ev.Name {
		case "researcher":
			subEvents++
		case "research:main":
			mainEvents++
		}
	}
	if subEvents == 0 || mainEvents == 0 {
		t.Errorf("stream events: sub=%d main=%d, want both > 0", subEvents, mainEvents)
	}

	last := events[len(events)-1]
	if last.Type != WorkflowCompleted || last.Result.Output != "final answer" {
		t.Fatalf("result = %+v", last.Result)
	}
	// Main ran two turns, the sub-agent one: three completions of 10/5 each.
	if last.Result.Usage.InputTokens != 30 || last.Result.Usage.OutputTokens != 15 {
		t.Errorf("usage = %+v, want 30/15", last.Result.Usage)
	}
}

func TestWorkflowUnknownDefaultProvider(t *testing.T) {
	wf := NewWorkflow(WorkflowSchema{
		Name:            "broken",
		Providers:       map[string]Provider{"main": &scriptedProvider{}},
		DefaultProvider: "missing",
	})

	events := collectWorkflowEvents(t, wf.Run(context.Background(), "go"))
	last := events[len(events)-1]
	if last.Type != WorkflowError {
		t.Fatalf("last event = %v, want workflow:error", last.Type)
	}
	if last.Result.Status != RunError || !strings.Contains(last.Result.Err, `"missing"`) {
		t.Errorf("result = %+v", last.Result)
	}
}

func TestWorkflowBeforeRunAborts(t *testing.T) {
	wf := NewWorkflow(WorkflowSchema{
		Name:            "guarded",
		Providers:       map[string]Provider{"main": &scriptedProvider{}},
		DefaultProvider: "main",
		Hooks: Hooks{
			BeforeRun: GuardHook(NewKeywordGuard("forbidden")),
		},
	})

	events := collectWorkflowEvents(t, wf.Run(context.Background(), "do the forbidden thing"))
	last := events[len(events)-1]
	if last.Type != WorkflowError {
		t.Fatalf("last event = %v, want workflow:error", last.Type)
	}
	var guardErr *GuardError
	if !strings.Contains(last.Result.Err, "blocked by guard") {
		t.Errorf("err = %q, want guard rejection (%T)", last.Result.Err, guardErr)
	}
}

func TestWorkflowSandboxPromptAugmentation(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{textScript("ok")}}
	root := t.TempDir()
	wf := NewWorkflow(WorkflowSchema{
		Name:            "sandboxed",
		Agent:           AgentSpec{SystemPrompt: "base"},
		Providers:       map[string]Provider{"main": provider},
		DefaultProvider: "main",
		Sandbox:         &SandboxConfig{RootDir: root},
	})

	collectWorkflowEvents(t, wf.Run(context.Background(), "go"))

	provider.mu.Lock()
	prompt := provider.lastOpts.SystemPrompt
	provider.mu.Unlock()
	if !strings.HasPrefix(prompt, "base") {
		t.Errorf("system prompt lost its base: %q", prompt)
	}
	if !strings.Contains(prompt, "delegate") {
		t.Errorf("system prompt missing delegation guidance: %q", prompt)
	}
	if !strings.Contains(prompt, root) {
		t.Errorf("system prompt missing sandbox root: %q", prompt)
	}
}

func TestWorkflowDelegationDisabled(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{textScript("ok")}}
	off := false
	wf := NewWorkflow(WorkflowSchema{
		Name:            "solo",
		Providers:       map[string]Provider{"main": provider},
		DefaultProvider: "main",
		Delegation:      &DelegationConfig{Enabled: &off},
	})

	collectWorkflowEvents(t, wf.Run(context.Background(), "go"))

	provider.mu.Lock()
	defer provider.mu.Unlock()
	for _, def := range provider.lastOpts.Tools {
		if def.Name == "delegate" {
			t.Error("delegate tool present with delegation disabled")
		}
	}
}

func TestWorkflowHookContext(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]ProviderEvent{textScript("ok")}}
	var seenBefore, seenAfter bool
	wf := NewWorkflow(WorkflowSchema{
		Name:            "hooked",
		Providers:       map[string]Provider{"main": provider},
		DefaultProvider: "main",
		Hooks: Hooks{
			BeforeRun: func(_ context.Context, wc *WorkflowContext) error {
				seenBefore = true
				if wc.RunID == "" || wc.Bus == nil || wc.Session == nil {
					t.Errorf("incomplete workflow context: %+v", wc)
				}
				return nil
			},
			AfterRun: func(_ context.Context, _ *WorkflowContext, result WorkflowResult) {
				seenAfter = true
				if result.Status != RunCompleted {
					t.Errorf("afterRun result = %+v", result)
				}
			},
		},
	})

	collectWorkflowEvents(t, wf.Run(context.Background(), "go"))
	if !seenBefore || !seenAfter {
		t.Errorf("hooks: before=%v after=%v", seenBefore, seenAfter)
	}
}

// --- Delegate tool admission ---

func delegateForTest(schema WorkflowSchema) (Tool, *Bus) {
	bus := NewBus()
	return newDelegateTool(schema, bus, NewToolset(), slog.New(slog.DiscardHandler), nil), bus
}

func TestDelegateModelAllowList(t *testing.T) {
	tool, _ := delegateForTest(WorkflowSchema{
		Providers:       map[string]Provider{"main": &scriptedProvider{}},
		DefaultProvider: "main",
		Delegation:      &DelegationConfig{AllowedModels: []string{"small-model"}},
	})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"s","task":"t","model":"huge-model"}`), ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "not allowed") {
		t.Errorf("result = %+v", res)
	}
}

func TestDelegateUnknownProvider(t *testing.T) {
	tool, _ := delegateForTest(WorkflowSchema{
		Providers:       map[string]Provider{"alpha": &scriptedProvider{}, "beta": &scriptedProvider{}},
		DefaultProvider: "alpha",
	})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"s","task":"t","provider":"gamma"}`), ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, `provider "gamma" not found`) {
		t.Errorf("result = %+v", res)
	}
	// Available providers are listed sorted for the model to retry with.
	if !strings.Contains(res.Content, "alpha, beta") {
		t.Errorf("result = %+v", res)
	}
}

func TestDelegateSpawnHookBlocks(t *testing.T) {
	tool, _ := delegateForTest(WorkflowSchema{
		Providers:       map[string]Provider{"main": &scriptedProvider{}},
		DefaultProvider: "main",
		Hooks: Hooks{
			OnSpawn: func(_ context.Context, spawn SpawnInfo) bool {
				return spawn.Name != "blocked"
			},
		},
	})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"blocked","task":"t"}`), ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "blocked by workflow policy") {
		t.Errorf("result = %+v", res)
	}
}

func TestDelegateMissingArgs(t *testing.T) {
	tool, _ := delegateForTest(WorkflowSchema{
		Providers:       map[string]Provider{"main": &scriptedProvider{}},
		DefaultProvider: "main",
	})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"only-name"}`), ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Errorf("result = %+v", res)
	}
}

func TestDelegateConcurrencyCap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tool, bus := delegateForTest(WorkflowSchema{
		Providers:       map[string]Provider{"main": stallProvider{}},
		DefaultProvider: "main",
		Delegation:      &DelegationConfig{MaxConcurrent: 1},
	})
	spawned := make(chan struct{}, 1)
	bus.On(string(AgentSpawned), func(string, any) { spawned <- struct{}{} })

	// First delegation occupies the only slot; its sub-agent stalls until the
	// context is cancelled. The slot is reserved by the time spawn fires.
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _ = tool.Execute(ctx, json.RawMessage(`{"name":"s1","task":"t"}`), ToolContext{})
	}()
	select {
	case <-spawned:
	case <-time.After(2 * time.Second):
		t.Fatal("first delegation never spawned")
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"name":"s2","task":"t"}`), ToolContext{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Content, "delegation limit reached") {
		t.Fatalf("result = %+v, want cap rejection", res)
	}

	cancel()
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first delegation did not finish after cancel")
	}

	// Slot released; a new delegation is admitted again.
	provider := &scriptedProvider{scripts: [][]ProviderEvent{textScript("done")}}
	tool2, _ := delegateForTest(WorkflowSchema{
		Providers:       map[string]Provider{"main": provider},
		DefaultProvider: "main",
		Delegation:      &DelegationConfig{MaxConcurrent: 1},
	})
	res, err = tool2.Execute(context.Background(), json.RawMessage(`{"name":"s3","task":"t"}`), ToolContext{})
	if err != nil || res.IsError {
		t.Errorf("res=%+v err=%v", res, err)
	}
}
