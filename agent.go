package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const (
	defaultMaxTurns = 50
	// eventBuffer smooths producer/consumer scheduling and leaves room for
	// the terminal done event when a cancelled consumer stops reading.
	eventBuffer = 64
)

// Agent drives the turn loop: stream provider output, reconstruct complete
// messages from interleaved deltas, execute requested tools, and re-enter the
// stream until a terminal condition. Agents are stateless between runs apart
// from the cancel registry; conversation state lives in the Session.
type Agent struct {
	name         string
	provider     Provider
	model        string
	systemPrompt string
	tools        *Toolset
	maxTurns     int
	maxTokens    int
	temperature  *float64
	workingDir   string
	observer     ObserverFunc
	clock        *FileClock
	logger       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // session ID → active run cancel
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithModel sets the model identifier passed to the provider.
func WithModel(model string) AgentOption {
	return func(a *Agent) { a.model = model }
}

// WithSystemPrompt sets the system prompt. It is provider configuration, not
// a session message.
func WithSystemPrompt(prompt string) AgentOption {
	return func(a *Agent) { a.systemPrompt = prompt }
}

// WithTools registers tools available to every run.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) {
		for _, t := range tools {
			a.tools.Add(t)
		}
	}
}

// WithToolset replaces the agent's tool collection.
func WithToolset(ts *Toolset) AgentOption {
	return func(a *Agent) { a.tools = ts }
}

// WithMaxTurns caps provider round trips per run. Default 50.
func WithMaxTurns(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxTurns = n
		}
	}
}

// WithMaxTokens caps tokens per provider call.
func WithMaxTokens(n int) AgentOption {
	return func(a *Agent) { a.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) AgentOption {
	return func(a *Agent) { a.temperature = &t }
}

// WithWorkingDir sets the working directory carried into tool contexts.
func WithWorkingDir(dir string) AgentOption {
	return func(a *Agent) { a.workingDir = dir }
}

// WithObserver attaches a configuration-level observer receiving every event
// of every run.
func WithObserver(fn ObserverFunc) AgentOption {
	return func(a *Agent) { a.observer = fn }
}

// WithFileClock attaches a stale-write clock carried into tool contexts.
func WithFileClock(c *FileClock) AgentOption {
	return func(a *Agent) { a.clock = c }
}

// WithLogger sets the agent's logger. Defaults to a nop logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent creates an Agent for the given provider.
func NewAgent(name string, provider Provider, opts ...AgentOption) *Agent {
	a := &Agent{
		name:     name,
		provider: provider,
		tools:    NewToolset(),
		maxTurns: defaultMaxTurns,
		logger:   slog.New(slog.DiscardHandler),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the agent's name.
func (a *Agent) Name() string { return a.name }

// Model returns the configured model identifier.
func (a *Agent) Model() string { return a.model }

// Tools returns the agent's toolset.
func (a *Agent) Tools() *Toolset { return a.tools }

// --- Run options ---

type runOptions struct {
	session  Session
	images   []ImageData
	observer ObserverFunc
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithSession runs against an existing session instead of a fresh one.
func WithSession(s Session) RunOption {
	return func(o *runOptions) { o.session = s }
}

// WithImages attaches images to the user message.
func WithImages(images ...ImageData) RunOption {
	return func(o *runOptions) { o.images = images }
}

// WithRunObserver attaches a per-run observer.
func WithRunObserver(fn ObserverFunc) RunOption {
	return func(o *runOptions) { o.observer = fn }
}

// Run starts a run and returns its event stream. The stream is cold and
// single-consumer: events are produced as the consumer reads, and exactly one
// AgentDone terminates it. Cancelling ctx cancels the run; a consumer that
// stops reading early must cancel ctx to release the producer goroutine.
func (a *Agent) Run(ctx context.Context, input string, opts ...RunOption) <-chan AgentEvent {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.session == nil {
		ro.session = NewMemorySession()
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.registerCancel(ro.session.ID(), cancel)

	ch := make(chan AgentEvent, eventBuffer)
	go func() {
		defer close(ch)
		defer a.unregisterCancel(ro.session.ID())
		defer cancel()
		a.run(runCtx, ro, input, ch)
	}()
	return ch
}

// Cancel aborts the active run on the given session, if any.
func (a *Agent) Cancel(sessionID string) {
	a.mu.Lock()
	cancel := a.cancels[sessionID]
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) registerCancel(sessionID string, cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancels[sessionID] = cancel
	a.mu.Unlock()
}

func (a *Agent) unregisterCancel(sessionID string) {
	a.mu.Lock()
	delete(a.cancels, sessionID)
	a.mu.Unlock()
}

// --- The turn loop ---

// run executes the loop on its own goroutine, emitting into ch.
func (a *Agent) run(ctx context.Context, ro runOptions, input string, ch chan<- AgentEvent) {
	emit := func(ev AgentEvent) {
		a.notify(ro, ev)
		select {
		case ch <- ev:
		case <-ctx.Done():
			// Consumer is gone or cancelling; keep the event if the buffer
			// still has room so a draining consumer sees the terminal done.
			select {
			case ch <- ev:
			default:
			}
		}
	}

	fail := func(err error) {
		emit(AgentEvent{Type: AgentError, Err: err.Error()})
		emit(AgentEvent{Type: AgentDone, Reason: FinishError})
	}

	sess := ro.session
	if err := sess.AddMessage(ctx, UserMessage(input, ro.images...)); err != nil {
		fail(fmt.Errorf("append user message: %w", err))
		return
	}

	var total Usage

	for turn := 0; turn < a.maxTurns; turn++ {
		if ctx.Err() != nil {
			emit(a.doneEvent(FinishCanceled, total))
			return
		}

		messages, err := sess.Messages(ctx)
		if err != nil {
			fail(fmt.Errorf("load session: %w", err))
			return
		}

		stream, err := a.provider.Stream(ctx, messages, StreamOptions{
			Model:        a.model,
			SystemPrompt: a.systemPrompt,
			MaxTokens:    a.maxTokens,
			Temperature:  a.temperature,
			Tools:        a.tools.Definitions(),
		})
		if err != nil {
			if ctx.Err() != nil {
				emit(a.doneEvent(FinishCanceled, total))
				return
			}
			fail(err)
			return
		}

		turnResult, terminal := a.consumeStream(ctx, stream, emit, total)
		if terminal {
			return
		}
		total = total.Add(turnResult.usage)

		// Assemble and persist the assistant message.
		asst := AssistantMessage(turnResult.content)
		asst.ToolCalls = turnResult.calls
		asst.Model = a.model
		if !turnResult.usage.IsZero() {
			u := turnResult.usage
			asst.Usage = &u
		}
		if err := sess.AddMessage(ctx, asst); err != nil {
			fail(fmt.Errorf("append assistant message: %w", err))
			return
		}
		emit(AgentEvent{Type: AgentMessage, Message: &asst})

		if len(turnResult.calls) == 0 || turnResult.finish != FinishToolUse {
			reason := turnResult.finish
			if reason == "" {
				reason = FinishEndTurn
			}
			emit(a.doneEvent(reason, total))
			return
		}

		outcomes := a.executeCalls(ctx, sess.ID(), turnResult.calls)
		toolMsg := ToolMessage(outcomes)
		if err := sess.AddMessage(ctx, toolMsg); err != nil {
			fail(fmt.Errorf("append tool message: %w", err))
			return
		}
		for i := range outcomes {
			emit(AgentEvent{Type: AgentToolResult, Outcome: &outcomes[i]})
		}
	}

	emit(a.doneEvent(FinishMaxTokens, total))
}

// turnAccumulator is what one provider stream reconstructs.
type turnAccumulator struct {
	content string
	calls   []ToolCall
	finish  FinishReason
	usage   Usage
}

// consumeStream reconstructs a complete assistant turn from the interleaved
// delta stream. It returns terminal=true when it already emitted the run's
// final done event (cancellation or provider error).
func (a *Agent) consumeStream(ctx context.Context, stream <-chan ProviderEvent, emit func(AgentEvent), total Usage) (turnAccumulator, bool) {
	var acc turnAccumulator
	var content strings.Builder
	var pending *ToolCall
	var pendingInput strings.Builder
	seen := make(map[string]bool)
	completed := false

	for ev := range stream {
		if ctx.Err() != nil {
			emit(a.doneEvent(FinishCanceled, total))
			return acc, true
		}
		switch ev.Type {
		case EventThinkingDelta:
			emit(AgentEvent{Type: AgentThinking, Content: ev.Text})
		case EventContentDelta:
			content.WriteString(ev.Text)
			emit(AgentEvent{Type: AgentContent, Content: ev.Text})
		case EventToolUseStart:
			pending = &ToolCall{ID: ev.ToolID, Name: ev.ToolName}
			pendingInput.Reset()
		case EventToolUseDelta:
			pendingInput.WriteString(ev.Text)
		case EventToolUseStop:
			if pending == nil {
				continue
			}
			pending.Input = pendingInput.String()
			acc.calls = append(acc.calls, *pending)
			seen[pending.ID] = true
			emit(AgentEvent{Type: AgentToolCall, ToolCall: &acc.calls[len(acc.calls)-1]})
			pending = nil
		case EventComplete:
			completed = true
			acc.finish = ev.FinishReason
			acc.usage = ev.Usage
			// Merge invocations only present in the complete payload.
			for _, tc := range ev.ToolCalls {
				if seen[tc.ID] {
					continue
				}
				seen[tc.ID] = true
				acc.calls = append(acc.calls, tc)
				emit(AgentEvent{Type: AgentToolCall, ToolCall: &acc.calls[len(acc.calls)-1]})
			}
		case EventStreamError:
			if ctx.Err() != nil {
				emit(a.doneEvent(FinishCanceled, total))
				return acc, true
			}
			errText := "provider stream error"
			if ev.Err != nil {
				errText = ev.Err.Error()
			}
			emit(AgentEvent{Type: AgentError, Err: errText})
			emit(AgentEvent{Type: AgentDone, Reason: FinishError, Usage: &total})
			return acc, true
		}
	}

	if ctx.Err() != nil {
		emit(a.doneEvent(FinishCanceled, total))
		return acc, true
	}
	if !completed {
		emit(AgentEvent{Type: AgentError, Err: "provider stream ended without complete"})
		emit(AgentEvent{Type: AgentDone, Reason: FinishError, Usage: &total})
		return acc, true
	}

	acc.content = content.String()
	return acc, false
}

// executeCalls runs the turn's invocations sequentially in source order.
// Every invocation yields exactly one outcome; unknown tools, cancellation,
// panics, and errors become synthetic error outcomes.
func (a *Agent) executeCalls(ctx context.Context, sessionID string, calls []ToolCall) []ToolOutcome {
	outcomes := make([]ToolOutcome, 0, len(calls))
	for _, call := range calls {
		outcome := ToolOutcome{ToolCallID: call.ID}
		switch {
		case ctx.Err() != nil:
			outcome.Content = "Canceled"
			outcome.IsError = true
		default:
			tool, ok := a.tools.Get(call.Name)
			if !ok {
				outcome.Content = "Unknown tool: " + call.Name
				outcome.IsError = true
				break
			}
			res, err := a.safeExecute(ctx, tool, call, sessionID)
			if err != nil {
				outcome.Content = "error: " + err.Error()
				outcome.IsError = true
				break
			}
			outcome.Content = res.Content
			outcome.IsError = res.IsError
			outcome.Metadata = res.Metadata
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// safeExecute invokes a tool with panic recovery.
func (a *Agent) safeExecute(ctx context.Context, tool Tool, call ToolCall, sessionID string) (res ToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %q panic: %v", call.Name, p)
		}
	}()
	tc := ToolContext{
		CallID:     call.ID,
		SessionID:  sessionID,
		AgentName:  a.name,
		WorkingDir: a.workingDir,
		Clock:      a.clock,
	}
	return tool.Execute(ctx, json.RawMessage(call.Input), tc)
}

func (a *Agent) doneEvent(reason FinishReason, total Usage) AgentEvent {
	u := total
	return AgentEvent{Type: AgentDone, Reason: reason, Usage: &u}
}

// notify delivers an event to the configuration and per-run observers,
// swallowing panics so observers cannot break the loop.
func (a *Agent) notify(ro runOptions, ev AgentEvent) {
	for _, obs := range []ObserverFunc{a.observer, ro.observer} {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					a.logger.Error("observer panic", "agent", a.name, "panic", p)
				}
			}()
			obs(ev)
		}()
	}
}

// --- Agent as tool ---

// AsToolOptions names the synthesized tool. Zero values fall back to the
// agent's own name and a generic description.
type AsToolOptions struct {
	Name        string
	Description string
}

// AsTool wraps the agent as a Tool with input schema {prompt: string}.
// Executing it runs the agent on a fresh session under the caller's context
// (propagating cancellation) and returns the final assistant content, or
// "(no response)" when the run produced none.
func (a *Agent) AsTool(opts AsToolOptions) Tool {
	name := opts.Name
	if name == "" {
		name = a.name
	}
	desc := opts.Description
	if desc == "" {
		desc = "Run agent " + a.name + " on a task and return its final response."
	}
	def := ToolDefinition{
		Name:        name,
		Description: desc,
		Parameters:  json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"Task for the agent"}},"required":["prompt"]}`),
		Required:    []string{"prompt"},
	}
	return NewTool(def, func(ctx context.Context, input json.RawMessage, _ ToolContext) (ToolResult, error) {
		var params struct {
			Prompt string `json:"prompt"`
		}
		if err := json.Unmarshal(input, &params); err != nil {
			return ToolResult{Content: "invalid args: " + err.Error(), IsError: true}, nil
		}
		var last string
		var failure string
		for ev := range a.Run(ctx, params.Prompt, WithSession(NewMemorySession())) {
			switch ev.Type {
			case AgentMessage:
				if ev.Message != nil && ev.Message.Content != "" {
					last = ev.Message.Content
				}
			case AgentError:
				failure = ev.Err
			}
		}
		if last == "" && failure != "" {
			return ToolResult{Content: failure, IsError: true}, nil
		}
		if last == "" {
			last = "(no response)"
		}
		return ToolResult{Content: last}, nil
	})
}
