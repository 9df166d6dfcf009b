package loom

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// --- Schema ---

// AgentSpec configures the workflow's main agent.
type AgentSpec struct {
	Model        string
	SystemPrompt string
	MaxTurns     int
	MaxTokens    int
	Temperature  *float64
}

// SpawnInfo describes a sub-agent about to be admitted.
type SpawnInfo struct {
	Name  string
	Task  string
	Model string
}

// WorkflowContext is handed to lifecycle hooks. It exposes the run-scoped
// collaborators so deployments can plug in their own bookkeeping (git
// lifecycle, LSP state) without the runner knowing about it.
type WorkflowContext struct {
	RunID   string
	Prompt  string
	Session Session
	Bus     *Bus
	Sandbox *Sandbox
}

// Hooks are optional workflow lifecycle extension points.
type Hooks struct {
	// BeforeRun runs after the bus and sandbox exist, before the main agent
	// starts. An error aborts the run with a workflow:error.
	BeforeRun func(ctx context.Context, wc *WorkflowContext) error
	// AfterRun runs once the result is computed, before workflow:completed.
	AfterRun func(ctx context.Context, wc *WorkflowContext, result WorkflowResult)
	// OnSpawn gates sub-agent admission. Returning false blocks the spawn.
	OnSpawn func(ctx context.Context, spawn SpawnInfo) bool
}

// DelegationConfig tunes the synthesized delegate tool.
type DelegationConfig struct {
	// Enabled defaults to true.
	Enabled *bool
	// MaxConcurrent caps simultaneously running sub-agents. Default 4.
	MaxConcurrent int
	// MaxTurnsPerAgent caps each sub-agent's turn loop. Default 20.
	MaxTurnsPerAgent int
	// AllowedModels, when set, restricts which models sub-agents may use.
	AllowedModels []string
	// InheritTools gives sub-agents the workflow's shared tools. Default true.
	InheritTools *bool
	// SubAgentTools are added to every sub-agent regardless of inheritance.
	SubAgentTools []Tool
}

// WorkflowSchema declares a composition: one main agent, named providers,
// shared tools, and the delegation and sandbox policies.
type WorkflowSchema struct {
	Name        string
	Description string
	Agent       AgentSpec
	Providers   map[string]Provider
	// DefaultProvider names the entry in Providers used when no override is
	// given. An unknown name fails the run before the main agent starts.
	DefaultProvider string
	Tools           []Tool
	Sandbox         *SandboxConfig
	// Delegation nil means enabled with defaults.
	Delegation *DelegationConfig
	Hooks      Hooks
}

// delegationEnabled reports whether the delegate tool should be synthesized.
func (s WorkflowSchema) delegationEnabled() bool {
	if s.Delegation == nil || s.Delegation.Enabled == nil {
		return true
	}
	return *s.Delegation.Enabled
}

// delegationPrompt is appended to the main agent's system prompt when the
// delegate tool is available.
const delegationPrompt = "\n\nYou can delegate self-contained tasks to " +
	"sub-agents with the delegate tool. Give each sub-agent a short name and " +
	"a complete task description; it works in isolation and returns its " +
	"final answer. Prefer delegating independent subtasks."

// --- Workflow ---

// Workflow composes a main agent with the delegation tool, a run-scoped event
// bus, and an optional sandbox, per its schema. A Workflow is reusable; each
// Run gets fresh run-scoped state.
type Workflow struct {
	schema WorkflowSchema
	logger *slog.Logger
	clock  *FileClock
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithWorkflowLogger sets the workflow's logger.
func WithWorkflowLogger(l *slog.Logger) WorkflowOption {
	return func(w *Workflow) { w.logger = l }
}

// WithWorkflowFileClock attaches a stale-write clock shared by all agents of
// a run.
func WithWorkflowFileClock(c *FileClock) WorkflowOption {
	return func(w *Workflow) { w.clock = c }
}

// NewWorkflow creates a Workflow from its schema.
func NewWorkflow(schema WorkflowSchema, opts ...WorkflowOption) *Workflow {
	w := &Workflow{schema: schema, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Schema returns the workflow's schema.
func (w *Workflow) Schema() WorkflowSchema { return w.schema }

type workflowRunOptions struct {
	session Session
}

// WorkflowRunOption configures a single workflow run.
type WorkflowRunOption func(*workflowRunOptions)

// WithWorkflowSession runs against an existing session.
func WithWorkflowSession(s Session) WorkflowRunOption {
	return func(o *workflowRunOptions) { o.session = s }
}

// Run starts a workflow run and returns its event stream. The stream is
// terminated by exactly one event carrying a WorkflowResult. Sub-agent events
// buffered on the run bus are drained before each main-agent event so they
// appear at approximately their firing order.
func (w *Workflow) Run(ctx context.Context, prompt string, opts ...WorkflowRunOption) <-chan WorkflowEvent {
	var ro workflowRunOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.session == nil {
		ro.session = NewMemorySession()
	}
	ch := make(chan WorkflowEvent, eventBuffer)
	go func() {
		defer close(ch)
		w.run(ctx, prompt, ro.session, ch)
	}()
	return ch
}

func (w *Workflow) run(ctx context.Context, prompt string, sess Session, ch chan<- WorkflowEvent) {
	runID := NewRunID()
	startedAt := time.Now()

	yield := func(ev WorkflowEvent) {
		if ev.RunID == "" {
			ev.RunID = runID
		}
		ev.Timestamp = time.Now()
		select {
		case ch <- ev:
		case <-ctx.Done():
			select {
			case ch <- ev:
			default:
			}
		}
	}

	failRun := func(err error) {
		result := &WorkflowResult{
			RunID:      runID,
			Status:     RunError,
			Err:        err.Error(),
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
		}
		w.logger.Error("workflow run failed", "workflow", w.schema.Name, "run", runID, "error", err)
		yield(WorkflowEvent{Type: WorkflowError, Name: w.schema.Name, Result: result})
	}

	bus := NewBus()
	bus.SetLogger(w.logger)

	var sandbox *Sandbox
	if w.schema.Sandbox != nil {
		var err error
		sandbox, err = NewSandbox(*w.schema.Sandbox)
		if err != nil {
			failRun(err)
			return
		}
	}

	yield(WorkflowEvent{
		Type:    WorkflowStarted,
		Name:    w.schema.Name,
		Payload: map[string]any{"prompt": prompt},
	})

	wc := &WorkflowContext{RunID: runID, Prompt: prompt, Session: sess, Bus: bus, Sandbox: sandbox}
	if w.schema.Hooks.BeforeRun != nil {
		if err := w.schema.Hooks.BeforeRun(ctx, wc); err != nil {
			failRun(fmt.Errorf("beforeRun hook: %w", err))
			return
		}
	}

	provider, ok := w.schema.Providers[w.schema.DefaultProvider]
	if !ok {
		failRun(fmt.Errorf("default provider %q not found", w.schema.DefaultProvider))
		return
	}

	tools := NewToolset(w.schema.Tools...)
	systemPrompt := w.schema.Agent.SystemPrompt
	if w.schema.delegationEnabled() {
		tools.Add(newDelegateTool(w.schema, bus, NewToolset(w.schema.Tools...), w.logger, w.clock))
		systemPrompt += delegationPrompt
	}
	if sandbox != nil {
		systemPrompt += "\n\nYou work inside a sandbox rooted at " + sandbox.Config().RootDir + "."
	}

	agentOpts := []AgentOption{
		WithModel(w.schema.Agent.Model),
		WithSystemPrompt(systemPrompt),
		WithToolset(tools),
		WithLogger(w.logger),
	}
	if w.schema.Agent.MaxTurns > 0 {
		agentOpts = append(agentOpts, WithMaxTurns(w.schema.Agent.MaxTurns))
	}
	if w.schema.Agent.MaxTokens > 0 {
		agentOpts = append(agentOpts, WithMaxTokens(w.schema.Agent.MaxTokens))
	}
	if w.schema.Agent.Temperature != nil {
		agentOpts = append(agentOpts, WithTemperature(*w.schema.Agent.Temperature))
	}
	if w.clock != nil {
		agentOpts = append(agentOpts, WithFileClock(w.clock))
	}
	mainName := w.schema.Name + ":main"
	main := NewAgent(mainName, provider, agentOpts...)

	// Buffer sub-agent events from the run bus; they are drained ahead of
	// each main-agent event so ordering roughly follows firing order.
	var bufMu sync.Mutex
	var buffer []WorkflowEvent
	appendBuf := func(_ string, data any) {
		ev, ok := data.(WorkflowEvent)
		if !ok {
			return
		}
		bufMu.Lock()
		buffer = append(buffer, ev)
		bufMu.Unlock()
	}
	offs := []func(){
		bus.On(string(AgentSpawned), appendBuf),
		bus.On(string(AgentCompleted), appendBuf),
		bus.On(string(AgentStreamEvent), appendBuf),
	}

	var totalUsage Usage
	drain := func() {
		bufMu.Lock()
		pending := buffer
		buffer = nil
		bufMu.Unlock()
		for _, ev := range pending {
			if ev.Type == AgentStreamEvent && ev.Agent != nil && ev.Agent.Type == AgentDone && ev.Agent.Usage != nil {
				totalUsage = totalUsage.Add(*ev.Agent.Usage)
			}
			yield(ev)
		}
	}
	defer func() {
		for _, off := range offs {
			off()
		}
	}()

	var output string
	var doneReason FinishReason
	for ev := range main.Run(ctx, prompt, WithSession(sess)) {
		drain()
		if ev.Type == AgentMessage && ev.Message != nil && ev.Message.Content != "" {
			output = ev.Message.Content
		}
		if ev.Type == AgentDone {
			doneReason = ev.Reason
			if ev.Usage != nil {
				totalUsage = totalUsage.Add(*ev.Usage)
			}
		}
		evCopy := ev
		yield(WorkflowEvent{Type: AgentStreamEvent, Name: mainName, Agent: &evCopy})
	}
	drain()

	status := RunCompleted
	if doneReason == FinishCanceled {
		status = RunCanceled
	}
	result := WorkflowResult{
		RunID:      runID,
		Status:     status,
		Output:     output,
		Usage:      totalUsage,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	if w.schema.Hooks.AfterRun != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					w.logger.Error("afterRun hook panic", "workflow", w.schema.Name, "panic", p)
				}
			}()
			w.schema.Hooks.AfterRun(ctx, wc, result)
		}()
	}
	yield(WorkflowEvent{Type: WorkflowCompleted, Name: w.schema.Name, Result: &result})
}
