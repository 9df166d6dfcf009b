package loom

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// runEventKeep is how many workflow events each run record retains. Older
// events are discarded oldest-first once the buffer is full.
const runEventKeep = 200

// SubAgentInfo tracks one sub-agent spawned during a workflow run, in spawn
// order. Events counts the agent:event forwards observed for the entry.
type SubAgentInfo struct {
	Name      string    `json:"name"`
	Task      string    `json:"task"`
	Model     string    `json:"model,omitempty"`
	Status    RunStatus `json:"status"`
	Output    string    `json:"output,omitempty"`
	Events    int       `json:"events"`
	SpawnedAt time.Time `json:"spawned_at"`
	DoneAt    time.Time `json:"done_at,omitzero"`
}

// WorkflowPolicy is the effective policy snapshot of a workflow, resolved
// from its schema with defaults applied.
type WorkflowPolicy struct {
	DelegationEnabled bool     `json:"delegation_enabled"`
	MaxConcurrent     int      `json:"max_concurrent"`
	MaxTurnsPerAgent  int      `json:"max_turns_per_agent"`
	AllowedModels     []string `json:"allowed_models,omitempty"`
	SandboxRoot       string   `json:"sandbox_root,omitempty"`
	AutoApprove       bool     `json:"auto_approve"`
}

// WorkflowRunInfo is the registry snapshot of one workflow run. Agent and
// Policy are frozen from the workflow schema at start time, so re-registering
// a workflow never rewrites what an old run ran under.
type WorkflowRunInfo struct {
	ID         string         `json:"id"`
	Workflow   string         `json:"workflow"`
	Status     RunStatus      `json:"status"`
	Prompt     string         `json:"prompt"`
	Output     string         `json:"output,omitempty"`
	Usage      Usage          `json:"usage"`
	Err        string         `json:"error,omitempty"`
	Agent      AgentSpec      `json:"agent"`
	Policy     WorkflowPolicy `json:"policy"`
	SubAgents  []SubAgentInfo `json:"sub_agents,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitzero"`
}

// workflowRun is the mutable record behind a WorkflowRunInfo, with a ring
// buffer of the run's most recent events.
type workflowRun struct {
	info   WorkflowRunInfo
	events []WorkflowEvent
	next   int
	total  int
	cancel context.CancelFunc
}

// record appends one event to the ring buffer.
func (r *workflowRun) record(ev WorkflowEvent) {
	if len(r.events) < runEventKeep {
		r.events = append(r.events, ev)
	} else {
		r.events[r.next] = ev
		r.next = (r.next + 1) % runEventKeep
	}
	r.total++
}

// ordered returns the retained events oldest-first.
func (r *workflowRun) ordered() []WorkflowEvent {
	out := make([]WorkflowEvent, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}

// WorkflowManager is a registry of workflows and their runs. Each run keeps a
// bounded event history, its sub-agent roster, and the final result; the
// manager bus re-publishes every run event for external surfaces.
type WorkflowManager struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	runs      map[string]*workflowRun
	bus       *Bus
	logger    *slog.Logger
}

// WorkflowManagerOption configures a WorkflowManager.
type WorkflowManagerOption func(*WorkflowManager)

// WithWorkflowManagerLogger sets the manager's logger.
func WithWorkflowManagerLogger(l *slog.Logger) WorkflowManagerOption {
	return func(m *WorkflowManager) { m.logger = l }
}

// NewWorkflowManager creates an empty registry.
func NewWorkflowManager(opts ...WorkflowManagerOption) *WorkflowManager {
	m := &WorkflowManager{
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*workflowRun),
		bus:       NewBus(),
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bus.SetLogger(m.logger)
	return m
}

// Bus returns the manager's event bus. Every run event is re-published here
// under "run:event"; completed runs additionally emit "run:completed".
func (m *WorkflowManager) Bus() *Bus { return m.bus }

// Register adds a workflow under its schema name. Registering the same name
// again replaces the previous workflow; running runs are unaffected.
func (m *WorkflowManager) Register(w *Workflow) {
	m.mu.Lock()
	m.workflows[w.Schema().Name] = w
	m.mu.Unlock()
}

// Remove deletes a workflow from the registry. Its run records survive.
func (m *WorkflowManager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[name]; !ok {
		return fmt.Errorf("workflow %q not registered", name)
	}
	delete(m.workflows, name)
	return nil
}

// StartRun launches a run of the named workflow and returns its run ID. The
// run proceeds in the background; progress is observable via GetRun,
// GetEvents, and the manager bus.
func (m *WorkflowManager) StartRun(ctx context.Context, name, prompt string, opts ...WorkflowRunOption) (string, error) {
	m.mu.RLock()
	wf, ok := m.workflows[name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("workflow %q not registered", name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	ch := wf.Run(runCtx, prompt, opts...)

	// The first event carries the run ID assigned by the workflow; read it
	// synchronously so callers get a resolvable ID back.
	first, ok := <-ch
	if !ok {
		cancel()
		return "", fmt.Errorf("workflow %q produced no events", name)
	}

	schema := wf.Schema()
	run := &workflowRun{
		info: WorkflowRunInfo{
			ID:        first.RunID,
			Workflow:  name,
			Status:    RunRunning,
			Prompt:    prompt,
			Agent:     schema.Agent,
			Policy:    policyFromSchema(schema),
			StartedAt: time.Now(),
		},
		cancel: cancel,
	}
	m.mu.Lock()
	m.runs[run.info.ID] = run
	m.mu.Unlock()

	m.consume(run, first)
	go func() {
		defer cancel()
		for ev := range ch {
			m.consume(run, ev)
		}
		m.mu.Lock()
		if run.info.Status == RunRunning {
			// Stream closed without a terminal event.
			run.info.Status = RunError
			run.info.Err = "run ended without result"
			run.info.FinishedAt = time.Now()
		}
		snapshot := run.info
		m.mu.Unlock()
		m.bus.Emit("run:completed", snapshot)
	}()
	return run.info.ID, nil
}

// consume folds one event into the run record and re-publishes it.
func (m *WorkflowManager) consume(run *workflowRun, ev WorkflowEvent) {
	m.mu.Lock()
	run.record(ev)
	switch ev.Type {
	case AgentSpawned:
		sub := SubAgentInfo{
			Name:      ev.Name,
			Status:    RunRunning,
			SpawnedAt: ev.Timestamp,
		}
		if ev.Payload != nil {
			sub.Task, _ = ev.Payload["task"].(string)
			sub.Model, _ = ev.Payload["model"].(string)
		}
		run.info.SubAgents = append(run.info.SubAgents, sub)
	case AgentStreamEvent:
		if ev.Agent != nil && ev.Agent.Usage != nil {
			run.info.Usage = run.info.Usage.Add(*ev.Agent.Usage)
		}
		// Attribute the forward to the oldest open entry with this name;
		// the main agent has no roster entry and falls through.
		for i := range run.info.SubAgents {
			sub := &run.info.SubAgents[i]
			if sub.Name == ev.Name && sub.DoneAt.IsZero() {
				sub.Events++
				if ev.Agent != nil && ev.Agent.Type == AgentDone && ev.Agent.Reason == FinishError {
					sub.Status = RunError
				}
				break
			}
		}
	case AgentCompleted:
		// Resolve the oldest open entry with this name; concurrent same-name
		// spawns complete in FIFO order from the record's view. An entry
		// already marked error by its done event keeps that status.
		for i := range run.info.SubAgents {
			sub := &run.info.SubAgents[i]
			if sub.Name == ev.Name && sub.DoneAt.IsZero() {
				if sub.Status == RunRunning {
					sub.Status = RunCompleted
				}
				sub.DoneAt = ev.Timestamp
				if ev.Payload != nil {
					sub.Output, _ = ev.Payload["output"].(string)
				}
				break
			}
		}
	case WorkflowCompleted, WorkflowError:
		if ev.Result != nil {
			run.info.Status = ev.Result.Status
			run.info.Output = ev.Result.Output
			run.info.Usage = ev.Result.Usage
			run.info.Err = ev.Result.Err
			run.info.FinishedAt = ev.Result.FinishedAt
		}
	}
	m.mu.Unlock()
	m.bus.Emit("run:event", ev)
}

// CancelRun signals cancellation of a running workflow run.
func (m *WorkflowManager) CancelRun(runID string) error {
	m.mu.RLock()
	run, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownRun
	}
	run.cancel()
	return nil
}

// --- Read-only queries ---

// ListWorkflows returns registered workflow names, sorted.
func (m *WorkflowManager) ListWorkflows() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.workflows))
	for name := range m.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GetRun returns a snapshot of one workflow run.
func (m *WorkflowManager) GetRun(runID string) (WorkflowRunInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return WorkflowRunInfo{}, ErrUnknownRun
	}
	return m.snapshotLocked(run), nil
}

// ListRuns returns snapshots of runs with the given status, newest first.
// An empty status matches every run.
func (m *WorkflowManager) ListRuns(status RunStatus) []WorkflowRunInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]WorkflowRunInfo, 0, len(m.runs))
	for _, run := range m.runs {
		if status != "" && run.info.Status != status {
			continue
		}
		out = append(out, m.snapshotLocked(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// GetAgents returns the sub-agent roster of one run, in spawn order.
func (m *WorkflowManager) GetAgents(runID string) ([]SubAgentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}
	return append([]SubAgentInfo(nil), run.info.SubAgents...), nil
}

// GetEvents returns the run's retained events oldest-first, plus the total
// number of events observed (which may exceed the retained count). A positive
// limit keeps only the newest limit events.
func (m *WorkflowManager) GetEvents(runID string, limit int) ([]WorkflowEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, 0, ErrUnknownRun
	}
	events := run.ordered()
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	return events, run.total, nil
}

// Policy returns the effective policy of a registered workflow.
func (m *WorkflowManager) Policy(name string) (WorkflowPolicy, error) {
	m.mu.RLock()
	wf, ok := m.workflows[name]
	m.mu.RUnlock()
	if !ok {
		return WorkflowPolicy{}, fmt.Errorf("workflow %q not registered", name)
	}
	return policyFromSchema(wf.Schema()), nil
}

// policyFromSchema resolves a schema into its effective policy with defaults
// applied.
func policyFromSchema(schema WorkflowSchema) WorkflowPolicy {
	p := WorkflowPolicy{
		DelegationEnabled: schema.delegationEnabled(),
		MaxConcurrent:     defaultMaxConcurrent,
		MaxTurnsPerAgent:  defaultSubAgentMaxTurns,
	}
	if d := schema.Delegation; d != nil {
		if d.MaxConcurrent > 0 {
			p.MaxConcurrent = d.MaxConcurrent
		}
		if d.MaxTurnsPerAgent > 0 {
			p.MaxTurnsPerAgent = d.MaxTurnsPerAgent
		}
		p.AllowedModels = append([]string(nil), d.AllowedModels...)
	}
	if schema.Sandbox != nil {
		p.SandboxRoot = schema.Sandbox.RootDir
		p.AutoApprove = schema.Sandbox.AutoApprove
	}
	return p
}

func (m *WorkflowManager) snapshotLocked(run *workflowRun) WorkflowRunInfo {
	out := run.info
	out.Policy.AllowedModels = append([]string(nil), run.info.Policy.AllowedModels...)
	out.SubAgents = append([]SubAgentInfo(nil), run.info.SubAgents...)
	return out
}
