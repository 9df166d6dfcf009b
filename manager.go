package loom

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// AgentStatus is a registered agent's scheduling state.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
)

// AgentInfo is the registry snapshot of one registered agent.
type AgentInfo struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Model        string      `json:"model,omitempty"`
	Status       AgentStatus `json:"status"`
	CurrentRunID string      `json:"current_run_id,omitempty"`
	TotalUsage   Usage       `json:"total_usage"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastActiveAt time.Time   `json:"last_active_at"`
}

// RunInfo is the registry snapshot of one agent run, including the captured
// event sequence.
type RunInfo struct {
	ID         string       `json:"id"`
	AgentID    string       `json:"agent_id"`
	Status     RunStatus    `json:"status"`
	Prompt     string       `json:"prompt"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
	Events     []AgentEvent `json:"events"`
	Usage      Usage        `json:"usage"`
}

// RunEvent is the payload emitted on the manager bus under "run:event".
type RunEvent struct {
	RunID   string     `json:"run_id"`
	AgentID string     `json:"agent_id"`
	Event   AgentEvent `json:"event"`
}

// AgentStatusChange is the payload emitted under "agent:status".
type AgentStatusChange struct {
	AgentID string      `json:"agent_id"`
	Status  AgentStatus `json:"status"`
}

// managedAgent couples a registered agent with its session and sandbox.
type managedAgent struct {
	info    AgentInfo
	agent   *Agent
	session Session
	sandbox *Sandbox
}

// AgentManager is a registry of agents and their background runs. It observes
// each run's event stream, maintains RunInfo snapshots, aggregates token
// usage per agent, and forwards events on its bus.
//
// StartRun rejects a second concurrent run on the same agent with
// ErrRunActive; callers serialize runs per agent.
type AgentManager struct {
	mu     sync.RWMutex
	agents map[string]*managedAgent
	runs   map[string]*RunInfo
	bus    *Bus
	logger *slog.Logger
}

// ManagerOption configures an AgentManager.
type ManagerOption func(*AgentManager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *AgentManager) { m.logger = l }
}

// NewAgentManager creates an empty registry.
func NewAgentManager(opts ...ManagerOption) *AgentManager {
	m := &AgentManager{
		agents: make(map[string]*managedAgent),
		runs:   make(map[string]*RunInfo),
		bus:    NewBus(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.bus.SetLogger(m.logger)
	return m
}

// Bus returns the manager's event bus. External surfaces subscribe here for
// agent:registered, agent:removed, agent:status, run:event, run:completed.
func (m *AgentManager) Bus() *Bus { return m.bus }

// RegisterOption configures a registration.
type RegisterOption func(*managedAgent)

// WithAgentSandbox attaches a sandbox to the registered agent.
func WithAgentSandbox(s *Sandbox) RegisterOption {
	return func(ma *managedAgent) { ma.sandbox = s }
}

// WithAgentSession supplies the session all runs of this agent share.
func WithAgentSession(s Session) RegisterOption {
	return func(ma *managedAgent) { ma.session = s }
}

// Register adds an agent to the registry and returns its ID.
func (m *AgentManager) Register(agent *Agent, opts ...RegisterOption) string {
	ma := &managedAgent{agent: agent}
	for _, opt := range opts {
		opt(ma)
	}
	if ma.session == nil {
		ma.session = NewMemorySession()
	}
	now := time.Now()
	ma.info = AgentInfo{
		ID:           NewRunID(),
		Name:         agent.Name(),
		Model:        agent.Model(),
		Status:       AgentIdle,
		RegisteredAt: now,
		LastActiveAt: now,
	}
	m.mu.Lock()
	m.agents[ma.info.ID] = ma
	info := ma.info
	m.mu.Unlock()
	m.bus.Emit("agent:registered", info)
	return info.ID
}

// Remove deletes an agent from the registry. Completed run records survive.
func (m *AgentManager) Remove(agentID string) error {
	m.mu.Lock()
	_, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownAgent
	}
	m.bus.Emit("agent:removed", agentID)
	return nil
}

// StartRun launches a background run for the agent and returns the run ID.
// Returns ErrRunActive while the agent's current run slot is occupied.
func (m *AgentManager) StartRun(ctx context.Context, agentID, prompt string, opts ...RunOption) (string, error) {
	m.mu.Lock()
	ma, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return "", ErrUnknownAgent
	}
	if ma.info.CurrentRunID != "" {
		m.mu.Unlock()
		return "", ErrRunActive
	}
	now := time.Now()
	run := &RunInfo{
		ID:        NewRunID(),
		AgentID:   agentID,
		Status:    RunRunning,
		Prompt:    prompt,
		StartedAt: now,
	}
	m.runs[run.ID] = run
	ma.info.Status = AgentRunning
	ma.info.CurrentRunID = run.ID
	ma.info.LastActiveAt = now
	m.mu.Unlock()

	m.bus.Emit("agent:status", AgentStatusChange{AgentID: agentID, Status: AgentRunning})
	go m.superviseRun(ctx, ma, run, prompt, opts)
	return run.ID, nil
}

// superviseRun drains one run's stream into the registry. It always resets
// the agent to idle and emits run:completed, even on panic.
func (m *AgentManager) superviseRun(ctx context.Context, ma *managedAgent, run *RunInfo, prompt string, opts []RunOption) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("run panic", "run", run.ID, "agent", run.AgentID, "panic", p)
			m.mu.Lock()
			run.Status = RunError
			run.FinishedAt = time.Now()
			run.Events = append(run.Events, AgentEvent{Type: AgentError, Err: fmt.Sprintf("run panic: %v", p)})
			m.mu.Unlock()
		}

		m.mu.Lock()
		if run.Status == RunRunning {
			// Stream ended without a done event; treat as an error.
			run.Status = RunError
			run.FinishedAt = time.Now()
			run.Events = append(run.Events, AgentEvent{Type: AgentError, Err: "run ended without done event"})
		}
		ma.info.Status = AgentIdle
		ma.info.CurrentRunID = ""
		ma.info.LastActiveAt = time.Now()
		snapshot := m.snapshotRunLocked(run)
		m.mu.Unlock()

		m.bus.Emit("run:completed", snapshot)
		m.bus.Emit("agent:status", AgentStatusChange{AgentID: run.AgentID, Status: AgentIdle})
	}()

	runOpts := append([]RunOption{WithSession(ma.session)}, opts...)
	for ev := range ma.agent.Run(ctx, prompt, runOpts...) {
		m.mu.Lock()
		run.Events = append(run.Events, ev)
		if ev.Type == AgentDone {
			switch ev.Reason {
			case FinishCanceled:
				run.Status = RunCanceled
			case FinishError:
				run.Status = RunError
			default:
				run.Status = RunCompleted
			}
			run.FinishedAt = time.Now()
			if ev.Usage != nil {
				run.Usage = *ev.Usage
				ma.info.TotalUsage = ma.info.TotalUsage.Add(*ev.Usage)
			}
		}
		m.mu.Unlock()
		m.bus.Emit("run:event", RunEvent{RunID: run.ID, AgentID: run.AgentID, Event: ev})
	}
}

// CancelRun signals cancellation of the agent's current run.
func (m *AgentManager) CancelRun(agentID string) error {
	m.mu.RLock()
	ma, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownAgent
	}
	ma.agent.Cancel(ma.session.ID())
	return nil
}

// --- Read-only queries ---

// GetAgent returns a snapshot of one registered agent.
func (m *AgentManager) GetAgent(agentID string) (AgentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ma, ok := m.agents[agentID]
	if !ok {
		return AgentInfo{}, ErrUnknownAgent
	}
	return ma.info, nil
}

// ListAgents returns snapshots of all registered agents, ordered by ID.
func (m *AgentManager) ListAgents() []AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentInfo, 0, len(m.agents))
	for _, ma := range m.agents {
		out = append(out, ma.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetRun returns a snapshot of one run, including captured events.
func (m *AgentManager) GetRun(runID string) (RunInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return RunInfo{}, ErrUnknownRun
	}
	return m.snapshotRunLocked(run), nil
}

// ListRuns returns run snapshots, optionally filtered by agent ID, newest
// first.
func (m *AgentManager) ListRuns(agentID string) []RunInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RunInfo, 0, len(m.runs))
	for _, run := range m.runs {
		if agentID != "" && run.AgentID != agentID {
			continue
		}
		out = append(out, m.snapshotRunLocked(run))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// GetSession returns the agent's session.
func (m *AgentManager) GetSession(agentID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ma, ok := m.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	return ma.session, nil
}

// GetSandbox returns the agent's sandbox, nil when none was attached.
func (m *AgentManager) GetSandbox(agentID string) (*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ma, ok := m.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	return ma.sandbox, nil
}

func (m *AgentManager) snapshotRunLocked(run *RunInfo) RunInfo {
	out := *run
	out.Events = append([]AgentEvent(nil), run.Events...)
	return out
}
