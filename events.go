package loom

import "time"

// --- Agent events ---

// AgentEventType identifies the kind of event emitted by a run.
type AgentEventType string

const (
	// AgentThinking carries a partial internal-reasoning text chunk.
	AgentThinking AgentEventType = "thinking"
	// AgentContent carries a partial assistant text chunk.
	AgentContent AgentEventType = "content"
	// AgentToolCall signals a finalized tool invocation.
	AgentToolCall AgentEventType = "toolCall"
	// AgentToolResult carries the outcome of one tool invocation.
	AgentToolResult AgentEventType = "toolResult"
	// AgentMessage signals an assistant message appended to the session.
	AgentMessage AgentEventType = "message"
	// AgentError reports a provider failure. Non-terminal on its own; a done
	// event always follows.
	AgentError AgentEventType = "error"
	// AgentDone is the single terminal event of every run.
	AgentDone AgentEventType = "done"
)

// AgentEvent is one element of a run's event stream. Exactly one AgentDone
// terminates every stream, including error and cancellation paths.
type AgentEvent struct {
	Type AgentEventType `json:"type"`

	// Content is the text chunk for thinking and content events.
	Content string `json:"content,omitempty"`

	// ToolCall is set on toolCall events.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	// Outcome is set on toolResult events.
	Outcome *ToolOutcome `json:"outcome,omitempty"`
	// Message is set on message events.
	Message *Message `json:"message,omitempty"`

	// Reason and Usage are set on done events. Usage is the run total.
	Reason FinishReason `json:"reason,omitempty"`
	Usage  *Usage       `json:"usage,omitempty"`

	// Err is set on error events.
	Err string `json:"error,omitempty"`
}

// ObserverFunc receives every event of a run, synchronously on the loop's
// goroutine. Panics are swallowed; observers must not block.
type ObserverFunc func(ev AgentEvent)

// --- Workflow events ---

// WorkflowEventType identifies the kind of event emitted by a workflow run.
type WorkflowEventType string

const (
	// WorkflowStarted opens a workflow run; carries the run ID and prompt.
	WorkflowStarted WorkflowEventType = "workflow:started"
	// WorkflowCompleted is terminal and carries the WorkflowResult.
	WorkflowCompleted WorkflowEventType = "workflow:completed"
	// WorkflowError is terminal and carries an error WorkflowResult.
	WorkflowError WorkflowEventType = "workflow:error"
	// AgentSpawned signals a sub-agent admitted by the delegation tool.
	AgentSpawned WorkflowEventType = "agent:spawned"
	// AgentCompleted signals a sub-agent finishing, with truncated output.
	AgentCompleted WorkflowEventType = "agent:completed"
	// AgentStreamEvent forwards one AgentEvent from the main agent or a
	// sub-agent, tagged with the emitting agent's name.
	AgentStreamEvent WorkflowEventType = "agent:event"
)

// WorkflowEvent is one element of a workflow run's event stream.
type WorkflowEvent struct {
	Type  WorkflowEventType `json:"type"`
	RunID string            `json:"run_id,omitempty"`
	// Name is the workflow name for workflow:* events and the agent name for
	// agent:* events.
	Name string `json:"name,omitempty"`
	// Agent is the forwarded event for agent:event.
	Agent *AgentEvent `json:"agent,omitempty"`
	// Payload carries event-specific fields: {model, task} on agent:spawned,
	// {output} on agent:completed, {prompt} on workflow:started.
	Payload map[string]any `json:"payload,omitempty"`
	// Result is set on workflow:completed and workflow:error.
	Result    *WorkflowResult `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// WorkflowResult is the aggregate outcome of a workflow run.
type WorkflowResult struct {
	RunID      string    `json:"run_id"`
	Status     RunStatus `json:"status"`
	Output     string    `json:"output"`
	Usage      Usage     `json:"usage"`
	Err        string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
