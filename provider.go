package loom

import "context"

// --- Provider contract ---

// ProviderEventType identifies a kind of partial model output.
type ProviderEventType string

const (
	// EventThinkingDelta carries partial internal reasoning text.
	EventThinkingDelta ProviderEventType = "thinking_delta"
	// EventContentDelta carries partial user-visible text.
	EventContentDelta ProviderEventType = "content_delta"
	// EventToolUseStart opens a new tool invocation with its ID and name.
	EventToolUseStart ProviderEventType = "tool_use_start"
	// EventToolUseDelta appends an input-JSON fragment to the open invocation.
	EventToolUseDelta ProviderEventType = "tool_use_delta"
	// EventToolUseStop closes the currently open invocation.
	EventToolUseStop ProviderEventType = "tool_use_stop"
	// EventStreamError reports a terminal failure prior to complete.
	EventStreamError ProviderEventType = "error"
	// EventComplete is the final event, carrying the finish reason, the full
	// invocation list, and usage.
	EventComplete ProviderEventType = "complete"
)

// ProviderEvent is one element of a provider's output stream.
//
// Ordering invariant: each tool_use_start is matched by exactly one
// tool_use_stop, with only tool_use_delta events for that invocation between
// them; invocations are never interleaved. The stream is terminated by
// exactly one of complete or error.
type ProviderEvent struct {
	Type ProviderEventType

	// Text is the delta payload for thinking_delta, content_delta, and
	// tool_use_delta events.
	Text string

	// ToolID and ToolName identify the invocation for tool_use_start;
	// ToolID alone accompanies tool_use_stop.
	ToolID   string
	ToolName string

	// FinishReason, ToolCalls, and Usage are set on complete events.
	// ToolCalls repeats the finalized invocations so adapters that only
	// learn them at completion can still surface every call.
	FinishReason FinishReason
	ToolCalls    []ToolCall
	Usage        Usage

	// Err is set on error events.
	Err error
}

// StreamOptions configures a single provider stream call.
type StreamOptions struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
	// Tools is the schema snapshot for this turn.
	Tools []ToolDefinition
}

// Provider is a streaming adapter to a language-model backend.
//
// Stream returns a channel of events for the given conversation. The channel
// is closed after the terminal complete or error event. Implementations must
// honor ctx: when it is cancelled they stop producing, closing the channel
// promptly (an error or complete(canceled) event beforehand is optional).
type Provider interface {
	// Name returns the adapter name (e.g. "anthropic", "openai").
	Name() string
	Stream(ctx context.Context, messages []Message, opts StreamOptions) (<-chan ProviderEvent, error)
}
