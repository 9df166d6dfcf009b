package loom

import "time"

// --- Conversation types ---

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation. Messages are immutable once
// appended to a Session; the turn loop builds them, callers only read them.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Images carries optional attached images on user messages.
	Images []ImageData `json:"images,omitempty"`
	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolOutcomes is set on tool messages; each outcome answers a prior
	// ToolCall by ID.
	ToolOutcomes []ToolOutcome `json:"tool_outcomes,omitempty"`
	// Model records which model produced an assistant message.
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// Usage records token accounting for the provider call that produced
	// this message, when known.
	Usage *Usage `json:"usage,omitempty"`
}

// ImageData is an attached image, either inline base64 with a mime type or a URL.
type ImageData struct {
	MimeType string `json:"mime_type,omitempty"`
	Base64   string `json:"base64,omitempty"`
	URL      string `json:"url,omitempty"`
}

// ToolCall is a single tool invocation requested by the model. Input is the
// full JSON serialization of the arguments, accumulated from stream deltas.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"`
}

// ToolOutcome is the result of executing one ToolCall. Every call in an
// assistant message produces exactly one outcome, including the synthetic
// "Unknown tool" and "Canceled" ones.
type ToolOutcome struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    string         `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Usage tracks token consumption for one or more provider calls.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
}

// Add returns the componentwise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:         u.InputTokens + o.InputTokens,
		OutputTokens:        u.OutputTokens + o.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens + o.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens + o.CacheCreationTokens,
	}
}

// IsZero reports whether no tokens have been recorded.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// FinishReason explains why a provider stream or agent run ended.
type FinishReason string

const (
	FinishEndTurn   FinishReason = "end_turn"
	FinishToolUse   FinishReason = "tool_use"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishStop      FinishReason = "stop"
	FinishCanceled  FinishReason = "canceled"
	FinishError     FinishReason = "error"
)

// RunStatus is the lifecycle state of an agent or workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunCanceled  RunStatus = "canceled"
)

// --- Message constructors ---

// UserMessage builds a user message with a fresh ID and timestamp.
func UserMessage(text string, images ...ImageData) Message {
	return Message{ID: NewID(), Role: RoleUser, Content: text, Images: images, Timestamp: time.Now()}
}

// SystemMessage builds a system message. System messages are injected by the
// runtime; the system prompt itself is agent configuration, not a message.
func SystemMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleSystem, Content: text, Timestamp: time.Now()}
}

// AssistantMessage builds an assistant message.
func AssistantMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleAssistant, Content: text, Timestamp: time.Now()}
}

// ToolMessage builds a tool message carrying the given outcomes. Content is
// the outcomes joined by blank lines.
func ToolMessage(outcomes []ToolOutcome) Message {
	var content string
	for i, o := range outcomes {
		if i > 0 {
			content += "\n\n"
		}
		content += o.Content
	}
	return Message{ID: NewID(), Role: RoleTool, Content: content, ToolOutcomes: outcomes, Timestamp: time.Now()}
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
