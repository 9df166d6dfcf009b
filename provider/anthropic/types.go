// Package anthropic implements the loom Provider contract over the Anthropic
// Messages API with SSE streaming.
package anthropic

import "encoding/json"

// --- Request types ---

// messagesRequest is the Messages API request body.
type messagesRequest struct {
	Model       string     `json:"model"`
	MaxTokens   int        `json:"max_tokens"`
	System      string     `json:"system,omitempty"`
	Messages    []message  `json:"messages"`
	Tools       []toolDef  `json:"tools,omitempty"`
	Temperature *float64   `json:"temperature,omitempty"`
	Stream      bool       `json:"stream,omitempty"`
}

// message is one conversation turn. Content is always a block list; the API
// accepts plain strings too but blocks cover every case uniformly.
type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// contentBlock is a tagged union over the Messages API block types.
type contentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *imageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// imageSource carries image bytes or a URL.
type imageSource struct {
	Type      string `json:"type"` // "base64" or "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// toolDef is the Messages API tool declaration.
type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// --- SSE event types ---

// sseEvent is the union of Messages API stream event payloads; Type
// discriminates which fields are set.
type sseEvent struct {
	Type string `json:"type"`

	// message_start
	Message *sseMessage `json:"message,omitempty"`

	// content_block_start
	Index        int              `json:"index,omitempty"`
	ContentBlock *sseContentBlock `json:"content_block,omitempty"`

	// content_block_delta
	Delta *sseDelta `json:"delta,omitempty"`

	// message_delta
	Usage *sseUsage `json:"usage,omitempty"`

	// error
	Error *sseError `json:"error,omitempty"`
}

type sseMessage struct {
	ID    string    `json:"id"`
	Usage *sseUsage `json:"usage,omitempty"`
}

type sseContentBlock struct {
	Type string `json:"type"` // "text", "thinking", "tool_use"
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// sseDelta covers content_block_delta and message_delta payloads.
type sseDelta struct {
	Type string `json:"type"` // "text_delta", "thinking_delta", "input_json_delta"

	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`

	// message_delta
	StopReason string `json:"stop_reason,omitempty"`
}

type sseUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type sseError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
