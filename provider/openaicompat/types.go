// Package openaicompat implements loom.Provider for any OpenAI-compatible
// chat completions API (OpenAI, OpenRouter, Groq, Together, DeepSeek, Mistral,
// Ollama, vLLM, LM Studio, Azure OpenAI).
package openaicompat

import "encoding/json"

// --- Request types ---

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chatMessage  `json:"messages"`
	Tools       []toolDef      `json:"tools,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	// When streaming, request usage in the final chunk.
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

// streamOptions controls streaming behavior.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatMessage is a single message in the chat format. Content is a string for
// plain messages or a []contentPart for multimodal ones.
type chatMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content"`
	ToolCalls  []toolCallReq `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// contentPart is a typed content part for multimodal messages.
type contentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

// imageURL holds the URL (or data URI) for an image part.
type imageURL struct {
	URL string `json:"url"`
}

// toolDef wraps a function definition in the OpenAI tool format.
type toolDef struct {
	Type     string      `json:"type"` // always "function"
	Function functionDef `json:"function"`
}

// functionDef describes a callable function.
type functionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// toolCallReq is a tool call in a request or response. During streaming,
// Index says which call a fragment belongs to.
type toolCallReq struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"` // "function"
	Function functionCall `json:"function"`
}

// functionCall holds the function name and arguments (a JSON string,
// streamed as fragments).
type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// --- Response types ---

// chatChunk is one streamed chunk of a chat completions response.
type chatChunk struct {
	ID      string     `json:"id"`
	Choices []choice   `json:"choices"`
	Usage   *chatUsage `json:"usage,omitempty"`
	Error   *chatError `json:"error,omitempty"`
}

// choice is a single completion choice.
type choice struct {
	Index        int          `json:"index"`
	Delta        *choiceDelta `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

// choiceDelta is the incremental message content within a streamed choice.
type choiceDelta struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"content,omitempty"`
	ToolCalls []toolCallReq `json:"tool_calls,omitempty"`
}

// chatUsage contains token usage statistics.
type chatUsage struct {
	PromptTokens        int                 `json:"prompt_tokens"`
	CompletionTokens    int                 `json:"completion_tokens"`
	TotalTokens         int                 `json:"total_tokens"`
	PromptTokensDetails *promptTokenDetails `json:"prompt_tokens_details,omitempty"`
}

// promptTokenDetails breaks down prompt tokens (cached reads).
type promptTokenDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// chatError is an in-band error frame some providers send mid-stream.
type chatError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
