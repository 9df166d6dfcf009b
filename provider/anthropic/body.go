package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/avratys/loom"
)

const defaultMaxTokens = 4096

// buildBody converts loom messages and stream options into a Messages API
// request. System-role history messages fold into the top-level system field;
// tool outcomes become user-role tool_result block lists; assistant messages
// with invocations become mixed text + tool_use block lists.
func buildBody(messages []loom.Message, opts loom.StreamOptions, model string) messagesRequest {
	req := messagesRequest{
		Model:       model,
		MaxTokens:   opts.MaxTokens,
		System:      opts.SystemPrompt,
		Temperature: opts.Temperature,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	var system []string
	if req.System != "" {
		system = append(system, req.System)
	}

	for _, m := range messages {
		switch m.Role {
		case loom.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}

		case loom.RoleTool:
			var blocks []contentBlock
			for _, out := range m.ToolOutcomes {
				blocks = append(blocks, contentBlock{
					Type:      "tool_result",
					ToolUseID: out.ToolCallID,
					Content:   out.Content,
					IsError:   out.IsError,
				})
			}
			if len(blocks) > 0 {
				req.Messages = append(req.Messages, message{Role: "user", Content: blocks})
			}

		case loom.RoleAssistant:
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Input)
				if !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) > 0 {
				req.Messages = append(req.Messages, message{Role: "assistant", Content: blocks})
			}

		default: // user
			var blocks []contentBlock
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				blocks = append(blocks, imageBlock(img))
			}
			if len(blocks) > 0 {
				req.Messages = append(req.Messages, message{Role: "user", Content: blocks})
			}
		}
	}

	req.System = strings.Join(system, "\n\n")

	for _, t := range opts.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		req.Tools = append(req.Tools, toolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	return req
}

// imageBlock maps an image to a base64 or URL source block.
func imageBlock(img loom.ImageData) contentBlock {
	if img.URL != "" {
		return contentBlock{Type: "image", Source: &imageSource{Type: "url", URL: img.URL}}
	}
	return contentBlock{Type: "image", Source: &imageSource{
		Type:      "base64",
		MediaType: img.MimeType,
		Data:      img.Base64,
	}}
}

// mapStopReason translates a Messages API stop reason to a finish reason.
func mapStopReason(reason string) loom.FinishReason {
	switch reason {
	case "tool_use":
		return loom.FinishToolUse
	case "max_tokens":
		return loom.FinishMaxTokens
	case "stop_sequence":
		return loom.FinishStop
	default:
		return loom.FinishEndTurn
	}
}
