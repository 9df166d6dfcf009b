package openaicompat

import (
	"encoding/json"
	"fmt"

	"github.com/avratys/loom"
)

// buildBody converts a conversation and stream options into a chat completions
// request. The system prompt leads the messages array as role "system";
// system-role history entries follow it. Tool messages expand to one message
// per outcome, each bearing the tool_call_id it answers.
func buildBody(messages []loom.Message, opts loom.StreamOptions, model string) chatRequest {
	var msgs []chatMessage

	if opts.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: opts.SystemPrompt})
	}

	for _, m := range messages {
		switch {
		case m.Role == loom.RoleSystem:
			msgs = append(msgs, chatMessage{Role: "system", Content: m.Content})

		case m.Role == loom.RoleTool:
			for _, o := range m.ToolOutcomes {
				msgs = append(msgs, chatMessage{
					Role:       "tool",
					Content:    o.Content,
					ToolCallID: o.ToolCallID,
				})
			}

		case m.Role == loom.RoleAssistant && len(m.ToolCalls) > 0:
			var tcs []toolCallReq
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, toolCallReq{
					ID:   tc.ID,
					Type: "function",
					Function: functionCall{
						Name:      tc.Name,
						Arguments: tc.Input,
					},
				})
			}
			msg := chatMessage{Role: "assistant", ToolCalls: tcs}
			if m.Content != "" {
				msg.Content = m.Content
			}
			msgs = append(msgs, msg)

		case m.Role == loom.RoleUser && len(m.Images) > 0:
			var parts []contentPart
			if m.Content != "" {
				parts = append(parts, contentPart{Type: "text", Text: m.Content})
			}
			for _, img := range m.Images {
				url := img.URL
				if url == "" {
					url = fmt.Sprintf("data:%s;base64,%s", img.MimeType, img.Base64)
				}
				parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: url}})
			}
			msgs = append(msgs, chatMessage{Role: "user", Content: parts})

		default:
			msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
		}
	}

	req := chatRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if len(opts.Tools) > 0 {
		req.Tools = buildToolDefs(opts.Tools)
	}
	return req
}

// buildToolDefs converts tool definitions to the OpenAI function format.
func buildToolDefs(tools []loom.ToolDefinition) []toolDef {
	out := make([]toolDef, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, toolDef{
			Type: "function",
			Function: functionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// mapFinishReason translates a chat completions finish_reason. Both the
// OpenAI and Anthropic-style spellings are accepted since compatible
// backends vary; anything unrecognized maps to end_turn.
func mapFinishReason(reason string) loom.FinishReason {
	switch reason {
	case "stop", "end_turn":
		return loom.FinishEndTurn
	case "tool_calls", "tool_use":
		return loom.FinishToolUse
	case "length", "max_tokens":
		return loom.FinishMaxTokens
	default:
		return loom.FinishEndTurn
	}
}
