package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/avratys/loom"
)

// streamSSE reads the chat completions SSE stream from body and translates it
// to provider events on ch. It closes ch on return.
//
// Tool calls stream as indexed fragments: the first fragment for an index
// carries the id and function name, later ones append argument text. Each
// index becomes a tool_use_start / tool_use_delta* / tool_use_stop sequence;
// the stop for an open call is emitted when a new index starts or the stream
// ends.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}
//	data: [DONE]
func streamSSE(ctx context.Context, body io.Reader, ch chan<- loom.ProviderEvent, providerName string) {
	defer close(ch)

	send := func(ev loom.ProviderEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	var calls []*partialCall
	openIndex := -1

	var usage loom.Usage
	var finishReason string
	ended := false

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		if data == "[DONE]" {
			ended = true
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Error != nil {
			send(loom.ProviderEvent{
				Type: loom.EventStreamError,
				Err:  &loom.ProviderError{Provider: providerName, Message: chunk.Error.Message},
			})
			return
		}

		// Usage may arrive on a trailing choiceless chunk.
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
			if chunk.Usage.PromptTokensDetails != nil {
				usage.CacheReadTokens = chunk.Usage.PromptTokensDetails.CachedTokens
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		c := chunk.Choices[0]
		if c.FinishReason != "" {
			finishReason = c.FinishReason
			ended = true
		}
		if c.Delta == nil {
			continue
		}

		if c.Delta.Content != "" {
			if !send(loom.ProviderEvent{Type: loom.EventContentDelta, Text: c.Delta.Content}) {
				return
			}
		}

		for _, tc := range c.Delta.ToolCalls {
			idx := tc.Index
			for len(calls) <= idx {
				calls = append(calls, &partialCall{})
			}
			slot := calls[idx]
			if tc.ID != "" {
				slot.id = tc.ID
			}
			if tc.Function.Name != "" {
				slot.name = tc.Function.Name
			}

			if idx != openIndex {
				if openIndex >= 0 {
					if !send(loom.ProviderEvent{Type: loom.EventToolUseStop, ToolID: calls[openIndex].id}) {
						return
					}
				}
				openIndex = idx
				if !send(loom.ProviderEvent{
					Type:     loom.EventToolUseStart,
					ToolID:   slot.id,
					ToolName: slot.name,
				}) {
					return
				}
			}

			if tc.Function.Arguments != "" {
				slot.args.WriteString(tc.Function.Arguments)
				if !send(loom.ProviderEvent{Type: loom.EventToolUseDelta, Text: tc.Function.Arguments}) {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(loom.ProviderEvent{
			Type: loom.EventStreamError,
			Err:  &loom.ProviderError{Provider: providerName, Message: "read stream: " + err.Error()},
		})
		return
	}

	if openIndex >= 0 {
		if !send(loom.ProviderEvent{Type: loom.EventToolUseStop, ToolID: calls[openIndex].id}) {
			return
		}
	}

	// EOF without [DONE] or a finish_reason means the stream was cut off;
	// close with no terminal event and let the turn loop report the
	// truncation.
	if !ended {
		return
	}

	finalCalls := make([]loom.ToolCall, 0, len(calls))
	for _, pc := range calls {
		input := pc.args.String()
		if !json.Valid([]byte(input)) {
			input = "{}"
		}
		finalCalls = append(finalCalls, loom.ToolCall{ID: pc.id, Name: pc.name, Input: input})
	}
	if len(finalCalls) == 0 {
		finalCalls = nil
	}

	send(loom.ProviderEvent{
		Type:         loom.EventComplete,
		FinishReason: mapFinishReason(finishReason),
		ToolCalls:    finalCalls,
		Usage:        usage,
	})
}
