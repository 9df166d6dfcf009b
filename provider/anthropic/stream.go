package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/avratys/loom"
)

// streamSSE reads the Messages API SSE stream from body and translates it to
// provider events on ch. It closes ch on return; the last event sent is
// always terminal (complete or error) unless ctx ended first.
//
// SSE format: "event: <type>" lines followed by "data: <json>" lines. The
// data payload repeats the type, so data lines alone drive the translation.
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

	var usage loom.Usage
	var stopReason string

	// Track open content blocks by index so stop events know their kind, and
	// accumulate tool calls for the complete payload.
	blockKinds := make(map[int]string)
	var calls []loom.ToolCall
	var pendingInput strings.Builder

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Skip malformed frames.
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				usage.InputTokens = ev.Message.Usage.InputTokens
				usage.CacheReadTokens = ev.Message.Usage.CacheReadInputTokens
				usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
			}

		case "content_block_start":
			if ev.ContentBlock == nil {
				continue
			}
			blockKinds[ev.Index] = ev.ContentBlock.Type
			if ev.ContentBlock.Type == "tool_use" {
				calls = append(calls, loom.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name})
				pendingInput.Reset()
				if !send(loom.ProviderEvent{
					Type:     loom.EventToolUseStart,
					ToolID:   ev.ContentBlock.ID,
					ToolName: ev.ContentBlock.Name,
				}) {
					return
				}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if !send(loom.ProviderEvent{Type: loom.EventContentDelta, Text: ev.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if !send(loom.ProviderEvent{Type: loom.EventThinkingDelta, Text: ev.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				pendingInput.WriteString(ev.Delta.PartialJSON)
				if !send(loom.ProviderEvent{Type: loom.EventToolUseDelta, Text: ev.Delta.PartialJSON}) {
					return
				}
			}

		case "content_block_stop":
			if blockKinds[ev.Index] == "tool_use" && len(calls) > 0 {
				input := pendingInput.String()
				if input == "" {
					input = "{}"
				}
				calls[len(calls)-1].Input = input
				if !send(loom.ProviderEvent{Type: loom.EventToolUseStop}) {
					return
				}
			}
			delete(blockKinds, ev.Index)

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				usage.OutputTokens = ev.Usage.OutputTokens
			}

		case "message_stop":
			send(loom.ProviderEvent{
				Type:         loom.EventComplete,
				FinishReason: mapStopReason(stopReason),
				ToolCalls:    calls,
				Usage:        usage,
			})
			return

		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			send(loom.ProviderEvent{
				Type: loom.EventStreamError,
				Err:  &loom.ProviderError{Provider: providerName, Message: msg},
			})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		send(loom.ProviderEvent{
			Type: loom.EventStreamError,
			Err:  &loom.ProviderError{Provider: providerName, Message: "read stream: " + err.Error()},
		})
	}
	// EOF without message_stop: the channel closes without a complete event
	// and the turn loop reports the truncation.
}
