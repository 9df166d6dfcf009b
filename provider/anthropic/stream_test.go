package anthropic

import (
	"context"
	"strings"
	"testing"

	"github.com/avratys/loom"
)

func runStream(t *testing.T, sse string) []loom.ProviderEvent {
	t.Helper()
	ch := make(chan loom.ProviderEvent)
	go streamSSE(context.Background(), strings.NewReader(sse), ch, "anthropic")
	var out []loom.ProviderEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStreamTextAndThinking(t *testing.T) {
	sse := `event: message_start
data: {"type":"message_start","message":{"id":"msg1","usage":{"input_tokens":25,"cache_read_input_tokens":3}}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":12}}

event: message_stop
data: {"type":"message_stop"}
`
	events := runStream(t, sse)
	if len(events) != 4 {
		t.Fatalf("got %d events: %+v", len(events), events)
	}
	if events[0].Type != loom.EventThinkingDelta || events[0].Text != "hmm" {
		t.Errorf("thinking = %+v", events[0])
	}
	if events[1].Text != "Hello" || events[2].Text != " world" {
		t.Errorf("text deltas = %+v %+v", events[1], events[2])
	}
	done := events[3]
	if done.Type != loom.EventComplete || done.FinishReason != loom.FinishEndTurn {
		t.Fatalf("complete = %+v", done)
	}
	if done.Usage.InputTokens != 25 || done.Usage.OutputTokens != 12 || done.Usage.CacheReadTokens != 3 {
		t.Errorf("usage = %+v", done.Usage)
	}
}

func TestStreamToolUse(t *testing.T) {
	sse := `event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tc1","name":"search"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}

event: message_stop
data: {"type":"message_stop"}
`
	events := runStream(t, sse)

	if events[0].Type != loom.EventToolUseStart || events[0].ToolID != "tc1" || events[0].ToolName != "search" {
		t.Fatalf("start = %+v", events[0])
	}
	if events[1].Type != loom.EventToolUseDelta || events[2].Type != loom.EventToolUseDelta {
		t.Fatalf("deltas = %+v %+v", events[1], events[2])
	}
	if events[3].Type != loom.EventToolUseStop {
		t.Fatalf("stop = %+v", events[3])
	}
	done := events[len(events)-1]
	if done.Type != loom.EventComplete || done.FinishReason != loom.FinishToolUse {
		t.Fatalf("complete = %+v", done)
	}
	if len(done.ToolCalls) != 1 || done.ToolCalls[0].Input != `{"q":"go"}` {
		t.Errorf("tool calls = %+v", done.ToolCalls)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	sse := `event: error
data: {"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}
`
	events := runStream(t, sse)
	if len(events) != 1 || events[0].Type != loom.EventStreamError {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Err == nil || !strings.Contains(events[0].Err.Error(), "overloaded") {
		t.Errorf("err = %v", events[0].Err)
	}
}

func TestStreamTruncation(t *testing.T) {
	// EOF without message_stop closes the channel with no terminal event;
	// the turn loop treats that as an error.
	sse := `event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}
`
	events := runStream(t, sse)
	if len(events) != 1 || events[0].Type != loom.EventContentDelta {
		t.Fatalf("events = %+v", events)
	}
}

func TestStreamIgnoresMalformedFrames(t *testing.T) {
	sse := `data: not json at all

event: message_stop
data: {"type":"message_stop"}
`
	events := runStream(t, sse)
	if len(events) != 1 || events[0].Type != loom.EventComplete {
		t.Fatalf("events = %+v", events)
	}
}
