package openaicompat

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/avratys/loom"
)

func TestProviderStream(t *testing.T) {
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer key123" {
			t.Errorf("Authorization = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &gotBody); err != nil {
			t.Errorf("request body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":"stop"}]}

data: [DONE]
`)
	}))
	defer srv.Close()

	p := New("key123", "test-model", srv.URL)
	ch, err := p.Stream(context.Background(), []loom.Message{loom.UserMessage("hello")}, loom.StreamOptions{})
	if err != nil {
		t.Fatal(err)
	}

	var events []loom.ProviderEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 2 || events[0].Text != "hi" || events[1].Type != loom.EventComplete {
		t.Fatalf("events = %+v", events)
	}

	if !gotBody.Stream || gotBody.Model != "test-model" {
		t.Errorf("request = %+v", gotBody)
	}
	if gotBody.StreamOptions == nil || !gotBody.StreamOptions.IncludeUsage {
		t.Errorf("stream options = %+v", gotBody.StreamOptions)
	}
}

func TestProviderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	p := New("k", "m", srv.URL)
	_, err := p.Stream(context.Background(), []loom.Message{loom.UserMessage("x")}, loom.StreamOptions{})
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "bad key") {
		t.Errorf("err = %v", err)
	}
}

func TestProviderName(t *testing.T) {
	p := New("k", "m", "http://x", WithName("groq"))
	if p.Name() != "groq" {
		t.Errorf("name = %q", p.Name())
	}
}
