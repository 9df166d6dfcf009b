package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/avratys/loom"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestSessionAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := s.Session("sess1")

	msgs := []loom.Message{
		loom.UserMessage("hello"),
		loom.AssistantMessage("hi there"),
		loom.ToolMessage([]loom.ToolOutcome{{ToolCallID: "tc1", Content: "result"}}),
	}
	for _, m := range msgs {
		if err := sess.AddMessage(ctx, m); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
	}

	got, err := sess.Messages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i := range msgs {
		if got[i].ID != msgs[i].ID || got[i].Role != msgs[i].Role || got[i].Content != msgs[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, got[i], msgs[i])
		}
	}
	if len(got[2].ToolOutcomes) != 1 || got[2].ToolOutcomes[0].ToolCallID != "tc1" {
		t.Errorf("tool outcomes = %+v", got[2].ToolOutcomes)
	}
}

func TestSessionIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, b := s.Session("a"), s.Session("b")
	a.AddMessage(ctx, loom.UserMessage("for a"))
	b.AddMessage(ctx, loom.UserMessage("for b"))

	got, err := a.Messages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "for a" {
		t.Errorf("session a = %+v", got)
	}
}

func TestSessionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s := New(path)
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	s.Session("keep").AddMessage(ctx, loom.UserMessage("remember me"))
	s.Close()

	s2 := New(path)
	defer s2.Close()
	if err := s2.Init(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := s2.Session("keep").Messages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "remember me" {
		t.Errorf("reopened session = %+v", got)
	}
}

func TestSessionClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := s.Session("sess1")

	sess.AddMessage(ctx, loom.UserMessage("one"))
	sess.AddMessage(ctx, loom.UserMessage("two"))
	if err := sess.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := sess.Messages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("after clear = %+v", got)
	}

	// Appending after a clear starts the ordinal sequence fresh.
	sess.AddMessage(ctx, loom.UserMessage("three"))
	got, _ = sess.Messages(ctx)
	if len(got) != 1 || got[0].Content != "three" {
		t.Errorf("after re-append = %+v", got)
	}
}

func TestSessionMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := s.Session("sess1")

	if err := sess.SetMeta(ctx, "topic", "testing"); err != nil {
		t.Fatal(err)
	}
	if err := sess.SetMeta(ctx, "turns", 3); err != nil {
		t.Fatal(err)
	}
	if err := sess.SetMeta(ctx, "topic", "updated"); err != nil {
		t.Fatal(err)
	}

	meta, err := sess.Meta(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if meta["topic"] != "updated" {
		t.Errorf("topic = %v", meta["topic"])
	}
	// JSON round trip turns ints into float64.
	if meta["turns"] != float64(3) {
		t.Errorf("turns = %v (%T)", meta["turns"], meta["turns"])
	}
}
