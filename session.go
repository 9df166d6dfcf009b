package loom

import (
	"context"
	"sync"
)

// Session is an append-only conversation log. It outlives a single run and is
// cleared only by explicit request. The in-memory variant below is pure; the
// store subpackages provide persistent variants with the same contract.
type Session interface {
	// ID returns the session's opaque identifier.
	ID() string
	// AddMessage appends a message. Messages are never mutated afterwards.
	AddMessage(ctx context.Context, m Message) error
	// Messages returns a stable ordered view of the log.
	Messages(ctx context.Context) ([]Message, error)
	// Clear removes all messages.
	Clear(ctx context.Context) error
	// SetMeta stores a free-form metadata value on the session.
	SetMeta(ctx context.Context, key string, value any) error
	// Meta returns a copy of the session metadata.
	Meta(ctx context.Context) (map[string]any, error)
}

// MemorySession is the in-memory Session used when a run is started without
// one. Safe for concurrent use, though the turn loop is its only writer
// during a run.
type MemorySession struct {
	id string

	mu       sync.RWMutex
	messages []Message
	meta     map[string]any
}

// NewMemorySession creates an empty session with a fresh ID.
func NewMemorySession() *MemorySession {
	return &MemorySession{id: NewID(), meta: make(map[string]any)}
}

// NewMemorySessionWithID creates an empty session with the caller's ID.
// Used by managers that key sessions by agent.
func NewMemorySessionWithID(id string) *MemorySession {
	return &MemorySession{id: id, meta: make(map[string]any)}
}

func (s *MemorySession) ID() string { return s.id }

func (s *MemorySession) AddMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	return nil
}

func (s *MemorySession) Messages(_ context.Context) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...), nil
}

func (s *MemorySession) Clear(_ context.Context) error {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
	return nil
}

func (s *MemorySession) SetMeta(_ context.Context, key string, value any) error {
	s.mu.Lock()
	s.meta[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemorySession) Meta(_ context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.meta))
	for k, v := range s.meta {
		out[k] = v
	}
	return out, nil
}
