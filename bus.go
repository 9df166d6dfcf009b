package loom

import (
	"log/slog"
	"sync"
)

// Wildcard subscribes a handler to every event emitted under any other name.
// It is a subscription facet, not an event name: emitting Wildcard itself
// delivers only to handlers registered literally under it, once.
const Wildcard = "*"

// Handler receives an event. The name is the emitted event name, which matters
// for wildcard subscribers.
type Handler func(event string, data any)

// handlerEntry wraps a registered handler. once entries remove themselves
// after the first delivery.
type handlerEntry struct {
	fn   Handler
	once bool
}

// Bus is an in-process, string-keyed publish-subscribe dispatcher.
// Delivery is synchronous on the emitter's goroutine: specific handlers first
// (registration order), then wildcard handlers. A panicking handler does not
// prevent delivery to subsequent handlers. Delivery is best-effort and
// in-process only.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]*handlerEntry
	logger   *slog.Logger
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]*handlerEntry)}
}

// SetLogger routes handler panic reports to the given logger.
func (b *Bus) SetLogger(l *slog.Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// On registers a handler for the given event name, or for every event when
// the name is Wildcard. The returned function unsubscribes the handler; it is
// safe to call more than once.
func (b *Bus) On(event string, h Handler) func() {
	return b.subscribe(event, h, false)
}

// Once registers a handler that is removed after its first delivery.
// The returned function unsubscribes early.
func (b *Bus) Once(event string, h Handler) func() {
	return b.subscribe(event, h, true)
}

func (b *Bus) subscribe(event string, h Handler, once bool) func() {
	e := &handlerEntry{fn: h, once: once}
	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], e)
	b.mu.Unlock()
	return func() { b.remove(event, e) }
}

func (b *Bus) remove(event string, e *handlerEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[event]
	for i, cand := range entries {
		if cand == e {
			b.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[event]) == 0 {
		delete(b.handlers, event)
	}
}

// Emit delivers data to all handlers of event, then to wildcard handlers.
// Emitting Wildcard does not fan out to the wildcard facet a second time.
func (b *Bus) Emit(event string, data any) {
	b.mu.Lock()
	entries := append([]*handlerEntry(nil), b.handlers[event]...)
	var wild []*handlerEntry
	if event != Wildcard {
		wild = append(wild, b.handlers[Wildcard]...)
	}
	// Remove once-handlers before delivery so a handler emitting the same
	// event cannot trigger them twice.
	for _, e := range entries {
		if e.once {
			b.removeLocked(event, e)
		}
	}
	for _, e := range wild {
		if e.once {
			b.removeLocked(Wildcard, e)
		}
	}
	logger := b.logger
	b.mu.Unlock()

	for _, e := range entries {
		b.deliver(logger, event, data, e)
	}
	for _, e := range wild {
		b.deliver(logger, event, data, e)
	}
}

func (b *Bus) removeLocked(event string, e *handlerEntry) {
	entries := b.handlers[event]
	for i, cand := range entries {
		if cand == e {
			b.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.handlers[event]) == 0 {
		delete(b.handlers, event)
	}
}

// deliver invokes a single handler, isolating panics.
func (b *Bus) deliver(logger *slog.Logger, event string, data any, e *handlerEntry) {
	defer func() {
		if p := recover(); p != nil && logger != nil {
			logger.Error("event handler panic", "event", event, "panic", p)
		}
	}()
	e.fn(event, data)
}
