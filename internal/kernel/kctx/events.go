package kctx

import (
	"log/slog"
	"sync"
)

// LifecycleEvent is a notification carried on a context's event bus:
// procedure lifecycle events, stream chunks, and application events all
// flow through the same shape.
type LifecycleEvent struct {
	Type    string
	Payload any
	Source  string
}

// EventHandler observes events published on a Bus.
type EventHandler func(LifecycleEvent)

type subscription struct {
	id      uint64
	handler EventHandler
}

// Bus is a per-request, synchronous, ordered pub/sub bus. It is the Go
// analogue of the teacher's PluginRegistry: handlers are invoked in
// registration order, synchronously, on the publisher's goroutine, with a
// panic in one handler contained so it cannot stop delivery to the rest.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	log    *slog.Logger
}

// NewBus constructs an empty event bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log}
}

// Subscribe registers handler for every published event and returns an
// unsubscribe function that removes exactly this handler.
func (b *Bus) Subscribe(handler EventHandler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers evt to every currently-registered handler, in
// registration order, synchronously. A handler that panics is recovered
// and logged; delivery continues to the remaining handlers.
func (b *Bus) Publish(evt LifecycleEvent) {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.subs))
	for i, s := range b.subs {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, evt)
	}
}

func (b *Bus) dispatch(h EventHandler, evt LifecycleEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("kctx: event handler panicked", "event_type", evt.Type, "panic", r)
		}
	}()
	h(evt)
}
