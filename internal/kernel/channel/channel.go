// Package channel implements the Channel / ChannelSession pub-sub layer
// (C5), plus the confirmation and client-tool-result coordinators that
// ride on top of it.
package channel

import (
	"context"
	"sync"
	"time"

	"github.com/agentrt/kernel/internal/cache"
	"github.com/agentrt/kernel/internal/kerrors"
)

// RouteTarget is a transport-interpreted routing hint; the core never
// reads its fields itself.
type RouteTarget struct {
	ConnectionID  string
	Rooms         []string
	ExcludeSender bool
}

// Event is the record carried on the pub/sub bus.
type Event struct {
	Type     string
	ID       string // correlation id for request/response pairing
	Channel  string
	Payload  any
	Metadata map[string]any
	Target   *RouteTarget
}

// Well-known, normalized event types. Application code may define others;
// the kernel additionally reserves the "procedure:", "stream:", "tool:"
// and "execution:" prefixes for its own lifecycle events.
const (
	EventRequest      = "request"
	EventResponse     = "response"
	EventProgress     = "progress"
	EventStatus       = "status"
	EventError        = "error"
	EventStateChanged = "state_changed"
)

// Handler observes events published on a Channel.
type Handler func(Event)

// DefaultResponseTimeout is waitForResponse's default wait window.
const DefaultResponseTimeout = 30 * time.Second

// NodeCounters is the minimal surface Channel needs from the current
// procedure node to bump publish counters (per spec: "Channel counters
// are incremented on the current procedure node, if any"). Kept as an
// interface, not a concrete graph.Node dependency, to avoid an import
// cycle between channel and kctx/graph.
type NodeCounters interface {
	AddMetric(key string, delta float64)
}

// Channel is a named pub/sub topic.
type Channel struct {
	name string

	mu        sync.Mutex
	subs      []subscription
	nextSubID uint64
	waiters   map[string][]chan Event
	destroyed bool

	cache  *responseCache
	dedupe *cache.ReplayGuard
}

type subscription struct {
	id      uint64
	handler Handler
}

// newChannel constructs a channel named name with the given response
// cache grace window.
func newChannel(name string, cacheTTL time.Duration) *Channel {
	return &Channel{
		name:    name,
		waiters: map[string][]chan Event{},
		cache:   newResponseCache(cacheTTL),
	}
}

// SetDedupe installs a dedupe cache guarding Publish against redelivering
// an event whose ID was already seen within its TTL window — protection
// against transport-level at-least-once replay, not an application-level
// feature. Passing nil disables it.
func (c *Channel) SetDedupe(d *cache.ReplayGuard) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dedupe = d
	return c
}

// Publish stamps evt.Metadata["timestamp"], forces evt.Channel to this
// channel's name, and delivers synchronously to every current subscriber
// in registration order. A response event with an id resolves a matching
// pending waitForResponse call if one exists; otherwise it is cached for
// the channel's grace window. counters, if non-nil, receives a
// "channel.published" metric increment (the current procedure node, if
// any, per spec §4.2).
func (c *Channel) Publish(evt Event, counters NodeCounters) error {
	evt.Channel = c.name
	if evt.Metadata == nil {
		evt.Metadata = map[string]any{}
	}
	evt.Metadata["timestamp"] = time.Now()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return kerrors.ErrChannelDestroyed
	}
	dedupe := c.dedupe
	c.mu.Unlock()

	if dedupe != nil && dedupe.Seen(cache.EventDedupeKey(c.name, evt.ID)) {
		return nil
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return kerrors.ErrChannelDestroyed
	}
	handlers := make([]Handler, len(c.subs))
	for i, s := range c.subs {
		handlers[i] = s.handler
	}

	var resolvedWaiter chan Event
	if evt.Type == EventResponse && evt.ID != "" {
		if chans, ok := c.waiters[evt.ID]; ok && len(chans) > 0 {
			resolvedWaiter = chans[0]
			c.waiters[evt.ID] = chans[1:]
			if len(c.waiters[evt.ID]) == 0 {
				delete(c.waiters, evt.ID)
			}
		}
	}
	c.mu.Unlock()

	switch {
	case resolvedWaiter != nil:
		// Buffered with capacity 1; never blocks.
		resolvedWaiter <- evt
	case evt.Type == EventResponse && evt.ID != "":
		c.cache.Put(evt.ID, evt)
	}

	if counters != nil {
		counters.AddMetric("channel.published", 1)
	}

	for _, h := range handlers {
		dispatch(h, evt)
	}
	return nil
}

func dispatch(h Handler, evt Event) {
	defer func() {
		recover() // a panicking subscriber must not break delivery to the rest
	}()
	h(evt)
}

// Subscribe registers handler and returns a disposer that removes exactly
// this subscription.
func (c *Channel) Subscribe(handler Handler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs = append(c.subs, subscription{id: id, handler: handler})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.subs {
				if s.id == id {
					c.subs = append(c.subs[:i], c.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// WaitForResponse resolves when a matching response arrives (checking the
// cache first), returns ChannelTimeout-shaped error on timeout, or
// ErrChannelDestroyed if the channel is destroyed first. A zero timeout
// uses DefaultResponseTimeout.
func (c *Channel) WaitForResponse(ctx context.Context, requestID string, timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	if evt, ok := c.cache.Take(requestID); ok {
		return evt, nil
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return Event{}, kerrors.ErrChannelDestroyed
	}
	ch := make(chan Event, 1)
	c.waiters[requestID] = append(c.waiters[requestID], ch)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case evt, ok := <-ch:
		if !ok {
			return Event{}, kerrors.ErrChannelDestroyed
		}
		return evt, nil
	case <-timer.C:
		c.removeWaiter(requestID, ch)
		return Event{}, &kerrors.TimeoutError{Operation: "channel:" + c.name + ":waitForResponse"}
	case <-ctx.Done():
		c.removeWaiter(requestID, ch)
		return Event{}, &kerrors.AbortError{Reason: "context cancelled", Cause: ctx.Err()}
	}
}

func (c *Channel) removeWaiter(id string, target chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chans := c.waiters[id]
	for i, ch := range chans {
		if ch == target {
			c.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(c.waiters[id]) == 0 {
		delete(c.waiters, id)
	}
}

// Destroy rejects every pending waiter with ErrChannelDestroyed and clears
// subscribers. Idempotent.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	waiters := c.waiters
	c.waiters = map[string][]chan Event{}
	c.subs = nil
	c.mu.Unlock()

	for _, chans := range waiters {
		for _, ch := range chans {
			close(ch)
		}
	}
	c.cache.clear()
}

// Name returns the channel's name.
func (c *Channel) Name() string { return c.name }
