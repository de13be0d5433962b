package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Handler receives a published event. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(Event)

type subscription struct {
	id      int
	handler Handler
}

// Bus is an in-process publish/subscribe registry. Dispatch is synchronous:
// kind-specific handlers run first, then wildcard handlers, each set in
// subscription order. A panicking handler is isolated and logged; it never
// prevents the remaining handlers from running.
type Bus struct {
	mu        sync.Mutex
	subs      map[string][]subscription
	next      int
	lastEvent *Event
	logger    *zap.Logger
}

// New creates a new event bus. logger may be nil.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[string][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for one event kind, or for every kind when
// kind is Wildcard. Returns an unsubscribe function.
func (b *Bus) Subscribe(kind string, h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, sub := range list {
			if sub.id == id {
				b.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish records the event and dispatches it to kind-specific handlers,
// then wildcard handlers.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	b.lastEvent = &evt
	targets := make([]subscription, 0, len(b.subs[evt.Kind])+len(b.subs[Wildcard]))
	targets = append(targets, b.subs[evt.Kind]...)
	targets = append(targets, b.subs[Wildcard]...)
	b.mu.Unlock()

	for _, sub := range targets {
		b.invoke(sub.handler, evt)
	}
}

// Record stores the event as the last observed event without dispatching it.
// Used for intercepted control frames (ping/pong) that must stay visible to
// debugging but carry no application semantic.
func (b *Bus) Record(evt Event) {
	b.mu.Lock()
	b.lastEvent = &evt
	b.mu.Unlock()
}

// LastEvent returns the most recently published or recorded event.
func (b *Bus) LastEvent() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastEvent == nil {
		return Event{}, false
	}
	return *b.lastEvent, true
}

func (b *Bus) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("kind", evt.Kind),
				zap.Any("panic", r))
		}
	}()
	h(evt)
}
