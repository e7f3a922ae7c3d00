package event

import (
	"sort"
	"sync"
)

// Event is one host event as seen by the bridge: a type name plus a payload.
type Event struct {
	Type  string
	Value any
}

// Handler receives events of one type from the front buffer.
type Handler func(Event)

// Bus is a double-buffered event bus keyed by event type name. Events emitted
// in tick N are readable in tick N+1. SwapBuffers() is called at tick start.
// Emit is safe from any goroutine; SwapBuffers and DispatchAll belong to the
// host loop.
type Bus struct {
	mu       sync.Mutex
	front    map[string][]any
	back     map[string][]any
	handlers map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{
		front:    make(map[string][]any),
		back:     make(map[string][]any),
		handlers: make(map[string][]Handler),
	}
}

// Emit queues an event into the back buffer (will be readable next tick).
func (b *Bus) Emit(eventType string, value any) {
	b.mu.Lock()
	b.back[eventType] = append(b.back[eventType], value)
	b.mu.Unlock()
}

// Subscribe registers a handler for events of the given type.
func (b *Bus) Subscribe(eventType string, fn Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], fn)
}

// SwapBuffers rotates back→front and clears the new back buffer.
// Called once at tick start.
func (b *Bus) SwapBuffers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.front, b.back = b.back, b.front
	for k := range b.back {
		b.back[k] = b.back[k][:0]
	}
}

// Front returns the readable events in emission order per type, with types
// sorted by name.
func (b *Bus) Front() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, 0, len(b.front))
	for t, evs := range b.front {
		if len(evs) > 0 {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	var out []Event
	for _, t := range types {
		for _, v := range b.front[t] {
			out = append(out, Event{Type: t, Value: v})
		}
	}
	return out
}

// DispatchAll delivers all front-buffer events to their subscribed handlers.
func (b *Bus) DispatchAll() {
	events := b.Front()
	b.mu.Lock()
	handlers := make(map[string][]Handler, len(b.handlers))
	for t, hs := range b.handlers {
		handlers[t] = append([]Handler(nil), hs...)
	}
	b.mu.Unlock()
	for _, ev := range events {
		for _, h := range handlers[ev.Type] {
			h(ev)
		}
	}
}
