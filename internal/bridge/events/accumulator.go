package events

import (
	"sync"

	"github.com/google/uuid"
)

// Envelope wraps one delivered event.
type Envelope struct {
	Value any
	Type  string
	Frame uint64
	ID    uuid.UUID
}

type inbox map[string][]Envelope

// Accumulator keeps a private buffer per instance and event type, so an
// instance deferred for several frames still sees every event once, in
// arrival order.
type Accumulator struct {
	mu      sync.Mutex
	inboxes map[uint64]inbox
}

func NewAccumulator() *Accumulator {
	return &Accumulator{inboxes: make(map[uint64]inbox)}
}

// PushToInstances appends the event to each listed instance's buffer. All
// copies share one envelope id.
func (a *Accumulator) PushToInstances(ids []uint64, eventType string, frame uint64, value any) uuid.UUID {
	env := Envelope{ID: uuid.New(), Type: eventType, Frame: frame, Value: value}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range ids {
		box, ok := a.inboxes[id]
		if !ok {
			box = make(inbox)
			a.inboxes[id] = box
		}
		box[eventType] = append(box[eventType], env)
	}
	return env.ID
}

// Drain removes and returns the buffered events of one type for id.
func (a *Accumulator) Drain(id uint64, eventType string) []Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	box, ok := a.inboxes[id]
	if !ok {
		return nil
	}
	out := box[eventType]
	delete(box, eventType)
	return out
}

// Pending counts the buffered events of id across all types.
func (a *Accumulator) Pending(id uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, evs := range a.inboxes[id] {
		n += len(evs)
	}
	return n
}

// DropInstance discards everything buffered for id.
func (a *Accumulator) DropInstance(id uint64) {
	a.mu.Lock()
	delete(a.inboxes, id)
	a.mu.Unlock()
}
