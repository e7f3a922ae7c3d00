package removed

import (
	"sort"
	"sync"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// Snapshot maps each entity to the dynamic component names it carries.
type Snapshot map[ecs.EntityID]map[string]struct{}

// Tracker diffs consecutive snapshots of dynamic components to report what
// disappeared, either removed explicitly or with its entity.
type Tracker struct {
	mu       sync.Mutex
	frame    uint64
	started  bool
	previous Snapshot
	removed  map[string][]ecs.EntityID
}

func NewTracker() *Tracker {
	return &Tracker{removed: make(map[string][]ecs.EntityID)}
}

// Refresh rebuilds the removed set for frame from take(). Calls for a frame
// that has already been refreshed do nothing.
func (t *Tracker) Refresh(frame uint64, take func() Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started && t.frame == frame {
		return
	}
	current := take()
	removed := make(map[string][]ecs.EntityID)
	for id, names := range t.previous {
		now := current[id]
		for name := range names {
			if _, ok := now[name]; !ok {
				removed[name] = append(removed[name], id)
			}
		}
	}
	for _, ids := range removed {
		sort.Slice(ids, func(i, j int) bool { return ids[i].Index() < ids[j].Index() })
	}
	t.previous, t.removed = current, removed
	t.frame, t.started = frame, true
}

// Removed returns the entities that lost name in the last refreshed frame,
// or nothing when frame is not that frame.
func (t *Tracker) Removed(name string, frame uint64) []ecs.EntityID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.frame != frame {
		return nil
	}
	ids := t.removed[name]
	return append([]ecs.EntityID(nil), ids...)
}

// FromWorld snapshots the dynamic components of w. The caller holds w's lock.
func FromWorld(w *ecs.World) Snapshot {
	snap := make(Snapshot)
	w.EachDynamic(func(id ecs.EntityID, values map[string]any) {
		names := make(map[string]struct{}, len(values))
		for name := range values {
			names[name] = struct{}{}
		}
		snap[id] = names
	})
	return snap
}
