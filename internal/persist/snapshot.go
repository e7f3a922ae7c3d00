package persist

import (
	"sort"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// Snapshot is the script-visible part of the world: dynamic components per
// entity and dynamic resources. Native components live in host storage and
// are not captured.
type Snapshot struct {
	Entities  map[ecs.EntityID]map[string]any
	Resources map[string]any
	Frame     uint64
}

// Capture copies the dynamic state of w. Caller holds at least w's read lock.
func Capture(w *ecs.World, frame uint64) Snapshot {
	s := Snapshot{
		Frame:     frame,
		Entities:  make(map[ecs.EntityID]map[string]any),
		Resources: w.DynamicResources(),
	}
	w.EachDynamic(func(id ecs.EntityID, comps map[string]any) {
		if len(comps) == 0 {
			return
		}
		cp := make(map[string]any, len(comps))
		for k, v := range comps {
			cp[k] = v
		}
		s.Entities[id] = cp
	})
	return s
}

// Restore recreates a snapshot's entities in w under fresh ids and returns
// the old-to-new id mapping. Caller holds w's write lock.
func Restore(w *ecs.World, s Snapshot) (map[ecs.EntityID]ecs.EntityID, error) {
	old := make([]ecs.EntityID, 0, len(s.Entities))
	for id := range s.Entities {
		old = append(old, id)
	}
	sort.Slice(old, func(i, j int) bool { return old[i] < old[j] })

	mapping := make(map[ecs.EntityID]ecs.EntityID, len(old))
	for _, id := range old {
		nid := w.CreateEntity()
		for name, v := range s.Entities[id] {
			if err := w.SetDynamic(nid, name, v); err != nil {
				return mapping, err
			}
		}
		mapping[id] = nid
	}
	for name, v := range s.Resources {
		w.SetDynamicResource(name, v)
	}
	return mapping, nil
}
