package ecs

// Intersect returns the entities present in every store, ordered by index.
// It walks the smallest store and probes the rest.
func Intersect(stores ...Store) []EntityID {
	if len(stores) == 0 {
		return nil
	}
	smallest := 0
	for i, s := range stores {
		if s.Len() < stores[smallest].Len() {
			smallest = i
		}
	}
	candidates := stores[smallest].Entities()
	out := candidates[:0]
	for _, id := range candidates {
		ok := true
		for i, s := range stores {
			if i == smallest {
				continue
			}
			if !s.Has(id) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	return out
}
