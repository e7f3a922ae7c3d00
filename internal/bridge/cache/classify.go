package cache

import "github.com/cespare/xxhash/v2"

// Class says how a component name is stored.
type Class uint8

const (
	ClassUnknown Class = iota
	ClassNative        // a typed store registered with the world
	ClassDynamic       // a script-defined value on the carrier component
)

func (c Class) String() string {
	switch c {
	case ClassNative:
		return "native"
	case ClassDynamic:
		return "dynamic"
	}
	return "unknown"
}

// StableID identifies a component independently of its name: the store
// index for native components, a name hash with the top bit set for dynamic
// ones.
type StableID uint64

const dynamicBit StableID = 1 << 63

// DynamicID derives the stable id of a dynamic component name.
func DynamicID(name string) StableID {
	return StableID(xxhash.Sum64String(name)) | dynamicBit
}

func NativeID(storeIndex int) StableID {
	return StableID(storeIndex) &^ dynamicBit
}

type Classification struct {
	Class Class
	ID    StableID
}

// Classify returns the permanent classification of name, calling resolve only
// the first time name is seen. A name never changes class once recorded.
func (c *Cache) Classify(name string, resolve func(string) Classification) Classification {
	c.classMu.RLock()
	cl, ok := c.classes[name]
	c.classMu.RUnlock()
	if ok {
		return cl
	}
	return c.Record(name, resolve(name))
}

// Record stores cl for name unless name is already classified, returning the
// classification in effect.
func (c *Cache) Record(name string, cl Classification) Classification {
	c.classMu.Lock()
	defer c.classMu.Unlock()
	if prev, ok := c.classes[name]; ok {
		return prev
	}
	c.classes[name] = cl
	return cl
}

// Partition splits names into those already classified and those the caller
// still needs to resolve, so resolution can happen in one registry pass.
func (c *Cache) Partition(names []string) (map[string]Classification, []string) {
	cached := make(map[string]Classification, len(names))
	var unresolved []string
	c.classMu.RLock()
	defer c.classMu.RUnlock()
	for _, name := range names {
		if cl, ok := c.classes[name]; ok {
			cached[name] = cl
			continue
		}
		unresolved = append(unresolved, name)
	}
	return cached, dedup(unresolved)
}

func dedup(names []string) []string {
	if len(names) < 2 {
		return names
	}
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
