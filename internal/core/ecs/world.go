package ecs

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// SpawnPhase records whether an entity was created by top-level script
// execution or by a running script system.
type SpawnPhase uint8

const (
	ScriptPhase  SpawnPhase = iota + 1 // torn down when the owning instance reloads
	RuntimePhase                       // survives reloads of the owning instance
)

func (p SpawnPhase) String() string {
	switch p {
	case ScriptPhase:
		return "script"
	case RuntimePhase:
		return "runtime"
	default:
		return "unknown"
	}
}

// Owner tags every entity the script bridge creates.
type Owner struct {
	Instance uint64
	Phase    SpawnPhase
}

// Dynamic is the single carrier component holding script-defined components
// by name. Values are plain data (nil, bool, float64, string, []any,
// map[string]any, EntityID).
type Dynamic struct {
	Values map[string]any
}

// World is the top-level ECS container. It owns the entity pool, the named
// component stores, and a deferred destruction queue flushed by CleanupSystem
// each tick.
//
// Component and resource access is not synchronized internally: callers hold
// Lock for writes and RLock for reads. Entity allocation has its own lock so
// Reserve is safe from any goroutine.
type World struct {
	mu     sync.RWMutex
	poolMu sync.Mutex

	pool         *EntityPool
	reserved     map[EntityID]Owner // owners of reserved ids not yet tagged, under poolMu
	destroyQueue []EntityID

	stores     map[string]Store
	storeIndex map[string]int
	owners     *PtrComponentStore[Owner]
	dynamic    *PtrComponentStore[Dynamic]

	resources    map[string]any // name -> *T
	dynResources map[string]any
}

func NewWorld() *World {
	w := &World{
		pool:         NewEntityPool(),
		reserved:     make(map[EntityID]Owner),
		destroyQueue: make([]EntityID, 0, 64),
		stores:       make(map[string]Store),
		storeIndex:   make(map[string]int),
		owners:       NewPtrComponentStore[Owner](),
		dynamic:      NewPtrComponentStore[Dynamic](),
		resources:    make(map[string]any),
		dynResources: make(map[string]any),
	}
	return w
}

func (w *World) Lock()    { w.mu.Lock() }
func (w *World) Unlock()  { w.mu.Unlock() }
func (w *World) RLock()   { w.mu.RLock() }
func (w *World) RUnlock() { w.mu.RUnlock() }

// RegisterComponent creates (or returns) the named store for T.
// Registering the same name with a different type panics: it is a startup bug.
func RegisterComponent[T any](w *World, name string) *PtrComponentStore[T] {
	if s, ok := w.stores[name]; ok {
		typed, ok := s.(*PtrComponentStore[T])
		if !ok {
			panic(fmt.Sprintf("ecs: component %q already registered as %s", name, s.Type()))
		}
		return typed
	}
	s := NewPtrComponentStore[T]()
	w.stores[name] = s
	w.storeIndex[name] = len(w.storeIndex)
	return s
}

// Store returns the native store registered under name.
func (w *World) Store(name string) (Store, bool) {
	s, ok := w.stores[name]
	return s, ok
}

// StoreIndex returns the registration order of a native store. Stable for the
// life of the process.
func (w *World) StoreIndex(name string) (int, bool) {
	i, ok := w.storeIndex[name]
	return i, ok
}

// ComponentNames returns the registered native component names, sorted.
func (w *World) ComponentNames() []string {
	out := make([]string, 0, len(w.stores))
	for name := range w.stores {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CreateEntity allocates a new entity id. Safe for concurrent use.
func (w *World) CreateEntity() EntityID {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	return w.pool.Create()
}

// Reserve allocates an id for a deferred spawn on behalf of o. The id is
// live immediately and counts as owned by o; components and the owner tag
// arrive when the spawn request is applied.
func (w *World) Reserve(o Owner) EntityID {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	id := w.pool.Create()
	w.reserved[id] = o
	return id
}

func (w *World) Alive(id EntityID) bool {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	return w.pool.Alive(id)
}

// EntityCount returns the number of live entities.
func (w *World) EntityCount() int {
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	return w.pool.Count()
}

// Despawn removes all components of id and invalidates it immediately.
func (w *World) Despawn(id EntityID) bool {
	w.poolMu.Lock()
	alive := w.pool.Alive(id)
	w.poolMu.Unlock()
	if !alive {
		return false
	}
	for _, s := range w.stores {
		s.Remove(id)
	}
	w.owners.Remove(id)
	w.dynamic.Remove(id)
	w.poolMu.Lock()
	defer w.poolMu.Unlock()
	delete(w.reserved, id)
	return w.pool.Destroy(id)
}

// MarkForDestruction queues an entity for end-of-tick cleanup.
func (w *World) MarkForDestruction(id EntityID) {
	w.destroyQueue = append(w.destroyQueue, id)
}

// FlushDestroyQueue destroys all queued entities and clears their components.
// Called by CleanupSystem at the end of each tick.
func (w *World) FlushDestroyQueue() int {
	n := 0
	for _, id := range w.destroyQueue {
		if w.Despawn(id) {
			n++
		}
	}
	w.destroyQueue = w.destroyQueue[:0]
	return n
}

// InsertComponent stores value (T or *T) under the named native component.
func (w *World) InsertComponent(id EntityID, name string, value any) error {
	s, ok := w.stores[name]
	if !ok {
		return fmt.Errorf("insert component %q: not registered", name)
	}
	if !w.Alive(id) {
		return fmt.Errorf("insert component %q: entity %s is not alive", name, id)
	}
	return s.SetAny(id, value)
}

// Component returns a pointer to the named native component of id.
func (w *World) Component(id EntityID, name string) (any, bool) {
	s, ok := w.stores[name]
	if !ok {
		return nil, false
	}
	return s.GetAny(id)
}

// RemoveComponent removes a native component. Returns false when absent.
func (w *World) RemoveComponent(id EntityID, name string) bool {
	s, ok := w.stores[name]
	if !ok || !s.Has(id) {
		return false
	}
	s.Remove(id)
	return true
}

// SetDynamic attaches a script-defined component to id through the carrier.
func (w *World) SetDynamic(id EntityID, name string, value any) error {
	if !w.Alive(id) {
		return fmt.Errorf("set dynamic %q: entity %s is not alive", name, id)
	}
	d, ok := w.dynamic.Get(id)
	if !ok {
		d = &Dynamic{Values: make(map[string]any, 2)}
		w.dynamic.Set(id, d)
	}
	d.Values[name] = value
	return nil
}

func (w *World) DynamicValue(id EntityID, name string) (any, bool) {
	d, ok := w.dynamic.Get(id)
	if !ok {
		return nil, false
	}
	v, ok := d.Values[name]
	return v, ok
}

// RemoveDynamic detaches a script-defined component. The carrier is dropped
// once empty.
func (w *World) RemoveDynamic(id EntityID, name string) bool {
	d, ok := w.dynamic.Get(id)
	if !ok {
		return false
	}
	if _, ok := d.Values[name]; !ok {
		return false
	}
	delete(d.Values, name)
	if len(d.Values) == 0 {
		w.dynamic.Remove(id)
	}
	return true
}

// DynamicEntities returns the entities holding the named dynamic component.
func (w *World) DynamicEntities(name string) []EntityID {
	var out []EntityID
	w.dynamic.Each(func(id EntityID, d *Dynamic) {
		if _, ok := d.Values[name]; ok {
			out = append(out, id)
		}
	})
	sortEntities(out)
	return out
}

// EachDynamic visits every entity carrying dynamic components.
func (w *World) EachDynamic(fn func(EntityID, map[string]any)) {
	w.dynamic.Each(func(id EntityID, d *Dynamic) {
		fn(id, d.Values)
	})
}

// SetOwner tags id with its owning script instance and spawn phase.
func (w *World) SetOwner(id EntityID, o Owner) {
	w.owners.Set(id, &o)
	w.poolMu.Lock()
	delete(w.reserved, id)
	w.poolMu.Unlock()
}

func (w *World) OwnerOf(id EntityID) (Owner, bool) {
	o, ok := w.owners.Get(id)
	if !ok {
		return Owner{}, false
	}
	return *o, true
}

// Owned returns the entities owned by instance in the given phase, including
// reserved ids whose spawn has not been applied yet.
func (w *World) Owned(instance uint64, phase SpawnPhase) []EntityID {
	var out []EntityID
	w.owners.Each(func(id EntityID, o *Owner) {
		if o.Instance == instance && o.Phase == phase {
			out = append(out, id)
		}
	})
	w.poolMu.Lock()
	for id, o := range w.reserved {
		if o.Instance == instance && o.Phase == phase {
			out = append(out, id)
		}
	}
	w.poolMu.Unlock()
	sortEntities(out)
	return out
}

// InsertResource stores a native resource. value must be a non-nil pointer.
func (w *World) InsertResource(name string, value any) error {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("insert resource %q: want non-nil pointer, got %T", name, value)
	}
	w.resources[name] = value
	return nil
}

func (w *World) Resource(name string) (any, bool) {
	r, ok := w.resources[name]
	return r, ok
}

func (w *World) RemoveResource(name string) bool {
	if _, ok := w.resources[name]; ok {
		delete(w.resources, name)
		return true
	}
	if _, ok := w.dynResources[name]; ok {
		delete(w.dynResources, name)
		return true
	}
	return false
}

func (w *World) SetDynamicResource(name string, value any) {
	w.dynResources[name] = value
}

func (w *World) DynamicResource(name string) (any, bool) {
	r, ok := w.dynResources[name]
	return r, ok
}

// DynamicResources returns a shallow copy of all dynamic resources.
func (w *World) DynamicResources() map[string]any {
	out := make(map[string]any, len(w.dynResources))
	for k, v := range w.dynResources {
		out[k] = v
	}
	return out
}
