package bridge

import (
	"context"
	"fmt"
	"reflect"

	lua "github.com/yuin/gopher-lua"

	"github.com/l1jgo/scriptbridge/internal/bridge/cache"
	"github.com/l1jgo/scriptbridge/internal/bridge/events"
	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/bridge/queue"
	"github.com/l1jgo/scriptbridge/internal/bridge/registry"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// Caller identifies the script side of a call: the instance, its interpreter
// state, and whether it runs top-level code or a system.
type Caller struct {
	Ctx      context.Context
	L        *lua.LState
	Instance uint64
	Phase    ecs.SpawnPhase
}

func (b *Bridge) callContext(c Caller, target ecs.EntityID) registry.CallContext {
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return registry.CallContext{Ctx: ctx, L: c.L, World: b.world, Target: target, Instance: c.Instance}
}

// CallMethod dispatches a registered method. target is the entity for
// component methods and ignored otherwise.
func (b *Bridge) CallMethod(c Caller, typeName, method string, target ecs.EntityID, args lua.LValue) (lua.LValue, error) {
	b.world.Lock()
	defer b.world.Unlock()
	return b.reg.Call(b.callContext(c, target), registry.TypeID(typeName), method, args)
}

// Construct builds a value through its registered constructor and inserts it
// right away.
func (b *Bridge) Construct(c Caller, typeName string, target ecs.EntityID, data lua.LValue) (lua.LValue, error) {
	b.world.Lock()
	defer b.world.Unlock()
	return b.reg.Construct(b.callContext(c, target), registry.TypeID(typeName), data)
}

// BuildResource runs a registered resource builder.
func (b *Bridge) BuildResource(c Caller, typeName string, data lua.LValue) error {
	b.world.Lock()
	defer b.world.Unlock()
	return b.reg.BuildResource(b.callContext(c, 0), registry.TypeID(typeName), data)
}

// InsertSerialized inserts a value from raw YAML or JSON through its serde
// handler.
func (b *Bridge) InsertSerialized(c Caller, typeName string, target ecs.EntityID, raw []byte) error {
	b.world.Lock()
	defer b.world.Unlock()
	return b.reg.InsertSerialized(b.callContext(c, target), registry.TypeID(typeName), raw)
}

// Serialize encodes the current value of typeName, held by target or the
// world, through its serde handler.
func (b *Bridge) Serialize(c Caller, typeName string, target ecs.EntityID) ([]byte, error) {
	b.world.RLock()
	defer b.world.RUnlock()
	return b.reg.Serialized(b.callContext(c, target), registry.TypeID(typeName))
}

// Spawn validates components, reserves an entity and queues the spawn. The
// entity id is usable right away; its components appear after the next Sync.
func (b *Bridge) Spawn(c Caller, components *lua.LTable) (ecs.EntityID, error) {
	req := queue.Spawn{
		Components: make(map[string]any),
		Dynamic:    make(map[string]any),
		Owner:      ecs.Owner{Instance: c.Instance, Phase: c.Phase},
	}
	if components != nil {
		var firstErr error
		components.ForEach(func(k, v lua.LValue) {
			if firstErr != nil {
				return
			}
			name, ok := k.(lua.LString)
			if !ok {
				firstErr = fmt.Errorf("spawn: component name must be a string, got %s", k.Type())
				return
			}
			native, value, err := b.decodeComponent(string(name), v)
			if err != nil {
				firstErr = fmt.Errorf("spawn %s: %w", name, err)
				return
			}
			if native {
				req.Components[string(name)] = value
			} else {
				req.Dynamic[string(name)] = value
			}
		})
		if firstErr != nil {
			return 0, firstErr
		}
	}
	req.Entity = b.world.Reserve(req.Owner)
	b.queues.Spawn.Enqueue(req)
	return req.Entity, nil
}

// decodeComponent turns a script value into what the world stores for name:
// a typed value for native components, plain data for dynamic ones.
func (b *Bridge) decodeComponent(name string, v lua.LValue) (bool, any, error) {
	if b.Classify(name).Class == cache.ClassNative {
		ci, _ := b.component(name)
		rv, err := b.m.FromScript(v, ci.desc)
		if err != nil {
			return true, nil, err
		}
		return true, rv.Interface(), nil
	}
	plain, err := b.m.ToPlain(v)
	return false, plain, err
}

// Despawn queues id for destruction. Pending updates to it are dropped.
func (b *Bridge) Despawn(c Caller, id ecs.EntityID) error {
	if !b.world.Alive(id) {
		return fmt.Errorf("despawn %s: %w", id, ErrNotAlive)
	}
	b.queues.Despawn.Enqueue(queue.Despawn{Entity: id})
	return nil
}

// UpdateComponent queues a write of name on id. For native components the
// value is checked now and applied at Sync as a patch over the current
// value, so fields the script leaves out keep their values.
func (b *Bridge) UpdateComponent(c Caller, id ecs.EntityID, name string, v lua.LValue) error {
	if !b.world.Alive(id) {
		return fmt.Errorf("update %s on %s: %w", name, id, ErrNotAlive)
	}
	if b.Classify(name).Class == cache.ClassNative {
		ci, _ := b.component(name)
		if _, err := b.m.FromScript(v, ci.desc); err != nil {
			return fmt.Errorf("update %s: %w", name, err)
		}
		h := b.handles.Pin(c.Instance, v)
		b.queues.Update.Enqueue(queue.Update{Entity: id, Name: name, Handle: h})
		return nil
	}
	plain, err := b.m.ToPlain(v)
	if err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	b.queues.Update.Enqueue(queue.Update{Entity: id, Name: name, Value: plain})
	return nil
}

// RemoveComponent queues removal of name from id.
func (b *Bridge) RemoveComponent(c Caller, id ecs.EntityID, name string) error {
	if !b.world.Alive(id) {
		return fmt.Errorf("remove %s from %s: %w", name, id, ErrNotAlive)
	}
	b.queues.Update.Enqueue(queue.Update{Entity: id, Name: name, Remove: true})
	return nil
}

// InsertResource queues a resource write. Names registered as native
// resources are decoded to their type; anything else is stored as plain data.
func (b *Bridge) InsertResource(c Caller, name string, v lua.LValue) error {
	if e, ok := b.reg.Lookup(registry.TypeID(name)); ok && e.Kind == registry.KindResource {
		rv, err := b.m.FromScript(v, e.Desc)
		if err != nil {
			return fmt.Errorf("insert resource %s: %w", name, err)
		}
		ptr := reflect.New(e.GoType)
		ptr.Elem().Set(rv)
		b.queues.Resource.Enqueue(queue.ResourceInsert{Name: name, Value: ptr.Interface()})
		return nil
	}
	plain, err := b.m.ToPlain(v)
	if err != nil {
		return fmt.Errorf("insert resource %s: %w", name, err)
	}
	b.queues.Resource.Enqueue(queue.ResourceInsert{Name: name, Value: plain, Dynamic: true})
	return nil
}

// Resource reads the current value of a resource, nil when absent.
func (b *Bridge) Resource(c Caller, name string) (lua.LValue, error) {
	b.world.RLock()
	defer b.world.RUnlock()
	if v, ok := b.world.Resource(name); ok {
		return b.m.Encode(c.L, v)
	}
	if v, ok := b.world.DynamicResource(name); ok {
		return b.m.FromPlain(c.L, v)
	}
	return lua.LNil, nil
}

// Query returns the entities holding every named component, with value
// snapshots. Within one frame repeated queries return the same answer.
func (b *Bridge) Query(names []string) (*cache.Result, error) {
	if len(names) == 0 {
		return nil, ErrNoComponents
	}
	frame := b.Frame()
	if res, ok := b.cache.Get(names, frame); ok {
		return res, nil
	}
	classes := b.classifyAll(names)

	b.world.RLock()
	defer b.world.RUnlock()
	res := b.collect(names, classes)
	return b.cache.Insert(names, res, frame), nil
}

// collect gathers a query result from the world. Caller holds the read lock.
func (b *Bridge) collect(names []string, classes map[string]cache.Classification) *cache.Result {
	var (
		stores  []ecs.Store
		dynamic []string
	)
	for _, name := range names {
		if classes[name].Class == cache.ClassNative {
			s, ok := b.world.Store(name)
			if !ok {
				return &cache.Result{}
			}
			stores = append(stores, s)
			continue
		}
		dynamic = append(dynamic, name)
	}

	var candidates []ecs.EntityID
	if len(stores) > 0 {
		candidates = ecs.Intersect(stores...)
	} else {
		candidates = b.world.DynamicEntities(dynamic[0])
	}

	res := &cache.Result{Values: make(map[string][]any, len(names))}
	for _, id := range candidates {
		if !b.hasDynamic(id, dynamic) {
			continue
		}
		res.Entities = append(res.Entities, id)
	}
	for _, name := range names {
		if _, done := res.Values[name]; done {
			continue
		}
		vals := make([]any, len(res.Entities))
		for i, id := range res.Entities {
			if classes[name].Class == cache.ClassNative {
				vals[i], _ = b.world.Component(id, name)
			} else {
				vals[i], _ = b.world.DynamicValue(id, name)
			}
		}
		res.Values[name] = vals
	}
	return res
}

func (b *Bridge) hasDynamic(id ecs.EntityID, names []string) bool {
	for _, name := range names {
		if _, ok := b.world.DynamicValue(id, name); !ok {
			return false
		}
	}
	return true
}

// EncodeQuery renders a query result as a list of rows
// { entity = Entity, <Name> = value, ... }.
func (b *Bridge) EncodeQuery(L *lua.LState, res *cache.Result) (*lua.LTable, error) {
	out := L.CreateTable(len(res.Entities), 0)
	for i, id := range res.Entities {
		row := L.CreateTable(0, len(res.Values)+1)
		row.RawSetString("entity", marshal.EntityValue(L, id))
		for name, vals := range res.Values {
			lv, err := b.EncodeComponent(L, name, vals[i])
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", name, err)
			}
			row.RawSetString(name, lv)
		}
		out.RawSetInt(i+1, row)
	}
	return out, nil
}

// EncodeComponent converts a stored component value for scripts.
func (b *Bridge) EncodeComponent(L *lua.LState, name string, v any) (lua.LValue, error) {
	if b.Classify(name).Class == cache.ClassNative {
		ci, _ := b.component(name)
		return b.m.ToScript(L, v, ci.desc)
	}
	return b.m.FromPlain(L, v)
}

// QueryRemoved lists the entities that lost the dynamic component name this
// frame. Native components are not tracked.
func (b *Bridge) QueryRemoved(name string) []ecs.EntityID {
	if b.Classify(name).Class == cache.ClassNative {
		return nil
	}
	return b.removed.Removed(name, b.Frame())
}

// ReadEvents drains the caller's buffered events of eventType.
func (b *Bridge) ReadEvents(c Caller, eventType string) []events.Envelope {
	return b.events.Drain(c.Instance, eventType)
}

// EncodeEvents renders envelopes as a list of { id, frame, value } tables.
func (b *Bridge) EncodeEvents(L *lua.LState, envs []events.Envelope) (*lua.LTable, error) {
	out := L.CreateTable(len(envs), 0)
	for i, env := range envs {
		v, err := b.m.FromPlain(L, env.Value)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", env.Type, err)
		}
		row := L.CreateTable(0, 3)
		row.RawSetString("id", lua.LString(env.ID.String()))
		row.RawSetString("frame", lua.LNumber(env.Frame))
		row.RawSetString("value", v)
		out.RawSetInt(i+1, row)
	}
	return out, nil
}

// WriteEvent emits a host event. Every running instance receives it after
// the next Sync.
func (b *Bridge) WriteEvent(c Caller, eventType string, data lua.LValue) error {
	plain, err := b.m.ToPlain(data)
	if err != nil {
		return fmt.Errorf("write event %s: %w", eventType, err)
	}
	b.bus.Emit(eventType, plain)
	return nil
}
