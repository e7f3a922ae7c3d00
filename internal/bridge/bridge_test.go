package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge/events"
	"github.com/l1jgo/scriptbridge/internal/bridge/instance"
	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/bridge/registry"
	"github.com/l1jgo/scriptbridge/internal/bridge/scheduler"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
	"github.com/l1jgo/scriptbridge/internal/core/event"
)

type position struct {
	X float64
	Y float64
}

type health struct {
	Current int
	Max     int
}

type score struct {
	Points int
}

func newBridge(t *testing.T) (*Bridge, *lua.LState) {
	t.Helper()
	return newBridgeWith(t, scheduler.New(scheduler.Config{}, zap.NewNop()))
}

func newBridgeWith(t *testing.T, sched *scheduler.Scheduler) (*Bridge, *lua.LState) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	marshal.RegisterEntityType(L)

	reg := registry.New(marshal.New(), zap.NewNop())
	b := New(ecs.NewWorld(), reg, sched, event.NewBus(), Config{}, zap.NewNop())
	require.NoError(t, RegisterComponent[position](b, "Position"))
	require.NoError(t, RegisterComponent[health](b, "Health"))
	return b, L
}

// eval evaluates a Lua expression in L.
func eval(t *testing.T, L *lua.LState, expr string) lua.LValue {
	t.Helper()
	require.NoError(t, L.DoString("__v = "+expr))
	return L.GetGlobal("__v")
}

func caller(L *lua.LState, inst uint64, phase ecs.SpawnPhase) Caller {
	return Caller{Ctx: context.Background(), L: L, Instance: inst, Phase: phase}
}

func TestSpawnQueryDespawnScenario(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.ScriptPhase)

	id, err := b.Spawn(c, eval(t, L, `{ Position = { x = 1, y = 2 } }`).(*lua.LTable))
	require.NoError(t, err)
	require.True(t, b.World().Alive(id), "the id is reserved at request time")

	rep := b.Sync(1)
	require.Equal(t, 1, rep.Spawned)

	res, err := b.Query([]string{"Position"})
	require.NoError(t, err)
	require.Equal(t, []ecs.EntityID{id}, res.Entities)
	rows, err := b.EncodeQuery(L, res)
	require.NoError(t, err)
	require.Equal(t, 1, rows.Len())
	pos := rows.RawGetInt(1).(*lua.LTable).RawGetString("Position").(*lua.LTable)
	require.Equal(t, lua.LNumber(1), pos.RawGetString("x"))
	require.Equal(t, lua.LNumber(2), pos.RawGetString("y"))

	owner, ok := b.World().OwnerOf(id)
	require.True(t, ok)
	require.Equal(t, ecs.Owner{Instance: 1, Phase: ecs.ScriptPhase}, owner)

	require.NoError(t, b.Despawn(c, id))
	rep = b.Sync(2)
	require.Equal(t, 1, rep.Despawned)

	res, err = b.Query([]string{"Position"})
	require.NoError(t, err)
	require.Empty(t, res.Entities)
	require.Empty(t, b.QueryRemoved("Position"), "native components are not tracked")
}

func TestQuerySnapshotIsolation(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)
	require.NoError(t, registry.ComponentMethod(b.Registry(), "Position", "shift", func(p *position, d position) (registry.None, error) {
		p.X += d.X
		p.Y += d.Y
		return registry.None{}, nil
	}))

	id, err := b.Spawn(c, eval(t, L, `{ Position = { x = 1, y = 1 } }`).(*lua.LTable))
	require.NoError(t, err)
	b.Sync(1)

	first, err := b.Query([]string{"Position"})
	require.NoError(t, err)

	_, err = b.CallMethod(c, "Position", "shift", id, eval(t, L, `{ x = 10 }`))
	require.NoError(t, err)
	other, err := b.Spawn(c, eval(t, L, `{ Position = {} }`).(*lua.LTable))
	require.NoError(t, err)

	again, err := b.Query([]string{"Position"})
	require.NoError(t, err)
	require.Equal(t, first, again, "same frame, same answer")
	require.Equal(t, position{X: 1, Y: 1}, again.Values["Position"][0])

	b.Sync(2)
	next, err := b.Query([]string{"Position"})
	require.NoError(t, err)
	require.Equal(t, []ecs.EntityID{id, other}, next.Entities)
	require.Equal(t, position{X: 11, Y: 1}, next.Values["Position"][0])
}

func TestMixedNativeAndDynamicQuery(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)

	a, err := b.Spawn(c, eval(t, L, `{ Position = { x = 1 }, Tag = "red" }`).(*lua.LTable))
	require.NoError(t, err)
	_, err = b.Spawn(c, eval(t, L, `{ Position = { x = 2 } }`).(*lua.LTable))
	require.NoError(t, err)
	only, err := b.Spawn(c, eval(t, L, `{ Tag = "blue" }`).(*lua.LTable))
	require.NoError(t, err)
	b.Sync(1)

	res, err := b.Query([]string{"Tag", "Position"})
	require.NoError(t, err)
	require.Equal(t, []ecs.EntityID{a}, res.Entities)
	require.Equal(t, []any{"red"}, res.Values["Tag"])

	res, err = b.Query([]string{"Tag"})
	require.NoError(t, err)
	require.Equal(t, []ecs.EntityID{a, only}, res.Entities)

	_, err = b.Query(nil)
	require.ErrorIs(t, err, ErrNoComponents)
}

func TestUpdatePatchesAndValidatesEagerly(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)
	id, err := b.Spawn(c, eval(t, L, `{ Health = { current = 5, max = 10 } }`).(*lua.LTable))
	require.NoError(t, err)
	b.Sync(1)

	err = b.UpdateComponent(c, id, "Health", eval(t, L, `{ current = 2.5 }`))
	require.ErrorIs(t, err, marshal.ErrLossyNumber)
	require.Equal(t, "lossy_number", ErrorKind(err))

	require.NoError(t, b.UpdateComponent(c, id, "Health", eval(t, L, `{ current = 7 }`)))
	require.Equal(t, 1, b.Handles().Len())
	rep := b.Sync(2)
	require.Equal(t, 1, rep.Updated)
	require.Zero(t, b.Handles().Len(), "applied updates release their pinned values")

	v, _ := b.World().Component(id, "Health")
	require.Equal(t, &health{Current: 7, Max: 10}, v, "fields left out keep their values")

	require.NoError(t, b.UpdateComponent(c, id, "Mood", eval(t, L, `"calm"`)))
	b.Sync(3)
	mood, ok := b.World().DynamicValue(id, "Mood")
	require.True(t, ok)
	require.Equal(t, "calm", mood)
}

func TestDespawnPurgesPendingUpdates(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)
	id, err := b.Spawn(c, eval(t, L, `{ Health = { current = 1 } }`).(*lua.LTable))
	require.NoError(t, err)
	b.Sync(1)

	require.NoError(t, b.UpdateComponent(c, id, "Health", eval(t, L, `{ current = 3 }`)))
	require.NoError(t, b.Despawn(c, id))
	rep := b.Sync(2)
	require.Equal(t, 1, rep.Despawned)
	require.Zero(t, rep.Updated)
	require.Zero(t, rep.Dropped)
	require.Zero(t, b.Handles().Len())

	err = b.UpdateComponent(c, id, "Health", eval(t, L, `{}`))
	require.ErrorIs(t, err, ErrNotAlive)
	require.Equal(t, "target_missing", ErrorKind(err))
}

func TestSpawnThenDespawnSameFrame(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)
	id, err := b.Spawn(c, eval(t, L, `{ Position = {} }`).(*lua.LTable))
	require.NoError(t, err)
	require.NoError(t, b.Despawn(c, id))

	rep := b.Sync(1)
	require.Equal(t, 1, rep.Despawned)
	require.Zero(t, rep.Spawned)
	require.False(t, b.World().Alive(id))
	s, _ := b.World().Store("Position")
	require.Zero(t, s.Len())
}

func TestSpawnRejectsBadComponents(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)
	before := b.World().EntityCount()

	_, err := b.Spawn(c, eval(t, L, `{ Position = { x = "far" } }`).(*lua.LTable))
	require.ErrorIs(t, err, marshal.ErrTypeMismatch)
	_, err = b.Spawn(c, eval(t, L, `{ [1] = true }`).(*lua.LTable))
	require.Error(t, err)
	require.Equal(t, before, b.World().EntityCount(), "nothing reserved for a rejected spawn")
}

func TestRemovedDynamicComponent(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)
	id, err := b.Spawn(c, eval(t, L, `{ Foo = { n = 1 } }`).(*lua.LTable))
	require.NoError(t, err)
	b.Sync(1)

	require.NoError(t, b.RemoveComponent(c, id, "Foo"))
	b.Sync(2)
	require.Equal(t, []ecs.EntityID{id}, b.QueryRemoved("Foo"))
	require.Equal(t, []ecs.EntityID{id}, b.QueryRemoved("Foo"), "stable within the frame")

	b.Sync(3)
	require.Empty(t, b.QueryRemoved("Foo"))
}

func TestClassificationIsStable(t *testing.T) {
	b, _ := newBridge(t)
	first := b.Classify("Foo")
	for i := 0; i < 3; i++ {
		require.Equal(t, first, b.Classify("Foo"))
	}
	require.NotEqual(t, first.Class, b.Classify("Position").Class)
}

func TestResources(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)
	require.NoError(t, RegisterResource(b, "Score", &score{Points: 1}))

	v, err := b.Resource(c, "Score")
	require.NoError(t, err)
	require.Equal(t, lua.LNumber(1), v.(*lua.LTable).RawGetString("points"))

	require.NoError(t, b.InsertResource(c, "Score", eval(t, L, `{ points = 9 }`)))
	require.NoError(t, b.InsertResource(c, "Weather", eval(t, L, `{ rain = true }`)))
	require.ErrorIs(t, b.InsertResource(c, "Score", eval(t, L, `{ points = 0.5 }`)), marshal.ErrLossyNumber)
	rep := b.Sync(1)
	require.Equal(t, 2, rep.Resources)

	got, _ := b.World().Resource("Score")
	require.Equal(t, &score{Points: 9}, got)
	w, err := b.Resource(c, "Weather")
	require.NoError(t, err)
	require.Equal(t, lua.LTrue, w.(*lua.LTable).RawGetString("rain"))

	missing, err := b.Resource(c, "Nope")
	require.NoError(t, err)
	require.Equal(t, lua.LNil, missing)
}

func TestEventsReachDeferredInstances(t *testing.T) {
	b, L := newBridge(t)
	b.AttachExecutor(execFunc(func(context.Context, instance.Instance) error { return nil }),
		func(string) ([]byte, error) { return nil, nil })
	i1, err := b.Load(context.Background(), "a.lua")
	require.NoError(t, err)
	i2, err := b.Load(context.Background(), "b.lua")
	require.NoError(t, err)
	c1, c2 := caller(L, i1.ID, ecs.RuntimePhase), caller(L, i2.ID, ecs.RuntimePhase)

	b.Sync(1)
	b.ReadEvents(c1, event.ScriptLoaded)
	b.ReadEvents(c2, event.ScriptLoaded)

	require.NoError(t, b.WriteEvent(c1, "Ping", eval(t, L, `{ n = 1 }`)))
	b.Sync(2)
	got := b.ReadEvents(c1, "Ping")
	require.Len(t, got, 1)
	require.Equal(t, map[string]any{"n": 1.0}, got[0].Value)

	// i2 is skipped for three frames
	for f := uint64(3); f <= 5; f++ {
		b.Sync(f)
		require.Empty(t, b.ReadEvents(c1, "Ping"))
	}
	got = b.ReadEvents(c2, "Ping")
	require.Len(t, got, 1)
	require.Empty(t, b.ReadEvents(c2, "Ping"))

	rows, err := b.EncodeEvents(L, got)
	require.NoError(t, err)
	require.Equal(t, lua.LNumber(1), rows.RawGetInt(1).(*lua.LTable).RawGetString("value").(*lua.LTable).RawGetString("n"))
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestEventsReachBudgetDeferredInstance(t *testing.T) {
	clk := &stepClock{now: time.Unix(0, 0)}
	sched := scheduler.New(scheduler.Config{BudgetEnabled: true, Budget: 10 * time.Millisecond}, zap.NewNop(), scheduler.WithClock(clk.Now))
	b, L := newBridgeWith(t, sched)
	b.AttachExecutor(execFunc(func(context.Context, instance.Instance) error { return nil }),
		func(string) ([]byte, error) { return nil, nil })
	ctx := context.Background()
	i1, err := b.Load(ctx, "a.lua")
	require.NoError(t, err)
	i2, err := b.Load(ctx, "b.lua")
	require.NoError(t, err)
	c1, c2 := caller(L, i1.ID, ecs.RuntimePhase), caller(L, i2.ID, ecs.RuntimePhase)

	// each system spends the whole budget, so one runs per frame
	wrote := false
	for _, name := range []string{"writer", "idle1", "idle2"} {
		name := name
		require.NoError(t, b.RegisterSystem(i1.ID, name, func(context.Context, uint64) error {
			clk.Advance(10 * time.Millisecond)
			if name == "writer" && !wrote {
				wrote = true
				return b.WriteEvent(c1, "Ping", eval(t, L, `{ n = 1 }`))
			}
			return nil
		}))
	}
	var ranAt []uint64
	var pings []events.Envelope
	require.NoError(t, b.RegisterSystem(i2.ID, "reader", func(_ context.Context, frame uint64) error {
		clk.Advance(10 * time.Millisecond)
		ranAt = append(ranAt, frame)
		pings = append(pings, b.ReadEvents(c2, "Ping")...)
		return nil
	}))

	for f := uint64(1); f <= 8; f++ {
		b.Tick(ctx, f)
	}
	require.Equal(t, []uint64{4, 8}, ranAt, "the reader is deferred by the budget")
	require.Len(t, pings, 1, "delivered exactly once despite the deferral")
	require.EqualValues(t, 2, pings[0].Frame)
	require.Equal(t, map[string]any{"n": 1.0}, pings[0].Value)
}

func TestReloadBeforeSyncTearsDownPendingSpawns(t *testing.T) {
	b, L := newBridge(t)
	exec := execFunc(func(_ context.Context, inst instance.Instance) error {
		_, err := b.Spawn(caller(L, inst.ID, ecs.ScriptPhase), eval(t, L, `{ Marker = {} }`).(*lua.LTable))
		return err
	})
	b.AttachExecutor(exec, func(string) ([]byte, error) { return []byte("body"), nil })
	ctx := context.Background()

	inst, err := b.Load(ctx, "m.lua")
	require.NoError(t, err)
	first := b.World().Owned(inst.ID, ecs.ScriptPhase)
	require.Len(t, first, 1, "owned as soon as it is reserved")

	_, err = b.OnFileChanged(ctx, "m.lua")
	require.NoError(t, err)
	rep := b.Sync(1)
	require.Equal(t, 1, rep.Despawned)
	require.Equal(t, 1, rep.Spawned)
	require.Equal(t, 1, rep.Dropped, "the old body's spawn lands on a dead id")

	require.False(t, b.World().Alive(first[0]))
	owned := b.World().Owned(inst.ID, ecs.ScriptPhase)
	require.Len(t, owned, 1)
	require.Equal(t, owned, b.World().DynamicEntities("Marker"))
}

type execFunc func(ctx context.Context, inst instance.Instance) error

func (f execFunc) Execute(ctx context.Context, inst instance.Instance) error { return f(ctx, inst) }

func TestHotReloadKeepsRuntimeEntities(t *testing.T) {
	b, L := newBridge(t)
	var runtimeEnt ecs.EntityID
	runs := 0
	exec := execFunc(func(_ context.Context, inst instance.Instance) error {
		runs++
		c := caller(L, inst.ID, ecs.ScriptPhase)
		if _, err := b.Spawn(c, eval(t, L, `{ Position = {} }`).(*lua.LTable)); err != nil {
			return err
		}
		if string(inst.Content) == "broken" {
			return errors.New("boom")
		}
		return b.RegisterSystem(inst.ID, "spawner", func(context.Context, uint64) error {
			if runtimeEnt.IsZero() {
				id, err := b.Spawn(caller(L, inst.ID, ecs.RuntimePhase), eval(t, L, `{ Position = {} }`).(*lua.LTable))
				runtimeEnt = id
				return err
			}
			return nil
		})
	})
	content := []byte("v1")
	b.AttachExecutor(exec, func(string) ([]byte, error) { return content, nil })

	inst, err := b.Load(context.Background(), "s.lua")
	require.NoError(t, err)
	b.Tick(context.Background(), 1)
	b.Sync(2)
	scriptEnts := b.World().Owned(inst.ID, ecs.ScriptPhase)
	require.Len(t, scriptEnts, 1)
	require.False(t, runtimeEnt.IsZero())
	require.Equal(t, 1, b.Scheduler().Len())

	content = []byte("v2")
	ids, err := b.OnFileChanged(context.Background(), "s.lua")
	require.NoError(t, err)
	require.Equal(t, []uint64{inst.ID}, ids, "identity survives reload")
	require.Equal(t, 1, b.Scheduler().Len(), "systems are re-registered, not duplicated")

	b.Sync(3)
	require.False(t, b.World().Alive(scriptEnts[0]), "script-phase entity torn down")
	require.True(t, b.World().Alive(runtimeEnt), "runtime-phase entity preserved")
	require.Len(t, b.World().Owned(inst.ID, ecs.ScriptPhase), 1, "the new body spawned its own")

	content = []byte("broken")
	_, err = b.OnFileChanged(context.Background(), "s.lua")
	var re *instance.ReloadError
	require.ErrorAs(t, err, &re)
	require.Equal(t, inst.ID, re.InstanceID)
	require.Equal(t, "reload_failed", ErrorKind(err))
	require.Equal(t, 3, runs)
}

func TestStopInstance(t *testing.T) {
	b, L := newBridge(t)
	b.AttachExecutor(execFunc(func(context.Context, instance.Instance) error { return nil }),
		func(string) ([]byte, error) { return nil, nil })
	inst, err := b.Load(context.Background(), "s.lua")
	require.NoError(t, err)
	require.NoError(t, b.RegisterSystem(inst.ID, "noop", func(context.Context, uint64) error { return nil }))

	require.True(t, b.StopInstance(inst.ID))
	require.False(t, b.StopInstance(inst.ID))
	require.Zero(t, b.Scheduler().Len())
	require.Error(t, b.RegisterSystem(inst.ID, "late", func(context.Context, uint64) error { return nil }))

	ids, err := b.OnFileChanged(context.Background(), "s.lua")
	require.NoError(t, err)
	require.Empty(t, ids, "stopped instances are not reloaded")

	c := caller(L, inst.ID, ecs.RuntimePhase)
	require.NoError(t, b.UpdateComponent(c, b.World().CreateEntity(), "Health", eval(t, L, `{}`)))
	require.True(t, b.RemoveInstance(inst.ID))
	require.Zero(t, b.Handles().Len())
}

type releasingExec struct {
	execFunc
	released []uint64
}

func (e *releasingExec) Release(id uint64) { e.released = append(e.released, id) }

func TestRemovePathForgetsEveryInstance(t *testing.T) {
	b, L := newBridge(t)
	exec := &releasingExec{execFunc: func(context.Context, instance.Instance) error { return nil }}
	b.AttachExecutor(exec, func(string) ([]byte, error) { return nil, nil })
	ctx := context.Background()

	i1, err := b.Load(ctx, "s.lua")
	require.NoError(t, err)
	i2, err := b.Load(ctx, "s.lua")
	require.NoError(t, err)
	other, err := b.Load(ctx, "other.lua")
	require.NoError(t, err)
	require.NoError(t, b.RegisterSystem(i1.ID, "noop", func(context.Context, uint64) error { return nil }))
	require.True(t, b.StopInstance(i2.ID))
	b.Sync(1)
	c2 := caller(L, i2.ID, ecs.RuntimePhase)
	require.NoError(t, b.UpdateComponent(c2, b.World().CreateEntity(), "Health", eval(t, L, `{}`)))
	require.Equal(t, 1, b.Handles().Len())

	ids := b.RemovePath("s.lua")
	require.Equal(t, []uint64{i1.ID, i2.ID}, ids, "stopped instances go too")
	require.Equal(t, ids, exec.released)
	for _, id := range ids {
		_, ok := b.Instances().Get(id)
		require.False(t, ok)
	}
	require.Zero(t, b.Scheduler().Len())
	require.Zero(t, b.Handles().Len())
	require.Equal(t, []string{"other.lua"}, b.Instances().Paths())
	require.Empty(t, b.RemovePath("s.lua"))

	b.Sync(2)
	removed := b.ReadEvents(caller(L, other.ID, ecs.RuntimePhase), event.ScriptRemoved)
	require.Len(t, removed, 2)
}

func TestDrainQueuesForExternalHosts(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)
	id := b.World().CreateEntity()

	require.NoError(t, b.UpdateComponent(c, id, "Health", eval(t, L, `{ current = 4 }`)))
	_, err := b.Spawn(c, eval(t, L, `{ Foo = 1 }`).(*lua.LTable))
	require.NoError(t, err)

	updates := b.DrainUpdateQueue()
	require.Len(t, updates, 1)
	require.Equal(t, health{Current: 4}, updates[0].Value)
	require.Zero(t, b.Handles().Len())

	spawns := b.DrainSpawnQueue()
	require.Len(t, spawns, 1)
	require.Equal(t, map[string]any{}, spawns[0].Components)
	require.Empty(t, b.DrainDespawnQueue())
	require.Empty(t, b.DrainResourceQueue())
}

func TestCallMethodErrorsAreReported(t *testing.T) {
	b, L := newBridge(t)
	c := caller(L, 1, ecs.RuntimePhase)
	_, err := b.CallMethod(c, "Nope", "x", 0, lua.LNil)
	require.ErrorIs(t, err, registry.ErrUnknownType)
	require.Equal(t, "unknown_type", ErrorKind(err))
}
