package bridge

import (
	"context"
	"reflect"

	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge/cache"
	"github.com/l1jgo/scriptbridge/internal/bridge/queue"
	"github.com/l1jgo/scriptbridge/internal/bridge/removed"
	"github.com/l1jgo/scriptbridge/internal/bridge/scheduler"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// SyncReport counts what one Sync applied.
type SyncReport struct {
	Despawned int
	Spawned   int
	Updated   int
	Resources int
	Dropped   int
	Events    int
}

// Sync is the once-per-frame synchronization point. Under the world's write
// lock it applies queued despawns, spawns, component updates and resource
// inserts in that order, then refreshes the removed-component tracker. Host
// events emitted since the previous Sync are then fanned out to every
// running instance.
func (b *Bridge) Sync(frame uint64) SyncReport {
	var rep SyncReport
	b.frame.Store(frame)

	if b.queues.Pending() {
		b.world.Lock()
		b.applyDespawns(&rep)
		b.applySpawns(&rep)
		b.applyUpdates(&rep)
		b.applyResources(&rep)
		b.world.Unlock()
	}

	b.world.RLock()
	b.removed.Refresh(frame, func() removed.Snapshot { return removed.FromWorld(b.world) })
	b.world.RUnlock()

	b.bus.SwapBuffers()
	front := b.bus.Front()
	if len(front) > 0 {
		ids := b.instances.ActiveIDs()
		for _, ev := range front {
			b.events.PushToInstances(ids, ev.Type, frame, ev.Value)
		}
		rep.Events = len(front)
		b.bus.DispatchAll()
	}

	if rep != (SyncReport{}) {
		b.log.Debug("sync applied",
			zap.Uint64("frame", frame),
			zap.Int("despawned", rep.Despawned),
			zap.Int("spawned", rep.Spawned),
			zap.Int("updated", rep.Updated),
			zap.Int("resources", rep.Resources),
			zap.Int("dropped", rep.Dropped),
			zap.Int("events", rep.Events),
		)
	}
	return rep
}

// RunScripts runs the registered script systems for frame.
func (b *Bridge) RunScripts(ctx context.Context, frame uint64) scheduler.Report {
	return b.sched.RunFrame(ctx, frame)
}

// Tick is Sync followed by RunScripts, for hosts without their own phase
// ordering.
func (b *Bridge) Tick(ctx context.Context, frame uint64) scheduler.Report {
	b.Sync(frame)
	return b.RunScripts(ctx, frame)
}

func (b *Bridge) applyDespawns(rep *SyncReport) {
	for _, id := range b.queues.DrainDespawns() {
		if b.world.Despawn(id) {
			rep.Despawned++
		}
	}
}

func (b *Bridge) applySpawns(rep *SyncReport) {
	for _, s := range b.queues.DrainSpawns() {
		if !b.world.Alive(s.Entity) {
			// despawned before its spawn was applied
			rep.Dropped++
			continue
		}
		b.world.SetOwner(s.Entity, s.Owner)
		for name, v := range s.Components {
			if err := b.world.InsertComponent(s.Entity, name, v); err != nil {
				b.log.Warn("spawn component dropped", zap.Stringer("entity", s.Entity), zap.String("component", name), zap.Error(err))
				rep.Dropped++
			}
		}
		for name, v := range s.Dynamic {
			if err := b.world.SetDynamic(s.Entity, name, v); err != nil {
				b.log.Warn("spawn component dropped", zap.Stringer("entity", s.Entity), zap.String("component", name), zap.Error(err))
				rep.Dropped++
			}
		}
		rep.Spawned++
	}
}

func (b *Bridge) applyUpdates(rep *SyncReport) {
	updates := b.queues.DrainUpdates()
	defer b.queues.Release(updates)
	for _, u := range updates {
		if err := b.applyUpdate(u); err != nil {
			b.log.Warn("component update dropped",
				zap.Stringer("entity", u.Entity),
				zap.String("component", u.Name),
				zap.Error(err),
			)
			rep.Dropped++
			continue
		}
		rep.Updated++
	}
}

func (b *Bridge) applyUpdate(u queue.Update) error {
	if !b.world.Alive(u.Entity) {
		return ErrNotAlive
	}
	native := b.Classify(u.Name).Class == cache.ClassNative
	switch {
	case u.Remove && native:
		b.world.RemoveComponent(u.Entity, u.Name)
		return nil
	case u.Remove:
		b.world.RemoveDynamic(u.Entity, u.Name)
		return nil
	case !native:
		return b.world.SetDynamic(u.Entity, u.Name, u.Value)
	}

	if u.Handle == 0 {
		return b.world.InsertComponent(u.Entity, u.Name, u.Value)
	}
	lv, ok := b.handles.Get(u.Handle)
	if !ok {
		return errStaleHandle
	}
	ci, _ := b.component(u.Name)
	cur, ok := b.world.Component(u.Entity, u.Name)
	if !ok {
		rv, err := b.m.FromScript(lv, ci.desc)
		if err != nil {
			return err
		}
		return b.world.InsertComponent(u.Entity, u.Name, rv.Interface())
	}
	// patch a copy so a failing decode leaves the stored value intact
	target := reflect.ValueOf(cur).Elem()
	patched := reflect.New(target.Type()).Elem()
	patched.Set(target)
	if err := b.m.FromScriptInto(lv, ci.desc, patched); err != nil {
		return err
	}
	target.Set(patched)
	return nil
}

func (b *Bridge) applyResources(rep *SyncReport) {
	for _, r := range b.queues.DrainResources() {
		if r.Dynamic {
			b.world.SetDynamicResource(r.Name, r.Value)
			rep.Resources++
			continue
		}
		if err := b.world.InsertResource(r.Name, r.Value); err != nil {
			b.log.Warn("resource insert dropped", zap.String("resource", r.Name), zap.Error(err))
			rep.Dropped++
			continue
		}
		rep.Resources++
	}
}

// DrainSpawnQueue hands queued spawns to a host that applies them itself.
func (b *Bridge) DrainSpawnQueue() []queue.Spawn { return b.queues.DrainSpawns() }

// DrainDespawnQueue hands queued despawns to the host. Updates targeting
// them are purged.
func (b *Bridge) DrainDespawnQueue() []ecs.EntityID { return b.queues.DrainDespawns() }

// DrainResourceQueue hands queued resource inserts to the host.
func (b *Bridge) DrainResourceQueue() []queue.ResourceInsert { return b.queues.DrainResources() }

// DrainUpdateQueue hands queued updates to the host with pinned script
// values decoded into fresh typed values. Updates that no longer decode are
// dropped.
func (b *Bridge) DrainUpdateQueue() []queue.Update {
	updates := b.queues.DrainUpdates()
	defer b.queues.Release(updates)
	out := make([]queue.Update, 0, len(updates))
	for _, u := range updates {
		if u.Handle != 0 {
			lv, ok := b.handles.Get(u.Handle)
			if !ok {
				continue
			}
			ci, _ := b.component(u.Name)
			rv, err := b.m.FromScript(lv, ci.desc)
			if err != nil {
				b.log.Warn("component update dropped", zap.Stringer("entity", u.Entity), zap.String("component", u.Name), zap.Error(err))
				continue
			}
			u.Value, u.Handle = rv.Interface(), 0
		}
		out = append(out, u)
	}
	return out
}
