// Package bridge connects script instances to the host world. Scripts never
// touch the world directly: mutations are queued and applied at Sync, queries
// are served from a per-frame cache, and method calls go through the type
// registry under the world's write lock.
package bridge

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge/cache"
	"github.com/l1jgo/scriptbridge/internal/bridge/events"
	"github.com/l1jgo/scriptbridge/internal/bridge/instance"
	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/bridge/queue"
	"github.com/l1jgo/scriptbridge/internal/bridge/registry"
	"github.com/l1jgo/scriptbridge/internal/bridge/removed"
	"github.com/l1jgo/scriptbridge/internal/bridge/scheduler"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
	"github.com/l1jgo/scriptbridge/internal/core/event"
)

type Config struct {
	SkipUnchangedReload bool
}

type componentInfo struct {
	desc  *marshal.Descriptor
	index int
}

// Bridge is the single entry point for both the host loop and the script
// engine.
type Bridge struct {
	world *ecs.World
	m     *marshal.Marshaler
	reg   *registry.Registry
	bus   *event.Bus
	log   *zap.Logger

	handles   *marshal.Handles
	queues    *queue.Queues
	cache     *cache.Cache
	instances *instance.Registry
	sched     *scheduler.Scheduler
	events    *events.Accumulator
	removed   *removed.Tracker

	typesMu    sync.RWMutex
	components map[string]componentInfo

	execMu   sync.RWMutex
	exec     instance.Executor
	source   instance.SourceFunc
	reloader *instance.Reloader

	frame atomic.Uint64
	cfg   Config
}

func New(w *ecs.World, reg *registry.Registry, sched *scheduler.Scheduler, bus *event.Bus, cfg Config, log *zap.Logger) *Bridge {
	handles := marshal.NewHandles()
	return &Bridge{
		world:      w,
		m:          reg.Marshaler(),
		reg:        reg,
		bus:        bus,
		log:        log,
		handles:    handles,
		queues:     queue.New(handles),
		cache:      cache.New(),
		instances:  instance.NewRegistry(),
		sched:      sched,
		events:     events.NewAccumulator(),
		removed:    removed.NewTracker(),
		components: make(map[string]componentInfo),
		source:     os.ReadFile,
		cfg:        cfg,
	}
}

func (b *Bridge) World() *ecs.World               { return b.world }
func (b *Bridge) Registry() *registry.Registry    { return b.reg }
func (b *Bridge) Marshaler() *marshal.Marshaler   { return b.m }
func (b *Bridge) Instances() *instance.Registry   { return b.instances }
func (b *Bridge) Scheduler() *scheduler.Scheduler { return b.sched }
func (b *Bridge) Bus() *event.Bus                 { return b.bus }
func (b *Bridge) Handles() *marshal.Handles       { return b.handles }
func (b *Bridge) Frame() uint64                   { return b.frame.Load() }

// RegisterComponent creates the world store for T under name and makes it
// addressable from scripts.
func RegisterComponent[T any](b *Bridge, name string) error {
	if err := registry.RegisterComponent[T](b.reg, registry.TypeID(name)); err != nil {
		return fmt.Errorf("register component %s: %w", name, err)
	}
	d, err := marshal.DescribeOf[T](b.m)
	if err != nil {
		return fmt.Errorf("register component %s: %w", name, err)
	}
	b.world.Lock()
	ecs.RegisterComponent[T](b.world, name)
	idx, _ := b.world.StoreIndex(name)
	b.world.Unlock()

	b.typesMu.Lock()
	b.components[name] = componentInfo{desc: d, index: idx}
	b.typesMu.Unlock()
	return nil
}

// RegisterResource makes T addressable as the resource name and, when
// initial is not nil, inserts it.
func RegisterResource[T any](b *Bridge, name string, initial *T) error {
	if err := registry.RegisterResource[T](b.reg, registry.TypeID(name)); err != nil {
		return fmt.Errorf("register resource %s: %w", name, err)
	}
	if initial == nil {
		return nil
	}
	b.world.Lock()
	defer b.world.Unlock()
	return b.world.InsertResource(name, initial)
}

func (b *Bridge) component(name string) (componentInfo, bool) {
	b.typesMu.RLock()
	defer b.typesMu.RUnlock()
	ci, ok := b.components[name]
	return ci, ok
}

// Classify returns the permanent storage class of a component name.
func (b *Bridge) Classify(name string) cache.Classification {
	return b.cache.Classify(name, b.resolve)
}

func (b *Bridge) resolve(name string) cache.Classification {
	if ci, ok := b.component(name); ok {
		return cache.Classification{Class: cache.ClassNative, ID: cache.NativeID(ci.index)}
	}
	return cache.Classification{Class: cache.ClassDynamic, ID: cache.DynamicID(name)}
}

// classifyAll resolves names in one pass over the unresolved ones.
func (b *Bridge) classifyAll(names []string) map[string]cache.Classification {
	known, unresolved := b.cache.Partition(names)
	for _, name := range unresolved {
		known[name] = b.cache.Record(name, b.resolve(name))
	}
	return known
}

// AttachExecutor wires the script engine in. Until it is attached, Load and
// OnFileChanged fail with ErrNoExecutor.
func (b *Bridge) AttachExecutor(exec instance.Executor, source instance.SourceFunc) {
	b.execMu.Lock()
	defer b.execMu.Unlock()
	b.exec = exec
	if source != nil {
		b.source = source
	}
	b.reloader = instance.NewReloader(b.instances, reloadHost{b}, reloadExec{b}, b.source, b.cfg.SkipUnchangedReload, b.log)
}

func (b *Bridge) executor() (instance.Executor, instance.SourceFunc, *instance.Reloader) {
	b.execMu.RLock()
	defer b.execMu.RUnlock()
	return b.exec, b.source, b.reloader
}

// Load reads path and runs it as a new instance. A body that fails leaves the
// instance stopped: it keeps what it spawned but receives no events or
// reloads.
func (b *Bridge) Load(ctx context.Context, path string) (instance.Instance, error) {
	exec, source, _ := b.executor()
	if exec == nil {
		return instance.Instance{}, ErrNoExecutor
	}
	content, err := source(path)
	if err != nil {
		return instance.Instance{}, fmt.Errorf("load %s: %w", path, err)
	}
	inst := b.instances.Create(path, content)
	if err := exec.Execute(ctx, inst); err != nil {
		b.StopInstance(inst.ID)
		b.log.Error("script failed", zap.Uint64("instance", inst.ID), zap.String("path", path), zap.Error(err))
		return inst, fmt.Errorf("load %s: %w", path, err)
	}
	b.bus.Emit(event.ScriptLoaded, event.InstanceEvent{Instance: inst.ID, Path: path})
	b.log.Info("script loaded", zap.Uint64("instance", inst.ID), zap.String("path", path))
	return inst, nil
}

// OnFileChanged hot-reloads every running instance of path.
func (b *Bridge) OnFileChanged(ctx context.Context, path string) ([]uint64, error) {
	_, _, rl := b.executor()
	if rl == nil {
		return nil, ErrNoExecutor
	}
	ids, err := rl.OnFileChanged(ctx, path)
	for _, id := range ids {
		b.bus.Emit(event.ScriptReloaded, event.InstanceEvent{Instance: id, Path: path})
	}
	return ids, err
}

// StopInstance stops id: its systems leave the scheduler and its event
// buffers are dropped. Its entities stay.
func (b *Bridge) StopInstance(id uint64) bool {
	inst, ok := b.instances.Get(id)
	if !ok || !b.instances.Stop(id) {
		return false
	}
	b.sched.RemoveGroup(id)
	b.events.DropInstance(id)
	b.bus.Emit(event.ScriptStopped, event.InstanceEvent{Instance: id, Path: inst.Path})
	return true
}

// RemoveInstance forgets id entirely and releases the script values it still
// has pinned in pending requests. Its entities stay.
func (b *Bridge) RemoveInstance(id uint64) bool {
	inst, ok := b.instances.Get(id)
	if !ok || !b.instances.Remove(id) {
		return false
	}
	b.forget(inst.ID, inst.Path)
	return true
}

// RemovePath forgets every instance of path, stopped ones included, and
// returns their ids. Hosts call it when the script file is deleted.
func (b *Bridge) RemovePath(path string) []uint64 {
	ids := b.instances.RemovePath(path)
	for _, id := range ids {
		b.forget(id, path)
	}
	if len(ids) > 0 {
		b.log.Info("script path removed", zap.String("path", path), zap.Uint64s("instances", ids))
	}
	return ids
}

// forget tears down everything the bridge keeps for a removed instance.
func (b *Bridge) forget(id uint64, path string) {
	b.sched.RemoveGroup(id)
	b.events.DropInstance(id)
	if n := b.handles.ReleaseOwner(id); n > 0 {
		b.log.Debug("released pinned script values", zap.Uint64("instance", id), zap.Int("count", n))
	}
	exec, _, _ := b.executor()
	if r, ok := exec.(instance.Releaser); ok {
		r.Release(id)
	}
	b.bus.Emit(event.ScriptRemoved, event.InstanceEvent{Instance: id, Path: path})
}

// RegisterSystem schedules fn every frame on behalf of instance. Systems of
// one instance share its state group and never run concurrently.
func (b *Bridge) RegisterSystem(inst uint64, name string, fn func(ctx context.Context, frame uint64) error) error {
	i, ok := b.instances.Get(inst)
	if !ok {
		return ErrUnknownInstance
	}
	if i.Stopped {
		return fmt.Errorf("register system %s: instance %d is stopped", name, inst)
	}
	b.sched.Add(scheduler.System{Name: name, Group: inst, Run: fn})
	return nil
}

// reloadHost gives the reloader the instance's script-phase entities and a
// way to queue their despawn.
type reloadHost struct{ b *Bridge }

func (h reloadHost) ScriptEntities(inst uint64) []ecs.EntityID {
	h.b.world.RLock()
	defer h.b.world.RUnlock()
	return h.b.world.Owned(inst, ecs.ScriptPhase)
}

func (h reloadHost) Despawn(id ecs.EntityID) {
	h.b.queues.Despawn.Enqueue(queue.Despawn{Entity: id})
}

// reloadExec clears an instance's systems before its body re-runs, so the new
// body registers them afresh.
type reloadExec struct{ b *Bridge }

func (e reloadExec) Execute(ctx context.Context, inst instance.Instance) error {
	exec, _, _ := e.b.executor()
	e.b.sched.RemoveGroup(inst.ID)
	return exec.Execute(ctx, inst)
}
