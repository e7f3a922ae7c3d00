package scripting

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge"
	"github.com/l1jgo/scriptbridge/internal/bridge/instance"
	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// apiVersion is exposed to scripts as the API_VERSION global.
const apiVersion = 2

// Engine runs script instances, one gopher-lua VM per instance. A VM is only
// ever entered by one goroutine at a time: top-level execution, the
// instance's systems and its tasks all serialize on the instance's lock.
type Engine struct {
	b   *bridge.Bridge
	log *zap.Logger

	mu     sync.Mutex
	states map[uint64]*state
}

// NewEngine creates the engine and attaches it to b as the executor for
// loads and hot reloads. source reads script files; nil means os.ReadFile.
func NewEngine(b *bridge.Bridge, source instance.SourceFunc, log *zap.Logger) *Engine {
	e := &Engine{
		b:      b,
		log:    log,
		states: make(map[uint64]*state),
	}
	b.AttachExecutor(e, source)
	return e
}

// state is one instance's VM and everything tied to it.
type state struct {
	e    *Engine
	L    *lua.LState
	id   uint64
	path string

	mu     sync.Mutex
	ctx    context.Context
	phase  ecs.SpawnPhase
	tasks  []*task
	closed bool
}

func (e *Engine) newState(inst instance.Instance) *state {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	L.SetGlobal("API_VERSION", lua.LNumber(apiVersion))
	marshal.RegisterEntityType(L)

	st := &state{
		e:     e,
		L:     L,
		id:    inst.ID,
		path:  inst.Path,
		ctx:   context.Background(),
		phase: ecs.RuntimePhase,
	}
	st.install()
	return st
}

// Execute runs inst's body in a fresh VM. A previous VM for the same
// instance, with its pending tasks, is closed first.
func (e *Engine) Execute(ctx context.Context, inst instance.Instance) error {
	st := e.newState(inst)

	e.mu.Lock()
	old := e.states[inst.ID]
	e.states[inst.ID] = st
	e.mu.Unlock()
	if old != nil {
		old.close()
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.enter(ctx, ecs.ScriptPhase)
	defer st.leave()

	fn, err := st.L.Load(bytes.NewReader(inst.Content), "@"+inst.Path)
	if err != nil {
		return fmt.Errorf("compile %s: %w", inst.Path, err)
	}
	st.L.Push(fn)
	if err := st.L.PCall(0, lua.MultRet, nil); err != nil {
		return err
	}
	st.L.SetTop(0)
	return nil
}

// Load runs path as a new instance through the bridge.
func (e *Engine) Load(ctx context.Context, path string) (instance.Instance, error) {
	return e.b.Load(ctx, path)
}

// Remove forgets the instance; the bridge hands it back through Release.
func (e *Engine) Remove(id uint64) bool {
	return e.b.RemoveInstance(id)
}

// Release closes the VM of a removed instance.
func (e *Engine) Release(id uint64) {
	e.mu.Lock()
	st := e.states[id]
	delete(e.states, id)
	e.mu.Unlock()
	if st != nil {
		st.close()
	}
}

// PollTasks resumes every task whose wait condition holds. Instances are
// visited in id order.
func (e *Engine) PollTasks(ctx context.Context, frame uint64) int {
	e.mu.Lock()
	states := make([]*state, 0, len(e.states))
	for _, st := range e.states {
		states = append(states, st)
	}
	e.mu.Unlock()
	sort.Slice(states, func(i, j int) bool { return states[i].id < states[j].id })

	resumed := 0
	for _, st := range states {
		if inst, ok := e.b.Instances().Get(st.id); !ok || inst.Stopped {
			continue
		}
		resumed += st.pollTasks(ctx, frame)
	}
	return resumed
}

// TaskCount returns the number of live tasks across all instances.
func (e *Engine) TaskCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, st := range e.states {
		st.mu.Lock()
		n += len(st.tasks)
		st.mu.Unlock()
	}
	return n
}

// Close shuts down every VM.
func (e *Engine) Close() {
	e.mu.Lock()
	states := e.states
	e.states = make(map[uint64]*state)
	e.mu.Unlock()
	for _, st := range states {
		st.close()
	}
}

// enter prepares the VM for a call from the host. Caller holds st.mu.
func (st *state) enter(ctx context.Context, phase ecs.SpawnPhase) {
	if ctx == nil {
		ctx = context.Background()
	}
	st.ctx, st.phase = ctx, phase
	st.L.SetContext(ctx)
}

func (st *state) leave() {
	st.L.RemoveContext()
	st.ctx, st.phase = context.Background(), ecs.RuntimePhase
}

func (st *state) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	st.tasks = nil
	st.L.Close()
}

func (st *state) caller() bridge.Caller {
	return bridge.Caller{Ctx: st.ctx, L: st.L, Instance: st.id, Phase: st.phase}
}

// system wraps a script function as a scheduler system of this instance.
func (st *state) system(name string, fn *lua.LFunction) func(ctx context.Context, frame uint64) error {
	return func(ctx context.Context, frame uint64) error {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.closed {
			return nil
		}
		st.enter(ctx, ecs.RuntimePhase)
		defer st.leave()
		if err := st.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lua.LNumber(frame)); err != nil {
			return fmt.Errorf("system %s: %w", name, err)
		}
		return nil
	}
}
