package registry

import (
	"context"
	"reflect"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// TypeID is the stable name scripts use to address a registered type.
type TypeID string

// EntryKind says where the value behind a type lives.
type EntryKind uint8

const (
	KindComponent   EntryKind = iota + 1 // per-entity native component
	KindResource                         // singleton in the world
	KindSystemParam                      // host-provided value resolved at call time
)

func (k EntryKind) String() string {
	switch k {
	case KindComponent:
		return "component"
	case KindResource:
		return "resource"
	case KindSystemParam:
		return "system_param"
	}
	return "unknown"
}

// None is the argument or result type of methods that take or return nothing.
type None struct{}

var noneType = reflect.TypeOf(None{})

// CallContext carries what a handler call may touch. World must be held
// exclusively by the caller for the duration of the call.
type CallContext struct {
	Ctx      context.Context
	L        *lua.LState
	World    *ecs.World
	Target   ecs.EntityID
	Instance uint64
}

type (
	methodFn    func(cc CallContext, self any, args lua.LValue) (lua.LValue, error)
	constructFn func(cc CallContext, data lua.LValue) (any, error)
	builderFn   func(cc CallContext, st *Staging, data lua.LValue) (any, error)
	decodeFn    func(raw []byte) (any, error)
	encodeFn    func(v any) ([]byte, error)
	paramFn     func(w *ecs.World) (any, bool)
)

// Entry is everything registered for one type: where its values live, how
// they marshal, and the handlers scripts can reach.
type Entry struct {
	GoType reflect.Type
	Desc   *marshal.Descriptor
	Name   TypeID
	Kind   EntryKind

	methods   map[string]methodFn
	construct constructFn
	build     builderFn
	decode    decodeFn
	encode    encodeFn
	param     paramFn
}

// Methods lists the method names registered on the entry, sorted.
func (e *Entry) Methods() []string {
	out := make([]string, 0, len(e.methods))
	for name := range e.methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (e *Entry) HasConstructor() bool { return e.construct != nil }
func (e *Entry) HasBuilder() bool     { return e.build != nil }
func (e *Entry) HasSerde() bool       { return e.decode != nil }

// Registry maps type names to entries. Registration normally happens at
// startup; lookups are safe from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	entries map[TypeID]*Entry

	m   *marshal.Marshaler
	log *zap.Logger
}

func New(m *marshal.Marshaler, log *zap.Logger) *Registry {
	return &Registry{
		entries: make(map[TypeID]*Entry),
		m:       m,
		log:     log,
	}
}

// Marshaler returns the marshaler handlers decode and encode with.
func (r *Registry) Marshaler() *marshal.Marshaler { return r.m }

// Lookup returns the entry registered under name.
func (r *Registry) Lookup(name TypeID) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Names returns every registered type name, sorted.
func (r *Registry) Names() []TypeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeID, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// entry returns the entry for name, creating it when absent. Re-registering a
// name with a different Go type or kind replaces the entry wholesale.
func (r *Registry) entry(name TypeID, kind EntryKind, t reflect.Type) (*Entry, error) {
	d, err := r.m.Describe(t)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		if e.GoType == t && e.Kind == kind {
			return e, nil
		}
		r.log.Warn("type registration replaced",
			zap.String("type", string(name)),
			zap.String("old", e.GoType.String()),
			zap.String("new", t.String()),
		)
	}
	e := &Entry{Name: name, Kind: kind, GoType: t, Desc: d, methods: make(map[string]methodFn)}
	r.entries[name] = e
	return e, nil
}

func typeOf[T any]() reflect.Type { return reflect.TypeOf((*T)(nil)).Elem() }

// RegisterComponent records T as the native component stored under name.
func RegisterComponent[T any](r *Registry, name TypeID) error {
	_, err := r.entry(name, KindComponent, typeOf[T]())
	return err
}

// RegisterResource records T as the native resource stored under name.
func RegisterResource[T any](r *Registry, name TypeID) error {
	_, err := r.entry(name, KindResource, typeOf[T]())
	return err
}

// RegisterSystemParam records T as a host-provided parameter resolved by get
// on every call.
func RegisterSystemParam[T any](r *Registry, name TypeID, get func(w *ecs.World) (*T, bool)) error {
	e, err := r.entry(name, KindSystemParam, typeOf[T]())
	if err != nil {
		return err
	}
	r.mu.Lock()
	e.param = func(w *ecs.World) (any, bool) {
		v, ok := get(w)
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}
	r.mu.Unlock()
	return nil
}

// ComponentMethod registers method on component type T, registering T
// itself when needed. Last registration of a method name wins.
func ComponentMethod[T, A, R any](r *Registry, name TypeID, method string, fn func(self *T, args A) (R, error)) error {
	return addMethod[T](r, name, KindComponent, method, fn)
}

// ResourceMethod registers method on resource type T.
func ResourceMethod[T, A, R any](r *Registry, name TypeID, method string, fn func(self *T, args A) (R, error)) error {
	return addMethod[T](r, name, KindResource, method, fn)
}

// SystemParamMethod registers method on a system parameter type. The
// parameter must already be registered with RegisterSystemParam.
func SystemParamMethod[T, A, R any](r *Registry, name TypeID, method string, fn func(self *T, args A) (R, error)) error {
	e, ok := r.Lookup(name)
	if !ok || e.Kind != KindSystemParam {
		return dispatchErr(KindUnknownType, string(name), method, "system param not registered")
	}
	return addMethod[T](r, name, KindSystemParam, method, fn)
}

func addMethod[T, A, R any](r *Registry, name TypeID, kind EntryKind, method string, fn func(*T, A) (R, error)) error {
	e, err := r.entry(name, kind, typeOf[T]())
	if err != nil {
		return err
	}
	// describe the argument and result types now so a bad signature fails at
	// registration instead of on the first call.
	if _, err := marshal.DescribeOf[A](r.m); err != nil {
		return err
	}
	resultDesc, err := marshal.DescribeOf[R](r.m)
	if err != nil {
		return err
	}
	m := r.m
	call := func(cc CallContext, self any, args lua.LValue) (lua.LValue, error) {
		target, ok := self.(*T)
		if !ok {
			return lua.LNil, dispatchErr(KindWrongTarget, string(name), method, "holds %T", self)
		}
		a, err := marshal.Decode[A](m, args)
		if err != nil {
			return lua.LNil, err
		}
		res, err := fn(target, a)
		if err != nil {
			return lua.LNil, err
		}
		if resultDesc.GoType == noneType {
			return lua.LNil, nil
		}
		return m.ToScript(cc.L, res, resultDesc)
	}
	r.mu.Lock()
	e.methods[method] = call
	r.mu.Unlock()
	return nil
}
