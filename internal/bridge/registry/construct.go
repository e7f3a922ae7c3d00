package registry

import (
	"fmt"
	"reflect"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
)

// Constructor registers a handler that builds a fresh T from script data.
// Construct inserts the result as a component of the call target or as the
// resource named name, depending on kind.
func Constructor[T, A any](r *Registry, name TypeID, kind EntryKind, fn func(args A) (*T, error)) error {
	if kind == KindSystemParam {
		return fmt.Errorf("constructor %s: system params are host-provided", name)
	}
	e, err := r.entry(name, kind, typeOf[T]())
	if err != nil {
		return err
	}
	if _, err := marshal.DescribeOf[A](r.m); err != nil {
		return err
	}
	m := r.m
	r.mu.Lock()
	e.construct = func(cc CallContext, data lua.LValue) (any, error) {
		a, err := marshal.Decode[A](m, data)
		if err != nil {
			return nil, err
		}
		v, err := fn(a)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("constructor %s returned nil", name)
		}
		return v, nil
	}
	r.mu.Unlock()
	return nil
}

// ResourceBuilder registers a multi-step resource constructor. The builder
// works against a Staging view of the world; its inserts, and the returned
// resource itself, land in the world only if it succeeds.
func ResourceBuilder[T, A any](r *Registry, name TypeID, fn func(st *Staging, args A) (*T, error)) error {
	e, err := r.entry(name, KindResource, typeOf[T]())
	if err != nil {
		return err
	}
	if _, err := marshal.DescribeOf[A](r.m); err != nil {
		return err
	}
	m := r.m
	r.mu.Lock()
	e.build = func(cc CallContext, st *Staging, data lua.LValue) (any, error) {
		a, err := marshal.Decode[A](m, data)
		if err != nil {
			return nil, err
		}
		v, err := fn(st, a)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("builder %s returned nil", name)
		}
		return v, nil
	}
	r.mu.Unlock()
	return nil
}

// Construct builds typeName from data and inserts it, returning the encoded
// value.
func (r *Registry) Construct(cc CallContext, typeName TypeID, data lua.LValue) (lua.LValue, error) {
	e, ok := r.Lookup(typeName)
	if !ok {
		return lua.LNil, dispatchErr(KindUnknownType, string(typeName), "construct", "")
	}
	r.mu.RLock()
	fn := e.construct
	r.mu.RUnlock()
	if fn == nil {
		return lua.LNil, dispatchErr(KindUnknownMethod, string(typeName), "construct", "no constructor")
	}
	if e.Kind == KindComponent && (cc.Target.IsZero() || !cc.World.Alive(cc.Target)) {
		return lua.LNil, dispatchErr(KindTargetMissing, string(typeName), "construct", "entity %s not alive", cc.Target)
	}

	var built any
	res, err := r.invoke(e, "construct", func() (lua.LValue, error) {
		v, err := fn(cc, data)
		if err != nil {
			return lua.LNil, err
		}
		built = v
		return lua.LNil, nil
	})
	if err != nil {
		return res, err
	}

	switch e.Kind {
	case KindComponent:
		err = cc.World.InsertComponent(cc.Target, string(typeName), built)
	case KindResource:
		err = cc.World.InsertResource(string(typeName), built)
	}
	if err != nil {
		return lua.LNil, fmt.Errorf("construct %s: %w", typeName, err)
	}
	return r.m.ToScript(cc.L, built, e.Desc)
}

// BuildResource runs the builder registered for typeName. On failure nothing
// it staged reaches the world and its rollback hooks run.
func (r *Registry) BuildResource(cc CallContext, typeName TypeID, data lua.LValue) error {
	e, ok := r.Lookup(typeName)
	if !ok {
		return dispatchErr(KindUnknownType, string(typeName), "build", "")
	}
	r.mu.RLock()
	fn := e.build
	r.mu.RUnlock()
	if fn == nil {
		return dispatchErr(KindUnknownMethod, string(typeName), "build", "no resource builder")
	}

	st := newStaging(cc)
	var built any
	_, err := r.invoke(e, "build", func() (lua.LValue, error) {
		v, err := fn(cc, st, data)
		built = v
		return lua.LNil, err
	})
	if err == nil {
		err = st.stage(string(typeName), built)
	}
	if err != nil {
		st.rollback()
		r.log.Debug("resource build rolled back", zap.String("type", string(typeName)), zap.Error(err))
		return err
	}
	st.commit()
	return nil
}

// Staging buffers the world writes of a resource builder.
type Staging struct {
	cc        CallContext
	resources map[string]any
	dynamic   map[string]any
	order     []string
	undo      []func()
}

func newStaging(cc CallContext) *Staging {
	return &Staging{
		cc:        cc,
		resources: make(map[string]any),
		dynamic:   make(map[string]any),
	}
}

// Ctx is the context of the call that started the build.
func (s *Staging) Ctx() CallContext { return s.cc }

// InsertResource stages a native resource. value must be a non-nil pointer.
func (s *Staging) InsertResource(name string, value any) error {
	return s.stage(name, value)
}

func (s *Staging) stage(name string, value any) error {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("stage resource %q: want non-nil pointer, got %T", name, value)
	}
	if _, ok := s.resources[name]; !ok {
		s.order = append(s.order, name)
	}
	s.resources[name] = value
	return nil
}

// SetDynamicResource stages a plain script-side resource.
func (s *Staging) SetDynamicResource(name string, value any) {
	s.dynamic[name] = value
}

// Resource reads through the staged writes to the world.
func (s *Staging) Resource(name string) (any, bool) {
	if v, ok := s.resources[name]; ok {
		return v, true
	}
	return s.cc.World.Resource(name)
}

// OnRollback registers fn to undo an external side effect (closing a socket,
// say) if the build fails after it.
func (s *Staging) OnRollback(fn func()) {
	s.undo = append(s.undo, fn)
}

func (s *Staging) rollback() {
	for i := len(s.undo) - 1; i >= 0; i-- {
		s.undo[i]()
	}
	s.resources, s.dynamic, s.order = nil, nil, nil
}

func (s *Staging) commit() {
	w := s.cc.World
	for _, name := range s.order {
		// validated in stage
		_ = w.InsertResource(name, s.resources[name])
	}
	for name, v := range s.dynamic {
		w.SetDynamicResource(name, v)
	}
}
