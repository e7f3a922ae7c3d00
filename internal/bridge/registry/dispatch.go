package registry

import (
	"reflect"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Call invokes method on the value registered as typeName. The target is
// resolved and type-checked before the handler runs: a component is looked
// up on cc.Target, a resource by its type name, a system param through its
// provider.
func (r *Registry) Call(cc CallContext, typeName TypeID, method string, args lua.LValue) (lua.LValue, error) {
	e, ok := r.Lookup(typeName)
	if !ok {
		return lua.LNil, dispatchErr(KindUnknownType, string(typeName), method, "")
	}
	r.mu.RLock()
	fn, ok := e.methods[method]
	r.mu.RUnlock()
	if !ok {
		return lua.LNil, dispatchErr(KindUnknownMethod, string(typeName), method, "")
	}

	self, err := r.resolveTarget(cc, e)
	if err != nil {
		if de, ok := err.(*DispatchError); ok {
			de.Method = method
		}
		return lua.LNil, err
	}
	return r.invoke(e, method, func() (lua.LValue, error) { return fn(cc, self, args) })
}

func (r *Registry) resolveTarget(cc CallContext, e *Entry) (any, error) {
	var (
		v  any
		ok bool
	)
	switch e.Kind {
	case KindComponent:
		if cc.Target.IsZero() || !cc.World.Alive(cc.Target) {
			return nil, dispatchErr(KindTargetMissing, string(e.Name), "", "entity %s not alive", cc.Target)
		}
		v, ok = cc.World.Component(cc.Target, string(e.Name))
		if !ok {
			return nil, dispatchErr(KindTargetMissing, string(e.Name), "", "entity %s has no %s", cc.Target, e.Name)
		}
	case KindResource:
		v, ok = cc.World.Resource(string(e.Name))
		if !ok {
			return nil, dispatchErr(KindTargetMissing, string(e.Name), "", "resource not present")
		}
	case KindSystemParam:
		if e.param != nil {
			v, ok = e.param(cc.World)
		}
		if !ok {
			return nil, dispatchErr(KindTargetMissing, string(e.Name), "", "system param unavailable")
		}
	}
	if !holdsType(v, e) {
		return nil, dispatchErr(KindWrongTarget, string(e.Name), "", "holds %T, want *%s", v, e.GoType)
	}
	return v, nil
}

func holdsType(v any, e *Entry) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	return t.Kind() == reflect.Pointer && t.Elem() == e.GoType
}

// invoke runs a user handler, turning a panic into a dispatch error so that
// malformed script input never takes the host down.
func (r *Registry) invoke(e *Entry, method string, fn func() (lua.LValue, error)) (res lua.LValue, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("handler panic",
				zap.String("type", string(e.Name)),
				zap.String("method", method),
				zap.Any("panic", p),
			)
			res, err = lua.LNil, dispatchErr(KindHandlerPanic, string(e.Name), method, "%v", p)
		}
	}()
	return fn()
}
