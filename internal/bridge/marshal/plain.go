package marshal

import (
	"reflect"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// maxDepth bounds recursion through script tables, which may be cyclic.
const maxDepth = 64

// ToPlain converts a script value into plain host data used for dynamic
// components: nil, bool, float64, string, ecs.EntityID, []any (sequence
// tables) and map[string]any (string-keyed tables).
func (m *Marshaler) ToPlain(v lua.LValue) (any, error) {
	return m.toPlain(v, nil, 0)
}

// FromPlain converts plain host data back into a script value. Values that
// are not plain are described and encoded by their Go type.
func (m *Marshaler) FromPlain(L *lua.LState, v any) (lua.LValue, error) {
	return m.fromPlain(L, v, nil, 0)
}

func (m *Marshaler) toPlain(v lua.LValue, path []string, depth int) (any, error) {
	if depth > maxDepth {
		return nil, newError(PhaseDecode, KindOutOfBounds, path, "nesting deeper than %d (cyclic table?)", maxDepth)
	}
	switch tv := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(tv), nil
	case lua.LNumber:
		return float64(tv), nil
	case lua.LString:
		return string(tv), nil
	case *lua.LUserData:
		if id, ok := tv.Value.(ecs.EntityID); ok {
			return id, nil
		}
		return nil, newError(PhaseDecode, KindUnsupported, path, "userdata %T", tv.Value)
	case *lua.LTable:
		return m.tableToPlain(tv, path, depth)
	default:
		return nil, newError(PhaseDecode, KindUnsupported, path, "script type %s cannot be stored", v.Type())
	}
}

func (m *Marshaler) tableToPlain(tbl *lua.LTable, path []string, depth int) (any, error) {
	n := tbl.Len()
	count := 0
	tbl.ForEach(func(_, _ lua.LValue) { count++ })

	if n > 0 && count == n {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			ev, err := m.toPlain(tbl.RawGetInt(i), append(path, indexSeg(i)), depth+1)
			if err != nil {
				return nil, err
			}
			out[i-1] = ev
		}
		return out, nil
	}

	out := make(map[string]any, count)
	var firstErr error
	tbl.ForEach(func(k, val lua.LValue) {
		if firstErr != nil {
			return
		}
		ks, ok := k.(lua.LString)
		if !ok {
			firstErr = newError(PhaseDecode, KindUnsupported, path, "mixed table key %s of type %s", k.String(), k.Type())
			return
		}
		ev, err := m.toPlain(val, append(path, string(ks)), depth+1)
		if err != nil {
			firstErr = err
			return
		}
		out[string(ks)] = ev
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (m *Marshaler) fromPlain(L *lua.LState, v any, path []string, depth int) (lua.LValue, error) {
	if depth > maxDepth {
		return lua.LNil, newError(PhaseEncode, KindOutOfBounds, path, "nesting deeper than %d", maxDepth)
	}
	switch tv := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(tv), nil
	case float64:
		return lua.LNumber(tv), nil
	case float32:
		return lua.LNumber(tv), nil
	case string:
		return lua.LString(tv), nil
	case ecs.EntityID:
		return EntityValue(L, tv), nil
	case int:
		return exactInt(int64(tv), path)
	case int64:
		return exactInt(tv, path)
	case int32:
		return lua.LNumber(tv), nil
	case uint32:
		return lua.LNumber(tv), nil
	case []any:
		tbl := L.CreateTable(len(tv), 0)
		for i, e := range tv {
			ev, err := m.fromPlain(L, e, append(path, indexSeg(i+1)), depth+1)
			if err != nil {
				return lua.LNil, err
			}
			tbl.RawSetInt(i+1, ev)
		}
		return tbl, nil
	case map[string]any:
		tbl := L.CreateTable(0, len(tv))
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			ev, err := m.fromPlain(L, tv[k], append(path, k), depth+1)
			if err != nil {
				return lua.LNil, err
			}
			tbl.RawSetString(k, ev)
		}
		return tbl, nil
	default:
		t := reflect.TypeOf(v)
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		d, err := m.Describe(t)
		if err != nil {
			return lua.LNil, err
		}
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Pointer && d.GoType != rv.Type() {
			if rv.IsNil() {
				return lua.LNil, nil
			}
			rv = rv.Elem()
		}
		return m.encode(L, rv, d, path)
	}
}

func exactInt(n int64, path []string) (lua.LValue, error) {
	if n > maxExactInt || n < -maxExactInt {
		return lua.LNil, newError(PhaseEncode, KindOverflow, path, "%d is not exactly representable as a script number", n)
	}
	return lua.LNumber(n), nil
}

// DeepCopy returns a copy of v sharing no mutable memory with it. Pointers
// are followed and copied; a pointer input yields a copy of the pointee.
func DeepCopy(v any) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return deepCopy(rv).Interface()
}

func deepCopy(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return reflect.Zero(rv.Type())
		}
		p := reflect.New(rv.Type().Elem())
		p.Elem().Set(deepCopy(rv.Elem()))
		return p
	case reflect.Interface:
		if rv.IsNil() {
			return reflect.Zero(rv.Type())
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(deepCopy(rv.Elem()))
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return reflect.Zero(rv.Type())
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(deepCopy(rv.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(deepCopy(rv.Index(i)))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return reflect.Zero(rv.Type())
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), deepCopy(iter.Value()))
		}
		return out
	case reflect.Struct:
		out := reflect.New(rv.Type()).Elem()
		out.Set(rv)
		for i := 0; i < rv.NumField(); i++ {
			if out.Field(i).CanSet() {
				out.Field(i).Set(deepCopy(rv.Field(i)))
			}
		}
		return out
	default:
		return rv
	}
}
