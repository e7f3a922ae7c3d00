package marshal

import (
	"reflect"

	lua "github.com/yuin/gopher-lua"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// maxExactInt is the largest magnitude an integer can have and still survive
// the trip through a Lua number (float64) unchanged.
const maxExactInt = 1 << 53

// ToScript converts v, described by d, into a script value owned by L.
// v may be a value of d.GoType or a pointer to one.
func (m *Marshaler) ToScript(L *lua.LState, v any, d *Descriptor) (lua.LValue, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return lua.LNil, nil
	}
	if rv.Type() != d.GoType && rv.Kind() == reflect.Pointer && rv.Type().Elem() == d.GoType {
		if rv.IsNil() {
			return lua.LNil, nil
		}
		rv = rv.Elem()
	}
	if rv.Type() != d.GoType {
		if d.GoType.Kind() == reflect.Interface && rv.Type().Implements(d.GoType) {
			iv := reflect.New(d.GoType).Elem()
			iv.Set(rv)
			rv = iv
		} else {
			return lua.LNil, mismatch(PhaseEncode, nil, d.GoType.String(), rv.Type().String())
		}
	}
	return m.encode(L, rv, d, nil)
}

// Encode describes v's dynamic type and converts it.
func (m *Marshaler) Encode(L *lua.LState, v any) (lua.LValue, error) {
	if v == nil {
		return lua.LNil, nil
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	d, err := m.Describe(t)
	if err != nil {
		return lua.LNil, err
	}
	return m.ToScript(L, v, d)
}

func (m *Marshaler) encode(L *lua.LState, rv reflect.Value, d *Descriptor, path []string) (lua.LValue, error) {
	switch d.Kind {
	case KindBool:
		return lua.LBool(rv.Bool()), nil

	case KindInt:
		n := rv.Int()
		if n > maxExactInt || n < -maxExactInt {
			return lua.LNil, newError(PhaseEncode, KindOverflow, path, "%d is not exactly representable as a script number", n)
		}
		return lua.LNumber(n), nil

	case KindUint:
		u := rv.Uint()
		if u > maxExactInt {
			return lua.LNil, newError(PhaseEncode, KindOverflow, path, "%d is not exactly representable as a script number", u)
		}
		return lua.LNumber(u), nil

	case KindFloat:
		return lua.LNumber(rv.Float()), nil

	case KindString:
		return lua.LString(rv.String()), nil

	case KindEntity:
		return EntityValue(L, ecs.EntityID(rv.Uint())), nil

	case KindList, KindArray:
		if d.Kind == KindList && rv.IsNil() {
			return lua.LNil, nil
		}
		n := rv.Len()
		tbl := L.CreateTable(n, 0)
		for i := 0; i < n; i++ {
			ev, err := m.encode(L, rv.Index(i), d.Elem, append(path, indexSeg(i+1)))
			if err != nil {
				return lua.LNil, err
			}
			tbl.RawSetInt(i+1, ev)
		}
		return tbl, nil

	case KindMap:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		tbl := L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			seg := keySeg(iter.Key().Interface())
			kv, err := m.encode(L, iter.Key(), d.Key, append(path, seg))
			if err != nil {
				return lua.LNil, err
			}
			if kv == lua.LNil {
				return lua.LNil, newError(PhaseEncode, KindNilValue, append(path, seg), "map key encodes to nil")
			}
			vv, err := m.encode(L, iter.Value(), d.Elem, append(path, seg))
			if err != nil {
				return lua.LNil, err
			}
			tbl.RawSet(kv, vv)
		}
		return tbl, nil

	case KindStruct:
		tbl := L.CreateTable(0, len(d.Fields))
		for _, f := range d.Fields {
			fv, err := m.encode(L, rv.Field(f.Index), f.Type, append(path, f.Name))
			if err != nil {
				return lua.LNil, err
			}
			if fv != lua.LNil {
				tbl.RawSetString(f.Name, fv)
			}
		}
		return tbl, nil

	case KindTuple:
		tbl := L.CreateTable(len(d.Fields), 0)
		for i, f := range d.Fields {
			fv, err := m.encode(L, rv.Field(f.Index), f.Type, append(path, indexSeg(i+1)))
			if err != nil {
				return lua.LNil, err
			}
			tbl.RawSetInt(i+1, fv)
		}
		return tbl, nil

	case KindEnum:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		concrete := rv.Elem()
		variant, ok := d.variantByType(concrete.Type())
		if !ok && concrete.Kind() == reflect.Pointer && !concrete.IsNil() {
			concrete = concrete.Elem()
			variant, ok = d.variantByType(concrete.Type())
		}
		if !ok {
			return lua.LNil, newError(PhaseEncode, KindInvalidVariant, path, "%s is not a variant of %s", concrete.Type(), d.GoType)
		}
		var payload lua.LValue = L.NewTable()
		if variant.Shape != ShapeUnit {
			p, err := m.encode(L, concrete, variant.Payload, append(path, variant.Name))
			if err != nil {
				return lua.LNil, err
			}
			payload = p
		}
		tbl := L.CreateTable(0, 1)
		tbl.RawSetString(variant.Name, payload)
		return tbl, nil

	case KindOption:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		return m.encode(L, rv.Elem(), d.Elem, path)

	case KindAny:
		if rv.IsNil() {
			return lua.LNil, nil
		}
		v, err := m.fromPlain(L, rv.Elem().Interface(), path, 0)
		if err != nil {
			return lua.LNil, err
		}
		return v, nil

	default:
		return lua.LNil, newError(PhaseEncode, KindUnsupported, path, "descriptor kind %s", d.Kind)
	}
}
