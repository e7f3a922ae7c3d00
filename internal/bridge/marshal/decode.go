package marshal

import (
	"math"
	"reflect"

	lua "github.com/yuin/gopher-lua"
)

// FromScript converts v into a fresh host value of d.GoType.
func (m *Marshaler) FromScript(v lua.LValue, d *Descriptor) (reflect.Value, error) {
	dst := reflect.New(d.GoType).Elem()
	if err := m.decode(v, d, dst, nil); err != nil {
		return reflect.Value{}, err
	}
	return dst, nil
}

// FromScriptInto decodes v over the existing value dst, which must be
// settable. Struct fields absent from v keep their current values; lists and
// maps are replaced wholesale.
func (m *Marshaler) FromScriptInto(v lua.LValue, d *Descriptor, dst reflect.Value) error {
	if !dst.CanSet() {
		return newError(PhaseDecode, KindUnsupported, nil, "destination %s is not settable", dst.Type())
	}
	return m.decode(v, d, dst, nil)
}

// Decode is the generic form of FromScript.
func Decode[T any](m *Marshaler, v lua.LValue) (T, error) {
	var zero T
	d, err := DescribeOf[T](m)
	if err != nil {
		return zero, err
	}
	rv, err := m.FromScript(v, d)
	if err != nil {
		return zero, err
	}
	return rv.Interface().(T), nil
}

func (m *Marshaler) decode(v lua.LValue, d *Descriptor, dst reflect.Value, path []string) error {
	switch d.Kind {
	case KindBool:
		b, ok := v.(lua.LBool)
		if !ok {
			return mismatch(PhaseDecode, path, d.String(), v.Type().String())
		}
		dst.SetBool(bool(b))
		return nil

	case KindInt:
		f, err := number(v, d, path)
		if err != nil {
			return err
		}
		if f != math.Trunc(f) {
			return newError(PhaseDecode, KindLossyNumber, path, "%v has a fractional part, %s needs an integer", f, d)
		}
		if f < -9223372036854775808.0 || f >= 9223372036854775808.0 {
			return newError(PhaseDecode, KindOverflow, path, "%v overflows %s", f, d)
		}
		n := int64(f)
		if dst.OverflowInt(n) {
			return newError(PhaseDecode, KindOverflow, path, "%d overflows %s", n, d)
		}
		dst.SetInt(n)
		return nil

	case KindUint:
		f, err := number(v, d, path)
		if err != nil {
			return err
		}
		if f != math.Trunc(f) {
			return newError(PhaseDecode, KindLossyNumber, path, "%v has a fractional part, %s needs an integer", f, d)
		}
		if f < 0 || f >= 18446744073709551616.0 {
			return newError(PhaseDecode, KindOverflow, path, "%v overflows %s", f, d)
		}
		u := uint64(f)
		if dst.OverflowUint(u) {
			return newError(PhaseDecode, KindOverflow, path, "%d overflows %s", u, d)
		}
		dst.SetUint(u)
		return nil

	case KindFloat:
		f, err := number(v, d, path)
		if err != nil {
			return err
		}
		if !math.IsInf(f, 0) && dst.OverflowFloat(f) {
			return newError(PhaseDecode, KindOverflow, path, "%v overflows %s", f, d)
		}
		dst.SetFloat(f)
		return nil

	case KindString:
		s, ok := v.(lua.LString)
		if !ok {
			return mismatch(PhaseDecode, path, d.String(), v.Type().String())
		}
		dst.SetString(string(s))
		return nil

	case KindEntity:
		id, ok := EntityFromValue(v)
		if !ok {
			return mismatch(PhaseDecode, path, d.String(), v.Type().String())
		}
		dst.SetUint(uint64(id))
		return nil

	case KindList:
		if v == lua.LNil {
			dst.Set(reflect.Zero(d.GoType))
			return nil
		}
		tbl, ok := v.(*lua.LTable)
		if !ok {
			return mismatch(PhaseDecode, path, d.String(), v.Type().String())
		}
		n := tbl.Len()
		out := reflect.MakeSlice(d.GoType, n, n)
		for i := 1; i <= n; i++ {
			if err := m.decode(tbl.RawGetInt(i), d.Elem, out.Index(i-1), append(path, indexSeg(i))); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil

	case KindArray:
		tbl, ok := v.(*lua.LTable)
		if !ok {
			return mismatch(PhaseDecode, path, d.String(), v.Type().String())
		}
		n := tbl.Len()
		if n > d.Len {
			return newError(PhaseDecode, KindOutOfBounds, path, "%d elements for %s", n, d)
		}
		for i := 1; i <= n; i++ {
			if err := m.decode(tbl.RawGetInt(i), d.Elem, dst.Index(i-1), append(path, indexSeg(i))); err != nil {
				return err
			}
		}
		return nil

	case KindMap:
		if v == lua.LNil {
			dst.Set(reflect.Zero(d.GoType))
			return nil
		}
		tbl, ok := v.(*lua.LTable)
		if !ok {
			return mismatch(PhaseDecode, path, d.String(), v.Type().String())
		}
		out := reflect.MakeMap(d.GoType)
		var firstErr error
		tbl.ForEach(func(k, val lua.LValue) {
			if firstErr != nil {
				return
			}
			seg := keySeg(k.String())
			kv := reflect.New(d.Key.GoType).Elem()
			if err := m.decode(k, d.Key, kv, append(path, seg)); err != nil {
				firstErr = err
				return
			}
			vv := reflect.New(d.Elem.GoType).Elem()
			if err := m.decode(val, d.Elem, vv, append(path, seg)); err != nil {
				firstErr = err
				return
			}
			out.SetMapIndex(kv, vv)
		})
		if firstErr != nil {
			return firstErr
		}
		dst.Set(out)
		return nil

	case KindStruct:
		if v == lua.LNil {
			return nil
		}
		tbl, ok := v.(*lua.LTable)
		if !ok {
			return mismatch(PhaseDecode, path, d.String(), v.Type().String())
		}
		for _, f := range d.Fields {
			fv := tbl.RawGetString(f.Name)
			if fv == lua.LNil {
				continue
			}
			if err := m.decode(fv, f.Type, dst.Field(f.Index), append(path, f.Name)); err != nil {
				return err
			}
		}
		return nil

	case KindTuple:
		if v == lua.LNil {
			return nil
		}
		tbl, ok := v.(*lua.LTable)
		if !ok {
			return mismatch(PhaseDecode, path, d.String(), v.Type().String())
		}
		if n := tbl.Len(); n > len(d.Fields) {
			return newError(PhaseDecode, KindOutOfBounds, path, "%d elements for %d-tuple %s", n, len(d.Fields), d)
		}
		for i, f := range d.Fields {
			fv := tbl.RawGetInt(i + 1)
			if fv == lua.LNil {
				continue
			}
			if err := m.decode(fv, f.Type, dst.Field(f.Index), append(path, indexSeg(i+1))); err != nil {
				return err
			}
		}
		return nil

	case KindEnum:
		return m.decodeEnum(v, d, dst, path)

	case KindOption:
		if v == lua.LNil {
			dst.Set(reflect.Zero(d.GoType))
			return nil
		}
		p := reflect.New(d.GoType.Elem())
		if !dst.IsNil() {
			p.Elem().Set(dst.Elem())
		}
		if err := m.decode(v, d.Elem, p.Elem(), path); err != nil {
			return err
		}
		dst.Set(p)
		return nil

	case KindAny:
		plain, err := m.toPlain(v, path, 0)
		if err != nil {
			return err
		}
		if plain == nil {
			dst.Set(reflect.Zero(d.GoType))
			return nil
		}
		dst.Set(reflect.ValueOf(plain))
		return nil

	default:
		return newError(PhaseDecode, KindUnsupported, path, "descriptor kind %s", d.Kind)
	}
}

func (m *Marshaler) decodeEnum(v lua.LValue, d *Descriptor, dst reflect.Value, path []string) error {
	var (
		name    string
		payload lua.LValue = lua.LNil
	)
	switch tv := v.(type) {
	case lua.LString:
		name = string(tv)
	case *lua.LTable:
		keys := 0
		var badKey lua.LValue
		tv.ForEach(func(k, val lua.LValue) {
			keys++
			if s, ok := k.(lua.LString); ok {
				name, payload = string(s), val
			} else {
				badKey = k
			}
		})
		if keys != 1 || badKey != nil {
			return newError(PhaseDecode, KindTypeMismatch, path, "enum %s expects a single-key table {Variant = payload}, got %d keys", d, keys)
		}
	default:
		return mismatch(PhaseDecode, path, d.String(), v.Type().String())
	}

	variant, ok := d.variantByName(name)
	if !ok {
		return newError(PhaseDecode, KindInvalidVariant, path, "unknown variant %q of %s", name, d)
	}
	nv := reflect.New(variant.GoType).Elem()
	if variant.Shape == ShapeUnit {
		dst.Set(nv)
		return nil
	}
	if _, isString := v.(lua.LString); isString {
		return newError(PhaseDecode, KindTypeMismatch, append(path, name), "variant %s needs a payload", name)
	}
	if !dst.IsNil() && dst.Elem().Type() == variant.GoType {
		nv.Set(dst.Elem())
	}
	if err := m.decode(payload, variant.Payload, nv, append(path, name)); err != nil {
		return err
	}
	dst.Set(nv)
	return nil
}

func number(v lua.LValue, d *Descriptor, path []string) (float64, error) {
	n, ok := v.(lua.LNumber)
	if !ok {
		return 0, mismatch(PhaseDecode, path, d.String(), v.Type().String())
	}
	return float64(n), nil
}
