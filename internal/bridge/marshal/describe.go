package marshal

import (
	"reflect"
	"strings"
	"sync"
	"unicode"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

var entityType = reflect.TypeOf(ecs.EntityID(0))

// VariantSpec declares one enum case for RegisterEnum.
type VariantSpec struct {
	Type  reflect.Type
	Name  string
	Shape VariantShape
}

// UnitVariant declares a payload-free variant carried by type T.
func UnitVariant[T any](name string) VariantSpec {
	return VariantSpec{Name: name, Type: reflect.TypeOf((*T)(nil)).Elem(), Shape: ShapeUnit}
}

// TupleVariant declares a variant whose payload is T's fields by position.
func TupleVariant[T any](name string) VariantSpec {
	return VariantSpec{Name: name, Type: reflect.TypeOf((*T)(nil)).Elem(), Shape: ShapeTuple}
}

// StructVariant declares a variant whose payload is T's fields by name.
func StructVariant[T any](name string) VariantSpec {
	return VariantSpec{Name: name, Type: reflect.TypeOf((*T)(nil)).Elem(), Shape: ShapeStruct}
}

// Marshaler converts between Go values and gopher-lua values. Descriptors are
// compiled lazily and cached for the life of the Marshaler.
//
// Enum and tuple registrations must happen at startup, before the types that
// contain them are described.
type Marshaler struct {
	cache sync.Map // reflect.Type -> *Descriptor

	mu     sync.Mutex
	enums  map[reflect.Type][]VariantSpec
	tuples map[reflect.Type]bool
}

func New() *Marshaler {
	return &Marshaler{
		enums:  make(map[reflect.Type][]VariantSpec),
		tuples: make(map[reflect.Type]bool),
	}
}

// RegisterEnum marks the interface type iface as a tagged enum over variants.
func (m *Marshaler) RegisterEnum(iface reflect.Type, variants ...VariantSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enums[iface] = append([]VariantSpec(nil), variants...)
	m.resetCache()
}

// Enum is the generic form of RegisterEnum.
func Enum[I any](m *Marshaler, variants ...VariantSpec) {
	m.RegisterEnum(reflect.TypeOf((*I)(nil)).Elem(), variants...)
}

// RegisterTuple marks struct type t as positional: encoded as a list.
func (m *Marshaler) RegisterTuple(t reflect.Type) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tuples[t] = true
	m.resetCache()
}

// Tuple is the generic form of RegisterTuple.
func Tuple[T any](m *Marshaler) {
	m.RegisterTuple(reflect.TypeOf((*T)(nil)).Elem())
}

func (m *Marshaler) resetCache() {
	m.cache.Range(func(k, _ any) bool {
		m.cache.Delete(k)
		return true
	})
}

// Describe returns the descriptor for t.
func (m *Marshaler) Describe(t reflect.Type) (*Descriptor, error) {
	if t == nil {
		return nil, newError(PhaseDescribe, KindNilValue, nil, "type cannot be nil")
	}
	if cached, ok := m.cache.Load(t); ok {
		return cached.(*Descriptor), nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	building := make(map[reflect.Type]*Descriptor)
	d, err := m.compile(t, building, nil)
	if err != nil {
		return nil, err
	}
	for bt, bd := range building {
		m.cache.Store(bt, bd)
	}
	m.cache.Store(t, d)
	return d, nil
}

// DescribeOf is Describe for the static type T.
func DescribeOf[T any](m *Marshaler) (*Descriptor, error) {
	return m.Describe(reflect.TypeOf((*T)(nil)).Elem())
}

func (m *Marshaler) compile(t reflect.Type, building map[reflect.Type]*Descriptor, path []string) (*Descriptor, error) {
	if cached, ok := m.cache.Load(t); ok {
		return cached.(*Descriptor), nil
	}
	if d, ok := building[t]; ok {
		return d, nil
	}
	if t == entityType {
		return &Descriptor{Kind: KindEntity, GoType: t}, nil
	}

	switch t.Kind() {
	case reflect.Bool:
		return &Descriptor{Kind: KindBool, GoType: t}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &Descriptor{Kind: KindInt, GoType: t, Bits: t.Bits()}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return &Descriptor{Kind: KindUint, GoType: t, Bits: t.Bits()}, nil
	case reflect.Float32, reflect.Float64:
		return &Descriptor{Kind: KindFloat, GoType: t, Bits: t.Bits()}, nil
	case reflect.String:
		return &Descriptor{Kind: KindString, GoType: t}, nil
	case reflect.Slice, reflect.Array, reflect.Pointer:
		d := &Descriptor{GoType: t}
		switch t.Kind() {
		case reflect.Slice:
			d.Kind = KindList
		case reflect.Array:
			d.Kind = KindArray
			d.Len = t.Len()
		default:
			d.Kind = KindOption
		}
		building[t] = d
		elem, err := m.compile(t.Elem(), building, append(path, "[]"))
		if err != nil {
			return nil, err
		}
		d.Elem = elem
		return d, nil
	case reflect.Map:
		d := &Descriptor{Kind: KindMap, GoType: t}
		building[t] = d
		key, err := m.compile(t.Key(), building, append(path, "{key}"))
		if err != nil {
			return nil, err
		}
		elem, err := m.compile(t.Elem(), building, append(path, "{value}"))
		if err != nil {
			return nil, err
		}
		d.Key, d.Elem = key, elem
		return d, nil
	case reflect.Interface:
		if specs, ok := m.enums[t]; ok {
			return m.compileEnum(t, specs, building, path)
		}
		if t.NumMethod() == 0 {
			return &Descriptor{Kind: KindAny, GoType: t}, nil
		}
		return nil, newError(PhaseDescribe, KindUnsupported, path, "interface %s is not a registered enum", t)
	case reflect.Struct:
		kind := KindStruct
		if m.tuples[t] {
			kind = KindTuple
		}
		return m.compileStruct(t, kind, building, path)
	default:
		return nil, newError(PhaseDescribe, KindUnsupported, path, "go kind %s", t.Kind())
	}
}

func (m *Marshaler) compileStruct(t reflect.Type, kind TypeKind, building map[reflect.Type]*Descriptor, path []string) (*Descriptor, error) {
	d := &Descriptor{Kind: kind, GoType: t}
	building[t] = d
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := fieldName(sf)
		if name == "-" {
			continue
		}
		ft, err := m.compile(sf.Type, building, append(path, name))
		if err != nil {
			return nil, err
		}
		d.Fields = append(d.Fields, Field{Name: name, Index: i, Type: ft})
	}
	return d, nil
}

func (m *Marshaler) compileEnum(t reflect.Type, specs []VariantSpec, building map[reflect.Type]*Descriptor, path []string) (*Descriptor, error) {
	d := &Descriptor{Kind: KindEnum, GoType: t}
	building[t] = d
	for _, s := range specs {
		if !s.Type.Implements(t) {
			return nil, newError(PhaseDescribe, KindUnsupported, path, "variant %s (%s) does not implement %s", s.Name, s.Type, t)
		}
		v := Variant{Name: s.Name, GoType: s.Type, Shape: s.Shape}
		if s.Shape != ShapeUnit {
			if s.Type.Kind() != reflect.Struct {
				return nil, newError(PhaseDescribe, KindUnsupported, path, "variant %s payload must be a struct, got %s", s.Name, s.Type)
			}
			kind := KindStruct
			if s.Shape == ShapeTuple {
				kind = KindTuple
			}
			payload, err := m.compileStruct(s.Type, kind, building, append(path, s.Name))
			if err != nil {
				return nil, err
			}
			// the payload shape is variant-specific; keep it out of the type cache
			// when it disagrees with how the struct describes on its own.
			if (kind == KindTuple) != m.tuples[s.Type] {
				delete(building, s.Type)
			}
			v.Payload = payload
		}
		d.Variants = append(d.Variants, v)
	}
	return d, nil
}

// fieldName picks the script key: the lua tag when present, else snake_case.
func fieldName(sf reflect.StructField) string {
	if tag, ok := sf.Tag.Lookup("lua"); ok {
		name, _, _ := strings.Cut(tag, ",")
		if name != "" {
			return name
		}
	}
	return SnakeCase(sf.Name)
}

// SnakeCase converts a Go identifier to the snake_case keys scripts use:
// MaxHP -> max_hp, HTTPServer -> http_server, X -> x.
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
