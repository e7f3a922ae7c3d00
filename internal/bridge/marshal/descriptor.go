package marshal

import "reflect"

// TypeKind classifies a descriptor node.
type TypeKind uint8

const (
	KindBool TypeKind = iota
	KindInt
	KindUint
	KindFloat
	KindString
	KindList
	KindArray
	KindMap
	KindStruct
	KindTuple
	KindEnum
	KindOption
	KindEntity
	KindAny
)

var kindNames = [...]string{
	KindBool:   "bool",
	KindInt:    "int",
	KindUint:   "uint",
	KindFloat:  "float",
	KindString: "string",
	KindList:   "list",
	KindArray:  "array",
	KindMap:    "map",
	KindStruct: "struct",
	KindTuple:  "tuple",
	KindEnum:   "enum",
	KindOption: "option",
	KindEntity: "entity",
	KindAny:    "any",
}

func (k TypeKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// VariantShape is the payload shape of an enum variant.
type VariantShape uint8

const (
	ShapeUnit VariantShape = iota
	ShapeTuple
	ShapeStruct
)

// Descriptor is the runtime type tree driving conversion. It is built once per
// Go type by Describe and shared read-only afterwards.
type Descriptor struct {
	GoType   reflect.Type
	Elem     *Descriptor // list, array, option, map value
	Key      *Descriptor // map key
	Fields   []Field     // struct, tuple
	Variants []Variant   // enum
	Kind     TypeKind
	Bits     int // int, uint, float width
	Len      int // array length
}

// Field is one struct or tuple member. Name is the script-side key (unused for tuples).
type Field struct {
	Type  *Descriptor
	Name  string
	Index int
}

// Variant is one case of an enum. Payload is a struct or tuple descriptor of
// GoType; it is nil for unit variants.
type Variant struct {
	GoType  reflect.Type
	Payload *Descriptor
	Name    string
	Shape   VariantShape
}

func (d *Descriptor) String() string {
	if d.GoType != nil {
		return d.GoType.String()
	}
	return d.Kind.String()
}

// Field returns the struct field with the given script name.
func (d *Descriptor) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (d *Descriptor) variantByName(name string) (*Variant, bool) {
	for i := range d.Variants {
		if d.Variants[i].Name == name {
			return &d.Variants[i], true
		}
	}
	return nil, false
}

func (d *Descriptor) variantByType(t reflect.Type) (*Variant, bool) {
	for i := range d.Variants {
		if d.Variants[i].GoType == t {
			return &d.Variants[i], true
		}
	}
	return nil, false
}
