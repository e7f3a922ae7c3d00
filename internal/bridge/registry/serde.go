package registry

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Serde registers raw-bytes handlers for T so collaborators that only have
// serialized data (asset loaders, network payloads) can insert values without
// going through script tables. The format is YAML, which also accepts JSON.
func Serde[T any](r *Registry, name TypeID, kind EntryKind) error {
	if kind == KindSystemParam {
		return fmt.Errorf("serde %s: system params are host-provided", name)
	}
	e, err := r.entry(name, kind, typeOf[T]())
	if err != nil {
		return err
	}
	r.mu.Lock()
	e.decode = func(raw []byte) (any, error) {
		v := new(T)
		if err := yaml.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		return v, nil
	}
	e.encode = func(v any) ([]byte, error) {
		return yaml.Marshal(v)
	}
	r.mu.Unlock()
	return nil
}

// InsertSerialized decodes raw into typeName and inserts it on cc.Target or
// as a resource.
func (r *Registry) InsertSerialized(cc CallContext, typeName TypeID, raw []byte) error {
	e, ok := r.Lookup(typeName)
	if !ok {
		return dispatchErr(KindUnknownType, string(typeName), "insert_serialized", "")
	}
	r.mu.RLock()
	dec := e.decode
	r.mu.RUnlock()
	if dec == nil {
		return dispatchErr(KindUnknownMethod, string(typeName), "insert_serialized", "no serde handler")
	}
	v, err := dec(raw)
	if err != nil {
		return fmt.Errorf("decode %s: %w", typeName, err)
	}
	switch e.Kind {
	case KindComponent:
		if cc.Target.IsZero() || !cc.World.Alive(cc.Target) {
			return dispatchErr(KindTargetMissing, string(typeName), "insert_serialized", "entity %s not alive", cc.Target)
		}
		return cc.World.InsertComponent(cc.Target, string(typeName), v)
	default:
		return cc.World.InsertResource(string(typeName), v)
	}
}

// Serialized encodes the current value of typeName held by cc.Target or the
// world.
func (r *Registry) Serialized(cc CallContext, typeName TypeID) ([]byte, error) {
	e, ok := r.Lookup(typeName)
	if !ok {
		return nil, dispatchErr(KindUnknownType, string(typeName), "serialize", "")
	}
	r.mu.RLock()
	enc := e.encode
	r.mu.RUnlock()
	if enc == nil {
		return nil, dispatchErr(KindUnknownMethod, string(typeName), "serialize", "no serde handler")
	}
	v, err := r.resolveTarget(cc, e)
	if err != nil {
		return nil, err
	}
	return enc(v)
}
