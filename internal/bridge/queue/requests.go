package queue

import (
	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// Spawn fills a reserved entity with components. Components holds decoded
// native values by component name; Dynamic holds plain script-defined values.
type Spawn struct {
	Components map[string]any
	Dynamic    map[string]any
	Entity     ecs.EntityID
	Owner      ecs.Owner
}

// Despawn destroys an entity.
type Despawn struct {
	Entity ecs.EntityID
}

// Update writes one component of an entity. Exactly one of Value (a decoded
// value replacing the component) or Handle (a pinned script value patched
// over the current component) is set, unless Remove is true.
type Update struct {
	Value  any
	Name   string
	Entity ecs.EntityID
	Handle marshal.Handle
	Remove bool
}

// ResourceInsert replaces a resource by name. Value is a pointer to a decoded
// native value, or plain data when Dynamic is set.
type ResourceInsert struct {
	Value   any
	Name    string
	Dynamic bool
}
