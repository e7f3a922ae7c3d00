package ecs

import (
	"fmt"
	"reflect"
	"sort"
)

// Store is the type-erased view of a component store used by name-based access.
// GetAny returns the stored pointer (*T) so callers can mutate in place.
type Store interface {
	Remove(id EntityID)
	Has(id EntityID) bool
	GetAny(id EntityID) (any, bool)
	SetAny(id EntityID, v any) error
	Entities() []EntityID
	Type() reflect.Type
	Len() int
}

// PtrComponentStore is a generic typed map store for ECS components.
type PtrComponentStore[T any] struct {
	data map[EntityID]*T
}

var _ Store = (*PtrComponentStore[struct{}])(nil)

func NewPtrComponentStore[T any]() *PtrComponentStore[T] {
	return &PtrComponentStore[T]{
		data: make(map[EntityID]*T, 256),
	}
}

func (s *PtrComponentStore[T]) Set(id EntityID, c *T) {
	s.data[id] = c
}

func (s *PtrComponentStore[T]) Get(id EntityID) (*T, bool) {
	c, ok := s.data[id]
	return c, ok
}

func (s *PtrComponentStore[T]) Remove(id EntityID) {
	delete(s.data, id)
}

func (s *PtrComponentStore[T]) Has(id EntityID) bool {
	_, ok := s.data[id]
	return ok
}

func (s *PtrComponentStore[T]) Len() int {
	return len(s.data)
}

func (s *PtrComponentStore[T]) Each(fn func(EntityID, *T)) {
	for id, c := range s.data {
		fn(id, c)
	}
}

func (s *PtrComponentStore[T]) GetAny(id EntityID) (any, bool) {
	c, ok := s.data[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// SetAny accepts either T or *T. A T is copied into a fresh allocation.
func (s *PtrComponentStore[T]) SetAny(id EntityID, v any) error {
	switch c := v.(type) {
	case *T:
		if c == nil {
			return fmt.Errorf("set %s: nil value", s.Type())
		}
		s.data[id] = c
	case T:
		cp := c
		s.data[id] = &cp
	default:
		return fmt.Errorf("set %s: got %T", s.Type(), v)
	}
	return nil
}

// Entities returns the ids holding this component ordered by index.
func (s *PtrComponentStore[T]) Entities() []EntityID {
	out := make([]EntityID, 0, len(s.data))
	for id := range s.data {
		out = append(out, id)
	}
	sortEntities(out)
	return out
}

func (s *PtrComponentStore[T]) Type() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func sortEntities(ids []EntityID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Index() < ids[j].Index() })
}
