package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

func TestMailboxDrainOrder(t *testing.T) {
	m := NewMailbox[int]()
	require.False(t, m.Pending())
	require.Nil(t, m.Drain())

	for i := 0; i < 5; i++ {
		m.Enqueue(i)
	}
	require.True(t, m.Pending())
	require.Equal(t, []int{0, 1, 2, 3, 4}, m.Drain())
	require.False(t, m.Pending())
	require.Nil(t, m.Drain(), "drained items are not delivered twice")
}

func TestMailboxConcurrentEnqueue(t *testing.T) {
	m := NewMailbox[int]()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Enqueue(i)
			}
		}()
	}
	wg.Wait()
	require.Len(t, m.Drain(), 800)
}

func TestMailboxPurge(t *testing.T) {
	m := NewMailbox[int]()
	for i := 0; i < 6; i++ {
		m.Enqueue(i)
	}
	removed := m.Purge(func(i int) bool { return i%2 == 0 })
	require.Equal(t, []int{0, 2, 4}, removed)
	require.Equal(t, []int{1, 3, 5}, m.Drain())

	m.Enqueue(2)
	m.Purge(func(int) bool { return true })
	require.False(t, m.Pending())
}

func TestDrainDespawnsPurgesUpdates(t *testing.T) {
	handles := marshal.NewHandles()
	q := New(handles)
	a, b := ecs.NewEntityID(1, 0), ecs.NewEntityID(2, 0)

	ha := handles.Pin(1, lua.LString("for a"))
	hb := handles.Pin(1, lua.LString("for b"))
	q.Update.Enqueue(Update{Entity: a, Name: "Foo", Handle: ha})
	q.Update.Enqueue(Update{Entity: b, Name: "Foo", Handle: hb})
	q.Despawn.Enqueue(Despawn{Entity: a})
	q.Despawn.Enqueue(Despawn{Entity: a})
	require.True(t, q.Pending())

	require.Equal(t, []ecs.EntityID{a}, q.DrainDespawns())
	_, ok := handles.Get(ha)
	require.False(t, ok, "handle of purged update is released")

	updates := q.DrainUpdates()
	require.Len(t, updates, 1)
	require.Equal(t, b, updates[0].Entity)

	q.Release(updates)
	require.Zero(t, handles.Len())
	require.False(t, q.Pending())
}
