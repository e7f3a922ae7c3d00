package queue

import (
	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// Queues bundles the four mutation mailboxes. Scripts enqueue from any
// goroutine; the host drains once per frame at its synchronization point.
type Queues struct {
	Spawn    *Mailbox[Spawn]
	Despawn  *Mailbox[Despawn]
	Update   *Mailbox[Update]
	Resource *Mailbox[ResourceInsert]

	handles *marshal.Handles
}

func New(handles *marshal.Handles) *Queues {
	return &Queues{
		Spawn:    NewMailbox[Spawn](),
		Despawn:  NewMailbox[Despawn](),
		Update:   NewMailbox[Update](),
		Resource: NewMailbox[ResourceInsert](),
		handles:  handles,
	}
}

// Pending reports whether any mailbox holds work. Lock-free.
func (q *Queues) Pending() bool {
	return q.Spawn.Pending() || q.Despawn.Pending() || q.Update.Pending() || q.Resource.Pending()
}

// DrainDespawns returns the entities to destroy, deduplicated in request
// order. Pending updates targeting them are purged first and their pinned
// script values released, so nothing applied later can reach a dead entity.
func (q *Queues) DrainDespawns() []ecs.EntityID {
	reqs := q.Despawn.Drain()
	if len(reqs) == 0 {
		return nil
	}
	targets := make(map[ecs.EntityID]struct{}, len(reqs))
	out := make([]ecs.EntityID, 0, len(reqs))
	for _, r := range reqs {
		if _, dup := targets[r.Entity]; dup {
			continue
		}
		targets[r.Entity] = struct{}{}
		out = append(out, r.Entity)
	}
	purged := q.Update.Purge(func(u Update) bool {
		_, hit := targets[u.Entity]
		return hit
	})
	q.release(purged)
	return out
}

// DrainUpdates returns the queued component updates. The caller releases
// each update's handle once applied (see Release).
func (q *Queues) DrainUpdates() []Update { return q.Update.Drain() }

func (q *Queues) DrainSpawns() []Spawn { return q.Spawn.Drain() }

func (q *Queues) DrainResources() []ResourceInsert { return q.Resource.Drain() }

// Release drops the pinned script values of applied or discarded updates.
func (q *Queues) Release(updates []Update) { q.release(updates) }

func (q *Queues) release(updates []Update) {
	if q.handles == nil {
		return
	}
	for _, u := range updates {
		if u.Handle != 0 {
			q.handles.Release(u.Handle)
		}
	}
}
