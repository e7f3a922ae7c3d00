package cache

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// Result is a frame-stable query answer: the matching entities, sorted by
// index, and for every requested component the values aligned with Entities.
// Results handed out by the cache are shared and must not be modified.
type Result struct {
	Values   map[string][]any
	Entities []ecs.EntityID
}

type entry struct {
	result *Result
	names  []string
}

// Cache memoizes query results for the current frame and component name
// classifications for the life of the process.
type Cache struct {
	mu      sync.Mutex
	frame   uint64
	stamped bool
	entries map[uint64][]entry

	classMu sync.RWMutex
	classes map[string]Classification

	hits   atomic.Uint64
	misses atomic.Uint64
}

func New() *Cache {
	return &Cache{
		entries: make(map[uint64][]entry),
		classes: make(map[string]Classification),
	}
}

// Key normalizes a name set: sorted, deduplicated, hashed. Order and
// repetition in the request do not change the key.
func Key(names []string) (uint64, []string) {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return xxhash.Sum64String(strings.Join(sorted, "\x00")), sorted
}

// advance clears every per-query entry the first time frame is seen. Caller
// holds mu.
func (c *Cache) advance(frame uint64) {
	if c.stamped && c.frame == frame {
		return
	}
	clear(c.entries)
	c.frame, c.stamped = frame, true
}

// Get returns the result cached for names in frame.
func (c *Cache) Get(names []string, frame uint64) (*Result, bool) {
	h, sorted := Key(names)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(frame)
	for _, e := range c.entries[h] {
		if slices.Equal(e.names, sorted) {
			c.hits.Add(1)
			return e.result, true
		}
	}
	c.misses.Add(1)
	return nil, false
}

// Insert stores a deep copy of r for names in frame and returns the stored
// copy. If another caller stored the same key first in this frame, that
// result wins and is returned so every caller in a frame sees one answer.
func (c *Cache) Insert(names []string, r *Result, frame uint64) *Result {
	h, sorted := Key(names)
	snap := snapshot(r)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(frame)
	for _, e := range c.entries[h] {
		if slices.Equal(e.names, sorted) {
			return e.result
		}
	}
	c.entries[h] = append(c.entries[h], entry{names: sorted, result: snap})
	return snap
}

// Frame returns the frame the per-query entries belong to.
func (c *Cache) Frame() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame, c.stamped
}

// Stats reports lookup hits and misses since creation.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

func snapshot(r *Result) *Result {
	out := &Result{
		Entities: slices.Clone(r.Entities),
		Values:   make(map[string][]any, len(r.Values)),
	}
	for name, vals := range r.Values {
		cp := make([]any, len(vals))
		for i, v := range vals {
			cp[i] = marshal.DeepCopy(v)
		}
		out.Values[name] = cp
	}
	return out
}
