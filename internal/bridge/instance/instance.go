package instance

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Digest identifies script content.
type Digest [blake2b.Size256]byte

func DigestOf(content []byte) Digest { return blake2b.Sum256(content) }

// Instance is one execution of a script file. Many instances may share a
// path; each keeps its id across reloads.
type Instance struct {
	Loaded  time.Time
	Path    string
	Content []byte
	ID      uint64
	Reloads int
	Digest  Digest
	Stopped bool
}

// Registry tracks script instances. Values returned are copies.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	byID   map[uint64]*Instance
	byPath map[string][]uint64
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint64]*Instance),
		byPath: make(map[string][]uint64),
		now:    time.Now,
	}
}

// Create registers a new instance of path. Ids are monotonic and never reused.
func (r *Registry) Create(path string, content []byte) Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	inst := &Instance{
		ID:      r.nextID,
		Path:    path,
		Content: content,
		Digest:  DigestOf(content),
		Loaded:  r.now(),
	}
	r.byID[inst.ID] = inst
	r.byPath[path] = append(r.byPath[path], inst.ID)
	return *inst
}

func (r *Registry) Get(id uint64) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byID[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// ByPath returns every instance of path, stopped ones included, in creation
// order.
func (r *Registry) ByPath(path string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byPath[path]
	out := make([]Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.byID[id])
	}
	return out
}

// Stop marks the instance stopped. Stopping is one-way.
func (r *Registry) Stop(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byID[id]
	if !ok || inst.Stopped {
		return false
	}
	inst.Stopped = true
	return true
}

// Remove forgets the instance.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	ids := r.byPath[inst.Path]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.byPath, inst.Path)
	} else {
		r.byPath[inst.Path] = ids
	}
	return true
}

// RemovePath forgets every instance of path and returns their ids.
func (r *Registry) RemovePath(path string) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.byPath[path]
	for _, id := range ids {
		delete(r.byID, id)
	}
	delete(r.byPath, path)
	return ids
}

// Active returns the non-stopped instances ordered by id.
func (r *Registry) Active() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.byID))
	for _, inst := range r.byID {
		if !inst.Stopped {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveIDs is Active reduced to ids.
func (r *Registry) ActiveIDs() []uint64 {
	active := r.Active()
	ids := make([]uint64, len(active))
	for i, inst := range active {
		ids[i] = inst.ID
	}
	return ids
}

// Paths returns every path with at least one instance, sorted.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byPath))
	for p := range r.byPath {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// replaceContent installs reloaded content and reports whether it differs
// from what the instance last ran.
func (r *Registry) replaceContent(id uint64, content []byte) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byID[id]
	if !ok {
		return Instance{}, false
	}
	d := DigestOf(content)
	changed := d != inst.Digest
	inst.Content, inst.Digest = content, d
	inst.Loaded = r.now()
	inst.Reloads++
	return *inst, changed
}
