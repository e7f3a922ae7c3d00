package marshal

import (
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Handle refers to a script value pinned in a Handles arena. Index in the
// low 32 bits, generation in the high 32 bits; zero is never issued.
type Handle uint64

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

type handleSlot struct {
	value lua.LValue
	owner uint64
	gen   uint32
	used  bool
}

// Handles keeps script values alive while a pending mutation request refers
// to them. Released slots are recycled with a bumped generation so stale
// handles never resolve.
type Handles struct {
	mu    sync.Mutex
	slots []handleSlot
	free  []uint32
	live  int
}

func NewHandles() *Handles {
	return &Handles{slots: make([]handleSlot, 1, 64)}
}

// Pin stores v on behalf of the owning script instance.
func (h *Handles) Pin(owner uint64, v lua.LValue) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		idx = uint32(len(h.slots))
		h.slots = append(h.slots, handleSlot{})
	}
	s := &h.slots[idx]
	s.value, s.owner, s.used = v, owner, true
	h.live++
	return Handle(uint64(s.gen)<<32 | uint64(idx))
}

func (h *Handles) slot(hd Handle) (*handleSlot, bool) {
	idx := hd.index()
	if idx == 0 || int(idx) >= len(h.slots) {
		return nil, false
	}
	s := &h.slots[idx]
	if !s.used || s.gen != hd.generation() {
		return nil, false
	}
	return s, true
}

// Get resolves a live handle.
func (h *Handles) Get(hd Handle) (lua.LValue, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slot(hd)
	if !ok {
		return lua.LNil, false
	}
	return s.value, true
}

// Release drops the pinned value. Releasing a stale handle is a no-op.
func (h *Handles) Release(hd Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slot(hd)
	if !ok {
		return false
	}
	s.value, s.owner, s.used = nil, 0, false
	s.gen++
	h.free = append(h.free, hd.index())
	h.live--
	return true
}

// ReleaseOwner drops every value pinned by owner and returns how many.
func (h *Handles) ReleaseOwner(owner uint64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for i := 1; i < len(h.slots); i++ {
		s := &h.slots[i]
		if s.used && s.owner == owner {
			s.value, s.owner, s.used = nil, 0, false
			s.gen++
			h.free = append(h.free, uint32(i))
			h.live--
			n++
		}
	}
	return n
}

// Len returns the number of pinned values.
func (h *Handles) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}
