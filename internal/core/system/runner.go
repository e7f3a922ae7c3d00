package system

import (
	"sort"
	"time"
)

// Runner executes systems in phase order each tick. Systems sharing a phase
// keep their registration order.
type Runner struct {
	systems []System
	sorted  bool
	now     func() time.Time
	last    TickStats
}

// TickStats is the wall time one Tick spent per phase.
type TickStats struct {
	Phases [phaseCount]time.Duration
	Total  time.Duration
}

// Slowest returns the phase that took longest.
func (s TickStats) Slowest() (Phase, time.Duration) {
	var (
		slow Phase
		max  time.Duration
	)
	for p, d := range s.Phases {
		if d > max {
			slow, max = Phase(p), d
		}
	}
	return slow, max
}

func NewRunner() *Runner {
	return &Runner{
		systems: make([]System, 0, 8),
		now:     time.Now,
	}
}

func (r *Runner) Register(s System) {
	r.systems = append(r.systems, s)
	r.sorted = false
}

// Len returns the number of registered systems.
func (r *Runner) Len() int { return len(r.systems) }

// Tick runs every system once and returns where the time went.
func (r *Runner) Tick(dt time.Duration) TickStats {
	r.ensureSorted()
	var st TickStats
	start := r.now()
	for _, s := range r.systems {
		t0 := r.now()
		s.Update(dt)
		if p := s.Phase(); p >= 0 && p < phaseCount {
			st.Phases[p] += r.now().Sub(t0)
		}
	}
	st.Total = r.now().Sub(start)
	r.last = st
	return st
}

// Last returns the stats of the most recent Tick.
func (r *Runner) Last() TickStats { return r.last }

// TickPhase runs only the systems of one phase.
func (r *Runner) TickPhase(phase Phase, dt time.Duration) {
	r.ensureSorted()
	for _, s := range r.systems {
		if s.Phase() == phase {
			s.Update(dt)
		}
	}
}

func (r *Runner) ensureSorted() {
	if r.sorted {
		return
	}
	sort.SliceStable(r.systems, func(i, j int) bool {
		return r.systems[i].Phase() < r.systems[j].Phase()
	})
	r.sorted = true
}
