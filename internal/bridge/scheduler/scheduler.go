package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// System is one script-registered per-frame callback. Systems sharing a
// Group never run concurrently with each other.
type System struct {
	Run   func(ctx context.Context, frame uint64) error
	Name  string
	Group uint64
}

// Progress survives across frames. NextIndex is not reset on a frame
// boundary, so systems skipped by the budget run first next frame.
type Progress struct {
	NextIndex     int
	LastFrame     uint64
	TimeThisFrame time.Duration
	ExceededCount uint64
	started       bool
}

type Config struct {
	Budget            time.Duration
	MinParallelGroups int
	BudgetEnabled     bool
	Parallel          bool
}

// Report summarizes one RunFrame call.
type Report struct {
	Elapsed  time.Duration
	Ran      int
	Failed   int
	Exceeded bool
}

type Option func(*Scheduler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs registered systems round-robin under a per-frame wall-clock
// budget.
type Scheduler struct {
	mu       sync.Mutex
	systems  []System
	progress Progress

	running       bool
	pendingAdd    []System
	pendingRemove []uint64

	runMu sync.Mutex
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

func New(cfg Config, log *zap.Logger, opts ...Option) *Scheduler {
	if cfg.MinParallelGroups < 1 {
		cfg.MinParallelGroups = 1
	}
	if cfg.Budget <= 0 {
		cfg.BudgetEnabled = false
	}
	s := &Scheduler{cfg: cfg, now: time.Now, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add appends a system. Systems added while a frame is running take effect
// after it.
func (s *Scheduler) Add(sys System) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.pendingAdd = append(s.pendingAdd, sys)
		return
	}
	s.systems = append(s.systems, sys)
}

// RemoveGroup drops every system of group, keeping the round-robin position
// on the same next system.
func (s *Scheduler) RemoveGroup(group uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.pendingRemove = append(s.pendingRemove, group)
		return
	}
	s.removeLocked(group)
}

func (s *Scheduler) removeLocked(group uint64) {
	kept := s.systems[:0]
	next := s.progress.NextIndex
	for i, sys := range s.systems {
		if sys.Group == group {
			if i < s.progress.NextIndex {
				next--
			}
			continue
		}
		kept = append(kept, sys)
	}
	for i := len(kept); i < len(s.systems); i++ {
		s.systems[i] = System{}
	}
	s.systems = kept
	if next >= len(kept) {
		next = 0
	}
	s.progress.NextIndex = next
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.systems)
}

func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// RunFrame executes systems for frame. With a budget it resumes at
// Progress.NextIndex and stops once the frame's cumulative time reaches the
// budget; without one every system runs. System errors are logged and do not
// stop the frame.
func (s *Scheduler) RunFrame(ctx context.Context, frame uint64) Report {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	s.running = true
	systems := append([]System(nil), s.systems...)
	s.enterFrame(frame)
	s.mu.Unlock()

	var rep Report
	if s.cfg.BudgetEnabled {
		rep = s.runBudgeted(ctx, frame, systems)
	} else {
		rep = s.runAll(ctx, frame, systems)
	}

	s.mu.Lock()
	s.running = false
	s.systems = append(s.systems, s.pendingAdd...)
	for _, g := range s.pendingRemove {
		s.removeLocked(g)
	}
	s.pendingAdd, s.pendingRemove = nil, nil
	s.mu.Unlock()
	return rep
}

// enterFrame resets the per-frame clock on a frame boundary. Caller holds mu.
func (s *Scheduler) enterFrame(frame uint64) {
	p := &s.progress
	if p.started && p.LastFrame == frame {
		return
	}
	if p.started && s.cfg.BudgetEnabled {
		s.log.Debug("frame budget usage",
			zap.Uint64("frame", p.LastFrame),
			zap.Duration("used", p.TimeThisFrame),
			zap.Duration("budget", s.cfg.Budget),
			zap.Int("next_index", p.NextIndex),
		)
	}
	p.TimeThisFrame = 0
	p.LastFrame = frame
	p.started = true
}

func (s *Scheduler) runBudgeted(ctx context.Context, frame uint64, systems []System) Report {
	var rep Report
	n := len(systems)

	s.mu.Lock()
	next := s.progress.NextIndex
	used := s.progress.TimeThisFrame
	s.mu.Unlock()
	if next >= n {
		next = 0
	}
	if used >= s.cfg.Budget && n > 0 {
		rep.Exceeded = true
		return rep
	}

	for next < n {
		if ctx.Err() != nil {
			break
		}
		d, err := s.runOne(ctx, frame, systems[next])
		rep.Ran++
		rep.Elapsed += d
		if err != nil {
			rep.Failed++
		}
		next++
		used += d
		if used >= s.cfg.Budget {
			rep.Exceeded = true
			break
		}
	}
	// ran off the end without hitting the budget: wrap for next frame
	if !rep.Exceeded && next >= n {
		next = 0
	}

	s.mu.Lock()
	s.progress.NextIndex = next
	s.progress.TimeThisFrame = used
	if rep.Exceeded {
		s.progress.ExceededCount++
		s.log.Debug("frame budget exceeded",
			zap.Uint64("frame", frame),
			zap.Duration("used", used),
			zap.Duration("budget", s.cfg.Budget),
			zap.Int("ran", rep.Ran),
			zap.Int("next_index", next),
			zap.Uint64("exceeded_count", s.progress.ExceededCount),
		)
	}
	s.mu.Unlock()
	return rep
}

func (s *Scheduler) runAll(ctx context.Context, frame uint64, systems []System) Report {
	groups, order := groupSystems(systems)
	if !s.cfg.Parallel || len(order) < s.cfg.MinParallelGroups || len(order) < 2 {
		var rep Report
		for _, sys := range systems {
			if ctx.Err() != nil {
				break
			}
			d, err := s.runOne(ctx, frame, sys)
			rep.Ran++
			rep.Elapsed += d
			if err != nil {
				rep.Failed++
			}
		}
		s.addTime(rep.Elapsed)
		return rep
	}

	start := s.now()
	reports := make([]Report, len(order))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range order {
		i, members := i, groups[id]
		g.Go(func() error {
			for _, sys := range members {
				if err := gctx.Err(); err != nil {
					return err
				}
				d, err := s.runOne(gctx, frame, sys)
				reports[i].Ran++
				reports[i].Elapsed += d
				if err != nil {
					reports[i].Failed++
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Debug("parallel frame interrupted", zap.Uint64("frame", frame), zap.Error(err))
	}

	var rep Report
	for _, r := range reports {
		rep.Ran += r.Ran
		rep.Failed += r.Failed
	}
	rep.Elapsed = s.now().Sub(start)
	s.addTime(rep.Elapsed)
	return rep
}

func (s *Scheduler) addTime(d time.Duration) {
	s.mu.Lock()
	s.progress.TimeThisFrame += d
	s.mu.Unlock()
}

func (s *Scheduler) runOne(ctx context.Context, frame uint64, sys System) (time.Duration, error) {
	start := s.now()
	err := sys.Run(ctx, frame)
	d := s.now().Sub(start)
	if err != nil {
		s.log.Error("script system failed",
			zap.String("system", sys.Name),
			zap.Uint64("group", sys.Group),
			zap.Uint64("frame", frame),
			zap.Error(err),
		)
	}
	return d, err
}

// groupSystems buckets systems by group, keeping registration order inside
// each bucket and first-appearance order across buckets.
func groupSystems(systems []System) (map[uint64][]System, []uint64) {
	groups := make(map[uint64][]System)
	var order []uint64
	for _, sys := range systems {
		if _, ok := groups[sys.Group]; !ok {
			order = append(order, sys.Group)
		}
		groups[sys.Group] = append(groups[sys.Group], sys)
	}
	return groups, order
}
