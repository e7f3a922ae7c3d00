package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder builds systems that log their index and cost a fixed duration.
type recorder struct {
	mu    sync.Mutex
	clock *fakeClock
	ran   []int
}

func (r *recorder) system(i int, cost time.Duration) System {
	return System{
		Name:  "sys",
		Group: uint64(i),
		Run: func(context.Context, uint64) error {
			r.mu.Lock()
			r.ran = append(r.ran, i)
			r.mu.Unlock()
			r.clock.Advance(cost)
			return nil
		},
	}
}

func (r *recorder) take() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.ran
	r.ran = nil
	return out
}

func budgeted(budget time.Duration, n int, cost time.Duration) (*Scheduler, *recorder) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := New(Config{BudgetEnabled: true, Budget: budget}, zap.NewNop(), WithClock(clk.Now))
	rec := &recorder{clock: clk}
	for i := 0; i < n; i++ {
		s.Add(rec.system(i, cost))
	}
	return s, rec
}

func TestBudgetDefersAndResumes(t *testing.T) {
	// five systems of 4ms against a 10ms budget: three fit per frame
	s, rec := budgeted(10*time.Millisecond, 5, 4*time.Millisecond)
	ctx := context.Background()

	rep := s.RunFrame(ctx, 1)
	require.Equal(t, []int{0, 1, 2}, rec.take())
	require.True(t, rep.Exceeded)
	require.Equal(t, 3, s.Progress().NextIndex)

	rep = s.RunFrame(ctx, 2)
	require.Equal(t, []int{3, 4}, rec.take(), "deferred systems run first, no wrap within a frame")
	require.False(t, rep.Exceeded)
	require.Equal(t, 0, s.Progress().NextIndex, "exhausting the list wraps")

	s.RunFrame(ctx, 3)
	require.Equal(t, []int{0, 1, 2}, rec.take())
	require.EqualValues(t, 2, s.Progress().ExceededCount)
}

func TestBudgetSameFrameDoesNotReset(t *testing.T) {
	s, rec := budgeted(10*time.Millisecond, 4, 5*time.Millisecond)
	ctx := context.Background()

	s.RunFrame(ctx, 7)
	require.Equal(t, []int{0, 1}, rec.take())
	rep := s.RunFrame(ctx, 7)
	require.Empty(t, rec.take(), "budget already spent this frame")
	require.True(t, rep.Exceeded)
	require.Equal(t, 10*time.Millisecond, s.Progress().TimeThisFrame)

	s.RunFrame(ctx, 8)
	require.Equal(t, []int{2, 3}, rec.take())
	require.EqualValues(t, 8, s.Progress().LastFrame)
}

func TestBudgetFairness(t *testing.T) {
	// a single slow system always exceeds; each frame must still advance
	s, rec := budgeted(3*time.Millisecond, 6, 3*time.Millisecond)
	ctx := context.Background()
	var order []int
	for f := uint64(1); f <= 6; f++ {
		s.RunFrame(ctx, f)
		order = append(order, rec.take()...)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
}

func TestRemoveGroupKeepsPosition(t *testing.T) {
	s, rec := budgeted(10*time.Millisecond, 5, 4*time.Millisecond)
	ctx := context.Background()
	s.RunFrame(ctx, 1)
	rec.take()
	require.Equal(t, 3, s.Progress().NextIndex)

	s.RemoveGroup(1)
	require.Equal(t, 4, s.Len())
	require.Equal(t, 2, s.Progress().NextIndex)

	s.RunFrame(ctx, 2)
	require.Equal(t, []int{3, 4}, rec.take())
}

func TestAddDuringFrameIsDeferred(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := New(Config{}, zap.NewNop(), WithClock(clk.Now))
	var late atomic.Int32
	s.Add(System{Group: 1, Run: func(context.Context, uint64) error {
		s.Add(System{Group: 1, Run: func(context.Context, uint64) error {
			late.Add(1)
			return nil
		}})
		s.RemoveGroup(9)
		return nil
	}})

	rep := s.RunFrame(context.Background(), 1)
	require.Equal(t, 1, rep.Ran)
	require.Zero(t, late.Load())
	require.Equal(t, 2, s.Len())
}

func TestUnbudgetedRunsEverythingAndLogsErrors(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	s := New(Config{BudgetEnabled: false, Budget: time.Millisecond}, zap.NewNop(), WithClock(clk.Now))
	rec := &recorder{clock: clk}
	for i := 0; i < 3; i++ {
		s.Add(rec.system(i, time.Second))
	}
	s.Add(System{Name: "bad", Group: 3, Run: func(context.Context, uint64) error { return errors.New("boom") }})

	rep := s.RunFrame(context.Background(), 1)
	require.Equal(t, []int{0, 1, 2}, rec.take())
	require.Equal(t, 4, rep.Ran)
	require.Equal(t, 1, rep.Failed)
	require.False(t, rep.Exceeded)
}

func TestParallelGroupsStaySequential(t *testing.T) {
	s := New(Config{Parallel: true, MinParallelGroups: 2}, zap.NewNop())

	var (
		mu       sync.Mutex
		inFlight = map[uint64]int{}
		maxSeen  = map[uint64]int{}
		order    = map[uint64][]int{}
	)
	for g := uint64(1); g <= 3; g++ {
		for i := 0; i < 4; i++ {
			g, i := g, i
			s.Add(System{Group: g, Run: func(context.Context, uint64) error {
				mu.Lock()
				inFlight[g]++
				if inFlight[g] > maxSeen[g] {
					maxSeen[g] = inFlight[g]
				}
				order[g] = append(order[g], i)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inFlight[g]--
				mu.Unlock()
				return nil
			}})
		}
	}

	rep := s.RunFrame(context.Background(), 1)
	require.Equal(t, 12, rep.Ran)
	for g := uint64(1); g <= 3; g++ {
		require.Equal(t, 1, maxSeen[g], "group %d ran concurrently with itself", g)
		require.Equal(t, []int{0, 1, 2, 3}, order[g])
	}
}

func TestParallelBelowMinimumRunsInOrder(t *testing.T) {
	s := New(Config{Parallel: true, MinParallelGroups: 3}, zap.NewNop())
	var order []uint64
	for _, g := range []uint64{2, 1, 2} {
		g := g
		s.Add(System{Group: g, Run: func(context.Context, uint64) error {
			order = append(order, g)
			return nil
		}})
	}
	s.RunFrame(context.Background(), 1)
	require.Equal(t, []uint64{2, 1, 2}, order)
}
