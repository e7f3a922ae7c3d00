package scripting

import (
	"context"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// task is a script coroutine suspended on a condition the host polls once per
// frame. A coroutine yields nothing (next frame), a frame count, or a
// predicate function that must return true before it resumes.
type task struct {
	co       *lua.LState
	fn       *lua.LFunction
	pred     *lua.LFunction
	resumeAt uint64
}

// startTask runs fn as a coroutine up to its first yield. Caller holds st.mu.
func (st *state) startTask(fn *lua.LFunction, frame uint64) error {
	co, _ := st.L.NewThread()
	t := &task{co: co, fn: fn}
	done, err := st.resume(t, frame)
	if err != nil {
		return err
	}
	if !done {
		st.tasks = append(st.tasks, t)
	}
	return nil
}

// resume continues t and records its next wait condition. Tasks always run in
// the runtime phase.
func (st *state) resume(t *task, frame uint64) (bool, error) {
	prev := st.phase
	st.phase = ecs.RuntimePhase
	defer func() { st.phase = prev }()
	t.co.SetContext(st.ctx)

	rs, err, values := st.L.Resume(t.co, t.fn)
	switch rs {
	case lua.ResumeError:
		return true, err
	case lua.ResumeOK:
		return true, nil
	}

	t.pred, t.resumeAt = nil, frame+1
	if len(values) > 0 {
		switch v := values[0].(type) {
		case lua.LNumber:
			if v > 0 {
				t.resumeAt = frame + uint64(v)
			}
		case *lua.LFunction:
			t.pred = v
		}
	}
	return false, nil
}

func (st *state) ready(t *task, frame uint64) bool {
	if t.pred == nil {
		return frame >= t.resumeAt
	}
	if err := st.L.CallByParam(lua.P{Fn: t.pred, NRet: 1, Protect: true}); err != nil {
		st.e.log.Error("task condition failed", zap.Uint64("instance", st.id), zap.Error(err))
		return false
	}
	ok := lua.LVAsBool(st.L.Get(-1))
	st.L.Pop(1)
	return ok
}

func (st *state) pollTasks(ctx context.Context, frame uint64) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || len(st.tasks) == 0 {
		return 0
	}
	st.enter(ctx, ecs.RuntimePhase)
	defer st.leave()

	current := st.tasks
	st.tasks = nil
	resumed := 0
	kept := make([]*task, 0, len(current))
	for _, t := range current {
		if !st.ready(t, frame) {
			kept = append(kept, t)
			continue
		}
		resumed++
		done, err := st.resume(t, frame)
		if err != nil {
			st.e.log.Error("script task failed",
				zap.Uint64("instance", st.id),
				zap.String("path", st.path),
				zap.Error(err),
			)
		}
		if !done {
			kept = append(kept, t)
		}
	}
	// st.tasks now holds only tasks started during this poll
	st.tasks = append(kept, st.tasks...)
	return resumed
}
