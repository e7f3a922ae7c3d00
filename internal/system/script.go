package system

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge"
	coresys "github.com/l1jgo/scriptbridge/internal/core/system"
	"github.com/l1jgo/scriptbridge/internal/scripting"
)

// ScriptSystem resumes script tasks and runs script systems under the frame
// budget. Phase 2 (Update).
type ScriptSystem struct {
	ctx    context.Context
	bridge *bridge.Bridge
	engine *scripting.Engine
	clock  *Clock
	log    *zap.Logger
}

func NewScriptSystem(ctx context.Context, b *bridge.Bridge, engine *scripting.Engine, clock *Clock, log *zap.Logger) *ScriptSystem {
	return &ScriptSystem{ctx: ctx, bridge: b, engine: engine, clock: clock, log: log}
}

func (s *ScriptSystem) Phase() coresys.Phase { return coresys.PhaseUpdate }

func (s *ScriptSystem) Update(_ time.Duration) {
	frame := s.clock.Frame()
	resumed := s.engine.PollTasks(s.ctx, frame)
	rep := s.bridge.RunScripts(s.ctx, frame)
	if rep.Failed > 0 {
		s.log.Warn("script systems failed",
			zap.Uint64("frame", frame),
			zap.Int("failed", rep.Failed),
			zap.Int("ran", rep.Ran),
		)
	}
	if resumed > 0 {
		s.log.Debug("script tasks resumed", zap.Uint64("frame", frame), zap.Int("count", resumed))
	}
}
