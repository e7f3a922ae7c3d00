package system

import (
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
	coresys "github.com/l1jgo/scriptbridge/internal/core/system"
)

// CleanupSystem flushes the host's deferred entity destruction queue at tick
// end. Phase 6 (Cleanup).
type CleanupSystem struct {
	world *ecs.World
	log   *zap.Logger
}

func NewCleanupSystem(w *ecs.World, log *zap.Logger) *CleanupSystem {
	return &CleanupSystem{world: w, log: log}
}

func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *CleanupSystem) Update(_ time.Duration) {
	s.world.Lock()
	n := s.world.FlushDestroyQueue()
	s.world.Unlock()
	if n > 0 {
		s.log.Debug("entities destroyed", zap.Int("count", n))
	}
}
