package system

import (
	"time"

	"github.com/l1jgo/scriptbridge/internal/bridge"
	coresys "github.com/l1jgo/scriptbridge/internal/core/system"
)

// SyncSystem starts a frame: it advances the clock and applies everything
// scripts queued during the previous one. Phase 1 (PreUpdate).
type SyncSystem struct {
	bridge *bridge.Bridge
	clock  *Clock
	last   bridge.SyncReport
}

func NewSyncSystem(b *bridge.Bridge, clock *Clock) *SyncSystem {
	return &SyncSystem{bridge: b, clock: clock}
}

func (s *SyncSystem) Phase() coresys.Phase { return coresys.PhasePreUpdate }

func (s *SyncSystem) Update(_ time.Duration) {
	s.last = s.bridge.Sync(s.clock.Advance())
}

// Last returns what the most recent sync applied.
func (s *SyncSystem) Last() bridge.SyncReport { return s.last }
