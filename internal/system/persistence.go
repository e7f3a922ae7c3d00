package system

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
	coresys "github.com/l1jgo/scriptbridge/internal/core/system"
	"github.com/l1jgo/scriptbridge/internal/persist"
)

// SnapshotSaver stores world snapshots. Implemented by persist.SnapshotRepo.
type SnapshotSaver interface {
	Save(ctx context.Context, s persist.Snapshot) (int64, error)
}

// PersistenceSystem periodically snapshots the script-visible world state.
// Phase 5 (Persist).
type PersistenceSystem struct {
	world    *ecs.World
	repo     SnapshotSaver
	clock    *Clock
	log      *zap.Logger
	interval uint64 // snapshot every N frames
	lastSave uint64
}

func NewPersistenceSystem(w *ecs.World, repo SnapshotSaver, clock *Clock, log *zap.Logger, intervalFrames uint64) *PersistenceSystem {
	return &PersistenceSystem{
		world:    w,
		repo:     repo,
		clock:    clock,
		log:      log,
		interval: intervalFrames,
	}
}

func (s *PersistenceSystem) Phase() coresys.Phase { return coresys.PhasePersist }

func (s *PersistenceSystem) Update(_ time.Duration) {
	frame := s.clock.Frame()
	if s.interval == 0 || frame-s.lastSave < s.interval {
		return
	}
	s.SaveNow()
}

// SaveNow snapshots immediately. Called on shutdown.
func (s *PersistenceSystem) SaveNow() {
	frame := s.clock.Frame()
	s.world.RLock()
	snap := persist.Capture(s.world, frame)
	s.world.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.repo.Save(ctx, snap); err != nil {
		s.log.Error("snapshot save failed", zap.Uint64("frame", frame), zap.Error(err))
		return
	}
	s.lastSave = frame
}
