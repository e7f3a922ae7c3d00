package instance

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/core/ecs"
)

// Executor runs an instance's script body. On reload it is called with the
// same instance id as before.
type Executor interface {
	Execute(ctx context.Context, inst Instance) error
}

// Releaser is implemented by executors that hold per-instance state, such as
// a VM, which must be freed once the instance is removed.
type Releaser interface {
	Release(instance uint64)
}

// Host is the part of the bridge the reloader tears entities down through.
type Host interface {
	// ScriptEntities lists the entities inst spawned during top-level
	// execution.
	ScriptEntities(instance uint64) []ecs.EntityID
	// Despawn queues id for destruction at the next sync point.
	Despawn(id ecs.EntityID)
}

// SourceFunc reads the current content of a script path.
type SourceFunc func(path string) ([]byte, error)

// ReloadError reports an instance whose body failed to re-execute. Its old
// script-phase entities have already been queued for despawn.
type ReloadError struct {
	Cause      error
	Path       string
	InstanceID uint64
}

func (e *ReloadError) Error() string {
	if e.InstanceID == 0 {
		return fmt.Sprintf("reload %s: %v", e.Path, e.Cause)
	}
	return fmt.Sprintf("reload %s (instance %d): %v", e.Path, e.InstanceID, e.Cause)
}

func (e *ReloadError) Unwrap() error { return e.Cause }

// Reloader re-executes instances when their source file changes.
type Reloader struct {
	reg           *Registry
	host          Host
	exec          Executor
	source        SourceFunc
	log           *zap.Logger
	skipUnchanged bool
}

func NewReloader(reg *Registry, host Host, exec Executor, source SourceFunc, skipUnchanged bool, log *zap.Logger) *Reloader {
	return &Reloader{
		reg:           reg,
		host:          host,
		exec:          exec,
		source:        source,
		skipUnchanged: skipUnchanged,
		log:           log,
	}
}

// OnFileChanged reloads every non-stopped instance of path: its script-phase
// entities are queued for despawn, then its body re-runs under the same id.
// Runtime-phase entities are left alone. Failures of individual instances do
// not stop the others and are returned joined.
func (r *Reloader) OnFileChanged(ctx context.Context, path string) ([]uint64, error) {
	var targets []Instance
	for _, inst := range r.reg.ByPath(path) {
		if !inst.Stopped {
			targets = append(targets, inst)
		}
	}
	if len(targets) == 0 {
		return nil, nil
	}

	content, err := r.source(path)
	if err != nil {
		return nil, &ReloadError{Path: path, Cause: err}
	}

	var (
		reloaded []uint64
		errs     []error
	)
	for _, old := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if r.skipUnchanged && DigestOf(content) == old.Digest {
			r.log.Debug("script unchanged, reload skipped", zap.Uint64("instance", old.ID), zap.String("path", path))
			continue
		}

		doomed := r.host.ScriptEntities(old.ID)
		for _, id := range doomed {
			r.host.Despawn(id)
		}
		inst, _ := r.reg.replaceContent(old.ID, content)

		if err := r.exec.Execute(ctx, inst); err != nil {
			r.log.Error("script reload failed",
				zap.Uint64("instance", inst.ID),
				zap.String("path", path),
				zap.Int("despawned", len(doomed)),
				zap.Error(err),
			)
			errs = append(errs, &ReloadError{InstanceID: inst.ID, Path: path, Cause: err})
			continue
		}
		r.log.Info("script reloaded",
			zap.Uint64("instance", inst.ID),
			zap.String("path", path),
			zap.Int("despawned", len(doomed)),
			zap.Int("reloads", inst.Reloads),
		)
		reloaded = append(reloaded, inst.ID)
	}
	return reloaded, errors.Join(errs...)
}
