package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/l1jgo/scriptbridge/internal/config"
	coresys "github.com/l1jgo/scriptbridge/internal/core/system"
	"github.com/l1jgo/scriptbridge/internal/data"
	"github.com/l1jgo/scriptbridge/internal/netres"
	"github.com/l1jgo/scriptbridge/internal/persist"
	"github.com/l1jgo/scriptbridge/internal/system"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfg, err := config.Load(config.Path())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Wire the bridge graph and host-provided types
	app, err := initApp(cfg, log)
	if err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}
	defer app.Engine.Close()

	if err := netres.RegisterLink(app.Registry, nil, log.Named("netres")); err != nil {
		return fmt.Errorf("register websocket link: %w", err)
	}

	// 4. Optional snapshot store
	var snapshots *persist.SnapshotRepo
	if cfg.Database.Enabled {
		dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		db, err := persist.NewDB(dbCtx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(dbCtx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		snapshots = persist.NewSnapshotRepo(db)

		if err := restoreSnapshot(dbCtx, app, snapshots, log); err != nil {
			return err
		}
	}

	// 5. Load scripts
	manifest, err := data.LoadManifest(cfg.Bridge.Manifest, cfg.Bridge.ScriptsDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("no script manifest; starting empty", zap.String("path", cfg.Bridge.Manifest))
		manifest = &data.Manifest{}
	case err != nil:
		return fmt.Errorf("manifest: %w", err)
	}
	loaded := 0
	for _, path := range manifest.Paths() {
		// a failing script stays registered as stopped; keep going
		if _, err := app.Engine.Load(ctx, path); err == nil {
			loaded++
		}
	}
	log.Info("scripts loaded", zap.Int("loaded", loaded), zap.Int("scripts", manifest.Count()))

	// 6. Register systems
	clock := &system.Clock{}
	runner := coresys.NewRunner()
	watch, err := system.NewWatchSystem(ctx, app.Bridge, cfg.Bridge.WatchInterval, log)
	if err != nil {
		return fmt.Errorf("file watcher: %w", err)
	}
	defer watch.Close()
	runner.Register(watch)
	runner.Register(system.NewSyncSystem(app.Bridge, clock))
	runner.Register(system.NewScriptSystem(ctx, app.Bridge, app.Engine, clock, log))
	var persistence *system.PersistenceSystem
	if snapshots != nil {
		persistence = system.NewPersistenceSystem(app.World, snapshots, clock, log, cfg.Database.SnapshotEvery)
		runner.Register(persistence)
	}
	runner.Register(system.NewCleanupSystem(app.World, log))

	// 7. Frame loop
	ticker := time.NewTicker(cfg.Bridge.FrameRate)
	defer ticker.Stop()
	log.Info("frame loop started", zap.Duration("frame_rate", cfg.Bridge.FrameRate))

	for {
		select {
		case <-ticker.C:
			if st := runner.Tick(cfg.Bridge.FrameRate); st.Total > cfg.Bridge.FrameRate {
				phase, d := st.Slowest()
				log.Warn("tick overran frame",
					zap.Uint64("frame", clock.Frame()),
					zap.Duration("took", st.Total),
					zap.Stringer("slowest_phase", phase),
					zap.Duration("phase_time", d),
				)
			}
		case <-ctx.Done():
			log.Info("shutting down", zap.Uint64("frame", clock.Frame()))
			if persistence != nil {
				persistence.SaveNow()
			}
			return nil
		}
	}
}

// restoreSnapshot seeds the world from the latest stored snapshot, if any.
func restoreSnapshot(ctx context.Context, app *App, repo *persist.SnapshotRepo, log *zap.Logger) error {
	snap, err := repo.LoadLatest(ctx)
	if errors.Is(err, persist.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	app.World.Lock()
	mapping, err := persist.Restore(app.World, snap)
	app.World.Unlock()
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	log.Info("snapshot restored",
		zap.Uint64("frame", snap.Frame),
		zap.Int("entities", len(mapping)),
		zap.Int("resources", len(snap.Resources)),
	)
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
