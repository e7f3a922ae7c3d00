package main

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/bridge"
	"github.com/l1jgo/scriptbridge/internal/bridge/instance"
	"github.com/l1jgo/scriptbridge/internal/bridge/marshal"
	"github.com/l1jgo/scriptbridge/internal/bridge/registry"
	"github.com/l1jgo/scriptbridge/internal/bridge/scheduler"
	"github.com/l1jgo/scriptbridge/internal/config"
	"github.com/l1jgo/scriptbridge/internal/core/ecs"
	"github.com/l1jgo/scriptbridge/internal/core/event"
	"github.com/l1jgo/scriptbridge/internal/scripting"
)

// App is the wired bridge graph.
type App struct {
	World    *ecs.World
	Registry *registry.Registry
	Bridge   *bridge.Bridge
	Engine   *scripting.Engine
}

var bridgeSet = wire.NewSet(
	ecs.NewWorld,
	marshal.New,
	registry.New,
	event.NewBus,
	provideScheduler,
	provideBridgeConfig,
	bridge.New,
	provideSource,
	scripting.NewEngine,
	wire.Struct(new(App), "*"),
)

func provideScheduler(cfg *config.Config, log *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		Budget:            cfg.Scheduler.FrameBudget,
		BudgetEnabled:     cfg.Scheduler.BudgetEnabled,
		Parallel:          cfg.Scheduler.Parallel,
		MinParallelGroups: cfg.Scheduler.MinParallelGroups,
	}, log.Named("scheduler"))
}

func provideBridgeConfig(cfg *config.Config) bridge.Config {
	return bridge.Config{SkipUnchangedReload: cfg.Bridge.SkipUnchangedReload}
}

func provideSource(cfg *config.Config) (instance.SourceFunc, error) {
	return scripting.SourceReader(cfg.Bridge.ScriptEncoding)
}
