//go:build wireinject
// +build wireinject

package main

import (
	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/l1jgo/scriptbridge/internal/config"
)

func initApp(cfg *config.Config, log *zap.Logger) (*App, error) {
	wire.Build(bridgeSet)
	return nil, nil
}
