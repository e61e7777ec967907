// Package modules wires the application graph for the relaybot daemon.
package modules

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/relaybothq/relaybot/internal/config"
	"github.com/relaybothq/relaybot/internal/db"
	"github.com/relaybothq/relaybot/internal/logger"
	"github.com/relaybothq/relaybot/internal/vault"
)

var InfraModule = fx.Module(
	"infra",
	fx.Provide(
		provideConfig,
		provideLogger,
		provideDBConn,
		provideVault,
	),
)

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pool.Close()
			return nil
		},
	})
	return pool, nil
}

func provideVault(cfg config.Config) (*vault.Vault, error) {
	v, err := vault.New(cfg.Vault.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}
	return v, nil
}
