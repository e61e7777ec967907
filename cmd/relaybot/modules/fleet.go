package modules

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/relaybothq/relaybot/internal/config"
	"github.com/relaybothq/relaybot/internal/fleet"
	"github.com/relaybothq/relaybot/internal/router"
	"github.com/relaybothq/relaybot/internal/tenant"
	"github.com/relaybothq/relaybot/internal/transport/telegram"
	"github.com/relaybothq/relaybot/internal/vault"
)

var FleetModule = fx.Module(
	"fleet",
	fx.Provide(
		fleet.NewRegistry,
		telegram.NewDialer,
		provideSupervisor,
	),
	fx.Invoke(startFleet),
)

func provideSupervisor(log *slog.Logger, tenants *tenant.Service, v *vault.Vault, dialer *telegram.Dialer, registry *fleet.Registry, rtr *router.Router, cfg config.Config) *fleet.Supervisor {
	return fleet.NewSupervisor(log, tenants, v, dialer, registry, rtr.Handle, fleet.Options{
		ReconcileInterval: cfg.Supervisor.ReconcileInterval.Std(),
		HealthInterval:    cfg.Supervisor.HealthInterval.Std(),
		StartTimeout:      cfg.Supervisor.StartTimeout.Std(),
		StopTimeout:       cfg.Supervisor.StopTimeout.Std(),
		RestartCeiling:    cfg.Supervisor.RestartCeiling,
		RestartBackoff:    cfg.Supervisor.RestartBackoff.Std(),
	})
}

func startFleet(lc fx.Lifecycle, supervisor *fleet.Supervisor, rtr *router.Router) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return supervisor.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			err := supervisor.Stop(ctx)
			rtr.Stop()
			return err
		},
	})
}
