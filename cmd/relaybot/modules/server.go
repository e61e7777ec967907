package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/relaybothq/relaybot/internal/config"
	"github.com/relaybothq/relaybot/internal/fleet"
	"github.com/relaybothq/relaybot/internal/handlers"
	"github.com/relaybothq/relaybot/internal/server"
	"github.com/relaybothq/relaybot/internal/tenant"
	"github.com/relaybothq/relaybot/internal/transport/telegram"
	"github.com/relaybothq/relaybot/internal/vault"
)

var ServerModule = fx.Module(
	"server",
	fx.Provide(
		provideServerHandler(provideStatusHandler),
		provideServerHandler(provideTenantsHandler),
		provideServer,
	),
	fx.Invoke(startServer),
)

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideStatusHandler(log *slog.Logger, registry *fleet.Registry) *handlers.StatusHandler {
	return handlers.NewStatusHandler(log, registry)
}

func provideTenantsHandler(log *slog.Logger, tenants *tenant.Service, v *vault.Vault, dialer *telegram.Dialer, supervisor *fleet.Supervisor) *handlers.TenantsHandler {
	return handlers.NewTenantsHandler(log, tenants, v, dialer, supervisor)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
