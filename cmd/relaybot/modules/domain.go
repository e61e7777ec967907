package modules

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/relaybothq/relaybot/internal/config"
	"github.com/relaybothq/relaybot/internal/fleet"
	"github.com/relaybothq/relaybot/internal/inbox"
	"github.com/relaybothq/relaybot/internal/notify"
	"github.com/relaybothq/relaybot/internal/router"
	"github.com/relaybothq/relaybot/internal/session"
	"github.com/relaybothq/relaybot/internal/tenant"
)

var DomainModule = fx.Module(
	"domain",
	fx.Provide(
		tenant.NewService,
		inbox.NewService,
		provideSessionStore,
		provideNotifier,
		provideRouter,
	),
)

func provideSessionStore(cfg config.Config) *session.Store {
	return session.NewStore(cfg.Sessions.TTL.Std())
}

func provideNotifier(log *slog.Logger, tenants *tenant.Service, registry *fleet.Registry) *notify.Notifier {
	return notify.NewNotifier(log, tenants, registry)
}

func provideRouter(log *slog.Logger, sessions *session.Store, tenants *tenant.Service, store *inbox.Service, registry *fleet.Registry, notifier *notify.Notifier, cfg config.Config) *router.Router {
	return router.New(log, sessions, tenants, store, registry, notifier, router.Options{
		BroadcastRate: cfg.Broadcast.RatePerSecond,
	})
}
