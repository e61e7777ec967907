package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaybothq/relaybot/internal/tenant"
	"github.com/relaybothq/relaybot/internal/transport"
	"github.com/relaybothq/relaybot/internal/vault"
)

const identifyTimeout = 10 * time.Second

// TenantStore is the durable bot registry the handler writes through.
type TenantStore interface {
	Create(ctx context.Context, req tenant.CreateBotRequest) (tenant.Bot, error)
	Get(ctx context.Context, id int64) (tenant.Bot, error)
	ListActive(ctx context.Context) ([]tenant.Bot, error)
	Delete(ctx context.Context, id int64) error
}

// Encrypter seals a raw credential into its stored envelope.
type Encrypter interface {
	Encrypt(token string) (string, error)
}

// Lifecycle starts and stops a tenant's listener. Satisfied by the fleet
// supervisor.
type Lifecycle interface {
	Activate(ctx context.Context, tenantID int64) error
	Deactivate(ctx context.Context, tenantID int64) error
}

// Identifier validates a credential against the platform. Satisfied by the
// transport dialer.
type Identifier interface {
	Identify(ctx context.Context, token string) (transport.BotInfo, error)
}

// TenantsHandler serves the bot registration and lifecycle API.
type TenantsHandler struct {
	store      TenantStore
	vault      Encrypter
	identifier Identifier
	fleet      Lifecycle
	logger     *slog.Logger
}

// RegisterBotRequest is the body for POST /api/tenants. Token is the raw
// platform credential; it is encrypted before it touches storage and never
// echoed back.
type RegisterBotRequest struct {
	Token   string `json:"token"`
	OwnerID int64  `json:"owner_id"`
}

func NewTenantsHandler(log *slog.Logger, store TenantStore, enc Encrypter, identifier Identifier, fleetCtl Lifecycle) *TenantsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TenantsHandler{
		store:      store,
		vault:      enc,
		identifier: identifier,
		fleet:      fleetCtl,
		logger:     log.With(slog.String("handler", "tenants")),
	}
}

func (h *TenantsHandler) Register(e *echo.Echo) {
	g := e.Group("/api/tenants")
	g.POST("", h.RegisterBot)
	g.GET("", h.ListBots)
	g.GET("/:id", h.GetBot)
	g.POST("/:id/activate", h.ActivateBot)
	g.POST("/:id/deactivate", h.DeactivateBot)
	g.DELETE("/:id", h.DeleteBot)
}

// RegisterBot validates the credential against the platform, encrypts it,
// stores the bot, and starts its listener.
func (h *TenantsHandler) RegisterBot(c echo.Context) error {
	var req RegisterBotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Token == "" || req.OwnerID == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "token and owner_id are required")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), identifyTimeout)
	defer cancel()
	info, err := h.identifier.Identify(ctx, req.Token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "credential rejected by the platform")
	}

	cipher, err := h.vault.Encrypt(req.Token)
	if err != nil {
		if errors.Is(err, vault.ErrInvalidToken) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "token is not a valid bot credential")
		}
		h.logger.Error("encrypt credential failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store the credential")
	}

	bot, err := h.store.Create(c.Request().Context(), tenant.CreateBotRequest{
		TelegramID:  info.ID,
		Username:    info.Username,
		OwnerID:     req.OwnerID,
		TokenCipher: cipher,
		Active:      true,
	})
	if err != nil {
		h.logger.Error("create bot failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "could not store the bot")
	}

	if err := h.fleet.Activate(c.Request().Context(), bot.ID); err != nil {
		// The bot is stored and active; the next reconcile pass retries the
		// listener. Surface the degraded start without failing the create.
		h.logger.Warn("listener start deferred",
			slog.Int64("bot_id", bot.ID), slog.Any("error", err))
	}
	return c.JSON(http.StatusCreated, bot)
}

// ListBots returns the active bots.
func (h *TenantsHandler) ListBots(c echo.Context) error {
	bots, err := h.store.ListActive(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, bots)
}

// GetBot returns one bot by id.
func (h *TenantsHandler) GetBot(c echo.Context) error {
	id, err := h.pathID(c)
	if err != nil {
		return err
	}
	bot, err := h.store.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, tenant.ErrBotNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "bot not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, bot)
}

// ActivateBot marks the bot active and starts its listener.
func (h *TenantsHandler) ActivateBot(c echo.Context) error {
	id, err := h.pathID(c)
	if err != nil {
		return err
	}
	if err := h.fleet.Activate(c.Request().Context(), id); err != nil {
		if errors.Is(err, tenant.ErrBotNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "bot not found")
		}
		h.logger.Error("activate failed", slog.Int64("bot_id", id), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "listener did not start")
	}
	return c.NoContent(http.StatusNoContent)
}

// DeactivateBot marks the bot inactive and stops its listener.
func (h *TenantsHandler) DeactivateBot(c echo.Context) error {
	id, err := h.pathID(c)
	if err != nil {
		return err
	}
	if err := h.fleet.Deactivate(c.Request().Context(), id); err != nil {
		if errors.Is(err, tenant.ErrBotNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "bot not found")
		}
		h.logger.Error("deactivate failed", slog.Int64("bot_id", id), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteBot stops the bot's listener and removes it from storage.
func (h *TenantsHandler) DeleteBot(c echo.Context) error {
	id, err := h.pathID(c)
	if err != nil {
		return err
	}
	if err := h.fleet.Deactivate(c.Request().Context(), id); err != nil && !errors.Is(err, tenant.ErrBotNotFound) {
		h.logger.Warn("stop before delete failed", slog.Int64("bot_id", id), slog.Any("error", err))
	}
	if err := h.store.Delete(c.Request().Context(), id); err != nil {
		if errors.Is(err, tenant.ErrBotNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "bot not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *TenantsHandler) pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid bot id")
	}
	return id, nil
}
