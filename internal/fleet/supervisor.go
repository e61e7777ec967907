// Package fleet supervises one listener per active tenant: starting,
// stopping, health-checking, and reconciling the observed running set
// against the durable desired-state list.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/relaybothq/relaybot/internal/tenant"
	"github.com/relaybothq/relaybot/internal/transport"
)

var (
	// ErrCredential means the tenant's stored credential could not be
	// materialized. Fatal for that tenant only.
	ErrCredential = errors.New("fleet: invalid tenant credential")
	// ErrStartFailed means the transport refused to start a listener.
	ErrStartFailed = errors.New("fleet: listener start failed")
	// ErrStartTimeout means the startup handshake exceeded its deadline.
	ErrStartTimeout = errors.New("fleet: listener start timed out")
	// ErrVaultUnusable means the vault self-test failed; no listener may be
	// started because credentials cannot be safely materialized.
	ErrVaultUnusable = errors.New("fleet: credential vault unusable")
)

// TenantSource is the durable desired-state store the supervisor reconciles
// against.
type TenantSource interface {
	ListActive(ctx context.Context) ([]tenant.Bot, error)
	Get(ctx context.Context, id int64) (tenant.Bot, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// Decrypter materializes tenant credentials. Implemented by the vault.
type Decrypter interface {
	Decrypt(envelope string) (string, error)
	SelfTest() error
}

// Options holds the supervisor's timing and retry parameters.
type Options struct {
	ReconcileInterval time.Duration
	HealthInterval    time.Duration
	StartTimeout      time.Duration
	StopTimeout       time.Duration
	RestartCeiling    int
	RestartBackoff    time.Duration
}

func (o *Options) applyDefaults() {
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = time.Minute
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 15 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.RestartCeiling <= 0 {
		o.RestartCeiling = 5
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = 2 * time.Second
	}
}

// Supervisor maintains the invariant "observed running set == desired active
// set", one concurrent listener per tenant. All per-tenant failures are
// converted into registry state; they never unwind into another tenant's
// processing or the reconcile loop.
type Supervisor struct {
	tenants  TenantSource
	vault    Decrypter
	dialer   transport.Dialer
	registry *Registry
	handler  transport.Handler
	opts     Options
	logger   *slog.Logger

	cron *cron.Cron
	// Serializes reconcile passes; a pass finding the previous one still
	// running is skipped rather than queued.
	reconcileMu sync.Mutex

	// restartMu guards per-tenant restart attempts so a slow health pass and
	// the next one do not restart the same tenant twice.
	restartMu sync.Map // tenantID -> *sync.Mutex
}

func NewSupervisor(log *slog.Logger, tenants TenantSource, vault Decrypter, dialer transport.Dialer, registry *Registry, handler transport.Handler, opts Options) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	opts.applyDefaults()
	return &Supervisor{
		tenants:  tenants,
		vault:    vault,
		dialer:   dialer,
		registry: registry,
		handler:  handler,
		opts:     opts,
		logger:   log.With(slog.String("component", "fleet")),
	}
}

// Registry exposes the observed-state map (read-only use by callers).
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Start gates on the vault self-test, runs the initial reconciliation, and
// schedules the periodic reconcile and health-check passes.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.vault.SelfTest(); err != nil {
		return fmt.Errorf("%w: %v", ErrVaultUnusable, err)
	}

	s.Reconcile(ctx)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.ReconcileInterval), func() {
		s.Reconcile(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.HealthInterval), func() {
		s.HealthCheck(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule health check: %w", err)
	}
	s.cron.Start()
	s.logger.Info("supervisor started",
		slog.Duration("reconcile_interval", s.opts.ReconcileInterval),
		slog.Duration("health_interval", s.opts.HealthInterval))
	return nil
}

// Stop cancels the periodic passes and gracefully stops every running
// listener, each bounded by the stop timeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cron != nil {
		s.cron.Stop()
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range s.registry.List() {
		h := h
		g.Go(func() error {
			s.stopTenant(ctx, h.TenantID)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info("supervisor stopped")
	return err
}

// Activate flips the durable desired-state flag and starts the tenant's
// listener. If the start loses a race against an in-flight reconcile, the
// listener is already up and activation reports success. If the start fails
// outright, the flag stays set so the next reconcile pass retries.
func (s *Supervisor) Activate(ctx context.Context, tenantID int64) error {
	bot, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.tenants.SetActive(ctx, tenantID, true); err != nil {
		return err
	}
	bot.Active = true

	// An explicit activation clears a parked (degraded) entry; reconcile
	// never does.
	if h, ok := s.registry.Get(tenantID); ok && h.State == StateDegraded {
		s.registry.Remove(tenantID)
	}

	err = s.startTenant(ctx, bot)
	if errors.Is(err, ErrAlreadyRunning) {
		return nil
	}
	return err
}

// Deactivate clears the durable flag and force-stops the listener. This is
// the only path that proactively stops a running tenant.
func (s *Supervisor) Deactivate(ctx context.Context, tenantID int64) error {
	if err := s.tenants.SetActive(ctx, tenantID, false); err != nil {
		return err
	}
	s.stopTenant(ctx, tenantID)
	return nil
}

// IsTenantActive reports whether the tenant's listener is observed running.
func (s *Supervisor) IsTenantActive(tenantID int64) bool {
	h, ok := s.registry.Get(tenantID)
	return ok && h.State == StateRunning
}

// Status returns the tenant -> state snapshot.
func (s *Supervisor) Status() map[int64]State {
	return s.registry.Status()
}

// Reconcile reads the durable active list and starts anything missing from
// the registry. It is additive-only: extra running entries are left alone so
// a slow durable read can never stop a healthy tenant. Running it twice with
// no intervening change has no additional effect.
func (s *Supervisor) Reconcile(ctx context.Context) {
	if !s.reconcileMu.TryLock() {
		return
	}
	defer s.reconcileMu.Unlock()

	bots, err := s.tenants.ListActive(ctx)
	if err != nil {
		s.logger.Error("reconcile: list active tenants failed", slog.Any("error", err))
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, bot := range bots {
		if _, ok := s.registry.Get(bot.ID); ok {
			continue
		}
		bot := bot
		g.Go(func() error {
			if err := s.startTenant(ctx, bot); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.logger.Error("reconcile: start tenant failed",
					slog.Int64("tenant_id", bot.ID), slog.Any("error", err))
			}
			// Per-tenant failures stay per-tenant.
			return nil
		})
	}
	_ = g.Wait()
}

// HealthCheck probes every running listener and restarts, in isolation, any
// tenant that fails its probe. Tenants past the restart ceiling are parked
// as degraded.
func (s *Supervisor) HealthCheck(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range s.registry.List() {
		if h.State == StateDegraded {
			continue
		}
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.healthCheckOne(ctx, h)
		}()
	}
	wg.Wait()
}

func (s *Supervisor) healthCheckOne(ctx context.Context, h Handle) {
	if h.Conn != nil {
		probeCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
		err := h.Conn.Probe(probeCtx)
		cancel()
		if err == nil {
			s.registry.resetFailures(h.TenantID)
			return
		}
		s.logger.Warn("health probe failed",
			slog.Int64("tenant_id", h.TenantID), slog.Any("error", err))
	}
	s.restartTenant(ctx, h.TenantID)
}

// restartTenant stops the tenant's listener (if any) and dials a replacement
// after an exponential backoff. Repeated failures beyond the ceiling park
// the tenant instead of retrying forever.
func (s *Supervisor) restartTenant(ctx context.Context, tenantID int64) {
	mu := s.tenantRestartLock(tenantID)
	if !mu.TryLock() {
		return
	}
	defer mu.Unlock()

	failures := s.registry.addFailure(tenantID)
	if failures > s.opts.RestartCeiling {
		s.registry.markDegraded(tenantID)
		s.logger.Error("tenant degraded, restarts exhausted",
			slog.Int64("tenant_id", tenantID), slog.Int("failures", failures))
		return
	}

	h, ok := s.registry.Get(tenantID)
	if !ok {
		return
	}
	if h.Conn != nil {
		stopCtx, cancel := context.WithTimeout(ctx, s.opts.StopTimeout)
		if err := h.Conn.Stop(stopCtx); err != nil {
			s.logger.Warn("stop before restart failed",
				slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		}
		cancel()
		s.registry.markStopped(tenantID)
	}

	backoff := s.opts.RestartBackoff << (failures - 1)
	if max := 10 * s.opts.RestartBackoff; backoff > max {
		backoff = max
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	bot, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		s.logger.Error("restart: load tenant failed",
			slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		return
	}
	if !bot.Active {
		s.registry.Remove(tenantID)
		s.logger.Info("tenant deactivated during restart", slog.Int64("tenant_id", tenantID))
		return
	}
	conn, err := s.dial(ctx, bot)
	if err != nil {
		s.logger.Error("restart failed, will retry next pass",
			slog.Int64("tenant_id", tenantID), slog.Int("failures", failures), slog.Any("error", err))
		return
	}
	if !s.registry.swap(tenantID, conn) {
		// The entry vanished during the backoff: the tenant was
		// deactivated, and the replacement must not outlive it.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
		_ = conn.Stop(stopCtx)
		cancel()
		s.logger.Info("tenant deactivated during restart", slog.Int64("tenant_id", tenantID))
		return
	}
	s.logger.Info("tenant restarted", slog.Int64("tenant_id", tenantID))
}

// startTenant decrypts the credential, dials the listener, and registers it.
// The registry entry is created only after the listener is receiving events;
// losing the Put race stops the freshly dialed listener and reports
// ErrAlreadyRunning. Start holds the per-tenant lock so a concurrent
// deactivation either waits out the handshake or is observed by the
// post-registration re-check of the durable flag.
func (s *Supervisor) startTenant(ctx context.Context, bot tenant.Bot) error {
	mu := s.tenantRestartLock(bot.ID)
	mu.Lock()
	defer mu.Unlock()

	if _, ok := s.registry.Get(bot.ID); ok {
		return ErrAlreadyRunning
	}
	conn, err := s.dial(ctx, bot)
	if err != nil {
		return err
	}
	if err := s.registry.Put(bot.ID, conn); err != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
		_ = conn.Stop(stopCtx)
		cancel()
		return err
	}
	// A deactivation that raced the handshake found nothing to stop; do
	// not leave a listener the durable state no longer wants.
	if cur, err := s.tenants.Get(context.WithoutCancel(ctx), bot.ID); err == nil && !cur.Active {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
		_ = conn.Stop(stopCtx)
		cancel()
		s.registry.Remove(bot.ID)
		s.logger.Info("tenant deactivated during start", slog.Int64("tenant_id", bot.ID))
		return nil
	}
	s.logger.Info("tenant started",
		slog.Int64("tenant_id", bot.ID), slog.String("bot", bot.Username))
	return nil
}

// dial materializes the credential and performs the bounded startup
// handshake. The plaintext token never leaves this call.
func (s *Supervisor) dial(ctx context.Context, bot tenant.Bot) (transport.Conn, error) {
	token, err := s.vault.Decrypt(bot.TokenCipher)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.opts.StartTimeout)
	defer cancel()
	conn, err := s.dialer.Dial(dialCtx, bot.ID, token, s.handler)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrStartTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	return conn, nil
}

// stopTenant signals the listener to stop, waits out the bounded shutdown,
// and removes the registry entry regardless of the outcome: a stuck listener
// must not block tenant removal. It serializes on the per-tenant lock with
// startTenant and restartTenant so it never misses a listener those two are
// in the middle of establishing.
func (s *Supervisor) stopTenant(ctx context.Context, tenantID int64) {
	mu := s.tenantRestartLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	h, ok := s.registry.Get(tenantID)
	if !ok {
		return
	}
	if h.Conn != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.StopTimeout)
		if err := h.Conn.Stop(stopCtx); err != nil {
			s.logger.Warn("listener stop failed, removing anyway",
				slog.Int64("tenant_id", tenantID), slog.Any("error", err))
		}
		cancel()
	}
	s.registry.Remove(tenantID)
	s.logger.Info("tenant stopped", slog.Int64("tenant_id", tenantID))
}

func (s *Supervisor) tenantRestartLock(tenantID int64) *sync.Mutex {
	v, _ := s.restartMu.LoadOrStore(tenantID, &sync.Mutex{})
	return v.(*sync.Mutex)
}
