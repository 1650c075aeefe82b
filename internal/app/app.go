// Package app assembles the service: storage, cache, broker, workers,
// pollers, the outbox relay, and the HTTP front, with an ordered
// startup and a bounded shutdown. The HTTP listener comes up first so
// probes can watch the rest of the boot; cache and broker outages
// degrade the process instead of failing it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/outflowhq/outflow/internal/api"
	"github.com/outflowhq/outflow/internal/bounce"
	"github.com/outflowhq/outflow/internal/cache"
	"github.com/outflowhq/outflow/internal/config"
	"github.com/outflowhq/outflow/internal/dispatch"
	"github.com/outflowhq/outflow/internal/logging"
	"github.com/outflowhq/outflow/internal/outbox"
	"github.com/outflowhq/outflow/internal/poller"
	"github.com/outflowhq/outflow/internal/queue"
	"github.com/outflowhq/outflow/internal/ratelimit"
	"github.com/outflowhq/outflow/internal/reputation"
	"github.com/outflowhq/outflow/internal/store"
)

// Collaborators are the provider-facing implementations supplied by the
// caller. Nil fields fall back to logging stubs so development runs
// work end to end without provider credentials.
type Collaborators struct {
	Mailer       dispatch.Mailer
	Labels       dispatch.LabelRestorer
	Calendar     dispatch.BusyBlockFetcher
	CalendarMeta dispatch.CalendarMetadata
}

// App owns every long-running component of the service.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	cache   cache.Cache
	broker  queue.Broker
	workers *dispatch.Workers
	pollers []*poller.Poller
	relay   *outbox.Relay
	server  *api.Server
}

// New wires the application from configuration. The store must be
// reachable enough to build a pool; cache and broker failures are
// degraded, not fatal.
func New(ctx context.Context, cfg *config.Config, collab Collaborators) (*App, error) {
	logging.Initialize(cfg.Logging.Level, cfg.Logging.Format)
	logger := slog.Default()

	result := cfg.Validate()
	if !result.Valid {
		return nil, fmt.Errorf("invalid configuration: %s", result.Errors[0].Message)
	}
	for _, w := range result.Warnings {
		logger.Warn("configuration warning", "field", w.Field, "detail", w.Message)
	}

	st, err := store.Connect(ctx, store.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	c, err := cache.Factory(cache.Config{
		Type:     cfg.Cache.Type,
		Addr:     cfg.Redis.Addr,
		Addrs:    cfg.Cache.MemcachedAddrs,
		Password: cfg.Redis.Password,
		Database: cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build cache: %w", err)
	}
	if err := c.Connect(); err != nil {
		logger.Warn("cache unavailable, rate limiting fails open and send counters degrade",
			"type", c.Type(), "error", err)
	}

	broker := connectBroker(ctx, cfg, logger)

	repSvc := reputation.NewService(st, c, cfg.Reputation.WarmupGraduationDays, logger)
	classifier := bounce.NewClassifier(bounceRules(cfg))
	recorder := bounce.NewRecorder(st, repSvc, classifier, logger)

	if collab.Mailer == nil {
		logger.Warn("no mail provider configured, outbound mail goes to the logging stub")
		collab.Mailer = stubMailer{logger: logger}
	}
	if collab.Labels == nil {
		collab.Labels = stubLabels{logger: logger}
	}
	if collab.Calendar == nil {
		collab.Calendar = stubCalendar{logger: logger}
	}
	if collab.CalendarMeta == nil {
		collab.CalendarMeta = stubCalendarMeta{}
	}

	workers := dispatch.NewWorkers(dispatch.Deps{
		Broker:       broker,
		Store:        st,
		Reputation:   repSvc,
		Bounces:      recorder,
		Mailer:       collab.Mailer,
		Labels:       collab.Labels,
		Calendar:     collab.Calendar,
		CalendarMeta: collab.CalendarMeta,
		Classifier:   classifier,
	}, workerConcurrency(cfg), logger)

	pollers := []*poller.Poller{
		poller.NewScheduledEmailPoller(st, broker,
			time.Duration(cfg.Pollers.ScheduledEmailSeconds)*time.Second, cfg.Pollers.BatchLimit, logger),
		poller.NewSnoozeRestorePoller(st, broker,
			time.Duration(cfg.Pollers.SnoozeRestoreSeconds)*time.Second, cfg.Pollers.BatchLimit, logger),
		poller.NewCalendarSyncPoller(st, broker,
			time.Duration(cfg.Pollers.CalendarSyncSeconds)*time.Second, cfg.Pollers.BatchLimit, logger),
	}

	relay := outbox.NewRelay(st, broker,
		time.Duration(cfg.Outbox.PollSeconds)*time.Second, cfg.Outbox.BatchLimit, logger)

	limiter := ratelimit.New(c, cfg.RateLimit.IPPerMinute, cfg.RateLimit.UserPerMinute, logger)
	rateLimit := ratelimit.NewMiddleware(limiter, ratelimit.MiddlewareConfig{
		Enabled:        cfg.RateLimit.Enabled,
		ExcludedPaths:  cfg.RateLimit.ExcludedPaths,
		TrustedProxies: cfg.Server.TrustedProxies,
	}, logger)

	server := api.NewServer(api.Config{ListenAddr: cfg.Server.Listen}, api.Deps{
		Broker:     broker,
		Reputation: repSvc,
		RateLimit:  rateLimit,
		Ready:      readiness(st, broker),
		Logger:     logger,
	})

	return &App{
		cfg:     cfg,
		logger:  logger.With("component", "app"),
		store:   st,
		cache:   c,
		broker:  broker,
		workers: workers,
		pollers: pollers,
		relay:   relay,
		server:  server,
	}, nil
}

// connectBroker returns the Redis broker, or the null broker when Redis
// is unreachable. The process then serves HTTP and reports not-ready
// while enqueues are logged and dropped.
func connectBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) queue.Broker {
	broker, err := queue.Connect(ctx, queue.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	if err != nil {
		logger.Error("queue broker unreachable, starting in degraded mode",
			"addr", cfg.Redis.Addr, "error", err)
		return queue.NewNullBroker(logger)
	}
	return broker
}

// workerConcurrency resolves the per-queue worker count: an explicit
// setting wins, otherwise 3 in production and 1 elsewhere.
func workerConcurrency(cfg *config.Config) int {
	if cfg.Queue.Workers > 0 {
		return cfg.Queue.Workers
	}
	if cfg.Environment == "production" {
		return 3
	}
	return 1
}

// bounceRules converts configured classification rules. An empty list
// means the built-in defaults.
func bounceRules(cfg *config.Config) []bounce.Rule {
	if len(cfg.Bounce.Rules) == 0 {
		return nil
	}
	rules := make([]bounce.Rule, 0, len(cfg.Bounce.Rules))
	for _, r := range cfg.Bounce.Rules {
		rules = append(rules, bounce.Rule{
			Phrases:  r.Phrases,
			Type:     r.Type,
			Category: r.Category,
		})
	}
	return rules
}

// readiness composes the dependency check behind /readyz. The cache is
// deliberately absent: every cache consumer fails open, so a cache
// outage degrades behavior without making the process unroutable.
func readiness(db interface {
	Ping(ctx context.Context) error
}, broker queue.Broker) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if !broker.Available() {
			return errors.New("queue broker unavailable")
		}
		return nil
	}
}

// Run starts everything and blocks until the context is cancelled or a
// termination signal arrives, then shuts down within the configured
// grace period.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.server.Start(); err != nil {
		a.closeConnections()
		return err
	}

	if a.cfg.Database.MigrateOnStart {
		go a.migrate()
	}

	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	var bg sync.WaitGroup
	a.spawn(&bg, "workers", func() error { return a.workers.Run(bgCtx) })
	a.spawn(&bg, "outbox", func() error { return a.relay.Run(bgCtx) })
	for _, p := range a.pollers {
		p := p
		a.spawn(&bg, "poller", func() error { return p.Run(bgCtx) })
	}
	if rb, ok := a.broker.(*queue.RedisBroker); ok {
		bg.Add(1)
		go func() {
			defer bg.Done()
			rb.WatchDepths(bgCtx, 15*time.Second)
		}()
	}

	a.logger.Info("service started",
		"environment", a.cfg.Environment,
		"listen", a.cfg.Server.Listen,
		"broker_available", a.broker.Available())

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	return a.shutdown(cancelBg, &bg)
}

// migrate applies schema migrations in the background. Failure is
// logged and the process keeps serving against the existing schema.
func (a *App) migrate() {
	start := time.Now()
	if err := a.store.Migrate(); err != nil {
		a.logger.Warn("migrations failed, continuing with existing schema", "error", err)
		return
	}
	a.logger.Info("migrations applied", "duration_ms", time.Since(start).Milliseconds())
}

func (a *App) spawn(bg *sync.WaitGroup, name string, fn func() error) {
	bg.Add(1)
	go func() {
		defer bg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("background component stopped", "name", name, "error", err)
		}
	}()
}

// shutdown stops HTTP intake, drains background components, and closes
// connections, all inside the configured grace period. Every wait is
// bounded so shutdown cannot hang.
func (a *App) shutdown(cancelBg context.CancelFunc, bg *sync.WaitGroup) error {
	timeout := time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	httpCtx, cancelHTTP := context.WithDeadline(context.Background(), deadline)
	if err := a.server.Shutdown(httpCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
	}
	cancelHTTP()

	cancelBg()
	drained := make(chan struct{})
	go func() {
		bg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		a.logger.Info("background components drained")
	case <-time.After(time.Until(deadline)):
		a.logger.Warn("shutdown grace period expired with components still running")
	}

	a.closeConnections()

	// Lets the final log writes land before the process exits.
	time.Sleep(100 * time.Millisecond)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeConnections() {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.broker.Close(closeCtx); err != nil {
		a.logger.Warn("failed to close broker", "error", err)
	}
	a.store.Close()
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("failed to close cache", "error", err)
	}
}
