// Package app wires configuration, infrastructure, and services into the
// runtime modes: api, worker, scheduler, all, and seed.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/teacurran/village-homepage/internal/audit"
	"github.com/teacurran/village-homepage/internal/auth"
	"github.com/teacurran/village-homepage/internal/config"
	"github.com/teacurran/village-homepage/internal/httpserver"
	"github.com/teacurran/village-homepage/internal/platform"
	"github.com/teacurran/village-homepage/internal/seed"
	"github.com/teacurran/village-homepage/internal/telemetry"
	"github.com/teacurran/village-homepage/pkg/aibudget"
	"github.com/teacurran/village-homepage/pkg/clock"
	"github.com/teacurran/village-homepage/pkg/directory"
	"github.com/teacurran/village-homepage/pkg/flags"
	"github.com/teacurran/village-homepage/pkg/gateway"
	"github.com/teacurran/village-homepage/pkg/handler"
	"github.com/teacurran/village-homepage/pkg/jobqueue"
	"github.com/teacurran/village-homepage/pkg/jobs"
	"github.com/teacurran/village-homepage/pkg/karma"
	"github.com/teacurran/village-homepage/pkg/marketplace"
	"github.com/teacurran/village-homepage/pkg/ratelimit"
	"github.com/teacurran/village-homepage/pkg/scheduler"
	"github.com/teacurran/village-homepage/pkg/screenshot"
	"github.com/teacurran/village-homepage/pkg/search"
	"github.com/teacurran/village-homepage/pkg/user"
	"github.com/teacurran/village-homepage/pkg/worker"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the requested mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting village homepage work core",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	if cfg.Mode == "seed" {
		return seed.Run(ctx, db, logger)
	}

	tunables, err := config.NewStore(cfg.TunablesFile, logger)
	if err != nil {
		return fmt.Errorf("loading tunables: %w", err)
	}

	core := buildCore(cfg, tunables, db, rdb, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tunables.Watch(ctx) })
	g.Go(func() error { return core.rules.Subscribe(ctx) })

	switch cfg.Mode {
	case "api":
		g.Go(func() error { return runAPI(ctx, cfg, logger, db, rdb, metricsReg, core) })
	case "worker":
		g.Go(func() error { return runWorker(ctx, logger, core) })
	case "scheduler":
		g.Go(func() error { return runScheduler(ctx, logger, core) })
	case "all":
		g.Go(func() error { return runAPI(ctx, cfg, logger, db, rdb, metricsReg, core) })
		g.Go(func() error { return runWorker(ctx, logger, core) })
		g.Go(func() error { return runScheduler(ctx, logger, core) })
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}

	return g.Wait()
}

// core bundles the shared services every mode draws from.
type core struct {
	cfg      *config.Config
	tunables *config.Store
	pool     *pgxpool.Pool

	queue       *jobqueue.Queue
	registry    *handler.Registry
	rules       *ratelimit.RuleStore
	limiter     *ratelimit.Limiter
	violations  *ratelimit.ViolationLog
	flagStore   *flags.Store
	flagService *flags.Service
	karmaEngine *karma.Engine
	governor    *aibudget.Governor
	coordinator *screenshot.Coordinator
	directory   *directory.Service
	marketplace *marketplace.Service
	keys        *auth.KeyStore
}

// buildCore constructs the service graph. Everything is an explicit
// collaborator; nothing global.
func buildCore(cfg *config.Config, tunables *config.Store, db *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger) *core {
	clk := clock.System
	tun := tunables.Snapshot()

	queue := jobqueue.New(db, clk, jobqueue.NewBackoff(tun.BackoffBase, tun.BackoffMax), logger)

	fallback := ratelimit.Rule{
		LimitCount:    tun.RateLimitDefaultLimit,
		WindowSeconds: int(tun.RateLimitDefaultWindow.Seconds()),
	}
	rules := ratelimit.NewRuleStore(db, rdb, clk, fallback, logger)
	violations := ratelimit.NewViolationLog(db)
	limiter := ratelimit.NewLimiter(rdb, rules, violations, clk, logger)

	flagStore := flags.NewStore(db)
	flagService := flags.NewService(flagStore, clk, logger)

	karmaEngine := karma.NewEngine(logger)

	governor := aibudget.NewGovernor(db, clk, aibudget.Pricing{
		InputCentsPer1K:  0.25,
		OutputCentsPer1K: 1.0,
	}, tun.AIBudgetLimitCents, logger)

	coordinator := screenshot.NewCoordinator(tun.ScreenshotSessionCap, headlessBrowserFactory(logger), clk, logger)

	dir := directory.NewService(db, queue, karmaEngine, limiter, logger)
	mkt := marketplace.NewService(db, queue, gateway.DisabledStripe{}, limiter, clk, cfg.RelayDomain, logger)

	registry := handler.NewRegistry()
	queue.SetDefaults(func(jobType string) (jobqueue.Family, int, bool) {
		decl, ok := registry.Declared(jobType)
		if !ok {
			return "", 0, false
		}
		return decl.Family, decl.MaxAttempts, true
	})
	jobs.RegisterAll(registry, jobs.Deps{
		Queue:       queue,
		Directory:   dir,
		Marketplace: mkt,
		Flags:       flagService,
		Violations:  violations,
		Budget:      governor,
		Coordinator: coordinator,
		Fetcher:     gateway.NewFetcher(logger),
		ObjectStore: gateway.DisabledObjectStore{},
		AI:          gateway.DisabledAI{},
		Mailer:      gateway.LogMailer{},
		IMAP:        gateway.EmptyIMAP{},
		Notifier:    gateway.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackModeratorChannel, logger),
		Exports:     user.NewExportService(db, gateway.DisabledObjectStore{}, logger),
		Clock:       clk,
		AIProvider:  cfg.AIProvider,
		Logger:      logger,
	})

	return &core{
		cfg:         cfg,
		tunables:    tunables,
		pool:        db,
		queue:       queue,
		registry:    registry,
		rules:       rules,
		limiter:     limiter,
		violations:  violations,
		flagStore:   flagStore,
		flagService: flagService,
		karmaEngine: karmaEngine,
		governor:    governor,
		coordinator: coordinator,
		directory:   dir,
		marketplace: mkt,
		keys:        auth.NewKeyStore(db),
	}
}

// headlessBrowserFactory returns the browser session factory. The real
// renderer is an external collaborator; out of the box sessions fail
// captures with a configuration error so the retry path stays honest.
func headlessBrowserFactory(logger *slog.Logger) screenshot.Factory {
	return func(ctx context.Context) (screenshot.Session, error) {
		return &stubSession{logger: logger}, nil
	}
}

type stubSession struct {
	logger *slog.Logger
}

func (s *stubSession) Capture(ctx context.Context, url string, w, h int) ([]byte, error) {
	return nil, fmt.Errorf("browser renderer: %w", gateway.ErrNotConfigured)
}
func (s *stubSession) Healthy(context.Context) bool { return true }
func (s *stubSession) Close()                       {}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, c *core) error {
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, c.keys, c.queue)

	adminHandler := httpserver.NewAdminHandler(db, c.flagStore, c.rules, c.queue, c.karmaEngine, auditWriter, logger)
	srv.APIRouter.Mount("/admin", adminHandler.Routes())

	searchHandler := httpserver.NewSearchHandler(search.NewService(db, gateway.EmptySearchIndex{}, logger), logger)
	srv.APIRouter.Mount("/search", searchHandler.Routes())

	webhookHandler := httpserver.NewWebhookHandler(c.marketplace, cfg.StripeWebhookSecret, logger)
	srv.Router.Mount("/webhooks", webhookHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, logger *slog.Logger, c *core) error {
	logger.Info("worker mode started")
	tun := c.tunables.Snapshot()

	g, ctx := errgroup.WithContext(ctx)
	for _, family := range jobqueue.Families() {
		size := tun.WorkerParallelism[string(family)]
		if size < 1 {
			continue
		}
		pool := worker.NewPool(family, size, tun.LeaseDuration, c.queue, c.registry, logger)
		g.Go(func() error { return pool.Run(ctx) })
	}

	reaper := worker.NewReaper(c.queue, 30*time.Second, logger)
	g.Go(func() error { return reaper.Run(ctx) })

	return g.Wait()
}

func runScheduler(ctx context.Context, logger *slog.Logger, c *core) error {
	tun := c.tunables.Snapshot()
	sched, err := scheduler.New(c.queue, scheduler.CanonicalEntries(), tun.ScheduleOverrides, clock.System, logger)
	if err != nil {
		return err
	}
	return sched.Run(ctx)
}
