package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/identity"
	"github.com/pitabwire/workorder/internal/notify"
	"github.com/pitabwire/workorder/internal/observability"
	"github.com/pitabwire/workorder/internal/transport"
	"github.com/pitabwire/workorder/internal/workorder"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the event consumers and the notification workers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	// Step 1: Telemetry.
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "workorderd", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Definitions and the identity directory.
	registry, _, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	metrics.SetDefinitionsLoaded(float64(len(registry.AllProcesses())))

	directory := identity.NewDirectory(nil, nil)
	if cfg.Directory.File != "" {
		if directory, err = identity.NewStaticDirectory(cfg.Directory.File); err != nil {
			return fmt.Errorf("identity directory: %w", err)
		}
	}
	capResolver := identity.NewResolver(directory, cfg.Directory.Cache.TTL, cfg.Directory.Cache.MaxEntries, metrics)

	keys, err := transport.LoadKeySet(cfg.Identity)
	if err != nil {
		return fmt.Errorf("identity keys: %w", err)
	}

	// Step 3: Storage, queue, bus and idempotency.
	b, err := buildBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	// Step 4: Engine and notification pipeline.
	engine := workorder.NewEngine(registry, b.instances, directory, capResolver, b.bus, logger,
		workorder.WithMetrics(metrics))

	senders := buildSenders(&cfg.Notification, logger)
	dispatcher := notify.NewDispatcher(cfg.Notification, b.queue, b.logs, senders, logger,
		notify.WithDispatcherMetrics(metrics), notify.WithInstances(b.instances))
	retries := notify.NewRetryManager(cfg.Notification, b.queue, dispatcher, logger,
		notify.WithRetryMetrics(metrics))
	matcher := notify.NewMatcher(b.configs, b.queue, directory, logger,
		notify.WithMatcherMetrics(metrics))
	admin := notify.NewAdmin(b.configs, b.queue, b.logs, dispatcher, directory, logger)

	if defaults := registry.DefaultNotifications(); len(defaults) > 0 {
		seeded, err := admin.SeedDefaults(ctx, defaults)
		if err != nil {
			return fmt.Errorf("seed default notifications: %w", err)
		}
		logger.Info("default notifications seeded", zap.Int("added", seeded), zap.Int("bundled", len(defaults)))
	}
	if cfg.Notification.Enabled {
		b.bus.Subscribe("notification-matcher", matcher.Handle)
	}

	// Step 5: HTTP server.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return len(registry.AllProcesses()) > 0 },
		Dependencies:      map[string]observability.HealthChecker{},
		Channels:          func() []string { return channelNames(dispatcher) },
	}
	if b.pool != nil {
		readiness.Dependencies["postgres"] = observability.HealthCheckFunc(b.pool.Ping)
	}
	if b.redis != nil {
		readiness.Dependencies["redis"] = observability.HealthCheckFunc(func(ctx context.Context) error {
			return b.redis.Ping(ctx).Err()
		})
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, keys),
		CapabilityResolver: capResolver,
		Registry:           registry,
		Engine:             engine,
		Notifications:      admin,
		Idempotency:        b.idem,
		Readiness:          readiness,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 6: Background work. The first error cancels everything.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.bus.Run(gctx) })
	if cfg.Notification.Enabled {
		g.Go(func() error { return dispatcher.Run(gctx) })
		g.Go(func() error { return retries.Run(gctx) })
	}
	if cfg.Workorder.OverdueCheckInterval > 0 {
		g.Go(func() error { return engine.RunOverdueLoop(gctx, cfg.Workorder.OverdueCheckInterval) })
	}
	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.Int("processes", len(registry.AllProcesses())),
			zap.Strings("channels", channelNames(dispatcher)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func channelNames(d *notify.Dispatcher) []string {
	chs := d.Channels()
	out := make([]string, len(chs))
	for i, ch := range chs {
		out[i] = string(ch)
	}
	return out
}
