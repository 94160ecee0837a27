package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/metalmcp/metalmcp/internal/audit"
	"github.com/metalmcp/metalmcp/internal/cache"
	"github.com/metalmcp/metalmcp/internal/config"
	"github.com/metalmcp/metalmcp/internal/maas"
	"github.com/metalmcp/metalmcp/internal/mcp"
	"github.com/metalmcp/metalmcp/internal/middleware"
	"github.com/metalmcp/metalmcp/internal/observability"
)

// app holds the wired gateway. Everything is constructed here and
// injected; components never reach for globals.
type app struct {
	cfg    *config.Config
	logger observability.Logger

	cacheManager *cache.Manager
	rateLimiter  *middleware.RateLimiter
	hub          *mcp.Hub
	watcher      *config.Watcher

	server        *http.Server
	metricsServer *http.Server
}

func newApp(configPath string, watchConfig bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	cacheManager, err := cache.NewManager(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}

	upstream, err := maas.NewClient(cfg.MAAS, maas.WithClientLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("building upstream client: %w", err)
	}

	hub := mcp.NewHub(logger)
	registry := mcp.NewRegistry(hub, logger)
	server := mcp.NewServer(upstream, cacheManager, registry, hub, logger,
		mcp.WithAuditLogger(audit.NewLogger(logger)))

	a := &app{
		cfg:          cfg,
		logger:       logger,
		cacheManager: cacheManager,
		hub:          hub,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Logging(logger),
		middleware.Recovery(logger),
	)

	if cfg.RateLimit.Enabled {
		a.rateLimiter = middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
		router.Use(a.rateLimiter.Middleware())
	}

	// Liveness stays reachable without credentials.
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "cacheEntries": cacheManager.Size()})
	})

	router.Use(middleware.Auth(cfg.Auth, logger))
	server.Register(router)

	a.server = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	if cfg.Server.MetricsAddr != "" {
		a.metricsServer = newMetricsServer(cfg.Server.MetricsAddr)
	}

	if watchConfig {
		watcher, err := config.NewWatcher(configPath, a.applyConfig,
			config.WithWatcherLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("building config watcher: %w", err)
		}
		a.watcher = watcher
	}

	return a, nil
}

// newMetricsServer builds the Prometheus endpoint on its own registry
// so the gateway exposes exactly its own metrics.
func newMetricsServer(addr string) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cache.GetMetrics().MustRegister(registry)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{Addr: addr, Handler: mux}
}

// applyConfig reacts to a configuration reload. Only runtime-tunable
// settings move; listeners and the upstream client are fixed for the
// process lifetime.
func (a *app) applyConfig(cfg *config.Config) {
	a.logger.Info("configuration reloaded, applying cache settings")
	a.cacheManager.ApplyConfig(cfg.Cache)
}

func (a *app) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting config watcher: %w", err)
		}
	}

	errCh := make(chan error, 2)

	go func() {
		a.logger.Info("gateway listening",
			observability.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if a.metricsServer != nil {
		go func() {
			a.logger.Info("metrics listening",
				observability.String("addr", a.metricsServer.Addr))
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("listener failed", observability.Error(err))
		a.shutdown()
		return err
	}

	a.shutdown()
	return nil
}

// shutdown stops the listeners, then the background workers, in that
// order so in-flight requests still have a working cache.
func (a *app) shutdown() {
	timeout := a.cfg.Server.ShutdownTimeout.Duration()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("server shutdown", observability.Error(err))
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics shutdown", observability.Error(err))
		}
	}

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			a.logger.Warn("config watcher stop", observability.Error(err))
		}
	}
	a.hub.Close()
	if a.rateLimiter != nil {
		a.rateLimiter.Stop()
	}
	a.cacheManager.Stop()

	a.logger.Info("gateway stopped")
	_ = a.logger.Sync()
}
