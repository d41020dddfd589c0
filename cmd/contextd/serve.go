package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/pkg/api"
	"github.com/contextd/contextd/pkg/api/handlers"
	"github.com/contextd/contextd/pkg/logger"
	"github.com/contextd/contextd/pkg/metrics"
	"github.com/contextd/contextd/pkg/telemetry/tracing"
	"github.com/contextd/contextd/pkg/version"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	log.Info("Starting contextd",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)

	log.Debug("Configuration loaded", "config", cfg.String())

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.App.Name, version.Version,
		attribute.String("deployment.environment.name", cfg.App.Environment),
		attribute.String("contextd.storage.type", cfg.Storage.Type),
		attribute.String("contextd.index.backend", cfg.Knowledge.Backend),
		attribute.String("contextd.rerank.strategy", cfg.Rerank.Strategy),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Initialize metrics manager
	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)

	// Start metrics server if enabled
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	a, err := newApp(ctx, cfg, log, appOptions{completer: true, metrics: metricsManager})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if err := seedIndex(ctx, a); err != nil {
		log.Error("Failed to seed knowledge index", "path", cfg.Knowledge.SeedPath, "error", err)
	}

	watcher := startWatcher(ctx, a)

	chatSocket := handlers.NewChatSocketHandler(a.svc, log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})
	chatSocket.SetMetrics(a.metrics)
	apiHandlers := &api.Handlers{
		Context:    handlers.NewContextHandler(a.svc, log),
		Users:      handlers.NewUserHandler(a.svc, log),
		ChatSocket: chatSocket,
		Health:     handlers.NewHealthHandler(version.Version, healthChecks(a), statusFunc(a, chatSocket)),
	}
	if metricsManager.Enabled() {
		apiHandlers.Metrics = metricsManager
	}

	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	// Bind before reporting readiness so a taken port fails fast.
	serverErrChan := make(chan error, 1)
	if err := httpServer.Listen(); err != nil {
		serverErrChan <- err
	} else {
		go func() {
			if err := httpServer.Start(); err != nil {
				serverErrChan <- err
			}
		}()
		log.Info("contextd is running",
			"http_addr", httpServer.Addr(),
			"metrics_port", cfg.Metrics.Port,
			"storage", cfg.Storage.Type,
			"index", cfg.Knowledge.Backend,
		)
	}

	var serveErr error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", "signal", sig)
	case serveErr = <-serverErrChan:
		log.Error("HTTP server error", "error", serveErr)
	case <-ctx.Done():
		log.Info("Context cancelled")
	}

	// Graceful shutdown
	shutdownTimeout := cfg.Server.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	// Shutdown HTTP server first so no new turns are accepted
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}

	// Drain queued memory updates, then release storage
	log.Info("Draining memory updates")
	if err := a.Close(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	if serveErr != nil {
		return serveErr
	}
	log.Info("contextd stopped gracefully")
	return nil
}

func healthChecks(a *app) []handlers.Check {
	return []handlers.Check{
		{Name: "storage", Probe: a.store.Ping},
		{Name: "index", Probe: func(ctx context.Context) error {
			_, err := a.index.Count(ctx)
			return err
		}},
	}
}

func statusFunc(a *app, chat *handlers.ChatSocketHandler) handlers.StatusFunc {
	return func(ctx context.Context) map[string]any {
		extras := map[string]any{
			"storage":          a.cfg.Storage.Type,
			"index_backend":    a.cfg.Knowledge.Backend,
			"rerank_strategy":  a.cfg.Rerank.Strategy,
			"rerank_fallbacks": a.reranker.FallbackCount(),
			"memory_updates":   a.updater.Stats(),
			"chat_connections": chat.Count(),
			"build":            version.Info(),
		}
		if n, err := a.index.Count(ctx); err == nil {
			extras["index_chunks"] = n
		}
		return extras
	}
}

// startWatcher hot-reloads log level, reranker settings and snippet bounds,
// and re-reads prompt and glossary files, when a config file is in use.
func startWatcher(ctx context.Context, a *app) *config.Watcher {
	if configPath == "" {
		return nil
	}
	watcher, err := config.NewWatcher(configPath,
		config.WithOverrides(buildOverrides()),
		config.WithErrorHandler(func(err error) {
			a.log.Warn("Config reload failed", "error", err)
		}),
	)
	if err != nil {
		a.log.Warn("Config hot reload disabled", "error", err)
		return nil
	}

	current := config.ExtractHotReloadable(a.cfg)
	watcher.OnChange(func(next *config.Config) {
		applyReload(a, current, next)
		current = config.ExtractHotReloadable(next)
	})

	go func() {
		if err := watcher.Watch(ctx); err != nil {
			a.log.Warn("Config watcher stopped", "error", err)
		}
	}()
	return watcher
}

func applyReload(a *app, current config.HotReloadableConfig, next *config.Config) {
	// Prompt and glossary files may change without any config value changing.
	if err := a.prompts.Apply(next.Prompt); err != nil {
		a.log.Warn("Prompt reload failed", "error", err)
	}
	if err := a.reranker.Heuristic().Apply(next.Rerank.Heuristic); err != nil {
		a.log.Warn("Heuristic reload failed", "error", err)
	}

	hot := config.ExtractHotReloadable(next)
	if !hot.Changed(current) {
		a.log.Debug("Reload assets refreshed", "files", config.ReloadAssets(next))
		return
	}
	if hot.LogLevel != current.LogLevel {
		logger.SetLevel(logger.ParseLevel(hot.LogLevel))
	}
	a.reranker.SetTimeout(hot.RerankTimeout)
	a.longTerm.SetSnippet(hot.Snippet)
	a.log.Info("Configuration reloaded", "log_level", hot.LogLevel, "rerank_timeout", hot.RerankTimeout)
}
