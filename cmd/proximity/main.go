package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proximity/internal/api"
	"proximity/internal/backend"
	"proximity/internal/config"
	"proximity/internal/logger"
	"proximity/internal/models"
	"proximity/internal/observability"
	"proximity/internal/proximity"
	"proximity/internal/ratelimit"
	"proximity/internal/storage"
	"proximity/internal/version"
)

var (
	configFile   = flag.String("config", "", "Path to configuration file")
	writeExample = flag.String("write-example", "", "Write an example configuration file to this path and exit")
)

func main() {
	flag.Parse()

	if *writeExample != "" {
		if err := config.SaveExample(*writeExample); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ver := version.GetInfo()

	log, closer, err := logger.Setup(cfg.Logging, ver)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	err = run(cfg, ver, log)
	if closer != nil {
		closer.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

// run wires the engine and serves until a signal arrives. Errors are logged
// here; the returned error only drives the exit code.
func run(cfg *models.Config, ver version.Info, log *slog.Logger) error {
	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, ver)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	store, err := initializeStore(cfg.Metrics.Enabled, storage.NewFactory(), cfg)
	if err != nil {
		slog.Error("Failed to initialize persistent cache", "error", err)
		return err
	}
	if store != nil {
		defer store.Close()
	}

	client, err := backend.NewHTTPClient(backend.OptionsFrom(cfg.Backend, cfg.Engine.WalkingSpeedKmh, logger.Component(log, "backend")))
	if err != nil {
		slog.Error("Failed to create backend client", "error", err)
		return err
	}

	engine, err := proximity.New(proximity.Deps{
		Backend: client,
		Store:   store,
		Config:  cfg,
		Logger:  logger.Component(log, "engine"),
	})
	if err != nil {
		slog.Error("Failed to create engine", "error", err)
		return err
	}
	defer engine.Close()

	handlers := api.NewHandlers(engine, ver)

	routeOpts := []api.RouteOption{
		api.WithRateLimitHeaders(ratelimit.Middleware(engine.Governor())),
	}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, otelProvider)
		go func() {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting server",
			"addr", server.Addr,
			"backend", cfg.Backend.BaseURL,
			"persistent_cache", cfg.Cache.Persistent.Type,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		slog.Info("Shutting down server")
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			slog.Error("Metrics server forced to shutdown", "error", err)
		}
	}

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server shutdown complete")
	return runErr
}

// initializeStore creates the persistent tier. It returns nil when the tier is
// disabled. With metrics enabled the store is wrapped with instrumentation.
func initializeStore(instrument bool, factory *storage.Factory, cfg *models.Config) (storage.Store, error) {
	store, err := factory.Create(cfg.Cache.Persistent)
	if err != nil {
		return nil, err
	}
	if store == nil {
		slog.Info("Persistent cache disabled")
		return nil, nil
	}
	if !instrument {
		return store, nil
	}
	instrumented, err := observability.NewInstrumentedStore(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("instrument persistent cache: %w", err)
	}
	return instrumented, nil
}
