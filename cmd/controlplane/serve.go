package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aristath/controlplane/internal/config"
	"github.com/aristath/controlplane/internal/events"
	"github.com/aristath/controlplane/internal/logging"
	"github.com/aristath/controlplane/internal/orchestrator"
	"github.com/aristath/controlplane/internal/persistence"
	"github.com/aristath/controlplane/internal/server"
)

func loadConfig() (*config.Config, error) {
	global, err := config.GlobalPath()
	if err != nil {
		return nil, err
	}
	return config.Load(global, viper.GetString("config"))
}

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Addr = listen
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.addr)")
	return cmd
}

// serve runs until SIGINT or SIGTERM, then stops the HTTP server and the
// engine within the configured shutdown timeout.
func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(cfg.LoggingOptions())
	slog.SetDefault(logger)

	store, err := persistence.NewSQLiteStore(ctx, cfg.Storage.Path, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	bus := events.NewEventBus(events.WithLogger(logger))
	defer bus.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := orchestrator.New(orchestrator.Options{
		Store:               store,
		Bus:                 bus,
		Services:            orchestrator.StandardServices(store, cfg.AgentSpecs(), cfg.TrackerOptions(), logger),
		TaskInterval:        cfg.Engine.TaskInterval,
		HealthInterval:      cfg.Engine.HealthInterval,
		LoadBalanceInterval: cfg.Engine.LoadBalanceInterval,
		MetricsInterval:     cfg.Engine.MetricsInterval,
		HealthCheckTimeout:  cfg.Engine.HealthCheckTimeout,
		ShutdownTimeout:     cfg.Engine.ShutdownTimeout,
		MaxConcurrentTasks:  cfg.Engine.MaxConcurrentTasks,
		ProjectDefaults:     cfg.ProjectDefaults(),
		Restart:             cfg.RestartPolicy(),
		Registry:            registry,
		Logger:              logger,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	handler, err := server.New(server.Config{
		Engine:   engine,
		Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
		Gatherer: engine.Gatherer(),
		Logger:   logger,
	})
	if err != nil {
		_ = engine.Shutdown(context.Background())
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("serving control plane API", "addr", cfg.Server.Addr, "auth", cfg.Server.JWTSecret != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	var serveErr error
	select {
	case serveErr = <-errChan:
	case <-ctx.Done():
		// Restore default handling so a second signal forces exit.
		stop()
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := engine.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	logger.Info("shutdown complete")
	return serveErr
}
