package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/agentgraph/internal/config"
	"github.com/szaher/agentgraph/internal/server"
	"github.com/szaher/agentgraph/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API with the configured store, cache and inference model.
The config file is watched and catalog changes are applied without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logger, err := newLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			catalog, err := cfg.BuildCatalog()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			capability, err := newCapability(cfg, catalog, logger)
			if err != nil {
				return err
			}
			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			metrics := telemetry.NewMetrics()
			eng, err := newEngine(cfg, b, capability, catalog, logger, metrics)
			if err != nil {
				return err
			}

			srv := server.NewServer(eng,
				server.WithLogger(logger),
				server.WithMetrics(metrics),
				server.WithSyncLimiter(server.NewSyncLimiter(cfg.Sync.Debounce, cfg.Sync.Burst)),
				server.WithVersion(version))

			if path := watchedConfigPath(); path != "" {
				go func() {
					err := config.Watch(ctx, path, logger, func(next *config.Config) {
						cat, err := next.BuildCatalog()
						if err != nil {
							logger.Warn("catalog reload skipped", "error", err)
							return
						}
						eng.SetCatalog(cat)
						capability.SetCatalog(cat)
					})
					if err != nil {
						logger.Error("config watch stopped", "error", err)
					}
				}()
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(cfg.Listen) }()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config)")

	return cmd
}

// watchedConfigPath is the config file to watch, or "" when running on
// defaults alone.
func watchedConfigPath() string {
	if configFile != "" {
		return configFile
	}
	if _, err := os.Stat(config.DefaultFile); err == nil {
		return config.DefaultFile
	}
	return ""
}
