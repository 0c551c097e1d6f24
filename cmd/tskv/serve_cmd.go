package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tskv"
	"tskv/metrics"
	"tskv/shutdown"
)

// serveCmd runs a long-lived process hosting an open Database and a
// Prometheus metrics endpoint, tearing both down in priority order on
// SIGINT/SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the database and serve metrics until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}

		sm := shutdown.NewManager(10 * time.Second)

		if cfg.Metrics.Enabled {
			registry := prometheus.NewRegistry()
			m := metrics.New(registry)
			db.SetMetrics(m)
			server := metrics.NewServer(cfg.Metrics.Addr, registry)
			errCh := server.Start()
			logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics endpoint listening")

			sm.Register("metrics-server", 0, func(ctx context.Context) error {
				return server.Stop(ctx)
			})

			go func() {
				if err := <-errCh; err != nil {
					logger.Error().Err(err).Msg("metrics server error")
				}
			}()
		}

		sm.Register("database", 10, func(ctx context.Context) error {
			if code := db.Shutdown(ctx); code != tskv.OK {
				return fmt.Errorf("database shutdown: %s", code)
			}
			if code := db.Dispose(); code != tskv.OK {
				return fmt.Errorf("database dispose: %s", code)
			}
			return nil
		})

		sm.Listen()
		logger.Info().Str("engine", string(cfg.Engine.Kind)).Msg("database open, serving until interrupted")
		sm.Wait()
		logger.Info().Msg("shutdown complete")
		return nil
	},
}
