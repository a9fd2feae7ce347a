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

	"shuttle-tracker/internal/api"
	"shuttle-tracker/internal/cache"
	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/db"
	"shuttle-tracker/internal/events"
	"shuttle-tracker/internal/metrics"
	"shuttle-tracker/internal/tracking"

	"github.com/spf13/cobra"
)

// serverCmd starts the hardware and rider API server
func serverCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := loadConfig(os.Stdout, func(c *config.Config) {
				if addr != "" {
					c.HTTPAddr = addr
				}
			})
			if err != nil {
				return err
			}

			database, err = db.New(cfg.DBDriver, cfg.DatabaseURL, cfg.Windows())
			if err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Listen address (overrides HTTP_ADDR)")
	return cmd
}

func runServer(ctx context.Context) error {
	collector := metrics.NewCollector(cfg.StopRadiusMeters, cfg.DwellThreshold, cfg.MaxReportAge)

	var topology tracking.RouteTopology = database
	if cfg.RedisEnabled {
		rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Warn("route cache disabled", "error", err)
		} else {
			defer rc.Close()
			topology = cache.NewTopologyCache(rc, database, cfg.CacheTTL, logger)
			logger.Info("route cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL.String())
		}
	}

	hub := events.NewHub(collector, logger)
	hub.AllowOrigins(cfg.StreamAllowedOrigins...)
	go hub.Run(ctx)
	publishers := events.Multi{hub}

	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, collector, logger)
		if err != nil {
			logger.Warn("nats publishing disabled", "error", err)
		} else {
			defer np.Close()
			publishers = append(publishers, np)
			logger.Info("nats publishing enabled", "subject_prefix", cfg.NATSSubjectPrefix)
		}
	}

	tracker := newTracker(topology,
		tracking.WithPublisher(publishers),
		tracking.WithMetrics(collector),
	)

	opts := []api.Option{
		api.WithStats(database),
		api.WithHealthCheck(database),
		api.WithStream(hub.ServeWS),
		api.WithLogger(logger),
	}
	if cfg.MetricsEnabled {
		opts = append(opts, api.WithMetrics(collector, collector.Handler()))
	}
	server := api.NewServer(tracker, opts...)

	go runPruner(ctx, database, collector, cfg.SampleRetention, cfg.PruneInterval, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.HTTPAddr,
			"driver", cfg.DBDriver,
			"metrics", cfg.MetricsEnabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// runPruner deletes samples past retention every interval until ctx ends
func runPruner(ctx context.Context, database *db.Database, collector *metrics.Collector, retention, interval time.Duration, logger *slog.Logger) {
	logger = logger.With("component", "pruner")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := database.PruneSamples(ctx, time.Now().Add(-retention))
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("prune failed", "error", err)
				}
				continue
			}
			collector.SamplesPrunedAdd(n)
			if n > 0 {
				logger.Info("samples pruned", "count", n, "retention", retention.String())
			}
		}
	}
}
