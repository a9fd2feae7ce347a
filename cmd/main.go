package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"shuttle-tracker/internal/cache"
	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/db"
	"shuttle-tracker/internal/routefile"
	"shuttle-tracker/internal/tracking"

	"github.com/spf13/cobra"
)

var (
	dbPath   string
	dbDriver string
	cfg      *config.Config
	logger   *slog.Logger
	database *db.Database
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shuttle-tracker",
		Short: "Shuttle Tracker - van GPS ingestion and stop tracking",
		Long: `A service and CLI for tracking shuttle vans along fixed looping routes.
Vans report GPS fixes over a compact binary protocol; the tracker detects
stop arrivals from dwell time near each stop and serves rider queries over
a REST API and a websocket stream.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database DSN or SQLite path (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "driver", "", "Database driver: sqlite3 or pgx (overrides DB_DRIVER)")

	// Add commands
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(samplesCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment, applies flag overrides and validates.
// Logs go to logOut.
func loadConfig(logOut io.Writer, override func(*config.Config)) error {
	cfg = config.Load()
	if dbPath != "" {
		cfg.DatabaseURL = dbPath
	}
	if dbDriver != "" {
		cfg.DBDriver = dbDriver
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger = slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return nil
}

// initDB loads configuration and opens the database. CLI commands keep
// stdout for their own output, so they log to stderr.
func initDB() error {
	if err := loadConfig(os.Stderr, nil); err != nil {
		return err
	}
	var err error
	database, err = db.New(cfg.DBDriver, cfg.DatabaseURL, cfg.Windows())
	return err
}

// newTracker builds a tracking service over the SQL store with the
// configured thresholds
func newTracker(topology tracking.RouteTopology, opts ...tracking.Option) *tracking.Service {
	base := []tracking.Option{
		tracking.WithValidator(tracking.NewValidator(cfg.MaxReportAge)),
		tracking.WithEstimator(tracking.NewEstimator(cfg.StopRadiusMeters, cfg.DwellThreshold)),
		tracking.WithLogger(logger),
	}
	return tracking.NewService(database, topology, append(base, opts...)...)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseRouteID(s string) (int32, error) {
	id, err := strconv.ParseInt(s, 10, 32)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid route id %q", s)
	}
	return int32(id), nil
}

// routesCmd manages route topology
func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Route topology commands",
	}

	importCmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import routes and stops from a YAML file",
		Long:  "Upserts every route in the file in a single transaction; if any route fails nothing is written.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			routes, err := routefile.LoadFile(args[0])
			if err != nil {
				return err
			}

			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			if err := database.ImportRoutes(ctx, routes); err != nil {
				return fmt.Errorf("error importing routes: %w", err)
			}
			ids := make([]int32, 0, len(routes))
			for _, r := range routes {
				ids = append(ids, r.ID)
				fmt.Printf("  ✓ Route %d (%s): %d stops\n", r.ID, r.Name, len(r.Stops))
			}

			if cfg.RedisEnabled {
				invalidateRoutes(ctx, ids)
			}

			fmt.Printf("\nImported %d routes from %s\n", len(routes), args[0])
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List routes with their stops",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			routes, err := database.ListRoutes(cmd.Context())
			if err != nil {
				return fmt.Errorf("error listing routes: %w", err)
			}

			if len(routes) == 0 {
				fmt.Println("No routes found. Use 'shuttle-tracker routes import' to load a route file.")
				return nil
			}

			fmt.Printf("Found %d routes:\n\n", len(routes))
			for _, r := range routes {
				fmt.Printf("  Route %d: %s (%d stops)\n", r.ID, r.Name, len(r.Stops))
				for _, s := range r.Stops {
					fmt.Printf("    %2d. [%d] %-24s %.6f,%.6f\n", s.Position, s.ID, s.Name, s.Latitude, s.Longitude)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(importCmd)
	cmd.AddCommand(listCmd)
	return cmd
}

// invalidateRoutes drops cached stop lists so a running server picks up the
// imported topology. Failures are logged only; entries expire on their own.
func invalidateRoutes(ctx context.Context, ids []int32) {
	rc, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		logger.Warn("route cache not invalidated", "error", err)
		return
	}
	defer rc.Close()

	topology := cache.NewTopologyCache(rc, database, cfg.CacheTTL, logger)
	if err := topology.Invalidate(ctx, ids...); err != nil {
		logger.Warn("route cache not invalidated", "error", err)
	}
}

// sessionCmd manages tracking sessions
func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Tracking session commands",
	}

	beginCmd := &cobra.Command{
		Use:   "begin [van_guid] [route_id]",
		Short: "Begin a tracking session, as a van's route select would",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			routeID, err := parseRouteID(args[1])
			if err != nil {
				return err
			}

			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			session, err := newTracker(database).BeginSession(cmd.Context(), args[0], routeID)
			if err != nil {
				return err
			}

			fmt.Printf("✓ Session %s started for van %s on route %d\n", session.ID, session.VanGUID, session.RouteID)
			return nil
		},
	}

	var limit int
	var outputFormat string
	showCmd := &cobra.Command{
		Use:   "show [van_guid]",
		Short: "Show a van's sessions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			sessions, err := database.SessionsForVan(ctx, args[0], limit)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			active, err := database.ActiveSession(ctx, args[0], time.Now())
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}

			if outputFormat == "json" {
				return printJSON(sessions)
			}

			if len(sessions) == 0 {
				fmt.Printf("No sessions found for van %s\n", args[0])
				return nil
			}
			fmt.Printf("Found %d sessions for van %s:\n\n", len(sessions), args[0])
			for _, s := range sessions {
				state := "dead"
				switch {
				case active != nil && active.ID == s.ID:
					state = "active"
				case !s.Dead:
					state = "expired"
				}
				fmt.Printf("  [%s] %s | Route: %d | Stop index: %d | %s\n",
					s.CreatedAt.Format("2006-01-02 15:04:05"), s.ID, s.RouteID, s.StopIndex, state)
			}
			return nil
		},
	}
	showCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Maximum sessions to show")
	showCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")

	cmd.AddCommand(beginCmd)
	cmd.AddCommand(showCmd)
	return cmd
}

// samplesCmd lists recorded location samples for a van's session
func samplesCmd() *cobra.Command {
	var sessionID string
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "samples [van_guid]",
		Short: "Query location samples for a van's latest session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			ctx := cmd.Context()
			if sessionID == "" {
				sessions, err := database.SessionsForVan(ctx, args[0], 1)
				if err != nil {
					return fmt.Errorf("query error: %w", err)
				}
				if len(sessions) == 0 {
					return fmt.Errorf("no sessions found for van %s", args[0])
				}
				sessionID = sessions[0].ID
			}

			start := time.Now()
			samples, err := database.SessionSamples(ctx, sessionID, limit)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			if outputFormat == "json" {
				return printJSON(samples)
			}

			fmt.Printf("Found %d samples for session %s (query time: %v)\n\n", len(samples), sessionID, elapsed)
			for _, s := range samples {
				fmt.Printf("[%s] Pos: %.6f,%.6f | Received: %s\n",
					s.Timestamp.Format("2006-01-02 15:04:05.000"),
					s.Latitude, s.Longitude,
					s.ReceivedAt.Format("15:04:05.000"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID (defaults to the van's newest session)")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum samples to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// pruneCmd deletes samples past the retention horizon
func pruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete location samples older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			retention := cfg.SampleRetention
			if olderThan > 0 {
				retention = olderThan
			}
			if retention < cfg.LookbackWindow {
				return fmt.Errorf("retention %v is shorter than the lookback window %v", retention, cfg.LookbackWindow)
			}

			n, err := database.PruneSamples(cmd.Context(), time.Now().Add(-retention))
			if err != nil {
				return fmt.Errorf("prune error: %w", err)
			}
			fmt.Printf("✓ Deleted %d samples older than %v\n", n, retention)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Retention period (defaults to SAMPLE_RETENTION)")
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initDB(); err != nil {
				return fmt.Errorf("database error: %w", err)
			}
			defer database.Close()

			stats, err := database.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Shuttle Tracker Statistics")
			fmt.Println("=============================")
			fmt.Printf("  Vans:            %d\n", stats.Vans)
			fmt.Printf("  Sessions:        %d (%d live)\n", stats.Sessions, stats.LiveSessions)
			fmt.Printf("  Samples:         %d\n", stats.Samples)
			fmt.Printf("  Routes:          %d\n", stats.Routes)
			fmt.Printf("  Stops:           %d\n", stats.Stops)
			fmt.Printf("  Driver:          %s\n", cfg.DBDriver)

			return nil
		},
	}
}
