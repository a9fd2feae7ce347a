package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"shuttle-tracker/internal/config"
	"shuttle-tracker/internal/db"
	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/parser"
	"shuttle-tracker/internal/replay"
	"shuttle-tracker/internal/routefile"

	"github.com/spf13/cobra"
)

// replayCmd replays a GPS trace through the tracker on a simulated clock
func replayCmd() *cobra.Command {
	var format string
	var routesFile string
	var radius float64
	var dwell time.Duration
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Replay a GPS trace and print detected stop arrivals",
		Long: `Replays a recorded GPS trace (csv, json or log) through the stop estimator.
Each fix is evaluated at its own timestamp against an in-memory store, so the
database is only read for route topology and is never written.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			err := loadConfig(os.Stderr, func(c *config.Config) {
				if radius > 0 {
					c.StopRadiusMeters = radius
				}
				if dwell > 0 {
					c.DwellThreshold = dwell
				}
			})
			if err != nil {
				return err
			}

			routes, err := replayRoutes(cmd, routesFile)
			if err != nil {
				return err
			}

			events, err := parser.NewParser(format, logger).ParseFile(args[0])
			if err != nil {
				return fmt.Errorf("error parsing file: %w", err)
			}
			table := outputFormat != "json"
			if table {
				fmt.Printf("Replaying %s: %d events, %d routes\n", args[0], len(events), len(routes))
				fmt.Printf("  Radius: %.2f m | Dwell: %v\n\n", cfg.StopRadiusMeters, cfg.DwellThreshold)
			}

			start := time.Now()
			summary, err := replay.Run(cmd.Context(), events, routes, replay.Options{
				Windows:          cfg.Windows(),
				MaxReportAge:     cfg.MaxReportAge,
				StopRadiusMeters: cfg.StopRadiusMeters,
				DwellThreshold:   cfg.DwellThreshold,
				Logger:           logger,
			}, func(a replay.Advance) {
				if !table {
					return
				}
				fmt.Printf("[%s] Van: %s | Route: %d | Stop %d -> %d (%d %s)\n",
					a.At.Format("2006-01-02 15:04:05"),
					a.VanGUID, a.RouteID, a.PreviousIndex, a.StopIndex, a.Stop.ID, a.Stop.Name)
			})
			if err != nil {
				return fmt.Errorf("replay error: %w", err)
			}

			if !table {
				return printJSON(summary)
			}

			fmt.Printf("\n✓ Replayed %d events in %v\n", len(events), time.Since(start))
			fmt.Printf("  Sessions: %d | Accepted: %d | Arrivals: %d\n",
				summary.Sessions, summary.Accepted, len(summary.Advances))
			reasons := make([]string, 0, len(summary.Rejected))
			for r := range summary.Rejected {
				reasons = append(reasons, r)
			}
			sort.Strings(reasons)
			for _, r := range reasons {
				fmt.Printf("  Rejected (%s): %d\n", r, summary.Rejected[r])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json, log)")
	cmd.Flags().StringVarP(&routesFile, "routes", "r", "", "Route YAML file (defaults to routes in the database)")
	cmd.Flags().Float64Var(&radius, "radius", 0, "Stop radius in meters (overrides STOP_RADIUS_METERS)")
	cmd.Flags().DurationVar(&dwell, "dwell", 0, "Dwell threshold (overrides DWELL_THRESHOLD)")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// replayRoutes reads topology from a route file, or from the database when
// no file is given
func replayRoutes(cmd *cobra.Command, routesFile string) ([]models.Route, error) {
	if routesFile != "" {
		return routefile.LoadFile(routesFile)
	}

	var err error
	database, err = db.New(cfg.DBDriver, cfg.DatabaseURL, cfg.Windows())
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer database.Close()

	routes, err := database.ListRoutes(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("error listing routes: %w", err)
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("no routes in database; import a route file or pass --routes")
	}
	return routes, nil
}
