package db

import (
	"context"
	"database/sql"
	"fmt"

	"shuttle-tracker/internal/models"
)

// RouteStops returns the ordered stops of a route
func (db *Database) RouteStops(ctx context.Context, routeID int32) ([]models.Stop, error) {
	query := `
		SELECT s.id, rs.position, s.name, s.lat, s.lon
		FROM route_stops rs
		JOIN stops s ON s.id = rs.stop_id
		WHERE rs.route_id = ?
		ORDER BY rs.position
	`
	rows, err := db.conn.QueryContext(ctx, db.rebind(query), routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stops []models.Stop
	for rows.Next() {
		var s models.Stop
		if err := rows.Scan(&s.ID, &s.Position, &s.Name, &s.Latitude, &s.Longitude); err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

// UpsertRoute writes a route and replaces its stop ordering. Stop positions
// follow slice order.
func (db *Database) UpsertRoute(ctx context.Context, route models.Route) error {
	return db.ImportRoutes(ctx, []models.Route{route})
}

// ImportRoutes upserts every route in one transaction; on error none of them
// are written
func (db *Database) ImportRoutes(ctx context.Context, routes []models.Route) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, route := range routes {
		if err := db.upsertRoute(ctx, tx, route); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (db *Database) upsertRoute(ctx context.Context, tx *sql.Tx, route models.Route) error {
	upsertRoute := `
		INSERT INTO routes (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name
	`
	if _, err := tx.ExecContext(ctx, db.rebind(upsertRoute), route.ID, route.Name); err != nil {
		return fmt.Errorf("upsert route %d: %w", route.ID, err)
	}

	if _, err := tx.ExecContext(ctx, db.rebind(`DELETE FROM route_stops WHERE route_id = ?`), route.ID); err != nil {
		return fmt.Errorf("clear route %d stops: %w", route.ID, err)
	}

	upsertStop := `
		INSERT INTO stops (id, name, lat, lon) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, lat = excluded.lat, lon = excluded.lon
	`
	link := `INSERT INTO route_stops (route_id, stop_id, position) VALUES (?, ?, ?)`
	for i, s := range route.Stops {
		if _, err := tx.ExecContext(ctx, db.rebind(upsertStop), s.ID, s.Name, s.Latitude, s.Longitude); err != nil {
			return fmt.Errorf("upsert stop %d: %w", s.ID, err)
		}
		if _, err := tx.ExecContext(ctx, db.rebind(link), route.ID, s.ID, i); err != nil {
			return fmt.Errorf("link stop %d: %w", s.ID, err)
		}
	}
	return nil
}

// ListRoutes returns every route with its ordered stops
func (db *Database) ListRoutes(ctx context.Context) ([]models.Route, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name FROM routes ORDER BY id`)
	if err != nil {
		return nil, err
	}

	var routes []models.Route
	for rows.Next() {
		var r models.Route
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			rows.Close()
			return nil, err
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// SQLite runs with a single connection, so stops are loaded after the
	// route cursor is released.
	for i := range routes {
		stops, err := db.RouteStops(ctx, routes[i].ID)
		if err != nil {
			return nil, err
		}
		routes[i].Stops = stops
	}
	return routes, nil
}
