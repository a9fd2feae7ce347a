package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/tracking"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Database wraps the SQL connection and implements tracking.SessionStore and
// tracking.RouteTopology
type Database struct {
	queries
	conn *sql.DB
}

// New opens a database for the given driver and creates the schema.
// For sqlite3 the dsn is a file path.
func New(driver, dsn string, windows tracking.Windows) (*Database, error) {
	conn, err := open(driver, dsn)
	if err != nil {
		return nil, err
	}

	db := &Database{
		queries: queries{q: conn, driver: driver, windows: windows.WithDefaults()},
		conn:    conn,
	}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

func open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		// Enable WAL mode and other optimizations via connection string
		connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", dsn)
		conn, err := sql.Open(driver, connStr)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		conn.SetMaxOpenConns(1) // SQLite works best with single writer
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(time.Hour)
		return conn, nil
	case DriverPostgres:
		conn, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.driver == DriverPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS vans (
			guid TEXT PRIMARY KEY,
			first_seen_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routes (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS stops (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			lat DOUBLE PRECISION NOT NULL,
			lon DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS route_stops (
			route_id INTEGER NOT NULL REFERENCES routes(id),
			stop_id BIGINT NOT NULL REFERENCES stops(id),
			position INTEGER NOT NULL,
			PRIMARY KEY (route_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS tracker_sessions (
			id TEXT PRIMARY KEY,
			van_guid TEXT NOT NULL,
			route_id INTEGER NOT NULL,
			stop_index INTEGER NOT NULL DEFAULT 0,
			dead BOOLEAN NOT NULL DEFAULT FALSE,
			created_at_ms BIGINT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS van_locations (
			id %s,
			session_id TEXT NOT NULL REFERENCES tracker_sessions(id),
			timestamp_ms BIGINT NOT NULL,
			lat DOUBLE PRECISION NOT NULL,
			lon DOUBLE PRECISION NOT NULL,
			received_at_ms BIGINT NOT NULL
		)`, idColumn),

		// At most one live session per van
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live_van ON tracker_sessions(van_guid) WHERE NOT dead`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_van_created ON tracker_sessions(van_guid, created_at_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_route ON tracker_sessions(route_id) WHERE NOT dead`,
		`CREATE INDEX IF NOT EXISTS idx_locations_session_ts ON van_locations(session_id, timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_ts ON van_locations(timestamp_ms)`,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range schema {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// Ping checks the connection with a short timeout
func (db *Database) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// Atomically runs fn inside a single transaction
func (db *Database) Atomically(ctx context.Context, fn func(tx tracking.SessionStore) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{queries{q: tx, driver: db.driver, windows: db.windows}}); err != nil {
		return err
	}
	return tx.Commit()
}

// StartSession kills the van's live sessions and inserts a new one in one
// transaction
func (db *Database) StartSession(ctx context.Context, vanGUID string, routeID int32, now time.Time) (*models.TrackingSession, error) {
	var session *models.TrackingSession
	err := db.Atomically(ctx, func(tx tracking.SessionStore) error {
		var err error
		session, err = tx.StartSession(ctx, vanGUID, routeID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// PruneSamples deletes location samples with event time before the cutoff
func (db *Database) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		db.rebind(`DELETE FROM van_locations WHERE timestamp_ms < ?`), toMillis(before))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetStats returns row counts for the tracking tables
func (db *Database) GetStats(ctx context.Context) (*models.StoreStats, error) {
	var s models.StoreStats
	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM vans", &s.Vans},
		{"SELECT COUNT(*) FROM tracker_sessions", &s.Sessions},
		{"SELECT COUNT(*) FROM tracker_sessions WHERE NOT dead", &s.LiveSessions},
		{"SELECT COUNT(*) FROM van_locations", &s.Samples},
		{"SELECT COUNT(*) FROM routes", &s.Routes},
		{"SELECT COUNT(*) FROM stops", &s.Stops},
	}
	for _, c := range counts {
		if err := db.conn.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// txStore is the transactional view handed to Atomically callbacks
type txStore struct {
	queries
}

func (t *txStore) Atomically(_ context.Context, fn func(tx tracking.SessionStore) error) error {
	return fn(t)
}

// queries holds the statements shared by Database and txStore
type queries struct {
	q       querier
	driver  string
	windows tracking.Windows
}

// rebind converts ? placeholders to $n for PostgreSQL
func (qs *queries) rebind(query string) string {
	if qs.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
