package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/kidcam/camhls/internal/streams"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	listActiveQuery = `SELECT id, name, ip, port, username, password FROM camera WHERE status ORDER BY id`
	lookupQuery     = `SELECT id, name, ip, port, username, password, status FROM camera WHERE id = %s`
)

// SQL is a Catalog backed by the camera table:
//
//	camera(id, name, ip, port, username, password, status)
//
// Every camera is streamed from DefaultRTSPPath.
type SQL struct {
	db     *sql.DB
	lookup string
}

// OpenSQL connects to the camera database. driver is DriverPostgres or
// DriverSQLite.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	var name string
	switch driver {
	case DriverPostgres, "pgx":
		name = "pgx"
	case DriverSQLite:
		name = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog database: %w", err)
	}
	return NewSQL(db, name), nil
}

// NewSQL wraps an open database. driverName selects the placeholder style.
func NewSQL(db *sql.DB, driverName string) *SQL {
	placeholder := "?"
	if driverName == "pgx" {
		placeholder = "$1"
	}
	return &SQL{db: db, lookup: fmt.Sprintf(lookupQuery, placeholder)}
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}

type cameraRow struct {
	id       string
	name     sql.NullString
	ip       string
	port     int
	username sql.NullString
	password sql.NullString
}

func (r cameraRow) descriptor(active bool) streams.SourceDescriptor {
	name := r.name.String
	if name == "" {
		name = r.id
	}
	return streams.SourceDescriptor{
		ID:            r.id,
		Name:          name,
		ConnectionURI: RTSPURL(r.ip, r.port, r.username.String, r.password.String, DefaultRTSPPath),
		DesiredActive: active,
	}
}

// ListDesiredActive implements streams.Catalog.
func (s *SQL) ListDesiredActive(ctx context.Context) ([]streams.SourceDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, listActiveQuery)
	if err != nil {
		return nil, fmt.Errorf("query cameras: %w", err)
	}
	defer rows.Close()

	var out []streams.SourceDescriptor
	for rows.Next() {
		var r cameraRow
		if err := rows.Scan(&r.id, &r.name, &r.ip, &r.port, &r.username, &r.password); err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		out = append(out, r.descriptor(true))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cameras: %w", err)
	}
	return out, nil
}

// Lookup implements Catalog.
func (s *SQL) Lookup(ctx context.Context, id string) (streams.SourceDescriptor, error) {
	var r cameraRow
	var active bool
	err := s.db.QueryRowContext(ctx, s.lookup, id).
		Scan(&r.id, &r.name, &r.ip, &r.port, &r.username, &r.password, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return streams.SourceDescriptor{}, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if err != nil {
		return streams.SourceDescriptor{}, fmt.Errorf("query camera %s: %w", id, err)
	}
	return r.descriptor(active), nil
}
