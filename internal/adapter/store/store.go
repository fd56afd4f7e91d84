package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/couchcryptid/seismoi-feed/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	ErrNotFound  = domain.ErrInstallationNotFound
	ErrDuplicate = domain.ErrAlreadyConfigured
)

const schema = `
CREATE TABLE IF NOT EXISTS installations (
	id                  TEXT PRIMARY KEY,
	title               TEXT NOT NULL,
	url                 TEXT NOT NULL,
	latitude            DOUBLE PRECISION NOT NULL,
	longitude           DOUBLE PRECISION NOT NULL,
	radius_km           DOUBLE PRECISION NOT NULL,
	magnitude_threshold DOUBLE PRECISION,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	UNIQUE (url, latitude, longitude)
)`

const columns = `id, title, url, latitude, longitude, radius_km, magnitude_threshold, created_at, updated_at`

// Store persists installations in SQLite or PostgreSQL.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open connects to the database, verifies the connection, and creates the
// schema if needed.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("installation store ready", "driver", driver)
	return &Store{db: db, driver: driver, logger: logger}, nil
}

// List returns every installation ordered by creation time.
func (s *Store) List(ctx context.Context) ([]domain.Installation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM installations ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list installations: %w", err)
	}
	defer rows.Close()

	var out []domain.Installation
	for rows.Next() {
		inst, err := scanInstallation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list installations: %w", err)
	}
	return out, nil
}

// Get returns the installation with the given id.
func (s *Store) Get(ctx context.Context, id string) (domain.Installation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+columns+` FROM installations WHERE id = ?`), id)
	return s.one(row, id)
}

// FindByLocation returns the installation subscribed to url at the given home
// coordinates.
func (s *Store) FindByLocation(ctx context.Context, url string, lat, lon float64) (domain.Installation, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+columns+` FROM installations WHERE url = ? AND latitude = ? AND longitude = ?`),
		url, lat, lon)
	return s.one(row, fmt.Sprintf("%s@%v,%v", url, lat, lon))
}

// Create stores a new installation, assigning its id and timestamps.
func (s *Store) Create(ctx context.Context, inst domain.Installation) (domain.Installation, error) {
	now := domain.Now().UTC()
	inst.ID = uuid.NewString()
	inst.CreatedAt = now
	inst.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO installations (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID, inst.Title, inst.URL, inst.Latitude, inst.Longitude, inst.RadiusKM,
		nullFloat(inst.Options.MagnitudeThreshold),
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Installation{}, ErrDuplicate
		}
		return domain.Installation{}, fmt.Errorf("insert installation: %w", err)
	}

	s.logger.Info("installation created", "installation_id", inst.ID, "title", inst.Title)
	return inst, nil
}

// UpdateOptions replaces the mutable options of an installation.
func (s *Store) UpdateOptions(ctx context.Context, id string, opts domain.Options) (domain.Installation, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE installations SET magnitude_threshold = ?, updated_at = ? WHERE id = ?`),
		nullFloat(opts.MagnitudeThreshold), formatTime(domain.Now().UTC()), id)
	if err != nil {
		return domain.Installation{}, fmt.Errorf("update installation %s: %w", id, err)
	}
	if err := requireAffected(res, id); err != nil {
		return domain.Installation{}, err
	}
	return s.Get(ctx, id)
}

// Delete removes an installation.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM installations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete installation %s: %w", id, err)
	}
	return requireAffected(res, id)
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
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

func (s *Store) one(row *sql.Row, key string) (domain.Installation, error) {
	inst, err := scanInstallation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Installation{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return inst, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstallation(sc scanner) (domain.Installation, error) {
	var (
		inst             domain.Installation
		threshold        sql.NullFloat64
		created, updated string
	)
	err := sc.Scan(&inst.ID, &inst.Title, &inst.URL, &inst.Latitude, &inst.Longitude,
		&inst.RadiusKM, &threshold, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Installation{}, err
		}
		return domain.Installation{}, fmt.Errorf("scan installation: %w", err)
	}
	if threshold.Valid {
		v := threshold.Float64
		inst.Options.MagnitudeThreshold = &v
	}
	if inst.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return domain.Installation{}, fmt.Errorf("parse created_at: %w", err)
	}
	if inst.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return domain.Installation{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return inst, nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
