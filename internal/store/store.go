// Package store persists decoded scan records in a relational database.
// PostgreSQL (via pgx) is the production target; SQLite (modernc.org/sqlite)
// serves local runs and tests. Records are append-only.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/couchcryptid/storm-radar-service/internal/config"
	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

const (
	defaultConnectAttempts = 5
	initialBackoff         = 200 * time.Millisecond
	maxBackoff             = 5 * time.Second
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithConnectAttempts bounds how many pings Open makes before giving up.
func WithConnectAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithInitialBackoff sets the first delay between connection attempts.
func WithInitialBackoff(d time.Duration) Option {
	return func(s *Store) { s.backoff = d }
}

// Store is the scan record store.
type Store struct {
	db       *sql.DB
	driver   string
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

// Open connects to the database, retrying the initial ping with exponential
// backoff, and applies pending migrations. It fails with
// domain.ErrStoreUnavailable once the attempts are exhausted.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	if driver != config.StoreDriverPostgres && driver != config.StoreDriverSQLite {
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if dsn == "" {
		return nil, errors.New("store dsn is required")
	}

	s := &Store{
		driver:   driver,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		attempts: defaultConnectAttempts,
		backoff:  initialBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if driver == config.StoreDriverSQLite {
		// SQLite allows one writer; serialize through a single connection.
		db.SetMaxOpenConns(1)
	}
	s.db = db

	if err := s.connect(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if driver == config.StoreDriverSQLite {
		if err := s.applyPragmas(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: pragmas: %w", domain.ErrStoreUnavailable, err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %w", domain.ErrStoreUnavailable, err)
	}

	s.logger.Info("record store ready", "driver", driver)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Append validates and inserts rec, returning the new row ID. Degenerate
// bounds are rejected with domain.ErrInvalidBounds before anything is written.
func (s *Store) Append(ctx context.Context, rec domain.ScanRecord) (int64, error) {
	if rec.StationID == "" {
		return 0, errors.New("record station id is required")
	}
	if rec.ObservedAt.IsZero() {
		return 0, errors.New("record observation time is required")
	}
	if err := rec.Bounds.Validate(); err != nil {
		return 0, err
	}

	payload, err := json.Marshal(gridPayload{
		Rows:         rec.Grid.Rows,
		Cols:         rec.Grid.Cols,
		Reflectivity: rec.Grid.Reflectivity,
		MinLon:       rec.Bounds.MinLon,
		MaxLon:       rec.Bounds.MaxLon,
		MinLat:       rec.Bounds.MinLat,
		MaxLat:       rec.Bounds.MaxLat,
	})
	if err != nil {
		return 0, fmt.Errorf("encode grid: %w", err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx, s.rebind(`
INSERT INTO radar_scans (radar_id, scan_time, grid_data, min_lon, max_lon, min_lat, max_lat)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id`),
		rec.StationID, rec.ObservedAt.UTC(), string(payload),
		rec.Bounds.MinLon, rec.Bounds.MaxLon, rec.Bounds.MinLat, rec.Bounds.MaxLat,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %w", domain.ErrStoreUnavailable, err)
	}
	return id, nil
}

// Query returns the records for stationID observed in [start, end), ascending
// by observation time. Grid payloads are not loaded.
func (s *Store) Query(ctx context.Context, stationID string, start, end time.Time) ([]domain.ScanRecord, error) {
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return nil, fmt.Errorf("%w: start %s, end %s", domain.ErrInvalidWindow, start, end)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, radar_id, scan_time, min_lon, max_lon, min_lat, max_lat
FROM radar_scans
WHERE radar_id = ? AND scan_time >= ? AND scan_time < ?
ORDER BY scan_time, id`),
		stationID, start.UTC(), end.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", domain.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	records := []domain.ScanRecord{}
	for rows.Next() {
		var rec domain.ScanRecord
		if err := rows.Scan(&rec.ID, &rec.StationID, &rec.ObservedAt,
			&rec.Bounds.MinLon, &rec.Bounds.MaxLon, &rec.Bounds.MinLat, &rec.Bounds.MaxLat); err != nil {
			return nil, fmt.Errorf("%w: scan row: %w", domain.ErrStoreUnavailable, err)
		}
		rec.ObservedAt = rec.ObservedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate rows: %w", domain.ErrStoreUnavailable, err)
	}
	return records, nil
}

// Latest returns the most recently observed record for stationID, including
// its grid. The boolean is false when the station has no records.
func (s *Store) Latest(ctx context.Context, stationID string) (domain.ScanRecord, bool, error) {
	var (
		rec     domain.ScanRecord
		payload []byte
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, radar_id, scan_time, grid_data, min_lon, max_lon, min_lat, max_lat
FROM radar_scans
WHERE radar_id = ?
ORDER BY scan_time DESC, id DESC
LIMIT 1`), stationID,
	).Scan(&rec.ID, &rec.StationID, &rec.ObservedAt, &payload,
		&rec.Bounds.MinLon, &rec.Bounds.MaxLon, &rec.Bounds.MinLat, &rec.Bounds.MaxLat)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScanRecord{}, false, nil
	}
	if err != nil {
		return domain.ScanRecord{}, false, fmt.Errorf("%w: latest: %w", domain.ErrStoreUnavailable, err)
	}

	var grid gridPayload
	if err := json.Unmarshal(payload, &grid); err != nil {
		return domain.ScanRecord{}, false, fmt.Errorf("decode grid of record %d: %w", rec.ID, err)
	}
	rec.ObservedAt = rec.ObservedAt.UTC()
	rec.Grid = domain.Grid{
		Rows:         grid.Rows,
		Cols:         grid.Cols,
		Reflectivity: grid.Reflectivity,
		Bounds:       rec.Bounds,
	}
	return rec, true, nil
}

// Count returns the total number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM radar_scans").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %w", domain.ErrStoreUnavailable, err)
	}
	return n, nil
}

// gridPayload is the JSON stored in grid_data. Bounds are repeated from the
// row so the payload is self-describing for readers of the raw column.
type gridPayload struct {
	Rows         int         `json:"rows"`
	Cols         int         `json:"cols"`
	Reflectivity [][]float64 `json:"reflectivity"`
	MinLon       float64     `json:"min_lon"`
	MaxLon       float64     `json:"max_lon"`
	MinLat       float64     `json:"min_lat"`
	MaxLat       float64     `json:"max_lat"`
}

// connect pings until the database answers or the attempts run out.
func (s *Store) connect(ctx context.Context) error {
	backoff := s.backoff
	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err = s.db.PingContext(ctx); err == nil {
			return nil
		}
		if attempt == s.attempts {
			break
		}
		s.logger.Warn("record store not reachable, retrying",
			"attempt", attempt, "max_attempts", s.attempts, "backoff", backoff, "error", err)
		if !retry.SleepWithContext(ctx, backoff) {
			return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, ctx.Err())
		}
		backoff = retry.NextBackoff(backoff, maxBackoff)
	}
	return fmt.Errorf("%w: after %d attempts: %w", domain.ErrStoreUnavailable, s.attempts, err)
}

func (s *Store) applyPragmas(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != config.StoreDriverPostgres {
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
