package store

import (
	"context"
	"database/sql"

	"github.com/couchcryptid/storm-radar-service/internal/config"
	"github.com/couchcryptid/storm-radar-service/internal/domain"
)

// dialect holds the column types that differ between PostgreSQL and SQLite.
type dialect struct {
	serialPK  string
	timestamp string
	json      string
	float     string
}

var dialects = map[string]dialect{
	config.StoreDriverPostgres: {
		serialPK:  "BIGSERIAL PRIMARY KEY",
		timestamp: "TIMESTAMPTZ",
		json:      "JSONB",
		float:     "DOUBLE PRECISION",
	},
	config.StoreDriverSQLite: {
		serialPK:  "INTEGER PRIMARY KEY AUTOINCREMENT",
		timestamp: "TIMESTAMP",
		json:      "TEXT",
		float:     "REAL",
	},
}

func (s *Store) migrate(ctx context.Context) (err error) {
	d := dialects[s.driver]

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at `+d.timestamp+` NOT NULL
)`); err != nil {
		return err
	}

	var version int
	if err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return err
	}
	if version < 1 {
		if err = applyV1(ctx, tx, d); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, s.rebind(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (1, ?) ON CONFLICT DO NOTHING"),
			domain.Now()); err != nil {
			return err
		}
		s.logger.Info("record store migrated", "version", 1)
	}
	return tx.Commit()
}

func applyV1(ctx context.Context, tx *sql.Tx, d dialect) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS radar_scans (
			id ` + d.serialPK + `,
			radar_id TEXT NOT NULL,
			scan_time ` + d.timestamp + ` NOT NULL,
			grid_data ` + d.json + ` NOT NULL,
			min_lon ` + d.float + ` NOT NULL,
			max_lon ` + d.float + ` NOT NULL,
			min_lat ` + d.float + ` NOT NULL,
			max_lat ` + d.float + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS radar_scans_radar_time_idx ON radar_scans (radar_id, scan_time)`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
