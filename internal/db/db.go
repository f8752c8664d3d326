// Package db opens the configured database and applies the embedded schema.
package db

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"neonsched/internal/lock"
)

//go:embed schema_postgres.sql schema_sqlite.sql
var schemaFS embed.FS

func init() {
	// modernc registers as "sqlite", which sqlx's bind table does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to the database named by driver and dsn and verifies the
// connection.
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverPostgres:
		db, err := sqlx.Connect("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(16)
		db.SetConnMaxIdleTime(5 * time.Minute)
		return db, nil
	case DriverSQLite:
		db, err := sqlx.Connect("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite prefers a single writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA foreign_keys = ON",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlite pragma: %w", err)
			}
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// Migrate applies the embedded schema for the given driver. On postgres the
// migration is guarded by an advisory lock so concurrent replicas do not race.
func Migrate(ctx context.Context, db *sqlx.DB, driver string, locks lock.Manager, log zerolog.Logger) error {
	if err := locks.Acquire(ctx, lock.MigrationLock); err != nil {
		return err
	}
	defer locks.Release(ctx, lock.MigrationLock)

	name := "schema_sqlite.sql"
	if strings.EqualFold(driver, DriverPostgres) {
		name = "schema_postgres.sql"
	}
	schema, err := schemaFS.ReadFile(name)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.Info().Str("driver", driver).Msg("database schema applied")
	return nil
}
