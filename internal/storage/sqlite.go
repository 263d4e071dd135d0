package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the journal schema this build writes, kept in PRAGMA user_version.
const SchemaVersion = len(migrations)

// migrations[i] upgrades a database from user_version i to i+1.
var migrations = [...][]string{
	{
		`CREATE TABLE IF NOT EXISTS call_log (
  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id      TEXT NOT NULL,
  call_id     INTEGER NOT NULL,
  module      TEXT NOT NULL,
  fn          TEXT NOT NULL,
  worker_id   TEXT NOT NULL,
  status      TEXT NOT NULL,
  error       TEXT,
  issued_at   TEXT NOT NULL,
  settled_at  TEXT NOT NULL,
  duration_us INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS call_log_module_settled_at_idx ON call_log(module, settled_at);`,
		`CREATE INDEX IF NOT EXISTS call_log_run_call_idx ON call_log(run_id, call_id);`,
	},
}

// ErrSchemaTooNew means the database was written by a newer build.
var ErrSchemaTooNew = errors.New("journal schema is newer than this build")

// Pragmas applied to every pooled connection. WAL lets `calls` read while
// the server writes.
const dsnPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// OpenSQLite opens or creates the journal database at path and migrates it to
// SchemaVersion. path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if err := RequireLocal(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies pending migrations, each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	current, err := userVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > SchemaVersion {
		return fmt.Errorf("%w: database is at %d, build knows %d", ErrSchemaTooNew, current, SchemaVersion)
	}
	for v := current; v < SchemaVersion; v++ {
		if err := applyMigration(ctx, db, v); err != nil {
			return fmt.Errorf("migrate sqlite to version %d: %w", v+1, err)
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, from int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migrations[from] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", from+1)); err != nil {
		return err
	}
	return tx.Commit()
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
