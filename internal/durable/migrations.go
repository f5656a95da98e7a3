// Package durable implements the core's only mandated persisted schema
// (spec.md §6): a migration-record table tracking applied versions, and
// backup manifest read/write/restore routed through a dbpool.Backend.
package durable

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationsDir = "migrations"

// ApplyMigrations runs every pending goose migration against connString,
// then reconciles the mandated migration_records table (version,
// description, applied_at, checksum) against what goose actually applied —
// goose's own bookkeeping table is an implementation detail, this one is
// the schema the core's spec fixes.
func ApplyMigrations(ctx context.Context, connString string) error {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("durable: open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("durable: set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("durable: apply migrations: %w", err)
	}

	return recordAppliedMigrations(ctx, db)
}

// AppliedMigration is one row of the mandated migration_records table.
type AppliedMigration struct {
	Version     int64
	Description string
	Checksum    string
}

// ListAppliedMigrations reads back migration_records, newest first.
func ListAppliedMigrations(ctx context.Context, connString string) ([]AppliedMigration, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("durable: open migration connection: %w", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT version, description, checksum FROM migration_records
		ORDER BY version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("durable: list migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.Description, &m.Checksum); err != nil {
			return nil, fmt.Errorf("durable: scan migration record: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// recordAppliedMigrations mirrors goose's migration list into
// migration_records with a content checksum, creating the table first via
// the 00001 migration (already applied by the time this runs).
func recordAppliedMigrations(ctx context.Context, db *sql.DB) error {
	migrations, err := goose.CollectMigrations(migrationsDir, 0, goose.MaxVersion)
	if err != nil {
		return fmt.Errorf("durable: collect migrations: %w", err)
	}

	for _, m := range migrations {
		source, err := migrationFiles.ReadFile(m.Source)
		if err != nil {
			return fmt.Errorf("durable: read migration source %s: %w", m.Source, err)
		}
		sum := sha256.Sum256(source)
		checksum := hex.EncodeToString(sum[:])

		_, err = db.ExecContext(ctx, `
			INSERT INTO migration_records (version, description, checksum)
			VALUES ($1, $2, $3)
			ON CONFLICT (version) DO NOTHING
		`, m.Version, m.Source, checksum)
		if err != nil {
			return fmt.Errorf("durable: record migration %d: %w", m.Version, err)
		}
	}
	return nil
}
