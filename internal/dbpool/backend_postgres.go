package dbpool

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend adapts FluxForge's store.PostgresStore connection setup
// (pgxpool.ParseConfig + tuned pool limits) into a single-session Backend:
// the Connection Pool in this package owns the bounding/validation/FIFO
// logic, so each PostgresBackend wraps exactly one pgxpool.Pool sized to
// one logical connection.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend is a BackendFactory for Postgres endpoints.
func NewPostgresBackend(ctx context.Context, connString string) (Backend, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 1
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresBackend{pool: pool}, nil
}

// Probe runs a SELECT 1 health check.
func (b *PostgresBackend) Probe(ctx context.Context) error {
	var one int
	return b.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Close releases the underlying pgx pool.
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

// Exec runs a write query against this connection's session, used by
// internal/durable for migrations and backup restoration.
func (b *PostgresBackend) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := b.pool.Exec(ctx, sql, args...)
	return err
}

// Query runs a read query and scans each row via fn.
func (b *PostgresBackend) Query(ctx context.Context, sql string, fn func(scan func(dest ...interface{}) error) error, args ...interface{}) error {
	rows, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows.Scan); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetVersioned implements VersionedWriter by reading the TEXT value column
// of the generic key/value/version reconciliation_kv table.
func (b *PostgresBackend) GetVersioned(ctx context.Context, key string) (*VersionedValue, bool, error) {
	var value []byte
	var version int64
	err := b.pool.QueryRow(ctx,
		`SELECT value, version FROM reconciliation_kv WHERE key = $1`, key,
	).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &VersionedValue{Value: string(value), Version: version}, true, nil
}

// SetVersioned upserts a key's value and version, only when the new
// version is not older than what's stored (belt-and-braces alongside the
// caller-side version check in Degraded.Reconcile).
func (b *PostgresBackend) SetVersioned(ctx context.Context, key string, value VersionedValue) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO reconciliation_kv (key, value, version, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value, version = EXCLUDED.version, updated_at = NOW()
		WHERE reconciliation_kv.version <= EXCLUDED.version
	`, key, value.Value, value.Version)
	return err
}
