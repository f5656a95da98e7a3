// Package dbpool implements the Connection Pool and Failover Manager
// (spec.md §4.6/§4.7): a validated, bounded pool of database backend
// sessions per endpoint, with traffic transparently moved between
// endpoints on policy trigger.
package dbpool

import "context"

// Backend wraps one database backend session. Concrete implementations
// (PostgresBackend, RedisBackend) adapt FluxForge's store.PostgresStore /
// store.RedisStore connection-management code to this narrower contract.
type Backend interface {
	// Probe runs a cheap health check ("SELECT 1" semantics).
	Probe(ctx context.Context) error
	// Close releases the backend session.
	Close() error
}

// BackendFactory yields a new Backend session for a given endpoint
// connection string.
type BackendFactory func(ctx context.Context, connString string) (Backend, error)
