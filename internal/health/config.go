// Package health implements the Heartbeat & Health Monitor / Fault
// Tolerance subsystem: node liveness classification, failure counting, and
// recovery-strategy dispatch (spec.md §4.2).
package health

import "time"

// Config holds the health monitor's configuration surface (spec.md §6).
type Config struct {
	HeartbeatInterval time.Duration // H, emission period (default ~10s)
	HeartbeatTimeout  time.Duration // liveness cutoff; stale at 2x this

	MaxNodeFailures     int // consecutive failures: INACTIVE -> FAILED
	MaxRecoveryAttempts int
	RecoveryBackoffBase time.Duration
}

// DefaultConfig returns spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   10 * time.Second,
		HeartbeatTimeout:    10 * time.Second,
		MaxNodeFailures:     3,
		MaxRecoveryAttempts: 5,
		RecoveryBackoffBase: 2 * time.Second,
	}
}
