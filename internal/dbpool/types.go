package dbpool

import "time"

// Endpoint is a configured database endpoint (spec.md §3).
type Endpoint struct {
	ID         string
	Name       string
	ConnString string
	Priority   int // lower = more preferred
	IsPrimary  bool

	// Runtime state, mutated only by the failover monitor.
	IsAvailable     bool
	LastHealthCheck time.Time
	FailureCount    int
	LastFailure     time.Time
	ResponseTime    time.Duration
}

// FailoverMode controls whether the policy loop may fail over on its own.
type FailoverMode string

const (
	ModeAutomatic     FailoverMode = "automatic"
	ModeSemiAutomatic FailoverMode = "semi_automatic"
	ModeManual        FailoverMode = "manual"
)

// FailoverPolicy is the rule deciding when the current endpoint is abandoned.
type FailoverPolicy string

const (
	PolicyFailureCount FailoverPolicy = "failure_count"
	PolicyResponseTime FailoverPolicy = "response_time"
	PolicyHealthCheck  FailoverPolicy = "health_check"
	PolicyCombined     FailoverPolicy = "combined"
)

// State is the Failover Manager's own state machine position (spec.md §4.7).
type State string

const (
	StatePrimary     State = "PRIMARY"
	StateFailingOver State = "FAILING_OVER"
	StateSecondary   State = "SECONDARY"
	StateRecovering  State = "RECOVERING"
)

// Event records one failover or recovery transition (spec.md §3).
type Event struct {
	EventID      string
	FromEndpoint string
	ToEndpoint   string
	Reason       string
	Timestamp    time.Time
	Duration     time.Duration
	Success      bool
	Metadata     map[string]string
}

// Config is the Failover Manager's configuration surface (spec.md §6).
type Config struct {
	Mode                  FailoverMode
	Policy                FailoverPolicy
	MaxFailureCount       int
	FailureTimeout        time.Duration
	ResponseTimeThreshold time.Duration
	HealthCheckInterval   time.Duration
	FailoverTimeout       time.Duration
	MaxRecoveryAttempts   int
	RecoveryCheckInterval time.Duration
}

// DefaultConfig returns conservative failover defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                  ModeAutomatic,
		Policy:                PolicyCombined,
		MaxFailureCount:       3,
		FailureTimeout:        30 * time.Second,
		ResponseTimeThreshold: 500 * time.Millisecond,
		HealthCheckInterval:   10 * time.Second,
		FailoverTimeout:       5 * time.Second,
		MaxRecoveryAttempts:   5,
		RecoveryCheckInterval: 15 * time.Second,
	}
}
