package scheduler

import (
	"time"

	"github.com/taskmesh/core/internal/placement"
)

// Config holds the scheduler's configuration surface (spec.md §6).
type Config struct {
	Strategy placement.StrategyName

	MaxWorkers int

	TaskTimeout   time.Duration // auto-cancel RUNNING tasks after this long
	CheckInterval time.Duration // scheduling-loop idle-retry interval
	LoopIdleWait  time.Duration

	MaxNodeFailures     int // consecutive failures to promote INACTIVE -> FAILED
	MaxRecoveryAttempts int
	RecoveryBackoffBase time.Duration

	MaxRetries    int
	RetryBaseWait time.Duration

	CircuitBreakerQueueThreshold int
	NodeDispatchRatePerSecond    float64
	NodeDispatchBurst            int
}

// DefaultConfig returns sensible production defaults per spec.md §6.
func DefaultConfig() Config {
	return Config{
		Strategy:                     placement.ResourceAware,
		MaxWorkers:                   10,
		TaskTimeout:                  5 * time.Minute,
		CheckInterval:                1 * time.Second,
		LoopIdleWait:                 1 * time.Second,
		MaxNodeFailures:              3,
		MaxRecoveryAttempts:          5,
		RecoveryBackoffBase:          2 * time.Second,
		MaxRetries:                   5,
		RetryBaseWait:                2 * time.Second,
		CircuitBreakerQueueThreshold: 1000,
		NodeDispatchRatePerSecond:    50,
		NodeDispatchBurst:            20,
	}
}
