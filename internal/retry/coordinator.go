// Package retry implements the Retry Coordinator: bookkeeping that
// schedules and drives the next attempt of a task whose last execution
// failed, with a jittered backoff whose delay grows linearly with the
// retry count.
package retry

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/taskmesh/core/internal/node"
)

// Callback resubmits a failed task. Invoked with (task-id, last-node-id,
// retry-count); failures are logged and swallowed (spec.md §6).
type Callback func(taskID, lastNodeID string, retryCount int)

// ExhaustedCallback is invoked once a task's retry record is purged after
// reaching max_retries, so the owner can mark the task permanently FAILED.
type ExhaustedCallback func(taskID, lastNodeID string)

// Record is the Task-Failure Record bookkeeping entry for one task.
type Record struct {
	TaskID        string
	LastNodeID    string
	FailureType   node.FailureType
	FailureTime   time.Time
	RetryCount    int
	MaxRetries    int
	NextRetryTime time.Time
}

// Coordinator tracks outstanding retry records and periodically invokes the
// user-provided callback for those whose next_retry_time has arrived.
type Coordinator struct {
	mu          sync.Mutex
	records     map[string]*Record
	callback    Callback
	onExhausted ExhaustedCallback

	baseDelay time.Duration // backoff base, spec default: 2 seconds equivalent

	permanentFailures int

	stop chan struct{}
	done chan struct{}
}

// NewCoordinator constructs a Coordinator whose periodic worker, after
// firing a record, sets next_retry_time = now + base*retry_count +
// U[0, 0.1*base*retry_count] with base = baseDelay (a 2s base gives delays
// of about 2s, 4s, 6s, ...).
func NewCoordinator(baseDelay time.Duration) *Coordinator {
	return &Coordinator{
		records:   make(map[string]*Record),
		baseDelay: baseDelay,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SetCallback installs the retry callback invoked for eligible records.
func (c *Coordinator) SetCallback(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

// SetOnExhausted installs the hook invoked when a record is purged after
// reaching max_retries.
func (c *Coordinator) SetOnExhausted(fn ExhaustedCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onExhausted = fn
}

// RecordFailure registers a Task-Failure Record for taskID.
// If a record already exists it is left as-is (the coordinator, not the
// caller, advances retry_count).
func (c *Coordinator) RecordFailure(taskID, lastNodeID string, ft node.FailureType, maxRetries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[taskID]; exists {
		return
	}
	now := time.Now()
	c.records[taskID] = &Record{
		TaskID:        taskID,
		LastNodeID:    lastNodeID,
		FailureType:   ft,
		FailureTime:   now,
		RetryCount:    0,
		MaxRetries:    maxRetries,
		NextRetryTime: now,
	}
}

// Forget removes any retry record for taskID (used on cancel/terminal
// transitions outside of the retry path).
func (c *Coordinator) Forget(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, taskID)
}

// PermanentFailures returns the count of records purged for exceeding
// max_retries.
func (c *Coordinator) PermanentFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permanentFailures
}

// Pending returns the number of outstanding (not yet exhausted) records.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// tick runs one pass over eligible records: now >= next_retry_time and
// retry_count < max_retries (spec.md §4.2). The callback and onExhausted
// hook are invoked strictly outside the lock.
func (c *Coordinator) tick() {
	now := time.Now()

	type fire struct {
		taskID, lastNodeID string
		retryCount         int
	}
	type exhausted struct {
		taskID, lastNodeID string
	}

	c.mu.Lock()
	var toFire []fire
	var toExhaust []exhausted
	base := c.baseDelay.Seconds()
	for id, r := range c.records {
		// A record already at max_retries from a prior tick is purged here
		// without firing again this pass: firing it and exhausting it in the
		// same tick would let the final retry callback run as a no-op once
		// onExhausted already marks the task FAILED (spec.md §4.2).
		if r.RetryCount >= r.MaxRetries {
			toExhaust = append(toExhaust, exhausted{id, r.LastNodeID})
			delete(c.records, id)
			c.permanentFailures++
			continue
		}
		if now.Before(r.NextRetryTime) {
			continue
		}
		toFire = append(toFire, fire{id, r.LastNodeID, r.RetryCount})
		r.RetryCount++
		jitter := rand.Float64() * 0.1 * base * float64(r.RetryCount)
		delaySeconds := base*float64(r.RetryCount) + jitter
		r.NextRetryTime = now.Add(time.Duration(delaySeconds * float64(time.Second)))
	}
	cb := c.callback
	onExhausted := c.onExhausted
	c.mu.Unlock()

	if onExhausted != nil {
		for _, e := range toExhaust {
			onExhausted(e.taskID, e.lastNodeID)
		}
	}

	if cb == nil {
		return
	}
	for _, f := range toFire {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("retry callback panicked for task %s: %v", f.taskID, rec)
				}
			}()
			cb(f.taskID, f.lastNodeID, f.retryCount)
		}()
	}
}

// Start launches the periodic retry worker (~1s interval per spec.md
// §4.2). It never propagates errors to the process; panics in the
// callback are recovered and logged.
func (c *Coordinator) Start(interval time.Duration) {
	go func() {
		defer close(c.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-t.C:
				c.tick()
			}
		}
	}()
}

// Stop signals the retry worker to exit and waits for it to do so.
func (c *Coordinator) Stop() {
	close(c.stop)
	<-c.done
}
