// Package task owns the Task Registry and Priority Queue: the bookkeeping
// and ordering for units of work submitted to the scheduler.
package task

import "time"

// Status is a task's position in the state machine of spec.md §4.3.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RequiredResource is a single capability requirement, either a numeric
// floor or a member of a string-valued set.
type RequiredResource struct {
	IsNumeric bool
	Numeric   float64
	String    string
}

// Callable is the injected task body: a pure function-like reference that
// returns a result or an error (spec.md §6 "Task callable").
type Callable func(args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// Task is the in-memory record for one unit of work.
type Task struct {
	ID          string
	DisplayName string
	Callable    Callable
	Args        []interface{}
	Kwargs      map[string]interface{}

	Priority int // higher = more urgent, pops first
	Deadline time.Time

	SubmitTime   time.Time
	StartTime    time.Time
	CompleteTime time.Time

	Status       Status
	Result       interface{}
	Error        string
	AssignedNode string // nullable: "" means unassigned

	EstimatedDuration time.Duration
	RequiredResources map[string]RequiredResource

	Attempt int
}

// Clone returns a value copy safe to hand to a caller outside the registry
// lock (result/error are value types so a shallow copy suffices, except for
// the maps which are copied explicitly).
func (t *Task) Clone() Task {
	cp := *t
	cp.RequiredResources = make(map[string]RequiredResource, len(t.RequiredResources))
	for k, v := range t.RequiredResources {
		cp.RequiredResources[k] = v
	}
	cp.Kwargs = make(map[string]interface{}, len(t.Kwargs))
	for k, v := range t.Kwargs {
		cp.Kwargs[k] = v
	}
	return cp
}
