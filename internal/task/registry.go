package task

import (
	"sync"

	"github.com/taskmesh/core/internal/errs"
)

// Registry is the authoritative in-memory task-id -> Task map.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry constructs an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*Task)}
}

// Insert adds a new task record.
func (r *Registry) Insert(t *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

// Get returns a snapshot copy of the task, or (Task{}, false) if unknown.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// Mutate applies fn to the live task record under the registry lock and
// returns false if id is unknown. fn must not block or call back into the
// registry (spec.md §5: never hold a lock across a user callback).
func (r *Registry) Mutate(id string, fn func(*Task)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	fn(t)
	return true
}

// CompareAndSetStatus transitions id from one of `from` to `to`, returning
// false if the task is unknown or not currently in an accepted `from`
// status. Used to make cancel/assign/complete idempotent and race-free.
func (r *Registry) CompareAndSetStatus(id string, to Status, from ...Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return false
	}
	ok = len(from) == 0
	for _, f := range from {
		if t.Status == f {
			ok = true
			break
		}
	}
	if !ok {
		return false
	}
	t.Status = to
	return true
}

// Snapshot returns a copy of every task record.
func (r *Registry) Snapshot() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Counts tallies tasks by status, for system_status().
func (r *Registry) Counts() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Status]int)
	for _, t := range r.tasks {
		out[t.Status]++
	}
	return out
}

// ErrUnknownTask is returned when an operation references an unregistered
// task id.
var ErrUnknownTask = errs.New(errs.NotFound, "unknown task id")
