package node

import (
	"sync"
	"time"

	"github.com/taskmesh/core/internal/errs"
)

// loadStep is the fractional load change applied per task assignment or
// completion (spec.md §3: "each assignment adds ≈0.1, each completion
// subtracts ≈0.1, clamped").
const loadStep = 0.1

// busyThreshold is the load at or above which a node is marked BUSY.
const busyThreshold = 0.8

// loadEpsilon absorbs floating-point drift from repeated loadStep additions
// (eight steps of 0.1 sum to 0.7999...), so threshold checks match the
// intended step counts.
const loadEpsilon = 1e-9

// Registry is the authoritative in-memory node-id -> Node map, protected by
// a single reentrant-by-convention mutex (Go mutexes aren't reentrant, so
// every method below acquires it exactly once and never calls itself).
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewRegistry constructs an empty node registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*Node)}
}

// Register adds or replaces a node record.
func (r *Registry) Register(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID] = n
}

// Unregister removes a node and returns the set of task-ids that were
// RUNNING on it at the time of removal, so the caller (scheduler) can
// re-queue them. Returns (nil, false) if the node is unknown.
func (r *Registry) Unregister(id string) ([]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	orphaned := make([]string, 0, len(n.TaskSet))
	for taskID := range n.TaskSet {
		orphaned = append(orphaned, taskID)
	}
	delete(r.nodes, id)
	return orphaned, true
}

// Get returns a snapshot copy of the node record (never a live pointer into
// the map) so callers can inspect it without holding the registry lock.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	return snapshot(n), true
}

// Snapshot returns a copy of every node currently registered.
func (r *Registry) Snapshot() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, snapshot(n))
	}
	return out
}

func snapshot(n *Node) Node {
	cp := *n
	cp.TaskSet = make(map[string]struct{}, len(n.TaskSet))
	for k := range n.TaskSet {
		cp.TaskSet[k] = struct{}{}
	}
	cp.Capabilities = make(map[string]Capability, len(n.Capabilities))
	for k, v := range n.Capabilities {
		cp.Capabilities[k] = v
	}
	cp.Resources = make(map[string]float64, len(n.Resources))
	for k, v := range n.Resources {
		cp.Resources[k] = v
	}
	return cp
}

// AssignTask marks taskID as running on node id: adds it to the task-set and
// increases load by loadStep (clamped to 1.0), promoting to BUSY at the
// configured threshold.
func (r *Registry) AssignTask(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return errs.New(errs.NotFound, "node not found: "+id)
	}
	n.TaskSet[taskID] = struct{}{}
	n.CurrentLoad = clampLoad(n.CurrentLoad + loadStep)
	if n.CurrentLoad >= busyThreshold-loadEpsilon {
		n.Status = StatusBusy
	}
	return nil
}

// CompleteTask removes taskID from the node's task-set and reduces load by
// loadStep (clamped to 0), demoting BUSY back to AVAILABLE once load drops
// below the busy threshold. A no-op if taskID was not in the task-set: a
// cancelled/timed-out RUNNING task is cleared cooperatively (ClearTasks or
// the cancel path), and its callable's eventual completion calls this again
// with a taskID already absent, which must not double-decrement load.
func (r *Registry) CompleteTask(id, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return
	}
	if _, present := n.TaskSet[taskID]; !present {
		return
	}
	delete(n.TaskSet, taskID)
	n.CurrentLoad = clampLoad(n.CurrentLoad - loadStep)
	if n.Status == StatusBusy && n.CurrentLoad < busyThreshold-loadEpsilon {
		n.Status = StatusAvailable
	}
}

// ClearTasks empties a node's task-set and zeroes its load without removing
// the node record, returning the task-ids that were running on it. Used
// when a node transitions to FAILED: its tasks are orphaned for
// re-queueing but the node record survives so it can recover later
// (spec.md §4.2/§8 scenario 6).
func (r *Registry) ClearTasks(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(n.TaskSet))
	for taskID := range n.TaskSet {
		out = append(out, taskID)
	}
	n.TaskSet = make(map[string]struct{})
	n.CurrentLoad = 0
	return out
}

// SetStatus sets a node's status directly. Used by the health monitor; node
// status transitions are serialized per-node by virtue of this single lock.
func (r *Registry) SetStatus(id string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.Status = status
	}
}

// Touch records a fresh heartbeat receive time for id, creating the record
// if it is not yet known (per spec.md §4.2 heartbeat remote handler:
// "create/update that peer's record").
func (r *Registry) Touch(id string, receivedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		n = NewNode(id, id, "", 0)
		r.nodes[id] = n
	}
	n.LastHeartbeat = receivedAt
}

// RecordFailure increments the consecutive/total failure counters for id and
// returns the updated snapshot, or (Node{}, false) if unknown.
func (r *Registry) RecordFailure(id string, ft FailureType, at time.Time) (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, false
	}
	n.ConsecutiveFailures++
	n.TotalFailures++
	n.LastFailureTime = at
	n.LastFailureType = ft
	return snapshot(n), true
}

// ResetFailures zeroes the consecutive-failure/recovery-attempt counters,
// used on a successful recovery back to ACTIVE.
func (r *Registry) ResetFailures(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[id]; ok {
		n.ConsecutiveFailures = 0
		n.RecoveryAttempts = 0
	}
}

// IncrementRecoveryAttempts bumps recovery_attempts and returns the new count.
func (r *Registry) IncrementRecoveryAttempts(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return 0
	}
	n.RecoveryAttempts++
	return n.RecoveryAttempts
}

// Exists reports whether id is currently registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}
