// Package scheduler implements the Scheduler: submit/cancel/get_result,
// the scheduling loop, and the task-timeout checker (spec.md §4.1).
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/core/internal/dispatch"
	"github.com/taskmesh/core/internal/errs"
	"github.com/taskmesh/core/internal/node"
	"github.com/taskmesh/core/internal/placement"
	"github.com/taskmesh/core/internal/retry"
	"github.com/taskmesh/core/internal/task"
	"github.com/taskmesh/core/internal/telemetry"
)

// nodeLoadCapThreshold is the load above which a node is excluded from
// candidacy regardless of health (spec.md §4.1 can_handle: "also requires
// node.current_load < 0.9").
const nodeLoadCapThreshold = 0.9

// Scheduler wires the Task Registry, Priority Queue, Placement Policy,
// Dispatch Pool and Retry Coordinator into the single logical scheduling
// loop described in spec.md §4.1/§5.
type Scheduler struct {
	cfg Config

	nodes    *node.Registry
	tasks    *task.Registry
	queue    *task.Queue
	timeline *task.Timeline

	strategy    placement.Strategy
	pool        *dispatch.Pool
	nodeLimiter *dispatch.NodeLimiter
	breaker     *dispatch.CircuitBreaker
	retryCoord  *retry.Coordinator
	dedup       *dispatch.IdempotencyGuard

	mu        sync.Mutex
	submitted int64

	stop     chan struct{}
	loopDone chan struct{}
	toDone   chan struct{}
}

// New constructs a Scheduler. The caller owns the lifetime of nodes (the
// Node Registry is shared with the health monitor).
func New(cfg Config, nodes *node.Registry) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		nodes:       nodes,
		tasks:       task.NewRegistry(),
		queue:       task.NewQueue(),
		timeline:    task.NewTimeline(),
		strategy:    placement.New(cfg.Strategy),
		pool:        dispatch.NewPool(cfg.MaxWorkers),
		nodeLimiter: dispatch.NewNodeLimiter(cfg.NodeDispatchRatePerSecond, cfg.NodeDispatchBurst),
		breaker:     dispatch.NewCircuitBreaker(cfg.CircuitBreakerQueueThreshold),
		retryCoord:  retry.NewCoordinator(cfg.RetryBaseWait),
		dedup:       dispatch.NewIdempotencyGuard(),
		stop:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		toDone:      make(chan struct{}),
	}
	s.retryCoord.SetCallback(s.onRetryDue)
	s.retryCoord.SetOnExhausted(s.onRetryExhausted)
	return s
}

// Submit inserts task t into the Task Registry and Priority Queue. Never
// blocks the caller (spec.md §4.1/§5).
func (s *Scheduler) Submit(t *task.Task) (string, error) {
	if t.Callable == nil {
		return "", errs.New(errs.InvalidArgument, "task.Callable must be non-nil")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now()
	t.Status = task.StatusPending
	t.SubmitTime = now

	s.tasks.Insert(t)
	s.queue.Push(&task.Entry{
		TaskID:             t.ID,
		Priority:           t.Priority,
		EnqueuedAt:         now,
		OriginalSubmitTime: now,
		Deadline:           t.Deadline,
	})

	s.mu.Lock()
	s.submitted++
	s.mu.Unlock()

	telemetry.TaskQueueDepth.Set(float64(s.queue.Len()))
	s.timeline.Record(t.ID, task.StageQueued, "")
	return t.ID, nil
}

// Timeline exposes the task lifecycle transition log for introspection.
func (s *Scheduler) Timeline() *task.Timeline {
	return s.timeline
}

// Cancel transitions task-id to CANCELLED if it is PENDING or RUNNING.
// COMPLETED/FAILED/CANCELLED tasks return false (idempotent: a second call
// always returns false, spec.md §5/§8).
func (s *Scheduler) Cancel(taskID string) bool {
	t, ok := s.tasks.Get(taskID)
	if !ok {
		return false
	}
	switch t.Status {
	case task.StatusPending:
		if !s.tasks.CompareAndSetStatus(taskID, task.StatusCancelled, task.StatusPending) {
			return false
		}
		s.queue.Remove(taskID)
		s.retryCoord.Forget(taskID)
		return true
	case task.StatusRunning:
		if !s.tasks.CompareAndSetStatus(taskID, task.StatusCancelled, task.StatusRunning) {
			return false
		}
		if t.AssignedNode != "" {
			s.nodes.CompleteTask(t.AssignedNode, taskID)
		}
		s.retryCoord.Forget(taskID)
		return true
	default:
		return false
	}
}

// GetResult blocks (polling at 50ms granularity) until task-id reaches a
// terminal status or timeout elapses.
func (s *Scheduler) GetResult(ctx context.Context, taskID string, timeout time.Duration) (interface{}, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		t, ok := s.tasks.Get(taskID)
		if !ok {
			return nil, errs.New(errs.NotFound, "unknown task id: "+taskID)
		}
		switch t.Status {
		case task.StatusCompleted:
			return t.Result, nil
		case task.StatusFailed:
			return nil, errs.Wrap(errs.TaskExecutionError, "task failed", fmt.Errorf("%s", t.Error))
		case task.StatusCancelled:
			return nil, errs.New(errs.TaskExecutionError, "task was cancelled")
		}

		if time.Now().After(deadline) {
			return nil, errs.New(errs.Timeout, "get_result timed out")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RegisterNode adds n to the Node Registry.
func (s *Scheduler) RegisterNode(n *node.Node) {
	s.nodes.Register(n)
}

// UnregisterNode removes node-id from the Node Registry and re-enqueues
// every task that was RUNNING on it as PENDING with node-id cleared
// (spec.md §4.1/§4.3, the only other backward transition besides retry).
func (s *Scheduler) UnregisterNode(nodeID string) bool {
	orphaned, ok := s.nodes.Unregister(nodeID)
	if !ok {
		return false
	}
	for _, taskID := range orphaned {
		t, ok := s.tasks.Get(taskID)
		if !ok || t.Status != task.StatusRunning {
			continue
		}
		if !s.tasks.CompareAndSetStatus(taskID, task.StatusPending, task.StatusRunning) {
			continue
		}
		s.tasks.Mutate(taskID, func(tt *task.Task) { tt.AssignedNode = "" })
		s.queue.Push(&task.Entry{
			TaskID:             taskID,
			Priority:           t.Priority,
			EnqueuedAt:         time.Now(),
			OriginalSubmitTime: t.SubmitTime,
			Deadline:           t.Deadline,
		})
	}
	return true
}

// ReassignOrphans re-queues every task RUNNING on nodeID as PENDING with
// node-id cleared, without removing the node record itself (used when the
// health monitor marks a node FAILED: spec.md §4.2/§8 scenario 6, distinct
// from UnregisterNode which also deletes the node).
func (s *Scheduler) ReassignOrphans(nodeID string) {
	for _, taskID := range s.nodes.ClearTasks(nodeID) {
		t, ok := s.tasks.Get(taskID)
		if !ok || t.Status != task.StatusRunning {
			continue
		}
		if !s.tasks.CompareAndSetStatus(taskID, task.StatusPending, task.StatusRunning) {
			continue
		}
		s.tasks.Mutate(taskID, func(tt *task.Task) { tt.AssignedNode = "" })
		s.queue.Push(&task.Entry{
			TaskID:             taskID,
			Priority:           t.Priority,
			EnqueuedAt:         time.Now(),
			OriginalSubmitTime: t.SubmitTime,
			Deadline:           t.Deadline,
		})
	}
}

// Status aggregates counts and current configuration for system_status().
type Status struct {
	Submitted  int64
	Pending    int
	Running    int
	Completed  int
	Failed     int
	Cancelled  int
	QueueDepth int
	Strategy   placement.StrategyName
}

// SystemStatus returns aggregate counts and current strategy.
func (s *Scheduler) SystemStatus() Status {
	counts := s.tasks.Counts()
	s.mu.Lock()
	submitted := s.submitted
	s.mu.Unlock()
	return Status{
		Submitted:  submitted,
		Pending:    counts[task.StatusPending],
		Running:    counts[task.StatusRunning],
		Completed:  counts[task.StatusCompleted],
		Failed:     counts[task.StatusFailed],
		Cancelled:  counts[task.StatusCancelled],
		QueueDepth: s.queue.Len(),
		Strategy:   s.cfg.Strategy,
	}
}

// canHandle implements spec.md §4.1: every required capability satisfied
// and node.current_load < 0.9.
func canHandle(t task.Task, n node.Node) bool {
	for capKey, req := range t.RequiredResources {
		if req.IsNumeric {
			val, ok := n.Resources[capKey]
			if !ok || val < req.Numeric {
				return false
			}
			continue
		}
		cap, ok := n.Capabilities[capKey]
		if !ok || cap.IsScalar {
			return false
		}
		if _, present := cap.Set[req.String]; !present {
			return false
		}
	}
	return n.CurrentLoad < nodeLoadCapThreshold
}

func (s *Scheduler) candidates(t task.Task) []node.Node {
	all := s.nodes.Snapshot()
	out := make([]node.Node, 0, len(all))
	for _, n := range all {
		if n.Status == node.StatusAvailable && canHandle(t, n) {
			out = append(out, n)
		}
	}
	return out
}

// Start launches the scheduling loop and the task-timeout checker.
func (s *Scheduler) Start() {
	s.retryCoord.Start(1 * time.Second)
	go s.schedulingLoop()
	go s.timeoutChecker()
}

// Stop signals both background loops to exit and waits for in-flight
// dispatches to drain (spec.md §5 graceful shutdown).
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.loopDone
	<-s.toDone
	s.retryCoord.Stop()
	s.pool.Wait()
}

func (s *Scheduler) schedulingLoop() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		s.loopOnce()
	}
}

func (s *Scheduler) loopOnce() {
	entry := s.queue.Pop()
	if entry == nil {
		time.Sleep(s.cfg.LoopIdleWait)
		return
	}
	telemetry.TaskQueueDepth.Set(float64(s.queue.Len()))

	t, ok := s.tasks.Get(entry.TaskID)
	if !ok || t.Status != task.StatusPending {
		return
	}

	if !s.pool.TryAcquire() {
		s.queue.PushDelayed(entry, 50*time.Millisecond)
		return
	}

	cands := s.candidates(t)
	if len(cands) == 0 {
		s.pool.Release()
		entry.EnqueuedAt = time.Now()
		s.queue.PushDelayed(entry, s.cfg.LoopIdleWait)
		telemetry.SchedulerDecisions.WithLabelValues("requeue_no_candidates").Inc()
		return
	}

	telemetry.WorkerSaturation.Set(s.pool.Saturation())
	if !s.breaker.ShouldAdmit(s.queue.Len(), s.pool.Saturation()) {
		s.pool.Release()
		s.queue.PushDelayed(entry, 200*time.Millisecond)
		telemetry.SchedulerDecisions.WithLabelValues("circuit_breaker_delay").Inc()
		return
	}
	telemetry.DispatchCircuitState.Set(float64(s.breaker.State()))

	chosen := s.strategy.Select(t, cands)

	if !s.nodeLimiter.Allow(chosen.ID) {
		s.pool.Release()
		s.queue.PushDelayed(entry, 100*time.Millisecond)
		telemetry.SchedulerDecisions.WithLabelValues("rate_limit_delay").Inc()
		return
	}

	if !s.tasks.CompareAndSetStatus(t.ID, task.StatusRunning, task.StatusPending) {
		s.pool.Release()
		return
	}
	now := time.Now()
	s.tasks.Mutate(t.ID, func(tt *task.Task) {
		tt.StartTime = now
		tt.AssignedNode = chosen.ID
	})
	if err := s.nodes.AssignTask(chosen.ID, t.ID); err != nil {
		log.Printf("scheduler: assign to node %s failed: %v", chosen.ID, err)
	}
	telemetry.SchedulerDecisions.WithLabelValues("dispatch").Inc()
	s.timeline.Record(t.ID, task.StageScheduled, chosen.ID)
	s.timeline.Record(t.ID, task.StageWorkerAssigned, chosen.ID)

	s.pool.RunAcquired(func() {
		s.execute(t.ID, chosen.ID)
	})
}

func (s *Scheduler) execute(taskID, nodeID string) {
	t, ok := s.tasks.Get(taskID)
	if !ok {
		return
	}

	dedupKey := fmt.Sprintf("%s:%d", taskID, t.Attempt)
	if !s.dedup.Claim(dedupKey) {
		// A racing dispatch already claimed this exact attempt; this one
		// must not re-run the callable's side effects.
		return
	}
	defer s.dedup.Release(dedupKey)

	s.timeline.Record(taskID, task.StageExecStarted, nodeID)
	start := time.Now()
	result, err := s.invoke(t)
	telemetry.TaskRuntimeSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		s.onTaskFailure(taskID, nodeID, err)
		return
	}
	s.onTaskSuccess(taskID, nodeID, result)
}

func (s *Scheduler) invoke(t task.Task) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task callable panicked: %v", r)
		}
	}()
	return t.Callable(t.Args, t.Kwargs)
}

func (s *Scheduler) onTaskSuccess(taskID, nodeID string, result interface{}) {
	s.nodes.CompleteTask(nodeID, taskID)
	if !s.tasks.CompareAndSetStatus(taskID, task.StatusCompleted, task.StatusRunning) {
		// Raced with a cancel; discard the late result (spec.md §4.1 cancel:
		// "the actual result, if it later arrives, is discarded").
		return
	}
	s.tasks.Mutate(taskID, func(tt *task.Task) {
		tt.Result = result
		tt.CompleteTime = time.Now()
	})
	s.retryCoord.Forget(taskID)
	s.timeline.Record(taskID, task.StageExecFinished, nodeID)
}

func (s *Scheduler) onTaskFailure(taskID, nodeID string, execErr error) {
	s.nodes.CompleteTask(nodeID, taskID)

	if _, ok := s.tasks.Get(taskID); !ok {
		return
	}

	if s.cfg.MaxRetries <= 0 {
		s.markFailed(taskID, execErr)
		return
	}

	if !s.tasks.CompareAndSetStatus(taskID, task.StatusPending, task.StatusRunning) {
		// Already cancelled; nothing to retry.
		return
	}
	s.tasks.Mutate(taskID, func(tt *task.Task) {
		tt.Error = execErr.Error()
		tt.AssignedNode = ""
	})
	s.retryCoord.RecordFailure(taskID, nodeID, node.FailureUnknown, s.cfg.MaxRetries)
}

func (s *Scheduler) markFailed(taskID string, execErr error) {
	if !s.tasks.CompareAndSetStatus(taskID, task.StatusFailed, task.StatusRunning) {
		return
	}
	s.tasks.Mutate(taskID, func(tt *task.Task) {
		tt.Error = execErr.Error()
		tt.CompleteTime = time.Now()
	})
	s.retryCoord.Forget(taskID)
	s.timeline.Record(taskID, task.StageFailed, "")
}

// onRetryDue is the Retry Coordinator's Callback: re-enqueue the
// (already-PENDING) task for another attempt.
func (s *Scheduler) onRetryDue(taskID, _ string, _ int) {
	t, ok := s.tasks.Get(taskID)
	if !ok || t.Status != task.StatusPending {
		return
	}
	s.tasks.Mutate(taskID, func(tt *task.Task) { tt.Attempt++ })
	telemetry.TaskRetries.Inc()
	s.timeline.Record(taskID, task.StageRetried, "")
	s.queue.Push(&task.Entry{
		TaskID:             taskID,
		Priority:           t.Priority,
		EnqueuedAt:         time.Now(),
		OriginalSubmitTime: t.SubmitTime,
		Deadline:           t.Deadline,
	})
}

// onRetryExhausted marks a task FAILED once its retry budget is spent.
func (s *Scheduler) onRetryExhausted(taskID, _ string) {
	if t, ok := s.tasks.Get(taskID); !ok || t.Status.Terminal() {
		return
	}
	s.queue.Remove(taskID)
	if !s.tasks.CompareAndSetStatus(taskID, task.StatusFailed, task.StatusPending) {
		return
	}
	s.tasks.Mutate(taskID, func(tt *task.Task) {
		tt.CompleteTime = time.Now()
		if tt.Error == "" {
			tt.Error = "max retries exceeded"
		}
	})
	telemetry.TaskPermanentFailures.Inc()
}

func (s *Scheduler) timeoutChecker() {
	defer close(s.toDone)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkTimeouts()
		}
	}
}

// checkTimeouts cancels any RUNNING task whose execution has exceeded
// task_timeout (spec.md §4.1).
func (s *Scheduler) checkTimeouts() {
	now := time.Now()
	for _, t := range s.tasks.Snapshot() {
		if t.Status != task.StatusRunning {
			continue
		}
		if now.Sub(t.StartTime) > s.cfg.TaskTimeout {
			s.Cancel(t.ID)
			telemetry.SchedulerDecisions.WithLabelValues("timeout_cancel").Inc()
		}
	}
}
