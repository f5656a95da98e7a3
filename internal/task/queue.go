package task

import (
	"container/heap"
	"sync"
	"time"
)

// Entry is what the priority queue actually holds: enough of a task's
// identity and ordering keys to sort it, without exposing the live Task
// pointer (the Task Registry remains the single source of truth for task
// state; the queue is purely an ordering index keyed by task id).
type Entry struct {
	TaskID   string
	Priority int // higher = more urgent (spec.md §3: "higher ⇒ earlier")

	// EnqueuedAt is reset every time this task-id re-enters the queue (fresh
	// submission and orphan re-queue alike). It is bookkeeping only; ordering
	// is keyed on Priority/OriginalSubmitTime/Deadline, never on how long an
	// entry has waited (spec.md §8 ordering law).
	EnqueuedAt time.Time

	// OriginalSubmitTime is the task's true submit-time, set once and never
	// refreshed; it is the tie-break key for equal priority, so an
	// earlier-submitted task keeps sorting ahead of a later one even after
	// an orphan re-queue gives it a fresh EnqueuedAt (spec.md §4.1).
	OriginalSubmitTime time.Time

	Deadline time.Time
}

// heapSlice implements container/heap.Interface over Entry values, keyed
// strictly on (priority desc, submit_time asc, deadline asc) per spec.md §8's
// ordering law: two co-resident entries at any instant must pop in strictly
// higher-priority-first order, never reordered by how long either has
// waited. EnqueuedAt is kept on Entry for diagnostics/re-queue bookkeeping
// only; it does not feed comparison.
type heapSlice []*Entry

func (h heapSlice) Len() int { return len(h) }

func (h heapSlice) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority // higher priority pops first
	}
	if !h[i].OriginalSubmitTime.Equal(h[j].OriginalSubmitTime) {
		return h[i].OriginalSubmitTime.Before(h[j].OriginalSubmitTime)
	}
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice) Push(x interface{}) {
	*h = append(*h, x.(*Entry))
}

func (h *heapSlice) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a concurrency-safe priority queue of pending task-ids, enforcing
// "a task appears in the priority queue at most once at any moment"
// (spec.md §3/§8) via an explicit membership set.
type Queue struct {
	mu      sync.Mutex
	h       heapSlice
	present map[string]struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{h: make(heapSlice, 0), present: make(map[string]struct{})}
}

// Push enqueues an entry. If the task id is already present, this is a
// no-op (enforces the at-most-once-in-queue invariant).
func (q *Queue) Push(e *Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.present[e.TaskID]; ok {
		return false
	}
	q.present[e.TaskID] = struct{}{}
	heap.Push(&q.h, e)
	return true
}

// Pop removes and returns the highest-urgency entry, or nil if empty.
func (q *Queue) Pop() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*Entry)
	delete(q.present, e.TaskID)
	return e
}

// Remove drops a task-id from the queue if present (used by cancel on a
// still-PENDING task). Returns true if it was removed.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.present[taskID]; !ok {
		return false
	}
	for i, e := range q.h {
		if e.TaskID == taskID {
			heap.Remove(&q.h, i)
			delete(q.present, taskID)
			return true
		}
	}
	return false
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Contains reports whether taskID is currently enqueued.
func (q *Queue) Contains(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.present[taskID]
	return ok
}

// PushDelayed pushes an entry after a delay, non-blocking, mirroring the
// re-queue-with-refreshed-submit-time step of the scheduling loop
// (spec.md §4.1 step 4).
func (q *Queue) PushDelayed(e *Entry, delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.Push(e)
	})
}
