package dbpool

import (
	"log"
	"sync"
	"time"

	"github.com/taskmesh/core/internal/telemetry"
)

// maxCacheSize and maxPendingWrites bound memory in degraded mode, adapted
// from FluxForge's resilience/degraded_mode.go caps.
const (
	maxCacheSize     = 10000
	maxPendingWrites = 10000
	staleWriteAge    = 5 * time.Minute
)

// cacheEntry tracks last access for LRU eviction.
type cacheEntry struct {
	value      interface{}
	lastAccess time.Time
}

// pendingWrite is a write made while every endpoint was unreachable,
// awaiting reconciliation against whichever endpoint recovers first.
type pendingWrite struct {
	key        string
	value      interface{}
	version    int64
	recordedAt time.Time
	reconciled bool
}

// Degraded is an in-memory fallback cache: reads are served from a bounded
// LRU, writes are queued with a monotonic version for later reconciliation
// (grounded on resilience/degraded_mode.go). The Failover Manager owns one
// and exposes it via Manager.Degraded(); BorrowWithFailover does not
// consult it, and the manager never calls Enter or Exit itself.
type Degraded struct {
	mu sync.Mutex

	active      bool
	cache       map[string]*cacheEntry
	queue       []pendingWrite
	nextVersion int64
}

// NewDegraded constructs an empty degraded-mode cache.
func NewDegraded() *Degraded {
	return &Degraded{cache: make(map[string]*cacheEntry)}
}

// Active reports whether the manager currently considers itself degraded.
func (d *Degraded) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Enter marks degraded mode active (no endpoint currently reachable).
func (d *Degraded) Enter() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.active {
		log.Printf("dbpool: entering degraded mode, no endpoint reachable")
		d.active = true
		telemetry.DegradedModeActive.Set(1)
	}
}

// Exit marks degraded mode inactive (an endpoint became reachable again).
func (d *Degraded) Exit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active {
		log.Printf("dbpool: exiting degraded mode")
		d.active = false
		telemetry.DegradedModeActive.Set(0)
	}
}

// Get reads key from the local cache.
func (d *Degraded) Get(key string) (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.cache[key]
	if !ok {
		return nil, false
	}
	e.lastAccess = time.Now()
	return e.value, true
}

// Set writes key into the local cache and queues it for reconciliation,
// evicting the least-recently-used entry if the cache is full.
func (d *Degraded) Set(key string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) >= maxPendingWrites {
		for i := range d.queue {
			if !d.queue[i].reconciled {
				d.queue = append(d.queue[:i], d.queue[i+1:]...)
				break
			}
		}
	}

	if _, exists := d.cache[key]; !exists && len(d.cache) >= maxCacheSize {
		d.evictLocked()
	}
	d.cache[key] = &cacheEntry{value: value, lastAccess: time.Now()}

	d.nextVersion++
	d.queue = append(d.queue, pendingWrite{
		key: key, value: value, version: d.nextVersion, recordedAt: time.Now(),
	})
}

func (d *Degraded) evictLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range d.cache {
		if first || e.lastAccess.Before(oldestAt) {
			oldestKey, oldestAt, first = k, e.lastAccess, false
		}
	}
	if oldestKey != "" {
		delete(d.cache, oldestKey)
	}
}

// PendingCount reports how many writes still await reconciliation.
func (d *Degraded) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, w := range d.queue {
		if !w.reconciled {
			n++
		}
	}
	return n
}
