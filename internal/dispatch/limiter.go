package dispatch

import (
	"sync"

	"golang.org/x/time/rate"
)

// NodeLimiter applies a per-node token-bucket admission guard so no single
// node can be handed tasks faster than it can plausibly drain them,
// independent of the pool's global concurrency bound. Adapted from
// FluxForge's scheduler/limiter.go TokenBucketLimiter.
type NodeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

// NewNodeLimiter constructs a limiter allowing r dispatches/sec per node
// with burst b.
func NewNodeLimiter(r float64, b int) *NodeLimiter {
	return &NodeLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow reports whether a dispatch to nodeID may proceed right now.
func (l *NodeLimiter) Allow(nodeID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[nodeID]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[nodeID] = lim
	}
	return lim.Allow()
}
