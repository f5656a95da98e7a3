package dispatch

import (
	"sync"
	"testing"
	"time"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	if !p.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if !p.TryAcquire() {
		t.Fatal("second acquire should succeed")
	}
	if p.TryAcquire() {
		t.Fatal("third acquire must fail at capacity 2")
	}
	p.Release()
	if !p.TryAcquire() {
		t.Fatal("acquire after release should succeed")
	}
}

func TestPoolRunAcquiredRecoversPanic(t *testing.T) {
	p := NewPool(1)
	if !p.TryAcquire() {
		t.Fatal("acquire should succeed")
	}
	p.RunAcquired(func() { panic("boom") })
	p.Wait()

	// The slot must have been released despite the panic.
	if !p.TryAcquire() {
		t.Fatal("slot should be free again after the panicking goroutine exits")
	}
}

func TestPoolSaturation(t *testing.T) {
	p := NewPool(4)
	p.TryAcquire()
	p.TryAcquire()
	if got := p.Saturation(); got != 0.5 {
		t.Fatalf("expected saturation 0.5, got %f", got)
	}
}

func TestCircuitBreakerOpensAndRecoversAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(10)
	cb.cooldownPeriod = 10 * time.Millisecond

	if !cb.ShouldAdmit(1, 0.1) {
		t.Fatal("breaker should admit under normal load")
	}
	if cb.ShouldAdmit(20, 0.1) {
		t.Fatal("breaker should trip once queue depth exceeds threshold")
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected CircuitOpen, got %v", cb.State())
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.ShouldAdmit(1, 0.1) {
		t.Fatal("breaker should admit test traffic once cooldown elapses (half-open)")
	}
}

func TestNodeLimiterIsPerNode(t *testing.T) {
	l := NewNodeLimiter(1, 1)
	if !l.Allow("n1") {
		t.Fatal("first token for n1 should be allowed")
	}
	if l.Allow("n1") {
		t.Fatal("second immediate token for n1 should be denied (burst exhausted)")
	}
	if !l.Allow("n2") {
		t.Fatal("n2 has its own independent bucket and should be allowed")
	}
}

func TestIdempotencyGuardClaimOnce(t *testing.T) {
	g := NewIdempotencyGuard()
	if !g.Claim("t1:0") {
		t.Fatal("first claim should succeed")
	}
	if g.Claim("t1:0") {
		t.Fatal("second claim of the same key before release must fail")
	}
	g.Release("t1:0")
	if !g.Claim("t1:0") {
		t.Fatal("claim should succeed again after release")
	}
}

func TestIdempotencyGuardConcurrentClaimsExactlyOneWinner(t *testing.T) {
	g := NewIdempotencyGuard()
	var wg sync.WaitGroup
	wins := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- g.Claim("shared")
		}()
	}
	wg.Wait()
	close(wins)

	winCount := 0
	for w := range wins {
		if w {
			winCount++
		}
	}
	if winCount != 1 {
		t.Fatalf("expected exactly 1 winning claim, got %d", winCount)
	}
}
