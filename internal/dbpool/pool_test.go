package dbpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/taskmesh/core/internal/errs"
)

type fakeBackend struct {
	closed   int32
	probeErr error
}

func (b *fakeBackend) Probe(ctx context.Context) error { return b.probeErr }
func (b *fakeBackend) Close() error {
	atomic.StoreInt32(&b.closed, 1)
	return nil
}

func fakeFactory(factoryErr error, created *int32) BackendFactory {
	return func(ctx context.Context, connString string) (Backend, error) {
		if factoryErr != nil {
			return nil, factoryErr
		}
		if created != nil {
			atomic.AddInt32(created, 1)
		}
		return &fakeBackend{}, nil
	}
}

func TestPoolCreatesUpToMaxConnections(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MaxConnections = 2
	cfg.Timeout = 50 * time.Millisecond
	p := NewPool(cfg, fakeFactory(nil, nil), "conn")

	c1, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow 1: %v", err)
	}
	c2, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("Borrow 2: %v", err)
	}
	if p.Total() != 2 {
		t.Fatalf("expected total 2, got %d", p.Total())
	}
	_ = c1
	_ = c2
}

func TestPoolBorrowTimesOutWhenExhausted(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MaxConnections = 1
	cfg.Timeout = 30 * time.Millisecond
	p := NewPool(cfg, fakeFactory(nil, nil), "conn")

	_, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("first borrow: %v", err)
	}

	start := time.Now()
	_, err = p.Borrow(context.Background())
	elapsed := time.Since(start)
	if err == nil {
		t.Fatal("expected PoolExhausted error when at capacity")
	}
	if !errs.Is(err, errs.PoolExhausted) {
		t.Fatalf("expected PoolExhausted, got %v", err)
	}
	if elapsed < cfg.Timeout {
		t.Fatalf("expected to block roughly the full timeout, only waited %v", elapsed)
	}
}

func TestPoolReturnWakesBlockedBorrower(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MaxConnections = 1
	cfg.Timeout = 2 * time.Second
	p := NewPool(cfg, fakeFactory(nil, nil), "conn")

	conn, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var second *Connection
	var secondErr error
	go func() {
		defer wg.Done()
		second, secondErr = p.Borrow(context.Background())
	}()

	time.Sleep(20 * time.Millisecond) // let the goroutine start blocking
	p.Return(conn)
	wg.Wait()

	if secondErr != nil {
		t.Fatalf("expected the blocked borrower to succeed after Return, got %v", secondErr)
	}
	if second == nil {
		t.Fatal("expected a non-nil connection")
	}
}

func TestPoolBorrowAfterShutdownFails(t *testing.T) {
	cfg := DefaultPoolConfig()
	p := NewPool(cfg, fakeFactory(nil, nil), "conn")
	p.Shutdown()

	_, err := p.Borrow(context.Background())
	if !errs.Is(err, errs.PoolClosed) {
		t.Fatalf("expected PoolClosed after shutdown, got %v", err)
	}
}

func TestPoolShutdownClosesIdleConnections(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MaxConnections = 1
	p := NewPool(cfg, fakeFactory(nil, nil), "conn")

	conn, _ := p.Borrow(context.Background())
	fb := conn.Backend().(*fakeBackend)
	p.Return(conn)

	p.Shutdown()
	if atomic.LoadInt32(&fb.closed) != 1 {
		t.Fatal("expected idle connection to be closed on Shutdown")
	}
}

func TestPoolValidatesStaleConnectionAndReplacesOnProbeFailure(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MaxConnections = 1
	cfg.ValidationInterval = 1 * time.Millisecond
	cfg.ValidateConnections = true
	var created int32
	p := NewPool(cfg, fakeFactory(nil, &created), "conn")

	conn, _ := p.Borrow(context.Background())
	oldBackend := conn.Backend().(*fakeBackend)
	oldBackend.probeErr = errors.New("dead connection")
	p.Return(conn)

	time.Sleep(5 * time.Millisecond) // age past ValidationInterval

	conn2, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow after stale return: %v", err)
	}
	if conn2.Backend() == Backend(oldBackend) {
		t.Fatal("expected the stale connection to be replaced, not reused")
	}
	if atomic.LoadInt32(&oldBackend.closed) != 1 {
		t.Fatal("expected the failed probe's backend to be closed")
	}
}
