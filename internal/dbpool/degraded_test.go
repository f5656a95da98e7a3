package dbpool

import (
	"context"
	"testing"
	"time"
)

type fakeVersionedWriter struct {
	store map[string]VersionedValue
	err   error
}

func newFakeVersionedWriter() *fakeVersionedWriter {
	return &fakeVersionedWriter{store: make(map[string]VersionedValue)}
}

func (w *fakeVersionedWriter) GetVersioned(ctx context.Context, key string) (*VersionedValue, bool, error) {
	if w.err != nil {
		return nil, false, w.err
	}
	v, ok := w.store[key]
	if !ok {
		return nil, false, nil
	}
	return &v, true, nil
}

func (w *fakeVersionedWriter) SetVersioned(ctx context.Context, key string, value VersionedValue) error {
	if w.err != nil {
		return w.err
	}
	w.store[key] = value
	return nil
}

func TestDegradedEnterExitTogglesActive(t *testing.T) {
	d := NewDegraded()
	if d.Active() {
		t.Fatal("expected inactive by default")
	}
	d.Enter()
	if !d.Active() {
		t.Fatal("expected active after Enter")
	}
	d.Exit()
	if d.Active() {
		t.Fatal("expected inactive after Exit")
	}
}

func TestDegradedSetGetRoundTrip(t *testing.T) {
	d := NewDegraded()
	d.Set("k1", "v1")
	got, ok := d.Get("k1")
	if !ok || got != "v1" {
		t.Fatalf("expected (v1, true), got (%v, %v)", got, ok)
	}
	if _, ok := d.Get("missing"); ok {
		t.Fatal("expected miss for an unset key")
	}
	if d.PendingCount() != 1 {
		t.Fatalf("expected 1 pending write, got %d", d.PendingCount())
	}
}

func TestDegradedReconcileAppliesPendingWrites(t *testing.T) {
	d := NewDegraded()
	d.Set("k1", "v1")
	d.Set("k2", "v2")

	w := newFakeVersionedWriter()
	if err := d.Reconcile(context.Background(), w); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if d.PendingCount() != 0 {
		t.Fatalf("expected no pending writes after reconciliation, got %d", d.PendingCount())
	}
	if w.store["k1"].Value != "v1" || w.store["k2"].Value != "v2" {
		t.Fatalf("expected both writes applied, got %+v", w.store)
	}
}

func TestDegradedReconcileSkipsWhenTargetHasNewerVersion(t *testing.T) {
	d := NewDegraded()
	d.Set("k1", "stale")

	w := newFakeVersionedWriter()
	w.store["k1"] = VersionedValue{Value: "fresher", Version: 999}

	if err := d.Reconcile(context.Background(), w); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if w.store["k1"].Value != "fresher" {
		t.Fatal("a target with a newer version must not be overwritten by a stale pending write")
	}
}

func TestDegradedReconcileIsIdempotent(t *testing.T) {
	d := NewDegraded()
	d.Set("k1", "v1")
	w := newFakeVersionedWriter()

	if err := d.Reconcile(context.Background(), w); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if err := d.Reconcile(context.Background(), w); err != nil {
		t.Fatalf("second reconcile should be a no-op success, got: %v", err)
	}
}

func TestDegradedReconcileReportsFailures(t *testing.T) {
	d := NewDegraded()
	d.Set("k1", "v1")
	w := newFakeVersionedWriter()
	w.err = context.DeadlineExceeded

	err := d.Reconcile(context.Background(), w)
	if err == nil {
		t.Fatal("expected a ReconciliationError when the target write fails")
	}
	rerr, ok := err.(*ReconciliationError)
	if !ok || rerr.Failed != 1 {
		t.Fatalf("expected ReconciliationError{Failed:1}, got %#v", err)
	}
}

func TestDegradedEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	d := NewDegraded()
	// Directly shrink the effective cap via repeated sets is impractical at
	// 10000; instead verify eviction logic in isolation by calling it on a
	// hand-built cache.
	d.cache["old"] = &cacheEntry{value: "x", lastAccess: time.Now().Add(-1 * time.Hour)}
	d.cache["new"] = &cacheEntry{value: "y", lastAccess: time.Now()}
	d.evictLocked()
	if _, ok := d.cache["old"]; ok {
		t.Fatal("expected the least-recently-used entry to be evicted")
	}
	if _, ok := d.cache["new"]; !ok {
		t.Fatal("expected the recently-used entry to survive eviction")
	}
}
