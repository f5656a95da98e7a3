package dbpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func poolCfgFast() PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.MaxConnections = 2
	cfg.Timeout = 100 * time.Millisecond
	cfg.ValidateConnections = false
	return cfg
}

func TestNewManagerPicksPrimaryByIsPrimaryFlag(t *testing.T) {
	m := NewManager(DefaultConfig(), poolCfgFast(), fakeFactory(nil, nil), []Endpoint{
		{ID: "secondary", Priority: 1},
		{ID: "primary", Priority: 0, IsPrimary: true},
	})
	if m.CurrentEndpoint() != "primary" {
		t.Fatalf("expected primary endpoint selected, got %s", m.CurrentEndpoint())
	}
	if m.State() != StatePrimary {
		t.Fatalf("expected initial state PRIMARY, got %v", m.State())
	}
}

func TestNewManagerFallsBackToLowestPriorityWithoutIsPrimary(t *testing.T) {
	m := NewManager(DefaultConfig(), poolCfgFast(), fakeFactory(nil, nil), []Endpoint{
		{ID: "b", Priority: 5},
		{ID: "a", Priority: 1},
	})
	if m.CurrentEndpoint() != "a" {
		t.Fatalf("expected lowest-priority endpoint 'a', got %s", m.CurrentEndpoint())
	}
}

func TestTriggerFailoverMovesToNextAvailableEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailoverTimeout = 500 * time.Millisecond
	m := NewManager(cfg, poolCfgFast(), fakeFactory(nil, nil), []Endpoint{
		{ID: "primary", Priority: 0, IsPrimary: true},
		{ID: "secondary", Priority: 1},
	})

	ok := m.TriggerFailover("manual test")
	if !ok {
		t.Fatal("expected failover to succeed when the secondary is reachable")
	}
	if m.CurrentEndpoint() != "secondary" {
		t.Fatalf("expected current endpoint 'secondary', got %s", m.CurrentEndpoint())
	}
	if m.State() != StateSecondary {
		t.Fatalf("expected state SECONDARY after successful failover, got %v", m.State())
	}
	events := m.Events()
	if len(events) != 1 || !events[0].Success {
		t.Fatalf("expected one successful recorded event, got %+v", events)
	}
}

func TestTriggerFailoverFailsWithNoAlternateEndpoint(t *testing.T) {
	m := NewManager(DefaultConfig(), poolCfgFast(), fakeFactory(nil, nil), []Endpoint{
		{ID: "only", Priority: 0, IsPrimary: true},
	})
	if m.TriggerFailover("no alternates") {
		t.Fatal("expected failover to fail with only one endpoint configured")
	}
	if m.State() != StatePrimary {
		t.Fatalf("expected state to fall back to PRIMARY, got %v", m.State())
	}
}

func TestTriggerRecoveryReturnsToPrimaryOnceHealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailoverTimeout = 500 * time.Millisecond
	m := NewManager(cfg, poolCfgFast(), fakeFactory(nil, nil), []Endpoint{
		{ID: "primary", Priority: 0, IsPrimary: true},
		{ID: "secondary", Priority: 1},
	})
	m.TriggerFailover("initial failover")
	if m.CurrentEndpoint() != "secondary" {
		t.Fatalf("setup: expected secondary active, got %s", m.CurrentEndpoint())
	}

	ok := m.TriggerRecovery()
	if !ok {
		t.Fatal("expected recovery to succeed once the primary is reachable again")
	}
	if m.CurrentEndpoint() != "primary" {
		t.Fatalf("expected current endpoint back to 'primary', got %s", m.CurrentEndpoint())
	}
	if m.State() != StatePrimary {
		t.Fatalf("expected state PRIMARY after recovery, got %v", m.State())
	}
}

func TestShouldFailoverPolicyFailureCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicyFailureCount
	cfg.MaxFailureCount = 3
	m := NewManager(cfg, poolCfgFast(), fakeFactory(nil, nil), []Endpoint{
		{ID: "primary", Priority: 0, IsPrimary: true},
	})

	ep := &Endpoint{ID: "primary", FailureCount: 2}
	if m.shouldFailover(ep) {
		t.Fatal("should not fail over below the failure-count threshold")
	}
	ep.FailureCount = 3
	if !m.shouldFailover(ep) {
		t.Fatal("should fail over once the failure count reaches the threshold")
	}
}

func TestShouldFailoverPolicyCombined(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = PolicyCombined
	cfg.MaxFailureCount = 100
	cfg.ResponseTimeThreshold = 10 * time.Millisecond
	m := NewManager(cfg, poolCfgFast(), fakeFactory(nil, nil), []Endpoint{
		{ID: "primary", Priority: 0, IsPrimary: true},
	})

	ep := &Endpoint{ID: "primary", ResponseTime: 50 * time.Millisecond}
	if !m.shouldFailover(ep) {
		t.Fatal("combined policy should trip on response-time alone")
	}
}

func TestBorrowWithFailoverRecordsFailureOnError(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewManager(DefaultConfig(), poolCfgFast(), fakeFactory(boom, nil), []Endpoint{
		{ID: "primary", Priority: 0, IsPrimary: true},
	})

	_, epID, err := m.BorrowWithFailover(context.Background())
	if err == nil {
		t.Fatal("expected the factory error to surface")
	}
	if epID != "primary" {
		t.Fatalf("expected endpoint id 'primary', got %s", epID)
	}

	endpoints := m.Endpoints()
	if len(endpoints) != 1 || endpoints[0].FailureCount != 1 {
		t.Fatalf("expected failure count 1 recorded against primary, got %+v", endpoints)
	}
}
