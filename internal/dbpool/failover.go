package dbpool

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/core/internal/errs"
	"github.com/taskmesh/core/internal/telemetry"
)

// Manager is the Failover Manager (spec.md §4.7): it keeps one Connection
// Pool per endpoint and routes borrow_with_failover() to the pool of the
// current endpoint, moving traffic on policy trigger and recovering once
// the primary heals. Grounded on FluxForge's store.PostgresStore/RedisStore
// construction pattern for pool lifecycle and resilience/degraded_mode.go
// for the health-state bookkeeping shape.
type Manager struct {
	cfg     Config
	factory BackendFactory

	mu              sync.Mutex
	endpoints       map[string]*Endpoint
	order           []string // endpoint ids sorted by priority
	pools           map[string]*Pool
	currentEndpoint string
	state           State
	events          []Event
	degraded        *Degraded

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Failover Manager over the given endpoints; the
// primary is whichever endpoint has IsPrimary set, or failing that the
// lowest-priority endpoint.
func NewManager(cfg Config, poolCfg PoolConfig, factory BackendFactory, endpoints []Endpoint) *Manager {
	m := &Manager{
		cfg:       cfg,
		factory:   factory,
		endpoints: make(map[string]*Endpoint),
		pools:     make(map[string]*Pool),
		state:     StatePrimary,
		degraded:  NewDegraded(),
		stop:      make(chan struct{}),
	}

	sorted := append([]Endpoint(nil), endpoints...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	primary := ""
	for _, ep := range sorted {
		e := ep
		e.IsAvailable = true
		m.endpoints[e.ID] = &e
		m.order = append(m.order, e.ID)
		m.pools[e.ID] = NewPool(poolCfg, factory, e.ConnString)
		if e.IsPrimary {
			primary = e.ID
		}
	}
	if primary == "" && len(m.order) > 0 {
		primary = m.order[0]
	}
	m.currentEndpoint = primary
	return m
}

// CurrentEndpoint returns the endpoint id currently receiving borrows.
func (m *Manager) CurrentEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentEndpoint
}

// State returns the manager's current failover state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BorrowWithFailover yields a connection from the current endpoint's pool.
// On failure, the caller sees the original error, but the manager records
// a connection failure against current_endpoint_id (spec.md §4.7).
func (m *Manager) BorrowWithFailover(ctx context.Context) (*Connection, string, error) {
	m.mu.Lock()
	current := m.currentEndpoint
	pool := m.pools[current]
	m.mu.Unlock()

	if pool == nil {
		return nil, "", errs.New(errs.EndpointUnavailable, "no current endpoint configured")
	}

	conn, err := pool.Borrow(ctx)
	if err != nil {
		m.recordFailure(current)
		return nil, current, err
	}
	return conn, current, nil
}

// Return releases conn back to the pool of endpointID.
func (m *Manager) Return(endpointID string, conn *Connection) {
	m.mu.Lock()
	pool := m.pools[endpointID]
	m.mu.Unlock()
	if pool != nil {
		pool.Return(conn)
	}
}

func (m *Manager) recordFailure(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep, ok := m.endpoints[endpointID]; ok {
		ep.FailureCount++
		ep.LastFailure = time.Now()
	}
}

// Start launches the policy evaluation loop (spec.md §4.7: "every
// health_check_interval").
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Stop signals the policy loop to exit and shuts down every endpoint pool.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Shutdown()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("dbpool: recovered panic in failover policy loop: %v", r)
					}
				}()
				m.tick()
			}()
		}
	}
}

func (m *Manager) tick() {
	m.healthCheckAll()

	if m.cfg.Mode == ModeManual {
		return
	}

	m.mu.Lock()
	current := m.currentEndpoint
	state := m.state
	ep, ok := m.endpoints[current]
	m.mu.Unlock()
	if !ok {
		return
	}

	if state == StateSecondary {
		if m.primaryHealthy() {
			m.TriggerRecovery()
		}
		return
	}

	if m.shouldFailover(ep) {
		m.TriggerFailover("policy: " + string(m.cfg.Policy))
	}
}

func (m *Manager) healthCheckAll() {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		ep := m.endpoints[id]
		pool := m.pools[id]
		m.mu.Unlock()
		if ep == nil || pool == nil {
			continue
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FailoverTimeout)
		conn, err := pool.Borrow(ctx)
		cancel()
		elapsed := time.Since(start)

		var probeErr error
		if err != nil {
			probeErr = err
		} else {
			probeErr = conn.backend.Probe(context.Background())
			pool.Return(conn)
		}

		m.mu.Lock()
		ep.LastHealthCheck = time.Now()
		ep.ResponseTime = elapsed
		if probeErr != nil {
			ep.IsAvailable = false
			ep.FailureCount++
			ep.LastFailure = time.Now()
		} else {
			if ep.FailureCount > 0 {
				log.Printf("dbpool: endpoint %s recovered after %d failures", ep.ID, ep.FailureCount)
			}
			ep.IsAvailable = true
			ep.FailureCount = 0
		}
		m.mu.Unlock()
	}
}

func (m *Manager) shouldFailover(ep *Endpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.cfg.Policy {
	case PolicyFailureCount:
		return ep.FailureCount >= m.cfg.MaxFailureCount
	case PolicyResponseTime:
		return ep.ResponseTime > m.cfg.ResponseTimeThreshold
	case PolicyHealthCheck:
		return !ep.IsAvailable
	case PolicyCombined:
		return ep.FailureCount >= m.cfg.MaxFailureCount ||
			ep.ResponseTime > m.cfg.ResponseTimeThreshold ||
			!ep.IsAvailable
	default:
		return false
	}
}

func (m *Manager) primaryHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	primary := m.primaryID()
	ep, ok := m.endpoints[primary]
	if !ok {
		return false
	}
	return ep.IsAvailable && ep.ResponseTime <= m.cfg.ResponseTimeThreshold && ep.FailureCount == 0
}

func (m *Manager) primaryID() string {
	for _, id := range m.order {
		if ep := m.endpoints[id]; ep != nil && ep.IsPrimary {
			return id
		}
	}
	if len(m.order) > 0 {
		return m.order[0]
	}
	return ""
}

// TriggerFailover attempts to move current_endpoint_id to the
// next-available, lowest-priority endpoint other than the current one
// (spec.md §4.7). In MANUAL mode this is the only way a failover happens.
// Returns false if no alternate endpoint is available.
func (m *Manager) TriggerFailover(reason string) bool {
	m.mu.Lock()
	from := m.currentEndpoint
	m.state = StateFailingOver
	next := m.pickNextEndpoint(from)
	m.mu.Unlock()

	if next == "" {
		m.mu.Lock()
		m.state = StatePrimary
		m.mu.Unlock()
		return false
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FailoverTimeout)
	ok := m.probe(ctx, next)
	cancel()
	duration := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.currentEndpoint = next
		m.state = StateSecondary
		m.recordEvent(Event{
			EventID: uuid.NewString(), FromEndpoint: from, ToEndpoint: next,
			Reason: reason, Timestamp: time.Now(), Duration: duration, Success: true,
		})
		telemetry.FailoverEventsTotal.WithLabelValues("success").Inc()
		return true
	}

	m.state = StatePrimary
	m.recordEvent(Event{
		EventID: uuid.NewString(), FromEndpoint: from, ToEndpoint: next,
		Reason: reason, Timestamp: time.Now(), Duration: duration, Success: false,
	})
	telemetry.FailoverEventsTotal.WithLabelValues("failure").Inc()
	return false
}

// pickNextEndpoint must be called with m.mu held.
func (m *Manager) pickNextEndpoint(excludeID string) string {
	best := ""
	bestPriority := 0
	for _, id := range m.order {
		if id == excludeID {
			continue
		}
		ep := m.endpoints[id]
		if ep == nil || !ep.IsAvailable {
			continue
		}
		if best == "" || ep.Priority < bestPriority {
			best = id
			bestPriority = ep.Priority
		}
	}
	return best
}

func (m *Manager) probe(ctx context.Context, endpointID string) bool {
	m.mu.Lock()
	pool := m.pools[endpointID]
	m.mu.Unlock()
	if pool == nil {
		return false
	}
	conn, err := pool.Borrow(ctx)
	if err != nil {
		return false
	}
	defer pool.Return(conn)
	return conn.backend.Probe(ctx) == nil
}

// TriggerRecovery attempts to move current_endpoint_id back to the
// primary once it is healthy (spec.md §4.7 RECOVERING -> PRIMARY).
func (m *Manager) TriggerRecovery() bool {
	m.mu.Lock()
	from := m.currentEndpoint
	primary := m.primaryID()
	if primary == from {
		m.mu.Unlock()
		return false
	}
	m.state = StateRecovering
	m.mu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.FailoverTimeout)
	ok := m.probe(ctx, primary)
	cancel()
	duration := time.Since(start)

	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.currentEndpoint = primary
		m.state = StatePrimary
		m.recordEvent(Event{
			EventID: uuid.NewString(), FromEndpoint: from, ToEndpoint: primary,
			Reason: "primary recovered", Timestamp: time.Now(), Duration: duration, Success: true,
		})
		telemetry.FailoverEventsTotal.WithLabelValues("recovery").Inc()
		return true
	}
	m.state = StateSecondary
	return false
}

// recordEvent must be called with m.mu held.
func (m *Manager) recordEvent(e Event) {
	m.events = append(m.events, e)
	for _, id := range m.order {
		val := 0.0
		if id == m.currentEndpoint {
			val = 1.0
		}
		telemetry.FailoverCurrentEndpoint.WithLabelValues(id).Set(val)
	}
}

// Events returns a copy of the recorded failover/recovery events.
func (m *Manager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Endpoints returns a copy of the current endpoint runtime states.
func (m *Manager) Endpoints() []Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Endpoint, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.endpoints[id])
	}
	return out
}

// Degraded exposes the fallback cache used when no endpoint is reachable.
func (m *Manager) Degraded() *Degraded { return m.degraded }
