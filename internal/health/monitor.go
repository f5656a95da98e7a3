package health

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/taskmesh/core/internal/node"
	"github.com/taskmesh/core/internal/telemetry"
	"github.com/taskmesh/core/internal/transport"
)

// recoverySchedule is the pending next-attempt time for a FAILED node.
type recoverySchedule struct {
	nextAttempt time.Time
}

// Monitor implements the Heartbeat & Health Monitor / Fault Tolerance
// state machine of spec.md §4.2, grounded on FluxForge's
// coordination/agent_monitor.go liveness loop and coordination/leader.go's
// adaptive-backoff shape (reused here for recovery-attempt scheduling).
type Monitor struct {
	selfID    string
	cfg       Config
	nodes     *node.Registry
	transport transport.Transport

	// onNodeFailed is invoked the moment a node first crosses into FAILED,
	// so the scheduler can re-queue its orphaned tasks (spec.md §4.1/§4.2).
	onNodeFailed func(nodeID string)

	mu        sync.Mutex
	schedules map[string]*recoverySchedule
	publisher EventPublisher

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a health Monitor for node selfID.
func New(selfID string, cfg Config, nodes *node.Registry, tr transport.Transport, onNodeFailed func(nodeID string)) *Monitor {
	m := &Monitor{
		selfID:       selfID,
		cfg:          cfg,
		nodes:        nodes,
		transport:    tr,
		onNodeFailed: onNodeFailed,
		schedules:    make(map[string]*recoverySchedule),
		publisher:    NewLogPublisher(),
		stop:         make(chan struct{}),
	}
	tr.RegisterHandler(transport.TypeHeartbeat, m.handleHeartbeat)
	tr.RegisterHandler(transport.TypeHeartbeatResponse, m.handleHeartbeat)
	tr.RegisterHandler(transport.TypeFailureNotification, m.handleFailureNotification)
	return m
}

// Start launches the heartbeat emitter, liveness checker, and recovery
// worker loops.
func (m *Monitor) Start() {
	m.wg.Add(3)
	go m.loop(m.cfg.HeartbeatInterval, m.emitHeartbeat)
	go m.loop(m.cfg.HeartbeatInterval/2, m.checkLiveness)
	go m.loop(1*time.Second, m.runRecovery)
}

// Stop signals all loops to exit and waits for them.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) loop(interval time.Duration, fn func()) {
	defer m.wg.Done()
	if interval <= 0 {
		interval = time.Second
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
						log.Printf("health: recovered panic in periodic loop: %v", r)
					}
				}()
				fn()
			}()
		}
	}
}

// emitHeartbeat advances the local node's last_heartbeat and broadcasts a
// heartbeat message to every currently-ACTIVE peer (spec.md §4.2).
func (m *Monitor) emitHeartbeat() {
	now := time.Now()
	m.nodes.Touch(m.selfID, now)

	payload := transport.HeartbeatPayload{
		NodeID:    m.selfID,
		Timestamp: float64(now.UnixNano()) / 1e9,
		Status:    string(node.StatusAvailable),
	}
	msg, err := transport.NewMessage(transport.TypeHeartbeat, payload)
	if err != nil {
		log.Printf("health: failed to encode heartbeat: %v", err)
		return
	}

	for _, n := range m.nodes.Snapshot() {
		if n.ID == m.selfID || !isActiveStatus(n.Status) {
			continue
		}
		if err := m.transport.Send(n.ID, msg); err != nil {
			log.Printf("health: heartbeat send to %s failed: %v", n.ID, err)
		}
	}
}

func isActiveStatus(s node.Status) bool {
	return s == node.StatusAvailable || s == node.StatusBusy
}

// handleHeartbeat is the remote heartbeat handler (spec.md §4.2): it
// creates/updates the peer's record using the LOCAL receive time for
// liveness (the remote-supplied timestamp is metadata only, per the
// resolved open question on clock skew), maps the status string to the
// node.Status enum (unknown -> AVAILABLE), and replies with our own
// heartbeat.
func (m *Monitor) handleHeartbeat(fromNodeID string, msg transport.Message) {
	var payload transport.HeartbeatPayload
	if err := msg.Decode(&payload); err != nil {
		log.Printf("health: malformed heartbeat from %s: %v", fromNodeID, err)
		return
	}

	receivedAt := time.Now()
	m.nodes.Touch(fromNodeID, receivedAt)

	status := mapStatus(payload.Status)
	m.nodes.SetStatus(fromNodeID, status)
	m.nodes.ResetFailures(fromNodeID)

	if msg.Type == transport.TypeHeartbeat {
		reply, err := transport.NewMessage(transport.TypeHeartbeatResponse, transport.HeartbeatPayload{
			NodeID:    m.selfID,
			Timestamp: float64(receivedAt.UnixNano()) / 1e9,
			Status:    string(node.StatusAvailable),
		})
		if err == nil {
			_ = m.transport.Send(fromNodeID, reply)
		}
	}
}

func mapStatus(s string) node.Status {
	switch node.Status(s) {
	case node.StatusAvailable, node.StatusBusy, node.StatusOffline,
		node.StatusMaintenance, node.StatusFailed, node.StatusRecovering, node.StatusInactive:
		return node.Status(s)
	default:
		return node.StatusAvailable
	}
}

// checkLiveness runs the periodic (~H/2) liveness sweep: any known peer
// whose last_heartbeat is older than 2*HeartbeatTimeout and not already
// FAILED is counted as a NODE_UNREACHABLE failure (spec.md §4.2).
func (m *Monitor) checkLiveness() {
	staleCutoff := 2 * m.cfg.HeartbeatTimeout
	now := time.Now()

	for _, n := range m.nodes.Snapshot() {
		if n.ID == m.selfID {
			continue
		}
		if n.Status == node.StatusFailed {
			continue
		}
		if n.LastHeartbeat.IsZero() || now.Sub(n.LastHeartbeat) <= staleCutoff {
			continue
		}
		m.registerFailure(n.ID, node.FailureNodeUnreachable, "heartbeat stale")
	}
}

// registerFailure increments the failure counters for nodeID, advances the
// state machine (ACTIVE -> INACTIVE -> FAILED), broadcasts a failure
// notification, and — on the transition into FAILED — reassigns the
// node's orphaned tasks and schedules recovery.
func (m *Monitor) registerFailure(nodeID string, ft node.FailureType, errMsg string) {
	updated, ok := m.nodes.RecordFailure(nodeID, ft, time.Now())
	if !ok {
		return
	}

	var newStatus node.Status
	switch {
	case updated.ConsecutiveFailures >= m.cfg.MaxNodeFailures:
		newStatus = node.StatusFailed
	default:
		newStatus = node.StatusInactive
	}
	m.nodes.SetStatus(nodeID, newStatus)
	telemetry.NodeHealth.WithLabelValues(nodeID).Set(statusScore(newStatus))

	m.broadcastFailureNotification(nodeID, ft, errMsg)
	m.publish(Event{NodeID: nodeID, Kind: "node_failed", Detail: errMsg, Timestamp: time.Now()})

	if newStatus == node.StatusFailed {
		if m.onNodeFailed != nil {
			m.onNodeFailed(nodeID)
		}
		m.scheduleRecovery(nodeID, 0)
	}
}

func statusScore(s node.Status) float64 {
	switch s {
	case node.StatusFailed:
		return 0
	case node.StatusInactive:
		return 1
	case node.StatusRecovering:
		return 2
	default:
		return 3
	}
}

// broadcastFailureNotification sends a failure notification to every
// currently-ACTIVE peer except the failing node itself and the local node
// (the resolved open question from spec.md §9: the source's self-compare
// filter was a no-op bug; here the failing node and sender are both
// explicitly excluded).
func (m *Monitor) broadcastFailureNotification(failingNodeID string, ft node.FailureType, errMsg string) {
	payload := transport.FailureNotificationPayload{
		NodeID:       failingNodeID,
		FailureType:  string(ft),
		ErrorMessage: errMsg,
		Timestamp:    float64(time.Now().UnixNano()) / 1e9,
	}
	msg, err := transport.NewMessage(transport.TypeFailureNotification, payload)
	if err != nil {
		log.Printf("health: failed to encode failure notification: %v", err)
		return
	}
	for _, n := range m.nodes.Snapshot() {
		if n.ID == failingNodeID || n.ID == m.selfID || !isActiveStatus(n.Status) {
			continue
		}
		if err := m.transport.Send(n.ID, msg); err != nil {
			log.Printf("health: failure notification to %s failed: %v", n.ID, err)
		}
	}
}

// handleFailureNotification just logs; peers learn about a failing node
// from their own liveness sweeps, this is best-effort early warning.
func (m *Monitor) handleFailureNotification(fromNodeID string, msg transport.Message) {
	var payload transport.FailureNotificationPayload
	if err := msg.Decode(&payload); err != nil {
		return
	}
	log.Printf("health: %s reports %s failed (%s): %s", fromNodeID, payload.NodeID, payload.FailureType, payload.ErrorMessage)
}

// scheduleRecovery sets the next recovery-attempt time using exponential
// backoff: base * 2^recovery_attempts (spec.md §4.2).
func (m *Monitor) scheduleRecovery(nodeID string, attempts int) {
	delay := time.Duration(float64(m.cfg.RecoveryBackoffBase) * math.Pow(2, float64(attempts)))
	m.mu.Lock()
	m.schedules[nodeID] = &recoverySchedule{nextAttempt: time.Now().Add(delay)}
	m.mu.Unlock()
}

// runRecovery is the periodic recovery worker: for every FAILED node whose
// scheduled retry time has passed and whose recovery_attempts budget is not
// exhausted, dispatch the strategy for its last_failure_type.
func (m *Monitor) runRecovery() {
	now := time.Now()
	for _, n := range m.nodes.Snapshot() {
		if n.Status != node.StatusFailed {
			continue
		}
		m.mu.Lock()
		sched, ok := m.schedules[n.ID]
		m.mu.Unlock()
		if !ok || now.Before(sched.nextAttempt) {
			continue
		}
		if n.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts {
			continue
		}
		m.attemptRecovery(n)
	}
}

func (m *Monitor) attemptRecovery(n node.Node) {
	m.nodes.SetStatus(n.ID, node.StatusRecovering)
	success := dispatchRecoveryStrategy(m.transport, n)

	attempts := m.nodes.IncrementRecoveryAttempts(n.ID)
	if success {
		m.nodes.SetStatus(n.ID, node.StatusAvailable)
		m.nodes.ResetFailures(n.ID)
		m.mu.Lock()
		delete(m.schedules, n.ID)
		m.mu.Unlock()
		m.broadcastRecoveryNotification(n.ID)
		m.publish(Event{NodeID: n.ID, Kind: "node_recovered", Timestamp: time.Now()})
		telemetry.NodeHealth.WithLabelValues(n.ID).Set(statusScore(node.StatusAvailable))
		return
	}

	m.nodes.SetStatus(n.ID, node.StatusFailed)
	telemetry.NodeHealth.WithLabelValues(n.ID).Set(statusScore(node.StatusFailed))
	m.scheduleRecovery(n.ID, attempts)
}

func (m *Monitor) broadcastRecoveryNotification(nodeID string) {
	payload := transport.RecoveryNotificationPayload{
		NodeID:    nodeID,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	msg, err := transport.NewMessage(transport.TypeRecoveryNotification, payload)
	if err != nil {
		return
	}
	for _, n := range m.nodes.Snapshot() {
		if n.ID == nodeID || n.ID == m.selfID || !isActiveStatus(n.Status) {
			continue
		}
		_ = m.transport.Send(n.ID, msg)
	}
}
