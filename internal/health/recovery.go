package health

import (
	"github.com/taskmesh/core/internal/node"
	"github.com/taskmesh/core/internal/transport"
)

// dispatchRecoveryStrategy picks and runs the recovery action for n based on
// its last_failure_type (spec.md §4.2):
//
//	NODE_UNREACHABLE          -> probe (reachability check)
//	TASK_TIMEOUT/NETWORK_ERROR -> ping
//	MEMORY_ERROR              -> memory-cleanup request
//	SYSTEM_ERROR              -> system-restart request
//	default                   -> ping
//
// It reports whether the node answered, which is the sole success signal
// available without a generic request/response correlation layer: a
// recovery attempt succeeds when the transport can reach the node at all.
func dispatchRecoveryStrategy(tr transport.Transport, n node.Node) bool {
	switch n.LastFailureType {
	case node.FailureNodeUnreachable:
		return probe(tr, n.ID)
	case node.FailureTaskTimeout, node.FailureNetworkError:
		return ping(tr, n.ID)
	case node.FailureMemoryError:
		return request(tr, n.ID, transport.TypeMemoryCleanupRequest)
	case node.FailureSystemError:
		return request(tr, n.ID, transport.TypeSystemRestartRequest)
	default:
		return ping(tr, n.ID)
	}
}

// probe checks whether the transport currently has a live connection for
// nodeID; if not, it attempts a ping to give a reconnect a chance to land
// before the attempt is scored.
func probe(tr transport.Transport, nodeID string) bool {
	if connectable, ok := tr.(interface{ Connected(string) bool }); ok {
		if connectable.Connected(nodeID) {
			return true
		}
	}
	return ping(tr, nodeID)
}

func ping(tr transport.Transport, nodeID string) bool {
	msg, err := transport.NewMessage(transport.TypePing, struct{}{})
	if err != nil {
		return false
	}
	return tr.Send(nodeID, msg) == nil
}

func request(tr transport.Transport, nodeID string, t transport.MessageType) bool {
	msg, err := transport.NewMessage(t, struct{}{})
	if err != nil {
		return false
	}
	return tr.Send(nodeID, msg) == nil
}
