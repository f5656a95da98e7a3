package transport

import (
	"testing"

	"github.com/taskmesh/core/internal/errs"
)

func TestSendToUnknownNodeReturnsErrNodeUnreachable(t *testing.T) {
	h := NewHub()
	msg, err := NewMessage(TypeHeartbeat, HeartbeatPayload{})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	sendErr := h.Send("no-such-node", msg)
	if sendErr != ErrNodeUnreachable {
		t.Fatalf("expected ErrNodeUnreachable, got %v", sendErr)
	}
	if !errs.Is(sendErr, errs.NodeFailure) {
		t.Fatalf("expected ErrNodeUnreachable to carry code NodeFailure, got %v", sendErr)
	}
}

func TestConnectedReportsFalseForUnregisteredNode(t *testing.T) {
	h := NewHub()
	if h.Connected("ghost") {
		t.Fatal("expected Connected to report false for a node with no registered connection")
	}
}

func TestRegisterHandlerAppendsRatherThanReplaces(t *testing.T) {
	h := NewHub()
	var calls []string
	h.RegisterHandler(TypeHeartbeat, func(nodeID string, msg Message) {
		calls = append(calls, "first:"+nodeID)
	})
	h.RegisterHandler(TypeHeartbeat, func(nodeID string, msg Message) {
		calls = append(calls, "second:"+nodeID)
	})

	h.mu.RLock()
	handlers := h.handlers[TypeHeartbeat]
	h.mu.RUnlock()
	if len(handlers) != 2 {
		t.Fatalf("expected both handlers registered, got %d", len(handlers))
	}
	for _, fn := range handlers {
		fn("n1", Message{})
	}
	if len(calls) != 2 || calls[0] != "first:n1" || calls[1] != "second:n1" {
		t.Fatalf("expected both handlers invoked in registration order, got %v", calls)
	}
}
