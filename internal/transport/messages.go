// Package transport implements the Node Transport abstraction (spec.md §6:
// send(target-node-id, message) / register_handler(message-type, callable))
// concretely over a websocket hub.
package transport

import "encoding/json"

// MessageType enumerates the wire message kinds the core exchanges with
// node agents.
type MessageType string

const (
	TypeHeartbeat            MessageType = "heartbeat"
	TypeHeartbeatResponse    MessageType = "heartbeat_response"
	TypeFailureNotification  MessageType = "failure_notification"
	TypeRecoveryNotification MessageType = "recovery_notification"
	TypePing                 MessageType = "ping"
	TypeMemoryCleanupRequest MessageType = "memory_cleanup_request"
	TypeSystemRestartRequest MessageType = "system_restart_request"
)

// Message is the JSON envelope exchanged over the transport.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewMessage marshals data into a Message of the given type.
func NewMessage(t MessageType, data interface{}) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Data: raw}, nil
}

// Decode unmarshals the message payload into target.
func (m Message) Decode(target interface{}) error {
	return json.Unmarshal(m.Data, target)
}

// HeartbeatPayload is the heartbeat message payload (spec.md §6).
type HeartbeatPayload struct {
	NodeID    string  `json:"node_id"`
	Timestamp float64 `json:"timestamp"`
	Status    string  `json:"status"`
}

// FailureNotificationPayload is the failure-notification payload.
type FailureNotificationPayload struct {
	NodeID       string  `json:"node_id"`
	FailureType  string  `json:"failure_type"`
	ErrorMessage string  `json:"error_message"`
	Timestamp    float64 `json:"timestamp"`
}

// RecoveryNotificationPayload is the recovery-notification payload.
type RecoveryNotificationPayload struct {
	NodeID    string  `json:"node_id"`
	Timestamp float64 `json:"timestamp"`
}

// Handler processes an inbound message from fromNodeID.
type Handler func(fromNodeID string, msg Message)

// Transport is the abstraction the health monitor depends on; Hub is its
// only concrete implementation, but tests may substitute a fake.
type Transport interface {
	Send(targetNodeID string, msg Message) error
	RegisterHandler(t MessageType, h Handler)
}
