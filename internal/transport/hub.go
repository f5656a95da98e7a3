package transport

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/taskmesh/core/internal/errs"
)

// maxHubConnections bounds concurrently-connected node agents, adapted from
// FluxForge's ws_hub.go maxWSConnections cap.
const maxHubConnections = 500

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type registration struct {
	nodeID string
	conn   *websocket.Conn
}

// wsConn pairs a websocket connection with its own outbound queue: gorilla/
// websocket permits only one concurrent writer, so every write to a given
// connection is serialized through this channel and a single writePump
// goroutine (adapted from control_plane/ws_hub.go's per-connection send
// channel, rather than writing directly from arbitrary caller goroutines).
type wsConn struct {
	conn *websocket.Conn
	send chan Message
	done chan struct{}
}

const connSendBuffer = 32

func newWSConn(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, send: make(chan Message, connSendBuffer), done: make(chan struct{})}
	go c.writePump()
	return c
}

func (c *wsConn) writePump() {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("transport: write failed: %v", err)
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) close() {
	close(c.done)
	c.conn.Close()
}

// Hub is the concrete Node Transport: one websocket connection per
// registered node agent, a dispatch table of message-type handlers, and a
// single-goroutine register/unregister loop (adapted from
// control_plane/ws_hub.go's MetricsHub connection-management pattern,
// generalized from broadcast-only to bidirectional send/receive).
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*wsConn
	handlers map[MessageType][]Handler

	register   chan registration
	unregister chan string
}

// NewHub constructs an empty transport hub.
func NewHub() *Hub {
	return &Hub{
		conns:      make(map[string]*wsConn),
		handlers:   make(map[MessageType][]Handler),
		register:   make(chan registration),
		unregister: make(chan string),
	}
}

// Run starts the hub's connection-management loop; it exits when ctx is
// cancelled, closing every connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case reg := <-h.register:
			h.mu.Lock()
			if len(h.conns) >= maxHubConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("transport: connection rejected for %s, hub at capacity (%d)", reg.nodeID, maxHubConnections)
				continue
			}
			if old, ok := h.conns[reg.nodeID]; ok {
				old.close()
			}
			h.conns[reg.nodeID] = newWSConn(reg.conn)
			h.mu.Unlock()
			log.Printf("transport: node %s connected", reg.nodeID)
		case nodeID := <-h.unregister:
			h.mu.Lock()
			if conn, ok := h.conns[nodeID]; ok {
				conn.close()
				delete(h.conns, nodeID)
			}
			h.mu.Unlock()
			log.Printf("transport: node %s disconnected", nodeID)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.conns {
		conn.close()
		delete(h.conns, id)
	}
}

// ServeUpgrade handles the one HTTP endpoint this transport needs: the
// websocket upgrade for a node agent identifying itself by nodeID. This is
// the Node Transport's wire entry point, not a request-routing surface
// (spec.md §1's HTTP/RPC non-goal covers request validation/versioning,
// not the transport's own connection handshake).
func (h *Hub) ServeUpgrade(w http.ResponseWriter, r *http.Request, nodeID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: upgrade failed for %s: %v", nodeID, err)
		return
	}
	h.register <- registration{nodeID: nodeID, conn: conn}
	go h.readPump(nodeID, conn)
}

func (h *Hub) readPump(nodeID string, conn *websocket.Conn) {
	defer func() { h.unregister <- nodeID }()
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		h.mu.RLock()
		handlers := append([]Handler(nil), h.handlers[msg.Type]...)
		h.mu.RUnlock()
		for _, fn := range handlers {
			fn(nodeID, msg)
		}
	}
}

// Send enqueues msg onto targetNodeID's connection; the connection's own
// writePump goroutine is the only writer, so concurrent callers (heartbeat
// emitter, failure/recovery broadcast, recovery probes, readPump replies)
// never race on the same *websocket.Conn. Returns ErrNodeUnreachable if no
// connection is currently registered for that node, or a TransportError if
// the connection's send queue is full. The health monitor logs a failed
// heartbeat send and scores a failed send during recovery as an
// unsuccessful attempt; it does not register a failure from send errors.
func (h *Hub) Send(targetNodeID string, msg Message) error {
	h.mu.RLock()
	conn, ok := h.conns[targetNodeID]
	h.mu.RUnlock()
	if !ok {
		return ErrNodeUnreachable
	}
	select {
	case conn.send <- msg:
		return nil
	default:
		return errs.New(errs.TransportError, "send queue full for node "+targetNodeID)
	}
}

// RegisterHandler adds fn to the dispatch table for message type t.
func (h *Hub) RegisterHandler(t MessageType, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[t] = append(h.handlers[t], fn)
}

// Connected reports whether nodeID currently has a live connection.
func (h *Hub) Connected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[nodeID]
	return ok
}

// ErrNodeUnreachable is returned by Send when the target node has no live
// connection.
var ErrNodeUnreachable = errs.New(errs.NodeFailure, "node unreachable: no live transport connection")
