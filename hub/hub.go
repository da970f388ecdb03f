// Package hub fans tool requests and attestation decisions out to the live
// agent streams.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/macawsecurity/secureAI/domain"
)

// sendBuffer caps each connection's outbound queue. A connection that cannot
// keep up is detached rather than allowed to stall the notifiers.
const sendBuffer = 64

// StreamEvent is the envelope written to the agent stream.
type StreamEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Connection is one agent WebSocket attached to the hub.
type Connection struct {
	AgentID string
	Conn    *websocket.Conn
	Send    chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Hub indexes the live agent streams by agent ID.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[*Connection]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[string]map[*Connection]struct{})}
}

// Attach registers a new stream for the agent and returns its connection.
func (h *Hub) Attach(ws *websocket.Conn, agentID string) *Connection {
	conn := &Connection{
		AgentID: agentID,
		Conn:    ws,
		Send:    make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	if h.streams[agentID] == nil {
		h.streams[agentID] = make(map[*Connection]struct{})
	}
	h.streams[agentID][conn] = struct{}{}
	h.mu.Unlock()

	log.Printf("Agent stream attached: %s", agentID)
	return conn
}

// Detach removes the stream and closes its send queue. Detaching an already
// detached connection is a no-op.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	conns := h.streams[conn.AgentID]
	_, attached := conns[conn]
	if attached {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.streams, conn.AgentID)
		}
		// Closed under the lock; push sends hold the read lock, so a send
		// on the closed channel cannot race this.
		conn.closeOnce.Do(func() { close(conn.Send) })
	}
	h.mu.Unlock()

	if attached {
		log.Printf("Agent stream detached: %s", conn.AgentID)
	}
}

// Connected reports whether the agent has at least one live stream.
func (h *Hub) Connected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[agentID]) > 0
}

// NotifyToolRequest pushes a dispatched invocation to the owning agent.
func (h *Hub) NotifyToolRequest(agentID string, payload *domain.ToolRequestPayload) {
	h.push(agentID, &StreamEvent{
		Type:    string(domain.EventTypeToolRequest),
		Payload: payload,
	})
}

// NotifyAttestation pushes an attestation state change to the requesting
// agent.
func (h *Hub) NotifyAttestation(agentID string, att *domain.Attestation) {
	h.push(agentID, &StreamEvent{
		Type: string(domain.EventTypeAttestationDecision),
		Payload: &domain.AttestationDecisionPayload{
			AttestationID: att.AttestationID,
			Decision:      att.Status,
			DecidedBy:     att.DecidedBy,
			Reason:        att.Reason,
		},
	})
}

// push queues the encoded event on every live stream of the agent.
func (h *Hub) push(agentID string, event *StreamEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("ERROR: failed to encode %s event for agent %s: %v", event.Type, agentID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.streams[agentID] {
		select {
		case conn.Send <- data:
		default:
			log.Printf("WARN: agent %s stream backed up, detaching", agentID)
			go h.Detach(conn)
		}
	}
}

// WriteMessage serializes writer access; the write pump and control frames
// share the socket.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline on the underlying socket.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying socket.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
