package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/macawsecurity/secureAI/hub"
)

const (
	streamReadTimeout  = 60 * time.Second
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamMaxMessage   = 64 * 1024
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// SDKs connect from arbitrary hosts; auth happens via the token.
		return true
	},
}

// StreamAgent upgrades to a WebSocket that delivers tool requests and
// attestation decisions to the agent as they happen.
// GET /v1/agents/:agent_id/stream
func (h *Handler) StreamAgent(c echo.Context) error {
	agentID := c.Param("agent_id")
	ctx := c.Request().Context()

	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to get agent"})
	}
	if agent == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "agent not found"})
	}

	ws, err := streamUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := h.hub.Attach(ws, agentID)

	ws.SetReadLimit(streamMaxMessage)

	go h.streamWritePump(conn)
	go h.streamReadPump(conn)

	return nil
}

// streamReadPump drains the connection. Agents only receive on the stream;
// inbound frames keep the read deadline fresh.
func (h *Handler) streamReadPump(conn *hub.Connection) {
	defer func() {
		h.hub.Detach(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	}
}

func (h *Handler) streamWritePump(conn *hub.Connection) {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write stream message: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
