package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatlink-backend/internal/broker"
	"chatlink-backend/pkg/constants"
	"chatlink-backend/pkg/errors"
	"chatlink-backend/pkg/logger"
)

const (
	writeWait  = constants.WebSocketWriteTimeout
	pongWait   = constants.WebSocketPingInterval + 10*time.Second
	pingPeriod = constants.WebSocketPingInterval

	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin is enforced at the gateway
		return true
	},
}

// Client is one WebSocket connection owned by one authenticated user
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	connID uuid.UUID
	rooms  map[string]bool
}

// joinPayload carries the room or group a client wants event delivery for
type joinPayload struct {
	RoomID  string     `json:"room_id"`
	GroupID *uuid.UUID `json:"group_id"`
}

// signalPayload carries a WebRTC session frame to be relayed through a call
type signalPayload struct {
	CallID  uuid.UUID       `json:"call_id"`
	Payload json.RawMessage `json:"payload"`
}

// errorPayload is sent back to the client when an inbound event is rejected
type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServeWS upgrades the request to a WebSocket and runs the connection until
// it closes. Requires the auth middleware to have set user_id.
func (h *Hub) ServeWS(c *gin.Context) {
	userIDVal, ok := c.Get("user_id")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	select {
	case h.semaphore <- struct{}{}:
	default:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		connID: uuid.New(),
		rooms:  make(map[string]bool),
	}

	h.registerClient(client)

	go client.writePump()
	go client.readPump()
}

// readPump reads inbound events until the connection drops, then tears the
// client down
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
		<-c.hub.semaphore
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("WebSocket read error",
					zap.String("user_id", c.userID.String()), zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// writePump drains the send channel and keeps the connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump. A client that cannot keep up has
// its buffer full and the frame is dropped rather than blocking the hub.
func (c *Client) enqueue(frame []byte) {
	defer func() {
		// send may be closed concurrently by unregisterClient
		recover()
	}()
	select {
	case c.send <- frame:
	default:
		logger.Warn("Dropping frame for slow WebSocket client",
			zap.String("user_id", c.userID.String()))
	}
}

func (c *Client) handleMessage(message []byte) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		c.sendError("INVALID_INPUT", "malformed event")
		return
	}

	if c.hub.appMetrics != nil {
		c.hub.appMetrics.RecordWebSocketMessage("in", env.Event)
	}

	switch env.Event {
	case "joinRoom":
		var p joinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
			c.sendError("INVALID_INPUT", "room_id is required")
			return
		}
		c.hub.JoinRoom(c, p.RoomID)
	case "leaveRoom":
		var p joinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.RoomID == "" {
			c.sendError("INVALID_INPUT", "room_id is required")
			return
		}
		c.hub.LeaveRoom(c, p.RoomID)
	case "joinGroup":
		var p joinPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.GroupID == nil {
			c.sendError("INVALID_INPUT", "group_id is required")
			return
		}
		c.hub.JoinRoom(c, p.GroupID.String())
	case broker.SignalOffer, broker.SignalAnswer, broker.SignalCandidate:
		c.handleSignal(env.Event, env.Data)
	default:
		c.sendError("INVALID_INPUT", "unknown event: "+env.Event)
	}
}

// handleSignal relays a WebRTC session frame through the broker, reporting
// rejections back to the sender only
func (c *Client) handleSignal(kind string, data json.RawMessage) {
	b := c.hub.broker()
	if b == nil {
		c.sendError("INTERNAL_ERROR", "signaling unavailable")
		return
	}

	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil || p.CallID == uuid.Nil {
		c.sendError("INVALID_INPUT", "call_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.RelaySessionPayload(ctx, p.CallID, c.userID, kind, p.Payload); err != nil {
		appErr := errors.GetAppError(err)
		c.sendError(string(appErr.Code), appErr.Message)
	}
}

func (c *Client) sendError(code, message string) {
	frame, err := marshalEnvelope("error", errorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(frame)
}
