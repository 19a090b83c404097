// Package ws carries the real-time side of call signaling: one durable
// WebSocket per client connection, fan-out to users and rooms, and a Redis
// bridge so room events reach clients connected to other instances.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatlink-backend/internal/broker"
	"chatlink-backend/internal/presence"
	"chatlink-backend/pkg/logger"
	"chatlink-backend/pkg/metrics"
)

// Envelope is the wire frame for every event in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// bridgeFrame is what goes over the Redis room channels. InstanceID lets a
// subscriber skip its own publishes; Except propagates sender exclusion.
type bridgeFrame struct {
	InstanceID uuid.UUID       `json:"instance_id"`
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data,omitempty"`
	Except     *uuid.UUID      `json:"except,omitempty"`
}

// Hub tracks every open connection, indexes them by user and by room, and
// implements the broker's Publisher. It is the only writer of the presence
// registry.
type Hub struct {
	mu      sync.RWMutex
	byConn  map[uuid.UUID]*Client
	byUser  map[uuid.UUID]map[*Client]bool
	byRoom  map[string]map[*Client]bool

	// Cancel functions for Redis room subscriptions
	subscriptionCancels map[string]context.CancelFunc

	instanceID  uuid.UUID
	redisClient *redis.Client // nil disables the cross-instance bridge
	registry    *presence.Registry
	appMetrics  *metrics.Metrics

	brkMu sync.RWMutex
	brk   *broker.Broker

	// Concurrency limit for WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// NewHub creates a hub. The broker is attached afterwards via SetBroker
// because it needs the hub as its publisher.
func NewHub(registry *presence.Registry, redisClient *redis.Client, appMetrics *metrics.Metrics, maxConnections int) *Hub {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	return &Hub{
		byConn:              make(map[uuid.UUID]*Client),
		byUser:              make(map[uuid.UUID]map[*Client]bool),
		byRoom:              make(map[string]map[*Client]bool),
		subscriptionCancels: make(map[string]context.CancelFunc),
		instanceID:          uuid.New(),
		redisClient:         redisClient,
		registry:            registry,
		appMetrics:          appMetrics,
		maxConnections:      maxConnections,
		semaphore:           make(chan struct{}, maxConnections),
	}
}

// SetBroker attaches the signaling broker once it is constructed
func (h *Hub) SetBroker(b *broker.Broker) {
	h.brkMu.Lock()
	h.brk = b
	h.brkMu.Unlock()
}

func (h *Hub) broker() *broker.Broker {
	h.brkMu.RLock()
	defer h.brkMu.RUnlock()
	return h.brk
}

// registerClient indexes the connection and flips presence. Returns after
// the client is addressable via ToUser.
func (h *Hub) registerClient(c *Client) {
	h.mu.Lock()
	h.byConn[c.connID] = c
	set, ok := h.byUser[c.userID]
	if !ok {
		set = make(map[*Client]bool)
		h.byUser[c.userID] = set
	}
	set[c] = true
	h.mu.Unlock()

	h.registry.RegisterConnection(c.userID, c.connID)
	if h.appMetrics != nil {
		h.appMetrics.WebSocketConnected()
	}

	// Re-deliver any call still ringing for this user: a reconnect
	// mid-ring must still see the incoming call.
	if b := h.broker(); b != nil {
		go b.ResyncRinging(context.Background(), c.userID)
	}

	logger.Debug("WebSocket client registered",
		zap.String("user_id", c.userID.String()),
		zap.String("conn_id", c.connID.String()))
}

// unregisterClient removes the connection from every index. Tolerates
// duplicate calls.
func (h *Hub) unregisterClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.byConn[c.connID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.byConn, c.connID)
	if set, ok := h.byUser[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	var emptied []string
	for room := range c.rooms {
		if h.removeFromRoomLocked(room, c) {
			emptied = append(emptied, room)
		}
	}
	close(c.send)
	h.mu.Unlock()

	for _, room := range emptied {
		h.stopBridge(room)
	}

	h.registry.RemoveConnection(c.userID, c.connID)
	if h.appMetrics != nil {
		h.appMetrics.WebSocketDisconnected()
	}

	logger.Debug("WebSocket client unregistered",
		zap.String("user_id", c.userID.String()),
		zap.String("conn_id", c.connID.String()))
}

// JoinRoom subscribes the connection to a room address
func (h *Hub) JoinRoom(c *Client, roomID string) {
	h.mu.Lock()
	set, ok := h.byRoom[roomID]
	if !ok {
		set = make(map[*Client]bool)
		h.byRoom[roomID] = set
	}
	first := len(set) == 0
	set[c] = true
	c.rooms[roomID] = true
	h.mu.Unlock()

	if first {
		h.startBridge(roomID)
	}
}

// LeaveRoom unsubscribes the connection from a room address
func (h *Hub) LeaveRoom(c *Client, roomID string) {
	h.mu.Lock()
	delete(c.rooms, roomID)
	emptied := h.removeFromRoomLocked(roomID, c)
	h.mu.Unlock()

	if emptied {
		h.stopBridge(roomID)
	}
}

// removeFromRoomLocked reports whether the room became empty
func (h *Hub) removeFromRoomLocked(roomID string, c *Client) bool {
	set, ok := h.byRoom[roomID]
	if !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.byRoom, roomID)
		return true
	}
	return false
}

// ToUser pushes an event to every open connection of the user. A user with
// no connections is a silent drop.
func (h *Hub) ToUser(userID uuid.UUID, event string, payload interface{}) {
	frame, err := marshalEnvelope(event, payload)
	if err != nil {
		logger.Error("Failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		if h.appMetrics != nil {
			h.appMetrics.SignalDropped()
		}
		logger.Debug("Dropped event for offline user",
			zap.String("event", event),
			zap.String("user_id", userID.String()))
		return
	}
	for _, c := range clients {
		c.enqueue(frame)
	}
	h.countOutbound(event, len(clients))
}

// ToRoom pushes an event to every connection joined to the room, on this
// instance and (via Redis) every other one
func (h *Hub) ToRoom(roomID string, event string, payload interface{}) {
	h.toRoom(roomID, nil, event, payload)
}

// ToRoomExcept is ToRoom minus every connection owned by one user,
// typically the sender of the event being fanned out
func (h *Hub) ToRoomExcept(roomID string, except uuid.UUID, event string, payload interface{}) {
	h.toRoom(roomID, &except, event, payload)
}

func (h *Hub) toRoom(roomID string, except *uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	h.deliverRoomLocal(roomID, except, event, data)

	if h.redisClient == nil {
		return
	}
	frame, err := json.Marshal(bridgeFrame{
		InstanceID: h.instanceID,
		Event:      event,
		Data:       data,
		Except:     except,
	})
	if err != nil {
		return
	}
	if err := h.redisClient.Publish(context.Background(), roomChannel(roomID), frame).Err(); err != nil {
		logger.Warn("Failed to publish room event to Redis",
			zap.String("room_id", roomID), zap.Error(err))
	}
}

func (h *Hub) deliverRoomLocal(roomID string, except *uuid.UUID, event string, data json.RawMessage) {
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	var clients []*Client
	for c := range h.byRoom[roomID] {
		if except != nil && c.userID == *except {
			continue
		}
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(frame)
	}
	h.countOutbound(event, len(clients))
}

// Broadcast pushes an event to every open connection
func (h *Hub) Broadcast(event string, payload interface{}) {
	frame, err := marshalEnvelope(event, payload)
	if err != nil {
		logger.Error("Failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.byConn))
	for _, c := range h.byConn {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(frame)
	}
	h.countOutbound(event, len(clients))
}

// startBridge subscribes to the room's Redis channel so events published by
// other instances reach local clients
func (h *Hub) startBridge(roomID string) {
	if h.redisClient == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	if _, exists := h.subscriptionCancels[roomID]; exists {
		h.mu.Unlock()
		cancel()
		return
	}
	h.subscriptionCancels[roomID] = cancel
	h.mu.Unlock()

	go h.subscribeToRoom(ctx, roomID)
}

// stopBridge cancels the room's Redis subscription once no local client
// remains joined
func (h *Hub) stopBridge(roomID string) {
	h.mu.Lock()
	cancel, ok := h.subscriptionCancels[roomID]
	if ok {
		delete(h.subscriptionCancels, roomID)
	}
	h.mu.Unlock()

	if ok {
		cancel()
	}
}

func (h *Hub) subscribeToRoom(ctx context.Context, roomID string) {
	pubsub := h.redisClient.Subscribe(ctx, roomChannel(roomID))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to Redis channel",
			zap.String("room_id", roomID), zap.Error(err))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if msg == nil {
				continue
			}
			var frame bridgeFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
				logger.Warn("Failed to unmarshal Redis message",
					zap.String("room_id", roomID), zap.Error(err))
				continue
			}
			if frame.InstanceID == h.instanceID {
				continue // our own publish, already delivered locally
			}
			h.deliverRoomLocal(roomID, frame.Except, frame.Event, frame.Data)
		}
	}
}

func (h *Hub) countOutbound(event string, n int) {
	if h.appMetrics == nil || n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		h.appMetrics.RecordWebSocketMessage("out", event)
	}
}

func marshalEnvelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func roomChannel(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}
