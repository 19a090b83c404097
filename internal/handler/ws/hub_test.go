package ws

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink-backend/internal/presence"
)

func newTestClient(h *Hub, userID uuid.UUID) *Client {
	return &Client{
		hub:    h,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
		connID: uuid.New(),
		rooms:  make(map[string]bool),
	}
}

func receivedEvents(c *Client) []Envelope {
	var out []Envelope
	for {
		select {
		case frame := <-c.send:
			var env Envelope
			if err := json.Unmarshal(frame, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

// TestToUser tests fan-out to every connection of one user
func TestToUser(t *testing.T) {
	hub := NewHub(presence.NewRegistry(), nil, nil, 10)
	userID := uuid.New()
	connA := newTestClient(hub, userID)
	connB := newTestClient(hub, userID)
	other := newTestClient(hub, uuid.New())
	hub.registerClient(connA)
	hub.registerClient(connB)
	hub.registerClient(other)

	hub.ToUser(userID, "call-accepted", map[string]string{"call_id": "x"})

	require.Len(t, receivedEvents(connA), 1)
	require.Len(t, receivedEvents(connB), 1)
	assert.Empty(t, receivedEvents(other))
}

// TestToUser_Offline tests that delivery to a user with no connections is a
// silent drop
func TestToUser_Offline(t *testing.T) {
	hub := NewHub(presence.NewRegistry(), nil, nil, 10)

	assert.NotPanics(t, func() {
		hub.ToUser(uuid.New(), "call-accepted", nil)
	})
}

// TestToRoom tests room delivery and the except variant
func TestToRoom(t *testing.T) {
	hub := NewHub(presence.NewRegistry(), nil, nil, 10)
	alice := newTestClient(hub, uuid.New())
	bob := newTestClient(hub, uuid.New())
	outsider := newTestClient(hub, uuid.New())
	hub.registerClient(alice)
	hub.registerClient(bob)
	hub.registerClient(outsider)

	roomID := "room-1"
	hub.JoinRoom(alice, roomID)
	hub.JoinRoom(bob, roomID)

	hub.ToRoom(roomID, "group-call-ended", nil)
	assert.Len(t, receivedEvents(alice), 1)
	assert.Len(t, receivedEvents(bob), 1)
	assert.Empty(t, receivedEvents(outsider))

	hub.ToRoomExcept(roomID, alice.userID, "call-offer", nil)
	assert.Empty(t, receivedEvents(alice))
	require.Len(t, receivedEvents(bob), 1)
}

// TestBroadcast tests delivery to every open connection
func TestBroadcast(t *testing.T) {
	hub := NewHub(presence.NewRegistry(), nil, nil, 10)
	alice := newTestClient(hub, uuid.New())
	bob := newTestClient(hub, uuid.New())
	hub.registerClient(alice)
	hub.registerClient(bob)

	hub.Broadcast("userStatus", map[string]bool{"online": true})

	events := receivedEvents(alice)
	require.Len(t, events, 1)
	assert.Equal(t, "userStatus", events[0].Event)
	assert.Len(t, receivedEvents(bob), 1)
}

// TestRegisterClient_Presence tests that registration drives the presence
// registry
func TestRegisterClient_Presence(t *testing.T) {
	registry := presence.NewRegistry()
	hub := NewHub(registry, nil, nil, 10)
	userID := uuid.New()
	client := newTestClient(hub, userID)

	hub.registerClient(client)
	assert.True(t, registry.IsOnline(userID))

	hub.unregisterClient(client)
	assert.False(t, registry.IsOnline(userID))
}

// TestUnregisterClient_LeavesRooms tests that a dropped connection vacates
// its rooms and tolerates duplicate unregister
func TestUnregisterClient_LeavesRooms(t *testing.T) {
	hub := NewHub(presence.NewRegistry(), nil, nil, 10)
	alice := newTestClient(hub, uuid.New())
	bob := newTestClient(hub, uuid.New())
	hub.registerClient(alice)
	hub.registerClient(bob)
	hub.JoinRoom(alice, "room-1")
	hub.JoinRoom(bob, "room-1")

	hub.unregisterClient(alice)
	hub.unregisterClient(alice)

	hub.ToRoom("room-1", "call-offer", nil)
	require.Len(t, receivedEvents(bob), 1)
}

// TestEnqueue_FullBuffer tests that a slow client drops frames instead of
// blocking delivery
func TestEnqueue_FullBuffer(t *testing.T) {
	hub := NewHub(presence.NewRegistry(), nil, nil, 10)
	client := &Client{
		hub:    hub,
		send:   make(chan []byte, 1),
		userID: uuid.New(),
		connID: uuid.New(),
		rooms:  make(map[string]bool),
	}
	hub.registerClient(client)

	assert.NotPanics(t, func() {
		hub.ToUser(client.userID, "a", nil)
		hub.ToUser(client.userID, "b", nil)
	})
	assert.Len(t, receivedEvents(client), 1)
}
