package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink-backend/internal/broker"
	callstore "chatlink-backend/internal/call"
	"chatlink-backend/internal/domain"
	"chatlink-backend/internal/presence"
)

// stubPublisher swallows events; HTTP tests only care about status codes
// and response bodies
type stubPublisher struct{}

func (stubPublisher) ToUser(uuid.UUID, string, interface{})               {}
func (stubPublisher) ToRoom(string, string, interface{})                  {}
func (stubPublisher) ToRoomExcept(string, uuid.UUID, string, interface{}) {}
func (stubPublisher) Broadcast(string, interface{})                       {}

// stubDirectory treats every user as existing and no groups
type stubDirectory struct{}

func (stubDirectory) GetUser(_ context.Context, id uuid.UUID) (*domain.User, error) {
	return &domain.User{UserID: id, Username: "someone"}, nil
}
func (stubDirectory) UserExists(context.Context, uuid.UUID) (bool, error) {
	return true, nil
}
func (stubDirectory) GroupExists(context.Context, uuid.UUID) (bool, error) {
	return false, nil
}
func (stubDirectory) GroupMembers(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (stubDirectory) GroupsFor(context.Context, uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func setupRouter(userID uuid.UUID) (*gin.Engine, *broker.Broker) {
	gin.SetMode(gin.TestMode)

	store := callstore.NewMemoryStore()
	b := broker.New(store, presence.NewRegistry(), stubDirectory{}, stubPublisher{})
	handler := NewHandler(b)

	router := gin.New()
	v1 := router.Group("/v1")
	v1.Use(func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Next()
	})
	handler.RegisterRoutes(v1)
	return router, b
}

func doJSON(router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestInitiateEndpoint tests POST /v1/calls/initiate
func TestInitiateEndpoint(t *testing.T) {
	callerID := uuid.New()
	router, _ := setupRouter(callerID)
	receiverID := uuid.New()

	w := doJSON(router, http.MethodPost, "/v1/calls/initiate", gin.H{
		"receiver_id": receiverID,
		"kind":        "video",
	})

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	var c domain.Call
	require.NoError(t, json.Unmarshal(resp.Data, &c))
	assert.Equal(t, domain.CallStatusRinging, c.Status)
	assert.Equal(t, callerID, c.CallerID)
}

// TestInitiateEndpoint_BothTargets tests target validation
func TestInitiateEndpoint_BothTargets(t *testing.T) {
	router, _ := setupRouter(uuid.New())

	w := doJSON(router, http.MethodPost, "/v1/calls/initiate", gin.H{
		"receiver_id": uuid.New(),
		"group_id":    uuid.New(),
		"kind":        "audio",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestInitiateEndpoint_SelfCall tests the self-call rejection status
func TestInitiateEndpoint_SelfCall(t *testing.T) {
	callerID := uuid.New()
	router, _ := setupRouter(callerID)

	w := doJSON(router, http.MethodPost, "/v1/calls/initiate", gin.H{
		"receiver_id": callerID,
		"kind":        "audio",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SELF_CALL_NOT_ALLOWED", resp.Error.Code)
}

// TestInitiateEndpoint_Conflict tests the 409 for a duplicate pairwise call
func TestInitiateEndpoint_Conflict(t *testing.T) {
	router, _ := setupRouter(uuid.New())
	receiverID := uuid.New()

	w := doJSON(router, http.MethodPost, "/v1/calls/initiate", gin.H{
		"receiver_id": receiverID, "kind": "audio",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/calls/initiate", gin.H{
		"receiver_id": receiverID, "kind": "audio",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

// TestRespondEndpoint tests POST /v1/calls/:id/respond
func TestRespondEndpoint(t *testing.T) {
	callerID := uuid.New()
	receiverID := uuid.New()
	router, b := setupRouter(receiverID)

	c, err := b.Initiate(context.Background(), callerID,
		broker.Target{ReceiverID: &receiverID}, domain.CallKindAudio)
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost,
		fmt.Sprintf("/v1/calls/%s/respond", c.CallID), gin.H{"action": "accept"})

	assert.Equal(t, http.StatusOK, w.Code)

	var resp envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	var got domain.Call
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, domain.CallStatusAccepted, got.Status)
}

// TestRespondEndpoint_BadAction tests binding validation for action
func TestRespondEndpoint_BadAction(t *testing.T) {
	router, _ := setupRouter(uuid.New())

	w := doJSON(router, http.MethodPost,
		fmt.Sprintf("/v1/calls/%s/respond", uuid.New()), gin.H{"action": "shrug"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestRespondEndpoint_NotFound tests the unknown call id status
func TestRespondEndpoint_NotFound(t *testing.T) {
	router, _ := setupRouter(uuid.New())

	w := doJSON(router, http.MethodPost,
		fmt.Sprintf("/v1/calls/%s/respond", uuid.New()), gin.H{"action": "accept"})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestRespondEndpoint_Forbidden tests a third party responding
func TestRespondEndpoint_Forbidden(t *testing.T) {
	strangerID := uuid.New()
	router, b := setupRouter(strangerID)
	receiverID := uuid.New()

	c, err := b.Initiate(context.Background(), uuid.New(),
		broker.Target{ReceiverID: &receiverID}, domain.CallKindAudio)
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost,
		fmt.Sprintf("/v1/calls/%s/respond", c.CallID), gin.H{"action": "accept"})

	assert.Equal(t, http.StatusForbidden, w.Code)
}

// TestCancelEndpoint tests POST /v1/calls/:id/cancel
func TestCancelEndpoint(t *testing.T) {
	callerID := uuid.New()
	router, b := setupRouter(callerID)
	receiverID := uuid.New()

	c, err := b.Initiate(context.Background(), callerID,
		broker.Target{ReceiverID: &receiverID}, domain.CallKindAudio)
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost,
		fmt.Sprintf("/v1/calls/%s/cancel", c.CallID), nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

// TestEndEndpoint tests POST /v1/calls/:id/end on an accepted call
func TestEndEndpoint(t *testing.T) {
	callerID := uuid.New()
	router, b := setupRouter(callerID)
	receiverID := uuid.New()

	c, err := b.Initiate(context.Background(), callerID,
		broker.Target{ReceiverID: &receiverID}, domain.CallKindAudio)
	require.NoError(t, err)
	_, err = b.Respond(context.Background(), c.CallID, receiverID, broker.ActionAccept)
	require.NoError(t, err)

	w := doJSON(router, http.MethodPost,
		fmt.Sprintf("/v1/calls/%s/end", c.CallID), nil)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	var got domain.Call
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, domain.CallStatusEnded, got.Status)
}

// TestGetEndpoint tests GET /v1/calls/:id and its participant restriction
func TestGetEndpoint(t *testing.T) {
	callerID := uuid.New()
	router, b := setupRouter(callerID)
	receiverID := uuid.New()

	c, err := b.Initiate(context.Background(), callerID,
		broker.Target{ReceiverID: &receiverID}, domain.CallKindVideo)
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, fmt.Sprintf("/v1/calls/%s", c.CallID), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/calls/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// TestListEndpoint tests GET /v1/calls with paging and the active filter
func TestListEndpoint(t *testing.T) {
	callerID := uuid.New()
	router, b := setupRouter(callerID)

	for i := 0; i < 3; i++ {
		receiverID := uuid.New()
		c, err := b.Initiate(context.Background(), callerID,
			broker.Target{ReceiverID: &receiverID}, domain.CallKindAudio)
		require.NoError(t, err)
		if i == 0 {
			_, err = b.Cancel(context.Background(), c.CallID, callerID)
			require.NoError(t, err)
		}
	}

	w := doJSON(router, http.MethodGet, "/v1/calls?page=1&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	var paged struct {
		Data []domain.Call `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &paged))
	assert.Len(t, paged.Data, 3)

	w = doJSON(router, http.MethodGet, "/v1/calls?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NoError(t, json.Unmarshal(resp.Data, &paged))
	assert.Len(t, paged.Data, 2)
}

// TestUnauthenticated tests requests with no user in context
func TestUnauthenticated(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := callstore.NewMemoryStore()
	b := broker.New(store, presence.NewRegistry(), stubDirectory{}, stubPublisher{})
	handler := NewHandler(b)

	router := gin.New()
	v1 := router.Group("/v1")
	handler.RegisterRoutes(v1)

	w := doJSON(router, http.MethodGet, "/v1/calls", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
