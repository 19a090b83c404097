// Package call exposes the REST surface of the signaling core. Everything
// here is a thin translation layer; the broker owns the rules.
package call

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatlink-backend/internal/broker"
	"chatlink-backend/internal/domain"
	"chatlink-backend/pkg/pagination"
	"chatlink-backend/pkg/response"
)

// Handler handles call REST requests
type Handler struct {
	broker *broker.Broker
}

// NewHandler creates a new call handler
func NewHandler(b *broker.Broker) *Handler {
	return &Handler{broker: b}
}

// RegisterRoutes registers call routes on an authenticated group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	{
		calls.POST("/initiate", h.Initiate)
		calls.POST("/:id/respond", h.Respond)
		calls.POST("/:id/cancel", h.Cancel)
		calls.POST("/:id/end", h.End)
		calls.GET("/:id", h.Get)
		calls.GET("", h.List)
	}
}

type initiateRequest struct {
	ReceiverID *uuid.UUID `json:"receiver_id"`
	GroupID    *uuid.UUID `json:"group_id"`
	Kind       string     `json:"kind" binding:"required"`
}

type respondRequest struct {
	Action string `json:"action" binding:"required,oneof=accept decline"`
}

// Initiate starts a call toward a user or a group
func (h *Handler) Initiate(c *gin.Context) {
	actorID, ok := currentUser(c)
	if !ok {
		return
	}

	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if (req.ReceiverID == nil) == (req.GroupID == nil) {
		response.ValidationError(c, "exactly one of receiver_id or group_id is required")
		return
	}

	call, err := h.broker.Initiate(c.Request.Context(), actorID,
		broker.Target{ReceiverID: req.ReceiverID, GroupID: req.GroupID},
		domain.CallKind(req.Kind))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// Respond accepts or declines a ringing call
func (h *Handler) Respond(c *gin.Context) {
	actorID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.broker.Respond(c.Request.Context(), callID, actorID, broker.RespondAction(req.Action))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// Cancel withdraws a ringing call. Caller only.
func (h *Handler) Cancel(c *gin.Context) {
	actorID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	call, err := h.broker.Cancel(c.Request.Context(), callID, actorID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// End hangs up an accepted call, or leaves it when the actor is a group
// participant other than the caller
func (h *Handler) End(c *gin.Context) {
	actorID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	call, err := h.broker.EndOrLeave(c.Request.Context(), callID, actorID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// Get retrieves one call the actor participates in
func (h *Handler) Get(c *gin.Context) {
	actorID, ok := currentUser(c)
	if !ok {
		return
	}
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	call, err := h.broker.GetCall(c.Request.Context(), callID, actorID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// List returns the actor's call history, newest first. ?active=true limits
// the result to calls still ringing or in progress.
func (h *Handler) List(c *gin.Context) {
	actorID, ok := currentUser(c)
	if !ok {
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	activeOnly := c.Query("active") == "true"

	calls, err := h.broker.History(c.Request.Context(), actorID, params.Limit, params.Offset, activeOnly)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.Build(params, calls))
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Authentication required")
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	if !ok {
		response.Unauthorized(c, "Authentication required")
		return uuid.Nil, false
	}
	return id, true
}

func callIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "invalid call id")
		return uuid.Nil, false
	}
	return id, true
}
