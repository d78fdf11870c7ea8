package calls

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callbridge-backend/internal/callstate"
	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/service/call"
	"callbridge-backend/internal/signaling"
	"callbridge-backend/pkg/pagination"
	"callbridge-backend/pkg/response"
)

// Handler handles call lifecycle HTTP requests
type Handler struct {
	callService *call.Service
	router      *signaling.Router
}

// NewHandler creates a new calls handler
func NewHandler(callService *call.Service, router *signaling.Router) *Handler {
	return &Handler{
		callService: callService,
		router:      router,
	}
}

// InitiateRequest represents call initiation data
type InitiateRequest struct {
	CallerEndpointID string `json:"caller_endpoint_id" binding:"required,uuid"`
	CalleeUserID     string `json:"callee_user_id" binding:"required,uuid"`
	Kind             string `json:"kind" binding:"required,oneof=voice video"`
}

// ParticipantRequest names the endpoint performing a session operation
type ParticipantRequest struct {
	EndpointID string `json:"endpoint_id" binding:"required,uuid"`
}

// SignalRequest carries an opaque negotiation payload for the peer
type SignalRequest struct {
	EndpointID string          `json:"endpoint_id" binding:"required,uuid"`
	Data       json.RawMessage `json:"data" binding:"required"`
}

// SessionResponse is the wire form of a call session
type SessionResponse struct {
	ID               uuid.UUID           `json:"id"`
	State            domain.CallState    `json:"state"`
	CallerEndpointID uuid.UUID           `json:"caller_endpoint_id"`
	CalleeEndpointID uuid.UUID           `json:"callee_endpoint_id"`
	CallerUserID     uuid.UUID           `json:"caller_user_id"`
	CalleeUserID     uuid.UUID           `json:"callee_user_id"`
	Kind             domain.CallKind     `json:"kind"`
	CreatedAt        time.Time           `json:"created_at"`
	History          []domain.Transition `json:"history"`
}

// Initiate starts a call toward another user
// POST /v1/calls
func (h *Handler) Initiate(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerEndpointID, err := uuid.Parse(req.CallerEndpointID)
	if err != nil {
		response.ValidationError(c, "Invalid caller endpoint ID")
		return
	}
	calleeUserID, err := uuid.Parse(req.CalleeUserID)
	if err != nil {
		response.ValidationError(c, "Invalid callee user ID")
		return
	}

	callerName, _ := c.Get("username")
	callerNameStr, _ := callerName.(string)

	session, err := h.callService.Initiate(c.Request.Context(), &call.InitiateInput{
		CallerEndpointID: callerEndpointID,
		CallerUserID:     userID,
		CallerName:       callerNameStr,
		CalleeUserID:     calleeUserID,
		Kind:             domain.CallKind(req.Kind),
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, toSessionResponse(session))
}

// Get returns the current state of a session
// GET /v1/calls/:id
func (h *Handler) Get(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	session := h.callService.Session(sessionID)
	if session == nil {
		response.NotFound(c, "Session not found")
		return
	}

	response.Success(c, http.StatusOK, toSessionResponse(session))
}

// Accept connects a ringing session
// POST /v1/calls/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	h.sessionOp(c, h.callService.Accept)
}

// Decline rejects a ringing session
// POST /v1/calls/:id/decline
func (h *Handler) Decline(c *gin.Context) {
	h.sessionOp(c, h.callService.Decline)
}

// Terminate ends a session
// POST /v1/calls/:id/terminate
func (h *Handler) Terminate(c *gin.Context) {
	h.sessionOp(c, h.callService.Terminate)
}

// Signal relays a negotiation payload to the session peer
// POST /v1/calls/:id/signal
func (h *Handler) Signal(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	endpointID, err := uuid.Parse(req.EndpointID)
	if err != nil {
		response.ValidationError(c, "Invalid endpoint ID")
		return
	}

	if err := h.router.Relay(c.Request.Context(), sessionID, endpointID, req.Data); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id": sessionID,
	})
}

// History returns the user's terminated calls, most recent first
// GET /v1/calls/history
func (h *Handler) History(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	params, err := pagination.ParseParams(c.Query("cursor"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, "Invalid cursor")
		return
	}

	entries, next, err := h.callService.History(c.Request.Context(), userID, params)
	if err != nil {
		response.AppError(c, err)
		return
	}
	if entries == nil {
		entries = []*domain.CallHistoryEntry{}
	}

	response.Success(c, http.StatusOK, pagination.BuildPage(entries, next))
}

// sessionOp runs one participant-scoped lifecycle operation
func (h *Handler) sessionOp(c *gin.Context, op func(ctx context.Context, sessionID, endpointID uuid.UUID) error) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid session ID")
		return
	}

	var req ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	endpointID, err := uuid.Parse(req.EndpointID)
	if err != nil {
		response.ValidationError(c, "Invalid endpoint ID")
		return
	}

	if err := op(c.Request.Context(), sessionID, endpointID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id": sessionID,
	})
}

func toSessionResponse(session *callstate.Session) SessionResponse {
	return SessionResponse{
		ID:               session.ID,
		State:            session.State(),
		CallerEndpointID: session.CallerEndpointID,
		CalleeEndpointID: session.CalleeEndpointID,
		CallerUserID:     session.CallerUserID,
		CalleeUserID:     session.CalleeUserID,
		Kind:             session.Kind,
		CreatedAt:        session.CreatedAt,
		History:          session.History(),
	}
}

func currentUserID(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
