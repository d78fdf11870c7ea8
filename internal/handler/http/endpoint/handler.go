package endpoint

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/service/call"
	"callbridge-backend/pkg/response"
)

// Handler handles endpoint registry HTTP requests
type Handler struct {
	callService *call.Service
}

// NewHandler creates a new endpoint handler
func NewHandler(callService *call.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// RegisterRequest represents endpoint registration data
type RegisterRequest struct {
	Capabilities []string `json:"capabilities" binding:"omitempty,dive,oneof=voice video"`
}

// EndpointResponse is the wire form of a registered endpoint
type EndpointResponse struct {
	ID            uuid.UUID           `json:"id"`
	UserID        uuid.UUID           `json:"user_id"`
	Capabilities  []domain.Capability `json:"capabilities"`
	RegisteredAt  string              `json:"registered_at"`
	LastHeartbeat string              `json:"last_heartbeat"`
}

// Register registers a new endpoint for the authenticated user
// POST /v1/endpoints
func (h *Handler) Register(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	capabilities := make([]domain.Capability, len(req.Capabilities))
	for i, cap := range req.Capabilities {
		capabilities[i] = domain.Capability(cap)
	}

	endpoint, err := h.callService.Register(c.Request.Context(), &call.RegisterInput{
		UserID:       userID,
		Capabilities: capabilities,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, toEndpointResponse(endpoint))
}

// Heartbeat refreshes endpoint liveness
// POST /v1/endpoints/:id/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	endpointID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid endpoint ID")
		return
	}

	if err := h.callService.Heartbeat(c.Request.Context(), endpointID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"endpoint_id": endpointID,
	})
}

// Deregister removes the endpoint and fails its active sessions
// DELETE /v1/endpoints/:id
func (h *Handler) Deregister(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	endpointID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid endpoint ID")
		return
	}

	if err := h.callService.Deregister(c.Request.Context(), endpointID, userID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":     "Endpoint deregistered",
		"endpoint_id": endpointID,
	})
}

func toEndpointResponse(endpoint *domain.Endpoint) EndpointResponse {
	capabilities := endpoint.Capabilities
	if capabilities == nil {
		capabilities = []domain.Capability{}
	}
	return EndpointResponse{
		ID:            endpoint.ID,
		UserID:        endpoint.UserID,
		Capabilities:  capabilities,
		RegisteredAt:  endpoint.RegisteredAt.Format("2006-01-02T15:04:05Z07:00"),
		LastHeartbeat: endpoint.LastHeartbeat.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// currentUserID pulls the authenticated user from the request context
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
