package call

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/adityatekale27/chat-app/internal/domain"
	"github.com/adityatekale27/chat-app/internal/middleware"
	callsvc "github.com/adityatekale27/chat-app/internal/service/call"
	"github.com/adityatekale27/chat-app/pkg/response"
)

// Handler exposes the call signaling operations over HTTP. Every route
// requires an authenticated user; the caller identity always comes from
// the token, never from the request body.
type Handler struct {
	service *callsvc.Service
}

func NewHandler(service *callsvc.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers call routes on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	{
		calls.POST("/offer", h.Offer)
		calls.POST("/answer", h.Answer)
		calls.POST("/end", h.End)
		calls.GET("", h.History)
	}
}

type offerRequest struct {
	CalleeID       uuid.UUID       `json:"calleeId" binding:"required"`
	ConversationID uuid.UUID       `json:"conversationId" binding:"required"`
	CallType       domain.CallKind `json:"callType" binding:"required"`
	Offer          json.RawMessage `json:"offer" binding:"required"`
}

// Offer creates a call record and relays the SDP offer to the callee.
func (h *Handler) Offer(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "Authentication required")
		return
	}

	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "Invalid request body: "+err.Error())
		return
	}
	if !req.CallType.Valid() {
		response.ValidationError(c, "callType must be AUDIO or VIDEO")
		return
	}
	if req.CalleeID == userID {
		response.ValidationError(c, "Cannot call yourself")
		return
	}

	rec, err := h.service.Offer(c.Request.Context(), &callsvc.OfferInput{
		CallerID:       userID,
		CalleeID:       req.CalleeID,
		ConversationID: req.ConversationID,
		Kind:           req.CallType,
		Offer:          req.Offer,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, rec)
}

type answerRequest struct {
	CallID uuid.UUID       `json:"callId" binding:"required"`
	Answer json.RawMessage `json:"answer" binding:"required"`
}

// Answer marks the call answered and relays the SDP answer to the caller.
func (h *Handler) Answer(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "Authentication required")
		return
	}

	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "Invalid request body: "+err.Error())
		return
	}

	rec, err := h.service.Answer(c.Request.Context(), &callsvc.AnswerInput{
		CallID:     req.CallID,
		FromUserID: userID,
		Answer:     req.Answer,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, rec)
}

type endRequest struct {
	CallID uuid.UUID `json:"callId" binding:"required"`
}

// End finalizes the call and notifies the other participant. Safe to
// repeat; the stored outcome is returned either way.
func (h *Handler) End(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "Authentication required")
		return
	}

	var req endRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "Invalid request body: "+err.Error())
		return
	}

	rec, err := h.service.End(c.Request.Context(), &callsvc.EndInput{
		CallID:     req.CallID,
		FromUserID: userID,
	})
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, rec)
}

// History lists the authenticated user's call records, most recent first.
func (h *Handler) History(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "Authentication required")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, err := h.service.History(c.Request.Context(), userID, limit, offset)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls":  records,
		"limit":  limit,
		"offset": offset,
	})
}
