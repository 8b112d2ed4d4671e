package presence

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/adityatekale27/chat-app/internal/middleware"
	presencesvc "github.com/adityatekale27/chat-app/internal/service/presence"
	"github.com/adityatekale27/chat-app/pkg/response"
)

// Handler exposes presence heartbeats and lookups. The sweep endpoint is
// meant for an external scheduler and is guarded by a shared secret
// header instead of a user token.
type Handler struct {
	service     *presencesvc.Service
	sweepSecret string
}

func NewHandler(service *presencesvc.Service, sweepSecret string) *Handler {
	return &Handler{service: service, sweepSecret: sweepSecret}
}

// RegisterRoutes registers presence routes on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	p := rg.Group("/presence")
	{
		p.POST("/heartbeat", h.Heartbeat)
		p.GET("/online", h.OnlineUsers)
		p.GET("/users/:userID", h.Get)
	}
}

// RegisterSweepRoute registers the sweep trigger outside the auth group.
func (h *Handler) RegisterSweepRoute(rg *gin.RouterGroup) {
	rg.POST("/presence/sweep", h.Sweep)
}

// Heartbeat records activity for the authenticated user and broadcasts
// an online presence event.
func (h *Handler) Heartbeat(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		response.Unauthorized(c, "Authentication required")
		return
	}

	if err := h.service.Heartbeat(c.Request.Context(), userID); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"online": true})
}

// Get returns the presence entry for a single user. Users with no
// recorded activity read as offline.
func (h *Handler) Get(c *gin.Context) {
	userID, err := uuid.Parse(c.Param("userID"))
	if err != nil {
		response.ValidationError(c, "Invalid user ID")
		return
	}

	entry, err := h.service.IsOnline(c.Request.Context(), userID)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, entry)
}

// OnlineUsers lists user IDs currently marked online.
func (h *Handler) OnlineUsers(c *gin.Context) {
	users, err := h.service.OnlineUsers(c.Request.Context())
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"users": users})
}

// Sweep demotes users whose last activity is older than the freshness
// window. Triggered by an external scheduler with a shared secret.
func (h *Handler) Sweep(c *gin.Context) {
	secret := c.GetHeader("X-Sweep-Secret")
	if h.sweepSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(h.sweepSecret)) != 1 {
		response.Unauthorized(c, "Invalid sweep secret")
		return
	}

	demoted, err := h.service.Sweep(c.Request.Context())
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"demoted": demoted,
		"count":   len(demoted),
	})
}
