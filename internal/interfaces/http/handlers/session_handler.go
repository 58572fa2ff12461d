package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/eclia/eclia/gateway/internal/application"
	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

// SessionHandler serves session creation, listing, and reset.
type SessionHandler struct {
	orch   *application.Orchestrator
	logger *zap.Logger
}

// NewSessionHandler creates the handler.
func NewSessionHandler(orch *application.Orchestrator, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{orch: orch, logger: logger}
}

type createSessionRequest struct {
	SessionID string         `json:"sessionId"`
	Origin    *entity.Origin `json:"origin"`
}

// Create handles POST /api/sessions — create or ensure a session.
func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, entity.NewGatewayError(entity.ErrBadRequest, err.Error()))
		return
	}
	if !entity.ValidSessionID(req.SessionID) {
		writeError(c, http.StatusBadRequest, entity.NewGatewayError(entity.ErrInvalidSessionID,
			"session id must match [A-Za-z0-9_-]{1,120}"))
		return
	}

	origin := entity.Origin{Kind: entity.OriginOther}
	if req.Origin != nil {
		origin = *req.Origin
	}
	session, err := h.orch.Sessions().Ensure(c.Request.Context(), req.SessionID, origin)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session})
}

// List handles GET /api/sessions — most recently touched first.
func (h *SessionHandler) List(c *gin.Context) {
	sessions, err := h.orch.Sessions().List(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// Reset handles POST /api/sessions/:id/reset — appends a reset record so
// the effective history restarts empty. Pending approvals are untouched;
// they expire on their own timers.
func (h *SessionHandler) Reset(c *gin.Context) {
	id := c.Param("id")
	if !entity.ValidSessionID(id) {
		writeError(c, http.StatusBadRequest, entity.NewGatewayError(entity.ErrInvalidSessionID,
			"session id must match [A-Za-z0-9_-]{1,120}"))
		return
	}
	if err := h.orch.Reset(c.Request.Context(), id); err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	h.logger.Info("Session reset", zap.String("session", id))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
