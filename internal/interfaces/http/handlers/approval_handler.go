package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/domain/service"
	"go.uber.org/zap"
)

// ApprovalHandler resolves pending tool approvals.
type ApprovalHandler struct {
	hub    *service.ApprovalHub
	logger *zap.Logger
}

// NewApprovalHandler creates the handler.
func NewApprovalHandler(hub *service.ApprovalHub, logger *zap.Logger) *ApprovalHandler {
	return &ApprovalHandler{hub: hub, logger: logger}
}

type approvalRequest struct {
	ApprovalID string `json:"approvalId"`
	SessionID  string `json:"sessionId"`
	Decision   string `json:"decision"` // approve | deny
}

// Decide handles POST /api/tool-approvals.
func (h *ApprovalHandler) Decide(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, entity.NewGatewayError(entity.ErrBadRequest, err.Error()))
		return
	}

	var decision service.ApprovalDecision
	switch req.Decision {
	case string(service.DecisionApprove):
		decision = service.DecisionApprove
	case string(service.DecisionDeny):
		decision = service.DecisionDeny
	default:
		writeError(c, http.StatusBadRequest, entity.NewGatewayError(entity.ErrBadRequest,
			"decision must be approve or deny"))
		return
	}

	if err := h.hub.Decide(req.ApprovalID, req.SessionID, decision); err != nil {
		var ge *entity.GatewayError
		status := http.StatusInternalServerError
		if errors.As(err, &ge) {
			switch ge.Code {
			case entity.ErrNotFound:
				status = http.StatusNotFound
			case entity.ErrWrongSession:
				status = http.StatusForbidden
			}
		}
		writeError(c, status, err)
		return
	}

	h.logger.Info("Approval decided",
		zap.String("approval", req.ApprovalID),
		zap.String("session", req.SessionID),
		zap.String("decision", req.Decision),
	)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
