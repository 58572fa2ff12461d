package service

import (
	"sync"
	"time"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ApprovalDecision is the resolved state of a pending approval.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionDeny    ApprovalDecision = "deny"
)

// ApprovalOutcome is delivered to the waiter exactly once.
type ApprovalOutcome struct {
	Decision ApprovalDecision
	TimedOut bool
}

type pendingApproval struct {
	sessionID string
	createdAt time.Time
	expiresAt time.Time
	outcome   chan ApprovalOutcome
	timer     *time.Timer
}

// ApprovalHub is the process-wide registry of pending tool approvals.
// Terminal states are absorbing: exactly one decision (or the expiry timer)
// resolves a waiter; later decisions report not_found.
type ApprovalHub struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
	logger  *zap.Logger
}

// NewApprovalHub creates an approval hub.
func NewApprovalHub(logger *zap.Logger) *ApprovalHub {
	return &ApprovalHub{
		pending: make(map[string]*pendingApproval),
		logger:  logger,
	}
}

// Create registers a fresh pending approval and returns its id plus the
// channel the outcome is delivered on. After timeout the entry expires and
// the waiter receives a deny with TimedOut set.
func (h *ApprovalHub) Create(sessionID string, timeout time.Duration) (string, <-chan ApprovalOutcome) {
	id := uuid.NewString()
	now := time.Now()
	p := &pendingApproval{
		sessionID: sessionID,
		createdAt: now,
		expiresAt: now.Add(timeout),
		outcome:   make(chan ApprovalOutcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() { h.expire(id) })

	h.mu.Lock()
	h.pending[id] = p
	h.mu.Unlock()

	h.logger.Info("Approval created",
		zap.String("approval_id", id),
		zap.String("session", sessionID),
		zap.Duration("timeout", timeout),
	)
	return id, p.outcome
}

// Decide resolves a pending approval. Unknown ids (including already
// resolved or expired ones) report not_found; a session mismatch reports
// wrong_session and leaves the entry pending.
func (h *ApprovalHub) Decide(approvalID, sessionID string, decision ApprovalDecision) error {
	h.mu.Lock()
	p, ok := h.pending[approvalID]
	if !ok {
		h.mu.Unlock()
		return entity.NewGatewayError(entity.ErrNotFound, "unknown approval id")
	}
	if p.sessionID != sessionID {
		h.mu.Unlock()
		return entity.NewGatewayError(entity.ErrWrongSession, "approval belongs to a different session")
	}
	delete(h.pending, approvalID)
	h.mu.Unlock()

	p.timer.Stop()
	p.outcome <- ApprovalOutcome{Decision: decision}

	h.logger.Info("Approval decided",
		zap.String("approval_id", approvalID),
		zap.String("decision", string(decision)),
	)
	return nil
}

// Pending returns the number of unresolved approvals.
func (h *ApprovalHub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *ApprovalHub) expire(approvalID string) {
	h.mu.Lock()
	p, ok := h.pending[approvalID]
	if ok {
		delete(h.pending, approvalID)
	}
	h.mu.Unlock()
	if !ok {
		return // already decided
	}
	p.outcome <- ApprovalOutcome{Decision: DecisionDeny, TimedOut: true}
	h.logger.Info("Approval expired", zap.String("approval_id", approvalID))
}
