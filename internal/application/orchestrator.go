package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/domain/service"
	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"github.com/eclia/eclia/gateway/internal/infrastructure/dispatch"
	"github.com/eclia/eclia/gateway/internal/infrastructure/execrunner"
	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"github.com/eclia/eclia/gateway/internal/infrastructure/persistence"
	"go.uber.org/zap"
)

const (
	// eventBuffer bounds the in-memory SSE channel. When a slow consumer
	// fills it, text deltas are dropped; tool and terminal events never are.
	eventBuffer = 64

	approvalTimeout = 5 * time.Minute
	defaultMaxTurns = 24
)

// ChatRequest is one /api/chat invocation.
type ChatRequest struct {
	SessionID      string
	UserText       string
	Upstream       string // route key, e.g. "anthropic:work"
	Model          string
	ToolAccessMode service.AccessMode
	Origin         entity.Origin
	Overrides      map[string]float64
	Debug          bool
}

// Orchestrator drives the turn loop: context build, upstream streaming,
// tool dispatch with approval gating, transcript appends. One instance
// serves all sessions; per-session serialization comes from the lock.
type Orchestrator struct {
	transcripts *persistence.TranscriptStore
	sessions    *persistence.SessionRepository
	builder     *service.ContextBuilder
	router      *llm.Router
	dispatcher  *dispatch.Dispatcher
	approvals   *service.ApprovalHub
	locks       *service.SessionLocks
	policy      *service.SafetyPolicy
	maxTurns    int
	logger      *zap.Logger
}

// NewOrchestrator wires the turn loop.
func NewOrchestrator(
	transcripts *persistence.TranscriptStore,
	sessions *persistence.SessionRepository,
	builder *service.ContextBuilder,
	router *llm.Router,
	dispatcher *dispatch.Dispatcher,
	approvals *service.ApprovalHub,
	locks *service.SessionLocks,
	policy *service.SafetyPolicy,
	maxTurns int,
	logger *zap.Logger,
) *Orchestrator {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &Orchestrator{
		transcripts: transcripts,
		sessions:    sessions,
		builder:     builder,
		router:      router,
		dispatcher:  dispatcher,
		approvals:   approvals,
		locks:       locks,
		policy:      policy,
		maxTurns:    maxTurns,
		logger:      logger,
	}
}

// Approvals exposes the hub for the HTTP decision endpoint.
func (o *Orchestrator) Approvals() *service.ApprovalHub { return o.approvals }

// Sessions exposes the session index.
func (o *Orchestrator) Sessions() *persistence.SessionRepository { return o.sessions }

// Transcripts exposes the transcript store.
func (o *Orchestrator) Transcripts() *persistence.TranscriptStore { return o.transcripts }

// Reset appends a reset record under the session lock.
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) error {
	return o.locks.With(ctx, sessionID, func(context.Context) error {
		return o.transcripts.AppendReset(sessionID)
	})
}

// RunChat starts one chat turn and returns the event stream. The channel
// closes after the terminal done event. The final done is emitted on every
// path, including errors.
func (o *Orchestrator) RunChat(ctx context.Context, req ChatRequest) <-chan entity.StreamEvent {
	events := make(chan entity.StreamEvent, eventBuffer)

	go func() {
		defer close(events)

		release, err := o.locks.Acquire(ctx, req.SessionID)
		if err != nil {
			o.emitError(events, err)
			return
		}
		defer release()

		o.runTurn(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) runTurn(ctx context.Context, req ChatRequest, events chan entity.StreamEvent) {
	sessionID := req.SessionID
	logger := o.logger.With(zap.String("session", sessionID))

	if _, err := o.sessions.Ensure(ctx, sessionID, req.Origin); err != nil {
		o.emitError(events, err)
		return
	}

	provider := o.router.Resolve(req.Upstream)
	model := req.Model
	if model == "" {
		model = provider.DefaultModel()
	}

	history, err := o.transcripts.EffectiveMessages(sessionID)
	if err != nil {
		o.emitError(events, err)
		return
	}
	if len(history) == 0 {
		_ = o.sessions.SetTitle(ctx, sessionID, title(req.UserText))
	}

	userMsg := entity.Message{Role: entity.RoleUser, Content: req.UserText}
	if err := o.transcripts.AppendMessage(sessionID, userMsg); err != nil {
		o.emitError(events, err)
		return
	}
	history = append(history, userMsg)

	built := o.builder.Build(history, provider.TokenBudget())
	if err := o.transcripts.AppendTurn(sessionID, entity.TurnMeta{
		Upstream:    provider.Name(),
		Model:       model,
		TokenBudget: provider.TokenBudget(),
		UsedTokens:  built.UsedTokens,
		Overrides:   req.Overrides,
	}); err != nil {
		o.emitError(events, err)
		return
	}

	o.emit(events, entity.StreamEvent{Type: entity.EventMeta, Meta: &entity.MetaPayload{
		SessionID:  sessionID,
		Model:      model,
		UsedTokens: built.UsedTokens,
		Dropped:    built.Dropped,
	}})

	defs := o.dispatcher.Definitions()
	allowed := make(map[string]bool, len(defs))
	for _, d := range defs {
		allowed[d.Name] = true
	}

	for iteration := 0; ; iteration++ {
		if iteration >= o.maxTurns {
			o.emitError(events, entity.NewGatewayError(entity.ErrTooManyTurns,
				"turn loop exceeded its iteration limit"))
			return
		}

		headers, err := provider.Credentials().Headers()
		if err != nil {
			o.emitError(events, err)
			return
		}

		o.emit(events, entity.StreamEvent{Type: entity.EventAssistantStart})
		result, err := provider.StreamTurn(ctx, &llm.StreamParams{
			Headers:   headers,
			Messages:  built.Messages,
			Tools:     defs,
			Model:     model,
			Overrides: req.Overrides,
			Debug:     req.Debug,
			OnDelta: func(text string) {
				o.emit(events, entity.StreamEvent{Type: entity.EventDelta, Text: text})
			},
		})
		if err != nil {
			o.emitError(events, err)
			return
		}
		o.emit(events, entity.StreamEvent{Type: entity.EventAssistantEnd})

		calls := result.ToolCalls
		warning := ""
		if !result.HasToolCalls() {
			calls = nil
			// Plaintext fallback applies only when the structured channel
			// was empty, not when the finish reason disowned the calls.
			if len(result.ToolCalls) == 0 {
				if synthetic := service.ParsePlaintextToolCalls(result.AssistantText, allowed); len(synthetic) > 0 {
					calls = synthetic
					warning = "tool call parsed from assistant text, not the structured channel"
				}
			}
		}

		if len(calls) == 0 {
			// Final turn.
			if err := o.transcripts.AppendMessage(sessionID, provider.AssistantMessage(result.AssistantText, nil)); err != nil {
				o.emitError(events, err)
				return
			}
			_ = o.sessions.Touch(ctx, sessionID)
			o.emit(events, entity.StreamEvent{Type: entity.EventFinal, Text: result.AssistantText})
			o.emit(events, entity.StreamEvent{Type: entity.EventDone})
			return
		}

		if err := o.transcripts.AppendMessage(sessionID, provider.AssistantMessage(result.AssistantText, calls)); err != nil {
			o.emitError(events, err)
			return
		}

		results := make([]entity.ToolResult, 0, len(calls))
		for _, call := range calls {
			results = append(results, o.runToolCall(ctx, sessionID, req.ToolAccessMode, call, warning, events))
		}
		for _, msg := range provider.ToolResultMessages(results) {
			if err := o.transcripts.AppendMessage(sessionID, msg); err != nil {
				o.emitError(events, err)
				return
			}
		}

		history, err = o.transcripts.EffectiveMessages(sessionID)
		if err != nil {
			o.emitError(events, err)
			return
		}
		built = o.builder.Build(history, provider.TokenBudget())
		logger.Debug("Turn continues after tool round",
			zap.Int("iteration", iteration+1),
			zap.Int("tool_calls", len(calls)),
		)
	}
}

// runToolCall gates one call behind the safety policy, dispatches it, and
// emits the tool_call/tool_result pair.
func (o *Orchestrator) runToolCall(ctx context.Context, sessionID string, mode service.AccessMode, call entity.ToolCall, warning string, events chan entity.StreamEvent) entity.ToolResult {
	args, parseErr := call.ParsedArgs()

	var (
		raw json.RawMessage
		ok  bool
	)
	switch {
	case parseErr != nil:
		o.emit(events, toolCallEvent(call, entity.ApprovalInfo{}, warning))
		raw, ok = failedResultJSON(entity.ErrBadToolArgs, "tool arguments are not a JSON object"), false

	default:
		check := o.policy.Check(call.Name, args, mode)
		if check.RequireApproval {
			approvalID, outcome := o.approvals.Create(sessionID, approvalTimeout)
			o.emit(events, toolCallEvent(call, entity.ApprovalInfo{
				Required: true,
				ID:       approvalID,
				Reason:   check.Reason,
			}, warning))

			decision := <-outcome
			switch {
			case decision.TimedOut:
				raw, ok = failedResultJSON(tool.CodeApprovalExpire, "approval timed out"), false
			case decision.Decision != service.DecisionApprove:
				raw, ok = failedResultJSON(tool.CodeDeniedByUser, "denied by user"), false
			default:
				raw, ok = o.dispatcher.Dispatch(ctx, sessionID, call.ID, call.Name, args)
			}
		} else {
			o.emit(events, toolCallEvent(call, entity.ApprovalInfo{Reason: check.Reason}, warning))
			raw, ok = o.dispatcher.Dispatch(ctx, sessionID, call.ID, call.Name, args)
		}
	}

	o.emit(events, entity.StreamEvent{Type: entity.EventToolResult, ToolResult: &entity.ToolResultPayload{
		CallID: call.ID,
		Name:   call.Name,
		OK:     ok,
		Result: json.RawMessage(raw),
	}})
	return entity.ToolResult{CallID: call.ID, Content: raw, OK: ok}
}

// emit forwards an event without ever blocking upstream consumption on a
// slow SSE consumer: droppable events are discarded when the buffer is
// full, everything else waits.
func (o *Orchestrator) emit(events chan entity.StreamEvent, ev entity.StreamEvent) {
	if ev.Droppable() {
		select {
		case events <- ev:
		default:
			// Backpressure: the delta is coalesced away downstream anyway.
		}
		return
	}
	events <- ev
}

// emitError surfaces the failure then closes the stream with done.
func (o *Orchestrator) emitError(events chan entity.StreamEvent, err error) {
	o.emit(events, entity.StreamEvent{Type: entity.EventError, Error: err.Error()})
	o.emit(events, entity.StreamEvent{Type: entity.EventDone})
}

func toolCallEvent(call entity.ToolCall, approval entity.ApprovalInfo, warning string) entity.StreamEvent {
	return entity.StreamEvent{Type: entity.EventToolCall, ToolCall: &entity.ToolCallPayload{
		CallID:  call.ID,
		Name:    call.Name,
		Args:    entity.ToolCallArgs{Raw: call.ArgsRaw, Approval: approval},
		Warning: warning,
	}}
}

func failedResultJSON(code, message string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"ok":    false,
		"error": tool.ResultError{Code: code, Message: message},
	})
	return raw
}

// title derives a session title from the first user text, trimmed back to
// a rune boundary so the stored title stays valid UTF-8.
func title(text string) string {
	const max = 80
	if len(text) <= max {
		return text
	}
	return string(execrunner.TrimToUTF8Boundary([]byte(text[:max])))
}
