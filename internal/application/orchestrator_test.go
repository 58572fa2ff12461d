package application

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/domain/service"
	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"github.com/eclia/eclia/gateway/internal/infrastructure/dispatch"
	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"github.com/eclia/eclia/gateway/internal/infrastructure/persistence"
	"go.uber.org/zap"
)

// fakeProvider pops scripted turn results. When the script runs dry it
// returns a plain final answer so loops always terminate.
type fakeProvider struct {
	llm.MessageBuilder
	script []*entity.TurnResult
	seen   [][]entity.Message // messages passed to each StreamTurn
}

func (p *fakeProvider) Name() string                 { return "test" }
func (p *fakeProvider) Kind() string                 { return llm.KindOpenAICompatible }
func (p *fakeProvider) DefaultModel() string         { return "fake-model" }
func (p *fakeProvider) TokenBudget() int             { return 96000 }
func (p *fakeProvider) Credentials() llm.Credentials { return llm.NoAuth{} }

func (p *fakeProvider) StreamTurn(ctx context.Context, params *llm.StreamParams) (*entity.TurnResult, error) {
	p.seen = append(p.seen, params.Messages)
	if len(p.script) == 0 {
		return &entity.TurnResult{AssistantText: "fallback answer", FinishReason: "stop"}, nil
	}
	result := p.script[0]
	p.script = p.script[1:]
	if params.OnDelta != nil && result.AssistantText != "" {
		params.OnDelta(result.AssistantText)
	}
	return result, nil
}

// stubTool is a trivially successful in-process tool.
type stubTool struct {
	name string
	fn   func(args map[string]interface{}) (json.RawMessage, bool, error)
}

func (t *stubTool) Name() string                    { return t.name }
func (t *stubTool) Description() string             { return "stub" }
func (t *stubTool) Schema() map[string]interface{}  { return map[string]interface{}{"type": "object"} }
func (t *stubTool) Execute(ctx context.Context, sessionID string, args map[string]interface{}) (json.RawMessage, bool, error) {
	if t.fn != nil {
		return t.fn(args)
	}
	return json.RawMessage(`{"ok":true,"result":"stub"}`), true, nil
}

func newTestOrchestrator(t *testing.T, provider *fakeProvider, tools []tool.Tool, maxTurns int) *Orchestrator {
	t.Helper()
	log := zap.NewNop()

	llm.RegisterFactory(llm.KindOpenAICompatible, func(cfg llm.ProfileConfig, logger *zap.Logger) llm.Provider {
		return provider
	})
	router, err := llm.NewRouter([]llm.ProfileConfig{{ID: "test", Kind: llm.KindOpenAICompatible}}, "", log)
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	root := t.TempDir()
	db, err := persistence.NewDBConnection(filepath.Join(root, "sessions.db"))
	if err != nil {
		t.Fatalf("db: %v", err)
	}

	return NewOrchestrator(
		persistence.NewTranscriptStore(root, log),
		persistence.NewSessionRepository(db),
		service.NewContextBuilder(log),
		router,
		dispatch.NewDispatcher(nil, tools, nil, log),
		service.NewApprovalHub(log),
		service.NewSessionLocks(),
		service.DefaultSafetyPolicy(),
		maxTurns,
		log,
	)
}

// drain collects every event until the channel closes.
func drain(t *testing.T, events <-chan entity.StreamEvent) []entity.StreamEvent {
	t.Helper()
	var out []entity.StreamEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream never closed; got %d events", len(out))
		}
	}
}

func eventTypes(events []entity.StreamEvent) []entity.StreamEventType {
	var types []entity.StreamEventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func findEvent(events []entity.StreamEvent, typ entity.StreamEventType) *entity.StreamEvent {
	for i := range events {
		if events[i].Type == typ {
			return &events[i]
		}
	}
	return nil
}

// === Test: a text-only turn ===

func TestRunChat_FinalTurn(t *testing.T) {
	provider := &fakeProvider{script: []*entity.TurnResult{
		{AssistantText: "just an answer", FinishReason: "stop"},
	}}
	orch := newTestOrchestrator(t, provider, nil, 0)

	events := drain(t, orch.RunChat(context.Background(), ChatRequest{
		SessionID: "sess-final",
		UserText:  "question",
	}))

	meta := findEvent(events, entity.EventMeta)
	if meta == nil || meta.Meta.SessionID != "sess-final" || meta.Meta.Model != "fake-model" {
		t.Fatalf("bad meta event: %+v", meta)
	}
	final := findEvent(events, entity.EventFinal)
	if final == nil || final.Text != "just an answer" {
		t.Fatalf("bad final event: %+v", final)
	}
	if events[len(events)-1].Type != entity.EventDone {
		t.Fatalf("stream must end with done: %v", eventTypes(events))
	}

	msgs, err := orch.Transcripts().EffectiveMessages("sess-final")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != entity.RoleUser || msgs[1].Role != entity.RoleAssistant {
		t.Fatalf("unexpected transcript: %+v", msgs)
	}

	// Session row created with the first-user-text title.
	sess, err := orch.Sessions().FindByID(context.Background(), "sess-final")
	if err != nil || sess == nil {
		t.Fatalf("session row missing: %v", err)
	}
	if sess.Title != "question" {
		t.Fatalf("unexpected title: %q", sess.Title)
	}
}

// === Test: a tool round followed by the final answer ===

func TestRunChat_ToolRound(t *testing.T) {
	provider := &fakeProvider{script: []*entity.TurnResult{
		{
			AssistantText: "let me check",
			ToolCalls:     []entity.ToolCall{{ID: "c1", Name: "lookup", ArgsRaw: `{"key":"x"}`}},
			FinishReason:  "tool_calls",
		},
		{AssistantText: "found it", FinishReason: "stop"},
	}}
	orch := newTestOrchestrator(t, provider, []tool.Tool{&stubTool{name: "lookup"}}, 0)

	events := drain(t, orch.RunChat(context.Background(), ChatRequest{
		SessionID: "sess-tool",
		UserText:  "look up x",
	}))

	call := findEvent(events, entity.EventToolCall)
	if call == nil || call.ToolCall.Name != "lookup" || call.ToolCall.Args.Approval.Required {
		t.Fatalf("bad tool_call event: %+v", call)
	}
	result := findEvent(events, entity.EventToolResult)
	if result == nil || !result.ToolResult.OK {
		t.Fatalf("bad tool_result event: %+v", result)
	}
	final := findEvent(events, entity.EventFinal)
	if final == nil || final.Text != "found it" {
		t.Fatalf("bad final: %+v", final)
	}

	// The second provider call must see the tool round in its context.
	if len(provider.seen) != 2 {
		t.Fatalf("expected 2 provider turns, got %d", len(provider.seen))
	}
	second := provider.seen[1]
	var sawToolMsg bool
	for _, m := range second {
		if m.Role == entity.RoleTool && m.ToolCallID == "c1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Fatalf("tool result not replayed to the provider: %+v", second)
	}
}

// === Test: plaintext fallback fires only on an empty structured channel ===

func TestRunChat_PlaintextFallback(t *testing.T) {
	provider := &fakeProvider{script: []*entity.TurnResult{
		{
			AssistantText: `Tool lookup (calling): {"key":"y"}`,
			FinishReason:  "stop",
		},
		{AssistantText: "done", FinishReason: "stop"},
	}}
	orch := newTestOrchestrator(t, provider, []tool.Tool{&stubTool{name: "lookup"}}, 0)

	events := drain(t, orch.RunChat(context.Background(), ChatRequest{
		SessionID: "sess-plain",
		UserText:  "go",
	}))

	call := findEvent(events, entity.EventToolCall)
	if call == nil {
		t.Fatalf("synthetic call not dispatched: %v", eventTypes(events))
	}
	if call.ToolCall.Warning == "" {
		t.Fatalf("synthetic call must carry a warning")
	}
	if findEvent(events, entity.EventToolResult) == nil {
		t.Fatalf("synthetic call not executed")
	}
}

func TestRunChat_DisownedCallsAreFinal(t *testing.T) {
	// Structured calls present but the finish reason disowns them: the turn
	// is final and nothing is dispatched.
	provider := &fakeProvider{script: []*entity.TurnResult{
		{
			AssistantText: "changed my mind",
			ToolCalls:     []entity.ToolCall{{ID: "c9", Name: "lookup", ArgsRaw: "{}"}},
			FinishReason:  "stop",
		},
	}}
	orch := newTestOrchestrator(t, provider, []tool.Tool{&stubTool{name: "lookup"}}, 0)

	events := drain(t, orch.RunChat(context.Background(), ChatRequest{
		SessionID: "sess-disown",
		UserText:  "go",
	}))

	if findEvent(events, entity.EventToolCall) != nil {
		t.Fatalf("disowned calls must not dispatch")
	}
	final := findEvent(events, entity.EventFinal)
	if final == nil || final.Text != "changed my mind" {
		t.Fatalf("expected final turn: %v", eventTypes(events))
	}
}

// === Test: approval gating ===

func TestRunChat_ApprovalDeny(t *testing.T) {
	provider := &fakeProvider{script: []*entity.TurnResult{
		{
			ToolCalls:    []entity.ToolCall{{ID: "c1", Name: "exec", ArgsRaw: `{"command":"rm -rf build"}`}},
			FinishReason: "tool_calls",
		},
		{AssistantText: "understood", FinishReason: "stop"},
	}}
	orch := newTestOrchestrator(t, provider, []tool.Tool{&stubTool{name: "exec"}}, 0)

	stream := orch.RunChat(context.Background(), ChatRequest{
		SessionID:      "sess-deny",
		UserText:       "clean up",
		ToolAccessMode: service.AccessSafe,
	})

	// Consume until the gated tool_call, deny it, then drain the rest.
	var events []entity.StreamEvent
	timeout := time.After(10 * time.Second)
	denied := false
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				goto done
			}
			events = append(events, ev)
			if ev.Type == entity.EventToolCall && ev.ToolCall.Args.Approval.Required && !denied {
				denied = true
				if err := orch.Approvals().Decide(ev.ToolCall.Args.Approval.ID, "sess-deny", service.DecisionDeny); err != nil {
					t.Fatalf("decide: %v", err)
				}
			}
		case <-timeout:
			t.Fatalf("stream never closed")
		}
	}
done:
	if !denied {
		t.Fatalf("approval gate never appeared: %v", eventTypes(events))
	}
	result := findEvent(events, entity.EventToolResult)
	if result == nil || result.ToolResult.OK {
		t.Fatalf("denied call must fail: %+v", result)
	}
	raw, _ := json.Marshal(result.ToolResult.Result)
	if !strings.Contains(string(raw), tool.CodeDeniedByUser) {
		t.Fatalf("denial code missing from result: %s", raw)
	}
}

// === Test: the iteration limit is a hard stop ===

func TestRunChat_TooManyTurns(t *testing.T) {
	looping := make([]*entity.TurnResult, 5)
	for i := range looping {
		looping[i] = &entity.TurnResult{
			ToolCalls:    []entity.ToolCall{{ID: "c", Name: "lookup", ArgsRaw: "{}"}},
			FinishReason: "tool_calls",
		}
	}
	provider := &fakeProvider{script: looping}
	orch := newTestOrchestrator(t, provider, []tool.Tool{&stubTool{name: "lookup"}}, 2)

	events := drain(t, orch.RunChat(context.Background(), ChatRequest{
		SessionID: "sess-loop",
		UserText:  "loop",
	}))

	errEvent := findEvent(events, entity.EventError)
	if errEvent == nil || !strings.Contains(errEvent.Error, entity.ErrTooManyTurns) {
		t.Fatalf("expected too_many_turns error: %v", eventTypes(events))
	}
	if events[len(events)-1].Type != entity.EventDone {
		t.Fatalf("error path must still end with done")
	}
}

// === Test: unknown tools fail as data, not as stream errors ===

func TestRunChat_UnknownTool(t *testing.T) {
	provider := &fakeProvider{script: []*entity.TurnResult{
		{
			ToolCalls:    []entity.ToolCall{{ID: "c1", Name: "ghost", ArgsRaw: "{}"}},
			FinishReason: "tool_calls",
		},
		{AssistantText: "ok", FinishReason: "stop"},
	}}
	orch := newTestOrchestrator(t, provider, []tool.Tool{&stubTool{name: "lookup"}}, 0)

	events := drain(t, orch.RunChat(context.Background(), ChatRequest{
		SessionID: "sess-ghost",
		UserText:  "go",
	}))

	result := findEvent(events, entity.EventToolResult)
	if result == nil || result.ToolResult.OK {
		t.Fatalf("unknown tool must fail as data: %+v", result)
	}
	if findEvent(events, entity.EventFinal) == nil {
		t.Fatalf("turn loop must continue after an unknown tool")
	}
}

// === Test: reset truncates the effective history ===

func TestReset(t *testing.T) {
	provider := &fakeProvider{script: []*entity.TurnResult{
		{AssistantText: "first", FinishReason: "stop"},
		{AssistantText: "second", FinishReason: "stop"},
	}}
	orch := newTestOrchestrator(t, provider, nil, 0)
	ctx := context.Background()

	drain(t, orch.RunChat(ctx, ChatRequest{SessionID: "sess-reset", UserText: "one"}))
	if err := orch.Reset(ctx, "sess-reset"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	drain(t, orch.RunChat(ctx, ChatRequest{SessionID: "sess-reset", UserText: "two"}))

	msgs, err := orch.Transcripts().EffectiveMessages("sess-reset")
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	for _, m := range msgs {
		if m.Content == "one" || m.Content == "first" {
			t.Fatalf("pre-reset message survived: %+v", msgs)
		}
	}
	if len(msgs) != 2 {
		t.Fatalf("expected post-reset user+assistant, got %+v", msgs)
	}
}

// === Test: derived session titles never split a rune ===

func TestTitleTrimsAtRuneBoundary(t *testing.T) {
	long := strings.Repeat("a", 79) + "é" + strings.Repeat("b", 10)
	got := title(long)
	if got != strings.Repeat("a", 79) {
		t.Fatalf("title not trimmed to rune boundary: %q", got)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("title is invalid UTF-8: %q", got)
	}
	if short := title("short"); short != "short" {
		t.Fatalf("short title mutated: %q", short)
	}
}
