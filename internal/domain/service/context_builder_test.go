package service

import (
	"strings"
	"testing"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

func userMsg(content string) entity.Message {
	return entity.Message{Role: entity.RoleUser, Content: content}
}

func assistantMsg(content string) entity.Message {
	return entity.Message{Role: entity.RoleAssistant, Content: content}
}

// === Test: everything fits ===

func TestBuild_NoTruncation(t *testing.T) {
	b := NewContextBuilder(zap.NewNop())
	history := []entity.Message{
		{Role: entity.RoleSystem, Content: "sys"},
		userMsg("q1"),
		assistantMsg("a1"),
		userMsg("q2"),
	}
	built := b.Build(history, 100_000)
	if built.Dropped != 0 || len(built.Messages) != 4 {
		t.Fatalf("unexpected truncation: %+v", built)
	}
	if built.UsedTokens <= 0 {
		t.Fatalf("used tokens not accounted")
	}
}

// === Test: oldest rounds drop first; system and last user survive ===

func TestBuild_DropsOldestFirst(t *testing.T) {
	b := NewContextBuilder(zap.NewNop())
	filler := strings.Repeat("x", 400) // ~100 tokens per message
	history := []entity.Message{
		{Role: entity.RoleSystem, Content: "sys"},
		userMsg(filler),
		assistantMsg(filler),
		userMsg(filler),
		assistantMsg(filler),
		userMsg("latest question"),
	}
	built := b.Build(history, 250)

	if built.Dropped == 0 {
		t.Fatalf("expected truncation")
	}
	if built.Messages[0].Role != entity.RoleSystem {
		t.Fatalf("system prompt must survive")
	}
	last := built.Messages[len(built.Messages)-1]
	if last.Content != "latest question" {
		t.Fatalf("most recent user message must survive, got %q", last.Content)
	}
}

// === Test: assistant+tool rounds are atomic ===

func TestBuild_RoundsNeverSplit(t *testing.T) {
	b := NewContextBuilder(zap.NewNop())
	filler := strings.Repeat("y", 200)
	history := []entity.Message{
		userMsg("old"),
		{
			Role:      entity.RoleAssistant,
			Content:   filler,
			ToolCalls: []entity.ToolCall{{ID: "c1", Name: "exec", ArgsRaw: "{}"}},
		},
		{Role: entity.RoleTool, ToolCallID: "c1", Content: filler},
		userMsg("new"),
	}

	// Budget that fits the user messages but not the whole tool round.
	built := b.Build(history, 60)
	for i, m := range built.Messages {
		if m.Role == entity.RoleAssistant && len(m.ToolCalls) > 0 {
			if i+1 >= len(built.Messages) || built.Messages[i+1].Role != entity.RoleTool {
				t.Fatalf("assistant call kept without its results")
			}
		}
		if m.Role == entity.RoleTool {
			if i == 0 || len(built.Messages[i-1].ToolCalls) == 0 {
				t.Fatalf("tool result kept without its call")
			}
		}
	}
}

// === Test: orphan tool results never replay ===

func TestBuild_DropsOrphanToolMessages(t *testing.T) {
	b := NewContextBuilder(zap.NewNop())
	history := []entity.Message{
		{Role: entity.RoleTool, ToolCallID: "lost", Content: `{"ok":true}`},
		userMsg("hello"),
	}
	built := b.Build(history, 100_000)
	for _, m := range built.Messages {
		if m.Role == entity.RoleTool {
			t.Fatalf("orphan tool message replayed")
		}
	}
	if built.Dropped != 1 {
		t.Fatalf("orphan not counted as dropped: %+v", built)
	}
}

// === Test: estimator properties ===

func TestEstimateMessageTokens(t *testing.T) {
	small := userMsg("hi")
	large := userMsg(strings.Repeat("z", 4000))
	if EstimateMessageTokens(&small) >= EstimateMessageTokens(&large) {
		t.Fatalf("estimate not monotonic in size")
	}

	withCall := entity.Message{
		Role:      entity.RoleAssistant,
		ToolCalls: []entity.ToolCall{{Name: "exec", ArgsRaw: strings.Repeat("a", 1000)}},
	}
	bare := assistantMsg("")
	if EstimateMessageTokens(&withCall) <= EstimateMessageTokens(&bare) {
		t.Fatalf("tool call args not accounted")
	}
}
