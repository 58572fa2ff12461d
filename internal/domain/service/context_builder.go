package service

import (
	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"go.uber.org/zap"
)

// BuiltContext is the truncated history handed to a provider.
type BuiltContext struct {
	Messages   []entity.Message
	UsedTokens int
	Dropped    int
}

// ContextBuilder shortens a history to a token budget while keeping the
// system prompt, the most recent user message, and whole assistant+tool
// rounds. Oldest rounds go first; a round is never split.
type ContextBuilder struct {
	logger *zap.Logger
}

// NewContextBuilder creates a context builder.
func NewContextBuilder(logger *zap.Logger) *ContextBuilder {
	return &ContextBuilder{logger: logger}
}

// round is an atomic group of messages: a lone message, or an assistant
// with tool calls together with its matching tool results.
type round struct {
	msgs    []entity.Message
	tokens  int
	hasUser bool
}

// Build truncates history to budget. Orphan tool messages (results whose
// assistant call was lost to an earlier failure) are dropped outright.
func (b *ContextBuilder) Build(history []entity.Message, budget int) BuiltContext {
	var system *entity.Message
	rest := make([]entity.Message, 0, len(history))
	for i := range history {
		if history[i].Role == entity.RoleSystem && system == nil {
			m := history[i]
			system = &m
			continue
		}
		rest = append(rest, history[i])
	}

	rounds, orphans := groupRounds(rest)

	lastUser := -1
	for i := len(rounds) - 1; i >= 0; i-- {
		if rounds[i].hasUser {
			lastUser = i
			break
		}
	}

	used := 0
	if system != nil {
		used += EstimateMessageTokens(system)
	}
	if lastUser >= 0 {
		used += rounds[lastUser].tokens
	}

	included := make([]bool, len(rounds))
	if lastUser >= 0 {
		included[lastUser] = true
	}
	for i := len(rounds) - 1; i >= 0; i-- {
		if included[i] {
			continue
		}
		if used+rounds[i].tokens > budget {
			break // everything older is dropped too
		}
		included[i] = true
		used += rounds[i].tokens
	}

	out := make([]entity.Message, 0, len(rest)+1)
	if system != nil {
		out = append(out, *system)
	}
	dropped := orphans
	for i, r := range rounds {
		if included[i] {
			out = append(out, r.msgs...)
		} else {
			dropped += len(r.msgs)
		}
	}

	if dropped > 0 {
		b.logger.Debug("Context truncated",
			zap.Int("budget", budget),
			zap.Int("used_tokens", used),
			zap.Int("dropped_messages", dropped),
		)
	}

	return BuiltContext{Messages: out, UsedTokens: used, Dropped: dropped}
}

// groupRounds partitions messages into atomic rounds and counts orphan tool
// messages it refuses to keep.
func groupRounds(msgs []entity.Message) ([]round, int) {
	var rounds []round
	orphans := 0

	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		switch {
		case m.Role == entity.RoleAssistant && len(m.ToolCalls) > 0:
			r := round{msgs: []entity.Message{m}}
			wanted := make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				wanted[tc.ID] = true
			}
			for i+1 < len(msgs) && msgs[i+1].Role == entity.RoleTool && wanted[msgs[i+1].ToolCallID] {
				i++
				r.msgs = append(r.msgs, msgs[i])
			}
			for _, rm := range r.msgs {
				r.tokens += EstimateMessageTokens(&rm)
			}
			rounds = append(rounds, r)

		case m.Role == entity.RoleTool:
			// A tool result with no owning assistant in scope; truncation or
			// a failed turn left it behind. Never replay it.
			orphans++

		default:
			r := round{
				msgs:    []entity.Message{m},
				tokens:  EstimateMessageTokens(&m),
				hasUser: m.Role == entity.RoleUser,
			}
			rounds = append(rounds, r)
		}
	}
	return rounds, orphans
}
