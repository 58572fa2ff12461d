package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

// Provider kinds, matching the route-key grammar.
const (
	KindOpenAICompatible = "openai-compatible"
	KindAnthropic        = "anthropic"
	KindCodexOAuth       = "codex-oauth"
)

// StreamParams carries one provider turn.
type StreamParams struct {
	Headers   map[string]string
	Messages  []entity.Message
	Tools     []tool.Definition
	Model     string
	Overrides map[string]float64 // sampling overrides (temperature, top_p, top_k)
	OnDelta   func(text string)
	Debug     bool
}

// Provider is the uniform turn interface over the three upstream protocols.
// StreamTurn consumes the upstream until the turn ends, forwarding each new
// text suffix to OnDelta, and returns the normalized result.
type Provider interface {
	Name() string
	Kind() string
	DefaultModel() string
	TokenBudget() int
	Credentials() Credentials

	StreamTurn(ctx context.Context, params *StreamParams) (*entity.TurnResult, error)

	// AssistantMessage and ToolResultMessages build the transcript-canonical
	// records for a tool round. Providers restructure these into their wire
	// shapes at request-build time (Anthropic merges tool results into one
	// user message; OpenAI-compat keeps one tool message per result).
	AssistantMessage(text string, calls []entity.ToolCall) entity.Message
	ToolResultMessages(results []entity.ToolResult) []entity.Message
}

// ProfileConfig configures one upstream profile.
type ProfileConfig struct {
	ID           string `mapstructure:"id"`
	Kind         string `mapstructure:"kind"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	APIKeyHeader string `mapstructure:"api_key_header"`
	Model        string `mapstructure:"model"`
	TokenBudget  int    `mapstructure:"token_budget"`
	Hint         string `mapstructure:"hint"` // user-facing missing-credential hint
}

// MessageBuilder supplies the canonical message constructors shared by all
// providers; embed it and the Provider interface is satisfied for free.
type MessageBuilder struct{}

// AssistantMessage builds the assistant record for a tool round.
func (MessageBuilder) AssistantMessage(text string, calls []entity.ToolCall) entity.Message {
	return entity.Message{
		Role:      entity.RoleAssistant,
		Content:   text,
		ToolCalls: calls,
	}
}

// ToolResultMessages builds one tool record per result, in order.
func (MessageBuilder) ToolResultMessages(results []entity.ToolResult) []entity.Message {
	msgs := make([]entity.Message, 0, len(results))
	for _, r := range results {
		msgs = append(msgs, entity.Message{
			Role:       entity.RoleTool,
			Content:    string(r.Content),
			ToolCallID: r.CallID,
		})
	}
	return msgs
}

// --- Provider factory registry ---
// Provider sub-packages register themselves via init(); constructing a
// provider for a profile is a kind lookup.

// Factory builds a Provider from a profile.
type Factory func(cfg ProfileConfig, logger *zap.Logger) Provider

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a provider factory for the given kind. Called
// from init() in each provider sub-package.
func RegisterFactory(kind string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[kind] = factory
}

// NewProvider constructs a provider for the profile's kind.
func NewProvider(cfg ProfileConfig, logger *zap.Logger) (Provider, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = KindOpenAICompatible
	}

	factoryMu.RLock()
	factory, ok := factories[kind]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
	return factory(cfg, logger), nil
}
