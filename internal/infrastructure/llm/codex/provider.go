package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

const (
	// BinEnv overrides the codex executable path.
	BinEnv     = "ECLIA_CODEX_BIN"
	defaultBin = "codex"

	turnTimeout        = 300 * time.Second
	defaultTokenBudget = 64000
)

func init() {
	llm.RegisterFactory(llm.KindCodexOAuth, func(cfg llm.ProfileConfig, logger *zap.Logger) llm.Provider {
		return NewProvider(cfg, logger)
	})
}

// Provider runs turns through the Codex CLI's app-server: a child process
// speaking line-delimited JSON-RPC over stdio. Auth lives in the CLI's own
// login state, so the gateway carries no credentials for this kind.
type Provider struct {
	llm.MessageBuilder

	cfg    llm.ProfileConfig
	logger *zap.Logger
}

// NewProvider builds a provider for one codex-oauth profile.
func NewProvider(cfg llm.ProfileConfig, logger *zap.Logger) *Provider {
	return &Provider{
		cfg:    cfg,
		logger: logger.With(zap.String("provider", cfg.ID)),
	}
}

func (p *Provider) Name() string { return p.cfg.ID }
func (p *Provider) Kind() string { return llm.KindCodexOAuth }

func (p *Provider) DefaultModel() string { return p.cfg.Model }

func (p *Provider) TokenBudget() int {
	if p.cfg.TokenBudget > 0 {
		return p.cfg.TokenBudget
	}
	return defaultTokenBudget
}

func (p *Provider) Credentials() llm.Credentials { return llm.NoAuth{} }

// StreamTurn spawns a fresh app-server child and drives one turn:
// initialize → initialized → account/read → thread/start → turn/start,
// collecting agent-message deltas until turn/completed.
func (p *Provider) StreamTurn(ctx context.Context, params *llm.StreamParams) (*entity.TurnResult, error) {
	bin := os.Getenv(BinEnv)
	if bin == "" {
		bin = defaultBin
	}

	client, err := Spawn(bin, []string{"app-server"}, p.logger)
	if err != nil {
		return nil, entity.NewGatewayError(entity.ErrFetchFailed, err.Error())
	}
	defer client.Close()

	// Tool integration is not wired through this upstream; approval prompts
	// from the child are declined.
	client.SetServerHandler(func(method string, params json.RawMessage) (interface{}, error) {
		if strings.Contains(method, "requestApproval") {
			return map[string]string{"decision": "denied"}, nil
		}
		return nil, fmt.Errorf("Unsupported server request: %s", method)
	})

	var text string
	client.OnNotification(func(method string, raw json.RawMessage) {
		if method != "item/agentMessage/delta" {
			return
		}
		var n struct {
			Delta string `json:"delta"`
			Text  string `json:"text"`
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return
		}
		chunk := n.Delta
		if chunk == "" {
			chunk = n.Text
		}
		var suffix string
		text, suffix = llm.MergeStreamingText(text, chunk)
		if suffix != "" && params.OnDelta != nil {
			params.OnDelta(suffix)
		}
	})

	if _, err := client.Request(ctx, "initialize", map[string]interface{}{
		"clientInfo": map[string]string{"name": "eclia-gateway", "version": "1"},
	}); err != nil {
		return nil, entity.NewGatewayError(entity.ErrUpstreamStream, err.Error())
	}
	if err := client.Notify("initialized", nil); err != nil {
		return nil, entity.NewGatewayError(entity.ErrUpstreamStream, err.Error())
	}

	if err := p.checkAccount(ctx, client); err != nil {
		return nil, err
	}

	model := params.Model
	if model == "" {
		model = p.cfg.Model
	}
	cwd, _ := os.Getwd()
	threadID, err := p.startThread(ctx, client, model, cwd)
	if err != nil {
		return nil, err
	}

	if _, err := client.Request(ctx, "turn/start", map[string]interface{}{
		"threadId": threadID,
		"input": []map[string]string{
			{"type": "text", "text": flattenPrompt(params.Messages)},
		},
	}); err != nil {
		return nil, entity.NewGatewayError(entity.ErrUpstreamStream, err.Error())
	}

	if _, err := client.WaitNotification(ctx, "turn/completed", nil, turnTimeout); err != nil {
		return nil, entity.NewGatewayError(entity.ErrUpstreamStream, err.Error())
	}

	return &entity.TurnResult{
		AssistantText: text,
		FinishReason:  "stop",
	}, nil
}

// checkAccount fails with a user-facing message when the CLI has no login.
func (p *Provider) checkAccount(ctx context.Context, client *Client) error {
	raw, err := client.Request(ctx, "account/read", map[string]interface{}{})
	if err != nil {
		return entity.NewGatewayError(entity.ErrUpstreamStream, err.Error())
	}
	var result struct {
		Account            json.RawMessage `json:"account"`
		RequiresOpenaiAuth bool            `json:"requiresOpenaiAuth"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	accountMissing := len(result.Account) == 0 || string(result.Account) == "null"
	if result.RequiresOpenaiAuth && accountMissing {
		return entity.NewGatewayError(entity.ErrMissingCredential,
			"Codex CLI is not authenticated").
			WithHint("run `codex login` on the gateway host, then retry")
	}
	return nil
}

func (p *Provider) startThread(ctx context.Context, client *Client, model, cwd string) (string, error) {
	raw, err := client.Request(ctx, "thread/start", map[string]interface{}{
		"model":          model,
		"cwd":            cwd,
		"approvalPolicy": "never",
		"sandbox":        "readOnly",
	})
	if err != nil {
		return "", entity.NewGatewayError(entity.ErrUpstreamStream, err.Error())
	}
	var result struct {
		ThreadID string `json:"threadId"`
		Thread   *struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", entity.NewGatewayError(entity.ErrUpstreamStream, fmt.Sprintf("thread/start: %v", err))
	}
	id := result.ThreadID
	if id == "" && result.Thread != nil {
		id = result.Thread.ID
	}
	if id == "" {
		return "", entity.NewGatewayError(entity.ErrUpstreamStream, "thread/start returned no thread id")
	}
	return id, nil
}

// flattenPrompt renders the effective messages into a single text input.
// The app-server owns its own thread history, but each gateway turn spawns
// a fresh child, so context is replayed inline.
func flattenPrompt(msgs []entity.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role == entity.RoleTool || m.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		switch m.Role {
		case entity.RoleSystem:
			b.WriteString("[system]\n")
		case entity.RoleAssistant:
			b.WriteString("[assistant]\n")
		default:
			b.WriteString("[user]\n")
		}
		b.WriteString(m.Content)
	}
	return b.String()
}
