package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

const defaultTokenBudget = 96000

func init() {
	llm.RegisterFactory(llm.KindOpenAICompatible, func(cfg llm.ProfileConfig, logger *zap.Logger) llm.Provider {
		return NewProvider(cfg, logger)
	})
}

// Provider speaks the OpenAI-compatible Chat Completions streaming protocol.
type Provider struct {
	llm.MessageBuilder

	cfg    llm.ProfileConfig
	creds  llm.Credentials
	client *http.Client
	logger *zap.Logger
}

// NewProvider builds a provider for one openai-compatible profile.
func NewProvider(cfg llm.ProfileConfig, logger *zap.Logger) *Provider {
	return &Provider{
		cfg: cfg,
		creds: &llm.StaticAPIKey{
			APIKey:     cfg.APIKey,
			HeaderName: cfg.APIKeyHeader,
			Bearer:     true,
			Hint:       cfg.Hint,
		},
		// No overall client timeout: turns stream for minutes. Stalls are
		// caught by the per-read idle timeout in ParseStream.
		client: &http.Client{},
		logger: logger.With(zap.String("provider", cfg.ID)),
	}
}

func (p *Provider) Name() string { return p.cfg.ID }
func (p *Provider) Kind() string { return llm.KindOpenAICompatible }

func (p *Provider) DefaultModel() string { return p.cfg.Model }

func (p *Provider) TokenBudget() int {
	if p.cfg.TokenBudget > 0 {
		return p.cfg.TokenBudget
	}
	return defaultTokenBudget
}

func (p *Provider) Credentials() llm.Credentials { return p.creds }

// StreamTurn POSTs /chat/completions with stream:true and consumes the SSE
// body until the turn ends.
func (p *Provider) StreamTurn(ctx context.Context, params *llm.StreamParams) (*entity.TurnResult, error) {
	body, err := json.Marshal(p.buildRequest(params))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}

	if params.Debug {
		p.logger.Debug("Upstream request", zap.String("url", url), zap.Int("body_bytes", len(body)))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, entity.NewGatewayError(entity.ErrFetchFailed, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, entity.NewGatewayError(
			entity.UpstreamHTTPCode(resp.StatusCode),
			fmt.Sprintf("Upstream error: %d %s", resp.StatusCode, truncate(string(errBody), 200)),
		)
	}

	start := time.Now()
	result, err := ParseStream(ctx, resp.Body, params.OnDelta, p.logger)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Turn stream complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tool_calls", len(result.ToolCalls)),
		zap.String("finish_reason", result.FinishReason),
	)
	return result, nil
}

func (p *Provider) buildRequest(params *llm.StreamParams) request {
	model := params.Model
	if model == "" {
		model = p.cfg.Model
	}

	req := request{
		Model:    model,
		Messages: toWireMessages(params.Messages),
		Tools:    toWireTools(params.Tools),
		Stream:   true,
	}
	if v, ok := params.Overrides["temperature"]; ok {
		req.Temperature = &v
	}
	if v, ok := params.Overrides["top_p"]; ok {
		req.TopP = &v
	}
	if v, ok := params.Overrides["max_tokens"]; ok {
		n := int(v)
		req.MaxTokens = &n
	}
	return req
}

func toWireMessages(msgs []entity.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args := tc.ArgsRaw
			if args == "" {
				args = "{}"
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(defs []tool.Definition) []wireTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolDef{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
