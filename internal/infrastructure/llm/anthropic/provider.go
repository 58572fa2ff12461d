package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

const (
	apiVersion         = "2023-06-01"
	defaultBaseURL     = "https://api.anthropic.com/v1"
	defaultMaxTokens   = 8192
	defaultTokenBudget = 160000
)

func init() {
	llm.RegisterFactory(llm.KindAnthropic, func(cfg llm.ProfileConfig, logger *zap.Logger) llm.Provider {
		return NewProvider(cfg, logger)
	})
}

// Provider speaks the Anthropic Messages API over streaming SSE.
type Provider struct {
	llm.MessageBuilder

	cfg    llm.ProfileConfig
	creds  llm.Credentials
	client *http.Client
	logger *zap.Logger
}

// NewProvider builds a provider for one anthropic profile.
func NewProvider(cfg llm.ProfileConfig, logger *zap.Logger) *Provider {
	header := cfg.APIKeyHeader
	if header == "" {
		header = "x-api-key"
	}
	return &Provider{
		cfg: cfg,
		creds: &llm.StaticAPIKey{
			APIKey:     cfg.APIKey,
			HeaderName: header,
			Hint:       cfg.Hint,
		},
		client: &http.Client{},
		logger: logger.With(zap.String("provider", cfg.ID)),
	}
}

func (p *Provider) Name() string { return p.cfg.ID }
func (p *Provider) Kind() string { return llm.KindAnthropic }

func (p *Provider) DefaultModel() string { return p.cfg.Model }

func (p *Provider) TokenBudget() int {
	if p.cfg.TokenBudget > 0 {
		return p.cfg.TokenBudget
	}
	return defaultTokenBudget
}

func (p *Provider) Credentials() llm.Credentials { return p.creds }

// StreamTurn POSTs /messages with stream:true and consumes the typed event
// stream. Some gateways reject top_k with a 400; the request is retried
// once without it before the failure is surfaced.
func (p *Provider) StreamTurn(ctx context.Context, params *llm.StreamParams) (*entity.TurnResult, error) {
	req := p.buildRequest(params)

	resp, err := p.post(ctx, req, params.Headers)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusBadRequest && req.TopK != nil {
		drainAndClose(resp.Body)
		p.logger.Debug("400 with top_k set, retrying without it")
		req.TopK = nil
		resp, err = p.post(ctx, req, params.Headers)
		if err != nil {
			return nil, err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.statusError(resp)
	}
	return ParseStream(ctx, resp.Body, params.OnDelta, p.logger)
}

func (p *Provider) post(ctx context.Context, req request, headers map[string]string) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	base := p.cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	url := strings.TrimRight(base, "/") + "/messages"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("anthropic-version", apiVersion)
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, entity.NewGatewayError(entity.ErrFetchFailed, err.Error())
	}
	return resp, nil
}

// statusError reads the error body and surfaces "Upstream error: <status>"
// with the upstream message truncated to 200 chars.
func (p *Provider) statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	msg := fmt.Sprintf("Upstream error: %d", resp.StatusCode)
	var parsed errorBody
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil && parsed.Error.Message != "" {
		msg += " " + truncate(parsed.Error.Message, 200)
	}
	return entity.NewGatewayError(entity.UpstreamHTTPCode(resp.StatusCode), msg)
}

func (p *Provider) buildRequest(params *llm.StreamParams) request {
	model := params.Model
	if model == "" {
		model = p.cfg.Model
	}
	system, msgs := toWireMessages(params.Messages)

	req := request{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    system,
		Messages:  msgs,
		Tools:     toWireTools(params.Tools),
		Stream:    true,
	}
	if v, ok := params.Overrides["temperature"]; ok {
		req.Temperature = &v
	}
	if v, ok := params.Overrides["top_p"]; ok {
		req.TopP = &v
	}
	if v, ok := params.Overrides["top_k"]; ok {
		k := int(v)
		req.TopK = &k
	}
	if v, ok := params.Overrides["max_tokens"]; ok {
		req.MaxTokens = int(v)
	}
	return req
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 8192))
	_ = body.Close()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
