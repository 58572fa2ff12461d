package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

func newTestProvider(baseURL string) *Provider {
	return NewProvider(llm.ProfileConfig{
		ID:      "test",
		BaseURL: baseURL,
		APIKey:  "sk-ant-test",
		Model:   "claude-test",
	}, zap.NewNop())
}

const minimalStream = `event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}

event: message_stop
data: {"type":"message_stop"}
`

// === Test: request shape and headers ===

func TestStreamTurn_Success(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotBody, _ = io.ReadAll(r.Body)
		io.WriteString(w, minimalStream)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	headers, err := p.Credentials().Headers()
	if err != nil {
		t.Fatalf("headers: %v", err)
	}

	result, err := p.StreamTurn(context.Background(), &llm.StreamParams{
		Headers: headers,
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: "be terse"},
			{Role: entity.RoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("stream turn: %v", err)
	}
	if result.AssistantText != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}

	if gotPath != "/messages" {
		t.Fatalf("unexpected path: %q", gotPath)
	}
	if gotKey != "sk-ant-test" || gotVersion != apiVersion {
		t.Fatalf("unexpected headers: key=%q version=%q", gotKey, gotVersion)
	}

	var req struct {
		System    string `json:"system"`
		MaxTokens int    `json:"max_tokens"`
		Stream    bool   `json:"stream"`
	}
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.System != "be terse" || !req.Stream || req.MaxTokens != defaultMaxTokens {
		t.Fatalf("unexpected request: %+v", req)
	}
}

// === Test: 400 with top_k retries once without it ===

func TestStreamTurn_TopKRetry(t *testing.T) {
	var requests []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]interface{}
		json.Unmarshal(body, &decoded)
		requests = append(requests, decoded)

		if _, hasTopK := decoded["top_k"]; hasTopK {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error":{"message":"top_k not supported"}}`)
			return
		}
		io.WriteString(w, minimalStream)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	result, err := p.StreamTurn(context.Background(), &llm.StreamParams{
		Overrides: map[string]float64{"top_k": 40},
	})
	if err != nil {
		t.Fatalf("retry path failed: %v", err)
	}
	if result.AssistantText != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(requests))
	}
	if _, hasTopK := requests[1]["top_k"]; hasTopK {
		t.Fatalf("retry still carried top_k: %v", requests[1])
	}
}

// === Test: 400 without top_k fails straight away ===

func TestStreamTurn_BadRequestNoRetry(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"bad model"}}`)
	}))
	defer server.Close()

	p := newTestProvider(server.URL)
	_, err := p.StreamTurn(context.Background(), &llm.StreamParams{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("unexpected retry without top_k: %d calls", calls)
	}
	var ge *entity.GatewayError
	if !errors.As(err, &ge) || ge.Code != entity.UpstreamHTTPCode(400) {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(ge.Message, "Upstream error: 400") || !strings.Contains(ge.Message, "bad model") {
		t.Fatalf("unexpected message: %q", ge.Message)
	}
}
