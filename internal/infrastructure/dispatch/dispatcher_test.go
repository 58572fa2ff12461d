package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"github.com/eclia/eclia/gateway/internal/infrastructure/artifacts"
	"go.uber.org/zap"
)

type fakeTool struct {
	name    string
	execute func(args map[string]interface{}) (json.RawMessage, bool, error)
}

func (t *fakeTool) Name() string                   { return t.name }
func (t *fakeTool) Description() string            { return "fake" }
func (t *fakeTool) Schema() map[string]interface{} { return map[string]interface{}{"type": "object"} }
func (t *fakeTool) Execute(ctx context.Context, sessionID string, args map[string]interface{}) (json.RawMessage, bool, error) {
	return t.execute(args)
}

// === Test: local tools dispatch in-process ===

func TestDispatch_LocalTool(t *testing.T) {
	echo := &fakeTool{name: "echo", execute: func(args map[string]interface{}) (json.RawMessage, bool, error) {
		out, _ := json.Marshal(map[string]interface{}{"ok": true, "echo": args["text"]})
		return out, true, nil
	}}
	d := NewDispatcher(nil, []tool.Tool{echo}, nil, zap.NewNop())

	raw, ok := d.Dispatch(context.Background(), "s", "c1", "echo", map[string]interface{}{"text": "hi"})
	if !ok {
		t.Fatalf("expected success: %s", raw)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil || result["echo"] != "hi" {
		t.Fatalf("unexpected result: %s", raw)
	}
}

// === Test: unknown tools come back as data ===

func TestDispatch_UnknownTool(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, zap.NewNop())
	raw, ok := d.Dispatch(context.Background(), "s", "c1", "ghost", nil)
	if ok {
		t.Fatalf("unknown tool must fail")
	}
	if !strings.Contains(string(raw), entity.ErrUnknownTool) {
		t.Fatalf("missing error code: %s", raw)
	}
	var envelope struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.OK {
		t.Fatalf("failed result must be ok:false JSON: %s", raw)
	}
}

// === Test: oversize exec results are externalized on the way out ===

func TestDispatch_SanitizesExecResults(t *testing.T) {
	big := strings.Repeat("z", artifacts.ExternalizeThreshold+1)
	execTool := &fakeTool{name: "exec", execute: func(map[string]interface{}) (json.RawMessage, bool, error) {
		out, _ := json.Marshal(&tool.ExecResult{Type: "exec_result", OK: true, Stdout: big})
		return out, true, nil
	}}

	store := artifacts.NewStore(t.TempDir(), zap.NewNop())
	d := NewDispatcher(nil, []tool.Tool{execTool}, store, zap.NewNop())

	raw, ok := d.Dispatch(context.Background(), "sess", "call1", "exec", nil)
	if !ok {
		t.Fatalf("expected success")
	}
	var result tool.ExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(result.Artifacts) != 1 || len(result.Stdout) >= len(big) {
		t.Fatalf("result not externalized: %d artifacts, %d stdout bytes", len(result.Artifacts), len(result.Stdout))
	}
}

// === Test: definitions merge local over host ===

func TestDefinitions_LocalOnly(t *testing.T) {
	echo := &fakeTool{name: "echo", execute: nil}
	d := NewDispatcher(nil, []tool.Tool{echo}, nil, zap.NewNop())

	defs := d.Definitions()
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	if !d.Known("echo") || d.Known("ghost") {
		t.Fatalf("Known() inconsistent")
	}
}
