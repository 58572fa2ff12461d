package dispatch

import (
	"context"
	"encoding/json"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"github.com/eclia/eclia/gateway/internal/infrastructure/artifacts"
	"github.com/eclia/eclia/gateway/internal/infrastructure/toolhost"
	"go.uber.org/zap"
)

// Dispatcher routes tool calls either to in-process tools or to the MCP
// tool host child, then post-processes results (artifact externalization).
type Dispatcher struct {
	host      *toolhost.Client // nil when no tool host is configured
	local     map[string]tool.Tool
	artifacts *artifacts.Store
	logger    *zap.Logger
}

// NewDispatcher builds a dispatcher. In-process tools shadow host tools of
// the same name.
func NewDispatcher(host *toolhost.Client, localTools []tool.Tool, store *artifacts.Store, logger *zap.Logger) *Dispatcher {
	local := make(map[string]tool.Tool, len(localTools))
	for _, t := range localTools {
		local[t.Name()] = t
	}
	return &Dispatcher{host: host, local: local, artifacts: store, logger: logger}
}

// Definitions lists every dispatchable tool for the model.
func (d *Dispatcher) Definitions() []tool.Definition {
	var defs []tool.Definition
	seen := make(map[string]bool)
	for name, t := range d.local {
		defs = append(defs, tool.Definition{
			Name:        name,
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
		seen[name] = true
	}
	if d.host != nil {
		for _, info := range d.host.Tools() {
			if seen[info.Name] {
				continue
			}
			defs = append(defs, tool.Definition{
				Name:        info.Name,
				Description: info.Description,
				Parameters:  info.InputSchema,
			})
		}
	}
	return defs
}

// Known reports whether a tool name is dispatchable; the plaintext
// fallback consults this before synthesizing calls.
func (d *Dispatcher) Known(name string) bool {
	if _, ok := d.local[name]; ok {
		return true
	}
	if d.host != nil {
		for _, info := range d.host.Tools() {
			if info.Name == name {
				return true
			}
		}
	}
	return false
}

// Dispatch executes one call and returns the result JSON with ok
// mirroring the tool's own success flag. Unknown tools and host failures
// come back as failed results, never as Go errors; the model sees them as
// data.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, callID, name string, args map[string]interface{}) (json.RawMessage, bool) {
	var (
		raw json.RawMessage
		ok  bool
		err error
	)
	switch {
	case d.local[name] != nil:
		raw, ok, err = d.local[name].Execute(ctx, sessionID, args)
	case d.host != nil:
		raw, ok, err = d.host.Call(ctx, name, args)
	default:
		return failedJSON(entity.ErrUnknownTool, "unknown tool: "+name), false
	}
	if err != nil {
		d.logger.Warn("Tool dispatch failed",
			zap.String("tool", name),
			zap.String("session", sessionID),
			zap.Error(err),
		)
		return failedJSON(entity.ErrToolHost, err.Error()), false
	}

	raw = d.sanitize(sessionID, callID, raw)
	return raw, ok
}

// sanitize post-processes a raw result: exec results with oversize output
// fields are externalized to artifact files.
func (d *Dispatcher) sanitize(sessionID, callID string, raw json.RawMessage) json.RawMessage {
	if d.artifacts == nil {
		return raw
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Type != "exec_result" {
		return raw
	}
	var result tool.ExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return raw
	}
	d.artifacts.ExternalizeExecResult(sessionID, callID, &result)
	out, err := json.Marshal(&result)
	if err != nil {
		return raw
	}
	return out
}

func failedJSON(code, message string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"ok": false,
		"error": tool.ResultError{
			Code:    code,
			Message: message,
		},
	})
	return raw
}
