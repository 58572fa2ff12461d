package tool

import (
	"context"
	"encoding/json"
)

// Definition describes a tool to the model.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Tool is an in-process tool implementation. Tools reachable only through
// the MCP tool host are not Tools; the dispatcher routes those separately.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]interface{}
	Execute(ctx context.Context, sessionID string, args map[string]interface{}) (json.RawMessage, bool, error)
}

// ErrorCode values reported inside failed tool results. These are data fed
// back to the model, not turn-terminating errors.
const (
	CodeTimeout        = "timeout"
	CodeAborted        = "aborted"
	CodeNonzeroExit    = "nonzero_exit"
	CodeSpawnFailed    = "spawn_failed"
	CodeBadCwd         = "bad_cwd"
	CodeMissingCommand = "missing_command"
	CodeDeniedByUser   = "denied_by_user"
	CodeApprovalExpire = "approval_timeout"
)

// ResultError is the error object embedded in failed tool results.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExecRequest is the exec tool input contract. Exactly one of Cmd or
// Command is used; Cmd with whitespace, no Args, and no matching path is
// auto-promoted to Command.
type ExecRequest struct {
	Cmd            string            `json:"cmd,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Command        string            `json:"command,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	TimeoutMs      int               `json:"timeoutMs,omitempty"`
	MaxStdoutBytes int               `json:"maxStdoutBytes,omitempty"`
	MaxStderrBytes int               `json:"maxStderrBytes,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// Truncation flags which captured streams hit their byte budget.
type Truncation struct {
	Stdout bool `json:"stdout"`
	Stderr bool `json:"stderr"`
}

// ArtifactRef points at an externalized oversize output field.
type ArtifactRef struct {
	Field  string `json:"field"`
	Path   string `json:"path"`
	URI    string `json:"uri"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256,omitempty"`
}

// ExecResult is the exec tool output contract.
type ExecResult struct {
	Type      string        `json:"type"` // always "exec_result"
	OK        bool          `json:"ok"`
	ExitCode  int           `json:"exitCode"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Truncated Truncation    `json:"truncated"`
	Error     *ResultError  `json:"error,omitempty"`
	Artifacts []ArtifactRef `json:"artifacts,omitempty"`
}

// FailedResult encodes a synthetic failed tool result (approval denials,
// dispatch errors) in the same envelope the model sees for real failures.
func FailedResult(code, message string) json.RawMessage {
	out, _ := json.Marshal(map[string]interface{}{
		"ok":    false,
		"error": ResultError{Code: code, Message: message},
	})
	return out
}

// FailedExecResult builds an exec result that failed before (or instead of)
// running anything.
func FailedExecResult(code, message string) *ExecResult {
	return &ExecResult{
		Type:  "exec_result",
		OK:    false,
		Error: &ResultError{Code: code, Message: message},
	}
}
