package entity

import "fmt"

// Error codes surfaced over HTTP JSON or the SSE error event. Tool-level
// codes (timeout, nonzero_exit, ...) are data fed back to the model and are
// defined alongside the exec result types instead.
const (
	ErrInvalidSessionID  = "invalid_session_id"
	ErrBadRequest        = "bad_request"
	ErrMethodNotAllowed  = "method_not_allowed"
	ErrNotFound          = "not_found"
	ErrWrongSession      = "wrong_session"
	ErrMissingCredential = "missing_credential"
	ErrUpstreamStream    = "upstream_stream_error"
	ErrFetchFailed       = "fetch_failed"
	ErrToolHost          = "tool_host_unreachable"
	ErrBadToolArgs       = "bad_tool_args"
	ErrUnknownTool       = "unknown_tool"
	ErrDeniedByUser      = "denied_by_user"
	ErrApprovalTimeout   = "approval_timeout"
	ErrTooManyTurns      = "too_many_turns"
)

// UpstreamHTTPCode builds the code for a non-2xx upstream response.
func UpstreamHTTPCode(status int) string {
	return fmt.Sprintf("upstream_http_%d", status)
}

// GatewayError is a coded error with an optional user-facing hint. All
// gateway errors are non-fatal to the server process.
type GatewayError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// NewGatewayError builds a coded error.
func NewGatewayError(code, message string) *GatewayError {
	return &GatewayError{Code: code, Message: message}
}

// WithHint attaches a user-facing hint and returns the error.
func (e *GatewayError) WithHint(hint string) *GatewayError {
	e.Hint = hint
	return e
}
