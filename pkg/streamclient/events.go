// Package streamclient consumes the gateway's /api/chat SSE stream on the
// adapter side, coalescing per-token noise into durable records adapters
// can persist or forward.
package streamclient

import "encoding/json"

// Event is one parsed SSE event from the gateway.
type Event struct {
	Type string
	Data json.RawMessage
}

// ToolCallInfo is the tool_call payload an adapter cares about.
type ToolCallInfo struct {
	CallID string `json:"callId"`
	Name   string `json:"name"`
	Args   struct {
		Raw      string `json:"raw"`
		Approval struct {
			Required bool   `json:"required"`
			ID       string `json:"id"`
			Reason   string `json:"reason"`
		} `json:"approval"`
	} `json:"args"`
	Warning string `json:"warning"`
}

// Record is a coalesced durable record. Reason names what flushed it:
// assistant_start, tool_result, error, done, debounce, or eof.
type Record struct {
	Type      string         `json:"type"` // "assistant" | "tool_result" | "error"
	Text      string         `json:"text,omitempty"`
	ToolCalls []ToolCallInfo `json:"toolCalls,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Reason    string         `json:"reason"`
}
