package entity

// StreamEventType enumerates the SSE events emitted on /api/chat.
type StreamEventType string

const (
	EventMeta           StreamEventType = "meta"
	EventAssistantStart StreamEventType = "assistant_start"
	EventDelta          StreamEventType = "delta"
	EventAssistantEnd   StreamEventType = "assistant_end"
	EventToolCall       StreamEventType = "tool_call"
	EventToolResult     StreamEventType = "tool_result"
	EventFinal          StreamEventType = "final"
	EventError          StreamEventType = "error"
	EventDone           StreamEventType = "done"
)

// StreamEvent is one event on the chat stream. Exactly one payload field is
// populated depending on Type; empty-payload events (assistant_start,
// assistant_end, done) carry none.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	Meta       *MetaPayload       `json:"meta,omitempty"`
	Text       string             `json:"text,omitempty"`
	ToolCall   *ToolCallPayload   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPayload `json:"tool_result,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// MetaPayload opens every stream.
type MetaPayload struct {
	SessionID  string `json:"sessionId"`
	Model      string `json:"model"`
	UsedTokens int    `json:"usedTokens"`
	Dropped    int    `json:"dropped"`
}

// ApprovalInfo rides on tool_call events so adapters can prompt the user.
type ApprovalInfo struct {
	Required bool   `json:"required"`
	ID       string `json:"id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ToolCallArgs wraps the verbatim argument JSON plus the approval gate state.
type ToolCallArgs struct {
	Raw      string       `json:"raw"`
	Approval ApprovalInfo `json:"approval"`
}

// ToolCallPayload announces one tool invocation.
type ToolCallPayload struct {
	CallID  string       `json:"callId"`
	Name    string       `json:"name"`
	Args    ToolCallArgs `json:"args"`
	Warning string       `json:"warning,omitempty"`
}

// ToolResultPayload reports the dispatched outcome.
type ToolResultPayload struct {
	CallID string      `json:"callId"`
	Name   string      `json:"name"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result"`
}

// Terminal reports whether the event closes the stream.
func (e *StreamEvent) Terminal() bool {
	return e.Type == EventDone
}

// Droppable reports whether the event may be coalesced away under
// backpressure. Only text deltas are; tool and terminal events never are.
func (e *StreamEvent) Droppable() bool {
	return e.Type == EventDelta
}
