package openai

// --- OpenAI-compatible Chat Completions wire types ---
// Covers both true deltas (choices[0].delta) and full-message frames
// (choices[0].message) that some compatible gateways emit mid-stream.

type request struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // "function"
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string      `json:"type"` // "function"
	Function wireToolDef `json:"function"`
}

type wireToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// --- Streaming frame types ---

type streamFrame struct {
	Model   string         `json:"model"`
	Error   *upstreamError `json:"error,omitempty"`
	Choices []streamChoice `json:"choices"`
}

type upstreamError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    any    `json:"code,omitempty"`
}

type streamChoice struct {
	Delta        *framePayload `json:"delta"`
	Message      *framePayload `json:"message"`
	FinishReason *string       `json:"finish_reason"`
}

type framePayload struct {
	Content   *string         `json:"content"`
	ToolCalls []toolCallDelta `json:"tool_calls"`
	// Legacy single-function form predating tool_calls.
	FunctionCall *functionDelta `json:"function_call"`
}

type toolCallDelta struct {
	Index    *int          `json:"index"`
	ID       string        `json:"id"`
	Function functionDelta `json:"function"`
}

type functionDelta struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// payload returns whichever of delta/message the frame carried.
func (c *streamChoice) payload() *framePayload {
	if c.Delta != nil {
		return c.Delta
	}
	return c.Message
}
