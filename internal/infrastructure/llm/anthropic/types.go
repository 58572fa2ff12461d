package anthropic

import "encoding/json"

// --- Anthropic Messages API wire types ---
//
// Differences from the OpenAI-compatible shape:
// - Messages carry content block lists, not flat strings
// - Tool calls are "tool_use" blocks; tool results are "tool_result" blocks
//   inside a user message
// - The system prompt is a top-level field, not a message

type request struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
	Stream      bool          `json:"stream"`
}

type wireMessage struct {
	Role    string         `json:"role"` // "user" | "assistant"
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"` // "text" | "tool_use" | "tool_result"

	// "text"
	Text string `json:"text,omitempty"`

	// "tool_use"
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// "tool_result"
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

type wireTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// --- Streaming event types ---
// Events arrive as "event: <type>" / "data: <json>" pairs.

type streamEvent struct {
	Type         string         `json:"type"`
	Index        int            `json:"index"`
	Message      *messageStart  `json:"message"`
	ContentBlock *startBlock    `json:"content_block"`
	Delta        *eventDelta    `json:"delta"`
	Error        *upstreamError `json:"error"`
}

type messageStart struct {
	Model string `json:"model"`
	Usage usage  `json:"usage"`
}

// startBlock keeps tool_use input as raw JSON so an empty `{}` placeholder
// can be told apart from real arguments.
type startBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type eventDelta struct {
	Type        string `json:"type"` // "text_delta" | "input_json_delta" | "thinking_delta"
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type upstreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorBody struct {
	Error *upstreamError `json:"error"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *usage) Total() int { return u.InputTokens + u.OutputTokens }
