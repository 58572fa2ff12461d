package entity

import (
	"encoding/json"
	"regexp"
	"time"
)

// Role discriminates the message union.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript message. Assistant content is kept opaque
// (including any <think> segments some providers require on replay);
// structured assistant content is preserved verbatim in ContentBlocks.
type Message struct {
	Role Role `json:"role"`

	// Content is the plain-text content. For assistant messages with
	// structured upstream content, ContentBlocks takes precedence on replay.
	Content       string          `json:"content,omitempty"`
	ContentBlocks json.RawMessage `json:"content_blocks,omitempty"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool message back to the assistant tool call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// Name is the tool name on tool messages.
	Name string `json:"name,omitempty"`
}

// ToolCall is a tool invocation requested by the assistant. ArgsRaw is the
// argument JSON exactly as the upstream emitted it; it is never re-serialized
// before being stored or replayed.
type ToolCall struct {
	ID      string `json:"id"`
	Index   *int   `json:"index,omitempty"`
	Name    string `json:"name"`
	ArgsRaw string `json:"args_raw"`
}

// ParsedArgs decodes ArgsRaw into a generic object, attempting the
// "{}{...}" repair for streams that concatenated an empty start object
// with the real arguments.
func (tc *ToolCall) ParsedArgs() (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(tc.ArgsRaw), &args); err == nil {
		return args, nil
	}
	repaired := RepairArgsRaw(tc.ArgsRaw)
	var repairedArgs map[string]interface{}
	if err := json.Unmarshal([]byte(repaired), &repairedArgs); err != nil {
		return nil, err
	}
	return repairedArgs, nil
}

// RepairArgsRaw fixes the malformed "{}{...}" shape produced when an empty
// tool_use start object is concatenated with streamed argument shards.
func RepairArgsRaw(raw string) string {
	if len(raw) > 2 && raw[0] == '{' && raw[1] == '}' {
		return raw[2:]
	}
	return raw
}

// ToolResult is the outcome of dispatching one tool call.
type ToolResult struct {
	CallID  string          `json:"call_id"`
	Content json.RawMessage `json:"content"`
	OK      bool            `json:"ok"`
}

// TurnResult is the normalized outcome of one provider streaming turn.
type TurnResult struct {
	AssistantText string
	ToolCalls     []ToolCall
	FinishReason  string
}

// HasToolCalls reports whether the turn ended requesting tools.
func (r *TurnResult) HasToolCalls() bool {
	if len(r.ToolCalls) == 0 {
		return false
	}
	return r.FinishReason == "tool_calls" || r.FinishReason == "tool_use"
}

// OriginKind tags where a session came from. Adapters never branch on it;
// it exists only for UI titling.
type OriginKind string

const (
	OriginDiscord  OriginKind = "discord"
	OriginTelegram OriginKind = "telegram"
	OriginWeb      OriginKind = "web"
	OriginOther    OriginKind = "other"
)

// Origin is an opaque tag describing the session's source adapter.
type Origin struct {
	Kind  OriginKind `json:"kind"`
	Label string     `json:"label,omitempty"`
}

// Raw encodes the origin for column storage.
func (o Origin) Raw() string {
	raw, _ := json.Marshal(o)
	return string(raw)
}

// Session metadata. Transcript records live in the transcript store keyed
// by session id; sessions are never garbage collected automatically.
type Session struct {
	ID        string    `json:"id" gorm:"primaryKey;column:id"`
	Title     string    `json:"title" gorm:"column:title"`
	OriginRaw string    `json:"-" gorm:"column:origin"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName keeps the gorm table name stable across model renames.
func (Session) TableName() string { return "sessions" }

// Origin decodes the stored origin tag; kind falls back to "other".
func (s *Session) Origin() Origin {
	var o Origin
	if s.OriginRaw != "" {
		_ = json.Unmarshal([]byte(s.OriginRaw), &o)
	}
	if o.Kind == "" {
		o.Kind = OriginOther
	}
	return o
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,120}$`)

// ValidSessionID reports whether id is an acceptable session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
