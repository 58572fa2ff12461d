package anthropic

import (
	"encoding/json"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
	"github.com/eclia/eclia/gateway/internal/domain/tool"
)

// toWireMessages restructures the canonical transcript into Anthropic's
// shape: the first system message is hoisted into the top-level system
// field, assistant tool calls become tool_use blocks, and the matching tool
// messages merge into a single tool_result user message immediately after.
//
// Anthropic rejects tool_use blocks whose results are missing from the next
// user message. When history is truncated between a call and its results,
// the tool_use blocks are dropped and only the assistant text survives;
// orphaned tool messages are dropped likewise.
func toWireMessages(msgs []entity.Message) (system string, out []wireMessage) {
	i := 0
	if len(msgs) > 0 && msgs[0].Role == entity.RoleSystem {
		system = msgs[0].Content
		i = 1
	}

	for ; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Role {
		case entity.RoleSystem:
			// A non-leading system message has no Anthropic slot; demote it
			// to user text so it is not lost.
			out = appendBlocks(out, "user", []contentBlock{{Type: "text", Text: m.Content}})

		case entity.RoleUser:
			out = appendBlocks(out, "user", []contentBlock{{Type: "text", Text: m.Content}})

		case entity.RoleAssistant:
			blocks := make([]contentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: m.Content})
			}
			if len(m.ToolCalls) == 0 {
				if len(blocks) > 0 {
					out = appendBlocks(out, "assistant", blocks)
				}
				continue
			}

			results, next := collectResults(msgs, i+1, m.ToolCalls)
			if results == nil {
				// Results truncated away; keep only the text.
				if len(blocks) > 0 {
					out = appendBlocks(out, "assistant", blocks)
				}
				continue
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, contentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: argsToInput(tc.ArgsRaw),
				})
			}
			out = appendBlocks(out, "assistant", blocks)
			out = appendBlocks(out, "user", results)
			i = next - 1

		case entity.RoleTool:
			// Orphaned tool result with no preceding call; unrepresentable.
		}
	}
	return system, out
}

// collectResults gathers the run of tool messages starting at `from` into
// tool_result blocks, requiring one result per call. Returns (nil, from)
// when any call's result is missing.
func collectResults(msgs []entity.Message, from int, calls []entity.ToolCall) ([]contentBlock, int) {
	wanted := make(map[string]bool, len(calls))
	for _, tc := range calls {
		wanted[tc.ID] = true
	}

	var blocks []contentBlock
	i := from
	for ; i < len(msgs) && msgs[i].Role == entity.RoleTool; i++ {
		m := msgs[i]
		if !wanted[m.ToolCallID] {
			break
		}
		delete(wanted, m.ToolCallID)
		blocks = append(blocks, contentBlock{
			Type:      "tool_result",
			ToolUseID: m.ToolCallID,
			Content:   m.Content,
			IsError:   resultIsError(m.Content),
		})
	}
	if len(wanted) > 0 {
		return nil, from
	}
	return blocks, i
}

// resultIsError inspects a tool result payload for an ok:false marker.
func resultIsError(content string) bool {
	var probe struct {
		OK *bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		return false
	}
	return probe.OK != nil && !*probe.OK
}

// appendBlocks appends blocks to out, merging into the previous message
// when roles match. Anthropic requires alternating roles.
func appendBlocks(out []wireMessage, role string, blocks []contentBlock) []wireMessage {
	if n := len(out); n > 0 && out[n-1].Role == role {
		out[n-1].Content = append(out[n-1].Content, blocks...)
		return out
	}
	return append(out, wireMessage{Role: role, Content: blocks})
}

// argsToInput decodes raw argument JSON into a tool_use input object:
// parse, then the "{}{...}" repair, then wrap the raw text.
func argsToInput(raw string) map[string]interface{} {
	if raw == "" {
		return map[string]interface{}{}
	}
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &input); err == nil {
		return input
	}
	if repaired := entity.RepairArgsRaw(raw); repaired != raw {
		if err := json.Unmarshal([]byte(repaired), &input); err == nil {
			return input
		}
	}
	return map[string]interface{}{"__raw": raw}
}

func toWireTools(defs []tool.Definition) []wireTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(defs))
	for _, d := range defs {
		schema := d.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, wireTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: schema,
		})
	}
	return out
}
