package service

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/eclia/eclia/gateway/internal/domain/entity"
)

// Some models narrate tool calls as plain text instead of using the
// structured tool-call channel. When a turn finishes with no structured
// calls, each line of the assistant text is matched against two shapes:
//
//	Tool <name> (calling): {...}
//	[tool:<name>] {...} </tool:<name>>
//
// A line yields at most one call; the first matching pattern wins.
var (
	plaintextCallPattern = regexp.MustCompile(`^Tool\s+([\w.-]+)\s*\(\s*(?:calling|call)\s*\)\s*:\s*(\{.*\})\s*$`)
	bracketCallPattern   = regexp.MustCompile(`^\[tool:([\w.-]+)\]\s*(\{.*\})\s*(?:</tool:([\w.-]+)>)?\s*$`)
)

// ParsePlaintextToolCalls extracts synthetic tool calls from assistant text.
// Only names present in allowed are accepted, and the payload must parse to
// a JSON object.
func ParsePlaintextToolCalls(text string, allowed map[string]bool) []entity.ToolCall {
	var calls []entity.ToolCall
	for _, line := range strings.Split(text, "\n") {
		name, raw, ok := matchPlaintextCall(strings.TrimRight(line, "\r"))
		if !ok || !allowed[name] {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			continue
		}
		calls = append(calls, entity.ToolCall{
			ID:      fmt.Sprintf("call_text_%s_%d", randToken(12), len(calls)),
			Name:    name,
			ArgsRaw: raw,
		})
	}
	return calls
}

func matchPlaintextCall(line string) (name, raw string, ok bool) {
	if m := plaintextCallPattern.FindStringSubmatch(line); m != nil {
		return m[1], m[2], true
	}
	if m := bracketCallPattern.FindStringSubmatch(line); m != nil {
		// The closing tag, when present, must name the same tool.
		if m[3] != "" && m[3] != m[1] {
			return "", "", false
		}
		return m[1], m[2], true
	}
	return "", "", false
}

func randToken(n int) string {
	b := make([]byte, (n+1)/2)
	if _, err := rand.Read(b); err != nil {
		return strings.Repeat("0", n)
	}
	return hex.EncodeToString(b)[:n]
}
