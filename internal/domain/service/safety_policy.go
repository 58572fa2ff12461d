package service

import "strings"

// AccessMode selects how aggressively tool calls are gated.
type AccessMode string

const (
	AccessSafe AccessMode = "safe"
	AccessFull AccessMode = "full"
)

// SafetyCheck is the verdict for one tool call.
type SafetyCheck struct {
	RequireApproval  bool
	Reason           string
	MatchedAllowlist string
}

// SafetyPolicy decides, declaratively, which tool calls need interactive
// approval. Full mode never requires approval; safe mode gates mutating
// tools unless the call matches a trusted tool or command prefix.
type SafetyPolicy struct {
	// TrustedTools never require approval, even in safe mode.
	TrustedTools []string
	// DangerousTools always require approval in safe mode. Defaults to
	// the exec tool when empty.
	DangerousTools []string
	// TrustedCommandPrefixes auto-approve exec calls whose command starts
	// with one of these prefixes.
	TrustedCommandPrefixes []string
}

// DefaultSafetyPolicy gates exec and trusts common read-only commands.
func DefaultSafetyPolicy() *SafetyPolicy {
	return &SafetyPolicy{
		DangerousTools:         []string{"exec"},
		TrustedCommandPrefixes: []string{"ls", "cat ", "git status", "git log", "git diff"},
	}
}

// Check maps (toolName, parsedArgs, mode) to a safety verdict.
func (p *SafetyPolicy) Check(name string, args map[string]interface{}, mode AccessMode) SafetyCheck {
	if mode == AccessFull {
		return SafetyCheck{Reason: "full access mode"}
	}

	for _, t := range p.TrustedTools {
		if t == name {
			return SafetyCheck{Reason: "trusted tool", MatchedAllowlist: t}
		}
	}

	dangerous := p.DangerousTools
	if len(dangerous) == 0 {
		dangerous = []string{"exec"}
	}
	for _, d := range dangerous {
		if d != name {
			continue
		}
		if cmd := commandOf(args); cmd != "" {
			for _, prefix := range p.TrustedCommandPrefixes {
				if strings.HasPrefix(cmd, prefix) {
					return SafetyCheck{
						Reason:           "trusted command prefix",
						MatchedAllowlist: prefix,
					}
				}
			}
		}
		return SafetyCheck{RequireApproval: true, Reason: "mutating tool in safe mode"}
	}

	return SafetyCheck{Reason: "tool not gated"}
}

// commandOf extracts the shell command from exec-style arguments.
func commandOf(args map[string]interface{}) string {
	if args == nil {
		return ""
	}
	if c, ok := args["command"].(string); ok && c != "" {
		return c
	}
	if c, ok := args["cmd"].(string); ok {
		return c
	}
	return ""
}
