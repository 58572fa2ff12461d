package entity

import "testing"

// === Test: argument repair ===

func TestRepairArgsRaw(t *testing.T) {
	if got := RepairArgsRaw(`{}{"cmd":"ls"}`); got != `{"cmd":"ls"}` {
		t.Fatalf("concatenated shape not repaired: %q", got)
	}
	if got := RepairArgsRaw(`{"cmd":"ls"}`); got != `{"cmd":"ls"}` {
		t.Fatalf("valid args mangled: %q", got)
	}
	if got := RepairArgsRaw(`{}`); got != `{}` {
		t.Fatalf("bare empty object mangled: %q", got)
	}
}

func TestToolCall_ParsedArgs(t *testing.T) {
	tc := ToolCall{ArgsRaw: `{}{"cmd":"ls"}`}
	args, err := tc.ParsedArgs()
	if err != nil {
		t.Fatalf("repair path failed: %v", err)
	}
	if args["cmd"] != "ls" {
		t.Fatalf("unexpected args: %v", args)
	}

	bad := ToolCall{ArgsRaw: `not json`}
	if _, err := bad.ParsedArgs(); err == nil {
		t.Fatalf("unparseable args must error")
	}
}

// === Test: tool-call finish semantics ===

func TestTurnResult_HasToolCalls(t *testing.T) {
	withCalls := TurnResult{
		ToolCalls:    []ToolCall{{ID: "c", Name: "exec"}},
		FinishReason: "tool_calls",
	}
	if !withCalls.HasToolCalls() {
		t.Fatalf("tool_calls finish with calls must report true")
	}

	// Calls present but the finish reason disowns them.
	disowned := TurnResult{
		ToolCalls:    []ToolCall{{ID: "c", Name: "exec"}},
		FinishReason: "stop",
	}
	if disowned.HasToolCalls() {
		t.Fatalf("stop finish must disown accumulated calls")
	}

	empty := TurnResult{FinishReason: "tool_calls"}
	if empty.HasToolCalls() {
		t.Fatalf("no calls must report false")
	}
}

// === Test: session id validation ===

func TestValidSessionID(t *testing.T) {
	for _, ok := range []string{"abc", "A-1_b", "discord-123456"} {
		if !ValidSessionID(ok) {
			t.Fatalf("%q should be valid", ok)
		}
	}
	long := make([]byte, 121)
	for i := range long {
		long[i] = 'a'
	}
	for _, bad := range []string{"", "has space", "slash/y", "../escape", string(long)} {
		if ValidSessionID(bad) {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}

// === Test: origin round-trip through column storage ===

func TestSessionOrigin(t *testing.T) {
	s := Session{OriginRaw: Origin{Kind: OriginDiscord, Label: "guild:1"}.Raw()}
	o := s.Origin()
	if o.Kind != OriginDiscord || o.Label != "guild:1" {
		t.Fatalf("origin round-trip broken: %+v", o)
	}

	// Unset or garbage origins fall back to other.
	empty := Session{}
	if empty.Origin().Kind != OriginOther {
		t.Fatalf("empty origin must default to other")
	}
	garbage := Session{OriginRaw: "garbage"}
	if garbage.Origin().Kind != OriginOther {
		t.Fatalf("garbage origin must default to other")
	}
}
