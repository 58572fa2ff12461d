package service

import "testing"

// === Test: full mode never gates ===

func TestSafetyPolicy_FullMode(t *testing.T) {
	p := DefaultSafetyPolicy()
	check := p.Check("exec", map[string]interface{}{"command": "rm -rf /"}, AccessFull)
	if check.RequireApproval {
		t.Fatalf("full mode must never require approval: %+v", check)
	}
}

// === Test: safe mode gates exec unless allowlisted ===

func TestSafetyPolicy_SafeModeGatesExec(t *testing.T) {
	p := DefaultSafetyPolicy()

	check := p.Check("exec", map[string]interface{}{"command": "rm -rf build"}, AccessSafe)
	if !check.RequireApproval {
		t.Fatalf("mutating exec must require approval: %+v", check)
	}

	check = p.Check("exec", map[string]interface{}{"command": "git status"}, AccessSafe)
	if check.RequireApproval || check.MatchedAllowlist != "git status" {
		t.Fatalf("trusted prefix not honored: %+v", check)
	}

	// The cmd field counts as the command for prefix matching.
	check = p.Check("exec", map[string]interface{}{"cmd": "ls -la"}, AccessSafe)
	if check.RequireApproval {
		t.Fatalf("trusted cmd prefix not honored: %+v", check)
	}
}

func TestSafetyPolicy_UngatedTool(t *testing.T) {
	p := DefaultSafetyPolicy()
	check := p.Check("fetch", map[string]interface{}{"url": "https://x"}, AccessSafe)
	if check.RequireApproval {
		t.Fatalf("non-dangerous tool must pass: %+v", check)
	}
}

func TestSafetyPolicy_TrustedToolOverridesDangerous(t *testing.T) {
	p := &SafetyPolicy{
		TrustedTools:   []string{"exec"},
		DangerousTools: []string{"exec"},
	}
	check := p.Check("exec", map[string]interface{}{"command": "anything"}, AccessSafe)
	if check.RequireApproval {
		t.Fatalf("trusted tool must win over dangerous listing: %+v", check)
	}
}

func TestSafetyPolicy_MissingArgsStillGated(t *testing.T) {
	p := DefaultSafetyPolicy()
	check := p.Check("exec", nil, AccessSafe)
	if !check.RequireApproval {
		t.Fatalf("exec without parsable command must require approval")
	}
}
