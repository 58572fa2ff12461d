package execrunner

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(t.TempDir(), zap.NewNop())
}

// === Test: argv and shell execution ===

func TestRun_ArgvForm(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	r := newTestRunner(t)
	result := r.Run(context.Background(), tool.ExecRequest{Cmd: "echo", Args: []string{"hello"}})
	if !result.OK || result.ExitCode != 0 {
		t.Fatalf("expected success, got %+v", result)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Fatalf("unexpected stdout: %q", result.Stdout)
	}
}

func TestRun_ShellForm(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	r := newTestRunner(t)
	result := r.Run(context.Background(), tool.ExecRequest{Command: "echo a && echo b"})
	if !result.OK {
		t.Fatalf("expected success, got %+v", result)
	}
	if !strings.Contains(result.Stdout, "a") || !strings.Contains(result.Stdout, "b") {
		t.Fatalf("shell chaining lost: %q", result.Stdout)
	}
}

func TestRun_NonzeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	r := newTestRunner(t)
	result := r.Run(context.Background(), tool.ExecRequest{Command: "exit 3"})
	if result.OK {
		t.Fatalf("expected failure")
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.Error == nil || result.Error.Code != tool.CodeNonzeroExit {
		t.Fatalf("expected nonzero_exit error, got %+v", result.Error)
	}
}

func TestRun_Timeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	r := newTestRunner(t)
	start := time.Now()
	result := r.Run(context.Background(), tool.ExecRequest{Command: "sleep 30", TimeoutMs: 200})
	if time.Since(start) > 5*time.Second {
		t.Fatalf("kill did not take effect promptly")
	}
	if result.OK || result.Error == nil || result.Error.Code != tool.CodeTimeout {
		t.Fatalf("expected timeout error, got %+v", result)
	}
}

// === Test: invocation contract ===

func TestNormalizeInvocation(t *testing.T) {
	// Neither form present.
	_, _, _, fail := normalizeInvocation(tool.ExecRequest{})
	if fail == nil || fail.Error.Code != tool.CodeMissingCommand {
		t.Fatalf("expected missing_command, got %+v", fail)
	}

	// Explicit command wins.
	_, _, command, fail := normalizeInvocation(tool.ExecRequest{Command: "ls -la"})
	if fail != nil || command != "ls -la" {
		t.Fatalf("command form broken: %q %v", command, fail)
	}

	// Whitespace-bearing cmd with no args and no matching path promotes to
	// a shell command.
	_, _, command, fail = normalizeInvocation(tool.ExecRequest{Cmd: "echo hi && echo bye"})
	if fail != nil || command != "echo hi && echo bye" {
		t.Fatalf("promotion broken: %q %v", command, fail)
	}

	// cmd with args stays argv even with whitespace in cmd.
	cmdPath, args, command, fail := normalizeInvocation(tool.ExecRequest{Cmd: "some cmd", Args: []string{"x"}})
	if fail != nil || command != "" || cmdPath != "some cmd" || len(args) != 1 {
		t.Fatalf("argv form broken: %q %v %q", cmdPath, args, command)
	}
}

// === Test: cwd resolution ===

func TestResolveCwd(t *testing.T) {
	r := newTestRunner(t)

	// Empty cwd defaults to root.
	got, err := r.resolveCwd("")
	if err != nil || got != r.root {
		t.Fatalf("empty cwd: %q %v", got, err)
	}

	// Relative escape rejected.
	if _, err := r.resolveCwd("../outside"); err == nil {
		t.Fatalf("expected escape rejection")
	}

	// Nonexistent directory rejected.
	if _, err := r.resolveCwd("missing"); err == nil {
		t.Fatalf("expected missing dir rejection")
	}
}

func TestRun_BadCwd(t *testing.T) {
	r := newTestRunner(t)
	result := r.Run(context.Background(), tool.ExecRequest{Command: "true", Cwd: "../.."})
	if result.OK || result.Error == nil || result.Error.Code != tool.CodeBadCwd {
		t.Fatalf("expected bad_cwd, got %+v", result)
	}
}

// === Test: output capping at UTF-8 boundaries ===

func TestRun_StdoutCap(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	r := newTestRunner(t)
	result := r.Run(context.Background(), tool.ExecRequest{
		Command:        "yes x | head -c 5000",
		MaxStdoutBytes: 100,
	})
	if !result.Truncated.Stdout {
		t.Fatalf("expected stdout truncation flag")
	}
	if len(result.Stdout) > 100 {
		t.Fatalf("stdout exceeds cap: %d bytes", len(result.Stdout))
	}
}

func TestTrimToUTF8Boundary(t *testing.T) {
	// "héllo" cut mid-é: 'h' 0x68, then é is 0xC3 0xA9.
	full := []byte("héllo")
	cut := full[:2] // "h" + first byte of é
	if got := string(TrimToUTF8Boundary(cut)); got != "h" {
		t.Fatalf("expected partial rune dropped, got %q", got)
	}

	// Complete text passes through.
	if got := string(TrimToUTF8Boundary([]byte("héllo"))); got != "héllo" {
		t.Fatalf("complete text mangled: %q", got)
	}

	// 4-byte emoji cut after 2 bytes.
	emoji := []byte("ab\xf0\x9f\x98\x80")
	if got := string(TrimToUTF8Boundary(emoji[:4])); got != "ab" {
		t.Fatalf("expected partial emoji dropped, got %q", got)
	}

	// Binary data with no rune-start byte in the tail window passes
	// through untouched.
	bin := []byte{0x00, 0x80, 0x80, 0x80, 0x80}
	if got := TrimToUTF8Boundary(bin); len(got) != len(bin) {
		t.Fatalf("binary data modified: %v", got)
	}

	if got := TrimToUTF8Boundary(nil); len(got) != 0 {
		t.Fatalf("nil input modified: %v", got)
	}
}

// === Test: request env layered over process env ===

func TestRun_ExtraEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell test")
	}
	r := newTestRunner(t)
	result := r.Run(context.Background(), tool.ExecRequest{
		Command: "echo $ECLIA_TEST_VAR",
		Env:     map[string]string{"ECLIA_TEST_VAR": "set-for-test"},
	})
	if strings.TrimSpace(result.Stdout) != "set-for-test" {
		t.Fatalf("env var not passed: %q", result.Stdout)
	}
}
