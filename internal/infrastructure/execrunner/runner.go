package execrunner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/eclia/eclia/gateway/internal/domain/tool"
	"go.uber.org/zap"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultMaxStdout = 100_000
	defaultMaxStderr = 100_000
)

// Runner executes shell commands for the exec tool. Subprocesses run in
// their own process group so a kill takes down the whole tree.
type Runner struct {
	root   string
	logger *zap.Logger
}

// NewRunner builds a runner resolving relative cwds against root.
func NewRunner(root string, logger *zap.Logger) *Runner {
	return &Runner{root: root, logger: logger}
}

// Run executes one request and always returns a result; failures are data
// fed back to the model, never Go errors.
func (r *Runner) Run(ctx context.Context, req tool.ExecRequest) *tool.ExecResult {
	cwd, err := r.resolveCwd(req.Cwd)
	if err != nil {
		return tool.FailedExecResult(tool.CodeBadCwd, err.Error())
	}

	cmdPath, args, command, errResult := normalizeInvocation(req)
	if errResult != nil {
		return errResult
	}

	timeout := defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	maxStdout := req.MaxStdoutBytes
	if maxStdout <= 0 {
		maxStdout = defaultMaxStdout
	}
	maxStderr := req.MaxStderrBytes
	if maxStderr <= 0 {
		maxStderr = defaultMaxStderr
	}

	var cmd *exec.Cmd
	if command != "" {
		shell, shellArgs := platformShell()
		cmd = exec.Command(shell, append(shellArgs, command)...)
	} else {
		cmd = exec.Command(cmdPath, args...)
	}
	cmd.Dir = cwd
	cmd.Env = buildEnv(req.Env)
	setProcessGroup(cmd)

	stdout := &cappedBuffer{max: maxStdout}
	stderr := &cappedBuffer{max: maxStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return tool.FailedExecResult(tool.CodeSpawnFailed, err.Error())
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var failCode string
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		killProcessGroup(cmd)
		waitErr = <-waitCh
		failCode = tool.CodeTimeout
	case <-ctx.Done():
		killProcessGroup(cmd)
		waitErr = <-waitCh
		failCode = tool.CodeAborted
	}

	exitCode := 0
	if waitErr != nil {
		if ee, ok := waitErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}

	outBytes, outTrunc := stdout.bytesTruncated()
	errBytes, errTrunc := stderr.bytesTruncated()
	result := &tool.ExecResult{
		Type:     "exec_result",
		OK:       failCode == "" && exitCode == 0,
		ExitCode: exitCode,
		Stdout:   string(outBytes),
		Stderr:   string(errBytes),
		Truncated: tool.Truncation{
			Stdout: outTrunc,
			Stderr: errTrunc,
		},
	}

	switch {
	case failCode == tool.CodeTimeout:
		result.Error = &tool.ResultError{Code: tool.CodeTimeout, Message: fmt.Sprintf("killed after %v", timeout)}
	case failCode == tool.CodeAborted:
		result.Error = &tool.ResultError{Code: tool.CodeAborted, Message: "aborted"}
	case exitCode != 0:
		result.Error = &tool.ResultError{Code: tool.CodeNonzeroExit, Message: fmt.Sprintf("exit status %d", exitCode)}
	}

	if r.logger != nil {
		r.logger.Debug("Exec finished",
			zap.Bool("ok", result.OK),
			zap.Int("exit_code", exitCode),
			zap.Int("stdout_bytes", len(result.Stdout)),
			zap.Int("stderr_bytes", len(result.Stderr)),
		)
	}
	return result
}

// resolveCwd resolves relative paths against the project root and rejects
// relative escapes. Absolute paths are an intentional escape hatch.
func (r *Runner) resolveCwd(cwd string) (string, error) {
	if cwd == "" {
		return r.root, nil
	}
	resolved := cwd
	if !filepath.IsAbs(cwd) {
		resolved = filepath.Join(r.root, cwd)
		rel, err := filepath.Rel(r.root, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("cwd %q escapes the project root", cwd)
		}
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("cwd %q is not a directory", cwd)
	}
	return resolved, nil
}

// normalizeInvocation applies the cmd/command contract: exactly one is
// used, and a whitespace-bearing cmd with no args and no matching path is
// auto-promoted to a shell command.
func normalizeInvocation(req tool.ExecRequest) (cmdPath string, args []string, command string, fail *tool.ExecResult) {
	cmd := strings.TrimSpace(req.Cmd)
	shellCommand := strings.TrimSpace(req.Command)

	if cmd == "" && shellCommand == "" {
		return "", nil, "", tool.FailedExecResult(tool.CodeMissingCommand, "one of cmd or command is required")
	}
	if shellCommand != "" {
		return "", nil, shellCommand, nil
	}

	if strings.ContainsAny(cmd, " \t") && len(req.Args) == 0 && !pathExists(cmd) {
		return "", nil, cmd, nil
	}
	return cmd, req.Args, "", nil
}

func pathExists(p string) bool {
	if _, err := exec.LookPath(p); err == nil {
		return true
	}
	_, err := os.Stat(p)
	return err == nil
}

// platformShell picks the shell wrapping `command` invocations.
func platformShell() (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "/bin/zsh", []string{"-lc"}
	case "windows":
		return "cmd.exe", []string{"/d", "/s", "/c"}
	default:
		if sh := os.Getenv("SHELL"); sh != "" {
			return sh, []string{"-lc"}
		}
		return "/bin/bash", []string{"-lc"}
	}
}

// buildEnv layers the request env over the process env, augmenting PATH
// with homebrew locations on darwin.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	if runtime.GOOS == "darwin" {
		for i, kv := range env {
			if strings.HasPrefix(kv, "PATH=") {
				env[i] = kv + ":/opt/homebrew/bin:/opt/homebrew/sbin"
			}
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// cappedBuffer captures up to max bytes, flagging overflow. The final
// bytes are trimmed back to a UTF-8 code-point boundary.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remain := b.max - b.buf.Len()
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf.Write(p[:remain])
		b.truncated = true
	} else {
		b.buf.Write(p)
	}
	return len(p), nil
}

func (b *cappedBuffer) bytesTruncated() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.buf.Bytes()
	if b.truncated {
		out = TrimToUTF8Boundary(out)
	}
	return out, b.truncated
}

// TrimToUTF8Boundary drops a trailing partial rune left by a byte-budget
// cut. Data that was never UTF-8 passes through untouched.
func TrimToUTF8Boundary(b []byte) []byte {
	end := len(b)
	for start := end - 1; start >= 0 && start >= end-utf8.UTFMax; start-- {
		if utf8.RuneStart(b[start]) {
			if utf8.Valid(b[start:end]) {
				return b
			}
			return b[:start]
		}
	}
	return b
}
