//go:build windows

package execrunner

import "os/exec"

// Process groups are a POSIX concept; on Windows only the direct child is
// killed.
func setProcessGroup(cmd *exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
