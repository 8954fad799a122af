//go:build windows

package taskmgr

import (
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// There is no SIGTERM to send, the transport close is the polite request.
func terminateProcess(cmd *exec.Cmd) error {
	return nil
}

func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
