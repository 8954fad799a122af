//go:build !windows

package taskmgr

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureProcess puts the worker in its own process group so that helpers
// it starts are signalled with it.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	pgid, err := unix.Getpgid(pid)
	if err != nil || pgid <= 0 {
		return cmd.Process.Signal(sig)
	}
	return unix.Kill(-pgid, sig)
}

func terminateProcess(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGTERM)
}

func killProcess(cmd *exec.Cmd) error {
	return signalGroup(cmd, unix.SIGKILL)
}
