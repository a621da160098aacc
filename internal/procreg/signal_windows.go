//go:build windows

package procreg

import (
	"os"
	"os/exec"
)

// Windows has no POSIX process groups; kills target the direct child
// only. The supervisor is deployed on Unix hosts, this keeps the package
// compiling for development on Windows.

func setSysProcAttr(cmd *exec.Cmd) {}

func processGroupOf(pid int) int { return pid }

func killGroup(pgid int, forceful bool) error {
	proc, err := os.FindProcess(pgid)
	if err != nil {
		return err
	}
	return proc.Kill()
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal(0) is not supported on Windows; Release reports a usable handle
	defer func() { _ = proc.Release() }()
	return true
}

func groupAlive(pgid int) bool {
	return processAlive(pgid)
}
