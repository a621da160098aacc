//go:build !windows

package procreg

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr places the child in a new process group so the whole
// descendant tree can be signaled together.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// processGroupOf resolves the child's process group id. With Setpgid the
// child leads its own group, so this equals the pid unless the lookup
// races the exit.
func processGroupOf(pid int) int {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return pid
	}
	return pgid
}

// killGroup signals the entire process group. Graceful sends SIGTERM,
// forceful SIGKILL.
func killGroup(pgid int, forceful bool) error {
	sig := syscall.SIGTERM
	if forceful {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(-pgid, sig)
}

// processAlive checks liveness of one process with the null signal.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// groupAlive checks whether any member of the process group survives.
// Reclamation decisions key on this, never on the leader alone: the
// leader dying first must not hide a surviving descendant.
func groupAlive(pgid int) bool {
	return syscall.Kill(-pgid, 0) == nil
}
