//go:build unix

package launcher

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so signals
// reach everything the tool spawns, not just the immediate child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Signal delivers a termination signal to the whole process group.
// Graceful sends SIGTERM, otherwise SIGKILL. A group that is already
// gone falls back to signalling the process directly.
func (p *Proc) Signal(graceful bool) error {
	sig := syscall.SIGKILL
	if graceful {
		sig = syscall.SIGTERM
	}
	if err := syscall.Kill(-p.pid, sig); err == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}
