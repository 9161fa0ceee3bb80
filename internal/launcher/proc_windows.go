//go:build windows

package launcher

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// Signal on Windows has no graceful form: the termination request is a
// no-op and the force kill that follows the grace period does the work.
func (p *Proc) Signal(graceful bool) error {
	if graceful {
		return nil
	}
	return p.cmd.Process.Kill()
}
