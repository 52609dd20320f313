//go:build unix

package agents

import (
	"os"
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup places the child in its own process group so termination
// reaches grandchildren the CLI spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup delivers SIGTERM to the child's process group, waits up to
// grace for exited to close, then delivers SIGKILL. Signal errors are
// ignored: the group may already be gone.
func terminateGroup(p *os.Process, grace time.Duration, exited <-chan struct{}) {
	if p == nil {
		return
	}
	_ = syscall.Kill(-p.Pid, syscall.SIGTERM)

	select {
	case <-exited:
	case <-time.After(grace):
		_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
	}
}
