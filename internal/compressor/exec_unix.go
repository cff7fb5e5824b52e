//go:build linux || freebsd || darwin

package compressor

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureCommand runs the compressor in its own process group so a
// cancellation kills every process it forked, not only the direct child
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid addresses the whole group
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
