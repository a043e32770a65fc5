//go:build !windows

package converter

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the engine in its own process group so a timeout
// kills the helper processes LibreOffice forks too.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}

		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
