//go:build !windows

package shell

import (
	"os/exec"
	"syscall"
)

func shellCommand() (string, string) {
	return "sh", "-c"
}

// configureProcess puts the child in its own process group so cancellation
// reaches every descendant.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
