//go:build windows

package shell

import "os/exec"

func shellCommand() (string, string) {
	return "cmd", "/C"
}

func configureProcess(cmd *exec.Cmd) {}
