//go:build windows

package runs

import "os/exec"

func configureProcess(*exec.Cmd) {}

func signalProcess(cmd *exec.Cmd, _ bool) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
