//go:build unix

package transcode

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts cmd in its own process group so signals reach every
// child ffmpeg spawns.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid == pid {
		return syscall.Kill(-pgid, sig)
	}
	return cmd.Process.Signal(sig)
}

func terminateSignal(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGTERM) }

func killSignal(cmd *exec.Cmd) error { return signalGroup(cmd, syscall.SIGKILL) }
