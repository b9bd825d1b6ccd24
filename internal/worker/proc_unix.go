//go:build !windows

package worker

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// java はさらに子プロセスを持つことがあるため、専用のプロセスグループで起動する
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcess はワーカーのプロセスグループを強制終了します。
// 既に Wait 済みのプロセスには何も送らず false を返します。
func terminateProcess(cmd *exec.Cmd) bool {
	if cmd == nil || cmd.Process == nil {
		return false
	}
	if err := cmd.Process.Signal(syscall.Signal(0)); errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// Setpgid で起動しているので PGID は PID と同じ
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return true
	}
	return cmd.Process.Kill() == nil
}
