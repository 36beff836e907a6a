//go:build !windows

package notify

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setupProcessGroup runs the script in its own process group. on cancellation the whole
// group gets SIGTERM, so children started by the script don't keep the output pipe open.
// anything still alive after scriptWaitDelay is killed by exec.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = scriptWaitDelay
}
