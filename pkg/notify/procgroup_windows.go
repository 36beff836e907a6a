//go:build windows

package notify

import "os/exec"

// setupProcessGroup only bounds the wait on windows, process groups are not used.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.WaitDelay = scriptWaitDelay
}
