//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup places the child in a new process group so that the whole
// tree can be signaled through the group id.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
