//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// SetProcessGroup starts the child in a new console process group.
func SetProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
