//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// SignalGroup sends sig to the process group led by pid. A group that no
// longer exists is not an error.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// GroupAlive reports whether any member of the process group still exists.
func GroupAlive(pid int) bool {
	return pid > 0 && syscall.Kill(-pid, 0) == nil
}
