//go:build !windows

package runlock

import "syscall"

// Signal 0 tests if the process exists without sending a signal.
func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}
