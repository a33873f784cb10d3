//go:build !windows

package daemon

import "syscall"

// detachAttr starts the child in its own session, away from our terminal.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
