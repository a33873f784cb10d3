//go:build windows

package lock

import "golang.org/x/sys/windows"

const processQueryLimitedInformation = 0x1000

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(processQueryLimitedInformation, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = windows.CloseHandle(h)
	return true
}
