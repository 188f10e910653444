package util

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// ExecutablePath returns the full path of the executable a process was started from.
// PROCESS_QUERY_LIMITED_INFORMATION also works for elevated processes we couldn't otherwise open
func ExecutablePath(pid uint32) (string, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", fmt.Errorf("open process %d: %w", pid, err)
	}
	defer windows.CloseHandle(handle)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))

	if err := windows.QueryFullProcessImageName(handle, 0, &buf[0], &size); err != nil {
		return "", fmt.Errorf("query image name of process %d: %w", pid, err)
	}

	return windows.UTF16ToString(buf[:size]), nil
}
