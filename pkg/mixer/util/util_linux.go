package util

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// the kernel appends this to /proc/<pid>/exe once the binary was replaced on disk,
// which is common for browsers that update themselves while running
const deletedExeSuffix = " (deleted)"

// ExecutablePath returns the executable a process was started from, read off /proc/<pid>/exe
func ExecutablePath(pid uint32) (string, error) {
	link := "/proc/" + strconv.FormatUint(uint64(pid), 10) + "/exe"

	path, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("read executable link of process %d: %w", pid, err)
	}

	return strings.TrimSuffix(path, deletedExeSuffix), nil
}
