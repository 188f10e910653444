package mixer

import (
	"fmt"

	ps "github.com/mitchellh/go-ps"
)

// processName looks the executable name of pid up in the process table
func processName(pid uint32) (string, error) {
	process, err := ps.FindProcess(int(pid))
	if err != nil {
		return "", fmt.Errorf("find process by pid: %w", err)
	}

	// the process already exited
	if process == nil {
		return "", errNoSuchProcess
	}

	return process.Executable(), nil
}
