//go:build windows
// +build windows

package instance

import (
	"fmt"
	"os/exec"

	"golang.org/x/sys/windows"
)

// IsProcessRunning reports whether pid is a live process.
func IsProcessRunning(pid int) (bool, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, nil
	}
	defer windows.CloseHandle(handle)
	return true, nil
}

// KillProcess forcefully terminates pid.
func KillProcess(pid int) error {
	cmd := exec.Command("taskkill", "/F", "/PID", fmt.Sprintf("%d", pid))
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("kill process %d: %w (output: %s)", pid, err, string(output))
	}
	return nil
}
