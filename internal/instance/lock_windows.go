//go:build windows
// +build windows

package instance

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/windows"
)

var lockHandles = map[string]windows.Handle{}

// AcquireLock opens the lock file with an exclusive share mode, which a second process on the
// same host cannot also open.
func (m *Manager) AcquireLock() error {
	lockPath := m.pidFilePath + ".lock"

	lockPathPtr, err := syscall.UTF16PtrFromString(lockPath)
	if err != nil {
		return fmt.Errorf("convert lock path: %w", err)
	}

	handle, err := windows.CreateFile(
		lockPathPtr,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		0, // exclusive: no sharing
		nil,
		windows.CREATE_ALWAYS,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return fmt.Errorf("acquire lock (another instance may be running): %w", err)
	}

	lockHandles[lockPath] = handle
	m.acquiredLock = true
	return nil
}

// ReleaseLock closes the handle and removes the lock file.
func (m *Manager) ReleaseLock() error {
	if !m.acquiredLock {
		return nil
	}
	lockPath := m.pidFilePath + ".lock"
	if handle, ok := lockHandles[lockPath]; ok {
		windows.CloseHandle(handle)
		delete(lockHandles, lockPath)
	}
	_ = os.Remove(lockPath)
	m.acquiredLock = false
	return nil
}
