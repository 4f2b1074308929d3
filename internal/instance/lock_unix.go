//go:build !windows
// +build !windows

package instance

import (
	"fmt"
	"os"
	"syscall"
)

var lockFiles = map[string]*os.File{}

// AcquireLock takes an exclusive flock on the lock file, the POSIX equivalent of the Windows
// build's exclusive-CreateFile technique.
func (m *Manager) AcquireLock() error {
	lockPath := m.pidFilePath + ".lock"

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("acquire lock (another instance may be running): %w", err)
	}

	lockFiles[lockPath] = f
	m.acquiredLock = true
	return nil
}

// ReleaseLock unlocks and closes the lock file, then removes it.
func (m *Manager) ReleaseLock() error {
	if !m.acquiredLock {
		return nil
	}
	lockPath := m.pidFilePath + ".lock"
	if f, ok := lockFiles[lockPath]; ok {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		delete(lockFiles, lockPath)
	}
	os.Remove(lockPath)
	m.acquiredLock = false
	return nil
}
