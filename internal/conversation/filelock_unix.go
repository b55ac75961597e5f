//go:build unix

// ABOUTME: Cross-process advisory lock guarding the persisted conversation file
// ABOUTME: Uses flock(2) on a sidecar ".lock" file so several relay processes can share one state file

package conversation

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an exclusive flock held on a sidecar lock file.
type fileLock struct {
	f *os.File
}

// lockFile blocks until an exclusive advisory lock on path is held.
func lockFile(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("acquiring lock on %s: %w", path, err)
	}
	return &fileLock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file.
func (l *fileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return fmt.Errorf("releasing lock: %w", unlockErr)
	}
	return closeErr
}
