//go:build !unix

// ABOUTME: Fallback lock for platforms without flock(2)
// ABOUTME: Only the in-process mutex protects the state file there

package conversation

type fileLock struct{}

func lockFile(string) (*fileLock, error) { return &fileLock{}, nil }

func (l *fileLock) Unlock() error { return nil }
