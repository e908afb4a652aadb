package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrFileLockBusy is returned by TryAcquire when another process (or another
// FileLock in this process) already holds the lock.
var ErrFileLockBusy = errors.New("file lock busy")

// FileLock is an advisory OS-level exclusive lock bound to a lock file. The
// lock file is created if absent and is never deleted; ownership is carried
// by the open file descriptor, so a crashed holder releases implicitly.
type FileLock struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileLock returns an unheld lock for the given lock file path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Acquire blocks until the exclusive lock is held.
func (l *FileLock) Acquire() error {
	return l.lock(true)
}

// TryAcquire attempts to take the lock without blocking. Contention is
// reported as ErrFileLockBusy so callers can skip the protected work.
func (l *FileLock) TryAcquire() error {
	return l.lock(false)
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *FileLock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return closeErr
}

func (l *FileLock) lock(blocking bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if blocking {
			return fmt.Errorf("lock %s already held by this handle", l.path)
		}
		return ErrFileLockBusy
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}
	if err := lockFile(file, blocking); err != nil {
		file.Close()
		if errors.Is(err, ErrFileLockBusy) {
			return ErrFileLockBusy
		}
		return fmt.Errorf("failed to lock %s: %w", l.path, err)
	}
	l.file = file
	return nil
}

// WithFileLock runs fn while holding a blocking exclusive lock on lockPath.
func WithFileLock(lockPath string, fn func() error) error {
	lock := NewFileLock(lockPath)
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}

// WithTryFileLock runs fn while holding the lock if it can be taken without
// blocking; otherwise returns ErrFileLockBusy without invoking fn.
func WithTryFileLock(lockPath string, fn func() error) error {
	lock := NewFileLock(lockPath)
	if err := lock.TryAcquire(); err != nil {
		return err
	}
	defer lock.Release()
	return fn()
}
