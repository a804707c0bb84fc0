package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/mkallio/fanout/internal/errors"
)

const lockFileName = "checkpoint.lock"

// FileLock serializes checkpoint writers across processes with
// flock(2). The store holds it for the duration of every save so a job
// has exactly one writer even if two fanout processes race on the same
// job directory, and probes it before destructive operations to avoid
// pulling a checkpoint out from under a live job.
type FileLock struct {
	path string
	file *os.File
}

// NewFileLock returns a lock rooted at dir/checkpoint.lock. Nothing is
// acquired until Lock or TryLock.
func NewFileLock(dir string) *FileLock {
	return &FileLock{path: filepath.Join(dir, lockFileName)}
}

func (fl *FileLock) acquire(how int) error {
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		return err
	}
	fl.file = f
	return nil
}

// Lock acquires the exclusive lock, blocking until it is available.
func (fl *FileLock) Lock() error {
	if err := fl.acquire(syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock %s: %w", fl.path, err)
	}
	return nil
}

// TryLock acquires the lock only if no other process holds it. It
// reports false, nil when the lock is busy.
func (fl *FileLock) TryLock() (bool, error) {
	err := fl.acquire(syscall.LOCK_EX | syscall.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return false, nil
	}
	return false, fmt.Errorf("flock %s: %w", fl.path, err)
}

// Unlock releases the lock and closes the lock file. Unlocking a lock
// that was never acquired is a no-op.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock %s: %w", fl.path, err)
	}
	err := fl.file.Close()
	fl.file = nil
	return err
}
