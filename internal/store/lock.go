package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockHeld is returned when another orchestrator process already holds
// the run lock. Callers surface this as a fatal "already running" condition
// and exit; there is no retry or backoff.
var ErrLockHeld = errors.New("store: run lock held by another process")

// Lock is the advisory single-writer lock for a run directory. At most one
// orchestrator process may mutate a run at a time.
type Lock struct {
	path string
	file *os.File
	now  func() time.Time
}

// NewLock prepares a lock rooted at the run's state directory without
// acquiring it.
func NewLock(stateDir string) *Lock {
	return &Lock{path: filepath.Join(stateDir, "orchestrator.lock"), now: time.Now}
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Acquire takes a non-blocking exclusive flock on the lock file and records
// the owner pid and timestamp inside it. Fails immediately with ErrLockHeld
// if another process holds the lock.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("store: create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("store: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrLockHeld
		}
		return fmt.Errorf("store: flock: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("store: truncate lock file: %w", err)
	}
	owner := fmt.Sprintf("%d\n%s\n", os.Getpid(), l.now().UTC().Format(time.RFC3339))
	if _, err := f.WriteAt([]byte(owner), 0); err != nil {
		f.Close()
		return fmt.Errorf("store: record lock owner: %w", err)
	}
	l.file = f
	return nil
}

// Release drops the lock and removes the lock file. Safe to call when the
// lock was never acquired.
func (l *Lock) Release() {
	if l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
	os.Remove(l.path)
}
