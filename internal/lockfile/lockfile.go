// Package lockfile guards a persistence file against a second gateway
// process writing to it.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// Lockfile is an exclusive-create lock recording the owner's PID.
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

// For returns the lock guarding target, stored next to it.
func For(target string) *Lockfile {
	return New(target + ".lock")
}

// New creates a lock at path.
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire takes the lock. A lock left behind by a dead process is
// reclaimed once.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	err := l.create()
	if err == nil || !os.IsExist(err) {
		return err
	}

	owner, alive := l.owner()
	if alive {
		return fmt.Errorf("%w: %s (pid %d)", ErrLocked, l.path, owner)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lock %s: %w", l.path, err)
	}
	return l.create()
}

func (l *Lockfile) create() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return err
		}
		return fmt.Errorf("failed to create lock %s: %w", l.path, err)
	}

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock %s: %w", l.path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to sync lock %s: %w", l.path, err)
	}

	l.file = file
	l.locked = true
	return nil
}

// owner reads the PID in an existing lock. Unreadable locks count as stale.
func (l *Lockfile) owner() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if pid == os.Getpid() {
		return pid, true
	}
	return pid, isProcessRunning(pid)
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		l.file = nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to remove lock %s: %w", l.path, err))
	}
	return errors.Join(errs...)
}

// Locked reports whether the lock is held by this instance.
func (l *Lockfile) Locked() bool { return l.locked }

// Path returns the lock path.
func (l *Lockfile) Path() string { return l.path }
