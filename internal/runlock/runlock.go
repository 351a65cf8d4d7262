// Package runlock keeps two hound processes from driving the same session.
// The lock is a PID file; a file left behind by a dead process is reclaimed.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const fileName = "run.pid"

// ErrHeld is returned by Acquire when a live process holds the lock.
var ErrHeld = errors.New("session is being run by another process")

// Lock is the run lock of one session.
type Lock struct {
	Path string
}

// New returns the lock stored in dir.
func New(dir string) *Lock {
	return &Lock{Path: filepath.Join(dir, fileName)}
}

// Acquire takes the lock for the current process. A lock held by a process
// that is no longer running is removed and taken over.
func (l *Lock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o750); err != nil {
		return fmt.Errorf("create run lock directory: %w", err)
	}
	for range 3 {
		err := l.create()
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		pid, running := l.Holder()
		if running {
			return fmt.Errorf("%w (pid %d)", ErrHeld, pid)
		}
		if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale run lock: %w", err)
		}
	}
	return fmt.Errorf("%w: could not reclaim %s", ErrHeld, l.Path)
}

// create writes the PID to a private file and links it into place so that
// readers never observe a partially written lock.
func (l *Lock) create() error {
	tmp, err := os.CreateTemp(filepath.Dir(l.Path), fileName+".*")
	if err != nil {
		return fmt.Errorf("create run lock: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write run lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	return os.Link(tmp.Name(), l.Path)
}

// Read returns the PID recorded in the lock file.
func (l *Lock) Read() (int, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid run lock content: %w", err)
	}
	return pid, nil
}

// Holder returns the recorded PID and whether that process is alive.
func (l *Lock) Holder() (int, bool) {
	pid, err := l.Read()
	if err != nil || pid <= 0 {
		return pid, false
	}
	return pid, alive(pid)
}

// Release removes the lock if the current process holds it.
func (l *Lock) Release() error {
	pid, err := l.Read()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if pid != os.Getpid() {
		return fmt.Errorf("run lock held by pid %d", pid)
	}
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run lock: %w", err)
	}
	return nil
}
