//go:build !windows

// Package lock implements the single-instance mutex: an advisory exclusive
// flock held on a file for the lifetime of the master process. The file also
// records the master pid for operator commands.
package lock

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process already holds the lock.
var ErrLocked = errors.New("lock held by another instance")

// Lock is an acquired instance lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire opens path, creating it if needed, and takes a non-blocking
// exclusive lock on it. Contention is reported as ErrLocked; any other error
// means the path is unusable.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &Lock{path: path, file: f}, nil
}

// Adopt wraps an inherited descriptor that already carries the lock, as
// handed to a detached master by its parent.
func Adopt(fd uintptr, path string) (*Lock, error) {
	f := os.NewFile(fd, path)
	if f == nil {
		return nil, fmt.Errorf("adopt lock descriptor %d: invalid descriptor", fd)
	}
	// Re-locking an open file description that already holds the lock is a
	// no-op, and fails if the parent never locked it.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("adopt lock %s: %w", path, err)
	}
	// Inherited descriptors are not close-on-exec; workers must not keep the
	// lock alive after the master is gone.
	unix.CloseOnExec(int(f.Fd()))
	return &Lock{path: path, file: f}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// File exposes the locked file so it can be inherited by a child process.
func (l *Lock) File() *os.File {
	return l.file
}

// WritePID replaces the file contents with pid.
func (l *Lock) WritePID(pid int) error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", l.path, err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek %s: %w", l.path, err)
	}
	if _, err := l.file.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		return fmt.Errorf("write pid to %s: %w", l.path, err)
	}
	return nil
}

// Release drops the lock. The master never calls it; process exit releases
// the lock instead.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadPID returns the master pid recorded in the lock file at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, fmt.Errorf("lock file %s records no pid", path)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("lock file %s: invalid pid %q", path, raw)
	}
	return pid, nil
}

// Held reports whether some process currently holds the lock at path.
func Held(path string) (bool, error) {
	l, err := Acquire(path)
	if errors.Is(err, ErrLocked) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, l.Release()
}
