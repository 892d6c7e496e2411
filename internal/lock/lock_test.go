//go:build !windows

package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func TestAcquireCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefork.lock")

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { l.Release() })

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected lock file to exist: %v", err)
	}
	if l.Path() != path {
		t.Fatalf("unexpected path %q", l.Path())
	}
}

func TestSecondAcquireReportsContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefork.lock")

	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { first.Release() })

	_, err = Acquire(path)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	held, err := Held(path)
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if !held {
		t.Fatalf("expected lock to be reported as held")
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	second.Release()
}

func TestAcquireUnusablePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "prefork.lock")
	_, err := Acquire(path)
	if err == nil {
		t.Fatalf("expected error for missing directory")
	}
	if errors.Is(err, ErrLocked) {
		t.Fatalf("unusable path must not be reported as contention: %v", err)
	}
}

func TestWriteAndReadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefork.lock")
	if err := os.WriteFile(path, []byte("99999999 stale contents\n"), 0o644); err != nil {
		t.Fatalf("seed lock file: %v", err)
	}

	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { l.Release() })

	if err := l.WritePID(4242); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	pid, err := ReadPID(path)
	if err != nil {
		t.Fatalf("read pid: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("expected pid 4242, got %d", pid)
	}
}

func TestReadPIDRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"empty.lock":    "",
		"text.lock":     "master\n",
		"negative.lock": "-3\n",
	}
	for name, contents := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := ReadPID(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := ReadPID(filepath.Join(dir, "absent.lock")); err == nil {
		t.Fatalf("expected error for absent file")
	}
}

func TestAdoptSharesHeldLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefork.lock")
	l, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { l.Release() })

	fd, err := dupFD(l.File())
	if err != nil {
		t.Fatalf("dup: %v", err)
	}
	adopted, err := Adopt(fd, path)
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	defer adopted.Release()

	if err := adopted.WritePID(17); err != nil {
		t.Fatalf("write pid through adopted lock: %v", err)
	}
}

func dupFD(f *os.File) (uintptr, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return 0, err
	}
	return uintptr(fd), nil
}
