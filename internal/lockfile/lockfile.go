// Package lockfile serializes deployments with an exclusive advisory
// file lock. Concurrent pushes into the same repository each spawn their
// own hook process; the lock makes them queue (or fail fast) instead of
// interleaving writes to the shared worktree and nginx prefix.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrBusy is returned by Acquire when the lock is held elsewhere and
// waiting was not requested.
var ErrBusy = errors.New("another deployment is in progress")

// Lock is a held exclusive flock. Release it when the deployment ends;
// the kernel also drops it if the process dies.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes an exclusive flock on path. With wait=true the call
// blocks until the current holder releases (the kernel queues waiters);
// with wait=false a held lock fails immediately with ErrBusy.
func Acquire(path string, wait bool) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}

	how := unix.LOCK_EX
	if !wait {
		how |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrBusy)
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	return &Lock{path: path, file: f}, nil
}

// Release drops the lock by closing the file descriptor. The lock file
// itself stays in place so every acquirer flocks the same inode.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}
