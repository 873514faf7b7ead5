// Package procutil provides small host-process utilities: a single-instance
// file lock, grounded on the teacher ecosystem's golang.org/x/sys/unix usage
// for syscalls the standard library doesn't expose.
package procutil

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned by AcquireLock when another process already
// holds the lock file.
var ErrAlreadyRunning = errors.New("procutil: another instance is already running")

// Lock is an acquired exclusive file lock. Closing it releases the lock and
// closes the underlying file descriptor; it does not remove the file.
type Lock struct {
	f *os.File
}

// AcquireLock opens (creating if necessary) the file at path and takes a
// non-blocking exclusive flock on it. If the lock is already held elsewhere,
// it returns ErrAlreadyRunning rather than blocking, since a second usbipd
// instance starting up should fail fast, not queue behind the first.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("procutil: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("procutil: flock: %w", err)
	}

	return &Lock{f: f}, nil
}

// Close releases the lock. Safe to call once.
func (l *Lock) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}
