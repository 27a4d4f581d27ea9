//go:build unix

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// LockFile takes an exclusive advisory lock on the open file without
// blocking. The returned function releases it. A lock held elsewhere
// reports ErrLockFailed.
func LockFile(f *os.File) (func(), error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: %s", ErrLockFailed, f.Name())
		}
		return nil, fmt.Errorf("%w: flock %s: %v", ErrLockFailed, f.Name(), err)
	}
	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
	}, nil
}
