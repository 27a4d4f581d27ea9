//go:build !unix

package storage

import (
	"fmt"
	"os"
)

// LockFile approximates an advisory lock with a sibling lock file where
// flock is unavailable. The returned function releases it.
func LockFile(f *os.File) (func(), error) {
	lockPath := f.Name() + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrLockFailed, f.Name())
		}
		return nil, fmt.Errorf("%w: create lock file: %v", ErrLockFailed, err)
	}
	lock.Close()
	return func() {
		_ = os.Remove(lockPath)
	}, nil
}
