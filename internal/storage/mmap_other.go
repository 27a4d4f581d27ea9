//go:build !unix

package storage

import (
	"fmt"
	"os"
)

func mmapFile(f *os.File, size int64) ([]byte, func(), error) {
	return nil, nil, fmt.Errorf("%w: unsupported on this platform", ErrMemoryMapFailed)
}
