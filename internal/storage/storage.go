// internal/storage/storage.go
package storage

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Store owns the on-disk layout under one root directory:
//
//	<root>/sessions/<session-id>.agcx
//	<root>/index.agcx-idx
//	<root>/backups/v<version>/<file>
type Store struct {
	root          string
	mmapThreshold int64
}

const (
	// FileExt is the session file extension.
	FileExt = ".agcx"
	// IndexName is the session catalogue file name.
	IndexName = "index.agcx-idx"

	// DefaultMmapThreshold is the file size at which reads switch from a
	// plain read to a memory mapping.
	DefaultMmapThreshold = 4 << 20 // 4 MiB
)

var (
	// ErrLockFailed indicates another process holds the session lock.
	ErrLockFailed = errors.New("session file locked by another process")
	// ErrMemoryMapFailed indicates mmap was unavailable for a read.
	ErrMemoryMapFailed = errors.New("memory map failed")
)

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{root: dir, mmapThreshold: DefaultMmapThreshold}
}

// SetMmapThreshold overrides the size at which reads use mmap.
func (s *Store) SetMmapThreshold(n int64) {
	s.mmapThreshold = n
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// SessionsDir returns the directory holding session files.
func (s *Store) SessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

// BackupsDir returns the directory migration backups go to.
func (s *Store) BackupsDir() string {
	return filepath.Join(s.root, "backups")
}

// IndexPath returns the session catalogue path.
func (s *Store) IndexPath() string {
	return filepath.Join(s.root, IndexName)
}

// SessionPath returns the file path for a session id.
func (s *Store) SessionPath(id uuid.UUID) string {
	return filepath.Join(s.SessionsDir(), id.String()+FileExt)
}

// EnsureLayout creates the root directories.
func (s *Store) EnsureLayout() error {
	for _, dir := range []string{s.SessionsDir(), s.BackupsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}

// ListSessions returns the ids of every session file present, sorted.
func (s *Store) ListSessions() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var ids []uuid.UUID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, FileExt) {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, FileExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})
	return ids, nil
}

// SessionExists reports whether a session file is present.
func (s *Store) SessionExists(id uuid.UUID) bool {
	_, err := os.Stat(s.SessionPath(id))
	return err == nil
}

// SessionSize returns the session file size in bytes.
func (s *Store) SessionSize(id uuid.UUID) (int64, error) {
	st, err := os.Stat(s.SessionPath(id))
	if err != nil {
		return 0, fmt.Errorf("stat session: %w", err)
	}
	return st.Size(), nil
}

// DeleteSession removes the session file.
func (s *Store) DeleteSession(id uuid.UUID) error {
	if err := os.Remove(s.SessionPath(id)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ReadSession returns the session file bytes and a release function. Large
// files come back memory-mapped; the caller must not use the bytes after
// calling release.
func (s *Store) ReadSession(id uuid.UUID) ([]byte, func(), error) {
	return s.ReadFileMapped(s.SessionPath(id))
}

// ReadFileMapped reads a whole file, via mmap once it crosses the
// threshold. If mapping fails the read falls back to a plain read.
func (s *Store) ReadFileMapped(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if st.Size() >= s.mmapThreshold {
		data, release, err := mmapFile(f, st.Size())
		if err == nil {
			f.Close()
			return data, release, nil
		}
		log.Printf("[Storage] %v for %s, falling back to plain read", err, path)
	}

	f.Close()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, func() {}, nil
}
