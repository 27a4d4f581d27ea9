// internal/migration/migration.go
package migration

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"agcx/internal/codec"
	"agcx/internal/compress"
	"agcx/internal/sessionfile"
	"agcx/internal/snapshot"
	"agcx/internal/storage"
)

var (
	// ErrMigrationRequired marks a file older than the current format.
	ErrMigrationRequired = errors.New("session file requires migration")
	// ErrMigrationFailed marks an upgrade that did not complete. The
	// original file is left untouched.
	ErrMigrationFailed = errors.New("migration failed")
	// ErrIncompatibleVersion marks a file newer than this build can read.
	ErrIncompatibleVersion = errors.New("session file version is too new")
)

// LegacyVersion is the pre-container format: a bare record stream with
// no magic, header, footer or checksum.
const LegacyVersion uint16 = 0

// Step upgrades a whole-file image from one version to the next.
type Step struct {
	From  uint16
	To    uint16
	Apply func(data []byte) ([]byte, error)
}

// Manager upgrades session files on disk. Upgrades are applied step by
// step, always against a backup, and replace the original atomically
// only once the final image parses.
type Manager struct {
	store *storage.Store
	comp  *compress.Compressor
	steps []Step
}

// NewManager returns a Manager with the built-in upgrade steps
// registered.
func NewManager(store *storage.Store, comp *compress.Compressor) *Manager {
	m := &Manager{store: store, comp: comp}
	m.Register(Step{From: LegacyVersion, To: sessionfile.CurrentVersion, Apply: m.upgradeLegacy})
	return m
}

// Register adds an upgrade step. Steps must move forward.
func (m *Manager) Register(step Step) {
	if step.To <= step.From || step.Apply == nil {
		return
	}
	m.steps = append(m.steps, step)
	sort.Slice(m.steps, func(i, j int) bool { return m.steps[i].From < m.steps[j].From })
}

func (m *Manager) stepFrom(version uint16) (Step, bool) {
	for _, s := range m.steps {
		if s.From == version {
			return s, true
		}
	}
	return Step{}, false
}

// SniffVersion identifies the on-disk format version of data. Files
// without the container magic that still parse as a record stream are
// the legacy version 0.
func SniffVersion(data []byte) (uint16, error) {
	v, err := sessionfile.FileVersion(data)
	if err == nil {
		return v, nil
	}
	if errors.Is(err, sessionfile.ErrInvalidMagic) && looksLikeLegacy(data) {
		return LegacyVersion, nil
	}
	return 0, err
}

// looksLikeLegacy reports whether data starts with at least one complete
// record carrying a known tag.
func looksLikeLegacy(data []byte) bool {
	d := codec.NewDecoder(data)
	if !d.More() {
		return false
	}
	rec, err := d.NextRecord()
	if err != nil {
		return false
	}
	return rec.Tag == sessionfile.TagMetadata || rec.Tag == sessionfile.TagSnapshot
}

// Check reports the file's version and whether it can be opened as-is.
// It returns nil for current files, ErrMigrationRequired for older ones
// and ErrIncompatibleVersion for newer ones.
func (m *Manager) Check(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read session file: %w", err)
	}
	v, err := SniffVersion(data)
	if err != nil {
		return 0, err
	}
	switch {
	case v == sessionfile.CurrentVersion:
		return v, nil
	case v > sessionfile.CurrentVersion:
		return v, fmt.Errorf("%w: have v%d, can read v%d", ErrIncompatibleVersion, v, sessionfile.CurrentVersion)
	default:
		return v, fmt.Errorf("%w: v%d, current v%d", ErrMigrationRequired, v, sessionfile.CurrentVersion)
	}
}

// Migrate upgrades the file at path in place and returns the version it
// started from. The original is copied to backups/v<from>/ first and is
// replaced only after every step succeeded and the result parses.
func (m *Manager) Migrate(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read session file: %w", err)
	}
	from, err := SniffVersion(data)
	if err != nil {
		return 0, err
	}
	if from == sessionfile.CurrentVersion {
		return from, nil
	}
	if from > sessionfile.CurrentVersion {
		return from, fmt.Errorf("%w: have v%d, can read v%d", ErrIncompatibleVersion, from, sessionfile.CurrentVersion)
	}

	backupDir := filepath.Join(m.store.BackupsDir(), fmt.Sprintf("v%d", from))
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return from, fmt.Errorf("%w: create backup dir: %v", ErrMigrationFailed, err)
	}
	backupPath := filepath.Join(backupDir, filepath.Base(path))
	if err := storage.CopyFile(path, backupPath); err != nil {
		return from, fmt.Errorf("%w: backup: %v", ErrMigrationFailed, err)
	}

	out := data
	for v := from; v != sessionfile.CurrentVersion; {
		step, ok := m.stepFrom(v)
		if !ok {
			return from, fmt.Errorf("%w: no upgrade step from v%d", ErrMigrationFailed, v)
		}
		out, err = step.Apply(out)
		if err != nil {
			return from, fmt.Errorf("%w: v%d to v%d: %v", ErrMigrationFailed, step.From, step.To, err)
		}
		v = step.To
	}

	if _, err := sessionfile.Parse(out); err != nil {
		return from, fmt.Errorf("%w: upgraded image does not parse: %v", ErrMigrationFailed, err)
	}
	if err := storage.WriteFileAtomic(path, out, 0o644); err != nil {
		return from, fmt.Errorf("%w: replace file: %v", ErrMigrationFailed, err)
	}
	log.Printf("[Migration] upgraded %s from v%d to v%d", filepath.Base(path), from, sessionfile.CurrentVersion)
	return from, nil
}

// MigrateAll upgrades every session file under the store that needs it
// and returns how many were migrated. Per-file failures are joined into
// the returned error; unaffected files are still processed.
func (m *Manager) MigrateAll() (int, error) {
	ids, err := m.store.ListSessions()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	migrated := 0
	var errs []error
	for _, id := range ids {
		path := m.store.SessionPath(id)
		if _, err := m.Check(path); err == nil {
			continue
		} else if !errors.Is(err, ErrMigrationRequired) {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if _, err := m.Migrate(path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		migrated++
	}
	return migrated, errors.Join(errs...)
}

// upgradeLegacy converts a bare record stream into the current container
// format: header, compressed records, footer index and checksum trailer.
func (m *Manager) upgradeLegacy(data []byte) ([]byte, error) {
	var meta *snapshot.SessionMeta
	var snaps []*snapshot.Snapshot

	d := codec.NewDecoder(data)
	for d.More() {
		rec, err := d.NextRecord()
		if err != nil {
			if meta == nil && len(snaps) == 0 {
				return nil, fmt.Errorf("no usable records: %w", err)
			}
			log.Printf("[Migration] legacy stream ends early at offset %d, keeping %d snapshots", d.Offset(), len(snaps))
			break
		}
		switch rec.Tag {
		case sessionfile.TagMetadata:
			decoded, err := snapshot.DecodeMeta(rec.Payload)
			if err != nil {
				return nil, fmt.Errorf("legacy metadata: %w", err)
			}
			meta = decoded
		case sessionfile.TagSnapshot:
			s, err := snapshot.Decode(rec.Payload)
			if err != nil {
				return nil, fmt.Errorf("legacy snapshot: %w", err)
			}
			snaps = append(snaps, s)
		default:
			log.Printf("[Migration] skipping unknown legacy record tag 0x%02x", rec.Tag)
		}
	}

	if meta == nil {
		if len(snaps) == 0 {
			return nil, fmt.Errorf("stream holds no metadata and no snapshots")
		}
		meta = synthesizeMeta(snaps)
		log.Printf("[Migration] legacy stream has no metadata, synthesized session %s", meta.SessionID)
	}
	if meta.SessionID == uuid.Nil {
		meta.SessionID = uuid.New()
	}
	return sessionfile.BuildImage(meta, snaps, m.comp)
}

func synthesizeMeta(snaps []*snapshot.Snapshot) *snapshot.SessionMeta {
	first, last := snaps[0], snaps[len(snaps)-1]
	for _, s := range snaps {
		if s.Timestamp.Before(first.Timestamp) {
			first = s
		}
		if s.Timestamp.After(last.Timestamp) {
			last = s
		}
	}
	messages := 0
	for _, s := range snaps {
		if len(s.Messages) > messages {
			messages = len(s.Messages)
		}
	}
	return &snapshot.SessionMeta{
		SessionID:    uuid.New(),
		Title:        "Recovered session",
		CreatedAt:    first.Timestamp,
		UpdatedAt:    last.Timestamp,
		Model:        last.Metadata.Model,
		Mode:         last.Metadata.Mode,
		TotalTokens:  last.Metadata.TotalTokens,
		MessageCount: uint32(messages),
		TurnCount:    last.Metadata.TurnNumber,
	}
}
