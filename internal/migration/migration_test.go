// internal/migration/migration_test.go
package migration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"agcx/internal/codec"
	"agcx/internal/compress"
	"agcx/internal/sessionfile"
	"agcx/internal/snapshot"
	"agcx/internal/storage"
)

func testManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store := storage.New(t.TempDir())
	if err := store.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout failed: %v", err)
	}
	comp, err := compress.New(compress.LevelBalanced)
	if err != nil {
		t.Fatalf("compress.New failed: %v", err)
	}
	return NewManager(store, comp), store
}

func legacySnap(parent uuid.UUID, turn uint32, text string) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		ID:        uuid.New(),
		ParentID:  parent,
		Timestamp: time.Date(2024, 3, 1, 10, 0, int(turn), 0, time.UTC),
		Messages: []snapshot.Message{{
			ID:        uuid.New(),
			Role:      snapshot.RoleUser,
			Timestamp: time.Date(2024, 3, 1, 10, 0, int(turn), 0, time.UTC),
			Parts:     []snapshot.Part{snapshot.PartText{Text: text}},
		}},
		Metadata: snapshot.Metadata{TurnNumber: turn, Model: "old-model", Mode: snapshot.ModeBuild},
	}
}

// writeLegacyFile lays down a bare record stream, the format that
// predates the container header.
func writeLegacyFile(t *testing.T, store *storage.Store, id uuid.UUID, meta *snapshot.SessionMeta, snaps []*snapshot.Snapshot) string {
	t.Helper()
	var data []byte
	if meta != nil {
		data = codec.AppendRecord(data, sessionfile.TagMetadata, snapshot.EncodeMeta(meta))
	}
	for _, s := range snaps {
		data = codec.AppendRecord(data, sessionfile.TagSnapshot, snapshot.Encode(s))
	}
	path := store.SessionPath(id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}
	return path
}

func TestManager_MigrateLegacy(t *testing.T) {
	m, store := testManager(t)
	id := uuid.New()
	s1 := legacySnap(uuid.Nil, 1, "first message")
	s2 := legacySnap(s1.ID, 2, "second message")
	meta := &snapshot.SessionMeta{
		SessionID:    id,
		Title:        "Legacy session",
		CreatedAt:    s1.Timestamp,
		UpdatedAt:    s2.Timestamp,
		Model:        "old-model",
		Mode:         snapshot.ModeBuild,
		MessageCount: 2,
		TurnCount:    2,
	}
	path := writeLegacyFile(t, store, id, meta, []*snapshot.Snapshot{s1, s2})
	original, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	if _, err := m.Check(path); !errors.Is(err, ErrMigrationRequired) {
		t.Fatalf("Expected ErrMigrationRequired, got %v", err)
	}

	from, err := m.Migrate(path)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if from != LegacyVersion {
		t.Errorf("Expected migration from v0, got v%d", from)
	}

	upgraded, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read upgraded file: %v", err)
	}
	f, err := sessionfile.Parse(upgraded)
	if err != nil {
		t.Fatalf("upgraded file does not parse: %v", err)
	}
	if f.Header.Version != sessionfile.CurrentVersion {
		t.Errorf("Expected version %d, got %d", sessionfile.CurrentVersion, f.Header.Version)
	}
	if f.Meta.Title != "Legacy session" {
		t.Errorf("Expected title preserved, got %q", f.Meta.Title)
	}
	snaps, err := f.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(snaps))
	}
	for i, want := range []string{"first message", "second message"} {
		part, ok := snaps[i].Messages[0].Parts[0].(snapshot.PartText)
		if !ok || part.Text != want {
			t.Errorf("Snapshot %d: expected %q, got %v", i, want, snaps[i].Messages[0].Parts[0])
		}
	}

	backup := filepath.Join(store.BackupsDir(), "v0", filepath.Base(path))
	saved, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("Expected backup at %s: %v", backup, err)
	}
	if !bytes.Equal(saved, original) {
		t.Error("Backup must be byte-identical to the original")
	}

	// Second check passes, second migrate is a no-op.
	if _, err := m.Check(path); err != nil {
		t.Errorf("Expected upgraded file to check clean, got %v", err)
	}
	if from, err := m.Migrate(path); err != nil || from != sessionfile.CurrentVersion {
		t.Errorf("Expected no-op migrate, got v%d, %v", from, err)
	}
}

func TestManager_MigrateSynthesizesMetadata(t *testing.T) {
	m, store := testManager(t)
	id := uuid.New()
	s1 := legacySnap(uuid.Nil, 1, "orphaned")
	path := writeLegacyFile(t, store, id, nil, []*snapshot.Snapshot{s1})

	if _, err := m.Migrate(path); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read upgraded file: %v", err)
	}
	f, err := sessionfile.Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if f.Meta.Title != "Recovered session" {
		t.Errorf("Expected synthesized title, got %q", f.Meta.Title)
	}
	if f.Meta.SessionID == uuid.Nil {
		t.Error("Expected synthesized session id")
	}
}

func TestManager_RefusesNewerVersion(t *testing.T) {
	m, store := testManager(t)
	id := uuid.New()
	path := store.SessionPath(id)

	data := []byte(sessionfile.Magic)
	data = binary.LittleEndian.AppendUint16(data, 9)
	data = append(data, make([]byte, 64)...)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := m.Check(path); !errors.Is(err, ErrIncompatibleVersion) {
		t.Errorf("Expected ErrIncompatibleVersion from Check, got %v", err)
	}
	if _, err := m.Migrate(path); !errors.Is(err, ErrIncompatibleVersion) {
		t.Errorf("Expected ErrIncompatibleVersion from Migrate, got %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.Equal(after, data) {
		t.Error("Refused migration must not touch the file")
	}
}

func TestManager_FailedStepLeavesOriginal(t *testing.T) {
	m, store := testManager(t)
	id := uuid.New()
	path := store.SessionPath(id)

	// A framed metadata record whose payload is garbage: the version
	// sniff accepts it, the upgrade step cannot decode it.
	data := codec.AppendRecord(nil, sessionfile.TagMetadata, []byte("not a metadata payload"))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := m.Migrate(path); !errors.Is(err, ErrMigrationFailed) {
		t.Fatalf("Expected ErrMigrationFailed, got %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !bytes.Equal(after, data) {
		t.Error("Failed migration must leave the original untouched")
	}
}

func TestManager_MigrateAll(t *testing.T) {
	m, store := testManager(t)

	legacyA := uuid.New()
	sA := legacySnap(uuid.Nil, 1, "a")
	writeLegacyFile(t, store, legacyA, &snapshot.SessionMeta{SessionID: legacyA, Title: "A", CreatedAt: sA.Timestamp, UpdatedAt: sA.Timestamp}, []*snapshot.Snapshot{sA})

	legacyB := uuid.New()
	sB := legacySnap(uuid.Nil, 1, "b")
	writeLegacyFile(t, store, legacyB, &snapshot.SessionMeta{SessionID: legacyB, Title: "B", CreatedAt: sB.Timestamp, UpdatedAt: sB.Timestamp}, []*snapshot.Snapshot{sB})

	currentID := uuid.New()
	comp, err := compress.New(compress.LevelBalanced)
	if err != nil {
		t.Fatalf("compress.New failed: %v", err)
	}
	img, err := sessionfile.BuildImage(&snapshot.SessionMeta{SessionID: currentID, Title: "C", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}, nil, comp)
	if err != nil {
		t.Fatalf("BuildImage failed: %v", err)
	}
	if err := os.WriteFile(store.SessionPath(currentID), img, 0o644); err != nil {
		t.Fatalf("write current file: %v", err)
	}

	migrated, err := m.MigrateAll()
	if err != nil {
		t.Fatalf("MigrateAll failed: %v", err)
	}
	if migrated != 2 {
		t.Errorf("Expected 2 migrations, got %d", migrated)
	}
	for _, id := range []uuid.UUID{legacyA, legacyB, currentID} {
		data, err := os.ReadFile(store.SessionPath(id))
		if err != nil {
			t.Fatalf("read %s: %v", id, err)
		}
		if v, err := SniffVersion(data); err != nil || v != sessionfile.CurrentVersion {
			t.Errorf("Session %s: expected v%d, got v%d, %v", id, sessionfile.CurrentVersion, v, err)
		}
	}
}

func TestSniffVersion(t *testing.T) {
	comp, err := compress.New(compress.LevelFast)
	if err != nil {
		t.Fatalf("compress.New failed: %v", err)
	}
	id := uuid.New()
	img, err := sessionfile.BuildImage(&snapshot.SessionMeta{SessionID: id, Title: "t", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}, nil, comp)
	if err != nil {
		t.Fatalf("BuildImage failed: %v", err)
	}
	if v, err := SniffVersion(img); err != nil || v != sessionfile.CurrentVersion {
		t.Errorf("Expected v%d for current image, got v%d, %v", sessionfile.CurrentVersion, v, err)
	}

	legacy := codec.AppendRecord(nil, sessionfile.TagSnapshot, snapshot.Encode(legacySnap(uuid.Nil, 1, "x")))
	if v, err := SniffVersion(legacy); err != nil || v != LegacyVersion {
		t.Errorf("Expected v0 for legacy stream, got v%d, %v", v, err)
	}

	if _, err := SniffVersion([]byte("random junk that is long enough")); !errors.Is(err, sessionfile.ErrInvalidMagic) {
		t.Errorf("Expected ErrInvalidMagic for junk, got %v", err)
	}
}
