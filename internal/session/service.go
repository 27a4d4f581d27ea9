// internal/session/service.go

// Package session ties the storage, index, history and migration layers
// together. A Service owns the catalogue and hands out one Manager per
// live session; the Manager wires a session file writer to a history
// graph and keeps both saved.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"agcx/internal/codec"
	"agcx/internal/compress"
	"agcx/internal/config"
	"agcx/internal/events"
	"agcx/internal/history"
	"agcx/internal/index"
	"agcx/internal/migration"
	"agcx/internal/sessionfile"
	"agcx/internal/snapshot"
	"agcx/internal/storage"
	"agcx/internal/tokencount"
)

var (
	// ErrSessionNotFound reports an id with no session file behind it.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionOpen reports an operation that needs the session closed.
	ErrSessionOpen = errors.New("session is open")
)

// Service is the session catalogue: it creates, opens, forks, deletes
// and lists sessions, and tracks which ones are open.
type Service struct {
	store    *storage.Store
	idx      *index.Index
	hub      *events.Hub
	comp     *compress.Compressor
	counter  *tokencount.Counter
	migrator *migration.Manager
	settings config.Settings

	mu   sync.Mutex
	open map[uuid.UUID]*Manager
}

// NewService builds the service for the configured data directory,
// loading the catalogue and rebuilding it from the session files when it
// is corrupted.
func NewService(cfg *config.Config, hub *events.Hub) (*Service, error) {
	store := storage.New(cfg.DataDir)
	if err := store.EnsureLayout(); err != nil {
		return nil, err
	}
	store.SetMmapThreshold(cfg.Settings.MmapThresholdBytes)

	comp, err := compress.New(cfg.Settings.Level())
	if err != nil {
		return nil, err
	}

	rebuild := false
	idx, err := index.Load(store.IndexPath())
	if err != nil {
		if !errors.Is(err, index.ErrIndexCorrupted) {
			return nil, err
		}
		log.Printf("[Session] %v, rebuilding from session files", err)
		idx = index.New(store.IndexPath())
		rebuild = true
	}
	idx.SetMRULimit(cfg.Settings.MRULimit)

	if hub == nil {
		hub = events.New(context.Background())
	}

	s := &Service{
		store:    store,
		idx:      idx,
		hub:      hub,
		comp:     comp,
		counter:  tokencount.Default(),
		migrator: migration.NewManager(store, comp),
		settings: cfg.Settings,
		open:     make(map[uuid.UUID]*Manager),
	}
	if rebuild {
		if _, err := s.RebuildIndex(); err != nil {
			return nil, fmt.Errorf("rebuild index: %w", err)
		}
	}
	return s, nil
}

// Store exposes the underlying file store, mainly for read-only tooling.
func (s *Service) Store() *storage.Store {
	return s.store
}

// Create starts a new empty session and opens it.
func (s *Service) Create(title string) (*Manager, error) {
	if title == "" {
		title = "Untitled session"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	meta := &snapshot.SessionMeta{
		SessionID: uuid.New(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Mode:      snapshot.ModeBuild,
	}
	w, err := sessionfile.Create(s.store.SessionPath(meta.SessionID), meta, s.comp)
	if err != nil {
		return nil, err
	}

	m := s.newManager(w, history.NewGraph(s.settings.MemoryBudgetBytes))
	s.open[meta.SessionID] = m

	s.idx.Upsert(index.Entry{
		ID:           meta.SessionID,
		Title:        meta.Title,
		CreatedAt:    now,
		LastAccessed: now,
		SizeBytes:    uint64(w.Size()),
	})
	if err := s.idx.Save(); err != nil {
		log.Printf("[Session] index save: %v", err)
	}
	s.hub.EmitSessionCreated(events.SessionCreatedEvent{
		SessionID: meta.SessionID.String(),
		Title:     meta.Title,
	})
	return m, nil
}

// Open loads a session from disk, migrating it first when it uses an
// older file format. Opening an already-open session returns the live
// manager.
func (s *Service) Open(id uuid.UUID) (*Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.open[id]; ok {
		return m, nil
	}
	if !s.store.SessionExists(id) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	path := s.store.SessionPath(id)
	if _, err := s.migrator.Check(path); err != nil {
		if !errors.Is(err, migration.ErrMigrationRequired) {
			return nil, err
		}
		from, err := s.migrator.Migrate(path)
		if err != nil {
			return nil, err
		}
		s.hub.EmitSessionMigrated(events.SessionMigratedEvent{
			SessionID:   id.String(),
			FromVersion: from,
			ToVersion:   sessionfile.CurrentVersion,
		})
	}

	w, err := sessionfile.Open(path, s.comp)
	if err != nil {
		return nil, err
	}

	g := history.NewGraph(s.settings.MemoryBudgetBytes)
	if err := s.loadGraph(g, id, w.Meta()); err != nil {
		w.Close()
		return nil, err
	}

	m := s.newManager(w, g)
	s.open[id] = m

	if err := s.idx.Touch(id); err == nil {
		if err := s.idx.Save(); err != nil {
			log.Printf("[Session] index save: %v", err)
		}
	} else {
		// Not catalogued yet, likely a file dropped in by hand.
		m.mu.Lock()
		m.updateIndexLocked()
		m.mu.Unlock()
	}
	return m, nil
}

// loadGraph reads every snapshot back from the session file and rebuilds
// the history tree.
func (s *Service) loadGraph(g *history.Graph, id uuid.UUID, meta *snapshot.SessionMeta) error {
	data, closer, err := s.store.ReadSession(id)
	if err != nil {
		return err
	}
	defer closer()

	f, err := sessionfile.ParseTrusted(data)
	if err != nil {
		return err
	}
	snaps, err := f.Snapshots()
	if err != nil {
		return err
	}
	return g.Load(meta, snaps)
}

// Delete removes a closed session's file and catalogue entry.
func (s *Service) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[id]; ok {
		return fmt.Errorf("%w: %s", ErrSessionOpen, id)
	}
	if !s.store.SessionExists(id) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err := s.store.DeleteSession(id); err != nil {
		return err
	}
	s.idx.Remove(id)
	if err := s.idx.Save(); err != nil {
		log.Printf("[Session] index save: %v", err)
	}
	s.hub.EmitSessionDeleted(events.SessionDeletedEvent{SessionID: id.String()})
	return nil
}

// Fork copies a session into a new one. The fork keeps the target
// snapshot's ancestor chain as a single fresh main branch: the source
// head by default, or the pinned snapshot when a checkpoint label is
// given. Side branches stay with the source. The new session id is
// returned; the fork is left closed.
func (s *Service) Fork(id uuid.UUID, title, checkpointLabel string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.open[id]; ok {
		if err := m.Flush(); err != nil {
			return uuid.Nil, err
		}
	}
	if !s.store.SessionExists(id) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	data, closer, err := s.store.ReadSession(id)
	if err != nil {
		return uuid.Nil, err
	}
	defer closer()
	f, err := sessionfile.Parse(data)
	if err != nil {
		return uuid.Nil, err
	}
	snaps, err := f.Snapshots()
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now().UTC()
	meta := *f.Meta
	meta.Tags = append([]string(nil), meta.Tags...)
	meta.Branches = append([]snapshot.Branch(nil), meta.Branches...)
	meta.Checkpoints = append([]snapshot.Checkpoint(nil), meta.Checkpoints...)
	meta.SessionID = uuid.New()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	if title != "" {
		meta.Title = title
	} else {
		meta.Title = "Fork of " + meta.Title
	}

	pin := meta.HeadID
	if checkpointLabel != "" {
		pin = uuid.Nil
		for _, cp := range meta.Checkpoints {
			if cp.Label == checkpointLabel {
				pin = cp.SnapshotID
				break
			}
		}
		if pin == uuid.Nil {
			return uuid.Nil, fmt.Errorf("checkpoint %q: %w", checkpointLabel, history.ErrNotFound)
		}
	}
	if pin == uuid.Nil && len(snaps) > 0 {
		// Pre-branching files carry no head id; the newest snapshot is it.
		pin = snaps[len(snaps)-1].ID
	}
	if pin != uuid.Nil {
		snaps, err = forkAt(&meta, snaps, pin, now)
		if err != nil {
			return uuid.Nil, err
		}
	}

	image, err := sessionfile.BuildImage(&meta, snaps, s.comp)
	if err != nil {
		return uuid.Nil, err
	}
	if err := storage.WriteFileAtomic(s.store.SessionPath(meta.SessionID), image, 0o644); err != nil {
		return uuid.Nil, err
	}

	s.idx.Upsert(index.Entry{
		ID:           meta.SessionID,
		Title:        meta.Title,
		CreatedAt:    now,
		LastAccessed: now,
		MessageCount: meta.MessageCount,
		TurnCount:    meta.TurnCount,
		SizeBytes:    uint64(len(image)),
		Model:        meta.Model,
		Tags:         append([]string(nil), meta.Tags...),
	})
	if err := s.idx.Save(); err != nil {
		log.Printf("[Session] index save: %v", err)
	}
	s.hub.EmitSessionCreated(events.SessionCreatedEvent{
		SessionID: meta.SessionID.String(),
		Title:     meta.Title,
	})
	return meta.SessionID, nil
}

// forkAt trims the fork to the target snapshot's ancestor chain and
// rebuilds the metadata around that single line of history.
func forkAt(meta *snapshot.SessionMeta, snaps []*snapshot.Snapshot, pin uuid.UUID, now time.Time) ([]*snapshot.Snapshot, error) {
	byID := make(map[uuid.UUID]*snapshot.Snapshot, len(snaps))
	for _, sn := range snaps {
		byID[sn.ID] = sn
	}

	keep := make(map[uuid.UUID]bool)
	first := pin
	for cur := pin; cur != uuid.Nil && !keep[cur]; {
		sn, ok := byID[cur]
		if !ok {
			return nil, fmt.Errorf("%w: snapshot %s referenced but not stored", codec.ErrCorruptData, cur)
		}
		keep[cur] = true
		first = cur
		cur = sn.ParentID
	}

	kept := make([]*snapshot.Snapshot, 0, len(keep))
	for _, sn := range snaps {
		if keep[sn.ID] {
			kept = append(kept, sn)
		}
	}

	head := byID[pin]
	branch := snapshot.Branch{
		ID:        uuid.New(),
		Name:      "main",
		HeadID:    pin,
		FirstID:   first,
		CreatedAt: now,
	}
	meta.Branches = []snapshot.Branch{branch}
	meta.ActiveBranch = branch.ID
	meta.HeadID = pin

	cps := make([]snapshot.Checkpoint, 0, len(meta.Checkpoints))
	for _, cp := range meta.Checkpoints {
		if keep[cp.SnapshotID] {
			cps = append(cps, cp)
		}
	}
	meta.Checkpoints = cps

	meta.TurnCount = head.Metadata.TurnNumber
	meta.TotalTokens = head.Metadata.TotalTokens
	meta.MessageCount = uint32(len(head.Messages))
	meta.Mode = head.Metadata.Mode
	if head.Metadata.Model != "" {
		meta.Model = head.Metadata.Model
	}
	return kept, nil
}

// Rename retitles a session, open or closed.
func (s *Service) Rename(id uuid.UUID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.open[id]; ok {
		m.SetTitle(title)
		return m.Flush()
	}
	if err := s.updateClosedMeta(id, func(meta *snapshot.SessionMeta) {
		meta.Title = title
	}); err != nil {
		return err
	}
	if cur, ok := s.idx.Get(id); ok {
		cur.Title = title
		s.idx.Upsert(cur)
		return s.idx.Save()
	}
	return nil
}

// AddTag tags a session, open or closed.
func (s *Service) AddTag(id uuid.UUID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.open[id]; ok {
		m.AddTag(tag)
		return m.Flush()
	}
	if err := s.updateClosedMeta(id, func(meta *snapshot.SessionMeta) {
		for _, t := range meta.Tags {
			if t == tag {
				return
			}
		}
		meta.Tags = append(meta.Tags, tag)
	}); err != nil {
		return err
	}
	if err := s.idx.AddTag(id, tag); err != nil {
		if !errors.Is(err, index.ErrNotIndexed) {
			return err
		}
		return nil
	}
	return s.idx.Save()
}

// RemoveTag removes a tag from a session, open or closed.
func (s *Service) RemoveTag(id uuid.UUID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.open[id]; ok {
		m.RemoveTag(tag)
		return m.Flush()
	}
	if err := s.updateClosedMeta(id, func(meta *snapshot.SessionMeta) {
		kept := meta.Tags[:0]
		for _, t := range meta.Tags {
			if t != tag {
				kept = append(kept, t)
			}
		}
		meta.Tags = kept
	}); err != nil {
		return err
	}
	if err := s.idx.RemoveTag(id, tag); err != nil {
		if !errors.Is(err, index.ErrNotIndexed) {
			return err
		}
		return nil
	}
	return s.idx.Save()
}

// updateClosedMeta rewrites a closed session's metadata record in place.
func (s *Service) updateClosedMeta(id uuid.UUID, apply func(*snapshot.SessionMeta)) error {
	if !s.store.SessionExists(id) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	w, err := sessionfile.Open(s.store.SessionPath(id), s.comp)
	if err != nil {
		return err
	}
	meta := *w.Meta()
	meta.Tags = append([]string(nil), meta.Tags...)
	apply(&meta)
	meta.UpdatedAt = time.Now().UTC()
	return errors.Join(w.Append(nil, &meta), w.Close())
}

// SetFavorite flags or unflags a session in the catalogue.
func (s *Service) SetFavorite(id uuid.UUID, fav bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.idx.SetFavorite(id, fav); err != nil {
		return err
	}
	return s.idx.Save()
}

// List returns every catalogued session, most recently accessed first.
func (s *Service) List() []index.Entry {
	return s.idx.All()
}

// Recent returns up to n sessions in most-recently-used order.
func (s *Service) Recent(n int) []index.Entry {
	return s.idx.Recent(n)
}

// Favorites returns the favorite sessions.
func (s *Service) Favorites() []index.Entry {
	return s.idx.Favorites()
}

// Search matches the query against session titles and tags.
func (s *Service) Search(query string) []index.Entry {
	return s.idx.Search(query)
}

// Inspect returns a session's metadata without opening it for writing.
// An open session reports its live state.
func (s *Service) Inspect(id uuid.UUID) (snapshot.SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.open[id]; ok {
		return m.Meta(), nil
	}
	if !s.store.SessionExists(id) {
		return snapshot.SessionMeta{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	data, closer, err := s.store.ReadSession(id)
	if err != nil {
		return snapshot.SessionMeta{}, err
	}
	defer closer()
	f, err := sessionfile.Parse(data)
	if err != nil {
		return snapshot.SessionMeta{}, err
	}
	return *f.Meta, nil
}

// CleanupOld enforces the configured session count and total size caps.
// Favorites and open sessions are never swept; the least recently
// accessed sessions go first. Returns how many were removed.
func (s *Service) CleanupOld() (int, error) {
	maxSessions := s.settings.MaxSessions
	maxBytes := s.settings.MaxTotalSizeBytes
	if maxSessions <= 0 && maxBytes <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.idx.All()
	var total int64
	for _, e := range entries {
		total += int64(e.SizeBytes)
	}

	removed := 0
	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		overCount := maxSessions > 0 && s.idx.Len() > maxSessions
		overSize := maxBytes > 0 && total > maxBytes
		if !overCount && !overSize {
			break
		}
		e := entries[i]
		if e.Favorite {
			continue
		}
		if _, ok := s.open[e.ID]; ok {
			continue
		}
		if err := s.store.DeleteSession(e.ID); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("%s: %w", e.ID, err))
			continue
		}
		s.idx.Remove(e.ID)
		total -= int64(e.SizeBytes)
		removed++
		s.hub.EmitSessionDeleted(events.SessionDeletedEvent{SessionID: e.ID.String()})
	}

	if removed > 0 {
		log.Printf("[Session] retention sweep removed %d sessions", removed)
		if err := s.idx.Save(); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

// RebuildIndex rescans the session files and rewrites the catalogue.
// Unreadable files are skipped with a log line; favorite flags survive
// for sessions that are still present.
func (s *Service) RebuildIndex() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.store.ListSessions()
	if err != nil {
		return 0, err
	}

	onDisk := make(map[uuid.UUID]bool, len(ids))
	count := 0
	for _, id := range ids {
		onDisk[id] = true
		entry, err := s.scanSession(id)
		if err != nil {
			log.Printf("[Session] index rebuild: skipping %s: %v", id, err)
			continue
		}
		if cur, ok := s.idx.Get(id); ok {
			entry.Favorite = cur.Favorite
			if !cur.LastAccessed.IsZero() {
				entry.LastAccessed = cur.LastAccessed
			}
		}
		s.idx.Upsert(entry)
		count++
	}
	for _, e := range s.idx.All() {
		if !onDisk[e.ID] {
			s.idx.Remove(e.ID)
		}
	}

	if err := s.idx.Save(); err != nil {
		return count, err
	}
	s.hub.EmitIndexRefreshed(events.IndexRefreshedEvent{Sessions: s.idx.Len()})
	return count, nil
}

// scanSession builds a catalogue entry from a session file on disk.
func (s *Service) scanSession(id uuid.UUID) (index.Entry, error) {
	data, closer, err := s.store.ReadSession(id)
	if err != nil {
		return index.Entry{}, err
	}
	defer closer()

	f, err := sessionfile.ParseTrusted(data)
	if err != nil {
		return index.Entry{}, err
	}
	meta := f.Meta
	return index.Entry{
		ID:           id,
		Title:        meta.Title,
		CreatedAt:    meta.CreatedAt,
		LastAccessed: meta.UpdatedAt,
		MessageCount: meta.MessageCount,
		TurnCount:    meta.TurnCount,
		SizeBytes:    uint64(f.Size()),
		Model:        meta.Model,
		Tags:         append([]string(nil), meta.Tags...),
	}, nil
}

// Migrate upgrades one closed session file to the current format and
// returns the version it started from.
func (s *Service) Migrate(id uuid.UUID) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.open[id]; ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionOpen, id)
	}
	if !s.store.SessionExists(id) {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	from, err := s.migrator.Migrate(s.store.SessionPath(id))
	if err != nil {
		return from, err
	}
	if from != sessionfile.CurrentVersion {
		s.hub.EmitSessionMigrated(events.SessionMigratedEvent{
			SessionID:   id.String(),
			FromVersion: from,
			ToVersion:   sessionfile.CurrentVersion,
		})
	}
	return from, nil
}

// MigrateAll upgrades every outdated session file. Open sessions are
// already current and fall through untouched.
func (s *Service) MigrateAll() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrator.MigrateAll()
}

func (s *Service) release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()
}

// Close shuts down every open session and saves the catalogue.
func (s *Service) Close() error {
	s.mu.Lock()
	managers := make([]*Manager, 0, len(s.open))
	for _, m := range s.open {
		managers = append(managers, m)
	}
	s.mu.Unlock()

	var errs []error
	for _, m := range managers {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.idx.Save(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
