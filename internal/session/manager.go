// internal/session/manager.go
package session

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"agcx/internal/events"
	"agcx/internal/history"
	"agcx/internal/index"
	"agcx/internal/sessionfile"
	"agcx/internal/snapshot"
)

// Manager owns one live session: its file writer, its history graph and
// the auto-save loop. A single mutex serializes every operation; the
// history graph is only touched with it held. The auto-save tick stages
// its delta under the mutex but writes without it, so disk I/O never
// blocks graph operations.
type Manager struct {
	svc *Service

	mu        sync.Mutex
	writer    *sessionfile.Writer
	graph     *history.Graph
	meta      snapshot.SessionMeta
	metaDirty bool
	closed    bool

	// inFlight holds snapshot ids staged by the auto-saver and not yet
	// durable; synchronous flushes skip them. writeSeq counts committed
	// writes so the auto-saver can tell when one interleaved with its own.
	inFlight map[uuid.UUID]struct{}
	writeSeq uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

func (s *Service) newManager(w *sessionfile.Writer, g *history.Graph) *Manager {
	m := &Manager{
		svc:      s,
		writer:   w,
		graph:    g,
		meta:     *w.Meta(),
		inFlight: make(map[uuid.UUID]struct{}),
	}
	g.SetRehydrate(m.rehydrateSnapshot)
	g.SetFlush(func() error { return m.flushLocked(true) })
	if s.settings.AutoSave() && s.settings.AutoSaveInterval() > 0 {
		m.startAutoSave(s.settings.AutoSaveInterval())
	}
	return m
}

// ID returns the session id.
func (m *Manager) ID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta.SessionID
}

// Meta returns a copy of the current session metadata.
func (m *Manager) Meta() snapshot.SessionMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta := m.meta
	meta.Tags = append([]string(nil), m.meta.Tags...)
	return meta
}

// State reports where the session points in its history.
func (m *Manager) State() history.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.State()
}

// MemoryInfo reports history memory usage against the budget.
func (m *Manager) MemoryInfo() history.MemoryInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.MemoryInfo()
}

// SetTitle renames the session.
func (m *Manager) SetTitle(title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if title == "" || title == m.meta.Title {
		return
	}
	m.meta.Title = title
	m.metaDirty = true
}

// SetModel records which model the conversation runs on.
func (m *Manager) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if model == m.meta.Model {
		return
	}
	m.meta.Model = model
	m.metaDirty = true
}

// SetMode switches the session's operating mode.
func (m *Manager) SetMode(mode snapshot.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mode == m.meta.Mode {
		return
	}
	m.meta.Mode = mode
	m.metaDirty = true
}

// SetUser records the user the session belongs to.
func (m *Manager) SetUser(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user == m.meta.User {
		return
	}
	m.meta.User = user
	m.metaDirty = true
}

// AddTag tags the session in both its file metadata and the catalogue.
func (m *Manager) AddTag(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.meta.Tags {
		if t == tag {
			return
		}
	}
	m.meta.Tags = append(m.meta.Tags, tag)
	m.metaDirty = true
	if err := m.svc.idx.AddTag(m.meta.SessionID, tag); err != nil {
		log.Printf("[SessionManager] tag index update: %v", err)
	}
}

// RemoveTag removes a session tag.
func (m *Manager) RemoveTag(tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.meta.Tags[:0]
	removed := false
	for _, t := range m.meta.Tags {
		if t == tag {
			removed = true
			continue
		}
		kept = append(kept, t)
	}
	if !removed {
		return
	}
	m.meta.Tags = kept
	m.metaDirty = true
	if err := m.svc.idx.RemoveTag(m.meta.SessionID, tag); err != nil {
		log.Printf("[SessionManager] tag index update: %v", err)
	}
}

// SaveState commits the conversation's full message list as a new
// snapshot at the current position. Turn number and token totals are
// stamped here.
func (m *Manager) SaveState(messages []snapshot.Message) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("session %s is closed", m.meta.SessionID)
	}

	md := snapshot.Metadata{
		TurnNumber:  m.meta.TurnCount + 1,
		TotalTokens: m.svc.counter.CountMessages(messages),
		Model:       m.meta.Model,
		Mode:        m.meta.Mode,
		User:        m.meta.User,
	}
	snap := snapshot.New(uuid.Nil, messages, md)
	if err := m.graph.SaveState(snap); err != nil {
		return nil, err
	}

	m.meta.TurnCount = md.TurnNumber
	m.meta.TotalTokens = md.TotalTokens
	m.meta.MessageCount = uint32(len(messages))
	m.meta.UpdatedAt = snap.Timestamp
	m.syncGraphMetaLocked()
	m.metaDirty = true
	return snap, nil
}

// Undo steps one snapshot back and returns it, nil when at the root.
func (m *Manager) Undo() (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Undo()
}

// Redo steps one snapshot forward and returns it, nil when at the head.
func (m *Manager) Redo() (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Redo()
}

// Current returns the snapshot at the current position.
func (m *Manager) Current() (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Current()
}

// CreateBranch forks a named branch at the current position, committing
// messages as its first snapshot. The current branch stays active; call
// SwitchBranch to work on the fork.
func (m *Manager) CreateBranch(name, description string, messages []snapshot.Message) (snapshot.Branch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return snapshot.Branch{}, fmt.Errorf("session %s is closed", m.meta.SessionID)
	}

	md := snapshot.Metadata{
		TurnNumber:  m.meta.TurnCount + 1,
		TotalTokens: m.svc.counter.CountMessages(messages),
		Model:       m.meta.Model,
		Mode:        m.meta.Mode,
		User:        m.meta.User,
	}
	snap := snapshot.New(uuid.Nil, messages, md)
	branch, err := m.graph.CreateBranch(name, description, snap)
	if err != nil {
		return snapshot.Branch{}, err
	}
	m.syncGraphMetaLocked()
	m.metaDirty = true
	m.svc.hub.EmitBranchCreated(events.BranchCreatedEvent{
		SessionID: m.meta.SessionID.String(),
		Name:      name,
	})
	return branch, nil
}

// SwitchBranch makes the named branch active. The session's turn and
// message counters follow the new head.
func (m *Manager) SwitchBranch(name string) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, err := m.graph.SwitchBranch(name)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		m.meta.TurnCount = snap.Metadata.TurnNumber
		m.meta.TotalTokens = snap.Metadata.TotalTokens
		m.meta.MessageCount = uint32(len(snap.Messages))
	}
	m.syncGraphMetaLocked()
	m.metaDirty = true
	return snap, nil
}

// Branches lists the session's branches, active first.
func (m *Manager) Branches() []snapshot.Branch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Branches()
}

// CreateCheckpoint pins the current position under a label.
func (m *Manager) CreateCheckpoint(label string) (snapshot.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, err := m.graph.CreateCheckpoint(label)
	if err != nil {
		return snapshot.Checkpoint{}, err
	}
	m.syncGraphMetaLocked()
	m.metaDirty = true
	m.svc.hub.EmitCheckpointCreated(events.CheckpointCreatedEvent{
		SessionID: m.meta.SessionID.String(),
		Label:     label,
	})
	return cp, nil
}

// RestoreCheckpoint moves the position to a pinned snapshot and returns
// a copy tagged with the checkpoint label.
func (m *Manager) RestoreCheckpoint(label string) (*snapshot.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.RestoreCheckpoint(label)
}

// Checkpoints lists the session's checkpoints, oldest first.
func (m *Manager) Checkpoints() []snapshot.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graph.Checkpoints()
}

// Flush writes unsaved snapshots and metadata to disk.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	return m.flushLocked(false)
}

// unpersistedLocked returns the snapshots needing a write, minus any the
// auto-saver already has in flight.
func (m *Manager) unpersistedLocked() []*snapshot.Snapshot {
	snaps := m.graph.Unpersisted()
	if len(m.inFlight) == 0 {
		return snaps
	}
	kept := snaps[:0]
	for _, s := range snaps {
		if _, staged := m.inFlight[s.ID]; !staged {
			kept = append(kept, s)
		}
	}
	return kept
}

// flushLocked appends the unpersisted delta plus fresh metadata to the
// session file. A failed write is retried once before giving up.
func (m *Manager) flushLocked(auto bool) error {
	snaps := m.unpersistedLocked()
	if len(snaps) == 0 && !m.metaDirty {
		return nil
	}
	m.syncGraphMetaLocked()
	meta := m.meta
	meta.Tags = append([]string(nil), m.meta.Tags...)

	if err := m.writer.Append(snaps, &meta); err != nil {
		log.Printf("[SessionManager] save failed, retrying once: %v", err)
		if err = m.writer.Append(snaps, &meta); err != nil {
			return fmt.Errorf("%w: %v", history.ErrAutoSaveFailed, err)
		}
	}
	m.writeSeq++

	ids := make([]uuid.UUID, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	m.graph.MarkPersisted(ids...)
	m.meta.CompressionRatio = m.writer.Meta().CompressionRatio
	m.metaDirty = false

	m.updateIndexLocked()
	m.svc.hub.EmitSessionSaved(events.SessionSavedEvent{
		SessionID: m.meta.SessionID.String(),
		Snapshots: len(snaps),
		FileSize:  m.writer.Size(),
		Auto:      auto,
	})
	return nil
}

func (m *Manager) syncGraphMetaLocked() {
	m.meta.Branches = m.graph.Branches()
	m.meta.Checkpoints = m.graph.Checkpoints()
	if b, ok := m.graph.ActiveBranch(); ok {
		m.meta.ActiveBranch = b.ID
		m.meta.HeadID = b.HeadID
	}
}

func (m *Manager) updateIndexLocked() {
	entry := index.Entry{
		ID:           m.meta.SessionID,
		Title:        m.meta.Title,
		CreatedAt:    m.meta.CreatedAt,
		LastAccessed: time.Now().UTC(),
		MessageCount: m.meta.MessageCount,
		TurnCount:    m.meta.TurnCount,
		SizeBytes:    uint64(m.writer.Size()),
		Model:        m.meta.Model,
		Tags:         append([]string(nil), m.meta.Tags...),
	}
	if cur, ok := m.svc.idx.Get(entry.ID); ok {
		entry.Favorite = cur.Favorite
	}
	m.svc.idx.Upsert(entry)
	if err := m.svc.idx.Save(); err != nil {
		log.Printf("[SessionManager] index save: %v", err)
	}
}

// rehydrateSnapshot reads an evicted snapshot back from the session
// file. The writer holds the file lock, so the checksum pass is skipped.
func (m *Manager) rehydrateSnapshot(id uuid.UUID) (*snapshot.Snapshot, error) {
	data, closer, err := m.svc.store.ReadSession(m.meta.SessionID)
	if err != nil {
		return nil, err
	}
	defer closer()
	f, err := sessionfile.ParseTrusted(data)
	if err != nil {
		return nil, err
	}
	return f.Snapshot(id)
}

func (m *Manager) startAutoSave(interval time.Duration) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.autoFlush()
			case <-stop:
				return
			}
		}
	}(m.stopCh, m.doneCh)
}

// autoFlush is the ticker body. The delta is staged under the mutex,
// written to disk without it, then the bookkeeping catches back up. A
// synchronous flush that slipped in between committed fresher metadata,
// so the metadata is re-dirtied for the next write.
func (m *Manager) autoFlush() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	snaps := m.unpersistedLocked()
	if len(snaps) == 0 && !m.metaDirty {
		m.mu.Unlock()
		return
	}
	m.syncGraphMetaLocked()
	meta := m.meta
	meta.Tags = append([]string(nil), m.meta.Tags...)
	batch, err := m.writer.Stage(snaps, &meta)
	if err != nil {
		m.mu.Unlock()
		log.Printf("[SessionManager] auto-save for %s: %v", meta.SessionID, err)
		return
	}
	for _, s := range snaps {
		m.inFlight[s.ID] = struct{}{}
	}
	m.metaDirty = false
	seq := m.writeSeq
	m.mu.Unlock()

	if err = m.writer.Commit(batch); err != nil {
		log.Printf("[SessionManager] auto-save failed, retrying once: %v", err)
		err = m.writer.Commit(batch)
	}

	m.mu.Lock()
	for _, s := range snaps {
		delete(m.inFlight, s.ID)
	}
	if err != nil {
		m.metaDirty = true
		m.mu.Unlock()
		log.Printf("[SessionManager] auto-save for %s: %v", meta.SessionID, err)
		return
	}
	m.writeSeq++
	if m.writeSeq != seq+1 {
		// Another write landed while this one was in flight; its metadata
		// record is now stale on disk.
		m.metaDirty = true
	}
	ids := make([]uuid.UUID, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	m.graph.MarkPersisted(ids...)
	m.meta.CompressionRatio = m.writer.Meta().CompressionRatio
	m.updateIndexLocked()
	size := m.writer.Size()
	m.mu.Unlock()

	m.svc.hub.EmitSessionSaved(events.SessionSavedEvent{
		SessionID: meta.SessionID.String(),
		Snapshots: len(snaps),
		FileSize:  size,
		Auto:      true,
	})
}

func (m *Manager) stopAutoSave() {
	m.mu.Lock()
	stop, done := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Close flushes pending changes, stops the auto-save loop and releases
// the file lock. The manager cannot be used afterwards.
func (m *Manager) Close() error {
	m.stopAutoSave()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	flushErr := m.flushLocked(false)
	closeErr := m.writer.Close()
	m.closed = true
	id := m.meta.SessionID
	m.mu.Unlock()

	m.svc.release(id)
	return errors.Join(flushErr, closeErr)
}
