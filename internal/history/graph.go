// internal/history/graph.go
package history

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"agcx/internal/snapshot"
)

var (
	// ErrNotFound indicates the snapshot or branch does not exist.
	ErrNotFound = errors.New("not found in history")
	// ErrInvalidCheckpoint indicates a bad or already-used checkpoint label.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
	// ErrBranchDivergence indicates a save would rewrite history that a
	// checkpoint or branch still anchors.
	ErrBranchDivergence = errors.New("history diverged: anchored snapshots on the redo path")
	// ErrAutoSaveFailed indicates the flush needed to evict safely failed.
	ErrAutoSaveFailed = errors.New("auto-save failed")
)

// State describes where the session currently points in its history.
type State int

const (
	// AtHead means the position is the branch tip; saving extends it.
	AtHead State = iota
	// InPast means the position was reached by undo; redo is available.
	InPast
	// AtCheckpoint means the position was reached by restoring a
	// checkpoint. The next save collapses it back to AtHead.
	AtCheckpoint
)

func (s State) String() string {
	switch s {
	case AtHead:
		return "at-head"
	case InPast:
		return "in-past"
	case AtCheckpoint:
		return "at-checkpoint"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// node is one vertex of the snapshot tree. The payload may be evicted to
// disk; topology, timestamps and size stay resident.
type node struct {
	id        uuid.UUID
	parent    uuid.UUID
	children  []uuid.UUID
	timestamp time.Time
	turn      uint32
	size      uint64
	snap      *snapshot.Snapshot
}

// branchState is a branch plus its transient navigation position.
type branchState struct {
	snapshot.Branch
	pos        uuid.UUID
	redoTarget uuid.UUID
}

// Graph is the in-memory history of one session: a tree of snapshots,
// named branches, labeled checkpoints and a byte budget for resident
// payloads. It is not safe for concurrent use; the session manager
// serializes access behind its own mutex.
type Graph struct {
	nodes        map[uuid.UUID]*node
	branches     map[uuid.UUID]*branchState
	branchByName map[string]uuid.UUID
	checkpoints  map[string]snapshot.Checkpoint
	persisted    map[uuid.UUID]struct{}

	active    uuid.UUID
	state     State
	lastStamp time.Time

	budget uint64
	used   uint64

	// rehydrate loads an evicted snapshot payload back from disk.
	rehydrate func(uuid.UUID) (*snapshot.Snapshot, error)
	// flush persists everything unpersisted so eviction cannot lose data.
	flush func() error
}

// NewGraph returns an empty history bounded by budget bytes of resident
// snapshot payloads. A budget of zero means unlimited.
func NewGraph(budget uint64) *Graph {
	return &Graph{
		nodes:        make(map[uuid.UUID]*node),
		branches:     make(map[uuid.UUID]*branchState),
		branchByName: make(map[string]uuid.UUID),
		checkpoints:  make(map[string]snapshot.Checkpoint),
		persisted:    make(map[uuid.UUID]struct{}),
		budget:       budget,
		state:        AtHead,
	}
}

// SetRehydrate installs the loader used to bring evicted snapshots back.
func (g *Graph) SetRehydrate(fn func(uuid.UUID) (*snapshot.Snapshot, error)) {
	g.rehydrate = fn
}

// SetFlush installs the persister called before unpersisted snapshots
// would need to be evicted.
func (g *Graph) SetFlush(fn func() error) {
	g.flush = fn
}

// State reports the navigation state.
func (g *Graph) State() State {
	return g.state
}

// Pos returns the id of the current position, uuid.Nil when empty.
func (g *Graph) Pos() uuid.UUID {
	if b := g.activeBranch(); b != nil {
		return b.pos
	}
	return uuid.Nil
}

// Len reports the number of snapshots in the tree.
func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) activeBranch() *branchState {
	return g.branches[g.active]
}

// SaveState commits a snapshot at the current position and moves the
// branch head to it. Saving while in the past rewrites the redo path:
// unanchored snapshots beyond the position are dropped, and a redo path
// holding a checkpoint or another branch's snapshots refuses with
// ErrBranchDivergence.
func (g *Graph) SaveState(snap *snapshot.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("nil snapshot")
	}
	if _, exists := g.nodes[snap.ID]; exists {
		return fmt.Errorf("snapshot %s already saved", snap.ID)
	}

	branch := g.activeBranch()
	if branch == nil {
		// First snapshot: open the main branch rooted here.
		branch = g.addBranch("main", uuid.Nil)
	}

	if branch.pos != branch.HeadID {
		if anchored := g.anchoredOnPath(branch.pos, branch.HeadID); anchored != "" {
			return fmt.Errorf("%w: %s", ErrBranchDivergence, anchored)
		}
	}

	// Wall clocks can step backwards; keep snapshot order strictly
	// increasing anyway.
	if !snap.Timestamp.After(g.lastStamp) {
		snap.Timestamp = g.lastStamp.Add(time.Microsecond)
	}
	g.lastStamp = snap.Timestamp

	snap.ParentID = branch.pos
	n := &node{
		id:        snap.ID,
		parent:    snap.ParentID,
		timestamp: snap.Timestamp,
		turn:      snap.Metadata.TurnNumber,
		size:      snap.EstimateSize(),
		snap:      snap,
	}
	g.nodes[snap.ID] = n
	if parent, ok := g.nodes[snap.ParentID]; ok {
		parent.children = append(parent.children, snap.ID)
	}
	g.used += n.size

	oldHead := branch.HeadID
	branch.HeadID = snap.ID
	branch.pos = snap.ID
	branch.redoTarget = uuid.Nil
	if branch.FirstID == uuid.Nil {
		branch.FirstID = snap.ID
	}
	g.state = AtHead

	if oldHead != uuid.Nil && oldHead != snap.ParentID {
		g.pruneUnreachable()
	}
	return g.enforceBudget(snap.ID)
}

// anchoredOnPath reports what anchors the chain (from..to], walking to's
// parents back to from. Empty means nothing is anchored.
func (g *Graph) anchoredOnPath(from, to uuid.UUID) string {
	pins := make(map[uuid.UUID]string)
	for label, cp := range g.checkpoints {
		pins[cp.SnapshotID] = label
	}

	for id := to; id != uuid.Nil && id != from; {
		n, ok := g.nodes[id]
		if !ok {
			break
		}
		if label, ok := pins[id]; ok {
			return fmt.Sprintf("checkpoint %q", label)
		}
		for _, b := range g.branches {
			if b.ID != g.active && b.HeadID == id {
				return fmt.Sprintf("branch %q head", b.Name)
			}
			if b.FirstID == id {
				return fmt.Sprintf("branch %q fork point", b.Name)
			}
		}
		id = n.parent
	}
	return ""
}

// Undo moves one snapshot toward the root and returns it. A nil snapshot
// with nil error means there is nothing to undo. Undo never leaves the
// active branch: it stops at the branch's first snapshot.
func (g *Graph) Undo() (*snapshot.Snapshot, error) {
	branch := g.activeBranch()
	if branch == nil || branch.pos == uuid.Nil {
		return nil, nil
	}
	if branch.pos == branch.FirstID && branch.ParentID != uuid.Nil {
		return nil, nil
	}
	cur, ok := g.nodes[branch.pos]
	if !ok || cur.parent == uuid.Nil {
		return nil, nil
	}

	snap, err := g.materialize(cur.parent)
	if err != nil {
		return nil, err
	}
	branch.redoTarget = branch.pos
	branch.pos = cur.parent
	g.state = InPast
	return snap, nil
}

// Redo moves one snapshot back toward the branch head and returns it. A
// nil snapshot with nil error means there is nothing to redo.
func (g *Graph) Redo() (*snapshot.Snapshot, error) {
	branch := g.activeBranch()
	if branch == nil || branch.redoTarget == uuid.Nil {
		return nil, nil
	}

	snap, err := g.materialize(branch.redoTarget)
	if err != nil {
		return nil, err
	}
	branch.pos = branch.redoTarget
	branch.redoTarget = g.stepToward(branch.pos, branch.HeadID)
	if branch.pos == branch.HeadID {
		g.state = AtHead
	} else {
		g.state = InPast
	}
	return snap, nil
}

// stepToward returns the child of from on the path down to to, or
// uuid.Nil when from is not a proper ancestor of to.
func (g *Graph) stepToward(from, to uuid.UUID) uuid.UUID {
	if from == to {
		return uuid.Nil
	}
	for id := to; id != uuid.Nil; {
		n, ok := g.nodes[id]
		if !ok {
			return uuid.Nil
		}
		if n.parent == from {
			return id
		}
		id = n.parent
	}
	return uuid.Nil
}

// Current returns the snapshot at the current position, nil when the
// history is empty.
func (g *Graph) Current() (*snapshot.Snapshot, error) {
	pos := g.Pos()
	if pos == uuid.Nil {
		return nil, nil
	}
	return g.materialize(pos)
}

// Get returns a snapshot by id, rehydrating it if it was evicted.
func (g *Graph) Get(id uuid.UUID) (*snapshot.Snapshot, error) {
	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
	}
	return g.materialize(id)
}

// CreateBranch forks a named branch at the current position and commits
// snap as its first snapshot. The active branch is left unchanged; the
// caller switches explicitly when it wants to work on the fork.
func (g *Graph) CreateBranch(name, description string, snap *snapshot.Snapshot) (snapshot.Branch, error) {
	if name == "" {
		return snapshot.Branch{}, fmt.Errorf("branch name must not be empty")
	}
	if _, taken := g.branchByName[name]; taken {
		return snapshot.Branch{}, fmt.Errorf("branch %q already exists", name)
	}
	if snap == nil {
		return snapshot.Branch{}, fmt.Errorf("nil snapshot")
	}
	if _, exists := g.nodes[snap.ID]; exists {
		return snapshot.Branch{}, fmt.Errorf("snapshot %s already saved", snap.ID)
	}
	pos := g.Pos()
	if pos == uuid.Nil {
		return snapshot.Branch{}, fmt.Errorf("cannot branch before the first snapshot")
	}

	if !snap.Timestamp.After(g.lastStamp) {
		snap.Timestamp = g.lastStamp.Add(time.Microsecond)
	}
	g.lastStamp = snap.Timestamp

	snap.ParentID = pos
	n := &node{
		id:        snap.ID,
		parent:    pos,
		timestamp: snap.Timestamp,
		turn:      snap.Metadata.TurnNumber,
		size:      snap.EstimateSize(),
		snap:      snap,
	}
	g.nodes[snap.ID] = n
	if parent, ok := g.nodes[pos]; ok {
		parent.children = append(parent.children, snap.ID)
	}
	g.used += n.size

	b := &branchState{
		Branch: snapshot.Branch{
			ID:          uuid.New(),
			Name:        name,
			Description: description,
			HeadID:      snap.ID,
			FirstID:     snap.ID,
			ParentID:    g.active,
			CreatedAt:   time.Now().UTC(),
		},
		pos: snap.ID,
	}
	g.branches[b.ID] = b
	g.branchByName[name] = b.ID
	return b.Branch, g.enforceBudget(snap.ID)
}

func (g *Graph) addBranch(name string, at uuid.UUID) *branchState {
	b := &branchState{
		Branch: snapshot.Branch{
			ID:        uuid.New(),
			Name:      name,
			HeadID:    at,
			FirstID:   at,
			CreatedAt: time.Now().UTC(),
		},
		pos: at,
	}
	g.branches[b.ID] = b
	g.branchByName[name] = b.ID
	if g.active == uuid.Nil {
		g.active = b.ID
	}
	return b
}

// SwitchBranch makes the named branch active. The position jumps to the
// branch head and any pending redo on the target branch is dropped.
func (g *Graph) SwitchBranch(name string) (*snapshot.Snapshot, error) {
	id, ok := g.branchByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: branch %q", ErrNotFound, name)
	}
	g.active = id
	branch := g.branches[id]
	branch.pos = branch.HeadID
	branch.redoTarget = uuid.Nil
	g.state = AtHead
	if branch.pos == uuid.Nil {
		return nil, nil
	}
	return g.materialize(branch.pos)
}

// Branches lists all branches, the active one first and the rest in
// creation order.
func (g *Graph) Branches() []snapshot.Branch {
	out := make([]snapshot.Branch, 0, len(g.branches))
	for id, b := range g.branches {
		if id != g.active {
			out = append(out, b.Branch)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name < out[j].Name
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if b := g.activeBranch(); b != nil {
		out = append([]snapshot.Branch{b.Branch}, out...)
	}
	return out
}

// ActiveBranch returns the active branch, or false when history is empty.
func (g *Graph) ActiveBranch() (snapshot.Branch, bool) {
	b := g.activeBranch()
	if b == nil {
		return snapshot.Branch{}, false
	}
	return b.Branch, true
}

// CreateCheckpoint pins the current position under a label. Labels are
// unique within a session.
func (g *Graph) CreateCheckpoint(label string) (snapshot.Checkpoint, error) {
	if label == "" {
		return snapshot.Checkpoint{}, fmt.Errorf("%w: empty label", ErrInvalidCheckpoint)
	}
	if _, taken := g.checkpoints[label]; taken {
		return snapshot.Checkpoint{}, fmt.Errorf("%w: label %q already used", ErrInvalidCheckpoint, label)
	}
	pos := g.Pos()
	if pos == uuid.Nil {
		return snapshot.Checkpoint{}, fmt.Errorf("%w: no snapshot to pin", ErrInvalidCheckpoint)
	}
	cp := snapshot.Checkpoint{
		ID:         uuid.New(),
		Label:      label,
		SnapshotID: pos,
		CreatedAt:  time.Now().UTC(),
	}
	g.checkpoints[label] = cp
	return cp, nil
}

// RestoreCheckpoint moves the position to the pinned snapshot, switching
// to the branch that owns it, and returns a copy tagged with
// "checkpoint:<label>".
func (g *Graph) RestoreCheckpoint(label string) (*snapshot.Snapshot, error) {
	cp, ok := g.checkpoints[label]
	if !ok {
		return nil, fmt.Errorf("%w: checkpoint %q", ErrNotFound, label)
	}
	snap, err := g.materialize(cp.SnapshotID)
	if err != nil {
		return nil, err
	}

	branch := g.owningBranch(cp.SnapshotID)
	if branch == nil {
		branch = g.activeBranch()
	}
	g.active = branch.ID
	branch.pos = cp.SnapshotID
	branch.redoTarget = uuid.Nil
	g.state = AtCheckpoint

	restored := *snap
	restored.Metadata.Tags = append(append([]string(nil), snap.Metadata.Tags...), "checkpoint:"+label)
	return &restored, nil
}

// owningBranch finds the branch whose own segment (first..head) holds the
// snapshot, preferring the active branch and then the oldest.
func (g *Graph) owningBranch(id uuid.UUID) *branchState {
	if b := g.activeBranch(); b != nil && g.branchOwns(b, id) {
		return b
	}
	var best *branchState
	for _, b := range g.branches {
		if !g.branchOwns(b, id) {
			continue
		}
		if best == nil || b.CreatedAt.Before(best.CreatedAt) {
			best = b
		}
	}
	return best
}

// branchOwns walks the branch segment from head back to its first
// snapshot looking for id.
func (g *Graph) branchOwns(b *branchState, id uuid.UUID) bool {
	for cur := b.HeadID; cur != uuid.Nil; {
		if cur == id {
			return true
		}
		if cur == b.FirstID {
			return false
		}
		n, ok := g.nodes[cur]
		if !ok {
			return false
		}
		cur = n.parent
	}
	return false
}

// Checkpoints lists pins sorted by creation time, oldest first.
func (g *Graph) Checkpoints() []snapshot.Checkpoint {
	out := make([]snapshot.Checkpoint, 0, len(g.checkpoints))
	for _, cp := range g.checkpoints {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Label < out[j].Label
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
