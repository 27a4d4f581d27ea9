// internal/history/memory.go
package history

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"agcx/internal/codec"
	"agcx/internal/snapshot"
)

// MemoryInfo reports resident history memory against its budget.
type MemoryInfo struct {
	UsedBytes    uint64
	BudgetBytes  uint64
	Snapshots    int
	Materialized int
}

// MemoryInfo returns the current accounting.
func (g *Graph) MemoryInfo() MemoryInfo {
	info := MemoryInfo{
		UsedBytes:   g.used,
		BudgetBytes: g.budget,
		Snapshots:   len(g.nodes),
	}
	for _, n := range g.nodes {
		if n.snap != nil {
			info.Materialized++
		}
	}
	return info
}

// SetBudget changes the resident byte budget and evicts down to it.
func (g *Graph) SetBudget(budget uint64) error {
	g.budget = budget
	return g.enforceBudget(g.Pos())
}

// MarkPersisted records that these snapshots are safely on disk and may
// be evicted from memory.
func (g *Graph) MarkPersisted(ids ...uuid.UUID) {
	for _, id := range ids {
		if _, ok := g.nodes[id]; ok {
			g.persisted[id] = struct{}{}
		}
	}
}

// Unpersisted returns resident snapshots not yet written to disk, oldest
// first so parents precede children in the file.
func (g *Graph) Unpersisted() []*snapshot.Snapshot {
	var out []*snapshot.Snapshot
	for id, n := range g.nodes {
		if n.snap == nil {
			continue
		}
		if _, ok := g.persisted[id]; !ok {
			out = append(out, n.snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// materialize returns the payload for id, loading it from disk when it
// was evicted.
func (g *Graph) materialize(id uuid.UUID) (*snapshot.Snapshot, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: snapshot %s", ErrNotFound, id)
	}
	if n.snap != nil {
		return n.snap, nil
	}
	if g.rehydrate == nil {
		return nil, fmt.Errorf("snapshot %s evicted with no loader installed", id)
	}
	snap, err := g.rehydrate(id)
	if err != nil {
		return nil, fmt.Errorf("rehydrate snapshot %s: %w", id, err)
	}
	if snap == nil || snap.ID != id {
		return nil, fmt.Errorf("%w: loader returned wrong snapshot for %s", codec.ErrCorruptData, id)
	}
	n.snap = snap
	n.size = snap.EstimateSize()
	g.used += n.size
	// Best effort only: navigation must not fail when everything left
	// resident is protected.
	if g.budget != 0 && g.used > g.budget {
		g.evictDown(id)
	}
	return snap, nil
}

// enforceBudget evicts persisted payloads until usage fits the budget,
// flushing unpersisted ones first when that is the only way to make room.
// keep is never evicted in this pass. When everything left resident is
// protected and usage still exceeds the budget, the commit fails with
// ErrAutoSaveFailed.
func (g *Graph) enforceBudget(keep uuid.UUID) error {
	if g.budget == 0 || g.used <= g.budget {
		return nil
	}
	g.evictDown(keep)
	if g.used <= g.budget {
		return nil
	}

	if g.flush != nil && g.hasUnpersisted(keep) {
		if err := g.flush(); err != nil {
			return fmt.Errorf("%w: %v", ErrAutoSaveFailed, err)
		}
		g.evictDown(keep)
	}
	if g.used > g.budget {
		return fmt.Errorf("%w: %d bytes resident exceeds budget %d and the remaining snapshots are protected", ErrAutoSaveFailed, g.used, g.budget)
	}
	return nil
}

func (g *Graph) hasUnpersisted(keep uuid.UUID) bool {
	protected := g.protectedSet(keep)
	for id, n := range g.nodes {
		if n.snap == nil {
			continue
		}
		if _, ok := protected[id]; ok {
			continue
		}
		if _, ok := g.persisted[id]; !ok {
			return true
		}
	}
	return false
}

// protectedSet holds the ids eviction must never touch: checkpoint pins
// with their same-branch ancestors up to the nearest branch point, branch
// heads and fork points, and the current position.
func (g *Graph) protectedSet(keep uuid.UUID) map[uuid.UUID]struct{} {
	protected := make(map[uuid.UUID]struct{})
	if keep != uuid.Nil {
		protected[keep] = struct{}{}
	}
	if pos := g.Pos(); pos != uuid.Nil {
		protected[pos] = struct{}{}
	}
	firsts := make(map[uuid.UUID]struct{}, len(g.branches))
	for _, b := range g.branches {
		protected[b.HeadID] = struct{}{}
		protected[b.FirstID] = struct{}{}
		firsts[b.FirstID] = struct{}{}
	}
	for _, cp := range g.checkpoints {
		protected[cp.SnapshotID] = struct{}{}
		n, ok := g.nodes[cp.SnapshotID]
		if !ok {
			continue
		}
		for id := n.parent; id != uuid.Nil; {
			if _, stop := firsts[id]; stop {
				break
			}
			pn, ok := g.nodes[id]
			if !ok || len(pn.children) > 1 {
				break
			}
			protected[id] = struct{}{}
			id = pn.parent
		}
	}
	return protected
}

// evictDown drops persisted payloads, farthest from the current position
// first, preferring snapshots that no branch head descends from.
func (g *Graph) evictDown(keep uuid.UUID) {
	protected := g.protectedSet(keep)
	onChain := g.headChains()
	dist := g.distancesFrom(g.Pos())

	type candidate struct {
		id      uuid.UUID
		n       *node
		onChain bool
		dist    int
	}
	var cands []candidate
	for id, n := range g.nodes {
		if n.snap == nil {
			continue
		}
		if _, ok := protected[id]; ok {
			continue
		}
		if _, ok := g.persisted[id]; !ok {
			continue
		}
		d, reachable := dist[id]
		if !reachable {
			d = math.MaxInt
		}
		_, chained := onChain[id]
		cands = append(cands, candidate{id: id, n: n, onChain: chained, dist: d})
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.onChain != b.onChain {
			return !a.onChain
		}
		if a.dist != b.dist {
			return a.dist > b.dist
		}
		if !a.n.timestamp.Equal(b.n.timestamp) {
			return a.n.timestamp.Before(b.n.timestamp)
		}
		return a.id.String() < b.id.String()
	})

	for _, c := range cands {
		if g.used <= g.budget {
			return
		}
		g.used -= c.n.size
		c.n.snap = nil
	}
}

// headChains returns every snapshot on the ancestor chain of some branch
// head, the head included.
func (g *Graph) headChains() map[uuid.UUID]struct{} {
	chains := make(map[uuid.UUID]struct{})
	for _, b := range g.branches {
		for id := b.HeadID; id != uuid.Nil; {
			if _, seen := chains[id]; seen {
				break
			}
			n, ok := g.nodes[id]
			if !ok {
				break
			}
			chains[id] = struct{}{}
			id = n.parent
		}
	}
	return chains
}

// distancesFrom walks the tree as an undirected graph and returns edge
// distances from start.
func (g *Graph) distancesFrom(start uuid.UUID) map[uuid.UUID]int {
	dist := make(map[uuid.UUID]int, len(g.nodes))
	if _, ok := g.nodes[start]; !ok {
		return dist
	}
	dist[start] = 0
	queue := []uuid.UUID{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n := g.nodes[id]
		d := dist[id]

		var adjacent []uuid.UUID
		if n.parent != uuid.Nil {
			adjacent = append(adjacent, n.parent)
		}
		adjacent = append(adjacent, n.children...)
		for _, next := range adjacent {
			if _, ok := g.nodes[next]; !ok {
				continue
			}
			if _, seen := dist[next]; seen {
				continue
			}
			dist[next] = d + 1
			queue = append(queue, next)
		}
	}
	return dist
}

// pruneUnreachable removes snapshots no branch or checkpoint can reach
// anymore, freeing their memory. Their records stay in the session file
// but are skipped on the next load.
func (g *Graph) pruneUnreachable() {
	keep := make(map[uuid.UUID]struct{})
	mark := func(id uuid.UUID) {
		for id != uuid.Nil {
			if _, ok := keep[id]; ok {
				return
			}
			n, ok := g.nodes[id]
			if !ok {
				return
			}
			keep[id] = struct{}{}
			id = n.parent
		}
	}
	for _, b := range g.branches {
		mark(b.HeadID)
		mark(b.FirstID)
		mark(b.pos)
	}
	for _, cp := range g.checkpoints {
		mark(cp.SnapshotID)
	}

	for id, n := range g.nodes {
		if _, ok := keep[id]; ok {
			continue
		}
		if n.snap != nil {
			g.used -= n.size
		}
		delete(g.nodes, id)
		delete(g.persisted, id)
	}
	for _, n := range g.nodes {
		n.children = n.children[:0]
	}
	for id, n := range g.nodes {
		if p, ok := g.nodes[n.parent]; ok {
			p.children = append(p.children, id)
		}
	}
}

// Load rebuilds the graph from persisted metadata and the decoded
// snapshot stream. Snapshots no branch or checkpoint reaches are ignored;
// a parent chain that leaves the stream or loops reports corruption.
func (g *Graph) Load(meta *snapshot.SessionMeta, snaps []*snapshot.Snapshot) error {
	byID := make(map[uuid.UUID]*snapshot.Snapshot, len(snaps))
	for _, s := range snaps {
		if s == nil {
			continue
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("%w: duplicate snapshot %s", codec.ErrCorruptData, s.ID)
		}
		byID[s.ID] = s
	}

	var anchors []uuid.UUID
	var branchMetas []snapshot.Branch
	var checkpointMetas []snapshot.Checkpoint
	if meta != nil {
		branchMetas = meta.Branches
		checkpointMetas = meta.Checkpoints
	}
	for _, b := range branchMetas {
		anchors = append(anchors, b.HeadID, b.FirstID)
	}
	for _, cp := range checkpointMetas {
		anchors = append(anchors, cp.SnapshotID)
	}
	if len(branchMetas) == 0 && len(byID) > 0 {
		// Metadata predates branch tracking: root a main branch at the
		// newest snapshot.
		var newest *snapshot.Snapshot
		for _, s := range byID {
			if newest == nil || s.Timestamp.After(newest.Timestamp) {
				newest = s
			}
		}
		log.Printf("[History] no branch metadata, rooting main branch at snapshot %s", newest.ID)
		branchMetas = []snapshot.Branch{{
			ID:        uuid.New(),
			Name:      "main",
			HeadID:    newest.ID,
			FirstID:   rootOf(byID, newest.ID),
			CreatedAt: newest.Timestamp,
		}}
		anchors = append(anchors, branchMetas[0].HeadID, branchMetas[0].FirstID)
	}

	reachable := make(map[uuid.UUID]struct{})
	for _, anchor := range anchors {
		steps := 0
		for id := anchor; id != uuid.Nil; {
			if _, seen := reachable[id]; seen {
				break
			}
			s, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: snapshot %s referenced but not stored", codec.ErrCorruptData, id)
			}
			reachable[id] = struct{}{}
			id = s.ParentID
			if steps++; steps > len(byID) {
				return fmt.Errorf("%w: parent chain loops at %s", codec.ErrCorruptData, anchor)
			}
		}
	}

	g.nodes = make(map[uuid.UUID]*node, len(reachable))
	g.persisted = make(map[uuid.UUID]struct{}, len(reachable))
	g.used = 0
	g.lastStamp = time.Time{}
	for id := range reachable {
		s := byID[id]
		g.nodes[id] = &node{
			id:        id,
			parent:    s.ParentID,
			timestamp: s.Timestamp,
			turn:      s.Metadata.TurnNumber,
			size:      s.EstimateSize(),
			snap:      s,
		}
		g.persisted[id] = struct{}{}
		g.used += g.nodes[id].size
		if s.Timestamp.After(g.lastStamp) {
			g.lastStamp = s.Timestamp
		}
	}
	for id, n := range g.nodes {
		if p, ok := g.nodes[n.parent]; ok {
			p.children = append(p.children, id)
		}
	}

	g.branches = make(map[uuid.UUID]*branchState, len(branchMetas))
	g.branchByName = make(map[string]uuid.UUID, len(branchMetas))
	for _, b := range branchMetas {
		if _, ok := g.nodes[b.HeadID]; !ok {
			log.Printf("[History] dropping branch %q, head %s is gone", b.Name, b.HeadID)
			continue
		}
		bs := &branchState{Branch: b, pos: b.HeadID}
		g.branches[b.ID] = bs
		g.branchByName[b.Name] = b.ID
	}

	g.checkpoints = make(map[string]snapshot.Checkpoint, len(checkpointMetas))
	for _, cp := range checkpointMetas {
		if _, ok := g.nodes[cp.SnapshotID]; !ok {
			log.Printf("[History] dropping checkpoint %q, snapshot %s is gone", cp.Label, cp.SnapshotID)
			continue
		}
		g.checkpoints[cp.Label] = cp
	}

	g.active = uuid.Nil
	if meta != nil && meta.ActiveBranch != uuid.Nil {
		if _, ok := g.branches[meta.ActiveBranch]; ok {
			g.active = meta.ActiveBranch
		}
	}
	if g.active == uuid.Nil {
		var oldest *branchState
		for _, b := range g.branches {
			if oldest == nil || b.CreatedAt.Before(oldest.CreatedAt) {
				oldest = b
			}
		}
		if oldest != nil {
			g.active = oldest.ID
		}
	}
	g.state = AtHead

	// Everything loaded is already on disk, so shedding is safe; a
	// protected set larger than the budget must not fail the open.
	if g.budget != 0 && g.used > g.budget {
		g.evictDown(g.Pos())
		if g.used > g.budget {
			log.Printf("[History] %d bytes of protected snapshots exceed the %d byte budget", g.used, g.budget)
		}
	}
	return nil
}

// rootOf follows parents to the chain's root.
func rootOf(byID map[uuid.UUID]*snapshot.Snapshot, id uuid.UUID) uuid.UUID {
	steps := 0
	for {
		s, ok := byID[id]
		if !ok || s.ParentID == uuid.Nil {
			return id
		}
		id = s.ParentID
		if steps++; steps > len(byID) {
			return id
		}
	}
}
