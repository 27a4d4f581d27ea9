// internal/history/history_test.go
package history

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"agcx/internal/codec"
	"agcx/internal/snapshot"
)

func histSnap(turn uint32, text string) *snapshot.Snapshot {
	msg := snapshot.Message{
		ID:        uuid.New(),
		Role:      snapshot.RoleUser,
		Timestamp: time.Now().UTC(),
		Parts:     []snapshot.Part{snapshot.PartText{Text: text}},
	}
	return snapshot.New(uuid.Nil, []snapshot.Message{msg}, snapshot.Metadata{
		TurnNumber: turn,
		Model:      "test-model",
		Mode:       snapshot.ModeBuild,
	})
}

func firstText(t *testing.T, s *snapshot.Snapshot) string {
	t.Helper()
	if s == nil || len(s.Messages) == 0 {
		t.Fatal("snapshot has no messages")
	}
	for _, p := range s.Messages[0].Parts {
		if txt, ok := p.(snapshot.PartText); ok {
			return txt.Text
		}
	}
	t.Fatal("snapshot has no text part")
	return ""
}

func mustSave(t *testing.T, g *Graph, s *snapshot.Snapshot) {
	t.Helper()
	if err := g.SaveState(s); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
}

func TestGraph_SaveUndoRedo(t *testing.T) {
	g := NewGraph(0)
	mustSave(t, g, histSnap(1, "x"))
	mustSave(t, g, histSnap(2, "y"))

	got, err := g.Undo()
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if text := firstText(t, got); text != "x" {
		t.Errorf("Expected undo to return x, got %q", text)
	}
	if g.State() != InPast {
		t.Errorf("Expected InPast after undo, got %v", g.State())
	}

	got, err = g.Redo()
	if err != nil {
		t.Fatalf("Redo failed: %v", err)
	}
	if text := firstText(t, got); text != "y" {
		t.Errorf("Expected redo to return y, got %q", text)
	}
	if g.State() != AtHead {
		t.Errorf("Expected AtHead after redo, got %v", g.State())
	}

	// Saving after an undo invalidates redo.
	if _, err := g.Undo(); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	mustSave(t, g, histSnap(3, "z"))
	got, err = g.Redo()
	if err != nil {
		t.Fatalf("Redo failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected no redo after save, got %q", firstText(t, got))
	}
}

func TestGraph_UndoAtRoot(t *testing.T) {
	g := NewGraph(0)
	if got, err := g.Undo(); err != nil || got != nil {
		t.Errorf("Expected nothing to undo on empty graph, got %v, %v", got, err)
	}
	mustSave(t, g, histSnap(1, "root"))
	if got, err := g.Undo(); err != nil || got != nil {
		t.Errorf("Expected nothing to undo at root, got %v, %v", got, err)
	}
	if got, err := g.Redo(); err != nil || got != nil {
		t.Errorf("Expected nothing to redo, got %v, %v", got, err)
	}
}

func TestGraph_ChainedUndoRedo(t *testing.T) {
	g := NewGraph(0)
	for i := 1; i <= 4; i++ {
		mustSave(t, g, histSnap(uint32(i), fmt.Sprintf("n%d", i)))
	}

	for want := 3; want >= 1; want-- {
		got, err := g.Undo()
		if err != nil {
			t.Fatalf("Undo failed: %v", err)
		}
		if text := firstText(t, got); text != fmt.Sprintf("n%d", want) {
			t.Errorf("Expected n%d, got %q", want, text)
		}
	}
	for want := 2; want <= 4; want++ {
		got, err := g.Redo()
		if err != nil {
			t.Fatalf("Redo failed: %v", err)
		}
		if text := firstText(t, got); text != fmt.Sprintf("n%d", want) {
			t.Errorf("Expected n%d, got %q", want, text)
		}
	}
	if g.State() != AtHead {
		t.Errorf("Expected AtHead after full redo, got %v", g.State())
	}
}

func TestGraph_SaveInPastDropsRedoPath(t *testing.T) {
	g := NewGraph(0)
	mustSave(t, g, histSnap(1, "a"))
	mustSave(t, g, histSnap(2, "b"))
	if _, err := g.Undo(); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}

	mustSave(t, g, histSnap(3, "c"))
	if g.Len() != 2 {
		t.Errorf("Expected 2 snapshots after overwrite, got %d", g.Len())
	}
	cur, err := g.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if text := firstText(t, cur); text != "c" {
		t.Errorf("Expected head c, got %q", text)
	}
}

func TestGraph_SaveRefusedWhenCheckpointAnchored(t *testing.T) {
	g := NewGraph(0)
	mustSave(t, g, histSnap(1, "a"))
	mustSave(t, g, histSnap(2, "b"))
	if _, err := g.CreateCheckpoint("keep"); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if _, err := g.Undo(); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}

	err := g.SaveState(histSnap(3, "c"))
	if !errors.Is(err, ErrBranchDivergence) {
		t.Fatalf("Expected ErrBranchDivergence, got %v", err)
	}
	if g.Len() != 2 {
		t.Errorf("Expected refused save to leave 2 snapshots, got %d", g.Len())
	}
}

func TestGraph_SaveOverForkPointKeepsBranch(t *testing.T) {
	g := NewGraph(0)
	mustSave(t, g, histSnap(1, "a"))
	mustSave(t, g, histSnap(2, "b"))
	if _, err := g.CreateBranch("alt", "", histSnap(3, "c")); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}

	// Undo on main past alt's fork point, then commit. The overwrite
	// drops nothing alt still needs.
	if _, err := g.Undo(); err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	mustSave(t, g, histSnap(4, "d"))
	if g.Len() != 4 {
		t.Errorf("Expected 4 snapshots, got %d", g.Len())
	}
	cur, err := g.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if text := firstText(t, cur); text != "d" {
		t.Errorf("Expected main head d, got %q", text)
	}
	cur, err = g.SwitchBranch("alt")
	if err != nil {
		t.Fatalf("SwitchBranch failed: %v", err)
	}
	if text := firstText(t, cur); text != "c" {
		t.Errorf("Expected alt head c to survive, got %q", text)
	}
}

func TestGraph_BranchIsolation(t *testing.T) {
	g := NewGraph(0)
	mustSave(t, g, histSnap(1, "a"))
	mustSave(t, g, histSnap(2, "b"))

	branch, err := g.CreateBranch("experiment", "try another approach", histSnap(3, "c"))
	if err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if branch.Name != "experiment" {
		t.Errorf("Expected branch name experiment, got %q", branch.Name)
	}
	if branch.Description != "try another approach" {
		t.Errorf("Expected branch description to stick, got %q", branch.Description)
	}

	// Creating the branch does not switch to it.
	cur, err := g.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if text := firstText(t, cur); text != "b" {
		t.Errorf("Expected main still at b, got %q", text)
	}

	cur, err = g.SwitchBranch("experiment")
	if err != nil {
		t.Fatalf("SwitchBranch failed: %v", err)
	}
	if text := firstText(t, cur); text != "c" {
		t.Errorf("Expected experiment head c, got %q", text)
	}
	if g.State() != AtHead {
		t.Errorf("Expected AtHead after switch, got %v", g.State())
	}

	// Undo on the branch never crosses back into main's history.
	if got, err := g.Undo(); err != nil || got != nil {
		t.Errorf("Expected nothing to undo below branch start, got %v, %v", got, err)
	}

	cur, err = g.SwitchBranch("main")
	if err != nil {
		t.Fatalf("SwitchBranch failed: %v", err)
	}
	if text := firstText(t, cur); text != "b" {
		t.Errorf("Expected main head b, got %q", text)
	}

	if _, err := g.SwitchBranch("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown branch, got %v", err)
	}
	if _, err := g.CreateBranch("experiment", "", histSnap(3, "x")); err == nil {
		t.Error("Expected duplicate branch name to fail")
	}

	branches := g.Branches()
	if len(branches) != 2 {
		t.Fatalf("Expected 2 branches, got %d", len(branches))
	}
	if branches[0].Name != "main" {
		t.Errorf("Expected active branch first, got %q", branches[0].Name)
	}
}

func TestGraph_SwitchBranchResetsToHead(t *testing.T) {
	g := NewGraph(0)
	mustSave(t, g, histSnap(1, "a"))
	if _, err := g.CreateBranch("alt", "", histSnap(2, "b")); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if _, err := g.SwitchBranch("alt"); err != nil {
		t.Fatalf("SwitchBranch failed: %v", err)
	}
	mustSave(t, g, histSnap(3, "c"))
	got, err := g.Undo()
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if text := firstText(t, got); text != "b" {
		t.Errorf("Expected undo to b, got %q", text)
	}

	cur, err := g.SwitchBranch("main")
	if err != nil {
		t.Fatalf("SwitchBranch failed: %v", err)
	}
	if text := firstText(t, cur); text != "a" {
		t.Errorf("Expected main head a, got %q", text)
	}

	// Coming back lands at the branch head, not the mid-undo position.
	cur, err = g.SwitchBranch("alt")
	if err != nil {
		t.Fatalf("SwitchBranch failed: %v", err)
	}
	if text := firstText(t, cur); text != "c" {
		t.Errorf("Expected alt head c, got %q", text)
	}
	if g.State() != AtHead {
		t.Errorf("Expected AtHead after switch, got %v", g.State())
	}
	if got, err := g.Redo(); err != nil || got != nil {
		t.Errorf("Expected nothing to redo at head, got %v, %v", got, err)
	}
}

func TestGraph_CheckpointRestore(t *testing.T) {
	g := NewGraph(0)
	mustSave(t, g, histSnap(1, "a"))
	base := histSnap(2, "b")
	mustSave(t, g, base)
	cp, err := g.CreateCheckpoint("stable")
	if err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if cp.ID == uuid.Nil {
		t.Error("Expected the checkpoint to be assigned an id")
	}
	mustSave(t, g, histSnap(3, "c"))
	mustSave(t, g, histSnap(4, "d"))

	restored, err := g.RestoreCheckpoint("stable")
	if err != nil {
		t.Fatalf("RestoreCheckpoint failed: %v", err)
	}
	if text := firstText(t, restored); text != "b" {
		t.Errorf("Expected restored snapshot b, got %q", text)
	}
	if !restored.HasTag("checkpoint:stable") {
		t.Errorf("Expected checkpoint:stable tag, got %v", restored.Metadata.Tags)
	}
	if base.HasTag("checkpoint:stable") {
		t.Error("Restore must not mutate the stored snapshot's tags")
	}
	if g.State() != AtCheckpoint {
		t.Errorf("Expected AtCheckpoint, got %v", g.State())
	}

	// Committing from the checkpoint rewrites the unanchored tail.
	mustSave(t, g, histSnap(5, "e"))
	if g.State() != AtHead {
		t.Errorf("Expected AtHead after commit, got %v", g.State())
	}
	if g.Len() != 3 {
		t.Errorf("Expected 3 snapshots after rewrite, got %d", g.Len())
	}
	cps := g.Checkpoints()
	if len(cps) != 1 || cps[0].Label != "stable" {
		t.Errorf("Expected checkpoint stable to survive, got %v", cps)
	}
}

func TestGraph_CheckpointValidation(t *testing.T) {
	g := NewGraph(0)
	if _, err := g.CreateCheckpoint("early"); !errors.Is(err, ErrInvalidCheckpoint) {
		t.Errorf("Expected ErrInvalidCheckpoint on empty history, got %v", err)
	}
	mustSave(t, g, histSnap(1, "a"))
	if _, err := g.CreateCheckpoint(""); !errors.Is(err, ErrInvalidCheckpoint) {
		t.Errorf("Expected ErrInvalidCheckpoint for empty label, got %v", err)
	}
	if _, err := g.RestoreCheckpoint("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown label, got %v", err)
	}
	if _, err := g.CreateCheckpoint("taken"); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}
	if _, err := g.CreateCheckpoint("taken"); !errors.Is(err, ErrInvalidCheckpoint) {
		t.Errorf("Expected ErrInvalidCheckpoint for duplicate label, got %v", err)
	}
}

func TestGraph_EvictionRespectsBudgetAndPins(t *testing.T) {
	big := strings.Repeat("m", 8<<10)
	g := NewGraph(26_000)
	store := make(map[uuid.UUID]*snapshot.Snapshot)
	g.SetRehydrate(func(id uuid.UUID) (*snapshot.Snapshot, error) {
		s, ok := store[id]
		if !ok {
			return nil, fmt.Errorf("snapshot %s not stored", id)
		}
		return s, nil
	})

	var ids []uuid.UUID
	for i := 1; i <= 6; i++ {
		s := histSnap(uint32(i), fmt.Sprintf("%d:%s", i, big))
		mustSave(t, g, s)
		store[s.ID] = s
		g.MarkPersisted(s.ID)
		ids = append(ids, s.ID)
	}

	info := g.MemoryInfo()
	if info.Snapshots != 6 {
		t.Fatalf("Expected 6 snapshots, got %d", info.Snapshots)
	}
	if info.Materialized >= 6 {
		t.Fatalf("Expected eviction to drop payloads, still have %d", info.Materialized)
	}
	if g.nodes[ids[0]].snap == nil {
		t.Error("Fork point must stay resident")
	}
	if g.nodes[ids[5]].snap == nil {
		t.Error("Current head must stay resident")
	}
	if g.nodes[ids[1]].snap != nil {
		t.Error("Expected snapshot farthest from head to be evicted first")
	}

	// Undo back into evicted territory rehydrates from the store.
	var got *snapshot.Snapshot
	var err error
	for i := 0; i < 4; i++ {
		got, err = g.Undo()
		if err != nil {
			t.Fatalf("Undo %d failed: %v", i, err)
		}
	}
	if !strings.HasPrefix(firstText(t, got), "2:") {
		t.Errorf("Expected rehydrated snapshot 2, got %q", firstText(t, got)[:2])
	}
}

func TestGraph_EvictionKeepsCheckpointAncestors(t *testing.T) {
	big := strings.Repeat("m", 8<<10)
	g := NewGraph(45_000)
	var ids []uuid.UUID
	for i := 1; i <= 6; i++ {
		s := histSnap(uint32(i), fmt.Sprintf("%d:%s", i, big))
		mustSave(t, g, s)
		g.MarkPersisted(s.ID)
		ids = append(ids, s.ID)
		if i == 4 {
			if _, err := g.CreateCheckpoint("pinned"); err != nil {
				t.Fatalf("CreateCheckpoint failed: %v", err)
			}
		}
	}

	if g.nodes[ids[4]].snap != nil {
		t.Error("Expected the unprotected snapshot to be evicted")
	}
	// The pin and its ancestors down to the branch's first snapshot must
	// survive eviction even though they sit far from the head.
	for _, i := range []int{1, 2, 3} {
		if g.nodes[ids[i]].snap == nil {
			t.Errorf("Expected checkpoint ancestor %d to stay resident", i+1)
		}
	}
}

func TestGraph_SaveFailsWhenBudgetUnsatisfiable(t *testing.T) {
	g := NewGraph(1_000)
	g.SetFlush(func() error {
		for _, s := range g.Unpersisted() {
			g.MarkPersisted(s.ID)
		}
		return nil
	})

	err := g.SaveState(histSnap(1, strings.Repeat("m", 64<<10)))
	if !errors.Is(err, ErrAutoSaveFailed) {
		t.Fatalf("Expected ErrAutoSaveFailed when nothing can be evicted, got %v", err)
	}
	info := g.MemoryInfo()
	if info.UsedBytes <= info.BudgetBytes {
		t.Errorf("Expected the overage to be reported, used %d budget %d", info.UsedBytes, info.BudgetBytes)
	}
}

func TestGraph_EvictionFlushesUnpersisted(t *testing.T) {
	big := strings.Repeat("m", 8<<10)
	g := NewGraph(20_000)
	flushed := false
	g.SetFlush(func() error {
		flushed = true
		for _, s := range g.Unpersisted() {
			g.MarkPersisted(s.ID)
		}
		return nil
	})

	mustSave(t, g, histSnap(1, big))
	mustSave(t, g, histSnap(2, big))
	mustSave(t, g, histSnap(3, big))
	if !flushed {
		t.Error("Expected budget pressure to force a flush")
	}

	info := g.MemoryInfo()
	if info.Materialized == info.Snapshots {
		t.Errorf("Expected eviction after flush, %d of %d still resident", info.Materialized, info.Snapshots)
	}
}

func TestGraph_EvictionFailsWhenFlushFails(t *testing.T) {
	big := strings.Repeat("m", 8<<10)
	g := NewGraph(10_000)
	g.SetFlush(func() error {
		return fmt.Errorf("disk full")
	})

	mustSave(t, g, histSnap(1, big))
	err := g.SaveState(histSnap(2, big))
	if err == nil {
		err = g.SaveState(histSnap(3, big))
	}
	if !errors.Is(err, ErrAutoSaveFailed) {
		t.Fatalf("Expected ErrAutoSaveFailed, got %v", err)
	}
}

func TestGraph_MonotonicTimestamps(t *testing.T) {
	g := NewGraph(0)
	first := histSnap(1, "a")
	mustSave(t, g, first)

	second := histSnap(2, "b")
	second.Timestamp = first.Timestamp.Add(-time.Hour)
	mustSave(t, g, second)

	want := first.Timestamp.Add(time.Microsecond)
	if !second.Timestamp.Equal(want) {
		t.Errorf("Expected backdated snapshot clamped to %v, got %v", want, second.Timestamp)
	}
}

func TestGraph_LoadRoundTrip(t *testing.T) {
	a := NewGraph(0)
	mustSave(t, a, histSnap(1, "a"))
	mustSave(t, a, histSnap(2, "b"))
	mustSave(t, a, histSnap(3, "c"))
	if _, err := a.CreateBranch("alt", "side quest", histSnap(4, "d")); err != nil {
		t.Fatalf("CreateBranch failed: %v", err)
	}
	if _, err := a.CreateCheckpoint("cp"); err != nil {
		t.Fatalf("CreateCheckpoint failed: %v", err)
	}

	active, ok := a.ActiveBranch()
	if !ok {
		t.Fatal("Expected an active branch")
	}
	meta := &snapshot.SessionMeta{
		Branches:     a.Branches(),
		Checkpoints:  a.Checkpoints(),
		ActiveBranch: active.ID,
		HeadID:       a.Pos(),
	}
	var snaps []*snapshot.Snapshot
	for _, n := range a.nodes {
		snaps = append(snaps, n.snap)
	}

	b := NewGraph(0)
	if err := b.Load(meta, snaps); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if b.Len() != 4 {
		t.Errorf("Expected 4 snapshots, got %d", b.Len())
	}
	if b.State() != AtHead {
		t.Errorf("Expected load to resume AtHead, got %v", b.State())
	}
	cur, err := b.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if text := firstText(t, cur); text != "c" {
		t.Errorf("Expected main head c, got %q", text)
	}
	got, err := b.Undo()
	if err != nil {
		t.Fatalf("Undo failed: %v", err)
	}
	if text := firstText(t, got); text != "b" {
		t.Errorf("Expected undo to b, got %q", text)
	}
	cur, err = b.SwitchBranch("alt")
	if err != nil {
		t.Fatalf("SwitchBranch failed: %v", err)
	}
	if text := firstText(t, cur); text != "d" {
		t.Errorf("Expected alt head d, got %q", text)
	}
	for _, br := range b.Branches() {
		if br.Name == "alt" && br.Description != "side quest" {
			t.Errorf("Expected branch description to survive load, got %q", br.Description)
		}
	}
	restored, err := b.RestoreCheckpoint("cp")
	if err != nil {
		t.Fatalf("RestoreCheckpoint failed: %v", err)
	}
	if !restored.HasTag("checkpoint:cp") {
		t.Errorf("Expected checkpoint tag, got %v", restored.Metadata.Tags)
	}
}

func TestGraph_LoadMissingParent(t *testing.T) {
	a := NewGraph(0)
	mustSave(t, a, histSnap(1, "a"))
	mustSave(t, a, histSnap(2, "b"))
	mustSave(t, a, histSnap(3, "c"))
	active, _ := a.ActiveBranch()
	meta := &snapshot.SessionMeta{Branches: a.Branches(), ActiveBranch: active.ID}

	var snaps []*snapshot.Snapshot
	for _, n := range a.nodes {
		if n.parent != uuid.Nil && n.children != nil {
			continue // drop the middle of the chain
		}
		snaps = append(snaps, n.snap)
	}

	b := NewGraph(0)
	if err := b.Load(meta, snaps); !errors.Is(err, codec.ErrCorruptData) {
		t.Fatalf("Expected ErrCorruptData for broken parent chain, got %v", err)
	}
}

func TestGraph_LoadWithoutBranchMetadata(t *testing.T) {
	a := NewGraph(0)
	mustSave(t, a, histSnap(1, "a"))
	mustSave(t, a, histSnap(2, "b"))
	var snaps []*snapshot.Snapshot
	for _, n := range a.nodes {
		snaps = append(snaps, n.snap)
	}

	b := NewGraph(0)
	if err := b.Load(&snapshot.SessionMeta{}, snaps); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cur, err := b.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if text := firstText(t, cur); text != "b" {
		t.Errorf("Expected synthesized main branch at newest snapshot, got %q", text)
	}
	if got, err := b.Undo(); err != nil || got == nil {
		t.Fatalf("Expected undo to work on synthesized branch, got %v, %v", got, err)
	}
}
