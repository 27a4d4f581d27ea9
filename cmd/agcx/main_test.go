// cmd/agcx/main_test.go
package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"agcx/internal/session"
	"agcx/internal/snapshot"
	"agcx/internal/usage"
)

func runCLI(t *testing.T, root string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--root", root}, args...))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("agcx %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

// seedSession builds a session on disk and leaves it closed.
func seedSession(t *testing.T, root, title string, build func(m *session.Manager)) uuid.UUID {
	t.Helper()
	cfg, err := loadConfig(root)
	if err != nil {
		t.Fatalf("loadConfig(%s): %v", root, err)
	}
	off := false
	cfg.Settings.AutoSaveEnabled = &off
	svc, err := session.NewService(cfg, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	m, err := svc.Create(title)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := m.ID()
	if build != nil {
		build(m)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return id
}

func say(t *testing.T, m *session.Manager, texts ...string) {
	t.Helper()
	msgs := make([]snapshot.Message, 0, len(texts))
	for _, txt := range texts {
		msgs = append(msgs, snapshot.Message{
			ID:        uuid.New(),
			Role:      snapshot.RoleUser,
			Timestamp: time.Now().UTC(),
			Parts:     []snapshot.Part{snapshot.PartText{Text: txt}},
		})
	}
	if _, err := m.SaveState(msgs); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
}

func TestCLI_ListEmpty(t *testing.T) {
	out := runCLI(t, t.TempDir(), "list")
	if !strings.Contains(out, "No sessions.") {
		t.Errorf("Expected empty listing, got %q", out)
	}
}

func TestCLI_ListAndSearch(t *testing.T) {
	root := t.TempDir()
	seedSession(t, root, "Fix auth flow", func(m *session.Manager) { say(t, m, "hello") })
	seedSession(t, root, "Refactor parser", func(m *session.Manager) { say(t, m, "hi") })

	var entries []entryJSON
	if err := json.Unmarshal([]byte(runCLI(t, root, "list", "--json")), &entries); err != nil {
		t.Fatalf("Unmarshal list output: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(entries))
	}

	out := runCLI(t, root, "search", "auth")
	if !strings.Contains(out, "Fix auth flow") {
		t.Errorf("Expected search hit for %q, got %q", "Fix auth flow", out)
	}
	if strings.Contains(out, "Refactor parser") {
		t.Errorf("Search leaked a non-matching session: %q", out)
	}
}

func TestCLI_InspectShowsCheckpoints(t *testing.T) {
	root := t.TempDir()
	id := seedSession(t, root, "Checkpointed", func(m *session.Manager) {
		say(t, m, "turn one")
		if _, err := m.CreateCheckpoint("before-refactor"); err != nil {
			t.Fatalf("CreateCheckpoint: %v", err)
		}
		say(t, m, "turn one", "turn two")
	})

	out := runCLI(t, root, "inspect", id.String())
	for _, want := range []string{"Checkpointed", "Format:", "before-refactor", "Snapshots:"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected inspect output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestCLI_BranchesMarksActive(t *testing.T) {
	root := t.TempDir()
	id := seedSession(t, root, "Branched", func(m *session.Manager) {
		say(t, m, "base")
		msg := snapshot.Message{
			ID:        uuid.New(),
			Role:      snapshot.RoleUser,
			Timestamp: time.Now().UTC(),
			Parts:     []snapshot.Part{snapshot.PartText{Text: "fork"}},
		}
		if _, err := m.CreateBranch("alt", "side track", []snapshot.Message{msg}); err != nil {
			t.Fatalf("CreateBranch: %v", err)
		}
	})

	out := runCLI(t, root, "branches", id.String())
	if !strings.Contains(out, "alt") {
		t.Errorf("Expected branch listing to contain alt, got:\n%s", out)
	}
	if !strings.Contains(out, "*") {
		t.Errorf("Expected an active branch marker, got:\n%s", out)
	}
}

func TestCLI_ForkAtCheckpoint(t *testing.T) {
	root := t.TempDir()
	id := seedSession(t, root, "Original", func(m *session.Manager) {
		say(t, m, "keep this")
		if _, err := m.CreateCheckpoint("cp1"); err != nil {
			t.Fatalf("CreateCheckpoint: %v", err)
		}
		say(t, m, "keep this", "drop this")
	})

	out := runCLI(t, root, "fork", id.String(), "--checkpoint", "cp1", "--title", "Trimmed")
	fields := strings.Fields(out)
	forkID := fields[len(fields)-1]
	if _, err := uuid.Parse(forkID); err != nil {
		t.Fatalf("Fork output did not end with an id: %q", out)
	}

	var doc exportDoc
	if err := json.Unmarshal([]byte(runCLI(t, root, "export", forkID)), &doc); err != nil {
		t.Fatalf("Unmarshal export: %v", err)
	}
	if doc.Session.Title != "Trimmed" {
		t.Errorf("Expected fork title Trimmed, got %q", doc.Session.Title)
	}
	if len(doc.Snapshots) != 1 {
		t.Fatalf("Expected 1 snapshot in checkpoint fork, got %d", len(doc.Snapshots))
	}
	if doc.Session.Turns != 1 {
		t.Errorf("Expected fork head at turn 1, got %d", doc.Session.Turns)
	}
	if len(doc.Checkpoints) != 1 || doc.Checkpoints[0].Label != "cp1" {
		t.Errorf("Expected the cp1 checkpoint to survive, got %+v", doc.Checkpoints)
	}
}

func TestCLI_ExportMessages(t *testing.T) {
	root := t.TempDir()
	id := seedSession(t, root, "Exported", func(m *session.Manager) {
		say(t, m, "first")
		say(t, m, "first", "second")
	})

	var doc exportDoc
	if err := json.Unmarshal([]byte(runCLI(t, root, "export", id.String())), &doc); err != nil {
		t.Fatalf("Unmarshal export: %v", err)
	}
	if len(doc.Snapshots) != 2 {
		t.Fatalf("Expected 2 snapshots, got %d", len(doc.Snapshots))
	}
	last := doc.Snapshots[len(doc.Snapshots)-1]
	if len(last.Messages) != 2 {
		t.Fatalf("Expected 2 messages in the last snapshot, got %d", len(last.Messages))
	}
	if last.Messages[1].Parts[0].Text != "second" {
		t.Errorf("Expected last message text second, got %q", last.Messages[1].Parts[0].Text)
	}
	if last.Messages[0].Role != "user" {
		t.Errorf("Expected role user, got %q", last.Messages[0].Role)
	}
}

func TestCLI_DeleteWithYes(t *testing.T) {
	root := t.TempDir()
	id := seedSession(t, root, "Doomed", func(m *session.Manager) { say(t, m, "bye") })

	runCLI(t, root, "delete", id.String(), "--yes")

	var entries []entryJSON
	if err := json.Unmarshal([]byte(runCLI(t, root, "list", "--json")), &entries); err != nil {
		t.Fatalf("Unmarshal list output: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected no sessions after delete, got %d", len(entries))
	}
}

func TestCLI_RenameFavoriteTag(t *testing.T) {
	root := t.TempDir()
	id := seedSession(t, root, "Old name", func(m *session.Manager) { say(t, m, "hello") })

	runCLI(t, root, "rename", id.String(), "New name")
	runCLI(t, root, "favorite", id.String())
	runCLI(t, root, "tag", id.String(), "work")

	var entries []entryJSON
	if err := json.Unmarshal([]byte(runCLI(t, root, "list", "--favorites", "--json")), &entries); err != nil {
		t.Fatalf("Unmarshal list output: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 favorite, got %d", len(entries))
	}
	e := entries[0]
	if e.Title != "New name" {
		t.Errorf("Expected renamed title, got %q", e.Title)
	}
	if !e.Favorite {
		t.Errorf("Expected favorite flag set")
	}
	if len(e.Tags) != 1 || e.Tags[0] != "work" {
		t.Errorf("Expected tag work, got %v", e.Tags)
	}

	runCLI(t, root, "favorite", id.String(), "--unset")
	out := runCLI(t, root, "list", "--favorites")
	if !strings.Contains(out, "No sessions.") {
		t.Errorf("Expected no favorites after unset, got %q", out)
	}
}

func TestCLI_StatsAggregatesCatalogue(t *testing.T) {
	root := t.TempDir()
	seedSession(t, root, "One", func(m *session.Manager) {
		m.SetModel("claude-sonnet-4")
		say(t, m, "a")
	})
	seedSession(t, root, "Two", func(m *session.Manager) {
		m.SetModel("claude-sonnet-4")
		say(t, m, "a")
		say(t, m, "a", "b")
	})

	var st usage.Stats
	if err := json.Unmarshal([]byte(runCLI(t, root, "stats", "--json")), &st); err != nil {
		t.Fatalf("Unmarshal stats output: %v", err)
	}
	if st.Sessions != 2 {
		t.Errorf("Expected 2 sessions, got %d", st.Sessions)
	}
	if st.Turns != 3 {
		t.Errorf("Expected 3 turns, got %d", st.Turns)
	}
	if len(st.ByModel) != 1 || st.ByModel[0].Model != "claude-sonnet-4" {
		t.Errorf("Expected one claude-sonnet-4 row, got %+v", st.ByModel)
	}
	if st.Bytes == 0 {
		t.Errorf("Expected nonzero disk usage")
	}
}

func TestCLI_MigrateCurrentFile(t *testing.T) {
	root := t.TempDir()
	id := seedSession(t, root, "Current", func(m *session.Manager) { say(t, m, "hello") })

	out := runCLI(t, root, "migrate", id.String())
	if !strings.Contains(out, "already at v1") {
		t.Errorf("Expected a no-op migration notice, got %q", out)
	}
}

func TestCLI_ResolvesIDPrefix(t *testing.T) {
	root := t.TempDir()
	id := seedSession(t, root, "Prefixed", func(m *session.Manager) { say(t, m, "hello") })

	out := runCLI(t, root, "inspect", id.String()[:8])
	if !strings.Contains(out, "Prefixed") {
		t.Errorf("Expected prefix lookup to find the session, got:\n%s", out)
	}
}
