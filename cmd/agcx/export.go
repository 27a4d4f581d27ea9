// cmd/agcx/export.go
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agcx/internal/session"
	"agcx/internal/snapshot"
)

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Dump a session to JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()

			id, err := resolveSessionID(svc, args[0])
			if err != nil {
				return err
			}
			doc, err := buildExport(svc, id)
			if err != nil {
				return err
			}

			if path, _ := cmd.Flags().GetString("out"); path != "" {
				fh, err := os.Create(path)
				if err != nil {
					return err
				}
				err = writeExport(fh, doc)
				if cerr := fh.Close(); err == nil {
					err = cerr
				}
				return err
			}
			return writeExport(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().StringP("out", "o", "", "Write to a file instead of stdout")
	return cmd
}

type exportDoc struct {
	Session     exportSession      `json:"session"`
	Branches    []exportBranch     `json:"branches,omitempty"`
	Checkpoints []exportCheckpoint `json:"checkpoints,omitempty"`
	Snapshots   []exportSnapshot   `json:"snapshots"`
}

type exportSession struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Model         string    `json:"model,omitempty"`
	Mode          string    `json:"mode"`
	User          string    `json:"user,omitempty"`
	TotalTokens   uint64    `json:"total_tokens"`
	Messages      uint32    `json:"messages"`
	Turns         uint32    `json:"turns"`
	Tags          []string  `json:"tags,omitempty"`
	ActiveBranch  string    `json:"active_branch,omitempty"`
	Head          string    `json:"head,omitempty"`
	FormatVersion uint16    `json:"format_version"`
}

type exportBranch struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Head        string    `json:"head"`
	First       string    `json:"first"`
	Parent      string    `json:"parent,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type exportCheckpoint struct {
	ID         string    `json:"id,omitempty"`
	Label      string    `json:"label"`
	SnapshotID string    `json:"snapshot_id"`
	CreatedAt  time.Time `json:"created_at"`
}

type exportSnapshot struct {
	ID        string          `json:"id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Turn      uint32          `json:"turn"`
	Tokens    uint64          `json:"tokens"`
	Model     string          `json:"model,omitempty"`
	Mode      string          `json:"mode"`
	Tags      []string        `json:"tags,omitempty"`
	Messages  []exportMessage `json:"messages"`
}

type exportMessage struct {
	ID        string       `json:"id"`
	Role      string       `json:"role"`
	Timestamp time.Time    `json:"timestamp"`
	Parts     []exportPart `json:"parts"`
}

type exportPart struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	JSON      json.RawMessage `json:"json,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Output    string          `json:"output,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Raw       []byte          `json:"raw,omitempty"`
}

func buildExport(svc *session.Service, id uuid.UUID) (*exportDoc, error) {
	f, done, err := parseSessionFile(svc, id)
	if err != nil {
		return nil, err
	}
	defer done()

	snaps, err := f.Snapshots()
	if err != nil {
		return nil, err
	}

	meta := f.Meta
	doc := &exportDoc{
		Session: exportSession{
			ID:            meta.SessionID.String(),
			Title:         meta.Title,
			CreatedAt:     meta.CreatedAt,
			UpdatedAt:     meta.UpdatedAt,
			Model:         meta.Model,
			Mode:          meta.Mode.String(),
			User:          meta.User,
			TotalTokens:   meta.TotalTokens,
			Messages:      meta.MessageCount,
			Turns:         meta.TurnCount,
			Tags:          meta.Tags,
			ActiveBranch:  idOrEmpty(meta.ActiveBranch),
			Head:          idOrEmpty(meta.HeadID),
			FormatVersion: f.Header.Version,
		},
		Snapshots: make([]exportSnapshot, 0, len(snaps)),
	}
	for _, b := range meta.Branches {
		doc.Branches = append(doc.Branches, exportBranch{
			ID:          b.ID.String(),
			Name:        b.Name,
			Description: b.Description,
			Head:        b.HeadID.String(),
			First:       b.FirstID.String(),
			Parent:      idOrEmpty(b.ParentID),
			CreatedAt:   b.CreatedAt,
		})
	}
	for _, cp := range meta.Checkpoints {
		doc.Checkpoints = append(doc.Checkpoints, exportCheckpoint{
			ID:         idOrEmpty(cp.ID),
			Label:      cp.Label,
			SnapshotID: cp.SnapshotID.String(),
			CreatedAt:  cp.CreatedAt,
		})
	}
	for _, snap := range snaps {
		doc.Snapshots = append(doc.Snapshots, exportSnapshotJSON(snap))
	}
	return doc, nil
}

func exportSnapshotJSON(snap *snapshot.Snapshot) exportSnapshot {
	out := exportSnapshot{
		ID:        snap.ID.String(),
		ParentID:  idOrEmpty(snap.ParentID),
		Timestamp: snap.Timestamp,
		Turn:      snap.Metadata.TurnNumber,
		Tokens:    snap.Metadata.TotalTokens,
		Model:     snap.Metadata.Model,
		Mode:      snap.Metadata.Mode.String(),
		Tags:      snap.Metadata.Tags,
		Messages:  make([]exportMessage, 0, len(snap.Messages)),
	}
	for i := range snap.Messages {
		msg := &snap.Messages[i]
		out.Messages = append(out.Messages, exportMessage{
			ID:        msg.ID.String(),
			Role:      msg.Role.String(),
			Timestamp: msg.Timestamp,
			Parts:     exportParts(msg.Parts),
		})
	}
	return out
}

func exportParts(parts []snapshot.Part) []exportPart {
	out := make([]exportPart, 0, len(parts))
	for _, p := range parts {
		switch p := p.(type) {
		case snapshot.PartText:
			out = append(out, exportPart{Type: "text", Text: p.Text})
		case snapshot.PartJSON:
			ep := exportPart{Type: "json"}
			if json.Valid([]byte(p.JSON)) {
				ep.JSON = json.RawMessage(p.JSON)
			} else {
				ep.Text = p.JSON
			}
			out = append(out, ep)
		case snapshot.PartToolCall:
			out = append(out, exportPart{
				Type:      "tool_call",
				Name:      p.Name,
				Arguments: p.Arguments,
				CallID:    p.CallID,
			})
		case snapshot.PartToolResult:
			ok := p.Success
			out = append(out, exportPart{
				Type:    "tool_result",
				CallID:  p.CallID,
				Output:  p.Output,
				Success: &ok,
			})
		case snapshot.PartUnknown:
			out = append(out, exportPart{Type: "unknown", Raw: p.Raw})
		}
	}
	return out
}

func idOrEmpty(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func writeExport(w io.Writer, doc *exportDoc) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode export: %w", err)
	}
	return nil
}
