// internal/snapshot/models.go
package snapshot

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role uint8

const (
	RoleUser Role = iota
	RoleAssistant
	RoleSystem
	RoleTool
)

// String returns the display name for the role.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleSystem:
		return "system"
	case RoleTool:
		return "tool"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Mode is the assistant operating mode a snapshot was taken in.
type Mode uint8

const (
	ModePlan Mode = iota
	ModeBuild
	ModeReview
)

// String returns the display name for the mode.
func (m Mode) String() string {
	switch m {
	case ModePlan:
		return "plan"
	case ModeBuild:
		return "build"
	case ModeReview:
		return "review"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses a mode name. Empty input means build.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "plan":
		return ModePlan, nil
	case "", "build":
		return ModeBuild, nil
	case "review":
		return ModeReview, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// Content part tags on the wire. Unrecognized tags round-trip as PartUnknown.
const (
	partTagText       = 0x10
	partTagJSON       = 0x11
	partTagToolCall   = 0x12
	partTagToolResult = 0x13
)

// Part is one unit of message content.
type Part interface {
	partTag() byte
	// sizeEstimate approximates the in-memory footprint for budget accounting.
	sizeEstimate() uint64
}

// PartText is plain text content.
type PartText struct {
	Text string
}

// PartJSON is a structured JSON payload kept verbatim.
type PartJSON struct {
	JSON string
}

// PartToolCall records an outgoing tool invocation.
type PartToolCall struct {
	Name      string
	Arguments string
	CallID    string
}

// PartToolResult records the output of a tool invocation.
type PartToolResult struct {
	CallID  string
	Output  string
	Success bool
}

// PartUnknown preserves a content part written by a newer version. The raw
// payload is carried so re-encoding does not lose it.
type PartUnknown struct {
	Tag byte
	Raw []byte
}

func (p PartText) partTag() byte       { return partTagText }
func (p PartJSON) partTag() byte       { return partTagJSON }
func (p PartToolCall) partTag() byte   { return partTagToolCall }
func (p PartToolResult) partTag() byte { return partTagToolResult }
func (p PartUnknown) partTag() byte    { return p.Tag }

func (p PartText) sizeEstimate() uint64 { return uint64(len(p.Text)) + 16 }
func (p PartJSON) sizeEstimate() uint64 { return uint64(len(p.JSON)) + 32 }
func (p PartToolCall) sizeEstimate() uint64 {
	return uint64(len(p.Name)+len(p.Arguments)+len(p.CallID)) + 100
}
func (p PartToolResult) sizeEstimate() uint64 {
	return uint64(len(p.CallID)+len(p.Output)) + 100
}
func (p PartUnknown) sizeEstimate() uint64 { return uint64(len(p.Raw)) + 256 }

// Message is one conversation message inside a snapshot.
type Message struct {
	ID        uuid.UUID
	Role      Role
	Timestamp time.Time
	Parts     []Part
}

// Metadata describes the conversation state a snapshot captured.
type Metadata struct {
	TurnNumber  uint32
	TotalTokens uint64
	Model       string
	Mode        Mode
	User        string
	Tags        []string
}

// Snapshot is an immutable capture of the conversation at one point. The
// ParentID links snapshots into a tree; uuid.Nil marks a root.
type Snapshot struct {
	ID        uuid.UUID
	ParentID  uuid.UUID
	Timestamp time.Time
	Messages  []Message
	Metadata  Metadata
}

// New builds a snapshot with a fresh identifier.
func New(parent uuid.UUID, messages []Message, meta Metadata) *Snapshot {
	return &Snapshot{
		ID:        uuid.New(),
		ParentID:  parent,
		Timestamp: time.Now().UTC(),
		Messages:  messages,
		Metadata:  meta,
	}
}

// EstimateSize approximates the snapshot's in-memory footprint in bytes.
// The history graph uses it to enforce its memory budget.
func (s *Snapshot) EstimateSize() uint64 {
	size := uint64(128)
	size += uint64(len(s.Metadata.Model) + len(s.Metadata.User))
	for _, tag := range s.Metadata.Tags {
		size += uint64(len(tag)) + 16
	}
	for i := range s.Messages {
		size += 64
		for _, part := range s.Messages[i].Parts {
			size += part.sizeEstimate()
		}
	}
	return size
}

// HasTag reports whether the snapshot metadata carries the tag.
func (s *Snapshot) HasTag(tag string) bool {
	for _, t := range s.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Branch names one line of history in the snapshot tree. FirstID is the
// first snapshot committed on the branch; the segment FirstID..HeadID is
// the branch's own history. ParentID is the branch it forked from,
// uuid.Nil for main.
type Branch struct {
	ID          uuid.UUID
	Name        string
	Description string
	HeadID      uuid.UUID
	FirstID     uuid.UUID
	ParentID    uuid.UUID
	CreatedAt   time.Time
}

// Checkpoint pins a snapshot under a user-facing label. Pinned snapshots
// are exempt from eviction and destructive rewrites. Labels are unique
// within a session; the ID survives relabeling schemes that the label
// cannot.
type Checkpoint struct {
	ID         uuid.UUID
	Label      string
	SnapshotID uuid.UUID
	CreatedAt  time.Time
}

// SessionMeta is the session-wide metadata record stored at the head of a
// session file. It carries the branch and checkpoint tables so the history
// tree can be rebuilt on load without replaying every snapshot.
type SessionMeta struct {
	SessionID        uuid.UUID
	Title            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Model            string
	Mode             Mode
	User             string
	TotalTokens      uint64
	MessageCount     uint32
	TurnCount        uint32
	CompressionRatio float64
	Tags             []string
	Branches         []Branch
	Checkpoints      []Checkpoint
	ActiveBranch     uuid.UUID
	HeadID           uuid.UUID
}
