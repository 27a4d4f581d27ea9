// internal/snapshot/binary.go
package snapshot

import (
	"fmt"
	"math"
	"unicode/utf8"

	"agcx/internal/codec"
)

// Encode serializes a snapshot into its record payload (uncompressed).
func Encode(s *Snapshot) []byte {
	e := codec.NewEncoder()
	e.PutID(s.ID)
	e.PutID(s.ParentID)
	e.PutTime(s.Timestamp)
	encodeMetadata(e, &s.Metadata)
	e.PutCount(len(s.Messages))
	for i := range s.Messages {
		encodeMessage(e, &s.Messages[i])
	}
	return e.Bytes()
}

// Decode parses a snapshot record payload produced by Encode.
func Decode(data []byte) (*Snapshot, error) {
	d := codec.NewDecoder(data)
	s := &Snapshot{}
	var err error
	if s.ID, err = d.ID(); err != nil {
		return nil, fmt.Errorf("decode snapshot id: %w", err)
	}
	if s.ParentID, err = d.ID(); err != nil {
		return nil, fmt.Errorf("decode snapshot parent: %w", err)
	}
	if s.Timestamp, err = d.Time(); err != nil {
		return nil, fmt.Errorf("decode snapshot timestamp: %w", err)
	}
	if err = decodeMetadata(d, &s.Metadata); err != nil {
		return nil, fmt.Errorf("decode snapshot metadata: %w", err)
	}
	count, err := d.Count()
	if err != nil {
		return nil, fmt.Errorf("decode message count: %w", err)
	}
	s.Messages = make([]Message, count)
	for i := range s.Messages {
		if err = decodeMessage(d, &s.Messages[i]); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", i, err)
		}
	}
	return s, nil
}

func encodeMetadata(e *codec.Encoder, m *Metadata) {
	e.PutU32(m.TurnNumber)
	e.PutU64(m.TotalTokens)
	e.PutString(m.Model)
	e.PutU8(uint8(m.Mode))
	e.PutString(m.User)
	e.PutCount(len(m.Tags))
	for _, tag := range m.Tags {
		e.PutString(tag)
	}
}

func decodeMetadata(d *codec.Decoder, m *Metadata) error {
	var err error
	if m.TurnNumber, err = d.U32(); err != nil {
		return err
	}
	if m.TotalTokens, err = d.U64(); err != nil {
		return err
	}
	if m.Model, err = d.String(); err != nil {
		return err
	}
	mode, err := d.U8()
	if err != nil {
		return err
	}
	if mode > uint8(ModeReview) {
		return fmt.Errorf("%w: invalid mode %d", codec.ErrCorruptData, mode)
	}
	m.Mode = Mode(mode)
	if m.User, err = d.String(); err != nil {
		return err
	}
	count, err := d.Count()
	if err != nil {
		return err
	}
	if count > 0 {
		m.Tags = make([]string, count)
		for i := range m.Tags {
			if m.Tags[i], err = d.String(); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeMessage(e *codec.Encoder, m *Message) {
	e.PutID(m.ID)
	e.PutU8(uint8(m.Role))
	e.PutTime(m.Timestamp)
	e.PutCount(len(m.Parts))
	for _, part := range m.Parts {
		e.PutRecord(part.partTag(), encodePart(part))
	}
}

func decodeMessage(d *codec.Decoder, m *Message) error {
	var err error
	if m.ID, err = d.ID(); err != nil {
		return err
	}
	role, err := d.U8()
	if err != nil {
		return err
	}
	if role > uint8(RoleTool) {
		return fmt.Errorf("%w: invalid role %d", codec.ErrCorruptData, role)
	}
	m.Role = Role(role)
	if m.Timestamp, err = d.Time(); err != nil {
		return err
	}
	count, err := d.Count()
	if err != nil {
		return err
	}
	if count > 0 {
		m.Parts = make([]Part, count)
		for i := range m.Parts {
			rec, err := d.NextRecord()
			if err != nil {
				return err
			}
			if m.Parts[i], err = decodePart(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodePart(p Part) []byte {
	switch v := p.(type) {
	case PartText:
		return []byte(v.Text)
	case PartJSON:
		return []byte(v.JSON)
	case PartToolCall:
		e := codec.NewEncoder()
		e.PutString(v.Name)
		e.PutString(v.Arguments)
		e.PutString(v.CallID)
		return e.Bytes()
	case PartToolResult:
		e := codec.NewEncoder()
		e.PutString(v.CallID)
		e.PutString(v.Output)
		e.PutBool(v.Success)
		return e.Bytes()
	case PartUnknown:
		return v.Raw
	default:
		return nil
	}
}

func decodePart(rec codec.Record) (Part, error) {
	switch rec.Tag {
	case partTagText:
		if !utf8.Valid(rec.Payload) {
			return nil, fmt.Errorf("%w: invalid utf-8 text part", codec.ErrCorruptData)
		}
		return PartText{Text: string(rec.Payload)}, nil
	case partTagJSON:
		if !utf8.Valid(rec.Payload) {
			return nil, fmt.Errorf("%w: invalid utf-8 json part", codec.ErrCorruptData)
		}
		return PartJSON{JSON: string(rec.Payload)}, nil
	case partTagToolCall:
		d := codec.NewDecoder(rec.Payload)
		var p PartToolCall
		var err error
		if p.Name, err = d.String(); err != nil {
			return nil, err
		}
		if p.Arguments, err = d.String(); err != nil {
			return nil, err
		}
		if p.CallID, err = d.String(); err != nil {
			return nil, err
		}
		return p, nil
	case partTagToolResult:
		d := codec.NewDecoder(rec.Payload)
		var p PartToolResult
		var err error
		if p.CallID, err = d.String(); err != nil {
			return nil, err
		}
		if p.Output, err = d.String(); err != nil {
			return nil, err
		}
		if p.Success, err = d.Bool(); err != nil {
			return nil, err
		}
		return p, nil
	default:
		// Preserve parts written by newer versions verbatim.
		raw := make([]byte, len(rec.Payload))
		copy(raw, rec.Payload)
		return PartUnknown{Tag: rec.Tag, Raw: raw}, nil
	}
}

// EncodeMeta serializes the session metadata record payload (uncompressed).
func EncodeMeta(m *SessionMeta) []byte {
	e := codec.NewEncoder()
	e.PutID(m.SessionID)
	e.PutString(m.Title)
	e.PutTime(m.CreatedAt)
	e.PutTime(m.UpdatedAt)
	e.PutString(m.Model)
	e.PutU8(uint8(m.Mode))
	e.PutString(m.User)
	e.PutU64(m.TotalTokens)
	e.PutU32(m.MessageCount)
	e.PutU32(m.TurnCount)
	e.PutU64(math.Float64bits(m.CompressionRatio))
	e.PutCount(len(m.Tags))
	for _, tag := range m.Tags {
		e.PutString(tag)
	}
	e.PutCount(len(m.Branches))
	for _, b := range m.Branches {
		e.PutID(b.ID)
		e.PutString(b.Name)
		e.PutString(b.Description)
		e.PutID(b.HeadID)
		e.PutID(b.FirstID)
		e.PutID(b.ParentID)
		e.PutTime(b.CreatedAt)
	}
	e.PutCount(len(m.Checkpoints))
	for _, cp := range m.Checkpoints {
		e.PutID(cp.ID)
		e.PutString(cp.Label)
		e.PutID(cp.SnapshotID)
		e.PutTime(cp.CreatedAt)
	}
	e.PutID(m.ActiveBranch)
	e.PutID(m.HeadID)
	return e.Bytes()
}

// DecodeMeta parses a session metadata record payload. Bytes past the known
// fields are ignored so future additions stay readable.
func DecodeMeta(data []byte) (*SessionMeta, error) {
	d := codec.NewDecoder(data)
	m := &SessionMeta{}
	var err error
	if m.SessionID, err = d.ID(); err != nil {
		return nil, fmt.Errorf("decode session id: %w", err)
	}
	if m.Title, err = d.String(); err != nil {
		return nil, fmt.Errorf("decode title: %w", err)
	}
	if m.CreatedAt, err = d.Time(); err != nil {
		return nil, fmt.Errorf("decode created at: %w", err)
	}
	if m.UpdatedAt, err = d.Time(); err != nil {
		return nil, fmt.Errorf("decode updated at: %w", err)
	}
	if m.Model, err = d.String(); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	mode, err := d.U8()
	if err != nil {
		return nil, fmt.Errorf("decode mode: %w", err)
	}
	if mode > uint8(ModeReview) {
		return nil, fmt.Errorf("%w: invalid mode %d", codec.ErrCorruptData, mode)
	}
	m.Mode = Mode(mode)
	if m.User, err = d.String(); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if m.TotalTokens, err = d.U64(); err != nil {
		return nil, fmt.Errorf("decode total tokens: %w", err)
	}
	if m.MessageCount, err = d.U32(); err != nil {
		return nil, fmt.Errorf("decode message count: %w", err)
	}
	if m.TurnCount, err = d.U32(); err != nil {
		return nil, fmt.Errorf("decode turn count: %w", err)
	}
	ratioBits, err := d.U64()
	if err != nil {
		return nil, fmt.Errorf("decode compression ratio: %w", err)
	}
	m.CompressionRatio = math.Float64frombits(ratioBits)
	tags, err := d.Count()
	if err != nil {
		return nil, fmt.Errorf("decode tag count: %w", err)
	}
	if tags > 0 {
		m.Tags = make([]string, tags)
		for i := range m.Tags {
			if m.Tags[i], err = d.String(); err != nil {
				return nil, fmt.Errorf("decode tag %d: %w", i, err)
			}
		}
	}
	branches, err := d.Count()
	if err != nil {
		return nil, fmt.Errorf("decode branch count: %w", err)
	}
	if branches > 0 {
		m.Branches = make([]Branch, branches)
		for i := range m.Branches {
			b := &m.Branches[i]
			if b.ID, err = d.ID(); err != nil {
				return nil, fmt.Errorf("decode branch %d: %w", i, err)
			}
			if b.Name, err = d.String(); err != nil {
				return nil, fmt.Errorf("decode branch %d: %w", i, err)
			}
			if b.Description, err = d.String(); err != nil {
				return nil, fmt.Errorf("decode branch %d: %w", i, err)
			}
			if b.HeadID, err = d.ID(); err != nil {
				return nil, fmt.Errorf("decode branch %d: %w", i, err)
			}
			if b.FirstID, err = d.ID(); err != nil {
				return nil, fmt.Errorf("decode branch %d: %w", i, err)
			}
			if b.ParentID, err = d.ID(); err != nil {
				return nil, fmt.Errorf("decode branch %d: %w", i, err)
			}
			if b.CreatedAt, err = d.Time(); err != nil {
				return nil, fmt.Errorf("decode branch %d: %w", i, err)
			}
		}
	}
	checkpoints, err := d.Count()
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint count: %w", err)
	}
	if checkpoints > 0 {
		m.Checkpoints = make([]Checkpoint, checkpoints)
		for i := range m.Checkpoints {
			cp := &m.Checkpoints[i]
			if cp.ID, err = d.ID(); err != nil {
				return nil, fmt.Errorf("decode checkpoint %d: %w", i, err)
			}
			if cp.Label, err = d.String(); err != nil {
				return nil, fmt.Errorf("decode checkpoint %d: %w", i, err)
			}
			if cp.SnapshotID, err = d.ID(); err != nil {
				return nil, fmt.Errorf("decode checkpoint %d: %w", i, err)
			}
			if cp.CreatedAt, err = d.Time(); err != nil {
				return nil, fmt.Errorf("decode checkpoint %d: %w", i, err)
			}
		}
	}
	if m.ActiveBranch, err = d.ID(); err != nil {
		return nil, fmt.Errorf("decode active branch: %w", err)
	}
	if m.HeadID, err = d.ID(); err != nil {
		return nil, fmt.Errorf("decode head: %w", err)
	}
	return m, nil
}
