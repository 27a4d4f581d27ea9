// internal/sessionfile/format.go
package sessionfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"

	"agcx/internal/codec"
)

// A session file is a 40-byte header, a stream of framed records, and a
// 12-byte trailer:
//
//	[0..4)    magic "AGCX"
//	[4..6)    u16 version
//	[6..8)    u16 flags
//	[8..24)   session id, 16 raw bytes
//	[24..32)  i64 created-at, microseconds
//	[32..40)  reserved, written as zero
//	[40..)    records: tag u8, u32 payload length, payload
//	last 12   u64 footer offset, u32 CRC32C over [0..footer offset)
//
// The footer record maps snapshot ids to file offsets so a single snapshot
// can be read without touching the rest of the file. Metadata and snapshot
// payloads are zstd frames when FlagCompressed is set; the footer payload
// is never compressed.

const (
	Magic          = "AGCX"
	CurrentVersion = uint16(1)

	FlagCompressed  = uint16(1 << 0)
	FlagFooterIndex = uint16(1 << 1)

	// Record tags. Readers skip tags they do not recognize.
	TagMetadata = byte(0x01)
	TagSnapshot = byte(0x02)
	TagFooter   = byte(0x7F)

	headerSize  = 40
	trailerSize = 12
)

var (
	// ErrInvalidMagic indicates the file does not start with "AGCX".
	ErrInvalidMagic = errors.New("invalid magic")
	// ErrUnsupportedVersion indicates a format version this build cannot read.
	ErrUnsupportedVersion = errors.New("unsupported format version")
	// ErrSnapshotNotFound indicates the requested snapshot is not in the file.
	ErrSnapshotNotFound = errors.New("snapshot not found in session file")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Header is the fixed 40-byte file prelude.
type Header struct {
	Version   uint16
	Flags     uint16
	SessionID uuid.UUID
	CreatedAt time.Time
}

// Compressed reports whether record payloads are zstd frames.
func (h Header) Compressed() bool {
	return h.Flags&FlagCompressed != 0
}

// HasFooter reports whether the file promises a footer index and trailer.
func (h Header) HasFooter() bool {
	return h.Flags&FlagFooterIndex != 0
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	copy(buf[8:24], h.SessionID[:])
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.CreatedAt.UnixMicro()))
	// [32..40) reserved, already zero
	return buf
}

// ParseHeader validates the prelude and returns it. A version other than
// CurrentVersion is reported via ErrUnsupportedVersion; callers that can
// migrate should sniff with FileVersion first.
func ParseHeader(data []byte) (Header, error) {
	h, err := parseHeaderAnyVersion(data)
	if err != nil {
		return Header{}, err
	}
	if h.Version != CurrentVersion {
		return Header{}, fmt.Errorf("%w: have %d, can read %d", ErrUnsupportedVersion, h.Version, CurrentVersion)
	}
	return h, nil
}

func parseHeaderAnyVersion(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, fmt.Errorf("%w: file shorter than header", ErrInvalidMagic)
	}
	if string(data[0:4]) != Magic {
		return Header{}, fmt.Errorf("%w: %q", ErrInvalidMagic, data[0:4])
	}
	var h Header
	h.Version = binary.LittleEndian.Uint16(data[4:6])
	h.Flags = binary.LittleEndian.Uint16(data[6:8])
	copy(h.SessionID[:], data[8:24])
	h.CreatedAt = time.UnixMicro(int64(binary.LittleEndian.Uint64(data[24:32]))).UTC()
	return h, nil
}

// FileVersion sniffs the magic and version from the first 6 bytes without
// validating the rest. Migration uses it to pick an upgrade path.
func FileVersion(data []byte) (uint16, error) {
	if len(data) < 6 {
		return 0, fmt.Errorf("%w: file shorter than magic", ErrInvalidMagic)
	}
	if string(data[0:4]) != Magic {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMagic, data[0:4])
	}
	return binary.LittleEndian.Uint16(data[4:6]), nil
}

// IndexEntry locates one snapshot record inside the file. Offset points at
// the record's tag byte; Size spans the whole framed record.
type IndexEntry struct {
	SnapshotID uuid.UUID
	Offset     uint64
	Size       uint32
	TurnIndex  uint32
}

func encodeFooter(entries []IndexEntry) []byte {
	e := codec.NewEncoder()
	e.PutCount(len(entries))
	for _, entry := range entries {
		e.PutID(entry.SnapshotID)
		e.PutU64(entry.Offset)
		e.PutU32(entry.Size)
		e.PutU32(entry.TurnIndex)
	}
	return e.Bytes()
}

func decodeFooter(payload []byte) ([]IndexEntry, error) {
	d := codec.NewDecoder(payload)
	count, err := d.Count()
	if err != nil {
		return nil, fmt.Errorf("decode footer count: %w", err)
	}
	entries := make([]IndexEntry, count)
	for i := range entries {
		entry := &entries[i]
		if entry.SnapshotID, err = d.ID(); err != nil {
			return nil, fmt.Errorf("decode footer entry %d: %w", i, err)
		}
		if entry.Offset, err = d.U64(); err != nil {
			return nil, fmt.Errorf("decode footer entry %d: %w", i, err)
		}
		if entry.Size, err = d.U32(); err != nil {
			return nil, fmt.Errorf("decode footer entry %d: %w", i, err)
		}
		if entry.TurnIndex, err = d.U32(); err != nil {
			return nil, fmt.Errorf("decode footer entry %d: %w", i, err)
		}
	}
	return entries, nil
}

func encodeTrailer(footerOffset uint64, crc uint32) []byte {
	buf := make([]byte, trailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], footerOffset)
	binary.LittleEndian.PutUint32(buf[8:12], crc)
	return buf
}

func decodeTrailer(data []byte) (footerOffset uint64, crc uint32, ok bool) {
	if len(data) < headerSize+trailerSize {
		return 0, 0, false
	}
	tail := data[len(data)-trailerSize:]
	return binary.LittleEndian.Uint64(tail[0:8]), binary.LittleEndian.Uint32(tail[8:12]), true
}
