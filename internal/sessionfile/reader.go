// internal/sessionfile/reader.go
package sessionfile

import (
	"fmt"
	"hash/crc32"
	"log"

	"github.com/google/uuid"

	"agcx/internal/codec"
	"agcx/internal/compress"
	"agcx/internal/snapshot"
)

// File is a parsed, read-only view of a session file. It keeps a reference
// to the underlying bytes so individual snapshots can be decoded on demand,
// which makes it safe to back with a memory mapping.
type File struct {
	Header  Header
	Meta    *snapshot.SessionMeta
	Entries []IndexEntry
	// Skipped lists records with unrecognized tags, in file order.
	Skipped []codec.SkippedRecord
	// Recovered is set when the trailer or footer index was unusable and
	// the record stream was rebuilt by a linear scan.
	Recovered bool

	data  []byte
	byID  map[uuid.UUID]int
	crc   uint32
	bytes uint64
}

// Parse reads a complete session file image. Damaged trailers and footers
// are recovered by scanning the record stream; ErrInvalidMagic and
// ErrUnsupportedVersion are not recoverable.
func Parse(data []byte) (*File, error) {
	return parse(data, true)
}

// ParseTrusted is Parse without the checksum pass. Use it only on files
// this process already verified and still holds the lock for, where
// re-hashing the whole prefix per read would be wasted work.
func ParseTrusted(data []byte) (*File, error) {
	return parse(data, false)
}

func parse(data []byte, verify bool) (*File, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	f := &File{Header: header, data: data}

	if header.HasFooter() {
		err := f.parseWithFooter(verify)
		if err == nil {
			f.buildLookup()
			return f, nil
		}
		log.Printf("[SessionFile] footer unusable for %s, falling back to scan: %v", header.SessionID, err)
		f.Recovered = true
	}

	if err := f.scan(); err != nil {
		return nil, err
	}
	f.buildLookup()
	return f, nil
}

// parseWithFooter validates the trailer checksum and loads the footer
// index, then walks the record headers before the footer to pick up the
// newest metadata record.
func (f *File) parseWithFooter(verify bool) error {
	footerOff, wantCRC, ok := decodeTrailer(f.data)
	if ok {
		ok = footerOff >= headerSize && footerOff <= uint64(len(f.data)-trailerSize)
	}
	if !ok {
		return fmt.Errorf("trailer out of range")
	}
	if verify {
		if got := crc32.Checksum(f.data[:footerOff], castagnoli); got != wantCRC {
			return fmt.Errorf("checksum mismatch: file %#x, computed %#x", wantCRC, got)
		}
	}

	footerDec := codec.NewDecoder(f.data[footerOff:])
	footerRec, err := footerDec.NextRecord()
	if err != nil {
		return fmt.Errorf("read footer record: %w", err)
	}
	if footerRec.Tag != TagFooter {
		return fmt.Errorf("record at footer offset has tag %#x", footerRec.Tag)
	}
	entries, err := decodeFooter(footerRec.Payload)
	if err != nil {
		return fmt.Errorf("decode footer: %w", err)
	}

	// The newest metadata record wins; older ones are superseded appends.
	var metaPayload []byte
	d := codec.NewDecoder(f.data[headerSize:footerOff])
	for d.More() {
		rec, err := d.NextRecord()
		if err != nil {
			return fmt.Errorf("walk records: %w", err)
		}
		switch rec.Tag {
		case TagMetadata:
			metaPayload = rec.Payload
		case TagSnapshot, TagFooter:
		default:
			d.Skip(rec)
		}
	}
	if metaPayload == nil {
		return fmt.Errorf("no metadata record before footer")
	}
	meta, err := f.decodeMeta(metaPayload)
	if err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}

	f.Meta = meta
	f.Entries = entries
	f.Skipped = d.Skipped
	f.crc = wantCRC
	f.bytes = footerOff
	return nil
}

// scan rebuilds the file view from the raw record stream. It keeps every
// record that parses and stops at the first framing error, which is where
// a torn write left the file.
func (f *File) scan() error {
	d := codec.NewDecoder(f.data[headerSize:])
	var metaPayload []byte
	var entries []IndexEntry

	for d.More() {
		start := d.Offset()
		rec, err := d.NextRecord()
		if err != nil {
			break
		}
		switch rec.Tag {
		case TagMetadata:
			metaPayload = rec.Payload
		case TagSnapshot:
			snap, err := f.decodeSnapshot(rec.Payload)
			if err != nil {
				log.Printf("[SessionFile] skipping undecodable snapshot record at offset %d: %v", headerSize+start, err)
				continue
			}
			entries = append(entries, IndexEntry{
				SnapshotID: snap.ID,
				Offset:     uint64(headerSize + start),
				Size:       uint32(codec.RecordSize(len(rec.Payload))),
				TurnIndex:  snap.Metadata.TurnNumber,
			})
		case TagFooter:
			// Superseded by the scan itself.
		default:
			d.Skip(rec)
		}
	}

	if metaPayload == nil {
		return fmt.Errorf("%w: no usable metadata record", codec.ErrCorruptData)
	}
	meta, err := f.decodeMeta(metaPayload)
	if err != nil {
		return fmt.Errorf("%w: metadata record undecodable: %v", codec.ErrCorruptData, err)
	}

	f.Meta = meta
	f.Entries = entries
	f.Skipped = d.Skipped
	scanEnd := uint64(headerSize + d.Offset())
	f.crc = crc32.Checksum(f.data[:scanEnd], castagnoli)
	f.bytes = scanEnd
	return nil
}

func (f *File) decodeMeta(payload []byte) (*snapshot.SessionMeta, error) {
	raw, err := f.inflate(payload)
	if err != nil {
		return nil, err
	}
	return snapshot.DecodeMeta(raw)
}

func (f *File) decodeSnapshot(payload []byte) (*snapshot.Snapshot, error) {
	raw, err := f.inflate(payload)
	if err != nil {
		return nil, err
	}
	return snapshot.Decode(raw)
}

func (f *File) inflate(payload []byte) ([]byte, error) {
	if !f.Header.Compressed() {
		return payload, nil
	}
	return compress.Decompress(payload)
}

func (f *File) buildLookup() {
	f.byID = make(map[uuid.UUID]int, len(f.Entries))
	for i, entry := range f.Entries {
		f.byID[entry.SnapshotID] = i
	}
}

// Lookup returns the index entry for a snapshot id.
func (f *File) Lookup(id uuid.UUID) (IndexEntry, bool) {
	i, ok := f.byID[id]
	if !ok {
		return IndexEntry{}, false
	}
	return f.Entries[i], true
}

// Snapshot decodes one snapshot by id.
func (f *File) Snapshot(id uuid.UUID) (*snapshot.Snapshot, error) {
	entry, ok := f.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	return f.SnapshotAt(entry)
}

// SnapshotAt decodes the snapshot record the entry points at.
func (f *File) SnapshotAt(entry IndexEntry) (*snapshot.Snapshot, error) {
	end := entry.Offset + uint64(entry.Size)
	if entry.Offset < headerSize || end > uint64(len(f.data)) {
		return nil, fmt.Errorf("%w: index entry out of range", codec.ErrCorruptData)
	}
	d := codec.NewDecoder(f.data[entry.Offset:end])
	rec, err := d.NextRecord()
	if err != nil {
		return nil, err
	}
	if rec.Tag != TagSnapshot {
		return nil, fmt.Errorf("%w: entry points at tag %#x", codec.ErrCorruptData, rec.Tag)
	}
	snap, err := f.decodeSnapshot(rec.Payload)
	if err != nil {
		return nil, err
	}
	if snap.ID != entry.SnapshotID {
		return nil, fmt.Errorf("%w: snapshot id does not match index entry", codec.ErrCorruptData)
	}
	return snap, nil
}

// Snapshots decodes every indexed snapshot in file order.
func (f *File) Snapshots() ([]*snapshot.Snapshot, error) {
	out := make([]*snapshot.Snapshot, 0, len(f.Entries))
	for _, entry := range f.Entries {
		snap, err := f.SnapshotAt(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Size reports the total length of the parsed image in bytes.
func (f *File) Size() int64 {
	return int64(len(f.data))
}
