// internal/sessionfile/writer.go
package sessionfile

import (
	"fmt"
	"hash/crc32"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"agcx/internal/codec"
	"agcx/internal/compress"
	"agcx/internal/snapshot"
	"agcx/internal/storage"
)

// Writer appends snapshots to a session file. Every Append is durable on
// return: records, a fresh metadata record, a fresh footer index and the
// trailer are written and synced. The writer holds an exclusive advisory
// lock on the file for its lifetime. A mutex serializes commits so a
// background auto-saver and a synchronous flush can share one writer.
type Writer struct {
	path   string
	f      *os.File
	unlock func()
	comp   *compress.Compressor

	mu        sync.Mutex
	header    Header
	footerOff uint64
	crc       uint32
	entries   []IndexEntry
	meta      *snapshot.SessionMeta

	rawBytes  uint64
	compBytes uint64
}

// Create writes a brand-new session file holding only the metadata record,
// then opens it for appending. The file must not already exist.
func Create(path string, meta *snapshot.SessionMeta, comp *compress.Compressor) (*Writer, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("create session file: %w: %s", fs.ErrExist, path)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("create session file: %w", err)
	}

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = meta.CreatedAt
	}

	image, err := BuildImage(meta, nil, comp)
	if err != nil {
		return nil, fmt.Errorf("build session file: %w", err)
	}
	if err := storage.WriteFileAtomic(path, image, 0o644); err != nil {
		return nil, fmt.Errorf("write session file: %w", err)
	}
	return Open(path, comp)
}

// Open parses an existing session file and prepares it for appending. A
// file with a damaged trailer is healed: the recovered record stream gets
// a fresh footer and trailer before Open returns.
func Open(path string, comp *compress.Compressor) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	unlock, err := storage.LockFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	// Read under the lock; the parsed footer offset is where appends land.
	data, err := os.ReadFile(path)
	if err != nil {
		unlock()
		f.Close()
		return nil, fmt.Errorf("read session file: %w", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		unlock()
		f.Close()
		return nil, err
	}

	w := &Writer{
		path:      path,
		f:         f,
		unlock:    unlock,
		comp:      comp,
		header:    parsed.Header,
		footerOff: parsed.bytes,
		crc:       parsed.crc,
		entries:   append([]IndexEntry(nil), parsed.Entries...),
		meta:      parsed.Meta,
	}

	if parsed.Recovered {
		// Rewrite the footer and trailer so the next reader does not need
		// another scan.
		log.Printf("[SessionFile] healing recovered file %s (%d snapshots)", path, len(w.entries))
		if err := w.Append(nil, parsed.Meta); err != nil {
			w.Close()
			return nil, fmt.Errorf("heal session file: %w", err)
		}
	}
	return w, nil
}

// Meta returns the metadata as of the last Append.
func (w *Writer) Meta() *snapshot.SessionMeta {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.meta
}

// Entries returns the live footer index.
func (w *Writer) Entries() []IndexEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.entries
}

// Path returns the file path the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Size reports the current file length including footer and trailer.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	footerLen := codec.RecordSize(len(encodeFooter(w.entries)))
	return int64(w.footerOff) + int64(footerLen) + trailerSize
}

// Contains reports whether a snapshot id is already on disk.
func (w *Writer) Contains(id uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.entries {
		if w.entries[i].SnapshotID == id {
			return true
		}
	}
	return false
}

// Batch is an append staged off the file: the snapshot and metadata
// record payloads are compressed and ready, with no offsets baked in.
// Staging is pure CPU work, so a caller can build the batch under its own
// state lock and commit the write without holding it.
type Batch struct {
	recs       []stagedRecord
	storedMeta []byte
	meta       snapshot.SessionMeta
	rawBytes   uint64
	compBytes  uint64
}

type stagedRecord struct {
	id     uuid.UUID
	turn   uint32
	stored []byte
}

// Stage compresses the snapshots and the updated metadata without
// touching the file.
func (w *Writer) Stage(snaps []*snapshot.Snapshot, meta *snapshot.SessionMeta) (*Batch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	b := &Batch{recs: make([]stagedRecord, 0, len(snaps))}
	for _, snap := range snaps {
		payload := snapshot.Encode(snap)
		stored, err := w.comp.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("compress snapshot %s: %w", snap.ID, err)
		}
		b.rawBytes += uint64(len(payload))
		b.compBytes += uint64(len(stored))
		b.recs = append(b.recs, stagedRecord{
			id:     snap.ID,
			turn:   snap.Metadata.TurnNumber,
			stored: stored,
		})
	}

	b.meta = *meta
	if w.rawBytes+b.rawBytes > 0 {
		b.meta.CompressionRatio = compress.Ratio(int(w.rawBytes+b.rawBytes), int(w.compBytes+b.compBytes))
	}
	storedMeta, err := w.comp.Compress(snapshot.EncodeMeta(&b.meta))
	if err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	b.storedMeta = storedMeta
	return b, nil
}

// Commit appends a staged batch. The records and the fresh footer are
// written and synced first; the trailer lands on a second sync, so a
// crash between the two loses only the trailer and the next open heals
// by linear scan.
func (w *Writer) Commit(b *Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf []byte
	newEntries := w.entries
	for _, rec := range b.recs {
		newEntries = append(newEntries, IndexEntry{
			SnapshotID: rec.id,
			Offset:     w.footerOff + uint64(len(buf)),
			Size:       uint32(codec.RecordSize(len(rec.stored))),
			TurnIndex:  rec.turn,
		})
		buf = codec.AppendRecord(buf, TagSnapshot, rec.stored)
	}
	buf = codec.AppendRecord(buf, TagMetadata, b.storedMeta)

	newFooterOff := w.footerOff + uint64(len(buf))
	newCRC := crc32.Update(w.crc, castagnoli, buf)
	buf = codec.AppendRecord(buf, TagFooter, encodeFooter(newEntries))

	bodyEnd := int64(w.footerOff) + int64(len(buf))
	if _, err := w.f.WriteAt(buf, int64(w.footerOff)); err != nil {
		return fmt.Errorf("append records: %w", err)
	}
	if err := w.f.Truncate(bodyEnd + trailerSize); err != nil {
		return fmt.Errorf("truncate stale tail: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync session file: %w", err)
	}
	if _, err := w.f.WriteAt(encodeTrailer(newFooterOff, newCRC), bodyEnd); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync trailer: %w", err)
	}

	w.rawBytes += b.rawBytes
	w.compBytes += b.compBytes
	w.footerOff = newFooterOff
	w.crc = newCRC
	w.entries = newEntries
	w.meta = &b.meta
	return nil
}

// Append writes the snapshots and the updated metadata, then replaces the
// footer and trailer. Passing no snapshots just rewrites the metadata.
func (w *Writer) Append(snaps []*snapshot.Snapshot, meta *snapshot.SessionMeta) error {
	b, err := w.Stage(snaps, meta)
	if err != nil {
		return err
	}
	return w.Commit(b)
}

// Close releases the advisory lock and the file handle.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	if w.unlock != nil {
		w.unlock()
		w.unlock = nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// BuildImage assembles a complete session file in memory: header, snapshot
// records in order, metadata record, footer index and trailer. Fork,
// migration and tests use it with storage.WriteFileAtomic.
func BuildImage(meta *snapshot.SessionMeta, snaps []*snapshot.Snapshot, comp *compress.Compressor) ([]byte, error) {
	header := Header{
		Version:   CurrentVersion,
		Flags:     FlagCompressed | FlagFooterIndex,
		SessionID: meta.SessionID,
		CreatedAt: meta.CreatedAt,
	}
	buf := encodeHeader(header)

	var rawTotal, compTotal uint64
	entries := make([]IndexEntry, 0, len(snaps))
	for _, snap := range snaps {
		payload := snapshot.Encode(snap)
		stored, err := comp.Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("compress snapshot %s: %w", snap.ID, err)
		}
		rawTotal += uint64(len(payload))
		compTotal += uint64(len(stored))
		entries = append(entries, IndexEntry{
			SnapshotID: snap.ID,
			Offset:     uint64(len(buf)),
			Size:       uint32(codec.RecordSize(len(stored))),
			TurnIndex:  snap.Metadata.TurnNumber,
		})
		buf = codec.AppendRecord(buf, TagSnapshot, stored)
	}

	metaCopy := *meta
	if rawTotal > 0 {
		metaCopy.CompressionRatio = compress.Ratio(int(rawTotal), int(compTotal))
	}
	storedMeta, err := comp.Compress(snapshot.EncodeMeta(&metaCopy))
	if err != nil {
		return nil, fmt.Errorf("compress metadata: %w", err)
	}
	buf = codec.AppendRecord(buf, TagMetadata, storedMeta)

	footerOff := uint64(len(buf))
	crc := crc32.Checksum(buf, castagnoli)
	buf = codec.AppendRecord(buf, TagFooter, encodeFooter(entries))
	buf = append(buf, encodeTrailer(footerOff, crc)...)
	return buf, nil
}
