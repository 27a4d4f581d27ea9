// internal/codec/codec.go
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// All multi-byte integers are little-endian. Variable-length fields carry a
// u32 length prefix. Identifiers are 16 raw bytes. Timestamps are signed
// 64-bit microseconds since the Unix epoch.

var (
	// ErrCorruptData indicates a structural decoding failure.
	ErrCorruptData = errors.New("corrupt data")
	// ErrShortRecord indicates a length prefix pointing past the end of input.
	ErrShortRecord = fmt.Errorf("%w: truncated record", ErrCorruptData)
)

// SkippedRecord describes an unrecognized record that was passed over
// during decoding. Skipping is the forward-compatibility path: newer
// writers may emit tags this reader does not know.
type SkippedRecord struct {
	Tag    byte
	Offset int
	Length int
}

// Encoder builds a byte buffer of primitives and framed records.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Bytes returns the encoded buffer. The slice aliases the Encoder's storage.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len reports the number of encoded bytes.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// Reset clears the buffer for reuse.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

func (e *Encoder) PutU8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutU16(v uint16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) PutU32(v uint32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) PutU64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) PutI64(v int64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, uint64(v))
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// PutString appends a u32 length prefix followed by the UTF-8 bytes.
func (e *Encoder) PutString(s string) {
	e.PutU32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// PutBytes appends a u32 length prefix followed by the raw bytes.
func (e *Encoder) PutBytes(b []byte) {
	e.PutU32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// PutID appends the 16 raw identifier bytes with no prefix.
func (e *Encoder) PutID(id uuid.UUID) {
	e.buf = append(e.buf, id[:]...)
}

// PutTime appends the timestamp as i64 microseconds since the epoch.
func (e *Encoder) PutTime(t time.Time) {
	e.PutI64(t.UnixMicro())
}

// PutCount appends a sequence count as u32.
func (e *Encoder) PutCount(n int) {
	e.PutU32(uint32(n))
}

// PutRecord appends a framed record: tag byte, u32 payload length, payload.
func (e *Encoder) PutRecord(tag byte, payload []byte) {
	e.buf = append(e.buf, tag)
	e.PutU32(uint32(len(payload)))
	e.buf = append(e.buf, payload...)
}

// AppendRecord frames a record onto dst and returns the extended slice.
func AppendRecord(dst []byte, tag byte, payload []byte) []byte {
	dst = append(dst, tag)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// RecordSize reports the framed size of a payload of n bytes.
func RecordSize(n int) int {
	return 1 + 4 + n
}

// Record is one framed unit in a record stream.
type Record struct {
	Tag     byte
	Payload []byte
	// Offset is the position of the tag byte within the decoded buffer.
	Offset int
}

// Decoder walks a byte buffer of primitives and framed records.
type Decoder struct {
	data []byte
	off  int

	// Skipped collects records passed to Skip, in encounter order.
	Skipped []SkippedRecord
}

// NewDecoder returns a Decoder over data. Returned byte slices alias data.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Remaining reports how many bytes are left.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.off
}

// Offset reports the current decode position.
func (d *Decoder) Offset() int {
	return d.off
}

func (d *Decoder) take(n int) ([]byte, error) {
	if n < 0 || d.Remaining() < n {
		return nil, ErrShortRecord
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *Decoder) U8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Decoder) U16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *Decoder) U32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Decoder) U64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *Decoder) I64() (int64, error) {
	v, err := d.U64()
	return int64(v), err
}

func (d *Decoder) Bool() (bool, error) {
	b, err := d.U8()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid bool byte %#x", ErrCorruptData, b)
	}
}

// String reads a u32-prefixed UTF-8 string. Invalid UTF-8 is corrupt data.
func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid utf-8 string", ErrCorruptData)
	}
	return string(b), nil
}

// Bytes reads a u32-prefixed byte field. The result aliases the input buffer.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	return d.take(int(n))
}

// ID reads 16 raw identifier bytes.
func (d *Decoder) ID() (uuid.UUID, error) {
	b, err := d.take(16)
	if err != nil {
		return uuid.Nil, err
	}
	var id uuid.UUID
	copy(id[:], b)
	return id, nil
}

// Time reads an i64 microsecond timestamp. The result is in UTC.
func (d *Decoder) Time() (time.Time, error) {
	v, err := d.I64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(v).UTC(), nil
}

// Count reads a u32 sequence count and bounds it against the remaining
// input so a corrupt count cannot drive a huge allocation.
func (d *Decoder) Count() (int, error) {
	n, err := d.U32()
	if err != nil {
		return 0, err
	}
	if int(n) > d.Remaining() {
		return 0, fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrCorruptData, n, d.Remaining())
	}
	return int(n), nil
}

// More reports whether any bytes remain.
func (d *Decoder) More() bool {
	return d.Remaining() > 0
}

// NextRecord reads the next framed record. The payload aliases the input.
func (d *Decoder) NextRecord() (Record, error) {
	start := d.off
	tag, err := d.U8()
	if err != nil {
		return Record{}, err
	}
	payload, err := d.Bytes()
	if err != nil {
		return Record{}, err
	}
	return Record{Tag: tag, Payload: payload, Offset: start}, nil
}

// Skip notes rec as unrecognized. The record's bytes have already been
// consumed by NextRecord; this only makes the skip observable to callers.
func (d *Decoder) Skip(rec Record) {
	d.Skipped = append(d.Skipped, SkippedRecord{
		Tag:    rec.Tag,
		Offset: rec.Offset,
		Length: len(rec.Payload),
	})
}
