// internal/compress/compress.go
package compress

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MaxDecompressedSize bounds how much a single record may decompress to.
// Anything larger is treated as hostile or corrupt input.
const MaxDecompressedSize = 256 << 20 // 256 MiB

var (
	// ErrMalformed indicates the input is not a valid compressed frame.
	ErrMalformed = errors.New("malformed compressed data")
	// ErrTooLarge indicates the decompressed payload would exceed MaxDecompressedSize.
	ErrTooLarge = errors.New("decompressed size exceeds limit")
)

// Level selects a compression preset. The numeric values are zstd levels.
type Level int

const (
	LevelFast     Level = 1
	LevelBalanced Level = 3
	LevelMaximum  Level = 9
)

// String returns the config name for the level.
func (l Level) String() string {
	switch l {
	case LevelFast:
		return "fast"
	case LevelBalanced:
		return "balanced"
	case LevelMaximum:
		return "maximum"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses a config value into a Level. Empty input means balanced.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "", "balanced":
		return LevelBalanced, nil
	case "fast":
		return LevelFast, nil
	case "maximum":
		return LevelMaximum, nil
	default:
		return 0, fmt.Errorf("unknown compression level %q", s)
	}
}

// Decompression is level-independent, so a single shared decoder serves
// every Compressor regardless of how the data was encoded.
var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderMaxMemory(MaxDecompressedSize),
			zstd.WithDecoderConcurrency(0),
		)
	})
	return decoder, decoderErr
}

// Compressor compresses byte blocks at a fixed preset level.
type Compressor struct {
	level   Level
	encoder *zstd.Encoder
}

// New creates a Compressor at the given preset.
func New(level Level) (*Compressor, error) {
	switch level {
	case LevelFast, LevelBalanced, LevelMaximum:
	default:
		return nil, fmt.Errorf("unknown compression level %d", level)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
	if err != nil {
		return nil, fmt.Errorf("create encoder: %w", err)
	}
	return &Compressor{level: level, encoder: encoder}, nil
}

// Level reports the preset the Compressor encodes with.
func (c *Compressor) Level() Level {
	return c.level
}

// Compress returns data as a zstd frame. Empty input yields a valid empty frame.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	return c.encoder.EncodeAll(data, nil), nil
}

// Decompress inflates a frame produced at any level.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	return Decompress(data)
}

// Decompress inflates a zstd frame without needing a Compressor. The
// decompressed size is capped at MaxDecompressedSize.
func Decompress(data []byte) ([]byte, error) {
	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTooLarge, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// Ratio reports compressed/original. An original size of zero reports 1.
func Ratio(originalSize, compressedSize int) float64 {
	if originalSize <= 0 {
		return 1
	}
	return float64(compressedSize) / float64(originalSize)
}

// NewWriter returns a streaming encoder at the Compressor's level for
// payloads too large to buffer whole.
func (c *Compressor) NewWriter(w io.Writer) (*zstd.Encoder, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(c.level))))
	if err != nil {
		return nil, fmt.Errorf("create stream encoder: %w", err)
	}
	return enc, nil
}

// NewReader returns a streaming decoder. Close it when done.
func NewReader(r io.Reader) (*zstd.Decoder, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		return nil, fmt.Errorf("create stream decoder: %w", err)
	}
	return dec, nil
}
