// internal/compress/compress_test.go
package compress

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCompressor_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello"),
		[]byte(strings.Repeat("the quick brown fox ", 200)),
		bytes.Repeat([]byte{0x00, 0xFF, 0x7A}, 5000),
	}

	for _, level := range []Level{LevelFast, LevelBalanced, LevelMaximum} {
		c, err := New(level)
		if err != nil {
			t.Fatalf("New(%v) failed: %v", level, err)
		}
		for i, payload := range payloads {
			compressed, err := c.Compress(payload)
			if err != nil {
				t.Fatalf("Compress failed at level %v payload %d: %v", level, i, err)
			}
			out, err := c.Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress failed at level %v payload %d: %v", level, i, err)
			}
			if !bytes.Equal(out, payload) {
				t.Errorf("Round trip mismatch at level %v payload %d", level, i)
			}
		}
	}
}

func TestCompressor_LevelOrdering(t *testing.T) {
	// Repetitive input of a few KiB so the presets have room to differ.
	input := []byte(strings.Repeat("conversation snapshot payload with repeated text. ", 100))
	if len(input) < 1024 {
		t.Fatalf("test input too small: %d", len(input))
	}

	sizes := make(map[Level]int)
	for _, level := range []Level{LevelFast, LevelBalanced, LevelMaximum} {
		c, err := New(level)
		if err != nil {
			t.Fatalf("New(%v) failed: %v", level, err)
		}
		compressed, err := c.Compress(input)
		if err != nil {
			t.Fatalf("Compress failed: %v", err)
		}
		sizes[level] = len(compressed)
	}

	if sizes[LevelMaximum] > sizes[LevelBalanced] {
		t.Errorf("Expected maximum <= balanced, got %d > %d", sizes[LevelMaximum], sizes[LevelBalanced])
	}
	if sizes[LevelBalanced] > sizes[LevelFast] {
		t.Errorf("Expected balanced <= fast, got %d > %d", sizes[LevelBalanced], sizes[LevelFast])
	}
}

func TestDecompress_AnyLevel(t *testing.T) {
	// Data written at maximum must decompress through a fast-level Compressor.
	max, _ := New(LevelMaximum)
	fast, _ := New(LevelFast)

	payload := []byte(strings.Repeat("level independence ", 64))
	compressed, err := max.Compress(payload)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	out, err := fast.Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Cross-level round trip mismatch")
	}
}

func TestDecompress_Malformed(t *testing.T) {
	cases := [][]byte{
		[]byte("not a zstd frame"),
		{0x28, 0xB5, 0x2F, 0xFD, 0xFF, 0xFF}, // valid magic, garbage frame header
	}
	for i, data := range cases {
		if _, err := Decompress(data); !errors.Is(err, ErrMalformed) {
			t.Errorf("case %d: expected ErrMalformed, got %v", i, err)
		}
	}
}

func TestDecompress_Truncated(t *testing.T) {
	c, _ := New(LevelBalanced)
	compressed, err := c.Compress([]byte(strings.Repeat("truncate me ", 500)))
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if _, err := Decompress(compressed[:len(compressed)/2]); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed on truncated frame, got %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"fast", LevelFast, false},
		{"balanced", LevelBalanced, false},
		{"maximum", LevelMaximum, false},
		{"", LevelBalanced, false},
		{"ultra", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRatio(t *testing.T) {
	if r := Ratio(1000, 250); r != 0.25 {
		t.Errorf("Expected 0.25, got %f", r)
	}
	if r := Ratio(0, 10); r != 1 {
		t.Errorf("Expected 1 for zero original, got %f", r)
	}
}
