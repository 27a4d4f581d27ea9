// internal/tokencount/tokencount_test.go
package tokencount

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"agcx/internal/snapshot"
)

func TestCounter_CountText(t *testing.T) {
	c := New("cl100k_base")

	if got := c.CountText(""); got != 0 {
		t.Errorf("Expected 0 tokens for empty text, got %d", got)
	}
	short := c.CountText("hello")
	long := c.CountText(strings.Repeat("hello world this is a longer sentence. ", 20))
	if short < 1 {
		t.Errorf("Expected at least 1 token, got %d", short)
	}
	if long <= short {
		t.Errorf("Expected longer text to count more tokens: %d vs %d", long, short)
	}
}

func TestCounter_CountMessages(t *testing.T) {
	c := New("cl100k_base")
	messages := []snapshot.Message{
		{
			ID:        uuid.New(),
			Role:      snapshot.RoleUser,
			Timestamp: time.Now().UTC(),
			Parts:     []snapshot.Part{snapshot.PartText{Text: "refactor the storage layer"}},
		},
		{
			ID:        uuid.New(),
			Role:      snapshot.RoleAssistant,
			Timestamp: time.Now().UTC(),
			Parts: []snapshot.Part{
				snapshot.PartToolCall{Name: "read_file", Arguments: `{"path":"main.go"}`, CallID: "c1"},
				snapshot.PartToolResult{CallID: "c1", Output: "package main", Success: true},
			},
		},
	}

	total := c.CountMessages(messages)
	// 2 messages x 4 overhead, 2 x 8 tool overhead, plus content.
	if total < 24 {
		t.Errorf("Expected at least structural overhead of 24, got %d", total)
	}
	if got := c.CountMessages(nil); got != 0 {
		t.Errorf("Expected 0 for no messages, got %d", got)
	}
}

func TestHeuristicTokenCount(t *testing.T) {
	if got := heuristicTokenCount(""); got != 0 {
		t.Errorf("Expected 0 for empty string, got %d", got)
	}
	if got := heuristicTokenCount("a"); got != 1 {
		t.Errorf("Expected minimum 1 token, got %d", got)
	}

	ascii := heuristicTokenCount(strings.Repeat("a", 100))
	if ascii != 25 {
		t.Errorf("Expected 25 tokens for 100 ASCII chars, got %d", ascii)
	}
	cjk := heuristicTokenCount(strings.Repeat("你", 100))
	if cjk != 150 {
		t.Errorf("Expected 150 tokens for 100 CJK chars, got %d", cjk)
	}
}

func TestModelToEncoding(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"", "cl100k_base"},
		{"gpt-4o-mini", "o200k_base"},
		{"o1-preview", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"gpt-3.5-turbo", "cl100k_base"},
		{"claude-sonnet", "cl100k_base"},
		{"  GPT-4O  ", "o200k_base"},
		{"something-else", "cl100k_base"},
	}
	for _, tc := range cases {
		if got := modelToEncoding(tc.model); got != tc.want {
			t.Errorf("modelToEncoding(%q): expected %s, got %s", tc.model, tc.want, got)
		}
	}
}

func TestDefault_Singleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Expected Default to return the same instance")
	}
	if a.EncodingName() != "cl100k_base" {
		t.Errorf("Expected cl100k_base, got %s", a.EncodingName())
	}
}
