// internal/tokencount/tokencount.go
package tokencount

import (
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"agcx/internal/snapshot"
)

// Counter counts tokens with tiktoken when the BPE tables are available
// and falls back to a heuristic when they are not.
type Counter struct {
	encoder      *tiktoken.Tiktoken
	encodingName string
	fallback     bool
	mu           sync.RWMutex
}

var (
	defaultCounter     *Counter
	defaultCounterOnce sync.Once
)

// Default returns the shared counter with the cl100k_base encoding.
func Default() *Counter {
	defaultCounterOnce.Do(func() {
		defaultCounter = New("cl100k_base")
	})
	return defaultCounter
}

// New creates a counter for the named encoding. When tiktoken cannot
// initialize, for example offline without a BPE cache, the counter uses
// the heuristic instead.
func New(encodingName string) *Counter {
	c := &Counter{encodingName: encodingName}

	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		c.fallback = true
		return c
	}
	c.encoder = enc
	return c
}

// ForModel picks the encoding that matches a model name.
func ForModel(model string) *Counter {
	return New(modelToEncoding(model))
}

// CountText counts tokens in a single string.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if c.fallback {
		return heuristicTokenCount(text)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	tokens := c.encoder.Encode(text, nil, nil)
	return len(tokens)
}

// CountMessages returns the total token count of a message list,
// including per-message structural overhead.
func (c *Counter) CountMessages(messages []snapshot.Message) uint64 {
	total := uint64(0)
	for _, msg := range messages {
		total += c.countMessage(msg)
	}
	return total
}

// IsPrecise reports whether tiktoken is doing the counting.
func (c *Counter) IsPrecise() bool {
	return !c.fallback
}

// EncodingName returns the encoding this counter was built for.
func (c *Counter) EncodingName() string {
	return c.encodingName
}

func (c *Counter) countMessage(msg snapshot.Message) uint64 {
	// ~4 tokens of structural overhead per message.
	tokens := 4
	tokens += c.CountText(msg.Role.String())
	for _, part := range msg.Parts {
		switch p := part.(type) {
		case snapshot.PartText:
			tokens += c.CountText(p.Text)
		case snapshot.PartJSON:
			tokens += c.CountText(p.JSON)
		case snapshot.PartToolCall:
			tokens += c.CountText(p.Name)
			tokens += c.CountText(p.Arguments)
			tokens += 8
		case snapshot.PartToolResult:
			tokens += c.CountText(p.Output)
			tokens += 8
		case snapshot.PartUnknown:
			tokens += len(p.Raw) / 4
		}
	}
	return uint64(tokens)
}

// heuristicTokenCount estimates tokens when tiktoken is unavailable.
// CJK characters run roughly 1.5 tokens each, ASCII about 4 chars per
// token.
func heuristicTokenCount(text string) int {
	if text == "" {
		return 0
	}
	cjkCount := 0
	asciiCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		} else {
			asciiCount++
		}
	}
	estimate := int(float64(cjkCount)*1.5 + float64(asciiCount)*0.25)
	if estimate < 1 {
		estimate = 1
	}
	return estimate
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) || // CJK Unified
		(r >= 0x3400 && r <= 0x4DBF) || // CJK Extension A
		(r >= 0x3000 && r <= 0x303F) || // CJK Symbols
		(r >= 0xFF00 && r <= 0xFFEF) || // Fullwidth Forms
		(r >= 0xAC00 && r <= 0xD7AF) // Korean Hangul
}

// modelToEncoding maps a model name to its tiktoken encoding.
func modelToEncoding(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "cl100k_base"
	}
	if strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") {
		return "o200k_base"
	}
	if strings.HasPrefix(m, "gpt-4o") || strings.HasPrefix(m, "chatgpt-4o") {
		return "o200k_base"
	}
	if strings.HasPrefix(m, "gpt-4") || strings.HasPrefix(m, "gpt-3.5") {
		return "cl100k_base"
	}
	if strings.HasPrefix(m, "claude") {
		return "cl100k_base"
	}
	return "cl100k_base"
}
