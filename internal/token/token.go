// Package token counts and truncates text by model tokens, backed by
// tiktoken-go. The cl100k_base encoding initializes lazily on first use;
// when it cannot load, a character heuristic takes over so callers never
// fail on counting alone.
package token

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	once     sync.Once
	encoding *tiktoken.Tiktoken
)

func enc() *tiktoken.Tiktoken {
	once.Do(func() {
		if e, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			encoding = e
		}
	})
	return encoding
}

// Count returns the token count of text.
func Count(text string) int {
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	return estimate(text)
}

// Truncate cuts text down to at most maxTokens tokens. Text within the
// budget is returned unchanged. maxTokens <= 0 disables truncation.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if e := enc(); e != nil {
		tokens := e.Encode(text, nil, nil)
		if len(tokens) <= maxTokens {
			return text
		}
		return e.Decode(tokens[:maxTokens])
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit >= len(runes) {
		return text
	}
	return string(runes[:limit])
}

// estimate approximates tokens as max(runes/4, words).
func estimate(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	n := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); n < words {
		n = words
	}
	if n == 0 {
		n = 1
	}
	return n
}
