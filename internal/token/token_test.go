package token

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountEmpty(t *testing.T) {
	assert.Equal(t, 0, Count(""))
}

func TestCountGrowsWithText(t *testing.T) {
	cases := []struct {
		name string
		text string
		min  int
	}{
		{"single word", "hello", 1},
		{"sentence", "the quick brown fox jumps over the lazy dog", 5},
		{"paragraph", strings.Repeat("orchestrate every process ", 20), 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.GreaterOrEqual(t, Count(tc.text), tc.min, "Count(%q)", tc.text)
		})
	}

	short := Count("one sentence of text")
	long := Count(strings.Repeat("one sentence of text ", 50))
	assert.Greater(t, long, short)
}

func TestCountMatchesEncodingWhenAvailable(t *testing.T) {
	if enc() == nil {
		t.Skip("cl100k_base unavailable, heuristic in use")
	}
	// "hello world" is 2 tokens with cl100k_base.
	assert.Equal(t, 2, Count("hello world"))
}

func TestEstimateHeuristics(t *testing.T) {
	cases := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"whitespace", "  \n\t ", 0},
		{"word count wins", "a b c d", 4},
		{"rune count wins", strings.Repeat("x", 40), 10},
		{"floor of one", "hi", 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, estimate(tc.text))
		})
	}
}

func TestTruncateWithinBudget(t *testing.T) {
	text := "short enough"
	assert.Equal(t, text, Truncate(text, 100))
}

func TestTruncateDisabled(t *testing.T) {
	text := strings.Repeat("anything at all ", 50)
	assert.Equal(t, text, Truncate(text, 0))
	assert.Equal(t, text, Truncate(text, -1))
}

func TestTruncateCutsLongText(t *testing.T) {
	text := strings.Repeat("hello world ", 200)
	got := Truncate(text, 5)
	require.NotEqual(t, text, got)
	assert.Less(t, len(got), len(text))
	assert.True(t, strings.HasPrefix(text, got), "truncation keeps a prefix")
}
