package knowledge

import (
	"regexp"
	"sort"
	"strings"
)

// SyntaxIssue is one malformed reference found by ValidateSyntax.
type SyntaxIssue struct {
	Position   int    `json:"position"`
	Length     int    `json:"length"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

var (
	singleBracketPattern = regexp.MustCompile(`\[([A-Z]+_\d+)\]`)
	missingClosePattern  = regexp.MustCompile(`\[\[([A-Z]+_\d+)\]`)
	missingOpenPattern   = regexp.MustCompile(`\[([A-Z]+_\d+)\]\]`)
	lowercasePattern     = regexp.MustCompile(`\[\[([A-Za-z]+_\d+)\]\]`)
	noUnderscorePattern  = regexp.MustCompile(`\[\[([A-Z]+)(\d+)\]\]`)
)

type span struct{ start, end int }

// ValidateSyntax flags near-miss reference spellings: single brackets,
// a missing bracket on either side, lowercase prefixes and a missing
// underscore. Well-formed references never produce findings; each span
// is reported at most once, most specific detector first.
func ValidateSyntax(text string) []SyntaxIssue {
	var issues []SyntaxIssue
	var claimed []span
	for _, m := range refPattern.FindAllStringIndex(text, -1) {
		claimed = append(claimed, span{m[0], m[1]})
	}
	claim := func(start, end int) bool {
		for _, c := range claimed {
			if start < c.end && c.start < end {
				return false
			}
		}
		claimed = append(claimed, span{start, end})
		return true
	}
	add := func(start, end int, msg, suggestion string) {
		if claim(start, end) {
			issues = append(issues, SyntaxIssue{
				Position:   start,
				Length:     end - start,
				Message:    msg,
				Suggestion: suggestion,
			})
		}
	}

	for _, m := range lowercasePattern.FindAllStringSubmatchIndex(text, -1) {
		id := text[m[2]:m[3]]
		us := strings.LastIndex(id, "_")
		prefix := id[:us]
		if prefix == strings.ToUpper(prefix) {
			continue
		}
		add(m[0], m[1], "reference prefix must be uppercase", "[["+strings.ToUpper(prefix)+id[us:]+"]]")
	}
	for _, m := range noUnderscorePattern.FindAllStringSubmatchIndex(text, -1) {
		add(m[0], m[1], "reference is missing the underscore between prefix and number",
			"[["+text[m[2]:m[3]]+"_"+text[m[4]:m[5]]+"]]")
	}
	for _, m := range missingClosePattern.FindAllStringSubmatchIndex(text, -1) {
		if m[1] < len(text) && text[m[1]] == ']' {
			continue // well-formed, second bracket follows
		}
		add(m[0], m[1], "reference is missing its closing bracket", "[["+text[m[2]:m[3]]+"]]")
	}
	for _, m := range missingOpenPattern.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > 0 && text[m[0]-1] == '[' {
			continue
		}
		add(m[0], m[1], "reference is missing its opening bracket", "[["+text[m[2]:m[3]]+"]]")
	}
	for _, m := range singleBracketPattern.FindAllStringSubmatchIndex(text, -1) {
		if m[0] > 0 && text[m[0]-1] == '[' {
			continue
		}
		if m[1] < len(text) && text[m[1]] == ']' {
			continue
		}
		add(m[0], m[1], "reference uses single brackets", "[["+text[m[2]:m[3]]+"]]")
	}

	sort.Slice(issues, func(i, j int) bool { return issues[i].Position < issues[j].Position })
	return issues
}
