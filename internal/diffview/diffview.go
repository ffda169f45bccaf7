// Package diffview renders unified diff previews for knowledge file
// rewrites. Color is off by default so previews can travel inside JSON
// payloads; terminal callers opt in.
package diffview

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Preview is one rendered rewrite.
type Preview struct {
	Unified string `json:"unified"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
}

// Summary returns a short human-readable change count.
func (p Preview) Summary() string {
	if p.Added == 0 && p.Deleted == 0 {
		return "no changes"
	}
	parts := []string{}
	if p.Added > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", p.Added))
	}
	if p.Deleted > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", p.Deleted))
	}
	return strings.Join(parts, ", ")
}

// Renderer produces unified diffs.
type Renderer struct {
	colorEnabled bool
}

func NewRenderer(colorEnabled bool) *Renderer {
	return &Renderer{colorEnabled: colorEnabled}
}

// Unified diffs oldText against newText and renders a patch headed with
// the file name. Identical inputs yield a zero Preview.
func (r *Renderer) Unified(oldText, newText, name string) Preview {
	if oldText == newText {
		return Preview{}
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(oldText, diffs)
	body := dmp.PatchToText(patches)

	added, deleted := countChanges(diffs)
	return Preview{
		Unified: r.format(body, name),
		Added:   added,
		Deleted: deleted,
	}
}

func (r *Renderer) format(patchText, name string) string {
	var sb strings.Builder
	sb.WriteString(r.colorize("--- a/"+name+"\n", color.FgRed))
	sb.WriteString(r.colorize("+++ b/"+name+"\n", color.FgGreen))
	for _, line := range strings.Split(patchText, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			sb.WriteString(r.colorize(line+"\n", color.FgCyan))
		case strings.HasPrefix(line, "+"):
			sb.WriteString(r.colorize(line+"\n", color.FgGreen))
		case strings.HasPrefix(line, "-"):
			sb.WriteString(r.colorize(line+"\n", color.FgRed))
		case line != "":
			sb.WriteString(line + "\n")
		}
	}
	return sb.String()
}

func countChanges(diffs []diffmatchpatch.Diff) (added, deleted int) {
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			deleted += n
		}
	}
	return
}

func (r *Renderer) colorize(text string, attr color.Attribute) string {
	if !r.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}
