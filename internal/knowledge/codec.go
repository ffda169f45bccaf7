package knowledge

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/internal/fault"
)

// frontmatter is the YAML block at the top of an entry file. Dates are
// stored as RFC 3339 strings so the files stay hand-editable.
type frontmatter struct {
	ID          string            `yaml:"id"`
	Type        string            `yaml:"type"`
	Status      string            `yaml:"status"`
	Timestamp   string            `yaml:"timestamp"`
	LastUpdated string            `yaml:"lastUpdated"`
	Tags        []string          `yaml:"tags,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`

	Priority   string   `yaml:"priority,omitempty"`
	Assignee   string   `yaml:"assignee,omitempty"`
	DueDate    string   `yaml:"dueDate,omitempty"`
	RelatedIDs []string `yaml:"relatedIds,omitempty"`

	Title           string   `yaml:"title,omitempty"`
	TargetDate      string   `yaml:"targetDate,omitempty"`
	Progress        *int     `yaml:"progress,omitempty"`
	RelatedIssueIDs []string `yaml:"relatedIssueIds,omitempty"`
}

// parseEntryFile decodes a markdown entry file: a YAML frontmatter block
// between --- separators followed by the markdown body.
func parseEntryFile(data []byte) (Entry, error) {
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, "---") {
		return Entry{}, fault.StoreCorrupt("missing frontmatter block")
	}
	rest := text[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return Entry{}, fault.StoreCorrupt("unterminated frontmatter block")
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return Entry{}, fault.WithCause(fault.ErrStoreCorrupt, err, "invalid frontmatter")
	}
	body := strings.TrimSpace(rest[end+4:])

	e := Entry{
		ID:              fm.ID,
		Type:            Type(fm.Type),
		Status:          Status(fm.Status),
		Tags:            fm.Tags,
		Metadata:        fm.Metadata,
		Content:         body,
		Priority:        fm.Priority,
		Assignee:        fm.Assignee,
		RelatedIDs:      fm.RelatedIDs,
		Title:           fm.Title,
		RelatedIssueIDs: fm.RelatedIssueIDs,
	}
	if fm.Progress != nil {
		e.Progress = *fm.Progress
	}
	var err error
	if e.Timestamp, err = parseStamp(fm.Timestamp, "timestamp"); err != nil {
		return Entry{}, err
	}
	if e.LastUpdated, err = parseStamp(fm.LastUpdated, "lastUpdated"); err != nil {
		return Entry{}, err
	}
	if e.DueDate, err = parseOptionalStamp(fm.DueDate, "dueDate"); err != nil {
		return Entry{}, err
	}
	if e.TargetDate, err = parseOptionalStamp(fm.TargetDate, "targetDate"); err != nil {
		return Entry{}, err
	}
	if e.ID == "" || !idPattern.MatchString(e.ID) {
		return Entry{}, fault.StoreCorrupt("frontmatter id %q is malformed", e.ID)
	}
	return e, nil
}

// renderEntryFile is the inverse of parseEntryFile.
func renderEntryFile(e Entry) ([]byte, error) {
	fm := frontmatter{
		ID:          e.ID,
		Type:        string(e.Type),
		Status:      string(e.Status),
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
		LastUpdated: e.LastUpdated.UTC().Format(time.RFC3339Nano),
		Tags:        e.Tags,
		Metadata:    e.Metadata,
	}
	switch e.Type {
	case TypeIssue:
		fm.Priority = e.Priority
		fm.Assignee = e.Assignee
		fm.RelatedIDs = e.RelatedIDs
		if e.DueDate != nil {
			fm.DueDate = e.DueDate.UTC().Format(time.RFC3339Nano)
		}
	case TypeMilestone:
		fm.Title = e.Title
		progress := e.Progress
		fm.Progress = &progress
		fm.RelatedIssueIDs = e.RelatedIssueIDs
		if e.TargetDate != nil {
			fm.TargetDate = e.TargetDate.UTC().Format(time.RFC3339Nano)
		}
	}

	block, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fault.WithCause(fault.ErrInternal, err, "marshal frontmatter")
	}
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(block)
	sb.WriteString("---\n\n")
	sb.WriteString(strings.TrimSpace(e.Content))
	sb.WriteString("\n")
	return []byte(sb.String()), nil
}

func parseStamp(value, field string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fault.WithCause(fault.ErrStoreCorrupt, err, "invalid %s", field)
	}
	return t, nil
}

func parseOptionalStamp(value, field string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := parseStamp(value, field)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
