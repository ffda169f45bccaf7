package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"conductor/internal/fault"
	"conductor/internal/knowledge"
)

type recordIssueArgs struct {
	Content    string            `json:"content"`
	Status     string            `json:"status"`
	Priority   string            `json:"priority"`
	Assignee   string            `json:"assignee"`
	DueDate    string            `json:"due_date"`
	Tags       []string          `json:"tags"`
	RelatedIDs []string          `json:"related_ids"`
	Metadata   map[string]string `json:"metadata"`
}

type updateIssueArgs struct {
	IssueID    string            `json:"issue_id"`
	Content    string            `json:"content"`
	Status     string            `json:"status"`
	Priority   string            `json:"priority"`
	Assignee   string            `json:"assignee"`
	DueDate    string            `json:"due_date"`
	Tags       []string          `json:"tags"`
	RelatedIDs []string          `json:"related_ids"`
	Metadata   map[string]string `json:"metadata"`
}

type listIssuesArgs struct {
	Status    string   `json:"status"`
	Tags      []string `json:"tags"`
	Priority  string   `json:"priority"`
	ProcessID string   `json:"process_id"`
	FullText  string   `json:"full_text"`
	SortBy    string   `json:"sort_by"`
	SortOrder string   `json:"sort_order"`
	Limit     int      `json:"limit"`
	Offset    int      `json:"offset"`
}

type setMilestoneArgs struct {
	Title           string   `json:"title"`
	Content         string   `json:"content"`
	Status          string   `json:"status"`
	TargetDate      string   `json:"target_date"`
	Progress        *int     `json:"progress"`
	RelatedIssueIDs []string `json:"related_issue_ids"`
	Tags            []string `json:"tags"`
}

type renameIDArgs struct {
	OldID  string `json:"old_id"`
	NewID  string `json:"new_id"`
	DryRun bool   `json:"dry_run"`
}

func registerIssueTools(srv *server.MCPServer, deps Deps) {
	srv.AddTool(mcp.NewTool("record_issue",
		mcp.WithDescription("Record a new issue in the knowledge store. The body may cross-reference other entries with [[ID]] tokens."),
		mcp.WithString("content", mcp.Required(), mcp.Description("Markdown body of the issue.")),
		mcp.WithString("status", mcp.Description("Initial status; defaults to open."), mcp.Enum("open", "in-progress", "completed", "archived")),
		mcp.WithString("priority", mcp.Description("Defaults to medium."), mcp.Enum("low", "medium", "high")),
		mcp.WithString("assignee", mcp.Description("Who owns the issue.")),
		mcp.WithString("due_date", mcp.Description("RFC 3339 timestamp or YYYY-MM-DD date.")),
		mcp.WithArray("tags", mcp.Description("Tags, each matching [A-Za-z0-9_-]+."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("related_ids", mcp.Description("IDs of related entries."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("metadata", mcp.Description("Free-form string metadata; set processId to tie the issue to a process.")),
	), recordIssue(deps))

	srv.AddTool(mcp.NewTool("get_issue",
		mcp.WithDescription("Fetch one issue by id."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue id, e.g. ISSUE_42.")),
	), getIssue(deps))

	srv.AddTool(mcp.NewTool("update_issue",
		mcp.WithDescription("Update fields of an existing issue. Omitted or empty fields keep their current values; a status change relocates the entry file."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue id, e.g. ISSUE_42.")),
		mcp.WithString("content", mcp.Description("Replacement markdown body.")),
		mcp.WithString("status", mcp.Description("New status."), mcp.Enum("open", "in-progress", "completed", "archived")),
		mcp.WithString("priority", mcp.Description("New priority."), mcp.Enum("low", "medium", "high")),
		mcp.WithString("assignee", mcp.Description("New assignee.")),
		mcp.WithString("due_date", mcp.Description("RFC 3339 timestamp or YYYY-MM-DD date.")),
		mcp.WithArray("tags", mcp.Description("Replacement tag set."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("related_ids", mcp.Description("Replacement related id set."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("metadata", mcp.Description("Merged into the existing metadata.")),
	), updateIssue(deps))

	srv.AddTool(mcp.NewTool("delete_issue",
		mcp.WithDescription("Delete an issue. References pointing at it become broken and show up in find_broken_references."),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue id, e.g. ISSUE_42.")),
	), deleteIssue(deps))

	srv.AddTool(mcp.NewTool("list_issues",
		mcp.WithDescription("Search issues with filtering, sorting and paging."),
		mcp.WithString("status", mcp.Description("Only issues in this state."), mcp.Enum("open", "in-progress", "completed", "archived")),
		mcp.WithArray("tags", mcp.Description("Issues carrying at least one of these tags."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("priority", mcp.Description("Only issues with this priority."), mcp.Enum("low", "medium", "high")),
		mcp.WithString("process_id", mcp.Description("Only issues whose metadata ties them to this process.")),
		mcp.WithString("full_text", mcp.Description("Case-insensitive substring match over issue bodies.")),
		mcp.WithString("sort_by", mcp.Description("Sort key; defaults to lastUpdated."), mcp.Enum("timestamp", "lastUpdated", "priority")),
		mcp.WithString("sort_order", mcp.Description("Sort direction; defaults to desc."), mcp.Enum("asc", "desc")),
		mcp.WithNumber("limit", mcp.Description("Maximum issues to return; 0 returns all.")),
		mcp.WithNumber("offset", mcp.Description("Issues to skip before the first result.")),
	), listIssues(deps))
}

func registerMilestoneTools(srv *server.MCPServer, deps Deps) {
	srv.AddTool(mcp.NewTool("get_milestone",
		mcp.WithDescription("Fetch the project milestone."),
	), getMilestone(deps))

	srv.AddTool(mcp.NewTool("set_milestone",
		mcp.WithDescription("Create the project milestone or update the existing one. The milestone is a singleton."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Milestone title.")),
		mcp.WithString("content", mcp.Description("Markdown body.")),
		mcp.WithString("status", mcp.Description("Lifecycle state."), mcp.Enum("open", "in-progress", "completed", "archived")),
		mcp.WithString("target_date", mcp.Description("RFC 3339 timestamp or YYYY-MM-DD date.")),
		mcp.WithNumber("progress", mcp.Description("Completion percentage, 0 to 100.")),
		mcp.WithArray("related_issue_ids", mcp.Description("Issues this milestone tracks."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithArray("tags", mcp.Description("Tags, each matching [A-Za-z0-9_-]+."), mcp.Items(map[string]any{"type": "string"})),
	), setMilestone(deps))
}

func registerReferenceTools(srv *server.MCPServer, deps Deps) {
	srv.AddTool(mcp.NewTool("resolve_references",
		mcp.WithDescription("Extract [[ID]] references from text and report which ones resolve to stored entries."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to scan.")),
	), resolveReferences(deps))

	srv.AddTool(mcp.NewTool("find_broken_references",
		mcp.WithDescription("Scan every stored entry for references to ids that no longer exist."),
	), findBrokenReferences(deps))

	srv.AddTool(mcp.NewTool("rename_knowledge_id",
		mcp.WithDescription("Rename an entry id and rewrite every [[reference]] to it. With dry_run the rewrite is previewed without touching any file."),
		mcp.WithString("old_id", mcp.Required(), mcp.Description("Current id.")),
		mcp.WithString("new_id", mcp.Required(), mcp.Description("Replacement id; must keep the PREFIX_N shape and be unused.")),
		mcp.WithBoolean("dry_run", mcp.Description("Preview the rewrite without applying it.")),
	), renameKnowledgeID(deps))

	srv.AddTool(mcp.NewTool("reference_stats",
		mcp.WithDescription("Aggregate reference counts across the knowledge store."),
	), referenceStats(deps))

	srv.AddTool(mcp.NewTool("validate_knowledge_syntax",
		mcp.WithDescription("Lint [[ID]] reference syntax in text: malformed brackets, bad id shapes, nesting."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Text to lint.")),
	), validateKnowledgeSyntax(deps))
}

// parseDate accepts RFC 3339 or a bare YYYY-MM-DD date. Empty means
// not provided.
func parseDate(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t, nil
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return &t, nil
	}
	return nil, fault.InvalidRequest("%s %q must be RFC 3339 or YYYY-MM-DD", field, value)
}

// requireIssueID rejects ids that cannot name an issue before any store
// access.
func requireIssueID(id string) error {
	if !strings.HasPrefix(id, "ISSUE_") {
		return fault.InvalidRequest("issue id %q must start with ISSUE_", id)
	}
	return nil
}

func recordIssue(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a recordIssueArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if strings.TrimSpace(a.Content) == "" {
			return toolError(fault.InvalidRequest("content is required"))
		}
		if a.Status != "" && !knowledge.Status(a.Status).Valid() {
			return toolError(fault.InvalidRequest("unknown status %q", a.Status))
		}
		due, err := parseDate("due_date", a.DueDate)
		if err != nil {
			return toolError(err)
		}

		entry, err := deps.Knowledge.CreateIssue(knowledge.Entry{
			Content:    a.Content,
			Status:     knowledge.Status(a.Status),
			Priority:   a.Priority,
			Assignee:   a.Assignee,
			DueDate:    due,
			Tags:       a.Tags,
			RelatedIDs: a.RelatedIDs,
			Metadata:   a.Metadata,
		})
		if err != nil {
			return toolError(err)
		}
		return respond(fmt.Sprintf("Recorded %s (%s, %s)", entry.ID, entry.Priority, entry.Status), entry)
	}
}

func getIssue(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("issue_id")
		if err != nil {
			return bindError(err)
		}
		if err := requireIssueID(id); err != nil {
			return toolError(err)
		}
		entry, err := deps.Knowledge.Get(id)
		if err != nil {
			return toolError(err)
		}
		return respond(fmt.Sprintf("Issue %s is %s", entry.ID, entry.Status), entry)
	}
}

func updateIssue(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a updateIssueArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if err := requireIssueID(a.IssueID); err != nil {
			return toolError(err)
		}
		if a.Status != "" && !knowledge.Status(a.Status).Valid() {
			return toolError(fault.InvalidRequest("unknown status %q", a.Status))
		}
		due, err := parseDate("due_date", a.DueDate)
		if err != nil {
			return toolError(err)
		}

		entry, err := deps.Knowledge.Update(a.IssueID, func(e *knowledge.Entry) {
			if a.Content != "" {
				e.Content = a.Content
			}
			if a.Status != "" {
				e.Status = knowledge.Status(a.Status)
			}
			if a.Priority != "" {
				e.Priority = a.Priority
			}
			if a.Assignee != "" {
				e.Assignee = a.Assignee
			}
			if due != nil {
				e.DueDate = due
			}
			if a.Tags != nil {
				e.Tags = a.Tags
			}
			if a.RelatedIDs != nil {
				e.RelatedIDs = a.RelatedIDs
			}
			for k, v := range a.Metadata {
				if e.Metadata == nil {
					e.Metadata = make(map[string]string)
				}
				e.Metadata[k] = v
			}
		})
		if err != nil {
			return toolError(err)
		}
		return respond(fmt.Sprintf("Updated %s (%s, %s)", entry.ID, entry.Priority, entry.Status), entry)
	}
}

func deleteIssue(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("issue_id")
		if err != nil {
			return bindError(err)
		}
		if err := requireIssueID(id); err != nil {
			return toolError(err)
		}
		if err := deps.Knowledge.Delete(id); err != nil {
			return toolError(err)
		}
		detail := struct {
			ID      string `json:"id"`
			Deleted bool   `json:"deleted"`
		}{ID: id, Deleted: true}
		return respond(fmt.Sprintf("Deleted %s", id), detail)
	}
}

func listIssues(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a listIssuesArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if a.Status != "" && !knowledge.Status(a.Status).Valid() {
			return toolError(fault.InvalidRequest("unknown status %q", a.Status))
		}

		var sort knowledge.Sort
		switch a.SortBy {
		case "", string(knowledge.SortByLastUpdated):
			sort.Field = knowledge.SortByLastUpdated
		case string(knowledge.SortByTimestamp):
			sort.Field = knowledge.SortByTimestamp
		case string(knowledge.SortByPriority):
			sort.Field = knowledge.SortByPriority
		default:
			return toolError(fault.InvalidRequest("sort_by %q must be timestamp, lastUpdated or priority", a.SortBy))
		}
		switch a.SortOrder {
		case "", "desc":
		case "asc":
			sort.Asc = true
		default:
			return toolError(fault.InvalidRequest("sort_order %q must be asc or desc", a.SortOrder))
		}

		filter := knowledge.Filter{
			Type:      knowledge.TypeIssue,
			Status:    knowledge.Status(a.Status),
			Tags:      a.Tags,
			Priority:  a.Priority,
			ProcessID: a.ProcessID,
			FullText:  a.FullText,
		}
		entries := deps.Knowledge.Search(filter, sort, knowledge.Page{Offset: a.Offset, Limit: a.Limit})
		total := deps.Knowledge.Count(filter)

		detail := struct {
			Issues []knowledge.Entry `json:"issues"`
			Total  int               `json:"total"`
		}{Issues: entries, Total: total}
		return respond(fmt.Sprintf("Found %d of %d issues", len(entries), total), detail)
	}
}

func getMilestone(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entry, err := deps.Knowledge.Milestone()
		if err != nil {
			return toolError(err)
		}
		return respond(fmt.Sprintf("Milestone %s: %s (%d%%)", entry.ID, entry.Title, entry.Progress), entry)
	}
}

func setMilestone(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a setMilestoneArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if strings.TrimSpace(a.Title) == "" {
			return toolError(fault.InvalidRequest("title is required"))
		}
		if a.Status != "" && !knowledge.Status(a.Status).Valid() {
			return toolError(fault.InvalidRequest("unknown status %q", a.Status))
		}
		target, err := parseDate("target_date", a.TargetDate)
		if err != nil {
			return toolError(err)
		}

		existing, err := deps.Knowledge.Milestone()
		if err != nil && !errors.Is(err, fault.ErrNotFound) {
			return toolError(err)
		}

		var entry knowledge.Entry
		if errors.Is(err, fault.ErrNotFound) {
			draft := knowledge.Entry{
				Title:           a.Title,
				Content:         a.Content,
				Status:          knowledge.Status(a.Status),
				TargetDate:      target,
				RelatedIssueIDs: a.RelatedIssueIDs,
				Tags:            a.Tags,
			}
			if a.Progress != nil {
				draft.Progress = *a.Progress
			}
			entry, err = deps.Knowledge.CreateMilestone(draft)
		} else {
			entry, err = deps.Knowledge.Update(existing.ID, func(e *knowledge.Entry) {
				e.Title = a.Title
				if a.Content != "" {
					e.Content = a.Content
				}
				if a.Status != "" {
					e.Status = knowledge.Status(a.Status)
				}
				if target != nil {
					e.TargetDate = target
				}
				if a.Progress != nil {
					e.Progress = *a.Progress
				}
				if a.RelatedIssueIDs != nil {
					e.RelatedIssueIDs = a.RelatedIssueIDs
				}
				if a.Tags != nil {
					e.Tags = a.Tags
				}
			})
		}
		if err != nil {
			return toolError(err)
		}
		return respond(fmt.Sprintf("Milestone %s: %s (%d%%)", entry.ID, entry.Title, entry.Progress), entry)
	}
}

func resolveReferences(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return bindError(err)
		}
		refs := deps.Knowledge.ResolveRefs(text)
		broken := 0
		for _, r := range refs {
			if !r.Exists {
				broken++
			}
		}
		detail := struct {
			References []knowledge.ResolvedRef `json:"references"`
			Count      int                     `json:"count"`
			Broken     int                     `json:"broken"`
		}{References: refs, Count: len(refs), Broken: broken}
		return respond(fmt.Sprintf("Resolved %d references (%d broken)", len(refs), broken), detail)
	}
}

func findBrokenReferences(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		broken := deps.Knowledge.FindBroken()
		refs := 0
		for _, b := range broken {
			refs += len(b.BrokenRefs)
		}
		detail := struct {
			Broken []knowledge.BrokenRef `json:"broken"`
			Count  int                   `json:"count"`
		}{Broken: broken, Count: refs}
		return respond(fmt.Sprintf("Found %d broken references in %d entries", refs, len(broken)), detail)
	}
}

func renameKnowledgeID(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a renameIDArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if a.OldID == "" || a.NewID == "" {
			return toolError(fault.InvalidRequest("old_id and new_id are required"))
		}

		updates, err := deps.Knowledge.Rename(a.OldID, a.NewID, a.DryRun)
		if err != nil {
			return toolError(err)
		}

		detail := struct {
			Updates []knowledge.RefUpdate `json:"updates"`
			DryRun  bool                  `json:"dryRun"`
		}{Updates: updates, DryRun: a.DryRun}
		summary := fmt.Sprintf("Renamed %s to %s, rewrote %d files", a.OldID, a.NewID, len(updates))
		if a.DryRun {
			summary = fmt.Sprintf("Renaming %s to %s would touch %d files", a.OldID, a.NewID, len(updates))
		}
		return respond(summary, detail)
	}
}

func referenceStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats := deps.Knowledge.Stats()
		summary := fmt.Sprintf("%d references to %d targets (%d broken)",
			stats.TotalRefs, stats.UniqueTargets, stats.BrokenRefs)
		return respond(summary, stats)
	}
}

func validateKnowledgeSyntax(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return bindError(err)
		}
		issues := knowledge.ValidateSyntax(text)
		detail := struct {
			Issues []knowledge.SyntaxIssue `json:"issues"`
			Valid  bool                    `json:"valid"`
		}{Issues: issues, Valid: len(issues) == 0}
		summary := "Reference syntax is clean"
		if len(issues) > 0 {
			summary = fmt.Sprintf("Found %d syntax issues", len(issues))
		}
		return respond(summary, detail)
	}
}
