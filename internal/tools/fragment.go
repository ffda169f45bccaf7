package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"conductor/internal/fault"
	"conductor/internal/fragment"
	"conductor/internal/observability"
)

type createFragmentArgs struct {
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Type       string            `json:"type"`
	Tags       []string          `json:"tags"`
	Metadata   map[string]string `json:"metadata"`
	RelatedIDs []string          `json:"related_ids"`
	Priority   string            `json:"priority"`
	Status     string            `json:"status"`
}

type updateFragmentArgs struct {
	FragmentID string            `json:"fragment_id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Type       string            `json:"type"`
	Tags       []string          `json:"tags"`
	Metadata   map[string]string `json:"metadata"`
	RelatedIDs []string          `json:"related_ids"`
	Priority   string            `json:"priority"`
	Status     string            `json:"status"`
}

type searchFragmentsArgs struct {
	Text      string            `json:"text"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Tags      []string          `json:"tags"`
	Metadata  map[string]string `json:"metadata"`
	LastNDays int               `json:"last_n_days"`
	Offset    int               `json:"offset"`
	Limit     int               `json:"limit"`
}

type searchSimilarArgs struct {
	Text      string   `json:"text"`
	Limit     int      `json:"limit"`
	Threshold *float64 `json:"threshold"`
	Tags      []string `json:"tags"`
}

type searchAdvancedArgs struct {
	Text       string            `json:"text"`
	TextFilter string            `json:"text_filter"`
	Type       string            `json:"type"`
	Status     string            `json:"status"`
	Tags       []string          `json:"tags"`
	Metadata   map[string]string `json:"metadata"`
	LastNDays  int               `json:"last_n_days"`
	Threshold  *float64          `json:"threshold"`
	FilterMode string            `json:"filter_mode"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

var fragmentTypeEnum = []string{"question", "answer", "note", "documentation", "issue", "solution", "reference"}

func registerFragmentTools(srv *server.MCPServer, deps Deps) {
	srv.AddTool(mcp.NewTool("create_fragment",
		mcp.WithDescription("Store a knowledge fragment. The title and body are embedded for similarity search; at least one of them is required."),
		mcp.WithString("title", mcp.Description("Short label for the fragment.")),
		mcp.WithString("body", mcp.Description("Fragment text.")),
		mcp.WithString("type", mcp.Description("Kind of knowledge; defaults to note."), mcp.Enum(fragmentTypeEnum...)),
		mcp.WithArray("tags", mcp.Description("Tags for filtered search."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("metadata", mcp.Description("Free-form string metadata.")),
		mcp.WithArray("related_ids", mcp.Description("IDs of related fragments or knowledge entries."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("priority", mcp.Description("Importance marker."), mcp.Enum("low", "medium", "high")),
		mcp.WithString("status", mcp.Description("Lifecycle state; defaults to active."), mcp.Enum("active", "archived", "draft")),
	), createFragment(deps))

	srv.AddTool(mcp.NewTool("get_fragment",
		mcp.WithDescription("Fetch one fragment by id."),
		mcp.WithString("fragment_id", mcp.Required(), mcp.Description("Fragment id.")),
	), getFragment(deps))

	srv.AddTool(mcp.NewTool("update_fragment",
		mcp.WithDescription("Update fields of a fragment. Omitted or empty fields keep their current values; changing title or body re-embeds the fragment."),
		mcp.WithString("fragment_id", mcp.Required(), mcp.Description("Fragment id.")),
		mcp.WithString("title", mcp.Description("Replacement title.")),
		mcp.WithString("body", mcp.Description("Replacement body.")),
		mcp.WithString("type", mcp.Description("New type."), mcp.Enum(fragmentTypeEnum...)),
		mcp.WithArray("tags", mcp.Description("Replacement tag set."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("metadata", mcp.Description("Merged into the existing metadata.")),
		mcp.WithArray("related_ids", mcp.Description("Replacement related id set."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("priority", mcp.Description("New priority."), mcp.Enum("low", "medium", "high")),
		mcp.WithString("status", mcp.Description("New lifecycle state."), mcp.Enum("active", "archived", "draft")),
	), updateFragment(deps))

	srv.AddTool(mcp.NewTool("delete_fragment",
		mcp.WithDescription("Delete a fragment and every link touching it."),
		mcp.WithString("fragment_id", mcp.Required(), mcp.Description("Fragment id.")),
	), deleteFragment(deps))

	srv.AddTool(mcp.NewTool("list_fragments",
		mcp.WithDescription("List fragments, most recently updated first."),
		mcp.WithNumber("limit", mcp.Description("Maximum fragments to return; 0 returns all.")),
	), listFragments(deps))

	srv.AddTool(mcp.NewTool("search_fragments",
		mcp.WithDescription("Filter fragments by text substring, type, status, tags, metadata and age. No vectors involved; use search_similar_fragments for semantic search."),
		mcp.WithString("text", mcp.Description("Case-insensitive substring over title and body.")),
		mcp.WithString("type", mcp.Description("Only fragments of this type."), mcp.Enum(fragmentTypeEnum...)),
		mcp.WithString("status", mcp.Description("Only fragments in this state."), mcp.Enum("active", "archived", "draft")),
		mcp.WithArray("tags", mcp.Description("Fragments carrying all of these tags."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("metadata", mcp.Description("Exact-match metadata pairs.")),
		mcp.WithNumber("last_n_days", mcp.Description("Only fragments updated within the last N days.")),
		mcp.WithNumber("offset", mcp.Description("Fragments to skip before the first result.")),
		mcp.WithNumber("limit", mcp.Description("Maximum fragments to return; 0 returns all.")),
	), searchFragments(deps))

	srv.AddTool(mcp.NewTool("search_similar_fragments",
		mcp.WithDescription("Semantic nearest-neighbour search over fragment embeddings. Scores are cosine similarity clamped to [0, 1], best first."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Query text to embed.")),
		mcp.WithNumber("limit", mcp.Description("Maximum matches; defaults to 10.")),
		mcp.WithNumber("threshold", mcp.Description("Minimum score to keep; defaults to 0.1, negative keeps everything.")),
		mcp.WithArray("tags", mcp.Description("Keep only matches carrying at least one of these tags."), mcp.Items(map[string]any{"type": "string"})),
	), searchSimilarFragments(deps))

	srv.AddTool(mcp.NewTool("search_fragments_advanced",
		mcp.WithDescription("Semantic search combined with metadata filters. filter_mode pre pushes type or status into the index query when possible; post filters retrieved candidates. The response reports which strategy ran."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Query text to embed.")),
		mcp.WithString("text_filter", mcp.Description("Case-insensitive substring candidates must also contain.")),
		mcp.WithString("type", mcp.Description("Only fragments of this type."), mcp.Enum(fragmentTypeEnum...)),
		mcp.WithString("status", mcp.Description("Only fragments in this state."), mcp.Enum("active", "archived", "draft")),
		mcp.WithArray("tags", mcp.Description("Fragments carrying all of these tags."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("metadata", mcp.Description("Exact-match metadata pairs.")),
		mcp.WithNumber("last_n_days", mcp.Description("Only fragments updated within the last N days.")),
		mcp.WithNumber("threshold", mcp.Description("Minimum score to keep; defaults to 0.1.")),
		mcp.WithString("filter_mode", mcp.Description("Filter strategy; defaults to post."), mcp.Enum("pre", "post")),
		mcp.WithNumber("limit", mcp.Description("Maximum matches; defaults to 10.")),
		mcp.WithNumber("offset", mcp.Description("Matches to skip before the first result.")),
	), searchFragmentsAdvanced(deps))

	srv.AddTool(mcp.NewTool("fragment_stats",
		mcp.WithDescription("Fragment store statistics: counts by type and status, index occupancy, link count and a link integrity report."),
	), fragmentStats(deps))
}

func createFragment(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a createFragmentArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if strings.TrimSpace(a.Title) == "" && strings.TrimSpace(a.Body) == "" {
			return toolError(fault.InvalidRequest("a title or a body is required"))
		}

		draft := fragment.Fragment{
			Title:      a.Title,
			Body:       a.Body,
			Type:       fragment.Type(a.Type),
			Tags:       a.Tags,
			Metadata:   a.Metadata,
			RelatedIDs: a.RelatedIDs,
			Priority:   a.Priority,
			Status:     fragment.Status(a.Status),
		}

		ctx, span := deps.Tracer.StartSpan(ctx, observability.SpanFragmentWrite)
		defer span.End()
		f, err := deps.Fragments.Create(ctx, draft)
		if err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			return toolError(err)
		}
		span.SetAttributes(observability.FragmentAttrs(f.ID)...)
		return respond(fmt.Sprintf("Created fragment %s (%s)", f.ID, f.Type), sanitize(f))
	}
}

func getFragment(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("fragment_id")
		if err != nil {
			return bindError(err)
		}
		f, ok := deps.Fragments.Get(id)
		if !ok {
			return toolError(fault.NotFound("fragment %s not found", id))
		}
		return respond(fmt.Sprintf("Fragment %s (%s, %s)", f.ID, f.Type, f.Status), sanitize(f))
	}
}

func updateFragment(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a updateFragmentArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if a.FragmentID == "" {
			return toolError(fault.InvalidRequest("fragment_id is required"))
		}

		ctx, span := deps.Tracer.StartSpan(ctx, observability.SpanFragmentWrite, observability.FragmentAttrs(a.FragmentID)...)
		defer span.End()
		f, err := deps.Fragments.Update(ctx, a.FragmentID, func(f *fragment.Fragment) {
			if a.Title != "" {
				f.Title = a.Title
			}
			if a.Body != "" {
				f.Body = a.Body
			}
			if a.Type != "" {
				f.Type = fragment.Type(a.Type)
			}
			if a.Tags != nil {
				f.Tags = a.Tags
			}
			for k, v := range a.Metadata {
				if f.Metadata == nil {
					f.Metadata = make(map[string]string)
				}
				f.Metadata[k] = v
			}
			if a.RelatedIDs != nil {
				f.RelatedIDs = a.RelatedIDs
			}
			if a.Priority != "" {
				f.Priority = a.Priority
			}
			if a.Status != "" {
				f.Status = fragment.Status(a.Status)
			}
		})
		if err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			return toolError(err)
		}
		return respond(fmt.Sprintf("Updated fragment %s", f.ID), sanitize(f))
	}
}

func deleteFragment(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("fragment_id")
		if err != nil {
			return bindError(err)
		}

		ctx, span := deps.Tracer.StartSpan(ctx, observability.SpanFragmentWrite, observability.FragmentAttrs(id)...)
		defer span.End()
		deleted, err := deps.Fragments.Delete(ctx, id)
		if err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			return toolError(err)
		}
		if !deleted {
			return toolError(fault.NotFound("fragment %s not found", id))
		}
		removed := deps.Links.DeleteLinksForFragment(id)

		detail := struct {
			FragmentID   string `json:"fragmentId"`
			Deleted      bool   `json:"deleted"`
			LinksRemoved int    `json:"linksRemoved"`
		}{FragmentID: id, Deleted: true, LinksRemoved: removed}
		return respond(fmt.Sprintf("Deleted fragment %s (%d links removed)", id, removed), detail)
	}
}

func listFragments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 0)
		fragments := deps.Fragments.GetAll(limit)
		total := deps.Fragments.Count()

		detail := struct {
			Fragments []fragment.Fragment `json:"fragments"`
			Total     int                 `json:"total"`
		}{Fragments: sanitizeAll(fragments), Total: total}
		return respond(fmt.Sprintf("Found %d of %d fragments", len(fragments), total), detail)
	}
}

func searchFragments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a searchFragmentsArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}

		q := fragment.Query{
			Text:     a.Text,
			Type:     fragment.Type(a.Type),
			Status:   fragment.Status(a.Status),
			Tags:     a.Tags,
			Metadata: a.Metadata,
			Offset:   a.Offset,
			Limit:    a.Limit,
		}
		if a.LastNDays > 0 {
			q.Time = &fragment.TimeFilter{LastNDays: a.LastNDays}
		}

		fragments, err := deps.Fragments.Search(q)
		if err != nil {
			return toolError(err)
		}
		detail := struct {
			Fragments []fragment.Fragment `json:"fragments"`
			Count     int                 `json:"count"`
		}{Fragments: sanitizeAll(fragments), Count: len(fragments)}
		return respond(fmt.Sprintf("Found %d fragments", len(fragments)), detail)
	}
}

func searchSimilarFragments(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a searchSimilarArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if strings.TrimSpace(a.Text) == "" {
			return toolError(fault.InvalidRequest("text is required"))
		}

		q := fragment.SimilarQuery{Text: a.Text, Limit: a.Limit, Tags: a.Tags}
		if a.Threshold != nil {
			q.Threshold = float32(*a.Threshold)
		}

		matches, err := deps.Fragments.SearchSimilar(ctx, q)
		if err != nil {
			return toolError(err)
		}
		detail := struct {
			Matches []fragment.Match `json:"matches"`
			Count   int              `json:"count"`
		}{Matches: sanitizeMatches(matches), Count: len(matches)}
		return respond(fmt.Sprintf("Found %d similar fragments", len(matches)), detail)
	}
}

func searchFragmentsAdvanced(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a searchAdvancedArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if strings.TrimSpace(a.Text) == "" {
			return toolError(fault.InvalidRequest("text is required"))
		}
		switch a.FilterMode {
		case "", fragment.FilterModePre, fragment.FilterModePost:
		default:
			return toolError(fault.InvalidRequest("filter_mode %q must be pre or post", a.FilterMode))
		}

		q := fragment.AdvancedQuery{
			Text:       a.Text,
			TextFilter: a.TextFilter,
			Type:       fragment.Type(a.Type),
			Status:     fragment.Status(a.Status),
			Tags:       a.Tags,
			Metadata:   a.Metadata,
			FilterMode: a.FilterMode,
			Limit:      a.Limit,
			Offset:     a.Offset,
		}
		if a.Threshold != nil {
			q.Threshold = float32(*a.Threshold)
		}
		if a.LastNDays > 0 {
			q.Time = &fragment.TimeFilter{LastNDays: a.LastNDays}
		}

		res, err := deps.Fragments.SearchAdvanced(ctx, q)
		if err != nil {
			return toolError(err)
		}
		detail := struct {
			Matches        []fragment.Match `json:"matches"`
			Count          int              `json:"count"`
			FilterStrategy string           `json:"filterStrategy"`
		}{Matches: sanitizeMatches(res.Matches), Count: len(res.Matches), FilterStrategy: res.FilterStrategy}
		return respond(fmt.Sprintf("Found %d fragments (%s-filtered)", len(res.Matches), res.FilterStrategy), detail)
	}
}

func fragmentStats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats := deps.Fragments.Stats()
		integrity := deps.Links.IntegrityReport(func(id string) bool {
			_, ok := deps.Fragments.Get(id)
			return ok
		})

		detail := struct {
			fragment.Stats
			Links     int                `json:"links"`
			Integrity fragment.Integrity `json:"integrity"`
		}{Stats: stats, Links: deps.Links.Count(), Integrity: integrity}
		summary := fmt.Sprintf("%d fragments, %d links", stats.Total, detail.Links)
		if !integrity.IsHealthy {
			summary += fmt.Sprintf(" (%d orphaned, %d duplicate groups)", len(integrity.Orphaned), len(integrity.Duplicates))
		}
		return respond(summary, detail)
	}
}
