package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"conductor/internal/fault"
	"conductor/internal/fragment"
)

type createLinkArgs struct {
	SourceID string            `json:"source_id"`
	TargetID string            `json:"target_id"`
	LinkType string            `json:"link_type"`
	Metadata map[string]string `json:"metadata"`
}

type queryLinksArgs struct {
	FragmentID string `json:"fragment_id"`
	SourceID   string `json:"source_id"`
	TargetID   string `json:"target_id"`
	LinkType   string `json:"link_type"`
	Direction  string `json:"direction"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}

type traverseLinksArgs struct {
	StartFragmentID  string   `json:"start_fragment_id"`
	MaxDepth         int      `json:"max_depth"`
	LinkTypes        []string `json:"link_types"`
	Direction        string   `json:"direction"`
	IncludeFragments bool     `json:"include_fragments"`
}

var linkTypeEnum = []string{"answers", "references", "related", "supersedes"}

func registerLinkTools(srv *server.MCPServer, deps Deps) {
	srv.AddTool(mcp.NewTool("create_fragment_link",
		mcp.WithDescription("Create a typed directed link between two fragments. Both endpoints must exist; duplicate (source, target, type) triples are rejected."),
		mcp.WithString("source_id", mcp.Required(), mcp.Description("Fragment the link points from.")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("Fragment the link points to.")),
		mcp.WithString("link_type", mcp.Required(), mcp.Description("Relationship kind."), mcp.Enum(linkTypeEnum...)),
		mcp.WithObject("metadata", mcp.Description("Free-form string metadata.")),
	), createFragmentLink(deps))

	srv.AddTool(mcp.NewTool("delete_fragment_link",
		mcp.WithDescription("Delete one link by id."),
		mcp.WithString("link_id", mcp.Required(), mcp.Description("Link id as returned by create_fragment_link.")),
	), deleteFragmentLink(deps))

	srv.AddTool(mcp.NewTool("query_fragment_links",
		mcp.WithDescription("Query links by endpoint, type and direction, oldest first. fragment_id with a direction matches either end; source_id and target_id match one end exactly."),
		mcp.WithString("fragment_id", mcp.Description("Links touching this fragment.")),
		mcp.WithString("source_id", mcp.Description("Links pointing from this fragment.")),
		mcp.WithString("target_id", mcp.Description("Links pointing to this fragment.")),
		mcp.WithString("link_type", mcp.Description("Only links of this kind."), mcp.Enum(linkTypeEnum...)),
		mcp.WithString("direction", mcp.Description("How fragment_id matches; defaults to both."), mcp.Enum("outgoing", "incoming", "both")),
		mcp.WithNumber("limit", mcp.Description("Maximum links to return; 0 returns all.")),
		mcp.WithNumber("offset", mcp.Description("Links to skip before the first result.")),
	), queryFragmentLinks(deps))

	srv.AddTool(mcp.NewTool("traverse_fragment_links",
		mcp.WithDescription("Walk the link graph breadth first from a fragment, reporting every reached node with its depth and link path. Cycles are counted, never followed."),
		mcp.WithString("start_fragment_id", mcp.Required(), mcp.Description("Fragment to start from.")),
		mcp.WithNumber("max_depth", mcp.Description("How many hops to walk, 1 to 10; defaults to 3.")),
		mcp.WithArray("link_types", mcp.Description("Follow only these link kinds; empty follows all."), mcp.Items(map[string]any{"type": "string", "enum": linkTypeEnum})),
		mcp.WithString("direction", mcp.Description("Edge direction to follow; defaults to both."), mcp.Enum("outgoing", "incoming", "both")),
		mcp.WithBoolean("include_fragments", mcp.Description("Inline the full fragment on every node.")),
	), traverseFragmentLinks(deps))

	srv.AddTool(mcp.NewTool("get_fragment_with_links",
		mcp.WithDescription("Fetch a fragment together with its outgoing and incoming links."),
		mcp.WithString("fragment_id", mcp.Required(), mcp.Description("Fragment id.")),
	), getFragmentWithLinks(deps))
}

func createFragmentLink(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a createLinkArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if a.SourceID == "" || a.TargetID == "" {
			return toolError(fault.InvalidRequest("source_id and target_id are required"))
		}
		if _, ok := deps.Fragments.Get(a.SourceID); !ok {
			return toolError(fault.NotFound("source fragment %s not found", a.SourceID))
		}
		if _, ok := deps.Fragments.Get(a.TargetID); !ok {
			return toolError(fault.NotFound("target fragment %s not found", a.TargetID))
		}

		link, err := deps.Links.CreateLink(a.SourceID, a.TargetID, fragment.LinkType(a.LinkType), a.Metadata)
		if err != nil {
			return toolError(err)
		}
		return respond(fmt.Sprintf("Linked %s %s %s", link.SourceID, link.Type, link.TargetID), link)
	}
}

func deleteFragmentLink(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("link_id")
		if err != nil {
			return bindError(err)
		}
		link, err := deps.Links.DeleteLink(id)
		if err != nil {
			return toolError(err)
		}
		return respond(fmt.Sprintf("Deleted link %s", link.ID), link)
	}
}

func queryFragmentLinks(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a queryLinksArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}

		links, err := deps.Links.QueryLinks(fragment.LinkQuery{
			FragmentID: a.FragmentID,
			SourceID:   a.SourceID,
			TargetID:   a.TargetID,
			Type:       fragment.LinkType(a.LinkType),
			Direction:  fragment.Direction(a.Direction),
			Limit:      a.Limit,
			Offset:     a.Offset,
		})
		if err != nil {
			return toolError(err)
		}
		detail := struct {
			Links []fragment.Link `json:"links"`
			Count int             `json:"count"`
		}{Links: links, Count: len(links)}
		return respond(fmt.Sprintf("Found %d links", len(links)), detail)
	}
}

func traverseFragmentLinks(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a traverseLinksArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if a.StartFragmentID == "" {
			return toolError(fault.InvalidRequest("start_fragment_id is required"))
		}

		opts := fragment.TraverseOptions{
			MaxDepth:         a.MaxDepth,
			Direction:        fragment.Direction(a.Direction),
			IncludeFragments: a.IncludeFragments,
		}
		for _, lt := range a.LinkTypes {
			opts.LinkTypes = append(opts.LinkTypes, fragment.LinkType(lt))
		}

		// The lookup strips vectors so inlined nodes stay lean.
		trav, err := deps.Links.Traverse(a.StartFragmentID, opts, func(id string) (fragment.Fragment, bool) {
			f, ok := deps.Fragments.Get(id)
			if !ok {
				return fragment.Fragment{}, false
			}
			return sanitize(f), true
		})
		if err != nil {
			return toolError(err)
		}
		summary := fmt.Sprintf("Reached %d fragments from %s (max depth %d, %d cycles)",
			trav.TotalNodes, trav.StartFragment, trav.MaxDepthReached, trav.CyclesDetected)
		return respond(summary, trav)
	}
}

func getFragmentWithLinks(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("fragment_id")
		if err != nil {
			return bindError(err)
		}
		f, ok := deps.Fragments.Get(id)
		if !ok {
			return toolError(fault.NotFound("fragment %s not found", id))
		}

		links, err := deps.Links.GetLinksForFragment(id, fragment.DirectionBoth)
		if err != nil {
			return toolError(err)
		}
		var outgoing, incoming []fragment.Link
		for _, l := range links {
			if l.SourceID == id {
				outgoing = append(outgoing, l)
			}
			if l.TargetID == id {
				incoming = append(incoming, l)
			}
		}

		detail := struct {
			Fragment fragment.Fragment `json:"fragment"`
			Outgoing []fragment.Link   `json:"outgoing"`
			Incoming []fragment.Link   `json:"incoming"`
			Count    int               `json:"count"`
		}{Fragment: sanitize(f), Outgoing: outgoing, Incoming: incoming, Count: len(links)}
		return respond(fmt.Sprintf("Fragment %s has %d links (%d out, %d in)",
			id, len(links), len(outgoing), len(incoming)), detail)
	}
}
