package tools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"conductor/internal/fault"
	"conductor/internal/fragment"
)

// respond wraps a handler result as two text contents: the summary line
// first, then the detail document as indented JSON.
func respond(summary string, detail any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(detail, "", "  ")
	if err != nil {
		return nil, fault.WithCause(fault.ErrInternal, err, "encode tool result")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(summary),
			mcp.NewTextContent(string(data)),
		},
	}, nil
}

// toolError converts a domain error into a tool error result. The text
// leads with the fault kind so callers can branch without parsing the
// message.
func toolError(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", fault.KindOf(err), err)), nil
}

// bindError reports arguments that failed to decode into the request
// struct.
func bindError(err error) (*mcp.CallToolResult, error) {
	return toolError(fault.WithCause(fault.ErrInvalidRequest, err, "decode arguments"))
}

// sanitize strips the embedding vector from a fragment view. Vectors
// are store-internal; tool payloads never carry them.
func sanitize(f fragment.Fragment) fragment.Fragment {
	f.Vector = nil
	return f
}

func sanitizeAll(fs []fragment.Fragment) []fragment.Fragment {
	out := make([]fragment.Fragment, len(fs))
	for i, f := range fs {
		out[i] = sanitize(f)
	}
	return out
}

func sanitizeMatches(ms []fragment.Match) []fragment.Match {
	out := make([]fragment.Match, len(ms))
	for i, m := range ms {
		m.Fragment = sanitize(m.Fragment)
		out[i] = m
	}
	return out
}
