package server

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"conductor/internal/tools"
)

const instructions = `conductor runs and watches local processes for coding agents.

Tool families:
- start_process, stop_process, get_process, get_process_logs,
  list_processes: spawn, stop, inspect and tail managed processes.
  start_process admits through the priority queue unless told otherwise.
- get_queue_status, pause_queue, resume_queue, set_queue_config,
  cancel_queued_process: control the admission queue.
- record_issue, update_issue, get_issue, delete_issue, list_issues,
  set_milestone, get_milestone, rename_knowledge_id, resolve_references,
  find_broken_references, validate_knowledge_syntax, reference_stats:
  the markdown knowledge base with [[ISSUE_n]] cross-references.
- create/update/get/delete_fragment, list_fragments, search_fragments,
  search_similar_fragments, search_fragments_advanced, fragment_stats:
  the vector-indexed fragment store.
- create_fragment_link, delete_fragment_link, query_fragment_links,
  traverse_fragment_links, get_fragment_with_links: the typed link graph
  between fragments.

Mutations happen through tools only; the HTTP API is read-only.`

// NewMCPServer assembles the stdio tool surface: every tool family,
// the observability middleware, and session lifecycle logging.
func NewMCPServer(a *App) *mcpserver.MCPServer {
	logger := a.Logger

	hooks := &mcpserver.Hooks{}
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		if session := mcpserver.ClientSessionFromContext(ctx); session != nil {
			logger.Info("mcp: session %s registered", session.SessionID())
		}
		if message != nil {
			ci := message.Params.ClientInfo
			logger.Info("mcp: client %s %s (protocol %s)", ci.Name, ci.Version, message.Params.ProtocolVersion)
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session mcpserver.ClientSession) {
		logger.Info("mcp: session %s unregistered", session.SessionID())
	})
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Debug("mcp: tool %s handled", message.Params.Name)
		}
	})

	srv := mcpserver.NewMCPServer("conductor", a.Version,
		mcpserver.WithInstructions(instructions),
		mcpserver.WithToolHandlerMiddleware(tools.Middleware(a.Metrics, a.Tracer)),
		mcpserver.WithHooks(hooks),
		mcpserver.WithToolCapabilities(true),
	)
	tools.Register(srv, tools.Deps{
		Supervisor: a.Supervisor,
		Registry:   a.Registry,
		Scheduler:  a.Scheduler,
		Knowledge:  a.Knowledge,
		Fragments:  a.Fragments,
		Links:      a.Links,
		Tracer:     a.Tracer,
		Logger:     logger,
	})
	return srv
}

// ServeStdio speaks MCP over in/out until ctx is cancelled or the
// client closes its end. stdout carries the wire, so nothing else in
// the process may write to it.
func ServeStdio(ctx context.Context, srv *mcpserver.MCPServer, in io.Reader, out io.Writer) error {
	return mcpserver.NewStdioServer(srv).Listen(ctx, in, out)
}
