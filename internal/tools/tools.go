// Package tools exposes the orchestrator over MCP. Every handler
// follows the same contract: bind the arguments into a typed request
// struct, validate before touching any component, dispatch, and answer
// with a one-line summary plus a JSON detail document. Domain errors
// become tool error results carrying the fault kind; the error return
// is reserved for encoding failures.
package tools

import (
	"github.com/mark3labs/mcp-go/server"

	"conductor/internal/fragment"
	"conductor/internal/knowledge"
	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/process"
	"conductor/internal/queue"
)

// Deps carries the components the tool surface dispatches into. Tracer
// may be nil; every handler treats it as optional.
type Deps struct {
	Supervisor *process.Supervisor
	Registry   *process.Registry
	Scheduler  *queue.Scheduler
	Knowledge  *knowledge.Store
	Fragments  *fragment.Store
	Links      *fragment.LinkStore
	Tracer     *observability.TracerProvider
	Logger     logging.Logger
}

// Register declares every tool on the server.
func Register(srv *server.MCPServer, deps Deps) {
	deps.Logger = logging.OrNop(deps.Logger)
	registerProcessTools(srv, deps)
	registerQueueTools(srv, deps)
	registerIssueTools(srv, deps)
	registerMilestoneTools(srv, deps)
	registerReferenceTools(srv, deps)
	registerFragmentTools(srv, deps)
	registerLinkTools(srv, deps)
}
