package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"conductor/internal/fault"
)

type setQueueConfigArgs struct {
	MaxConcurrent *int `json:"max_concurrent"`
	MaxRetries    *int `json:"max_retries"`
	BackoffBaseMS *int `json:"backoff_base_ms"`
	BackoffMaxMS  *int `json:"backoff_max_ms"`
}

func registerQueueTools(srv *server.MCPServer, deps Deps) {
	srv.AddTool(mcp.NewTool("get_queue_status",
		mcp.WithDescription("Report queue occupancy, pause state and the active configuration."),
		mcp.WithBoolean("include_entries", mcp.Description("Include the queued entries in admission order.")),
	), getQueueStatus(deps))

	srv.AddTool(mcp.NewTool("set_queue_config",
		mcp.WithDescription("Update the queue configuration. Omitted fields keep their current values; the change applies to future dispatch decisions only."),
		mcp.WithNumber("max_concurrent", mcp.Description("Maximum processes running at once, at least 1.")),
		mcp.WithNumber("max_retries", mcp.Description("Retry attempts for failed processes; 0 disables retries.")),
		mcp.WithNumber("backoff_base_ms", mcp.Description("First retry delay in milliseconds; doubles per attempt.")),
		mcp.WithNumber("backoff_max_ms", mcp.Description("Upper bound for the retry delay in milliseconds.")),
	), setQueueConfig(deps))

	srv.AddTool(mcp.NewTool("pause_queue",
		mcp.WithDescription("Stop dispatching queued processes. Running processes are unaffected."),
	), pauseQueue(deps))

	srv.AddTool(mcp.NewTool("resume_queue",
		mcp.WithDescription("Resume dispatching queued processes."),
	), resumeQueue(deps))

	srv.AddTool(mcp.NewTool("cancel_queued_process",
		mcp.WithDescription("Cancel an admission. A queued process leaves the queue; a running one is stopped. Returns whether anything was cancelled."),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID returned by start_process.")),
	), cancelQueuedProcess(deps))
}

func getQueueStatus(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		include := req.GetBool("include_entries", false)
		st := deps.Scheduler.Status(include)
		summary := fmt.Sprintf("Queue: %d running, %d queued", st.Running, st.Queued)
		if st.Paused {
			summary += " (paused)"
		}
		return respond(summary, st)
	}
}

func setQueueConfig(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a setQueueConfigArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}

		cfg := deps.Scheduler.Config()
		if a.MaxConcurrent != nil {
			cfg.MaxConcurrent = *a.MaxConcurrent
		}
		if a.MaxRetries != nil {
			cfg.MaxRetries = *a.MaxRetries
		}
		if a.BackoffBaseMS != nil {
			cfg.BackoffBase = time.Duration(*a.BackoffBaseMS) * time.Millisecond
		}
		if a.BackoffMaxMS != nil {
			cfg.BackoffMax = time.Duration(*a.BackoffMaxMS) * time.Millisecond
		}

		if err := deps.Scheduler.SetConfig(cfg); err != nil {
			return toolError(err)
		}
		summary := fmt.Sprintf("Queue config updated: maxConcurrent=%d maxRetries=%d backoffBase=%s backoffMax=%s",
			cfg.MaxConcurrent, cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax)
		return respond(summary, cfg)
	}
}

func pauseQueue(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deps.Scheduler.Pause()
		return respond("Queue paused", deps.Scheduler.Status(false))
	}
}

func resumeQueue(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		deps.Scheduler.Resume()
		return respond("Queue resumed", deps.Scheduler.Status(false))
	}
}

func cancelQueuedProcess(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("process_id")
		if err != nil {
			return bindError(err)
		}
		if id == "" {
			return toolError(fault.InvalidRequest("process_id is required"))
		}

		cancelled := deps.Scheduler.Cancel(id)
		detail := struct {
			ProcessID string `json:"processId"`
			Cancelled bool   `json:"cancelled"`
		}{ProcessID: id, Cancelled: cancelled}

		summary := fmt.Sprintf("Cancelled %s", id)
		if !cancelled {
			summary = fmt.Sprintf("Nothing to cancel for %s", id)
		}
		return respond(summary, detail)
	}
}
