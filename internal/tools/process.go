package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"conductor/internal/fault"
	"conductor/internal/observability"
	"conductor/internal/process"
	"conductor/internal/queue"
)

type startProcessArgs struct {
	Title      string            `json:"title"`
	ScriptName string            `json:"script_name"`
	Args       []string          `json:"args"`
	EnvVars    map[string]string `json:"env_vars"`
	Cwd        string            `json:"cwd"`
	Priority   int               `json:"priority"`
	Immediate  bool              `json:"immediate"`
}

type stopProcessArgs struct {
	ProcessID string `json:"process_id"`
	Force     bool   `json:"force"`
	TimeoutMS int    `json:"timeout_ms"`
}

type listProcessesArgs struct {
	Status        string `json:"status"`
	TitleContains string `json:"title_contains"`
	Limit         int    `json:"limit"`
	Offset        int    `json:"offset"`
	SortBy        string `json:"sort_by"`
	SortOrder     string `json:"sort_order"`
}

type processLogsArgs struct {
	ProcessID string  `json:"process_id"`
	Limit     int     `json:"limit"`
	LogType   string  `json:"log_type"`
	SinceSeq  *uint64 `json:"since_seq"`
}

func registerProcessTools(srv *server.MCPServer, deps Deps) {
	srv.AddTool(mcp.NewTool("start_process",
		mcp.WithDescription("Start a supervised process. The command is admitted through the priority queue; with immediate set it bypasses queue order when a concurrency slot is free."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Human-readable name for the process.")),
		mcp.WithString("script_name", mcp.Required(), mcp.Description("Executable to run.")),
		mcp.WithArray("args", mcp.Description("Arguments passed to the executable."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithObject("env_vars", mcp.Description("Extra environment variables, name to value.")),
		mcp.WithString("cwd", mcp.Description("Working directory for the child.")),
		mcp.WithNumber("priority", mcp.Description("Queue priority from 1 (low) to 10 (high); defaults to 5.")),
		mcp.WithBoolean("immediate", mcp.Description("Skip queue ordering when a slot is free.")),
	), startProcess(deps))

	srv.AddTool(mcp.NewTool("stop_process",
		mcp.WithDescription("Stop a running process. Sends SIGTERM to the process group and escalates to SIGKILL after the timeout; force skips straight to SIGKILL."),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process to stop.")),
		mcp.WithBoolean("force", mcp.Description("Kill immediately instead of terminating politely.")),
		mcp.WithNumber("timeout_ms", mcp.Description("Grace period in milliseconds before escalation.")),
	), stopProcess(deps))

	srv.AddTool(mcp.NewTool("list_processes",
		mcp.WithDescription("List process records with optional filtering, sorting and paging."),
		mcp.WithString("status", mcp.Description("Only records in this state."), mcp.Enum("starting", "running", "stopping", "stopped", "failed")),
		mcp.WithString("title_contains", mcp.Description("Case-insensitive substring match over titles.")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return; 0 returns all.")),
		mcp.WithNumber("offset", mcp.Description("Records to skip before the first result.")),
		mcp.WithString("sort_by", mcp.Description("Sort key."), mcp.Enum("startTime", "title", "status", "priority")),
		mcp.WithString("sort_order", mcp.Description("Sort direction; defaults to desc."), mcp.Enum("asc", "desc")),
	), listProcesses(deps))

	srv.AddTool(mcp.NewTool("get_process",
		mcp.WithDescription("Fetch one process record by id."),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process.")),
	), getProcess(deps))

	srv.AddTool(mcp.NewTool("get_process_logs",
		mcp.WithDescription("Read buffered log lines for a process. Each line carries a per-process sequence number; pass since_seq to resume after the last line you saw."),
		mcp.WithString("process_id", mcp.Required(), mcp.Description("ID of the process.")),
		mcp.WithNumber("limit", mcp.Description("Keep only the most recent N matching lines; 0 keeps all.")),
		mcp.WithString("log_type", mcp.Description("Restrict to one stream; all or empty matches every stream."), mcp.Enum("stdout", "stderr", "system", "all")),
		mcp.WithNumber("since_seq", mcp.Description("Return only lines with a sequence number strictly greater.")),
	), getProcessLogs(deps))
}

func startProcess(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a startProcessArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if strings.TrimSpace(a.Title) == "" {
			return toolError(fault.InvalidRequest("title is required"))
		}
		if strings.TrimSpace(a.ScriptName) == "" {
			return toolError(fault.InvalidRequest("script_name is required"))
		}

		spec := process.Spec{
			Title:    strings.TrimSpace(a.Title),
			Command:  append([]string{a.ScriptName}, a.Args...),
			Env:      a.EnvVars,
			Dir:      a.Cwd,
			Priority: a.Priority,
		}

		_, span := deps.Tracer.StartSpan(ctx, observability.SpanProcessSpawn)
		defer span.End()
		res, err := deps.Scheduler.Submit(spec, a.Immediate)
		if err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			return toolError(err)
		}
		span.SetAttributes(observability.ProcessAttrs(res.ID)...)
		span.SetAttributes(observability.StatusAttrs(res.State)...)

		detail := struct {
			ID     string          `json:"id"`
			Status string          `json:"status"`
			Record *process.Record `json:"record,omitempty"`
		}{ID: res.ID, Status: res.State}
		if rec, ok := deps.Registry.Get(res.ID); ok {
			detail.Record = &rec
		}

		verb := "Queued"
		if res.State == queue.StateRunning {
			verb = "Started"
		}
		return respond(fmt.Sprintf("%s process %s (%s)", verb, res.ID, spec.Title), detail)
	}
}

func stopProcess(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a stopProcessArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if a.ProcessID == "" {
			return toolError(fault.InvalidRequest("process_id is required"))
		}
		if a.TimeoutMS < 0 {
			return toolError(fault.InvalidRequest("timeout_ms must not be negative"))
		}

		ctx, span := deps.Tracer.StartSpan(ctx, observability.SpanProcessStop, observability.ProcessAttrs(a.ProcessID)...)
		defer span.End()
		rec, err := deps.Supervisor.Stop(ctx, a.ProcessID, a.Force, time.Duration(a.TimeoutMS)*time.Millisecond)
		if err != nil {
			span.SetAttributes(observability.ErrorAttrs(err)...)
			return toolError(err)
		}
		return respond(fmt.Sprintf("Stopped process %s (status %s)", rec.ID, rec.Status), rec)
	}
}

func listProcesses(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a listProcessesArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}

		var filter process.Filter
		if a.Status != "" {
			st := process.Status(a.Status)
			if !st.IsValid() {
				return toolError(fault.InvalidRequest("unknown status %q", a.Status))
			}
			filter.Statuses = []process.Status{st}
		}
		filter.TitleContains = a.TitleContains

		sort, err := parseSort(a.SortBy, a.SortOrder)
		if err != nil {
			return toolError(err)
		}

		records := deps.Registry.Query(filter, sort, process.Page{Offset: a.Offset, Limit: a.Limit})
		total := deps.Registry.Count(filter)

		detail := struct {
			Processes []process.Record `json:"processes"`
			Total     int              `json:"total"`
		}{Processes: records, Total: total}
		return respond(fmt.Sprintf("Found %d of %d processes", len(records), total), detail)
	}
}

func parseSort(field, order string) (process.Sort, error) {
	var s process.Sort
	switch field {
	case "", string(process.SortByStartTime):
		s.Field = process.SortByStartTime
	case string(process.SortByTitle):
		s.Field = process.SortByTitle
	case string(process.SortByStatus):
		s.Field = process.SortByStatus
	case string(process.SortByPriority):
		s.Field = process.SortByPriority
	default:
		return s, fault.InvalidRequest("sort_by %q must be startTime, title, status or priority", field)
	}
	switch order {
	case "", "desc":
	case "asc":
		s.Asc = true
	default:
		return s, fault.InvalidRequest("sort_order %q must be asc or desc", order)
	}
	return s, nil
}

func getProcess(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("process_id")
		if err != nil {
			return bindError(err)
		}
		rec, ok := deps.Registry.Get(id)
		if !ok {
			return toolError(fault.NotFound("process %s", id))
		}
		return respond(fmt.Sprintf("Process %s is %s", rec.ID, rec.Status), rec)
	}
}

func getProcessLogs(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var a processLogsArgs
		if err := req.BindArguments(&a); err != nil {
			return bindError(err)
		}
		if a.ProcessID == "" {
			return toolError(fault.InvalidRequest("process_id is required"))
		}

		var stream process.Stream
		switch a.LogType {
		case "", "all":
		case string(process.StreamStdout), string(process.StreamStderr), string(process.StreamSystem):
			stream = process.Stream(a.LogType)
		default:
			return toolError(fault.InvalidRequest("log_type %q must be stdout, stderr, system or all", a.LogType))
		}

		entries, err := deps.Registry.Logs(a.ProcessID, process.LogFilter{
			Stream:   stream,
			SinceSeq: a.SinceSeq,
			Limit:    a.Limit,
		})
		if err != nil {
			return toolError(err)
		}

		detail := struct {
			ProcessID string             `json:"processId"`
			Entries   []process.LogEntry `json:"entries"`
			Count     int                `json:"count"`
		}{ProcessID: a.ProcessID, Entries: entries, Count: len(entries)}
		return respond(fmt.Sprintf("Found %d log lines for %s", len(entries), a.ProcessID), detail)
	}
}
