package tools

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"conductor/internal/observability"
)

// Middleware instruments every tool call with a span and execution
// metrics. Both receivers tolerate nil, so the wiring stays
// unconditional.
func Middleware(metrics *observability.MetricsCollector, tracer *observability.TracerProvider) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name := req.Params.Name
			ctx, span := tracer.StartSpan(ctx, observability.SpanToolExecute, observability.ToolAttrs(name)...)
			defer span.End()

			start := time.Now()
			res, err := next(ctx, req)

			status := "success"
			if err != nil || (res != nil && res.IsError) {
				status = "error"
			}
			span.SetAttributes(observability.StatusAttrs(status)...)
			metrics.RecordToolExecution(ctx, name, status, time.Since(start))
			return res, err
		}
	}
}
