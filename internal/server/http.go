package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"conductor/internal/fault"
	"conductor/internal/logging"
	"conductor/internal/process"
)

// HTTPServer is the read-only dashboard surface plus the /ws upgrade
// endpoint. Mutations stay on the tool surface.
type HTTPServer struct {
	app      *App
	engine   *gin.Engine
	srv      *http.Server
	upgrader websocket.Upgrader
	logger   logging.Logger
}

// NewHTTPServer wires the routes onto a fresh gin engine. gin's own
// logger writes to stdout, which belongs to the MCP stream, so request
// logging goes through the app logger instead.
func NewHTTPServer(a *App) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if a.Config.Server.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &HTTPServer{
		app:    a,
		engine: engine,
		logger: a.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The server binds loopback; origin checks add nothing
				// for local dashboards.
				return true
			},
		},
	}

	api := engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/processes", s.handleListProcesses)
	api.GET("/processes/:id", s.handleGetProcess)
	api.GET("/processes/:id/logs", s.handleProcessLogs)
	api.GET("/queue", s.handleQueue)
	engine.GET("/ws", s.handleWS)

	s.srv = &http.Server{
		Addr:         a.Config.Server.Address(),
		Handler:      engine,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.engine
}

// Start blocks on ListenAndServe until Stop or a listener error.
func (s *HTTPServer) Start() error {
	s.logger.Info("http: listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down, letting in-flight requests finish
// within ctx.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   s.app.Version,
		"uptime":    s.app.Uptime().String(),
		"processes": s.app.Registry.Count(process.Filter{}),
		"sessions":  s.app.Hub.Count(),
	})
}

func (s *HTTPServer) handleListProcesses(c *gin.Context) {
	var filter process.Filter
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := process.Status(strings.TrimSpace(part))
			if !st.IsValid() {
				s.fail(c, fault.InvalidRequest("unknown status %q", part))
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	filter.TitleContains = c.Query("title_contains")

	sort, err := parseSortQuery(c.Query("sort_by"), c.Query("sort_order"))
	if err != nil {
		s.fail(c, err)
		return
	}
	page, err := parsePageQuery(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	records := s.app.Registry.Query(filter, sort, page)
	c.JSON(http.StatusOK, gin.H{
		"processes": records,
		"total":     s.app.Registry.Count(filter),
	})
}

func (s *HTTPServer) handleGetProcess(c *gin.Context) {
	id := c.Param("id")
	rec, ok := s.app.Registry.Get(id)
	if !ok {
		s.fail(c, fault.NotFound("process %s", id))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *HTTPServer) handleProcessLogs(c *gin.Context) {
	id := c.Param("id")
	var f process.LogFilter
	switch raw := c.Query("log_type"); raw {
	case "", "all":
	case string(process.StreamStdout), string(process.StreamStderr), string(process.StreamSystem):
		f.Stream = process.Stream(raw)
	default:
		s.fail(c, fault.InvalidRequest("log_type %q must be stdout, stderr, system or all", raw))
		return
	}
	if raw := c.Query("since_seq"); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.fail(c, fault.InvalidRequest("since_seq %q must be an unsigned integer", raw))
			return
		}
		f.SinceSeq = &seq
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.fail(c, fault.InvalidRequest("limit %q must be a non-negative integer", raw))
			return
		}
		f.Limit = limit
	}

	entries, err := s.app.Registry.Logs(id, f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"processId": id,
		"entries":   entries,
	})
}

func (s *HTTPServer) handleQueue(c *gin.Context) {
	include := c.Query("include_entries") == "true"
	c.JSON(http.StatusOK, s.app.Scheduler.Status(include))
}

// fail maps a fault kind onto its HTTP status and emits the standard
// error body.
func (s *HTTPServer) fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	})
}

func httpStatus(err error) int {
	switch fault.KindOf(err) {
	case fault.KindInvalidRequest:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case fault.KindSpawnFailed, fault.KindTerminationFailed:
		return http.StatusBadGateway
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func parseSortQuery(field, order string) (process.Sort, error) {
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

func parsePageQuery(c *gin.Context) (process.Page, error) {
	var p process.Page
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return p, fault.InvalidRequest("limit %q must be a non-negative integer", raw)
		}
		p.Limit = limit
	}
	if raw := c.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return p, fault.InvalidRequest("offset %q must be a non-negative integer", raw)
		}
		p.Offset = offset
	}
	return p, nil
}
