// Package server assembles the long-lived components into one process
// and serves the three surfaces: MCP over stdio, HTTP with the /ws
// endpoint, and the optional Prometheus listener owned by the metrics
// collector.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/bus"
	"conductor/internal/config"
	"conductor/internal/fragment"
	"conductor/internal/hub"
	"conductor/internal/knowledge"
	"conductor/internal/logging"
	"conductor/internal/observability"
	"conductor/internal/process"
	"conductor/internal/queue"
)

// shutdownGrace bounds the drain-and-stop sequence once every surface
// has returned.
const shutdownGrace = 10 * time.Second

// App owns every component. Construction follows the dependency graph;
// Shutdown walks it in reverse.
type App struct {
	Config  config.Config
	Version string
	Logger  logging.Logger

	Bus        *bus.Bus
	Registry   *process.Registry
	Supervisor *process.Supervisor
	Scheduler  *queue.Scheduler
	Hub        *hub.Hub
	Knowledge  *knowledge.Store
	Fragments  *fragment.Store
	Links      *fragment.LinkStore
	Metrics    *observability.MetricsCollector
	Tracer     *observability.TracerProvider

	detach   []func()
	started  time.Time
	downOnce sync.Once
	downErr  error
}

// New builds the component graph from cfg. The caller owns the returned
// App and must call Shutdown, directly or through Run.
func New(cfg config.Config, version string, logger logging.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Version: version, Logger: logger, started: time.Now()}

	metrics, err := observability.NewMetricsCollector(cfg.Metrics, logger)
	if err != nil {
		return nil, err
	}
	a.Metrics = metrics

	tracer, err := observability.NewTracerProvider(cfg.Tracing, version)
	if err != nil {
		return nil, err
	}
	a.Tracer = tracer

	a.Bus = bus.New(logger)
	a.Registry = process.NewRegistry(cfg.Supervisor.LogBufferSize, logger)
	a.Supervisor = process.NewSupervisor(a.Registry, a.Bus, process.SupervisorConfig{
		StopTimeout: cfg.Supervisor.StopTimeout,
		DrainWindow: cfg.Supervisor.DrainWindow,
	}, logger)
	a.Scheduler = queue.New(queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxRetries:    cfg.Queue.MaxRetries,
		BackoffBase:   cfg.Queue.BackoffBase,
		BackoffMax:    cfg.Queue.BackoffMax,
	}, a.Supervisor, a.Bus, filepath.Join(cfg.DataDir, "queue.json"), logger)
	a.Hub = hub.New(hub.Config{
		OutboundBuffer: cfg.Hub.OutboundBuffer,
		SweepInterval:  cfg.Hub.SweepInterval,
		MaxInactive:    cfg.Hub.MaxInactive,
	}, logger)

	root := knowledgeRoot(cfg)
	a.Knowledge, err = knowledge.NewStore(root, a.Bus, logger)
	if err != nil {
		return nil, err
	}

	embedder, err := fragment.NewEmbedder(fragment.EmbedderConfig{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: cfg.Embedding.MaxRetries,
		RetryDelay: cfg.Embedding.RetryDelay,
		MaxTokens:  cfg.Embedding.MaxTokens,
		CacheSize:  cfg.Embedding.CacheSize,
		Metrics:    metrics,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.Fragments, err = fragment.NewStore(root, observability.TraceEmbedder(embedder, tracer), a.Bus, logger)
	if err != nil {
		return nil, err
	}
	a.Links = fragment.NewLinkStore(filepath.Join(root, "links.json"), a.Bus, logger)

	a.detach = append(a.detach, connectBridge(a.Bus, a.Hub, metrics, logger))
	a.detach = append(a.detach, a.Hub.OnConnectionEvent(func(ev hub.ConnectionEvent) {
		switch ev.Type {
		case hub.EventConnected:
			metrics.IncrementHubSessions(context.Background())
		case hub.EventDisconnected:
			metrics.DecrementHubSessions(context.Background())
		case hub.EventError:
			metrics.RecordMessageDropped(context.Background())
		}
	}))

	logger.Info("server: components ready (data %s, knowledge %s)", cfg.DataDir, root)
	return a, nil
}

// knowledgeRoot resolves the knowledge directory against data_dir unless
// it is already absolute.
func knowledgeRoot(cfg config.Config) string {
	if filepath.IsAbs(cfg.KnowledgeDir) {
		return cfg.KnowledgeDir
	}
	return filepath.Join(cfg.DataDir, cfg.KnowledgeDir)
}

// RunOptions selects the surfaces Run serves. The zero value serves
// nothing; callers set at least one of Stdio or HTTP.
type RunOptions struct {
	Stdio bool
	HTTP  bool

	// Stdin and Stdout carry the MCP stream; they default to the
	// process streams.
	Stdin  io.Reader
	Stdout io.Writer
}

// Run serves the selected surfaces until ctx is cancelled or one of
// them fails, then shuts the App down. Stdin EOF counts as a shutdown
// request so `conductor serve` exits when its client goes away.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if opts.Stdio {
		in, out := opts.Stdin, opts.Stdout
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		srv := NewMCPServer(a)
		g.Go(func() error {
			defer cancel()
			err := ServeStdio(gctx, srv, in, out)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if opts.HTTP {
		httpSrv := NewHTTPServer(a)
		g.Go(func() error {
			defer cancel()
			return httpSrv.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
			defer stop()
			return httpSrv.Stop(stopCtx)
		})
	}

	runErr := g.Wait()
	if errors.Is(runErr, http.ErrServerClosed) || errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	shutCtx, done := context.WithTimeout(context.Background(), shutdownGrace)
	defer done()
	return errors.Join(runErr, a.Shutdown(shutCtx))
}

// Shutdown stops the components in reverse dependency order: hub
// sessions first so no dashboard watches a half-stopped world, then the
// scheduler drains and snapshots, the supervisor stops leftover
// children, and finally the bus and exporters. Later calls return the
// first call's result.
func (a *App) Shutdown(ctx context.Context) error {
	a.downOnce.Do(func() {
		for _, off := range a.detach {
			off()
		}
		a.Hub.Close()

		var errs []error
		if err := a.Scheduler.Drain(ctx); err != nil {
			a.Logger.Warn("server: queue drain: %v", err)
			errs = append(errs, err)
		}
		a.Scheduler.Close()
		a.Supervisor.StopAll(ctx, a.Config.Supervisor.StopTimeout)
		a.Bus.Close()

		if err := a.Metrics.Shutdown(ctx); err != nil {
			a.Logger.Warn("server: metrics shutdown: %v", err)
			errs = append(errs, err)
		}
		if err := a.Tracer.Shutdown(ctx); err != nil {
			a.Logger.Warn("server: tracer shutdown: %v", err)
			errs = append(errs, err)
		}

		a.Logger.Info("server: shutdown complete")
		a.downErr = errors.Join(errs...)
	})
	return a.downErr
}

// Uptime reports how long the App has been running.
func (a *App) Uptime() time.Duration {
	return time.Since(a.started)
}
