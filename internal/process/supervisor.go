package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"conductor/internal/async"
	"conductor/internal/bus"
	"conductor/internal/fault"
	"conductor/internal/logging"
)

const (
	// maxLineBytes caps a single captured line; longer lines are split
	// into chunks of this size.
	maxLineBytes = 64 * 1024

	// DefaultStopTimeout is how long Stop waits after the polite signal
	// before escalating to SIGKILL.
	DefaultStopTimeout = 5 * time.Second

	// DefaultDrainWindow bounds how long the exit path waits for the
	// output readers to flush after the child is reaped.
	DefaultDrainWindow = 250 * time.Millisecond

	// killGrace bounds the wait for the exit notification after SIGKILL.
	killGrace = 2 * time.Second
)

// SupervisorConfig tunes child process handling. Zero values fall back
// to the package defaults.
type SupervisorConfig struct {
	StopTimeout time.Duration
	DrainWindow time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = DefaultDrainWindow
	}
	return c
}

// Supervisor spawns child processes in their own process groups, streams
// their output into the registry rings and drives each record through the
// state machine to a terminal state.
type Supervisor struct {
	registry *Registry
	bus      *bus.Bus
	logger   logging.Logger
	cfg      SupervisorConfig

	mu       sync.Mutex
	children map[string]*child
}

// child tracks one live process between Start and its terminal
// transition.
type child struct {
	id   string
	cmd  *exec.Cmd
	pgid int

	stopRequested atomic.Bool
	readers       sync.WaitGroup
	// done is closed by the waiter after final is set and the terminal
	// transition committed.
	done  chan struct{}
	final Record
}

// NewSupervisor builds a supervisor around the given registry. The bus is
// optional; when nil no events are published.
func NewSupervisor(registry *Registry, b *bus.Bus, cfg SupervisorConfig, logger logging.Logger) *Supervisor {
	return &Supervisor{
		registry: registry,
		bus:      b,
		logger:   logging.OrNop(logger),
		cfg:      cfg.withDefaults(),
		children: make(map[string]*child),
	}
}

// Start validates the spec, registers the record and spawns the child in
// its own process group. It returns once the process is running; exit
// handling continues in the background. Spawn failures leave the record
// failed with the cause in a system log line.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (Record, error) {
	if err := spec.Validate(); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, fault.WithCause(fault.ErrTimeout, err, "start cancelled")
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	priority := spec.Priority
	if priority == 0 {
		priority = PriorityDefault
	}

	// Retries reuse the scheduler's stable id; clear the previous
	// attempt's terminal record before registering the new one.
	if old, ok := s.registry.Get(id); ok {
		if !old.Status.IsTerminal() {
			return Record{}, fault.Conflict("process %s is already %s", id, old.Status)
		}
		s.registry.Remove(id)
	}

	rec := Record{
		ID:        id,
		Title:     spec.Title,
		Command:   append([]string(nil), spec.Command...),
		Env:       cloneMap(spec.Env),
		Dir:       spec.Dir,
		Status:    StatusStarting,
		Priority:  priority,
		StartTime: time.Now().UTC(),
		Metadata:  cloneMap(spec.Metadata),
	}
	if err := s.registry.Add(rec); err != nil {
		return Record{}, err
	}
	s.publish(bus.TopicProcessCreated, rec)

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = mergedEnv(spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failSpawn(id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failSpawn(id, err)
	}

	if err := cmd.Start(); err != nil {
		return s.failSpawn(id, err)
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	c := &child{id: id, cmd: cmd, pgid: pgid, done: make(chan struct{})}

	s.mu.Lock()
	s.children[id] = c
	s.mu.Unlock()

	running, err := s.registry.Update(id, func(r *Record) {
		r.Status = StatusRunning
		r.PID = pid
	})
	if err != nil {
		s.logger.Error("process %s: running transition: %v", id, err)
		running, _ = s.registry.Get(id)
	}
	s.publish(bus.TopicProcessStarted, running)

	async.GoWG(&c.readers, s.logger, "process.stdout."+id, func() {
		s.readStream(id, StreamStdout, stdout)
	})
	async.GoWG(&c.readers, s.logger, "process.stderr."+id, func() {
		s.readStream(id, StreamStderr, stderr)
	})
	async.Go(s.logger, "process.wait."+id, func() {
		s.waitChild(c)
	})

	s.logger.Info("process %s started: pid=%d pgid=%d title=%q", id, pid, pgid, spec.Title)
	return running, nil
}

// failSpawn marks the record failed and returns the SpawnFailed fault
// together with the final record.
func (s *Supervisor) failSpawn(id string, cause error) (Record, error) {
	s.appendLog(id, StreamSystem, fmt.Sprintf("spawn failed: %v", cause))
	now := time.Now().UTC()
	final, err := s.registry.Update(id, func(r *Record) {
		r.Status = StatusFailed
		r.EndTime = &now
	})
	if err != nil {
		s.logger.Error("process %s: spawn failure transition: %v", id, err)
		final, _ = s.registry.Get(id)
	}
	s.publish(bus.TopicProcessExited, final)
	s.logger.Warn("process %s: spawn failed: %v", id, cause)
	return final, fault.WithCause(fault.ErrSpawnFailed, cause, "spawn process %s", id)
}

// Stop terminates a running process: polite SIGTERM first, SIGKILL when
// the timeout expires, or SIGKILL immediately when force is set. The
// whole process group is signalled. Stop blocks until the terminal
// transition is committed and returns the final record.
func (s *Supervisor) Stop(ctx context.Context, id string, force bool, timeout time.Duration) (Record, error) {
	if timeout <= 0 {
		timeout = s.cfg.StopTimeout
	}

	rec, ok := s.registry.Get(id)
	if !ok {
		return Record{}, fault.NotFound("process %s", id)
	}
	switch rec.Status {
	case StatusRunning:
	case StatusStarting:
		return Record{}, fault.Conflict("process %s is still starting", id)
	case StatusStopping:
		return Record{}, fault.Conflict("process %s is already stopping", id)
	default:
		return Record{}, fault.Conflict("process %s is already %s", id, rec.Status)
	}

	s.mu.Lock()
	c := s.children[id]
	s.mu.Unlock()
	if c == nil {
		return Record{}, fault.Internal("process %s has no supervised child", id)
	}

	if _, err := s.registry.Update(id, func(r *Record) { r.Status = StatusStopping }); err != nil {
		return Record{}, err
	}
	c.stopRequested.Store(true)

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	s.logger.Info("process %s: sending %s to pgid %d", id, signalName(sig), c.pgid)
	s.signalGroup(c, sig)

	if !force {
		select {
		case <-c.done:
			return c.final.Clone(), nil
		case <-time.After(timeout):
			s.appendLog(id, StreamSystem, fmt.Sprintf("no exit after %s, escalating to SIGKILL", timeout))
			s.logger.Warn("process %s: stop timeout after %s, sending SIGKILL", id, timeout)
			s.signalGroup(c, syscall.SIGKILL)
		case <-ctx.Done():
			return Record{}, fault.WithCause(fault.ErrTimeout, ctx.Err(), "stop process %s interrupted", id)
		}
	}

	select {
	case <-c.done:
		return c.final.Clone(), nil
	case <-time.After(killGrace):
	case <-ctx.Done():
		return Record{}, fault.WithCause(fault.ErrTimeout, ctx.Err(), "stop process %s interrupted", id)
	}

	// The child survived SIGKILL (unkillable, e.g. stuck in the kernel).
	// Commit the failure; the late waiter notices and stays quiet.
	s.appendLog(id, StreamSystem, "process survived SIGKILL")
	now := time.Now().UTC()
	final, err := s.registry.Update(id, func(r *Record) {
		r.Status = StatusFailed
		r.EndTime = &now
	})
	if err != nil {
		final, _ = s.registry.Get(id)
	}
	s.publish(bus.TopicProcessExited, final)
	return final, fault.TerminationFailed("process %s did not exit after SIGKILL", id)
}

// Run starts the process and blocks until it reaches a terminal state,
// returning the final record. Cancelling the context stops the child.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (Record, error) {
	rec, err := s.Start(ctx, spec)
	if err != nil {
		return rec, err
	}

	s.mu.Lock()
	c := s.children[rec.ID]
	s.mu.Unlock()
	if c == nil {
		final, _ := s.registry.Get(rec.ID)
		return final, nil
	}

	select {
	case <-c.done:
		return c.final.Clone(), nil
	case <-ctx.Done():
		final, stopErr := s.Stop(context.Background(), rec.ID, false, 0)
		if stopErr != nil {
			// The child may have exited while we raced the stop.
			select {
			case <-c.done:
				return c.final.Clone(), nil
			default:
			}
			return final, stopErr
		}
		return final, nil
	}
}

// Wait blocks until the process reaches a terminal state and returns the
// final record. Processes already terminal return immediately.
func (s *Supervisor) Wait(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	c := s.children[id]
	s.mu.Unlock()
	if c == nil {
		rec, ok := s.registry.Get(id)
		if !ok {
			return Record{}, fault.NotFound("process %s", id)
		}
		if !rec.Status.IsTerminal() {
			return Record{}, fault.Internal("process %s is %s but not supervised", id, rec.Status)
		}
		return rec, nil
	}
	select {
	case <-c.done:
		return c.final.Clone(), nil
	case <-ctx.Done():
		return Record{}, fault.WithCause(fault.ErrTimeout, ctx.Err(), "wait for process %s interrupted", id)
	}
}

// StopAll force-stops every live child and waits for the terminal
// transitions. Used during shutdown.
func (s *Supervisor) StopAll(ctx context.Context, timeout time.Duration) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		async.GoWG(&wg, s.logger, "process.stopall."+id, func() {
			if _, err := s.Stop(ctx, id, false, timeout); err != nil && fault.KindOf(err) != fault.KindConflict {
				s.logger.Warn("stop process %s: %v", id, err)
			}
		})
	}
	wg.Wait()
}

// LiveCount returns the number of children between Start and their
// terminal transition.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// readStream copies one pipe into the log ring line by line. Lines longer
// than maxLineBytes are split into chunks, each its own entry.
func (s *Supervisor) readStream(id string, stream Stream, r io.Reader) {
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			s.appendLog(id, stream, strings.TrimRight(string(chunk), "\r\n"))
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("process %s: %s reader: %v", id, stream, err)
			}
			return
		}
	}
}

// waitChild reaps the process, drains the readers within the configured
// window and commits the terminal transition.
func (s *Supervisor) waitChild(c *child) {
	waitErr := c.cmd.Wait()

	// Wait closed the parent pipe ends; give the readers a bounded
	// window to flush what they already buffered.
	drained := make(chan struct{})
	go func() { c.readers.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-time.After(s.cfg.DrainWindow):
		s.logger.Warn("process %s: log drain window expired", c.id)
	}

	exitCode, sig := exitStatus(c.cmd, waitErr)

	status := StatusFailed
	if c.stopRequested.Load() || (waitErr == nil && exitCode == 0) {
		status = StatusStopped
	}

	if sig != "" {
		s.appendLog(c.id, StreamSystem, fmt.Sprintf("terminated by signal %s", sig))
	} else {
		s.appendLog(c.id, StreamSystem, fmt.Sprintf("exited with code %d", exitCode))
	}

	now := time.Now().UTC()
	final, err := s.registry.Update(c.id, func(r *Record) {
		r.Status = status
		r.EndTime = &now
		r.Signal = sig
		if sig == "" {
			code := exitCode
			r.ExitCode = &code
		}
	})
	published := false
	if err != nil {
		// Stop's SIGKILL-survivor path may have committed failure first.
		s.logger.Debug("process %s: terminal transition: %v", c.id, err)
		final, _ = s.registry.Get(c.id)
	} else {
		published = true
	}

	c.final = final
	close(c.done)

	s.mu.Lock()
	delete(s.children, c.id)
	s.mu.Unlock()

	if published {
		s.publish(bus.TopicProcessExited, final)
	}
	s.logger.Info("process %s finished: status=%s exitCode=%v signal=%q", c.id, final.Status, exitCode, sig)
}

func (s *Supervisor) appendLog(id string, stream Stream, text string) {
	entry, ok := s.registry.AppendLog(id, stream, text)
	if !ok {
		return
	}
	s.publish(bus.TopicProcessLog, LogEvent{ProcessID: id, Entry: entry})
}

func (s *Supervisor) publish(topic bus.Topic, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(topic, payload)
}

// signalGroup signals the whole process group, falling back to the direct
// pid when the group is already gone. ESRCH means the target exited and
// is not an error.
func (s *Supervisor) signalGroup(c *child, sig syscall.Signal) {
	err := syscall.Kill(-c.pgid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return
	}
	if err := syscall.Kill(c.cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("process %s: signal %s: %v", c.id, signalName(sig), err)
	}
}

// exitStatus extracts the exit code and, for signal deaths, the signal
// name from a reaped command.
func exitStatus(cmd *exec.Cmd, waitErr error) (int, string) {
	state := cmd.ProcessState
	if state == nil {
		if waitErr != nil {
			return -1, ""
		}
		return 0, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -1, signalName(ws.Signal())
		}
		if ws.Exited() {
			return ws.ExitStatus(), ""
		}
	}
	return state.ExitCode(), ""
}

var signalNames = map[syscall.Signal]string{
	syscall.SIGHUP:  "SIGHUP",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGABRT: "SIGABRT",
	syscall.SIGKILL: "SIGKILL",
	syscall.SIGSEGV: "SIGSEGV",
	syscall.SIGPIPE: "SIGPIPE",
	syscall.SIGTERM: "SIGTERM",
}

func signalName(sig syscall.Signal) string {
	if name, ok := signalNames[sig]; ok {
		return name
	}
	return fmt.Sprintf("SIG%d", int(sig))
}

// mergedEnv layers the overrides on top of the parent environment.
// Returns nil (inherit everything) when there are no overrides.
func mergedEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	parent := os.Environ()
	out := make([]string, 0, len(parent)+len(overrides))
	for _, kv := range parent {
		key, _, _ := strings.Cut(kv, "=")
		if _, shadowed := overrides[key]; shadowed {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
