// Package queue admits process specs into a bounded set of running
// children. A single dispatch goroutine owns all queue state; public
// methods and completion callbacks post closures to its control channel,
// so no caller ever blocks on dispatch work. Eligible entries start in
// (priority desc, admission asc) order, failed attempts are retried with
// exponential backoff, and every mutation is snapshotted to disk.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conductor/internal/async"
	"conductor/internal/bus"
	"conductor/internal/fault"
	"conductor/internal/logging"
	"conductor/internal/process"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxConcurrent = 4
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 30 * time.Second
)

// Submission states reported by Submit.
const (
	StateQueued  = "queued"
	StateRunning = "running"
)

// Config tunes admission and retry behavior. MaxRetries zero means a
// failed attempt is never re-run.
type Config struct {
	MaxConcurrent int           `json:"maxConcurrent"`
	MaxRetries    int           `json:"maxRetries"`
	BackoffBase   time.Duration `json:"backoffBase"`
	BackoffMax    time.Duration `json:"backoffMax"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// validate rejects configs that would wedge or thrash the loop.
func (c Config) validate() error {
	if c.MaxConcurrent < 1 {
		return fault.InvalidRequest("maxConcurrent must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fault.InvalidRequest("maxRetries must not be negative")
	}
	if c.BackoffBase <= 0 {
		return fault.InvalidRequest("backoffBase must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fault.InvalidRequest("backoffMax must not be below backoffBase")
	}
	return nil
}

// backoff returns the delay before the given retry attempt (1-based),
// capped at BackoffMax.
func (c Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return c.BackoffMax
	}
	d := c.BackoffBase * (1 << uint(attempt-1))
	if d <= 0 || d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// Entry is one admission. The spec id doubles as the process id and stays
// stable across retry attempts.
type Entry struct {
	ProcessID      string       `json:"processId"`
	Spec           process.Spec `json:"spec"`
	Attempt        int          `json:"attempt"`
	AdmissionTime  time.Time    `json:"admissionTime"`
	NextEligibleAt time.Time    `json:"nextEligibleAt"`
	Cancelled      bool         `json:"cancelled,omitempty"`
}

func (e *Entry) clone() Entry {
	cp := *e
	cp.Spec = cloneSpec(e.Spec)
	return cp
}

func cloneSpec(sp process.Spec) process.Spec {
	cp := sp
	cp.Command = append([]string(nil), sp.Command...)
	if sp.Env != nil {
		env := make(map[string]string, len(sp.Env))
		for k, v := range sp.Env {
			env[k] = v
		}
		cp.Env = env
	}
	if sp.Metadata != nil {
		md := make(map[string]string, len(sp.Metadata))
		for k, v := range sp.Metadata {
			md[k] = v
		}
		cp.Metadata = md
	}
	return cp
}

// Status is a point-in-time view of the dispatch loop. Entries holds the
// queued (not running) admissions in dispatch order when requested.
type Status struct {
	Running int     `json:"running"`
	Queued  int     `json:"queued"`
	Paused  bool    `json:"paused"`
	Config  Config  `json:"config"`
	Entries []Entry `json:"entries,omitempty"`
}

// SubmitResult reports where an admission landed.
type SubmitResult struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// Launcher spawns and reaps processes on behalf of the scheduler.
// *process.Supervisor satisfies it.
type Launcher interface {
	Start(ctx context.Context, spec process.Spec) (process.Record, error)
	Wait(ctx context.Context, id string) (process.Record, error)
	Stop(ctx context.Context, id string, force bool, timeout time.Duration) (process.Record, error)
}

// Scheduler owns the admission queue. All mutable state below the ctrl
// channel belongs to the dispatch goroutine and is never touched outside
// it.
type Scheduler struct {
	launcher Launcher
	bus      *bus.Bus
	logger   logging.Logger
	store    *snapshotStore

	ctrl chan func()
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	cfg          Config
	paused       bool
	draining     bool
	queue        []*Entry
	running      map[string]*Entry
	drainWaiters []chan struct{}
	timer        *time.Timer
	timerArmed   bool
}

// New restores any snapshot at snapshotPath and starts the dispatch loop.
// An empty snapshotPath disables persistence. The bus is optional.
func New(cfg Config, launcher Launcher, b *bus.Bus, snapshotPath string, logger logging.Logger) *Scheduler {
	s := &Scheduler{
		launcher: launcher,
		bus:      b,
		logger:   logging.OrNop(logger),
		ctrl:     make(chan func(), 64),
		quit:     make(chan struct{}),
		cfg:      cfg.withDefaults(),
		running:  make(map[string]*Entry),
	}
	if snapshotPath != "" {
		s.store = newSnapshotStore(snapshotPath, s.logger)
		if snap, ok := s.store.load(); ok {
			s.paused = snap.Paused
			for _, e := range snap.Entries {
				if e.Cancelled {
					continue
				}
				entry := e
				s.queue = append(s.queue, &entry)
			}
			if len(s.queue) > 0 || snap.Paused {
				s.logger.Info("queue: restored %d entries from snapshot (paused=%v)", len(s.queue), snap.Paused)
			}
		}
	}

	s.timer = time.NewTimer(time.Hour)
	if !s.timer.Stop() {
		<-s.timer.C
	}

	async.GoWG(&s.wg, s.logger, "queue.dispatch", s.run)
	return s
}

// Submit validates and admits a spec. With immediate set the entry skips
// queue ordering and starts right away iff a slot is free and the loop is
// not paused; otherwise it queues normally. The returned id is stable
// across retry attempts.
func (s *Scheduler) Submit(spec process.Spec, immediate bool) (SubmitResult, error) {
	if err := spec.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Priority == 0 {
		spec.Priority = process.PriorityDefault
	}

	var (
		res  SubmitResult
		rerr error
	)
	ok := s.call(func() {
		if s.draining {
			rerr = fault.Conflict("queue is draining")
			return
		}
		if s.knows(spec.ID) {
			rerr = fault.Conflict("submission %s is already queued or running", spec.ID)
			return
		}

		now := time.Now().UTC()
		e := &Entry{
			ProcessID:      spec.ID,
			Spec:           spec,
			AdmissionTime:  now,
			NextEligibleAt: now,
		}
		if immediate && !s.paused && len(s.running) < s.cfg.MaxConcurrent {
			s.launch(e)
			res = SubmitResult{ID: spec.ID, State: StateRunning}
		} else {
			s.queue = append(s.queue, e)
			res = SubmitResult{ID: spec.ID, State: StateQueued}
		}
		s.settle()
	})
	if !ok {
		return SubmitResult{}, fault.Conflict("queue is closed")
	}
	return res, rerr
}

// Cancel removes an admission. A queued entry is marked cancelled and
// compacted on the next dispatch pass; a running one is handed to the
// launcher's Stop asynchronously. Returns true exactly once per id;
// unknown or already cancelled ids return false.
func (s *Scheduler) Cancel(id string) bool {
	var cancelled bool
	s.call(func() {
		if e, ok := s.running[id]; ok {
			if e.Cancelled {
				return
			}
			e.Cancelled = true
			cancelled = true
			async.Go(s.logger, "queue.cancel."+id, func() {
				if _, err := s.launcher.Stop(context.Background(), id, false, 0); err != nil {
					s.logger.Warn("queue: cancel %s: stop: %v", id, err)
				}
			})
			s.logger.Info("queue: cancelling running %s", id)
			return
		}
		for _, e := range s.queue {
			if e.ProcessID == id && !e.Cancelled {
				e.Cancelled = true
				cancelled = true
				s.logger.Info("queue: cancelled queued %s", id)
				s.settle()
				return
			}
		}
	})
	return cancelled
}

// Pause stops dispatching new entries. Running children are unaffected.
func (s *Scheduler) Pause() {
	s.call(func() {
		if s.paused {
			return
		}
		s.paused = true
		s.logger.Info("queue: paused")
		s.settle()
	})
}

// Resume re-enables dispatch.
func (s *Scheduler) Resume() {
	s.call(func() {
		if !s.paused {
			return
		}
		s.paused = false
		s.logger.Info("queue: resumed")
		s.settle()
	})
}

// SetConfig replaces the scheduler config. A raised MaxConcurrent takes
// effect on the next dispatch pass; a lowered one only throttles new
// dispatches.
func (s *Scheduler) SetConfig(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	ok := s.call(func() {
		s.cfg = cfg
		s.logger.Info("queue: config set: maxConcurrent=%d maxRetries=%d backoffBase=%s backoffMax=%s",
			cfg.MaxConcurrent, cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax)
		s.settle()
	})
	if !ok {
		return fault.Conflict("queue is closed")
	}
	return nil
}

// Config returns the effective scheduler config.
func (s *Scheduler) Config() Config {
	var cfg Config
	if !s.call(func() { cfg = s.cfg }) {
		return s.cfg
	}
	return cfg
}

// Status reports counts and, when includeEntries is set, the queued
// entries in dispatch order.
func (s *Scheduler) Status(includeEntries bool) Status {
	var st Status
	s.call(func() { st = s.snapshotStatus(includeEntries) })
	return st
}

// Drain stops admitting and dispatching, waits for running children to
// finish (bounded by ctx) and persists a final snapshot. Queued entries
// survive in the snapshot for the next start.
func (s *Scheduler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	ok := s.post(func() {
		s.draining = true
		if len(s.running) == 0 {
			close(done)
		} else {
			s.drainWaiters = append(s.drainWaiters, done)
		}
		s.persist()
	})
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fault.WithCause(fault.ErrTimeout, ctx.Err(), "queue drain interrupted")
	}
}

// Close stops the dispatch loop after persisting a final snapshot. Safe
// to call more than once. Completions arriving after Close are dropped.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}

func (s *Scheduler) run() {
	s.settle()
	for {
		select {
		case fn := <-s.ctrl:
			fn()
		case <-s.timer.C:
			s.timerArmed = false
			s.settle()
		case <-s.quit:
			s.persist()
			return
		}
	}
}

// post hands fn to the dispatch loop. Returns false once the loop is
// closing so blocked senders never hang.
func (s *Scheduler) post(fn func()) bool {
	select {
	case s.ctrl <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// call posts fn and waits for the loop to run it.
func (s *Scheduler) call(fn func()) bool {
	done := make(chan struct{})
	if !s.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-s.quit:
		return false
	}
}

// settle is the single mutation epilogue: compact cancelled entries,
// dispatch whatever is eligible, arm the backoff timer, persist and
// announce. Loop goroutine only.
func (s *Scheduler) settle() {
	s.compact()
	s.dispatchEligible()
	s.rearmBackoff()
	s.persist()
	s.announce()
}

// compact drops cancelled entries from the queue.
func (s *Scheduler) compact() {
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.Cancelled {
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
}

func (s *Scheduler) dispatchEligible() {
	now := time.Now().UTC()
	for !s.paused && !s.draining && len(s.running) < s.cfg.MaxConcurrent {
		idx := s.pickEligible(now)
		if idx < 0 {
			return
		}
		e := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.launch(e)
	}
}

// pickEligible returns the index of the next entry to dispatch: highest
// priority first, earliest admission breaking ties.
func (s *Scheduler) pickEligible(now time.Time) int {
	best := -1
	for i, e := range s.queue {
		if e.Cancelled || e.NextEligibleAt.After(now) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := s.queue[best]
		if e.Spec.Priority > b.Spec.Priority ||
			(e.Spec.Priority == b.Spec.Priority && e.AdmissionTime.Before(b.AdmissionTime)) {
			best = i
		}
	}
	return best
}

// launch moves the entry into running and runs one attempt on its own
// goroutine. The completion posts back into the loop.
func (s *Scheduler) launch(e *Entry) {
	s.running[e.ProcessID] = e
	spec := e.Spec
	s.logger.Info("queue: dispatching %s (priority=%d attempt=%d)", e.ProcessID, spec.Priority, e.Attempt)
	async.Go(s.logger, "queue.run."+e.ProcessID, func() {
		final, err := s.runOnce(spec)
		s.post(func() { s.finish(e, final, err) })
	})
}

func (s *Scheduler) runOnce(spec process.Spec) (process.Record, error) {
	rec, err := s.launcher.Start(context.Background(), spec)
	if err != nil {
		return rec, err
	}
	return s.launcher.Wait(context.Background(), spec.ID)
}

// finish handles one attempt's completion: requeue with backoff when the
// attempt failed and retries remain, then free the slot.
func (s *Scheduler) finish(e *Entry, final process.Record, err error) {
	delete(s.running, e.ProcessID)

	failed := err != nil || final.Status == process.StatusFailed
	switch {
	case failed && !e.Cancelled && !s.draining && e.Attempt < s.cfg.MaxRetries:
		e.Attempt++
		delay := s.cfg.backoff(e.Attempt)
		e.NextEligibleAt = time.Now().UTC().Add(delay)
		s.queue = append(s.queue, e)
		s.logger.Info("queue: %s failed, retry %d/%d in %s", e.ProcessID, e.Attempt, s.cfg.MaxRetries, delay)
	case failed:
		s.logger.Warn("queue: %s finished failed (attempt=%d, err=%v)", e.ProcessID, e.Attempt, err)
	default:
		s.logger.Info("queue: %s finished: %s", e.ProcessID, final.Status)
	}

	if s.draining && len(s.running) == 0 {
		for _, w := range s.drainWaiters {
			close(w)
		}
		s.drainWaiters = nil
	}
	s.settle()
}

// rearmBackoff points the timer at the earliest future eligibility so
// backed-off entries wake the loop without polling.
func (s *Scheduler) rearmBackoff() {
	now := time.Now().UTC()
	var next time.Time
	for _, e := range s.queue {
		if e.Cancelled || !e.NextEligibleAt.After(now) {
			continue
		}
		if next.IsZero() || e.NextEligibleAt.Before(next) {
			next = e.NextEligibleAt
		}
	}

	if s.timerArmed {
		if !s.timer.Stop() {
			select {
			case <-s.timer.C:
			default:
			}
		}
		s.timerArmed = false
	}
	if next.IsZero() {
		return
	}
	s.timer.Reset(time.Until(next) + 10*time.Millisecond)
	s.timerArmed = true
}

func (s *Scheduler) knows(id string) bool {
	if _, ok := s.running[id]; ok {
		return true
	}
	for _, e := range s.queue {
		if e.ProcessID == id && !e.Cancelled {
			return true
		}
	}
	return false
}

func (s *Scheduler) snapshotStatus(includeEntries bool) Status {
	st := Status{
		Running: len(s.running),
		Paused:  s.paused,
		Config:  s.cfg,
	}
	for _, e := range s.queue {
		if !e.Cancelled {
			st.Queued++
		}
	}
	if includeEntries {
		st.Entries = make([]Entry, 0, st.Queued)
		for _, e := range s.queue {
			if !e.Cancelled {
				st.Entries = append(st.Entries, e.clone())
			}
		}
		sort.SliceStable(st.Entries, func(i, j int) bool {
			if st.Entries[i].Spec.Priority != st.Entries[j].Spec.Priority {
				return st.Entries[i].Spec.Priority > st.Entries[j].Spec.Priority
			}
			return st.Entries[i].AdmissionTime.Before(st.Entries[j].AdmissionTime)
		})
	}
	return st
}

func (s *Scheduler) persist() {
	if s.store == nil {
		return
	}
	snap := snapshot{Paused: s.paused, Config: s.cfg}
	snap.Entries = make([]Entry, 0, len(s.queue))
	for _, e := range s.queue {
		if e.Cancelled {
			continue
		}
		snap.Entries = append(snap.Entries, e.clone())
	}
	s.store.save(snap)
}

func (s *Scheduler) announce() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicQueueChanged, s.snapshotStatus(false))
}
