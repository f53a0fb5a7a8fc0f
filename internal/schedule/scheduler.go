package schedule

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	mmerrors "github.com/modularmind/modularmind/internal/errors"
)

// DefaultMaxJobs is the worker bound used when Config.MaxJobs is zero.
const DefaultMaxJobs = 5

const (
	defaultTick   = time.Second
	shutdownGrace = 2 * time.Second
)

// RunFunc executes one ingestion run for an agent. The scheduler decides
// when to call it; the callback owns the actual pipeline.
type RunFunc func(ctx context.Context, agentID string) error

// State is the scheduling state of one agent.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
)

// AgentStatus is a point-in-time snapshot of one agent's job.
type AgentStatus struct {
	AgentID   string    `json:"agent_id"`
	State     State     `json:"state"`
	Schedule  string    `json:"schedule,omitempty"`
	NextRun   time.Time `json:"next_run"`
	Runs      int       `json:"runs"`
	LastStart time.Time `json:"last_start"`
	LastEnd   time.Time `json:"last_end"`
	LastError string    `json:"last_error,omitempty"`
}

// Config tunes the scheduler loop.
type Config struct {
	// MaxJobs bounds how many agent runs may execute at once. Defaults to 5.
	MaxJobs int
	// Tick is how often the loop checks for due jobs. Defaults to 1s.
	Tick time.Duration
}

// Scheduler owns one background loop that wakes every tick and fires
// any agents whose next run time has passed. Runs execute on worker
// goroutines bounded by MaxJobs; a second run of an agent that is
// still in flight is rejected with AlreadyRunning.
type Scheduler struct {
	run   RunFunc
	tick  time.Duration
	grace time.Duration
	sem   *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	started bool
	stopped bool
}

type job struct {
	agentID   string
	sched     *Schedule // nil means manual or watch triggered only
	disabled  bool
	due       bool // set by MarkDue, consumed by the next run
	next      time.Time
	running   bool
	cancelRun context.CancelFunc
	runs      int
	lastStart time.Time
	lastEnd   time.Time
	lastErr   error
}

// New builds a scheduler. Call Start to launch the tick loop; RunAgent
// works before Start for manual runs.
func New(cfg Config, run RunFunc) *Scheduler {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = DefaultMaxJobs
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:    run,
		tick:   cfg.Tick,
		grace:  shutdownGrace,
		sem:    semaphore.NewWeighted(int64(cfg.MaxJobs)),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Start launches the background tick loop. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()
	slog.Info("scheduler_started", slog.Duration("tick", s.tick))
}

// Stop halts the tick loop, cancels in-flight runs and joins the
// workers. Workers that outlive the grace period are abandoned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("scheduler_stopped")
	case <-time.After(s.grace):
		slog.Warn("scheduler_stop_timeout", slog.Duration("grace", s.grace))
	}
}

// Add registers an agent with the scheduler, replacing any previous
// registration. An empty spec means the agent only runs when asked.
func (s *Scheduler) Add(agentID, spec string, enabled bool) error {
	var sched *Schedule
	if spec != "" {
		var err error
		sched, err = Parse(spec)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[agentID]
	if !ok {
		j = &job{agentID: agentID}
		s.jobs[agentID] = j
	}
	j.sched = sched
	j.disabled = !enabled
	j.next = time.Time{}
	if sched != nil {
		j.next = sched.Next(time.Now())
	}
	return nil
}

// Remove forgets the agent. An in-flight run finishes on its own.
func (s *Scheduler) Remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, agentID)
}

// SetEnabled flips scheduling for the agent. Re-enabling counts the
// next run from now rather than firing a catch-up burst.
func (s *Scheduler) SetEnabled(agentID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[agentID]
	if !ok {
		return
	}
	wasDisabled := j.disabled
	j.disabled = !enabled
	if wasDisabled && enabled && j.sched != nil {
		j.next = j.sched.Next(time.Now())
	}
}

// MarkDue flags the agent to run at the next tick, ahead of its
// schedule. Directory watchers use this when files change.
func (s *Scheduler) MarkDue(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[agentID]; ok {
		j.due = true
	}
}

// RunAgent starts one run of the agent. With sync true it executes on
// the calling goroutine and returns the run's error; otherwise it
// spawns a worker and returns once the run is accepted. A run of an
// agent that is already running is rejected with AlreadyRunning.
func (s *Scheduler) RunAgent(ctx context.Context, agentID string, sync bool) error {
	s.mu.Lock()
	j, ok := s.jobs[agentID]
	if !ok {
		s.mu.Unlock()
		return mmerrors.Newf(mmerrors.KindNotFound, "no scheduled agent %q", agentID)
	}
	if j.running {
		s.mu.Unlock()
		return mmerrors.Newf(mmerrors.KindAlreadyRunning, "agent %q is already running", agentID)
	}
	now := time.Now()
	j.running = true
	j.due = false
	j.runs++
	j.lastStart = now
	if j.sched != nil {
		// The interval counts from run start, whatever triggered it.
		j.next = j.sched.Next(now)
	}
	base := ctx
	if !sync {
		// Workers outlive the caller, so they hang off the scheduler.
		base = s.ctx
	}
	runCtx, cancel := context.WithCancel(base)
	j.cancelRun = cancel
	s.mu.Unlock()

	if sync {
		return s.execute(runCtx, j)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(runCtx, j)
	}()
	return nil
}

// StopAgent cancels the agent's in-flight run, if any. The stop is
// advisory: the worker notices the cancelled context at its next
// checkpoint and winds down on its own.
func (s *Scheduler) StopAgent(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[agentID]
	if !ok {
		return mmerrors.Newf(mmerrors.KindNotFound, "no scheduled agent %q", agentID)
	}
	if j.running && j.cancelRun != nil {
		j.cancelRun()
	}
	return nil
}

// Status reports the agent's current scheduling state.
func (s *Scheduler) Status(agentID string) (AgentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[agentID]
	if !ok {
		return AgentStatus{}, mmerrors.Newf(mmerrors.KindNotFound, "no scheduled agent %q", agentID)
	}
	return j.status(), nil
}

// Statuses reports all agents, sorted by id.
func (s *Scheduler) Statuses() []AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].AgentID < out[k].AgentID })
	return out
}

func (j *job) status() AgentStatus {
	st := AgentStatus{
		AgentID:   j.agentID,
		State:     StateIdle,
		NextRun:   j.next,
		Runs:      j.runs,
		LastStart: j.lastStart,
		LastEnd:   j.lastEnd,
	}
	if j.sched != nil {
		st.Schedule = j.sched.String()
	}
	switch {
	case j.running:
		st.State = StateRunning
	case j.disabled:
		st.State = StateDisabled
	}
	if j.lastErr != nil {
		st.LastError = j.lastErr.Error()
	}
	return st
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(now)
		}
	}
}

func (s *Scheduler) fireDue(now time.Time) {
	s.mu.Lock()
	var due []string
	for _, j := range s.jobs {
		if j.disabled || j.running {
			continue
		}
		if j.due || (j.sched != nil && !j.next.After(now)) {
			due = append(due, j.agentID)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		if err := s.RunAgent(s.ctx, id, false); err != nil {
			slog.Debug("scheduled_run_skipped",
				slog.String("agent_id", id),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		wrapped := mmerrors.Wrap(mmerrors.KindCancelled, err)
		s.finish(j, wrapped)
		return wrapped
	}
	defer s.sem.Release(1)

	start := time.Now()
	slog.Info("agent_run_started", slog.String("agent_id", j.agentID))
	err := s.run(ctx, j.agentID)
	s.finish(j, err)
	if err != nil {
		slog.Warn("agent_run_failed",
			slog.String("agent_id", j.agentID),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return err
	}
	slog.Info("agent_run_finished",
		slog.String("agent_id", j.agentID),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *Scheduler) finish(j *job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.running = false
	j.lastEnd = time.Now()
	j.lastErr = err
	if j.cancelRun != nil {
		j.cancelRun()
		j.cancelRun = nil
	}
}
