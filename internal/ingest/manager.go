// Package ingest owns the agent registry and the run pipeline that
// turns fetched documents into stored chunks.
//
// The registry lives behind an atomic snapshot: readers dereference
// the current map without locking, writers serialise on one mutex and
// swap in a copy. Each agent is mirrored to disk as one JSON file
// under the configured directory, so a restart picks up where the
// process left off.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/modularmind/modularmind/internal/agent"
	"github.com/modularmind/modularmind/internal/chunk"
	"github.com/modularmind/modularmind/internal/document"
	mmerrors "github.com/modularmind/modularmind/internal/errors"
	"github.com/modularmind/modularmind/internal/schedule"
)

// maxConsecutiveFailures is the streak that disables an agent.
const maxConsecutiveFailures = 5

type registry map[string]*agent.Config

type runLog map[string]*AgentRun

// Sink receives the chunks an ingestion run produces. The vector store
// facade satisfies it.
type Sink interface {
	AddBatch(ctx context.Context, chunks []*document.Chunk) error
}

// Options configure a Manager. This is the ingestion surface of
// ingestion.yaml.
type Options struct {
	// ConfigPath is the directory holding one JSON file per agent.
	ConfigPath string `yaml:"config_path" json:"config_path"`
	// MaxJobs bounds concurrent agent runs. Defaults to 5.
	MaxJobs int `yaml:"max_jobs" json:"max_jobs"`
	// Tick overrides the scheduler wake interval. Zero keeps the one
	// second default.
	Tick time.Duration `yaml:"-" json:"-"`
}

// AgentRun records the outcome of one run. The latest run per agent is
// retained; ItemCount counts stored chunks, Documents counts the
// documents they came from.
type AgentRun struct {
	JobID        string    `json:"job_id"`
	AgentID      string    `json:"agent_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	Success      bool      `json:"success"`
	ItemCount    int       `json:"item_count"`
	Documents    int       `json:"documents"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// AgentStatus couples the scheduler view with the agent's identity.
type AgentStatus struct {
	schedule.AgentStatus
	Name       string `json:"name"`
	AgentType  string `json:"agent_type"`
	Enabled    bool   `json:"enabled"`
	ErrorCount int    `json:"error_count"`
}

// Manager is the ingestion facade: agent CRUD, the schedule loop and
// the fetch-chunk-store pipeline.
type Manager struct {
	configPath string
	splitter   *chunk.Splitter
	sink       Sink
	sched      *schedule.Scheduler

	// writeMu serialises mutations; readers go through the atomic
	// snapshots without locking.
	writeMu sync.Mutex
	reg     atomic.Pointer[registry]
	runs    atomic.Pointer[runLog]

	watchers  map[string]*watchHandle
	watchWg   sync.WaitGroup
	closeOnce sync.Once
	closeCh   chan struct{}
}

type watchHandle struct {
	watcher *agent.DirWatcher
	stopCh  chan struct{}
}

// NewManager loads any persisted agents from the config path and
// registers them with a fresh scheduler. Call Start to begin firing
// schedules.
func NewManager(opts Options, splitter *chunk.Splitter, sink Sink) (*Manager, error) {
	if opts.ConfigPath == "" {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "ingestion config_path is required")
	}
	if splitter == nil || sink == nil {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid, "ingestion needs a splitter and a chunk sink")
	}
	if err := os.MkdirAll(opts.ConfigPath, 0o755); err != nil {
		return nil, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"cannot create agent config dir %s: %v", opts.ConfigPath, err)
	}

	m := &Manager{
		configPath: opts.ConfigPath,
		splitter:   splitter,
		sink:       sink,
		watchers:   make(map[string]*watchHandle),
		closeCh:    make(chan struct{}),
	}
	m.sched = schedule.New(schedule.Config{MaxJobs: opts.MaxJobs, Tick: opts.Tick}, m.runPipeline)

	loaded, err := loadAgents(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	reg := make(registry, len(loaded))
	for _, cfg := range loaded {
		reg[cfg.AgentID] = cfg
		if err := m.sched.Add(cfg.AgentID, cfg.Schedule, cfg.Enabled); err != nil {
			// A persisted schedule that no longer parses demotes the
			// agent to manual runs instead of blocking startup.
			slog.Warn("agent_schedule_rejected",
				slog.String("agent_id", cfg.AgentID),
				slog.String("error", err.Error()))
			_ = m.sched.Add(cfg.AgentID, "", cfg.Enabled)
		}
		m.attachWatcher(cfg)
	}
	m.reg.Store(&reg)
	runs := make(runLog)
	m.runs.Store(&runs)

	slog.Info("ingestion_manager_ready",
		slog.String("config_path", opts.ConfigPath),
		slog.Int("agents", len(reg)))
	return m, nil
}

// Start launches the schedule loop.
func (m *Manager) Start() { m.sched.Start() }

// Close stops the scheduler and the watchers. In-flight runs get the
// scheduler's shutdown grace.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.sched.Stop()
		close(m.closeCh)
		m.writeMu.Lock()
		for id, h := range m.watchers {
			close(h.stopCh)
			_ = h.watcher.Stop()
			delete(m.watchers, id)
		}
		m.writeMu.Unlock()
		m.watchWg.Wait()
	})
}

// AddAgent validates, persists and schedules a new agent. A missing
// agent_id gets a fresh UUID. The stored config is returned.
func (m *Manager) AddAgent(cfg agent.Config) (agent.Config, error) {
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	if err := validateAgentID(cfg.AgentID); err != nil {
		return agent.Config{}, err
	}
	if err := m.checkConfig(&cfg); err != nil {
		return agent.Config{}, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	cur := *m.reg.Load()
	if _, exists := cur[cfg.AgentID]; exists {
		return agent.Config{}, mmerrors.Newf(mmerrors.KindConfigInvalid,
			"agent %s already exists", cfg.AgentID)
	}
	if err := m.saveAgent(&cfg); err != nil {
		return agent.Config{}, err
	}
	next := cloneMap(cur)
	next[cfg.AgentID] = &cfg
	m.reg.Store(&next)
	_ = m.sched.Add(cfg.AgentID, cfg.Schedule, cfg.Enabled)
	m.attachWatcher(&cfg)

	slog.Info("agent_added",
		slog.String("agent_id", cfg.AgentID),
		slog.String("type", cfg.AgentType),
		slog.String("name", cfg.Name))
	return cfg, nil
}

// UpdateAgent replaces an agent's config, keeping its run history.
// Re-enabling a disabled agent clears the failure streak.
func (m *Manager) UpdateAgent(cfg agent.Config) (agent.Config, error) {
	if err := validateAgentID(cfg.AgentID); err != nil {
		return agent.Config{}, err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	cur := *m.reg.Load()
	prev, ok := cur[cfg.AgentID]
	if !ok {
		return agent.Config{}, mmerrors.Newf(mmerrors.KindNotFound, "no agent %s", cfg.AgentID)
	}
	// Runtime state carries over from the stored config.
	if cfg.LastRun.IsZero() {
		cfg.LastRun = prev.LastRun
	}
	cfg.ErrorCount = prev.ErrorCount
	if cfg.Enabled && !prev.Enabled {
		cfg.ErrorCount = 0
	}
	if err := m.checkConfig(&cfg); err != nil {
		return agent.Config{}, err
	}
	if err := m.saveAgent(&cfg); err != nil {
		return agent.Config{}, err
	}
	next := cloneMap(cur)
	next[cfg.AgentID] = &cfg
	m.reg.Store(&next)
	_ = m.sched.Add(cfg.AgentID, cfg.Schedule, cfg.Enabled)
	m.detachWatcher(cfg.AgentID)
	m.attachWatcher(&cfg)

	slog.Info("agent_updated", slog.String("agent_id", cfg.AgentID))
	return cfg, nil
}

// DeleteAgent removes the agent and its config file. Documents it
// already ingested stay in the store.
func (m *Manager) DeleteAgent(agentID string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	cur := *m.reg.Load()
	if _, ok := cur[agentID]; !ok {
		return mmerrors.Newf(mmerrors.KindNotFound, "no agent %s", agentID)
	}
	next := cloneMap(cur)
	delete(next, agentID)
	m.reg.Store(&next)

	runs := *m.runs.Load()
	if _, ok := runs[agentID]; ok {
		nextRuns := cloneMap(runs)
		delete(nextRuns, agentID)
		m.runs.Store(&nextRuns)
	}

	m.sched.Remove(agentID)
	m.detachWatcher(agentID)
	m.removeAgentFile(agentID)
	slog.Info("agent_deleted", slog.String("agent_id", agentID))
	return nil
}

// GetAgent returns a copy of the agent's config.
func (m *Manager) GetAgent(agentID string) (agent.Config, error) {
	cur := *m.reg.Load()
	cfg, ok := cur[agentID]
	if !ok {
		return agent.Config{}, mmerrors.Newf(mmerrors.KindNotFound, "no agent %s", agentID)
	}
	return *cfg, nil
}

// ListAgents returns all agents sorted by name, then id.
func (m *Manager) ListAgents() []agent.Config {
	cur := *m.reg.Load()
	out := make([]agent.Config, 0, len(cur))
	for _, cfg := range cur {
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// Status reports one agent's scheduling state and failure streak.
func (m *Manager) Status(agentID string) (AgentStatus, error) {
	cur := *m.reg.Load()
	cfg, ok := cur[agentID]
	if !ok {
		return AgentStatus{}, mmerrors.Newf(mmerrors.KindNotFound, "no agent %s", agentID)
	}
	st, err := m.sched.Status(agentID)
	if err != nil {
		return AgentStatus{}, err
	}
	return m.mergeStatus(st, cfg), nil
}

// Statuses reports every agent, sorted by id.
func (m *Manager) Statuses() []AgentStatus {
	cur := *m.reg.Load()
	var out []AgentStatus
	for _, st := range m.sched.Statuses() {
		cfg, ok := cur[st.AgentID]
		if !ok {
			continue
		}
		out = append(out, m.mergeStatus(st, cfg))
	}
	return out
}

func (m *Manager) mergeStatus(st schedule.AgentStatus, cfg *agent.Config) AgentStatus {
	return AgentStatus{
		AgentStatus: st,
		Name:        cfg.Name,
		AgentType:   cfg.AgentType,
		Enabled:     cfg.Enabled,
		ErrorCount:  cfg.ErrorCount,
	}
}

// Result returns the latest run record for the agent.
func (m *Manager) Result(agentID string) (AgentRun, error) {
	cur := *m.reg.Load()
	if _, ok := cur[agentID]; !ok {
		return AgentRun{}, mmerrors.Newf(mmerrors.KindNotFound, "no agent %s", agentID)
	}
	runs := *m.runs.Load()
	run, ok := runs[agentID]
	if !ok {
		return AgentRun{}, mmerrors.Newf(mmerrors.KindNotFound, "agent %s has not run yet", agentID)
	}
	return *run, nil
}

// RunAgent triggers one run. With sync true it waits for the outcome;
// otherwise it returns once the scheduler accepts the run.
func (m *Manager) RunAgent(ctx context.Context, agentID string, sync bool) error {
	if _, err := m.GetAgent(agentID); err != nil {
		return err
	}
	return m.sched.RunAgent(ctx, agentID, sync)
}

// StopAgent asks the agent's in-flight run, if any, to wind down.
func (m *Manager) StopAgent(agentID string) error {
	if _, err := m.GetAgent(agentID); err != nil {
		return err
	}
	return m.sched.StopAgent(agentID)
}

// checkConfig runs the shared validation, the type-specific
// constructor checks and the schedule grammar.
func (m *Manager) checkConfig(cfg *agent.Config) error {
	if _, err := agent.New(*cfg); err != nil {
		return err
	}
	if cfg.Schedule != "" {
		if err := schedule.Validate(cfg.Schedule); err != nil {
			return err
		}
	}
	return nil
}

// runPipeline is the scheduler callback: fetch, filter, chunk, store,
// record.
func (m *Manager) runPipeline(ctx context.Context, agentID string) error {
	cur := *m.reg.Load()
	cfg, ok := cur[agentID]
	if !ok {
		return mmerrors.Newf(mmerrors.KindNotFound, "no agent %s", agentID)
	}

	run := &AgentRun{
		JobID:     uuid.NewString(),
		AgentID:   agentID,
		StartTime: time.Now(),
	}

	runner, err := agent.New(*cfg)
	if err != nil {
		return m.recordRun(cfg, run, err)
	}
	res, err := runner.Fetch(ctx)
	if err != nil {
		return m.recordRun(cfg, run, err)
	}

	var chunks []*document.Chunk
	for _, doc := range res.Documents {
		if doc == nil || !matchesFilters(doc, cfg.Filters) {
			continue
		}
		if doc.Metadata == nil {
			doc.Metadata = document.Metadata{}
		}
		doc.Metadata["agent_id"] = agentID
		run.Documents++
		chunks = append(chunks, m.splitter.SplitDocument(doc)...)
	}
	run.ItemCount = len(chunks)

	if len(chunks) > 0 {
		if err := m.sink.AddBatch(ctx, chunks); err != nil {
			return m.recordRun(cfg, run, err)
		}
	}
	return m.recordRun(cfg, run, nil)
}

// matchesFilters applies the config's metadata filters. A list value
// passes when any element matches; scalars compare as strings.
func matchesFilters(doc *document.Document, filters map[string]any) bool {
	for key, want := range filters {
		got, ok := doc.Metadata[key]
		if !ok {
			return false
		}
		if list, isList := want.([]any); isList {
			matched := false
			for _, item := range list {
				if fmt.Sprint(item) == fmt.Sprint(got) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		}
		if fmt.Sprint(want) != fmt.Sprint(got) {
			return false
		}
	}
	return true
}

// recordRun stores the AgentRun, rolls the agent's failure streak and
// persists the updated config. A successful run stamps last_run with
// the run's start so items that arrived mid-run are fetched again;
// the store's upsert absorbs the overlap. Cancelled runs do not count
// against the streak.
func (m *Manager) recordRun(cfg *agent.Config, run *AgentRun, err error) error {
	run.EndTime = time.Now()
	run.Success = err == nil
	if err != nil {
		run.ErrorMessage = err.Error()
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := *m.reg.Load()
	if stored, ok := cur[cfg.AgentID]; ok {
		updated := *stored
		switch {
		case err == nil:
			updated.LastRun = run.StartTime
			updated.ErrorCount = 0
		case mmerrors.IsKind(err, mmerrors.KindCancelled):
			// An operator stop is not a source failure.
		default:
			updated.ErrorCount++
			if updated.ErrorCount >= maxConsecutiveFailures && updated.Enabled {
				updated.Enabled = false
				m.sched.SetEnabled(cfg.AgentID, false)
				slog.Warn("agent_disabled",
					slog.String("agent_id", cfg.AgentID),
					slog.Int("error_count", updated.ErrorCount))
			}
		}
		next := cloneMap(cur)
		next[cfg.AgentID] = &updated
		m.reg.Store(&next)
		if saveErr := m.saveAgent(&updated); saveErr != nil {
			slog.Warn("agent_config_persist_failed",
				slog.String("agent_id", cfg.AgentID),
				slog.String("error", saveErr.Error()))
		}
	}

	runs := *m.runs.Load()
	nextRuns := cloneMap(runs)
	nextRuns[cfg.AgentID] = run
	m.runs.Store(&nextRuns)

	slog.Debug("agent_run_recorded",
		slog.String("agent_id", cfg.AgentID),
		slog.String("job_id", run.JobID),
		slog.Bool("success", run.Success),
		slog.Int("documents", run.Documents),
		slog.Int("chunks", run.ItemCount))
	return err
}

// attachWatcher starts a directory watcher for filesystem agents that
// ask for one. Called with writeMu held (or before the manager is
// shared). Watch failures demote the agent to schedule-only pickup.
func (m *Manager) attachWatcher(cfg *agent.Config) {
	if cfg.AgentType != agent.TypeFilesystem || !cfg.Enabled {
		return
	}
	runner, err := agent.New(*cfg)
	if err != nil {
		return
	}
	fa, ok := runner.(interface {
		WatchRequested() bool
		Root() string
	})
	if !ok || !fa.WatchRequested() {
		return
	}
	w, err := agent.NewDirWatcher(fa.Root())
	if err != nil {
		slog.Warn("agent_watch_unavailable",
			slog.String("agent_id", cfg.AgentID),
			slog.String("error", err.Error()))
		return
	}

	h := &watchHandle{watcher: w, stopCh: make(chan struct{})}
	m.watchers[cfg.AgentID] = h
	agentID := cfg.AgentID
	m.watchWg.Add(1)
	go func() {
		defer m.watchWg.Done()
		for {
			select {
			case <-m.closeCh:
				return
			case <-h.stopCh:
				return
			case <-w.Changes():
				slog.Debug("agent_marked_due", slog.String("agent_id", agentID))
				m.sched.MarkDue(agentID)
			}
		}
	}()
}

// detachWatcher stops the agent's watcher. Called with writeMu held.
func (m *Manager) detachWatcher(agentID string) {
	h, ok := m.watchers[agentID]
	if !ok {
		return
	}
	delete(m.watchers, agentID)
	close(h.stopCh)
	_ = h.watcher.Stop()
}

func cloneMap[M ~map[K]V, K comparable, V any](src M) M {
	next := make(M, len(src)+1)
	for k, v := range src {
		next[k] = v
	}
	return next
}
