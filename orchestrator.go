package foreman

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/twlines/foreman/agents"
	"github.com/twlines/foreman/events"
	"github.com/twlines/foreman/kanban"
)

// WorktreeManager is the slice of the git layer the orchestrator needs for
// run setup and rollback.
type WorktreeManager interface {
	Create(cardID, branch string) (string, error)
	Remove(path string)
}

// BranchNamer derives the deterministic branch for a card.
type BranchNamer func(agentKind, title, cardID string) string

// Orchestrator is the single admission point for agent runs. Every spawn
// and stop decision is serialized through its mutex; the registry holds one
// live Run per card and is the source of truth for concurrency caps.
type Orchestrator struct {
	cfg        Config
	store      kanban.CardStore
	worktrees  WorktreeManager
	supervisor *agents.Supervisor
	assembler  *agents.Assembler
	events     *events.Broadcaster
	logger     *slog.Logger
	branchName BranchNamer

	mu      sync.Mutex
	runs    map[string]*agents.Run
	metrics Metrics

	wg sync.WaitGroup
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(cfg Config, store kanban.CardStore, worktrees WorktreeManager, supervisor *agents.Supervisor, assembler *agents.Assembler, bus *events.Broadcaster, branchName BranchNamer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        cfg,
		store:      store,
		worktrees:  worktrees,
		supervisor: supervisor,
		assembler:  assembler,
		events:     bus,
		branchName: branchName,
		logger:     logger.With("component", "orchestrator"),
		runs:       make(map[string]*agents.Run),
	}
}

// SpawnAgent admits and launches an agent for a card. The admission sequence
// runs atomically under the orchestrator mutex; on any failure after the
// card was claimed, the claim is rolled back and the worktree removed.
func (o *Orchestrator) SpawnAgent(cardID, agentKind string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	// Gate-0: global cap. Stopped runs still draining do not hold a slot.
	active := 0
	for _, run := range o.runs {
		if run.Stopping() || run.State().Terminal() {
			continue
		}
		active++
	}
	if active >= o.cfg.MaxConcurrent {
		o.metrics.AdmissionDenied++
		return &AdmissionError{Reason: fmt.Sprintf("at capacity (%d agents running)", active)}
	}

	// Gate-0: one run per card.
	if _, exists := o.runs[cardID]; exists {
		o.metrics.AdmissionDenied++
		return &AdmissionError{Reason: fmt.Sprintf("agent already running for card %s", cardID)}
	}

	card, err := o.store.GetCard(cardID)
	if err != nil {
		o.metrics.AdmissionDenied++
		return &AdmissionError{Reason: fmt.Sprintf("card %s: %v", cardID, err)}
	}

	// Gate-0: one agent per project.
	for _, run := range o.runs {
		if run.ProjectID == card.ProjectID {
			o.metrics.AdmissionDenied++
			return &AdmissionError{Reason: fmt.Sprintf("project %s already has a running agent", card.ProjectID)}
		}
	}

	if err := o.checkCapabilities(agentKind); err != nil {
		o.metrics.AdmissionDenied++
		return &AdmissionError{Reason: err.Error()}
	}

	project, err := o.store.GetProject(card.ProjectID)
	if err != nil {
		o.metrics.AdmissionDenied++
		return &AdmissionError{Reason: fmt.Sprintf("project %s: %v", card.ProjectID, err)}
	}

	timeout := o.cfg.AgentTimeout
	if project.AgentTimeoutMinutes > 0 {
		timeout = time.Duration(project.AgentTimeoutMinutes) * time.Minute
	}

	branch := o.branchName(agentKind, card.Title, card.ID)

	worktreeDir, err := o.worktrees.Create(card.ID, branch)
	if err != nil {
		return &WorktreeError{CardID: card.ID, Err: err}
	}

	if err := o.store.StartWork(card.ID, agentKind); err != nil {
		o.worktrees.Remove(worktreeDir)
		return fmt.Errorf("claim card %s: %w", card.ID, err)
	}

	prompt := o.assembler.Assemble(project, card, agentKind)

	run := o.supervisor.NewRun(card.ID, card.ProjectID, agentKind, branch, worktreeDir)
	o.runs[card.ID] = run
	o.metrics.AgentsSpawned++

	if err := o.store.LogAudit("card", card.ID, "agent.spawned", agentKind); err != nil {
		o.logger.Warn("Failed to audit spawn", "card", card.ID, "error", err)
	}
	o.events.Publish(events.Event{
		Type:      events.TypeAgentSpawned,
		CardID:    card.ID,
		ProjectID: card.ProjectID,
		Agent:     agentKind,
		Branch:    branch,
	})
	o.logger.Info("Agent admitted", "card", card.ID, "agent", agentKind, "branch", branch, "timeout", timeout)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The run outlives the admission request; only shutdown or an
		// explicit stop tears it down.
		o.supervisor.Execute(context.Background(), run, prompt, timeout, func() {
			o.finishRun(run)
		})
	}()

	return nil
}

// checkCapabilities verifies the host can actually run an agent: the CLI
// must resolve on PATH and the base repository must exist.
func (o *Orchestrator) checkCapabilities(agentKind string) error {
	argv, ok := o.supervisor.CommandFor(agentKind)
	if !ok || len(argv) == 0 {
		return &CapabilityError{Check: "agent-cli", Err: fmt.Errorf("no command configured for %q", agentKind)}
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return &CapabilityError{Check: "agent-cli", Err: err}
	}
	if info, err := os.Stat(o.cfg.RepoRoot); err != nil || !info.IsDir() {
		return &CapabilityError{Check: "base-repo", Err: fmt.Errorf("repo root %q not usable", o.cfg.RepoRoot)}
	}
	return nil
}

// finishRun removes a terminal run from the registry and counts it.
func (o *Orchestrator) finishRun(run *agents.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, run.CardID)
	switch run.State() {
	case agents.StateCompleted:
		o.metrics.AgentsSucceeded++
	case agents.StateFailed, agents.StateBlocked:
		o.metrics.AgentsFailed++
	}
}

// StopAgent cancels the run for a card. Returns ErrNoAgent when none
// exists; repeated stops of a live run are no-ops.
func (o *Orchestrator) StopAgent(cardID, reason string) error {
	o.mu.Lock()
	run, ok := o.runs[cardID]
	o.mu.Unlock()
	if !ok {
		return ErrNoAgent
	}
	if reason == "" {
		reason = "stopped by operator"
	}
	o.supervisor.Stop(run, reason)
	return nil
}

// RunningAgents returns redacted snapshots of all live runs.
func (o *Orchestrator) RunningAgents() []agents.Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	infos := make([]agents.Info, 0, len(o.runs))
	for _, run := range o.runs {
		infos = append(infos, run.Snapshot())
	}
	return infos
}

// AgentLogs returns the last limit retained output lines for a card's run.
func (o *Orchestrator) AgentLogs(cardID string, limit int) ([]string, error) {
	o.mu.Lock()
	run, ok := o.runs[cardID]
	o.mu.Unlock()
	if !ok {
		return nil, ErrNoAgent
	}
	if limit <= 0 {
		limit = agents.DefaultLogLines
	}
	return run.Log.Tail(limit), nil
}

// RunningCount returns the number of live runs.
func (o *Orchestrator) RunningCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// HasRunForProject reports whether a project currently has a live run.
func (o *Orchestrator) HasRunForProject(projectID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, run := range o.runs {
		if run.ProjectID == projectID {
			return true
		}
	}
	return false
}

// Metrics returns a copy of the counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.metrics
}

// countTick bumps the heartbeat tick counter.
func (o *Orchestrator) countTick() {
	o.mu.Lock()
	o.metrics.Ticks++
	o.mu.Unlock()
}

// countMerge records a merge-gate outcome.
func (o *Orchestrator) countMerge(ok bool) {
	o.mu.Lock()
	if ok {
		o.metrics.Merges++
	} else {
		o.metrics.MergeFailures++
	}
	o.mu.Unlock()
}

// ShutdownAll stops every live run and waits up to the drain timeout for
// them to wind down. Cards keep the snapshots their stops persisted, so
// work resumes after restart.
func (o *Orchestrator) ShutdownAll() {
	o.mu.Lock()
	live := make([]*agents.Run, 0, len(o.runs))
	for _, run := range o.runs {
		live = append(live, run)
	}
	o.mu.Unlock()

	for _, run := range live {
		o.supervisor.Stop(run, "shutting down")
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("All agents drained")
	case <-time.After(o.cfg.DrainTimeout):
		o.logger.Warn("Drain timeout elapsed; continuing shutdown", "remaining", o.RunningCount())
	}
}
