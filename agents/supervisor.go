package agents

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/twlines/foreman/events"
	"github.com/twlines/foreman/kanban"
	"github.com/twlines/foreman/verify"
)

const (
	// DefaultGracePeriod is how long a terminated agent gets between
	// SIGTERM and SIGKILL.
	DefaultGracePeriod = 5 * time.Second

	// snapshotTailLines is how much retained output goes into a context
	// snapshot when a run is interrupted.
	snapshotTailLines = 50
)

// Worktrees is the subset of the git layer the supervisor drives.
type Worktrees interface {
	Remove(path string)
	Push(dir string) error
}

// Notifier delivers operator-facing notifications. Implementations must not
// block the caller.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// Config tunes the supervisor.
type Config struct {
	// Commands maps agent kind to the CLI argv run in the worktree. The
	// prompt is appended as `-p <prompt>`.
	Commands map[string][]string

	// RedactEnvPrefixes lists environment variable name prefixes stripped
	// from the child's environment.
	RedactEnvPrefixes []string

	GracePeriod time.Duration
	LogLines    int
}

// DefaultCommands is the stock agent command table.
func DefaultCommands() map[string][]string {
	return map[string][]string{
		"claude": {
			"claude", "--print",
			"--output-format", "stream-json", "--verbose",
			"--dangerously-skip-permissions",
		},
	}
}

// Supervisor owns the lifecycle of agent subprocesses. The orchestrator
// admits runs; the supervisor drives each one to a terminal state.
type Supervisor struct {
	store     kanban.CardStore
	worktrees Worktrees
	verifier  *verify.Verifier
	events    *events.Broadcaster
	notifier  Notifier
	logger    *slog.Logger
	cfg       Config
}

// NewSupervisor wires a supervisor. Zero-valued config fields get defaults.
func NewSupervisor(store kanban.CardStore, worktrees Worktrees, verifier *verify.Verifier, bus *events.Broadcaster, notifier Notifier, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Commands == nil {
		cfg.Commands = DefaultCommands()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = DefaultLogLines
	}
	return &Supervisor{
		store:     store,
		worktrees: worktrees,
		verifier:  verifier,
		events:    bus,
		notifier:  notifier,
		logger:    logger.With("component", "supervisor"),
		cfg:       cfg,
	}
}

// CommandFor returns the CLI argv for an agent kind.
func (s *Supervisor) CommandFor(agentKind string) ([]string, bool) {
	argv, ok := s.cfg.Commands[agentKind]
	return argv, ok
}

// NewRun builds the registry record for an admitted card.
func (s *Supervisor) NewRun(cardID, projectID, agentKind, branch, worktreeDir string) *Run {
	r := newRun(cardID, projectID, agentKind, branch, s.cfg.LogLines)
	r.WorktreeDir = worktreeDir
	return r
}

// Execute drives one run to a terminal state: spawn the CLI, stream output,
// enforce the timeout, verify, push. It blocks until done; the orchestrator
// calls it on its own goroutine. onExit runs exactly once after cleanup.
func (s *Supervisor) Execute(ctx context.Context, run *Run, prompt string, timeout time.Duration, onExit func()) {
	logger := s.logger.With("card", run.CardID, "agent", run.AgentKind)

	defer close(run.done)
	defer onExit()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Agent run panicked", "panic", rec)
			s.failRun(run, fmt.Sprintf("internal error: %v", rec))
		}
		// Cleanup invariant: whatever path ended the run, the worktree
		// is gone and no process survives.
		s.worktrees.Remove(run.WorktreeDir)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if run.setCancel(cancel) {
		// Stop landed before the cancel func existed; nothing spawned yet.
		_, reason := run.stopInfo()
		s.finishStopped(run, reason)
		return
	}

	argv, ok := s.cfg.Commands[run.AgentKind]
	if !ok {
		s.failRun(run, fmt.Sprintf("no command configured for agent kind %q", run.AgentKind))
		return
	}
	argv = append(append([]string(nil), argv...), "-p", prompt)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = run.WorktreeDir
	cmd.Env = redactEnv(os.Environ(), s.cfg.RedactEnvPrefixes)
	setProcessGroup(cmd)

	stdout := newLineSplitter(func(line string) { s.handleLine(run, line, false) })
	stderr := newLineSplitter(func(line string) { s.handleLine(run, line, true) })
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// The agent gets no interactive input; the prompt travels as an
	// argument and stdin is closed at spawn.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.failRun(run, fmt.Sprintf("stdin pipe: %v", err))
		return
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		logger.Error("Failed to spawn agent", "error", err)
		s.failRun(run, fmt.Sprintf("spawn failed: %v", err))
		return
	}
	stdin.Close()
	run.setProc(cmd.Process)
	run.setState(StateRunning)
	logger.Info("Agent started", "pid", cmd.Process.Pid, "branch", run.BranchName)

	exited := make(chan struct{})

	// Reaper: a cancelled context means stop or timeout; escalate from
	// SIGTERM to SIGKILL against the whole group.
	go func() {
		select {
		case <-runCtx.Done():
			terminateGroup(run.process(), s.cfg.GracePeriod, exited)
		case <-exited:
		}
	}()

	timer := time.AfterFunc(timeout, func() {
		if run.markTimeout() {
			logger.Warn("Agent timed out", "timeout", timeout)
			s.persistSnapshot(run)
			cancel()
		}
	})
	defer timer.Stop()

	waitErr := cmd.Wait()
	close(exited)
	timer.Stop()
	stdout.Flush()
	stderr.Flush()

	if stopped, reason := run.stopInfo(); stopped {
		s.finishStopped(run, reason)
		return
	}
	if run.isTimedOut() {
		s.finishTimeout(run, timeout)
		return
	}
	if waitErr != nil {
		s.finishExitFailure(run, waitErr)
		return
	}

	s.finishVerifyAndPush(runCtx, run)
}

// Stop cancels a live run: the context snapshot is persisted, the card
// returns to agent-idle, and the process group is torn down. Idempotent;
// calling it on a finished run is a no-op.
func (s *Supervisor) Stop(run *Run, reason string) {
	if !run.requestStop(reason) {
		return
	}
	s.logger.Info("Stopping agent", "card", run.CardID, "reason", reason)
	s.persistSnapshot(run)
	if cancel := run.cancelFunc(); cancel != nil {
		cancel()
	}
}

// handleLine processes one complete output line: retain it, broadcast it,
// and capture telemetry from the result record.
func (s *Supervisor) handleLine(run *Run, line string, isStderr bool) {
	run.Log.Append(line)
	s.events.Publish(events.Event{
		Type:      events.TypeAgentLog,
		CardID:    run.CardID,
		ProjectID: run.ProjectID,
		Agent:     run.AgentKind,
		Line:      line,
	})

	if isStderr {
		return
	}
	if tel, ok := parseTelemetry(line); ok {
		err := s.store.InsertTokenUsage(kanban.TokenUsage{
			CardID:       run.CardID,
			ProjectID:    run.ProjectID,
			Agent:        run.AgentKind,
			Model:        tel.Model,
			InputTokens:  tel.InputTokens,
			OutputTokens: tel.OutputTokens,
			CacheRead:    tel.CacheRead,
			CacheWrite:   tel.CacheWrite,
			CostUSD:      tel.CostUSD,
		})
		if err != nil {
			s.logger.Warn("Failed to record token usage", "card", run.CardID, "error", err)
		}
	}
}

// persistSnapshot stores the branch name and recent output on the card so a
// future run can resume.
func (s *Supervisor) persistSnapshot(run *Run) {
	tail := run.Log.Tail(snapshotTailLines)
	snapshot := fmt.Sprintf("branch: %s\n\nrecent output:\n%s", run.BranchName, strings.Join(tail, "\n"))
	if err := s.store.SaveContext(run.CardID, snapshot); err != nil {
		s.logger.Warn("Failed to persist context snapshot", "card", run.CardID, "error", err)
	}
}

func (s *Supervisor) finishStopped(run *Run, reason string) {
	run.setState(StateIdle)
	if err := s.store.UpdateAgentStatus(run.CardID, kanban.AgentIdle, reason); err != nil {
		s.logger.Warn("Failed to reset card after stop", "card", run.CardID, "error", err)
	}
	s.audit(run, "agent.stopped", reason)
	s.events.Publish(events.Event{
		Type:      events.TypeAgentStopped,
		CardID:    run.CardID,
		ProjectID: run.ProjectID,
		Agent:     run.AgentKind,
		Reason:    reason,
	})
}

func (s *Supervisor) finishTimeout(run *Run, timeout time.Duration) {
	reason := fmt.Sprintf("Timed out after %v minutes", timeout.Minutes())
	s.events.Publish(events.Event{
		Type:      events.TypeAgentTimeout,
		CardID:    run.CardID,
		ProjectID: run.ProjectID,
		Agent:     run.AgentKind,
		Reason:    reason,
	})
	s.failRun(run, reason)
	s.notify(fmt.Sprintf(":alarm_clock: Agent on card %s %s", run.CardID, reason))
}

func (s *Supervisor) finishExitFailure(run *Run, waitErr error) {
	tail := strings.Join(run.Log.Tail(10), "\n")
	reason := fmt.Sprintf("agent exited with error: %v", waitErr)
	if tail != "" {
		reason = fmt.Sprintf("%s\nlast output:\n%s", reason, tail)
	}
	s.failRun(run, reason)
	s.notify(fmt.Sprintf(":x: Agent on card %s failed: %v", run.CardID, waitErr))
}

// failRun records a terminal failure on card and run.
func (s *Supervisor) failRun(run *Run, reason string) {
	if run.State().Terminal() {
		return
	}
	run.setState(StateFailed)
	if err := s.store.UpdateAgentStatus(run.CardID, kanban.AgentFailed, reason); err != nil {
		s.logger.Warn("Failed to mark card failed", "card", run.CardID, "error", err)
	}
	s.audit(run, "agent.failed", reason)
	s.events.Publish(events.Event{
		Type:      events.TypeAgentFailed,
		CardID:    run.CardID,
		ProjectID: run.ProjectID,
		Agent:     run.AgentKind,
		Error:     reason,
	})
}

// finishVerifyAndPush runs the branch gate and pushes on success. ctx is the
// run's own cancellable context, so a Stop interrupts the gate; the stop
// re-checks at each phase boundary keep an interrupted gate from blocking
// the card.
func (s *Supervisor) finishVerifyAndPush(ctx context.Context, run *Run) {
	logger := s.logger.With("card", run.CardID)
	run.setState(StateCompleting)
	if stopped, reason := run.stopInfo(); stopped {
		s.finishStopped(run, reason)
		return
	}

	run.setState(StateVerifying)
	s.events.Publish(events.Event{
		Type:      events.TypeVerificationStarted,
		CardID:    run.CardID,
		ProjectID: run.ProjectID,
		Gate:      "branch",
	})

	res := s.verifier.Verify(ctx, run.WorktreeDir)
	if stopped, reason := run.stopInfo(); stopped {
		s.finishStopped(run, reason)
		return
	}
	if !res.Passed {
		run.setState(StateBlocked)
		if err := s.store.UpdateCardVerification(run.CardID, kanban.VerifyBranchFailed, res.Summary()); err != nil {
			logger.Warn("Failed to record verification failure", "error", err)
		}
		reason := fmt.Sprintf("verification failed at %s", res.FailedStep)
		if err := s.store.UpdateAgentStatus(run.CardID, kanban.AgentBlocked, reason); err != nil {
			logger.Warn("Failed to block card", "error", err)
		}
		s.audit(run, "verification.branch_failed", res.FailedStep)
		s.events.Publish(events.Event{
			Type:      events.TypeVerificationFailed,
			CardID:    run.CardID,
			ProjectID: run.ProjectID,
			Gate:      "branch",
			Reason:    res.FailedStep,
		})
		s.events.Publish(events.Event{
			Type:      events.TypeAgentFailed,
			CardID:    run.CardID,
			ProjectID: run.ProjectID,
			Agent:     run.AgentKind,
			Error:     reason,
		})
		s.notify(fmt.Sprintf(":no_entry: Card %s blocked: branch verification failed at %s", run.CardID, res.FailedStep))
		return
	}

	if err := s.store.UpdateCardVerification(run.CardID, kanban.VerifyBranchVerified, res.Summary()); err != nil {
		logger.Warn("Failed to record verification pass", "error", err)
	}
	s.persistSnapshot(run)
	s.audit(run, "verification.branch_passed", "")
	s.events.Publish(events.Event{
		Type:      events.TypeVerificationPassed,
		CardID:    run.CardID,
		ProjectID: run.ProjectID,
		Gate:      "branch",
	})

	run.setState(StatePushing)
	pushErr := s.worktrees.Push(run.WorktreeDir)
	if stopped, reason := run.stopInfo(); stopped {
		s.finishStopped(run, reason)
		return
	}
	if pushErr != nil {
		logger.Error("Push failed", "branch", run.BranchName, "error", pushErr)
		run.setState(StateBlocked)
		reason := fmt.Sprintf("push failed: %v", pushErr)
		if uerr := s.store.UpdateAgentStatus(run.CardID, kanban.AgentBlocked, reason); uerr != nil {
			logger.Warn("Failed to block card after push failure", "error", uerr)
		}
		s.audit(run, "push.failed", pushErr.Error())
		s.notify(fmt.Sprintf(":no_entry: Card %s blocked: push of %s failed", run.CardID, run.BranchName))
		return
	}

	run.setState(StateCompleted)
	if err := s.store.CompleteWork(run.CardID); err != nil {
		logger.Warn("Failed to mark card completed", "error", err)
	}
	s.audit(run, "agent.completed", run.BranchName)
	s.events.Publish(events.Event{
		Type:      events.TypeAgentCompleted,
		CardID:    run.CardID,
		ProjectID: run.ProjectID,
		Agent:     run.AgentKind,
		Branch:    run.BranchName,
	})
	s.notify(fmt.Sprintf(":white_check_mark: Card %s passed the branch gate; %s pushed", run.CardID, run.BranchName))
	logger.Info("Agent completed", "branch", run.BranchName, "duration", time.Since(run.StartedAt))
}

func (s *Supervisor) audit(run *Run, action, details string) {
	if err := s.store.LogAudit("card", run.CardID, action, details); err != nil {
		s.logger.Warn("Failed to write audit entry", "card", run.CardID, "action", action, "error", err)
	}
}

func (s *Supervisor) notify(text string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(context.Background(), text)
}

// redactEnv strips variables whose names match any of the given prefixes.
func redactEnv(env []string, prefixes []string) []string {
	if len(prefixes) == 0 {
		return env
	}
	out := env[:0:0]
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		redacted := false
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				redacted = true
				break
			}
		}
		if !redacted {
			out = append(out, kv)
		}
	}
	return out
}
