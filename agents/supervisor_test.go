package agents

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twlines/foreman/events"
	"github.com/twlines/foreman/kanban"
	"github.com/twlines/foreman/verify"
)

// mockStore records card mutations in memory.
type mockStore struct {
	mu           sync.Mutex
	agentStatus  map[string]kanban.AgentStatus
	statusReason map[string]string
	verification map[string]kanban.VerificationStatus
	verifyOutput map[string]string
	snapshots    map[string]string
	completed    map[string]bool
	tokenUsage   []kanban.TokenUsage
	auditActions []string
}

func newMockStore() *mockStore {
	return &mockStore{
		agentStatus:  make(map[string]kanban.AgentStatus),
		statusReason: make(map[string]string),
		verification: make(map[string]kanban.VerificationStatus),
		verifyOutput: make(map[string]string),
		snapshots:    make(map[string]string),
		completed:    make(map[string]bool),
	}
}

func (m *mockStore) GetProject(string) (*kanban.Project, error)       { return nil, kanban.ErrNotFound }
func (m *mockStore) ActiveProjects() ([]kanban.Project, error)        { return nil, nil }
func (m *mockStore) CreateProject(*kanban.Project) error              { return nil }
func (m *mockStore) GetCard(string) (*kanban.Card, error)             { return nil, kanban.ErrNotFound }
func (m *mockStore) GetBoard(string) (*kanban.Board, error)           { return nil, nil }
func (m *mockStore) GetNextCard(string) (*kanban.Card, error)         { return nil, nil }
func (m *mockStore) CardsByAgentStatus(...kanban.AgentStatus) ([]kanban.Card, error) {
	return nil, nil
}
func (m *mockStore) CardsByVerification(kanban.VerificationStatus) ([]kanban.Card, error) {
	return nil, nil
}
func (m *mockStore) SiblingCards(string, string) ([]kanban.Card, error) { return nil, nil }
func (m *mockStore) CreateCard(*kanban.Card) error                      { return nil }
func (m *mockStore) UpdateCard(string, kanban.CardUpdate) error         { return nil }
func (m *mockStore) StartWork(string, string) error                     { return nil }
func (m *mockStore) SkipToBack(string) error                            { return nil }
func (m *mockStore) AssignAgent(string, string) error                   { return nil }
func (m *mockStore) PromoteDone(string) error                           { return nil }
func (m *mockStore) ProjectDocuments(string) ([]kanban.Document, error) { return nil, nil }
func (m *mockStore) RecentDecisions(string, int) ([]kanban.Decision, error) {
	return nil, nil
}
func (m *mockStore) ActiveCorrections(string) ([]kanban.Correction, error) { return nil, nil }
func (m *mockStore) AuditTrail(string, int) ([]kanban.AuditEntry, error)   { return nil, nil }

func (m *mockStore) SaveContext(cardID, snapshot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[cardID] = snapshot
	return nil
}

func (m *mockStore) UpdateAgentStatus(cardID string, status kanban.AgentStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentStatus[cardID] = status
	m.statusReason[cardID] = reason
	return nil
}

func (m *mockStore) CompleteWork(cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed[cardID] = true
	m.agentStatus[cardID] = kanban.AgentCompleted
	return nil
}

func (m *mockStore) UpdateCardVerification(cardID string, status kanban.VerificationStatus, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verification[cardID] = status
	m.verifyOutput[cardID] = output
	return nil
}

func (m *mockStore) InsertTokenUsage(rec kanban.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenUsage = append(m.tokenUsage, rec)
	return nil
}

func (m *mockStore) LogAudit(_, _, action, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditActions = append(m.auditActions, action)
	return nil
}

func (m *mockStore) status(cardID string) (kanban.AgentStatus, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.agentStatus[cardID], m.statusReason[cardID]
}

func (m *mockStore) snapshot(cardID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[cardID]
}

// mockWorktrees records push and remove calls.
type mockWorktrees struct {
	mu      sync.Mutex
	removed []string
	pushed  []string
	pushErr error
}

func (m *mockWorktrees) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, path)
}

func (m *mockWorktrees) Push(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return m.pushErr
	}
	m.pushed = append(m.pushed, dir)
	return nil
}

func (m *mockWorktrees) removedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

type testHarness struct {
	store     *mockStore
	worktrees *mockWorktrees
	sup       *Supervisor
	bus       *events.Broadcaster
}

func newHarness(t *testing.T, agentScript string, verifierCmd string) *testHarness {
	t.Helper()
	store := newMockStore()
	wt := &mockWorktrees{}
	bus := events.NewBroadcaster(nil)
	v := verify.NewVerifier(verify.VerifierConfig{
		Steps: []verify.Step{{Name: "test", Command: []string{"sh", "-c", verifierCmd}}},
	}, nil)
	sup := NewSupervisor(store, wt, v, bus, nil, Config{
		Commands:    map[string][]string{"claude": {"sh", "-c", agentScript, "agent"}},
		GracePeriod: 500 * time.Millisecond,
		LogLines:    50,
	}, nil)
	return &testHarness{store: store, worktrees: wt, sup: sup, bus: bus}
}

func (h *testHarness) run(t *testing.T) *Run {
	t.Helper()
	return h.sup.NewRun("card-1", "proj-1", "claude", "agent/claude/fix-card-1ab", t.TempDir())
}

func execute(t *testing.T, h *testHarness, run *Run, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go h.sup.Execute(context.Background(), run, "do the task", timeout, func() { close(done) })
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t, "echo working; echo done", "true")
	run := h.run(t)

	execute(t, h, run, time.Minute)

	assert.Equal(t, StateCompleted, run.State())
	status, _ := h.store.status("card-1")
	assert.Equal(t, kanban.AgentCompleted, status)

	h.store.mu.Lock()
	verification := h.store.verification["card-1"]
	h.store.mu.Unlock()
	assert.Equal(t, kanban.VerifyBranchVerified, verification)

	// Output was retained and the worktree cleaned up.
	assert.Contains(t, run.Log.Snapshot(), "working")
	assert.Len(t, h.worktrees.removedPaths(), 1)
	assert.NotEmpty(t, h.worktrees.pushed)

	// Branch is recoverable from the persisted snapshot.
	assert.Contains(t, h.store.snapshot("card-1"), run.BranchName)
}

func TestExecuteAgentExitFailure(t *testing.T) {
	h := newHarness(t, "echo broke >&2; exit 3", "true")
	run := h.run(t)

	execute(t, h, run, time.Minute)

	assert.Equal(t, StateFailed, run.State())
	status, reason := h.store.status("card-1")
	assert.Equal(t, kanban.AgentFailed, status)
	assert.Contains(t, reason, "exit")
	// Worktree cleanup happens on the failure path too.
	assert.Len(t, h.worktrees.removedPaths(), 1)
	// Nothing was pushed.
	assert.Empty(t, h.worktrees.pushed)
}

func TestExecuteVerificationFailureBlocks(t *testing.T) {
	h := newHarness(t, "echo fine", "echo tests failed >&2; exit 1")
	run := h.run(t)

	execute(t, h, run, time.Minute)

	assert.Equal(t, StateBlocked, run.State())
	status, reason := h.store.status("card-1")
	assert.Equal(t, kanban.AgentBlocked, status)
	assert.Contains(t, reason, "verification failed")

	h.store.mu.Lock()
	verification := h.store.verification["card-1"]
	output := h.store.verifyOutput["card-1"]
	h.store.mu.Unlock()
	assert.Equal(t, kanban.VerifyBranchFailed, verification)
	assert.Contains(t, output, "tests failed")
	assert.Empty(t, h.worktrees.pushed)
}

func TestExecutePushFailureBlocks(t *testing.T) {
	h := newHarness(t, "echo fine", "true")
	h.worktrees.pushErr = fmt.Errorf("remote rejected")
	run := h.run(t)

	execute(t, h, run, time.Minute)

	assert.Equal(t, StateBlocked, run.State())
	status, reason := h.store.status("card-1")
	assert.Equal(t, kanban.AgentBlocked, status)
	assert.Contains(t, reason, "push failed")
}

func TestExecuteTimeoutKillsProcess(t *testing.T) {
	h := newHarness(t, "echo started; sleep 60", "true")
	run := h.run(t)

	start := time.Now()
	execute(t, h, run, 300*time.Millisecond)

	// SIGTERM + 500ms grace, well under the sleep.
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateFailed, run.State())
	status, reason := h.store.status("card-1")
	assert.Equal(t, kanban.AgentFailed, status)
	assert.Regexp(t, `Timed out after .* minutes`, reason)

	// Snapshot persisted before the kill.
	assert.Contains(t, h.store.snapshot("card-1"), "branch:")
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, "echo line one; sleep 60", "true")
	run := h.run(t)

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go h.sup.Execute(context.Background(), run, "task", time.Minute, func() { close(done) })

	// Give the agent a moment to start and emit.
	time.Sleep(300 * time.Millisecond)

	h.sup.Stop(run, "stopped by operator")
	h.sup.Stop(run, "stopped again") // second stop is a no-op

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stop did not terminate the run")
	}

	assert.Equal(t, StateIdle, run.State())
	status, reason := h.store.status("card-1")
	assert.Equal(t, kanban.AgentIdle, status)
	assert.Equal(t, "stopped by operator", reason)

	// Snapshot carries the branch and recent output.
	snap := h.store.snapshot("card-1")
	assert.Contains(t, snap, run.BranchName)
	assert.Contains(t, snap, "line one")

	// Exactly one agent.stopped event.
	stopped := 0
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == events.TypeAgentStopped {
				stopped++
			}
		case <-deadline:
			break drain
		}
	}
	assert.Equal(t, 1, stopped)
}

func TestStopDuringVerificationCancels(t *testing.T) {
	h := newHarness(t, "echo fine", "sleep 60")
	run := h.run(t)

	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	done := make(chan struct{})
	go h.sup.Execute(context.Background(), run, "task", time.Minute, func() { close(done) })

	require.Eventually(t, func() bool {
		return run.State() == StateVerifying
	}, 5*time.Second, 10*time.Millisecond, "run never reached verification")

	h.sup.Stop(run, "operator interrupt")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("stop did not interrupt verification")
	}

	assert.Equal(t, StateIdle, run.State())
	status, reason := h.store.status("card-1")
	assert.Equal(t, kanban.AgentIdle, status)
	assert.Equal(t, "operator interrupt", reason)
	assert.Empty(t, h.worktrees.pushed)

	// The interrupted gate records no verification verdict.
	h.store.mu.Lock()
	verification := h.store.verification["card-1"]
	h.store.mu.Unlock()
	assert.Empty(t, verification)

	// One agent.stopped, no agent.completed.
	completed, stopped := 0, 0
	deadline := time.After(time.Second)
drain:
	for {
		select {
		case ev := <-sub.Events():
			switch ev.Type {
			case events.TypeAgentCompleted:
				completed++
			case events.TypeAgentStopped:
				stopped++
			}
		case <-deadline:
			break drain
		}
	}
	assert.Zero(t, completed)
	assert.Equal(t, 1, stopped)
}

func TestStopBeforeSpawnShortCircuits(t *testing.T) {
	h := newHarness(t, "sleep 60", "true")
	run := h.run(t)

	h.sup.Stop(run, "cancelled before start")
	execute(t, h, run, time.Minute)

	assert.Equal(t, StateIdle, run.State())
	status, reason := h.store.status("card-1")
	assert.Equal(t, kanban.AgentIdle, status)
	assert.Equal(t, "cancelled before start", reason)
	assert.Len(t, h.worktrees.removedPaths(), 1)
}

func TestExecuteRecordsTelemetry(t *testing.T) {
	result := `{"type":"result","modelUsage":{"claude-sonnet-4":{"inputTokens":100,"outputTokens":50,"costUSD":0.01}}}`
	h := newHarness(t, "echo '"+result+"'", "true")
	run := h.run(t)

	execute(t, h, run, time.Minute)

	h.store.mu.Lock()
	usage := append([]kanban.TokenUsage(nil), h.store.tokenUsage...)
	h.store.mu.Unlock()
	require.Len(t, usage, 1)
	assert.Equal(t, int64(100), usage[0].InputTokens)
	assert.Equal(t, "card-1", usage[0].CardID)
	assert.Equal(t, "claude-sonnet-4", usage[0].Model)
}

func TestExecuteUnknownAgentKind(t *testing.T) {
	h := newHarness(t, "true", "true")
	run := h.sup.NewRun("card-1", "proj-1", "mystery", "agent/mystery/x-card-1ab", t.TempDir())

	execute(t, h, run, time.Minute)

	assert.Equal(t, StateFailed, run.State())
	_, reason := h.store.status("card-1")
	assert.Contains(t, reason, "no command configured")
}

func TestRedactEnv(t *testing.T) {
	env := []string{"PATH=/bin", "AWS_SECRET_ACCESS_KEY=abc", "HOME=/root", "SLACK_TOKEN=xyz"}
	out := redactEnv(env, []string{"AWS_", "SLACK_"})
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, out)

	// No prefixes: untouched.
	assert.Equal(t, env, redactEnv(env, nil))
}
