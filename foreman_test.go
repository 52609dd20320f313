package foreman

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/twlines/foreman/agents"
	"github.com/twlines/foreman/events"
	"github.com/twlines/foreman/git"
	"github.com/twlines/foreman/kanban"
	"github.com/twlines/foreman/verify"
)

// mockStore is an in-memory kanban.CardStore for supervisor-level tests.
// All methods are mutex-guarded because supervised runs mutate it from their
// own goroutines.
type mockStore struct {
	mu       sync.Mutex
	projects map[string]*kanban.Project
	order    []string
	cards    map[string]*kanban.Card
	audits   []kanban.AuditEntry
	usage    []kanban.TokenUsage
	docs     []kanban.Document
	nextPos  int

	startWorkErr  error
	activeErr     error
	getNextErr    error
	createCardErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		projects: make(map[string]*kanban.Project),
		cards:    make(map[string]*kanban.Card),
	}
}

func (m *mockStore) addProject(name string) *kanban.Project {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &kanban.Project{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    kanban.ProjectActive,
		CreatedAt: time.Now(),
	}
	m.projects[p.ID] = p
	m.order = append(m.order, p.ID)
	return p
}

func (m *mockStore) addCard(projectID, title string) *kanban.Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPos++
	c := &kanban.Card{
		ID:                 uuid.NewString(),
		ProjectID:          projectID,
		Title:              title,
		Column:             kanban.ColumnBacklog,
		AgentStatus:        kanban.AgentIdle,
		VerificationStatus: kanban.VerifyUnverified,
		Position:           m.nextPos,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	m.cards[c.ID] = c
	return c
}

func (m *mockStore) card(id string) kanban.Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.cards[id]
}

func (m *mockStore) auditActions(entityID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var actions []string
	for _, a := range m.audits {
		if a.EntityID == entityID {
			actions = append(actions, a.Action)
		}
	}
	return actions
}

func (m *mockStore) GetProject(id string) (*kanban.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, kanban.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockStore) ActiveProjects() ([]kanban.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeErr != nil {
		return nil, m.activeErr
	}
	var out []kanban.Project
	for _, id := range m.order {
		if p := m.projects[id]; p.Status == kanban.ProjectActive {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *mockStore) CreateProject(p *kanban.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	cp := *p
	m.projects[p.ID] = &cp
	m.order = append(m.order, p.ID)
	return nil
}

func (m *mockStore) GetCard(id string) (*kanban.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return nil, kanban.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockStore) GetBoard(projectID string) (*kanban.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	board := &kanban.Board{}
	for _, c := range m.cards {
		if c.ProjectID != projectID {
			continue
		}
		switch c.Column {
		case kanban.ColumnBacklog:
			board.Backlog = append(board.Backlog, *c)
		case kanban.ColumnInProgress:
			board.InProgress = append(board.InProgress, *c)
		case kanban.ColumnDone:
			board.Done = append(board.Done, *c)
		}
	}
	return board, nil
}

func (m *mockStore) GetNextCard(projectID string) (*kanban.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getNextErr != nil {
		return nil, m.getNextErr
	}
	var candidates []*kanban.Card
	for _, c := range m.cards {
		if c.ProjectID == projectID && c.Column == kanban.ColumnBacklog {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Position < candidates[j].Position
	})
	cp := *candidates[0]
	return &cp, nil
}

func (m *mockStore) CardsByAgentStatus(statuses ...kanban.AgentStatus) ([]kanban.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []kanban.Card
	for _, c := range m.cards {
		for _, s := range statuses {
			if c.AgentStatus == s {
				out = append(out, *c)
				break
			}
		}
	}
	return out, nil
}

func (m *mockStore) CardsByVerification(status kanban.VerificationStatus) ([]kanban.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []kanban.Card
	for _, c := range m.cards {
		if c.VerificationStatus == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *mockStore) SiblingCards(projectID, excludeCardID string) ([]kanban.Card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []kanban.Card
	for _, c := range m.cards {
		if c.ProjectID == projectID && c.ID != excludeCardID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *mockStore) CreateCard(c *kanban.Card) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createCardErr != nil {
		return m.createCardErr
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	m.nextPos++
	c.Column = kanban.ColumnBacklog
	c.AgentStatus = kanban.AgentIdle
	c.VerificationStatus = kanban.VerifyUnverified
	c.Position = m.nextPos
	c.CreatedAt = time.Now()
	c.UpdatedAt = time.Now()
	cp := *c
	m.cards[c.ID] = &cp
	return nil
}

func (m *mockStore) UpdateCard(id string, upd kanban.CardUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[id]
	if !ok {
		return kanban.ErrNotFound
	}
	if !upd.IfUpdatedAt.IsZero() && !upd.IfUpdatedAt.Equal(c.UpdatedAt) {
		return kanban.ErrConflict
	}
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	if upd.Priority != nil {
		c.Priority = *upd.Priority
	}
	if upd.Position != nil {
		c.Position = *upd.Position
	}
	if upd.Column != nil {
		c.Column = *upd.Column
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) StartWork(cardID, agentKind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startWorkErr != nil {
		return m.startWorkErr
	}
	c, ok := m.cards[cardID]
	if !ok {
		return kanban.ErrNotFound
	}
	c.Column = kanban.ColumnInProgress
	c.AgentStatus = kanban.AgentRunning
	c.AgentKind = agentKind
	c.StartedAt = time.Now()
	c.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) SkipToBack(cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return kanban.ErrNotFound
	}
	m.nextPos++
	c.Column = kanban.ColumnBacklog
	c.AgentStatus = kanban.AgentIdle
	c.Position = m.nextPos
	c.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) SaveContext(cardID, snapshot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return kanban.ErrNotFound
	}
	c.ContextSnapshot = snapshot
	c.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) AssignAgent(cardID, agentKind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return kanban.ErrNotFound
	}
	c.AgentKind = agentKind
	c.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) UpdateAgentStatus(cardID string, status kanban.AgentStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return kanban.ErrNotFound
	}
	c.AgentStatus = status
	c.StatusReason = reason
	c.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) CompleteWork(cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return kanban.ErrNotFound
	}
	c.AgentStatus = kanban.AgentCompleted
	c.CompletedAt = time.Now()
	c.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) PromoteDone(cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return kanban.ErrNotFound
	}
	c.Column = kanban.ColumnDone
	c.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) UpdateCardVerification(cardID string, status kanban.VerificationStatus, output string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[cardID]
	if !ok {
		return kanban.ErrNotFound
	}
	c.VerificationStatus = status
	c.VerificationOutput = output
	c.UpdatedAt = time.Now()
	return nil
}

func (m *mockStore) ProjectDocuments(projectID string) ([]kanban.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []kanban.Document
	for _, d := range m.docs {
		if d.ProjectID == projectID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) RecentDecisions(string, int) ([]kanban.Decision, error) {
	return nil, nil
}

func (m *mockStore) ActiveCorrections(string) ([]kanban.Correction, error) {
	return nil, nil
}

func (m *mockStore) InsertTokenUsage(rec kanban.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, rec)
	return nil
}

func (m *mockStore) LogAudit(entityType, entityID, action, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, kanban.AuditEntry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Details:    details,
		CreatedAt:  time.Now(),
	})
	return nil
}

func (m *mockStore) AuditTrail(entityID string, limit int) ([]kanban.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []kanban.AuditEntry
	for i := len(m.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if m.audits[i].EntityID == entityID {
			out = append(out, m.audits[i])
		}
	}
	return out, nil
}

// mockWorktrees satisfies both the orchestrator's WorktreeManager and the
// supervisor's Worktrees interface. Created directories are real so agent
// commands have a working directory.
type mockWorktrees struct {
	mu        sync.Mutex
	base      string
	created   []string
	removed   []string
	pushed    []string
	createErr error
	pushErr   error
}

func (m *mockWorktrees) Create(cardID, branch string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return "", m.createErr
	}
	path := filepath.Join(m.base, cardID[:8])
	if err := os.MkdirAll(path, 0750); err != nil {
		return "", err
	}
	m.created = append(m.created, path)
	return path, nil
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

// eventCollector drains a subscription into an inspectable slice. Draining
// happens synchronously inside ofType so assertions never race the
// scheduler on single-CPU machines.
type eventCollector struct {
	mu     sync.Mutex
	sub    *events.Subscriber
	events []events.Event
	stop   func()
}

func collectEvents(bus *events.Broadcaster) *eventCollector {
	c := &eventCollector{sub: bus.Subscribe()}
	c.stop = func() {
		bus.Unsubscribe(c.sub)
	}
	return c
}

// drain moves every buffered event from the subscription into the slice.
// Callers must hold c.mu.
func (c *eventCollector) drain() {
	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				return
			}
			c.events = append(c.events, ev)
		default:
			return
		}
	}
}

func (c *eventCollector) ofType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain()
	var out []events.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// rig is a fully wired supervisor core backed by mocks and a quiet logger.
type rig struct {
	cfg    Config
	store  *mockStore
	wt     *mockWorktrees
	bus    *events.Broadcaster
	orch   *Orchestrator
	hb     *Heartbeat
	events *eventCollector
}

func newRig(t *testing.T) *rig {
	t.Helper()
	return newRigCfg(t, nil)
}

// newRigCfg builds a rig with the stock test config, optionally mutated
// before wiring.
func newRigCfg(t *testing.T, mutate func(*Config)) *rig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := DefaultConfig()
	cfg.RepoRoot = t.TempDir()
	cfg.MaxConcurrent = 2
	cfg.AgentTimeout = 10 * time.Second
	cfg.DrainTimeout = 5 * time.Second
	cfg.Supervisor.Commands = map[string][]string{
		"claude":  {"sh", "-c", "echo working"},
		"sleeper": {"sh", "-c", "sleep 60"},
		"failing": {"sh", "-c", "echo boom >&2; exit 1"},
		"missing": {"definitely-not-a-real-binary-xq7"},
	}
	cfg.Supervisor.GracePeriod = 200 * time.Millisecond
	cfg.Verifier = verify.VerifierConfig{
		Steps:       []verify.Step{{Name: "noop", Command: []string{"true"}}},
		StepTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store := newMockStore()
	wt := &mockWorktrees{base: t.TempDir()}
	bus := events.NewBroadcaster(logger)
	verifier := verify.NewVerifier(cfg.Verifier, logger)
	supervisor := agents.NewSupervisor(store, wt, verifier, bus, nil, cfg.Supervisor, logger)
	assembler := agents.NewAssembler(store, 0)
	orch := NewOrchestrator(cfg, store, wt, supervisor, assembler, bus, git.GenerateBranchName, logger)
	hb := NewHeartbeat(cfg, orch, store, bus, nil, logger)

	collector := collectEvents(bus)
	t.Cleanup(collector.stop)

	return &rig{
		cfg:    cfg,
		store:  store,
		wt:     wt,
		bus:    bus,
		orch:   orch,
		hb:     hb,
		events: collector,
	}
}

// waitDrained blocks until no runs remain in the registry.
func (r *rig) waitDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.orch.RunningCount() == 0
	}, 10*time.Second, 20*time.Millisecond, "agents never drained")
}

// waitRunning blocks until the registry holds n runs.
func (r *rig) waitRunning(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.orch.RunningCount() == n
	}, 5*time.Second, 10*time.Millisecond, "expected %d running agents", n)
}
