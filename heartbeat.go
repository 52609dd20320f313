package foreman

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twlines/foreman/agents"
	"github.com/twlines/foreman/events"
	"github.com/twlines/foreman/kanban"
)

// briefTitleMax caps the card title derived from a task brief.
const briefTitleMax = 80

// Heartbeat is the scheduler loop: on each tick it requeues stale blocked
// cards, then pulls the most urgent backlog card per idle active project and
// asks the orchestrator to spawn an agent for it, up to the global cap.
type Heartbeat struct {
	orch     *Orchestrator
	store    kanban.CardStore
	events   *events.Broadcaster
	notifier agents.Notifier
	logger   *slog.Logger
	cfg      Config

	// mu serializes ticks: a manual Tick never overlaps the timer's.
	mu    sync.Mutex
	ticks int
}

// NewHeartbeat wires the scheduler. notifier may be nil.
func NewHeartbeat(cfg Config, orch *Orchestrator, store kanban.CardStore, bus *events.Broadcaster, notifier agents.Notifier, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		orch:     orch,
		store:    store,
		events:   bus,
		notifier: notifier,
		logger:   logger.With("component", "heartbeat"),
		cfg:      cfg,
	}
}

// Run reconciles once, ticks immediately, then ticks on the configured
// interval until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	if n, err := h.Reconcile(); err != nil {
		h.logger.Error("Startup reconciliation failed", "error", err)
	} else if n > 0 {
		h.logger.Info("Reconciled orphaned cards", "requeued", n)
	}

	h.Tick()

	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick()
		}
	}
}

// Reconcile requeues cards left running or blocked by a previous process.
// The registry is empty at startup, so every running card is an orphan;
// blocked cards get a fresh chance under the new process. Snapshots on the
// cards are preserved for the next attempt.
func (h *Heartbeat) Reconcile() (int, error) {
	orphans, err := h.store.CardsByAgentStatus(kanban.AgentRunning, kanban.AgentBlocked)
	if err != nil {
		return 0, fmt.Errorf("list orphaned cards: %w", err)
	}

	requeued := 0
	for _, card := range orphans {
		// A live registry entry means a mid-flight card, not an orphan.
		// Only possible when Reconcile is invoked manually after startup.
		if h.orch.HasRunForProject(card.ProjectID) {
			continue
		}
		if err := h.store.SkipToBack(card.ID); err != nil {
			h.logger.Warn("Failed to requeue orphaned card", "card", card.ID, "error", err)
			continue
		}
		if err := h.store.LogAudit("card", card.ID, "heartbeat.reconciled", "requeued after restart"); err != nil {
			h.logger.Warn("Failed to audit reconcile", "card", card.ID, "error", err)
		}
		requeued++
	}
	return requeued, nil
}

// Tick runs one scheduling pass. Safe to call manually; overlapping calls
// serialize.
func (h *Heartbeat) Tick() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ticks++
	h.orch.countTick()

	h.events.Publish(events.Event{
		Type:   events.TypeHeartbeatTick,
		Tick:   h.ticks,
		Agents: h.orch.RunningCount(),
	})

	h.reclaimBlocked()

	projects, err := h.store.ActiveProjects()
	if err != nil {
		h.logger.Error("Failed to list active projects", "error", err)
		h.events.Publish(events.Event{Type: events.TypeHeartbeatError, Error: err.Error()})
		return
	}

	spawned := 0
	for _, project := range projects {
		if h.orch.RunningCount() >= h.cfg.MaxConcurrent {
			break
		}
		if h.orch.HasRunForProject(project.ID) {
			continue
		}

		card, err := h.store.GetNextCard(project.ID)
		if err != nil {
			h.logger.Error("Failed to read backlog", "project", project.ID, "error", err)
			h.events.Publish(events.Event{
				Type:      events.TypeHeartbeatError,
				ProjectID: project.ID,
				Error:     err.Error(),
			})
			continue
		}
		if card == nil {
			continue
		}

		agentKind := card.AgentKind
		if agentKind == "" {
			agentKind = h.cfg.DefaultAgentKind
		}

		if err := h.orch.SpawnAgent(card.ID, agentKind); err != nil {
			if IsAdmission(err) {
				h.logger.Info("Spawn not admitted", "card", card.ID, "reason", err)
				continue
			}
			h.logger.Error("Spawn failed", "card", card.ID, "error", err)
			h.events.Publish(events.Event{
				Type:      events.TypeHeartbeatError,
				CardID:    card.ID,
				ProjectID: project.ID,
				Error:     err.Error(),
			})
			continue
		}

		spawned++
		h.events.Publish(events.Event{
			Type:      events.TypeHeartbeatSpawned,
			CardID:    card.ID,
			ProjectID: project.ID,
			Agent:     agentKind,
		})
		h.notify(fmt.Sprintf(":rocket: Agent %s spawned on card %q", agentKind, card.Title))
	}

	if spawned == 0 {
		h.events.Publish(events.Event{Type: events.TypeHeartbeatIdle, Tick: h.ticks})
	}
}

func (h *Heartbeat) notify(text string) {
	if h.notifier == nil {
		return
	}
	h.notifier.Notify(context.Background(), text)
}

// reclaimBlocked requeues blocked cards that have rested past the retry
// age, giving a fresh agent a chance at them.
func (h *Heartbeat) reclaimBlocked() {
	blocked, err := h.store.CardsByAgentStatus(kanban.AgentBlocked)
	if err != nil {
		h.logger.Warn("Failed to list blocked cards", "error", err)
		return
	}
	cutoff := time.Now().Add(-h.cfg.BlockedRetryAge)
	for _, card := range blocked {
		if card.UpdatedAt.After(cutoff) {
			continue
		}
		if err := h.store.SkipToBack(card.ID); err != nil {
			h.logger.Warn("Failed to requeue blocked card", "card", card.ID, "error", err)
			continue
		}
		if err := h.store.LogAudit("card", card.ID, "heartbeat.retry", "blocked card requeued"); err != nil {
			h.logger.Warn("Failed to audit retry", "card", card.ID, "error", err)
		}
		h.events.Publish(events.Event{
			Type:      events.TypeHeartbeatRetry,
			CardID:    card.ID,
			ProjectID: card.ProjectID,
		})
	}
}

// BriefOptions steers SubmitTaskBrief.
type BriefOptions struct {
	// ProjectID targets an exact project; it wins over ProjectHint.
	ProjectID string
	// ProjectHint selects the first active project whose name contains it
	// (case-insensitive).
	ProjectHint string
	Priority    int
	// NoImmediate skips the scheduling tick that normally follows card
	// creation, leaving the card for the next cadence tick.
	NoImmediate bool
}

// SubmitTaskBrief turns free-form operator text into a backlog card. The
// title is the brief's first sentence, capped at 80 chars; the full text
// becomes the description.
func (h *Heartbeat) SubmitTaskBrief(text string, opts BriefOptions) (*kanban.Card, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty task brief")
	}

	projectID, err := h.resolveProject(opts)
	if err != nil {
		return nil, err
	}

	card := &kanban.Card{
		ProjectID:   projectID,
		Title:       briefTitle(text),
		Description: text,
		Priority:    opts.Priority,
	}
	if err := h.store.CreateCard(card); err != nil {
		return nil, fmt.Errorf("create card from brief: %w", err)
	}
	if err := h.store.LogAudit("card", card.ID, "heartbeat.cardCreated", "from task brief"); err != nil {
		h.logger.Warn("Failed to audit brief card", "card", card.ID, "error", err)
	}
	h.events.Publish(events.Event{
		Type:      events.TypeHeartbeatCardCreated,
		CardID:    card.ID,
		ProjectID: projectID,
	})
	h.logger.Info("Card created from task brief", "card", card.ID, "title", card.Title)

	if !opts.NoImmediate {
		h.Tick()
	}
	return card, nil
}

// resolveProject picks the target project for a brief: explicit ID, then
// name substring match, then the first active project.
func (h *Heartbeat) resolveProject(opts BriefOptions) (string, error) {
	if opts.ProjectID != "" {
		if _, err := h.store.GetProject(opts.ProjectID); err != nil {
			return "", fmt.Errorf("project %s: %w", opts.ProjectID, err)
		}
		return opts.ProjectID, nil
	}

	projects, err := h.store.ActiveProjects()
	if err != nil {
		return "", fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		return "", fmt.Errorf("no active projects")
	}

	if opts.ProjectHint != "" {
		hint := strings.ToLower(opts.ProjectHint)
		for _, p := range projects {
			if strings.Contains(strings.ToLower(p.Name), hint) {
				return p.ID, nil
			}
		}
	}
	return projects[0].ID, nil
}

// briefTitle extracts the first sentence of a brief, capped at
// briefTitleMax characters.
func briefTitle(text string) string {
	title := text
	if idx := strings.IndexAny(text, ".!?\n"); idx > 0 {
		title = text[:idx]
	}
	title = strings.TrimSpace(title)
	if len(title) > briefTitleMax {
		title = strings.TrimSpace(title[:briefTitleMax])
	}
	if title == "" {
		title = "Untitled task"
	}
	return title
}
