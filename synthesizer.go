package foreman

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/twlines/foreman/events"
	"github.com/twlines/foreman/kanban"
	"github.com/twlines/foreman/verify"
)

// IntegrationWorktrees is the slice of the git layer the merge gate needs.
type IntegrationWorktrees interface {
	CreateIntegration(branch, cardID string) (string, error)
	Remove(path string)
	MergeNoFF(dir, branch, message string) error
	AbortMerge(dir string)
	ResetLastMerge(dir string) error
	Push(dir string) error
}

// MergeVerifier re-runs the quality gate against the merged tree.
type MergeVerifier interface {
	Verify(ctx context.Context, dir string) verify.Result
}

// Synthesizer is the merge gate: it sweeps cards whose branches passed
// branch verification, merges each into the integration branch, re-verifies
// the merged tree, and promotes the card to done. A failed merge or a failed
// re-verification blocks the card without touching the integration branch.
type Synthesizer struct {
	cfg       Config
	store     kanban.CardStore
	worktrees IntegrationWorktrees
	verifier  MergeVerifier
	orch      *Orchestrator
	events    *events.Broadcaster
	logger    *slog.Logger
	branch    BranchNamer

	// mu serializes sweeps; merges into the integration branch must not
	// interleave.
	mu sync.Mutex
}

// NewSynthesizer wires the merge gate.
func NewSynthesizer(cfg Config, store kanban.CardStore, worktrees IntegrationWorktrees, verifier MergeVerifier, orch *Orchestrator, bus *events.Broadcaster, branch BranchNamer, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		cfg:       cfg,
		store:     store,
		worktrees: worktrees,
		verifier:  verifier,
		orch:      orch,
		events:    bus,
		branch:    branch,
		logger:    logger.With("component", "synthesizer"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Synthesizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SynthesisInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep merges every branch-verified card into the integration branch, one
// at a time. Each card gets its own short-lived integration worktree.
func (s *Synthesizer) Sweep(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cards, err := s.store.CardsByVerification(kanban.VerifyBranchVerified)
	if err != nil {
		s.logger.Error("Failed to list verified cards", "error", err)
		return
	}
	if len(cards) == 0 {
		return
	}
	s.logger.Info("Merge sweep starting", "candidates", len(cards))

	for _, card := range cards {
		if ctx.Err() != nil {
			return
		}
		if err := s.mergeCard(ctx, card); err != nil {
			s.logger.Error("Merge failed", "card", card.ID, "error", err)
		}
	}
}

// mergeCard runs one card through the merge gate. On any failure the
// integration branch is left exactly as it was.
func (s *Synthesizer) mergeCard(ctx context.Context, card kanban.Card) error {
	// The branch gate records the branch in the card's context snapshot.
	// That is authoritative: the title can be edited between verification
	// and the sweep, so re-deriving the name from it would merge nothing.
	branchName := branchFromSnapshot(card.ContextSnapshot)
	if branchName == "" {
		branchName = s.branch(card.AgentKind, card.Title, card.ID)
	}

	s.events.Publish(events.Event{
		Type:      events.TypeVerificationStarted,
		CardID:    card.ID,
		ProjectID: card.ProjectID,
		Branch:    branchName,
		Gate:      "merge",
	})

	dir, err := s.worktrees.CreateIntegration(s.cfg.IntegrationBranch, card.ID)
	if err != nil {
		return fmt.Errorf("integration worktree: %w", err)
	}
	defer s.worktrees.Remove(dir)

	message := fmt.Sprintf("Merge %s: %s", branchName, card.Title)
	if err := s.worktrees.MergeNoFF(dir, branchName, message); err != nil {
		s.worktrees.AbortMerge(dir)
		s.failMerge(card, branchName, fmt.Sprintf("merge conflict: %v", err))
		return nil
	}

	result := s.verifier.Verify(ctx, dir)
	if !result.Passed {
		if err := s.worktrees.ResetLastMerge(dir); err != nil {
			s.logger.Error("Failed to unwind merge commit", "card", card.ID, "error", err)
		}
		s.failMerge(card, branchName, result.Summary())
		return nil
	}

	if err := s.worktrees.Push(dir); err != nil {
		if resetErr := s.worktrees.ResetLastMerge(dir); resetErr != nil {
			s.logger.Error("Failed to unwind merge commit", "card", card.ID, "error", resetErr)
		}
		s.failMerge(card, branchName, fmt.Sprintf("push integration: %v", err))
		return nil
	}

	if err := s.store.UpdateCardVerification(card.ID, kanban.VerifyMergeVerified, result.Summary()); err != nil {
		return fmt.Errorf("record merge verification: %w", err)
	}
	if err := s.store.PromoteDone(card.ID); err != nil {
		return fmt.Errorf("promote card: %w", err)
	}
	if err := s.store.LogAudit("card", card.ID, "synthesizer.merged", branchName); err != nil {
		s.logger.Warn("Failed to audit merge", "card", card.ID, "error", err)
	}

	s.orch.countMerge(true)
	s.events.Publish(events.Event{
		Type:      events.TypeVerificationPassed,
		CardID:    card.ID,
		ProjectID: card.ProjectID,
		Branch:    branchName,
		Gate:      "merge",
	})
	s.logger.Info("Card merged", "card", card.ID, "branch", branchName)
	return nil
}

// failMerge records a merge-gate failure: the card is blocked with the
// failure output so an operator (or a retried agent) can act on it.
func (s *Synthesizer) failMerge(card kanban.Card, branchName, output string) {
	if err := s.store.UpdateCardVerification(card.ID, kanban.VerifyMergeFailed, output); err != nil {
		s.logger.Error("Failed to record merge failure", "card", card.ID, "error", err)
	}
	if err := s.store.UpdateAgentStatus(card.ID, kanban.AgentBlocked, "merge gate failed"); err != nil {
		s.logger.Error("Failed to block card", "card", card.ID, "error", err)
	}
	if err := s.store.LogAudit("card", card.ID, "synthesizer.mergeFailed", branchName); err != nil {
		s.logger.Warn("Failed to audit merge failure", "card", card.ID, "error", err)
	}

	s.orch.countMerge(false)
	s.events.Publish(events.Event{
		Type:      events.TypeVerificationFailed,
		CardID:    card.ID,
		ProjectID: card.ProjectID,
		Branch:    branchName,
		Gate:      "merge",
		Reason:    firstLine(output),
	})
}

// branchFromSnapshot extracts the branch name persisted by the supervisor,
// whose snapshots open with a "branch: <name>" line.
func branchFromSnapshot(snapshot string) string {
	line, _, _ := strings.Cut(snapshot, "\n")
	if name, ok := strings.CutPrefix(line, "branch: "); ok {
		return strings.TrimSpace(name)
	}
	return ""
}

// firstLine trims a multi-line failure summary down to an event-sized
// reason.
func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
