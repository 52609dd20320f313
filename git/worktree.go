// Package git provides the worktree and branch operations the supervisor
// needs: one isolated worktree per card, branch pushes, and the no-fast-forward
// merges used by the integration gate.
package git

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	// worktreeDirName is the directory under the repo root that holds all
	// card worktrees.
	worktreeDirName = ".worktrees"

	// slugMaxLen caps the slug portion of generated branch names.
	slugMaxLen = 50
)

// WorktreeManager handles git worktree operations against a single base
// repository.
type WorktreeManager struct {
	repoRoot   string
	mainBranch string
	remote     string
	logger     *slog.Logger
}

// NewWorktreeManager creates a worktree manager rooted at repoRoot.
func NewWorktreeManager(repoRoot, mainBranch, remote string, logger *slog.Logger) *WorktreeManager {
	if logger == nil {
		logger = slog.Default()
	}
	if remote == "" {
		remote = "origin"
	}
	return &WorktreeManager{
		repoRoot:   repoRoot,
		mainBranch: mainBranch,
		remote:     remote,
		logger:     logger.With("component", "worktree"),
	}
}

// RepoRoot returns the base repository path.
func (m *WorktreeManager) RepoRoot() string { return m.repoRoot }

// WorktreePath returns the deterministic worktree directory for a card.
func (m *WorktreeManager) WorktreePath(cardID string) string {
	return filepath.Join(m.repoRoot, worktreeDirName, shortID(cardID))
}

// Create makes an isolated worktree for the card on the given branch and
// returns its absolute path. An existing directory at the target path is a
// leftover from a crashed run and is removed first. If the branch already
// exists the worktree attaches to it instead of creating it.
func (m *WorktreeManager) Create(cardID, branch string) (string, error) {
	path, err := filepath.Abs(m.WorktreePath(cardID))
	if err != nil {
		return "", fmt.Errorf("resolve worktree path: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		m.logger.Warn("Removing leftover worktree", "path", path)
		m.Remove(path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	if err := m.runGit(m.repoRoot, "worktree", "add", "-b", branch, path, m.mainBranch); err != nil {
		// Branch may survive a previous run; attach instead.
		if attachErr := m.runGit(m.repoRoot, "worktree", "add", path, branch); attachErr != nil {
			return "", fmt.Errorf("create worktree for branch %s: %w", branch, err)
		}
	}

	m.linkNodeModules(path)
	return path, nil
}

// CreateIntegration makes a worktree attached to the integration branch,
// creating the branch from main when it does not exist yet. The synthesizer
// uses one per merge and removes it afterwards.
func (m *WorktreeManager) CreateIntegration(branch, cardID string) (string, error) {
	path, err := filepath.Abs(filepath.Join(m.repoRoot, worktreeDirName, "merge-"+shortID(cardID)))
	if err != nil {
		return "", fmt.Errorf("resolve integration path: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		m.Remove(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("create worktree parent: %w", err)
	}

	if m.branchExists(branch) {
		if err := m.runGit(m.repoRoot, "worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("attach integration worktree: %w", err)
		}
	} else {
		if err := m.runGit(m.repoRoot, "worktree", "add", "-b", branch, path, m.mainBranch); err != nil {
			return "", fmt.Errorf("create integration worktree: %w", err)
		}
	}

	m.linkNodeModules(path)
	return path, nil
}

// Remove tears down a worktree. It never fails loudly: when git refuses, the
// directory is removed by hand and the worktree list pruned. Safe to call on
// paths that are already gone.
func (m *WorktreeManager) Remove(path string) {
	if path == "" {
		return
	}
	if err := m.runGit(m.repoRoot, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			m.logger.Warn("Failed to remove worktree directory", "path", path, "error", rmErr)
		}
		_ = m.runGit(m.repoRoot, "worktree", "prune")
	}
}

// Push pushes the worktree's current branch to the remote with upstream
// tracking.
func (m *WorktreeManager) Push(dir string) error {
	branch, err := m.CurrentBranch(dir)
	if err != nil {
		return fmt.Errorf("determine branch: %w", err)
	}
	if err := m.runGit(dir, "push", "-u", m.remote, branch); err != nil {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

// MergeNoFF merges a branch into the checkout at dir with an explicit merge
// commit, preserving the agent branch's history.
func (m *WorktreeManager) MergeNoFF(dir, branch, message string) error {
	if err := m.runGit(dir, "merge", "--no-ff", "-m", message, branch); err != nil {
		return fmt.Errorf("merge %s: %w", branch, err)
	}
	return nil
}

// AbortMerge abandons an in-progress merge in dir. Best effort.
func (m *WorktreeManager) AbortMerge(dir string) {
	_ = m.runGit(dir, "merge", "--abort")
}

// ResetLastMerge discards the most recent merge commit in dir, returning the
// branch to its pre-merge state.
func (m *WorktreeManager) ResetLastMerge(dir string) error {
	if err := m.runGit(dir, "reset", "--hard", "HEAD~1"); err != nil {
		return fmt.Errorf("reset merge: %w", err)
	}
	return nil
}

// CurrentBranch returns the checked-out branch of a worktree.
func (m *WorktreeManager) CurrentBranch(dir string) (string, error) {
	out, err := m.runGitOutput(dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// HasUncommittedChanges reports whether the worktree is dirty.
func (m *WorktreeManager) HasUncommittedChanges(dir string) (bool, error) {
	out, err := m.runGitOutput(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(out)) > 0, nil
}

// Prune drops stale worktree registrations after manual directory removal.
func (m *WorktreeManager) Prune() {
	_ = m.runGit(m.repoRoot, "worktree", "prune")
}

func (m *WorktreeManager) branchExists(branch string) bool {
	return m.runGit(m.repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch) == nil
}

// linkNodeModules symlinks the base repo's node_modules into a fresh
// worktree so agents can run checks without reinstalling. Best effort: a
// repo without node dependencies is left alone.
func (m *WorktreeManager) linkNodeModules(worktree string) {
	src := filepath.Join(m.repoRoot, "node_modules")
	if _, err := os.Stat(src); err != nil {
		return
	}
	dst := filepath.Join(worktree, "node_modules")
	if _, err := os.Lstat(dst); err == nil {
		return
	}
	if err := os.Symlink(src, dst); err != nil {
		m.logger.Warn("Failed to link node_modules", "worktree", worktree, "error", err)
	}
}

func (m *WorktreeManager) runGit(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (m *WorktreeManager) runGitOutput(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	return cmd.Output()
}

// IsPathSafe reports whether rel resolves to a location strictly inside base
// after cleaning, rejecting traversal, absolute paths and base itself.
func IsPathSafe(base, rel string) bool {
	if rel == "" || filepath.IsAbs(rel) {
		return false
	}
	joined := filepath.Clean(filepath.Join(base, rel))
	baseClean := filepath.Clean(base)
	return strings.HasPrefix(joined, baseClean+string(filepath.Separator))
}

// GenerateBranchName builds the deterministic branch for a card:
// agent/<agentKind>/<slug>-<id8>. The slug is the lowercased title with
// non-alphanumeric runs collapsed to single dashes, capped at 50 chars. A
// title with no usable characters leaves just the id suffix, which keeps the
// name unique.
func GenerateBranchName(agentKind, title, cardID string) string {
	slug := Slugify(title)
	suffix := shortID(cardID)
	name := suffix
	if slug != "" {
		name = slug + "-" + suffix
	}
	return fmt.Sprintf("agent/%s/%s", agentKind, name)
}

// Slugify lowercases s and collapses every non-alphanumeric run into a
// single dash, trimming leading and trailing dashes.
func Slugify(s string) string {
	var b strings.Builder
	prevDash := true // swallow leading dashes
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			prevDash = false
		} else if !prevDash {
			b.WriteByte('-')
			prevDash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > slugMaxLen {
		slug = strings.TrimRight(slug[:slugMaxLen], "-")
	}
	return slug
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
