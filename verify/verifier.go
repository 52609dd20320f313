// Package verify runs the quality gate against an agent's worktree:
// type-check, lint and tests in sequence, each under its own timeout.
package verify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultStepTimeout bounds each individual check.
	DefaultStepTimeout = 10 * time.Minute

	// outputCap truncates each step's combined output so verification
	// results stay storable on the card.
	outputCap = 5000
)

// Step is one named check to run in the worktree.
type Step struct {
	Name    string
	Command []string
}

// DefaultSteps is the gate for the TypeScript repositories the agents work
// on. Projects with different tooling override via VerifierConfig.
func DefaultSteps() []Step {
	return []Step{
		{Name: "typecheck", Command: []string{"npx", "tsc", "--noEmit"}},
		{Name: "lint", Command: []string{"npx", "eslint", "."}},
		{Name: "test", Command: []string{"npm", "test", "--silent"}},
	}
}

// Result is the outcome of a full verification pass. Outputs are keyed by
// step name and always populated for steps that ran.
type Result struct {
	Passed     bool
	FailedStep string
	Outputs    map[string]string
	Duration   time.Duration
}

// Summary renders the result as a single storable string.
func (r Result) Summary() string {
	var b strings.Builder
	if r.Passed {
		b.WriteString("verification passed\n")
	} else {
		fmt.Fprintf(&b, "verification failed at %s\n", r.FailedStep)
	}
	seen := make(map[string]bool, len(r.Outputs))
	for _, step := range []string{"typecheck", "lint", "test"} {
		if out, ok := r.Outputs[step]; ok {
			fmt.Fprintf(&b, "\n=== %s ===\n%s\n", step, out)
			seen[step] = true
		}
	}
	names := make([]string, 0, len(r.Outputs))
	for step := range r.Outputs {
		if !seen[step] {
			names = append(names, step)
		}
	}
	sort.Strings(names)
	for _, step := range names {
		fmt.Fprintf(&b, "\n=== %s ===\n%s\n", step, r.Outputs[step])
	}
	return b.String()
}

// VerifierConfig tunes the gate.
type VerifierConfig struct {
	Steps       []Step
	StepTimeout time.Duration
}

// Verifier runs the gate steps in order and stops at the first failure.
type Verifier struct {
	steps       []Step
	stepTimeout time.Duration
	logger      *slog.Logger
}

// NewVerifier creates a verifier. Zero-valued config fields fall back to the
// defaults.
func NewVerifier(cfg VerifierConfig, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	steps := cfg.Steps
	if len(steps) == 0 {
		steps = DefaultSteps()
	}
	timeout := cfg.StepTimeout
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &Verifier{
		steps:       steps,
		stepTimeout: timeout,
		logger:      logger.With("component", "verify"),
	}
}

// Verify runs every step in dir. A non-zero exit, a timed-out step, or a
// command that cannot start all fail the gate; later steps are skipped.
func (v *Verifier) Verify(ctx context.Context, dir string) Result {
	start := time.Now()
	res := Result{Outputs: make(map[string]string, len(v.steps))}

	for _, step := range v.steps {
		out, err := v.runStep(ctx, dir, step)
		res.Outputs[step.Name] = out
		if err != nil {
			v.logger.Info("Verification step failed", "step", step.Name, "dir", dir, "error", err)
			res.FailedStep = step.Name
			res.Duration = time.Since(start)
			return res
		}
		v.logger.Debug("Verification step passed", "step", step.Name, "dir", dir)
	}

	res.Passed = true
	res.Duration = time.Since(start)
	return res
}

func (v *Verifier) runStep(ctx context.Context, dir string, step Step) (string, error) {
	stepCtx, cancel := context.WithTimeout(ctx, v.stepTimeout)
	defer cancel()

	cmd := exec.CommandContext(stepCtx, step.Command[0], step.Command[1:]...)
	cmd.Dir = dir

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	out := truncate(combined.String(), outputCap)

	if stepCtx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%s timed out after %s", step.Name, v.stepTimeout)
	}
	if err != nil {
		return out, fmt.Errorf("%s: %w", step.Name, err)
	}
	return out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n... (truncated)"
}
