// Package foreman is the supervisor core: the orchestrator that admits and
// tracks agent runs, the heartbeat that schedules work from project
// backlogs, and the synthesizer that merges verified branches.
package foreman

import (
	"time"

	"github.com/twlines/foreman/agents"
	"github.com/twlines/foreman/verify"
)

// Config holds the host-level settings shared by the orchestrator,
// heartbeat and synthesizer.
type Config struct {
	// RepoRoot is the base git repository agents work against.
	RepoRoot string

	// MainBranch is the branch worktrees are created from.
	MainBranch string

	// Remote is the git remote branches are pushed to.
	Remote string

	// IntegrationBranch receives merge-gate merges.
	IntegrationBranch string

	// MaxConcurrent caps live agent runs across all projects.
	MaxConcurrent int

	// AgentTimeout bounds each run's wall clock unless the project
	// overrides it.
	AgentTimeout time.Duration

	// TickInterval is the heartbeat cadence.
	TickInterval time.Duration

	// BlockedRetryAge is how long a blocked card rests before the
	// heartbeat requeues it.
	BlockedRetryAge time.Duration

	// SynthesisInterval is the merge-gate sweep cadence.
	SynthesisInterval time.Duration

	// DrainTimeout bounds graceful shutdown before survivors are killed.
	DrainTimeout time.Duration

	// DefaultAgentKind is the agent the heartbeat assigns to backlog
	// cards that don't carry one.
	DefaultAgentKind string

	// Supervisor carries agent subprocess settings.
	Supervisor agents.Config

	// Verifier carries quality-gate settings.
	Verifier verify.VerifierConfig
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MainBranch:        "main",
		Remote:            "origin",
		IntegrationBranch: "integration",
		MaxConcurrent:     3,
		AgentTimeout:      30 * time.Minute,
		TickInterval:      10 * time.Minute,
		BlockedRetryAge:   30 * time.Minute,
		SynthesisInterval: 30 * time.Minute,
		DrainTimeout:      30 * time.Second,
		DefaultAgentKind:  "claude",
		Supervisor: agents.Config{
			Commands:    agents.DefaultCommands(),
			GracePeriod: agents.DefaultGracePeriod,
			LogLines:    agents.DefaultLogLines,
			RedactEnvPrefixes: []string{
				"AWS_", "SLACK_", "GITHUB_TOKEN", "OPENAI_API_KEY",
			},
		},
	}
}

// Metrics counts scheduler activity since process start. Updated under the
// orchestrator mutex.
type Metrics struct {
	Ticks           int `json:"ticks"`
	AgentsSpawned   int `json:"agentsSpawned"`
	AgentsSucceeded int `json:"agentsSucceeded"`
	AgentsFailed    int `json:"agentsFailed"`
	AdmissionDenied int `json:"admissionDenied"`
	Merges          int `json:"merges"`
	MergeFailures   int `json:"mergeFailures"`
}
