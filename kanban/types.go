// Package kanban defines the durable card model for the foreman supervisor.
// Cards move through per-project board columns; an orthogonal agent status
// tracks the live supervised run, and a verification status tracks progress
// through the branch and merge quality gates.
package kanban

import (
	"time"
)

// Column is the lifecycle column of a card on its project board.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnInProgress Column = "in_progress"
	ColumnDone       Column = "done"
)

// AgentStatus tracks the agent working a card, orthogonal to the board
// column. A card with AgentRunning must be in ColumnInProgress.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentBlocked   AgentStatus = "blocked"
)

// VerificationStatus tracks progress through the branch gate and merge gate.
type VerificationStatus string

const (
	VerifyUnverified     VerificationStatus = "unverified"
	VerifyBranchVerified VerificationStatus = "branch_verified"
	VerifyBranchFailed   VerificationStatus = "branch_failed"
	VerifyMergeVerified  VerificationStatus = "merge_verified"
	VerifyMergeFailed    VerificationStatus = "merge_failed"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "active"
	ProjectPaused   ProjectStatus = "paused"
	ProjectArchived ProjectStatus = "archived"
)

// Card is a single unit of work. Backlog ordering is (Priority ASC,
// Position ASC); lower priority numbers are more urgent.
type Card struct {
	ID              string `json:"id"`
	ProjectID       string `json:"projectId"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	ContextSnapshot string `json:"contextSnapshot,omitempty"`

	Column             Column             `json:"column"`
	AgentStatus        AgentStatus        `json:"agentStatus"`
	AgentKind          string             `json:"agentKind,omitempty"`
	StatusReason       string             `json:"statusReason,omitempty"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	VerificationOutput string             `json:"verificationOutput,omitempty"`

	Priority int `json:"priority"`
	Position int `json:"position"`

	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
}

// Project groups cards and carries per-project overrides.
type Project struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status ProjectStatus `json:"status"`

	// AgentTimeoutMinutes overrides the global agent timeout when > 0.
	AgentTimeoutMinutes int `json:"agentTimeoutMinutes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Board partitions one project's cards into columns.
type Board struct {
	Backlog    []Card `json:"backlog"`
	InProgress []Card `json:"inProgress"`
	Done       []Card `json:"done"`
}

// Document is free-form project context consumed by the prompt assembler.
// Type is one of brief, instructions, assumptions.
type Document struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Decision is a recorded architecture or process decision for a project.
type Decision struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
}

// Correction is a steering correction applied to future agent runs until
// deactivated.
type Correction struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Text      string    `json:"text"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// TokenUsage is one telemetry record captured from an agent's output stream.
type TokenUsage struct {
	ID           string    `json:"id"`
	CardID       string    `json:"cardId"`
	ProjectID    string    `json:"projectId"`
	Agent        string    `json:"agent"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	CacheRead    int64     `json:"cacheRead"`
	CacheWrite   int64     `json:"cacheWrite"`
	CostUSD      float64   `json:"costUsd"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	Action     string    `json:"action"`
	Details    string    `json:"details,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CardUpdate carries a card mutation from an external writer. Nil fields are
// left unchanged. When IfUpdatedAt is non-zero it must match the stored
// UpdatedAt or the update fails with ErrConflict.
type CardUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	Position    *int    `json:"position,omitempty"`
	Column      *Column `json:"column,omitempty"`

	IfUpdatedAt time.Time `json:"if_updated_at,omitzero"`
}

// Terminal reports whether the agent status is a resting state, i.e. no
// supervised process should exist for the card.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentIdle, AgentCompleted, AgentFailed, AgentBlocked:
		return true
	}
	return false
}
