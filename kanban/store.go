package kanban

import "errors"

// ErrNotFound is returned when a card or project does not exist.
var ErrNotFound = errors.New("kanban: not found")

// ErrConflict is returned by UpdateCard when IfUpdatedAt does not match the
// stored row, i.e. the card changed since the caller last read it.
var ErrConflict = errors.New("kanban: card modified concurrently")

// CardStore is the durable card storage contract. The SQLite implementation
// lives in internal/db. Every mutation bumps UpdatedAt.
type CardStore interface {
	// Projects
	GetProject(id string) (*Project, error)
	ActiveProjects() ([]Project, error)
	CreateProject(p *Project) error

	// Card queries
	GetCard(id string) (*Card, error)
	GetBoard(projectID string) (*Board, error)
	// GetNextCard returns the backlog card with the lowest (priority,
	// position), or nil when the backlog is empty.
	GetNextCard(projectID string) (*Card, error)
	CardsByAgentStatus(statuses ...AgentStatus) ([]Card, error)
	CardsByVerification(status VerificationStatus) ([]Card, error)
	SiblingCards(projectID, excludeCardID string) ([]Card, error)

	// Card mutations
	CreateCard(c *Card) error
	UpdateCard(id string, upd CardUpdate) error
	// StartWork atomically moves a backlog card to in_progress with a
	// running agent of the given kind and sets StartedAt.
	StartWork(cardID, agentKind string) error
	// SkipToBack requeues a card at the back of its backlog: column
	// backlog, agent idle, position one past the current maximum.
	SkipToBack(cardID string) error
	SaveContext(cardID, snapshot string) error
	AssignAgent(cardID, agentKind string) error
	UpdateAgentStatus(cardID string, status AgentStatus, reason string) error
	// CompleteWork marks the agent finished (status completed,
	// CompletedAt set) without moving the card out of in_progress; the
	// synthesizer promotes it to done after the merge gate.
	CompleteWork(cardID string) error
	// PromoteDone moves a merge-verified card to the done column.
	PromoteDone(cardID string) error
	UpdateCardVerification(cardID string, status VerificationStatus, output string) error

	// Prompt context
	ProjectDocuments(projectID string) ([]Document, error)
	RecentDecisions(projectID string, limit int) ([]Decision, error)
	ActiveCorrections(projectID string) ([]Correction, error)

	// Telemetry and audit
	InsertTokenUsage(rec TokenUsage) error
	LogAudit(entityType, entityID, action, details string) error
	AuditTrail(entityID string, limit int) ([]AuditEntry, error)
}
