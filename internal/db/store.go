package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/twlines/foreman/kanban"
)

// Store implements kanban.CardStore on SQLite.
type Store struct {
	db *DB
}

// NewStore creates a SQLite-backed card store.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

const cardColumns = `id, project_id, title, description, context_snapshot,
	column_name, agent_status, agent_kind, status_reason,
	verification_status, verification_output,
	priority, position, created_at, updated_at, started_at, completed_at`

// --- Projects ---

// CreateProject inserts a project. A missing ID gets a fresh UUID.
func (s *Store) CreateProject(p *kanban.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = kanban.ProjectActive
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, status, agent_timeout_minutes, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Status, p.AgentTimeoutMinutes, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(id string) (*kanban.Project, error) {
	row := s.db.QueryRow(`
		SELECT id, name, status, agent_timeout_minutes, created_at
		FROM projects WHERE id = ?
	`, id)

	var p kanban.Project
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.AgentTimeoutMinutes, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

// ActiveProjects returns projects the heartbeat should schedule work for.
func (s *Store) ActiveProjects() ([]kanban.Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, status, agent_timeout_minutes, created_at
		FROM projects WHERE status = ? ORDER BY created_at
	`, kanban.ProjectActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []kanban.Project
	for rows.Next() {
		var p kanban.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.AgentTimeoutMinutes, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// --- Card queries ---

// GetCard retrieves a card by ID.
func (s *Store) GetCard(id string) (*kanban.Card, error) {
	row := s.db.QueryRow(`SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kanban.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return c, nil
}

// GetBoard returns a project's cards partitioned by column. Backlog is in
// scheduling order; the other columns are newest-first.
func (s *Store) GetBoard(projectID string) (*kanban.Board, error) {
	rows, err := s.db.Query(`
		SELECT `+cardColumns+` FROM cards
		WHERE project_id = ?
		ORDER BY priority, position, created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query board: %w", err)
	}
	defer rows.Close()

	board := &kanban.Board{}
	for rows.Next() {
		c, err := scanCardRows(rows)
		if err != nil {
			return nil, err
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
	return board, rows.Err()
}

// GetNextCard returns the most urgent backlog card, or nil when the backlog
// is empty.
func (s *Store) GetNextCard(projectID string) (*kanban.Card, error) {
	row := s.db.QueryRow(`
		SELECT `+cardColumns+` FROM cards
		WHERE project_id = ? AND column_name = ?
		ORDER BY priority, position LIMIT 1
	`, projectID, kanban.ColumnBacklog)

	c, err := scanCard(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get next card: %w", err)
	}
	return c, nil
}

// CardsByAgentStatus returns cards in any of the given agent states across
// all projects. Used by startup reconciliation and blocked-card reclaim.
func (s *Store) CardsByAgentStatus(statuses ...kanban.AgentStatus) ([]kanban.Card, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}

	rows, err := s.db.Query(`
		SELECT `+cardColumns+` FROM cards
		WHERE agent_status IN (`+placeholders+`)
		ORDER BY updated_at
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards by agent status: %w", err)
	}
	defer rows.Close()
	return collectCards(rows)
}

// CardsByVerification returns cards with the given verification status.
func (s *Store) CardsByVerification(status kanban.VerificationStatus) ([]kanban.Card, error) {
	rows, err := s.db.Query(`
		SELECT `+cardColumns+` FROM cards
		WHERE verification_status = ?
		ORDER BY updated_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards by verification: %w", err)
	}
	defer rows.Close()
	return collectCards(rows)
}

// SiblingCards returns the other cards of a project, for sibling awareness
// in assembled prompts.
func (s *Store) SiblingCards(projectID, excludeCardID string) ([]kanban.Card, error) {
	rows, err := s.db.Query(`
		SELECT `+cardColumns+` FROM cards
		WHERE project_id = ? AND id != ?
		ORDER BY priority, position
	`, projectID, excludeCardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sibling cards: %w", err)
	}
	defer rows.Close()
	return collectCards(rows)
}

// --- Card mutations ---

// CreateCard inserts a card at the back of its project's backlog.
func (s *Store) CreateCard(c *kanban.Card) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Column == "" {
		c.Column = kanban.ColumnBacklog
	}
	if c.AgentStatus == "" {
		c.AgentStatus = kanban.AgentIdle
	}
	if c.VerificationStatus == "" {
		c.VerificationStatus = kanban.VerifyUnverified
	}
	if c.Priority == 0 {
		c.Priority = 3
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	if c.Position == 0 {
		var maxPos sql.NullInt64
		err := s.db.QueryRow(`
			SELECT MAX(position) FROM cards WHERE project_id = ? AND column_name = ?
		`, c.ProjectID, kanban.ColumnBacklog).Scan(&maxPos)
		if err == nil && maxPos.Valid {
			c.Position = int(maxPos.Int64) + 1
		}
	}

	_, err := s.db.Exec(`
		INSERT INTO cards (
			id, project_id, title, description, context_snapshot,
			column_name, agent_status, agent_kind, status_reason,
			verification_status, verification_output,
			priority, position, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.ProjectID, c.Title, c.Description, c.ContextSnapshot,
		c.Column, c.AgentStatus, c.AgentKind, c.StatusReason,
		c.VerificationStatus, c.VerificationOutput,
		c.Priority, c.Position, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create card: %w", err)
	}
	return nil
}

// UpdateCard applies an external mutation. When upd.IfUpdatedAt is set and
// does not match the stored row, the update is rejected with
// kanban.ErrConflict and nothing changes.
func (s *Store) UpdateCard(id string, upd kanban.CardUpdate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	var updatedAt time.Time
	err = tx.QueryRow(`SELECT updated_at FROM cards WHERE id = ?`, id).Scan(&updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return kanban.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read card for update: %w", err)
	}
	if !upd.IfUpdatedAt.IsZero() && !upd.IfUpdatedAt.Equal(updatedAt) {
		return kanban.ErrConflict
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *upd.Priority)
	}
	if upd.Position != nil {
		sets = append(sets, "position = ?")
		args = append(args, *upd.Position)
	}
	if upd.Column != nil {
		sets = append(sets, "column_name = ?")
		args = append(args, *upd.Column)
	}
	args = append(args, id)

	if _, err := tx.Exec(`UPDATE cards SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("failed to update card: %w", err)
	}
	return tx.Commit()
}

// StartWork atomically claims a card for an agent: in_progress, running,
// agent kind recorded, StartedAt set.
func (s *Store) StartWork(cardID, agentKind string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE cards SET
			column_name = ?, agent_status = ?, agent_kind = ?,
			status_reason = '', started_at = ?, updated_at = ?
		WHERE id = ?
	`, kanban.ColumnInProgress, kanban.AgentRunning, agentKind, now, now, cardID)
	if err != nil {
		return fmt.Errorf("failed to start work: %w", err)
	}
	return requireRow(res)
}

// SkipToBack requeues a card at the back of its project's backlog.
func (s *Store) SkipToBack(cardID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin skip: %w", err)
	}
	defer tx.Rollback()

	var projectID string
	err = tx.QueryRow(`SELECT project_id FROM cards WHERE id = ?`, cardID).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return kanban.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read card for skip: %w", err)
	}

	var maxPos sql.NullInt64
	if err := tx.QueryRow(`
		SELECT MAX(position) FROM cards WHERE project_id = ? AND column_name = ?
	`, projectID, kanban.ColumnBacklog).Scan(&maxPos); err != nil {
		return fmt.Errorf("failed to find backlog tail: %w", err)
	}
	pos := int64(0)
	if maxPos.Valid {
		pos = maxPos.Int64 + 1
	}

	if _, err := tx.Exec(`
		UPDATE cards SET
			column_name = ?, agent_status = ?, position = ?, updated_at = ?
		WHERE id = ?
	`, kanban.ColumnBacklog, kanban.AgentIdle, pos, time.Now().UTC(), cardID); err != nil {
		return fmt.Errorf("failed to skip card to back: %w", err)
	}
	return tx.Commit()
}

// SaveContext persists an agent's context snapshot on the card.
func (s *Store) SaveContext(cardID, snapshot string) error {
	res, err := s.db.Exec(`
		UPDATE cards SET context_snapshot = ?, updated_at = ? WHERE id = ?
	`, snapshot, time.Now().UTC(), cardID)
	if err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return requireRow(res)
}

// AssignAgent records which agent kind owns the card.
func (s *Store) AssignAgent(cardID, agentKind string) error {
	res, err := s.db.Exec(`
		UPDATE cards SET agent_kind = ?, updated_at = ? WHERE id = ?
	`, agentKind, time.Now().UTC(), cardID)
	if err != nil {
		return fmt.Errorf("failed to assign agent: %w", err)
	}
	return requireRow(res)
}

// UpdateAgentStatus sets the agent status and an optional human-readable
// reason.
func (s *Store) UpdateAgentStatus(cardID string, status kanban.AgentStatus, reason string) error {
	res, err := s.db.Exec(`
		UPDATE cards SET agent_status = ?, status_reason = ?, updated_at = ? WHERE id = ?
	`, status, reason, time.Now().UTC(), cardID)
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	return requireRow(res)
}

// CompleteWork marks the agent finished. The card stays in in_progress until
// the synthesizer promotes it.
func (s *Store) CompleteWork(cardID string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE cards SET agent_status = ?, status_reason = '', completed_at = ?, updated_at = ?
		WHERE id = ?
	`, kanban.AgentCompleted, now, now, cardID)
	if err != nil {
		return fmt.Errorf("failed to complete work: %w", err)
	}
	return requireRow(res)
}

// PromoteDone moves a card to the done column after the merge gate.
func (s *Store) PromoteDone(cardID string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE cards SET column_name = ?, completed_at = ?, updated_at = ? WHERE id = ?
	`, kanban.ColumnDone, now, now, cardID)
	if err != nil {
		return fmt.Errorf("failed to promote card: %w", err)
	}
	return requireRow(res)
}

// UpdateCardVerification records a gate outcome and its captured output.
func (s *Store) UpdateCardVerification(cardID string, status kanban.VerificationStatus, output string) error {
	res, err := s.db.Exec(`
		UPDATE cards SET verification_status = ?, verification_output = ?, updated_at = ?
		WHERE id = ?
	`, status, output, time.Now().UTC(), cardID)
	if err != nil {
		return fmt.Errorf("failed to update verification: %w", err)
	}
	return requireRow(res)
}

// --- Prompt context ---

// ProjectDocuments returns a project's context documents, oldest first.
func (s *Store) ProjectDocuments(projectID string) ([]kanban.Document, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, doc_type, content, created_at
		FROM project_documents WHERE project_id = ? ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []kanban.Document
	for rows.Next() {
		var d kanban.Document
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Type, &d.Content, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *Store) RecentDecisions(projectID string, limit int) ([]kanban.Decision, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, summary, created_at
		FROM decisions WHERE project_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []kanban.Decision
	for rows.Next() {
		var d kanban.Decision
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.Summary, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// ActiveCorrections returns steering corrections not yet deactivated.
func (s *Store) ActiveCorrections(projectID string) ([]kanban.Correction, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, text, active, created_at
		FROM corrections WHERE project_id = ? AND active = 1
		ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query corrections: %w", err)
	}
	defer rows.Close()

	var corrections []kanban.Correction
	for rows.Next() {
		var c kanban.Correction
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Text, &c.Active, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan correction: %w", err)
		}
		corrections = append(corrections, c)
	}
	return corrections, rows.Err()
}

// AddDocument inserts a context document for a project.
func (s *Store) AddDocument(d *kanban.Document) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO project_documents (id, project_id, doc_type, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.ID, d.ProjectID, d.Type, d.Content, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add document: %w", err)
	}
	return nil
}

// AddDecision records a decision for a project.
func (s *Store) AddDecision(projectID, summary string) error {
	_, err := s.db.Exec(`
		INSERT INTO decisions (id, project_id, summary, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.NewString(), projectID, summary, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add decision: %w", err)
	}
	return nil
}

// AddCorrection records an active steering correction.
func (s *Store) AddCorrection(projectID, text string) error {
	_, err := s.db.Exec(`
		INSERT INTO corrections (id, project_id, text, active, created_at)
		VALUES (?, ?, ?, 1, ?)
	`, uuid.NewString(), projectID, text, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add correction: %w", err)
	}
	return nil
}

// --- Telemetry and audit ---

// InsertTokenUsage stores one telemetry record from an agent run.
func (s *Store) InsertTokenUsage(rec kanban.TokenUsage) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO token_usage (
			id, card_id, project_id, agent, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
			cost_usd, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.CardID, rec.ProjectID, rec.Agent, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CacheRead, rec.CacheWrite,
		rec.CostUSD, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert token usage: %w", err)
	}
	return nil
}

// LogAudit appends one row to the audit trail.
func (s *Store) LogAudit(entityType, entityID, action, details string) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_log (id, entity_type, entity_id, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), entityType, entityID, action, details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

// AuditTrail returns up to limit audit rows for an entity, newest first.
func (s *Store) AuditTrail(entityID string, limit int) ([]kanban.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, entity_type, entity_id, action, details, created_at
		FROM audit_log WHERE entity_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var entries []kanban.AuditEntry
	for rows.Next() {
		var e kanban.AuditEntry
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*kanban.Card, error) {
	var c kanban.Card
	var description, snapshot, agentKind, reason, verifyOut sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.ProjectID, &c.Title, &description, &snapshot,
		&c.Column, &c.AgentStatus, &agentKind, &reason,
		&c.VerificationStatus, &verifyOut,
		&c.Priority, &c.Position, &c.CreatedAt, &c.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Description = description.String
	c.ContextSnapshot = snapshot.String
	c.AgentKind = agentKind.String
	c.StatusReason = reason.String
	c.VerificationOutput = verifyOut.String
	if startedAt.Valid {
		c.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = completedAt.Time
	}
	return &c, nil
}

func scanCardRows(rows *sql.Rows) (*kanban.Card, error) {
	c, err := scanCard(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan card: %w", err)
	}
	return c, nil
}

func collectCards(rows *sql.Rows) ([]kanban.Card, error) {
	var cards []kanban.Card
	for rows.Next() {
		c, err := scanCardRows(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *c)
	}
	return cards, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return kanban.ErrNotFound
	}
	return nil
}
