package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/twlines/foreman"
	"github.com/twlines/foreman/kanban"
)

// maxBodyBytes caps request bodies; briefs and cards are text, not uploads.
const maxBodyBytes = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps store failures onto HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, kanban.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, kanban.ErrConflict):
		s.writeError(w, http.StatusConflict, "card modified concurrently; re-read and retry")
	default:
		s.logger.Error("Store operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleListProjects(w http.ResponseWriter, _ *http.Request) {
	projects, err := s.store.ActiveProjects()
	if err != nil {
		s.storeError(w, err)
		return
	}
	if projects == nil {
		projects = []kanban.Project{}
	}
	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name                string `json:"name"`
		AgentTimeoutMinutes int    `json:"agentTimeoutMinutes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	project := &kanban.Project{
		Name:                req.Name,
		Status:              kanban.ProjectActive,
		AgentTimeoutMinutes: req.AgentTimeoutMinutes,
	}
	if err := s.store.CreateProject(project); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.store.GetBoard(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.ProjectDocuments(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if docs == nil {
		docs = []kanban.Document{}
	}
	s.writeJSON(w, http.StatusOK, docs)
}

// validDocTypes are the document kinds the prompt assembler understands.
var validDocTypes = map[string]bool{"brief": true, "instructions": true, "assumptions": true}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type    string `json:"type"`
		Content string `json:"content"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !validDocTypes[req.Type] {
		s.writeError(w, http.StatusBadRequest, "type must be brief, instructions or assumptions")
		return
	}
	doc := &kanban.Document{
		ProjectID: r.PathValue("id"),
		Type:      req.Type,
		Content:   req.Content,
	}
	if err := s.store.AddDocument(doc); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleAddDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary string `json:"summary"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Summary == "" {
		s.writeError(w, http.StatusBadRequest, "summary is required")
		return
	}
	if err := s.store.AddDecision(r.PathValue("id"), req.Summary); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (s *Server) handleAddCorrection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.store.AddCorrection(r.PathValue("id"), req.Text); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID   string `json:"projectId"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Priority    int    `json:"priority"`
		AgentKind   string `json:"agentKind"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.ProjectID == "" || req.Title == "" {
		s.writeError(w, http.StatusBadRequest, "projectId and title are required")
		return
	}
	card := &kanban.Card{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		AgentKind:   req.AgentKind,
	}
	if err := s.store.CreateCard(card); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, card)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.store.GetCard(r.PathValue("id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, card)
}

// handleUpdateCard applies a partial update. Clients send the UpdatedAt they
// last read in if_updated_at; a 409 means someone got there first.
func (s *Server) handleUpdateCard(w http.ResponseWriter, r *http.Request) {
	var upd kanban.CardUpdate
	if !s.decode(w, r, &upd) {
		return
	}
	id := r.PathValue("id")
	if err := s.store.UpdateCard(id, upd); err != nil {
		s.storeError(w, err)
		return
	}
	card, err := s.store.GetCard(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleSkipCard(w http.ResponseWriter, r *http.Request) {
	if err := s.store.SkipToBack(r.PathValue("id")); err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) handleStopCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 && !s.decode(w, r, &req) {
		return
	}
	err := s.agents.StopAgent(r.PathValue("id"), req.Reason)
	if errors.Is(err, foreman.ErrNoAgent) {
		s.writeError(w, http.StatusNotFound, "no agent running for card")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleCardAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	trail, err := s.store.AuditTrail(r.PathValue("id"), limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if trail == nil {
		trail = []kanban.AuditEntry{}
	}
	s.writeJSON(w, http.StatusOK, trail)
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.agents.RunningAgents())
}

func (s *Server) handleAgentLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := s.agents.AgentLogs(r.PathValue("id"), queryInt(r, "n", 100))
	if errors.Is(err, foreman.ErrNoAgent) {
		s.writeError(w, http.StatusNotFound, "no agent running for card")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.agents.Metrics())
}

// handleBrief turns an operator's free-form text into a backlog card.
func (s *Server) handleBrief(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text        string `json:"text"`
		ProjectID   string `json:"projectId"`
		ProjectHint string `json:"projectHint"`
		Priority    int    `json:"priority"`
		NoImmediate bool   `json:"noImmediate"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	card, err := s.briefs.SubmitTaskBrief(req.Text, foreman.BriefOptions{
		ProjectID:   req.ProjectID,
		ProjectHint: req.ProjectHint,
		Priority:    req.Priority,
		NoImmediate: req.NoImmediate,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, card)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
