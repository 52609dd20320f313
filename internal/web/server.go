// Package web is the HTTP surface of the supervisor: a JSON API over the
// boards and agents, an SSE stream of supervisor events, and a minimal
// read-only dashboard page.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/twlines/foreman"
	"github.com/twlines/foreman/agents"
	"github.com/twlines/foreman/events"
	"github.com/twlines/foreman/kanban"
)

// Store is the slice of the card store the API serves.
type Store interface {
	ActiveProjects() ([]kanban.Project, error)
	CreateProject(p *kanban.Project) error
	GetBoard(projectID string) (*kanban.Board, error)
	GetCard(id string) (*kanban.Card, error)
	CreateCard(c *kanban.Card) error
	UpdateCard(id string, upd kanban.CardUpdate) error
	SkipToBack(cardID string) error
	ProjectDocuments(projectID string) ([]kanban.Document, error)
	AddDocument(d *kanban.Document) error
	AddDecision(projectID, summary string) error
	AddCorrection(projectID, text string) error
	AuditTrail(entityID string, limit int) ([]kanban.AuditEntry, error)
}

// Agents is the slice of the orchestrator the API serves.
type Agents interface {
	RunningAgents() []agents.Info
	AgentLogs(cardID string, limit int) ([]string, error)
	StopAgent(cardID, reason string) error
	Metrics() foreman.Metrics
}

// Briefs accepts free-form task briefs.
type Briefs interface {
	SubmitTaskBrief(text string, opts foreman.BriefOptions) (*kanban.Card, error)
}

// Server serves the supervisor API and dashboard.
type Server struct {
	store  Store
	agents Agents
	briefs Briefs
	bus    *events.Broadcaster
	logger *slog.Logger
	http   *http.Server
}

// NewServer wires the HTTP layer.
func NewServer(addr string, store Store, agentAPI Agents, briefs Briefs, bus *events.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		agents: agentAPI,
		briefs: briefs,
		bus:    bus,
		logger: logger.With("component", "web"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /", s.handleDashboard)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects/{id}/board", s.handleBoard)
	mux.HandleFunc("GET /api/projects/{id}/documents", s.handleListDocuments)
	mux.HandleFunc("POST /api/projects/{id}/documents", s.handleAddDocument)
	mux.HandleFunc("POST /api/projects/{id}/decisions", s.handleAddDecision)
	mux.HandleFunc("POST /api/projects/{id}/corrections", s.handleAddCorrection)

	mux.HandleFunc("POST /api/cards", s.handleCreateCard)
	mux.HandleFunc("GET /api/cards/{id}", s.handleGetCard)
	mux.HandleFunc("PATCH /api/cards/{id}", s.handleUpdateCard)
	mux.HandleFunc("POST /api/cards/{id}/skip", s.handleSkipCard)
	mux.HandleFunc("POST /api/cards/{id}/stop", s.handleStopCard)
	mux.HandleFunc("GET /api/cards/{id}/audit", s.handleCardAudit)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}/logs", s.handleAgentLogs)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)

	mux.HandleFunc("POST /api/brief", s.handleBrief)

	return s.logRequests(mux)
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path == "/events" {
			// Long-lived streams would dominate the log.
			return
		}
		s.logger.Debug("Request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintln(w, "ok")
}
