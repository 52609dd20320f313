package web

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/twlines/foreman/agents"
	"github.com/twlines/foreman/kanban"
)

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>foreman</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
h1 { font-size: 1.4rem; }
h2 { font-size: 1.1rem; margin-top: 2rem; }
table { border-collapse: collapse; margin-top: .5rem; }
td, th { border: 1px solid #ccc; padding: .3rem .7rem; text-align: left; font-size: .9rem; }
.brief { background: #f7f7f7; padding: .5rem 1rem; border-radius: 4px; max-width: 60rem; }
.status-running { color: #0a7; } .status-blocked { color: #c60; } .status-failed { color: #c00; }
</style>
</head>
<body>
<h1>foreman</h1>

<h2>Running agents</h2>
{{if .Agents}}
<table>
<tr><th>Card</th><th>Agent</th><th>State</th><th>Branch</th><th>Started</th></tr>
{{range .Agents}}
<tr><td>{{.CardID}}</td><td>{{.AgentKind}}</td><td>{{.State}}</td><td>{{.BranchName}}</td><td>{{.StartedAt.Format "15:04:05"}}</td></tr>
{{end}}
</table>
{{else}}<p>None.</p>{{end}}

{{range .Projects}}
<h2>{{.Project.Name}}</h2>
{{if .Brief}}<div class="brief">{{.Brief}}</div>{{end}}
<table>
<tr><th>Backlog</th><th>In progress</th><th>Done</th></tr>
<tr><td>{{len .Board.Backlog}}</td><td>{{len .Board.InProgress}}</td><td>{{len .Board.Done}}</td></tr>
</table>
{{if .Board.InProgress}}
<table>
<tr><th>Card</th><th>Agent status</th><th>Verification</th></tr>
{{range .Board.InProgress}}
<tr><td>{{.Title}}</td><td class="status-{{.AgentStatus}}">{{.AgentStatus}}</td><td>{{.VerificationStatus}}</td></tr>
{{end}}
</table>
{{end}}
{{end}}

</body>
</html>
`))

type dashboardProject struct {
	Project kanban.Project
	Board   *kanban.Board
	Brief   template.HTML
}

type dashboardData struct {
	Agents   []agents.Info
	Projects []dashboardProject
}

// handleDashboard renders the read-only status page: live agents plus each
// active project's board and its brief document rendered from markdown.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	projects, err := s.store.ActiveProjects()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	data := dashboardData{Agents: s.agents.RunningAgents()}
	for _, p := range projects {
		board, err := s.store.GetBoard(p.ID)
		if err != nil {
			s.logger.Warn("Failed to load board", "project", p.ID, "error", err)
			continue
		}
		data.Projects = append(data.Projects, dashboardProject{
			Project: p,
			Board:   board,
			Brief:   s.renderBrief(p.ID),
		})
	}

	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, data); err != nil {
		s.logger.Error("Failed to render dashboard", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// renderBrief converts the project's brief document from markdown to HTML.
// Goldmark escapes raw HTML by default, so document content stays inert.
func (s *Server) renderBrief(projectID string) template.HTML {
	docs, err := s.store.ProjectDocuments(projectID)
	if err != nil {
		return ""
	}
	for _, d := range docs {
		if d.Type != "brief" {
			continue
		}
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(d.Content), &buf); err != nil {
			s.logger.Warn("Failed to render brief", "project", projectID, "error", err)
			return ""
		}
		return template.HTML(buf.String())
	}
	return ""
}
