package agents

import (
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/twlines/foreman/kanban"
)

const (
	// DefaultMaxPromptChars caps the assembled prompt.
	DefaultMaxPromptChars = 60000

	// maxDecisions bounds the recent-decisions section.
	maxDecisions = 10

	// maxDocChars caps each individual document before assembly.
	maxDocChars = 8000
)

// protocolTemplate is the fixed workflow contract appended to every prompt.
var protocolTemplate = template.Must(template.New("protocol").Funcs(template.FuncMap{
	"title": cases.Title(language.English).String,
}).Parse(`## Workflow

You are the {{title .AgentKind}} agent working in an isolated git worktree.

1. Read the task and the project context above before changing anything.
2. Make focused commits as you go; do not amend or rebase published history.
3. Stay inside this worktree. Never modify files outside it.
4. When the task is complete, ensure the tree is committed and clean.
5. Do not push. The supervisor verifies and pushes your branch.
`))

const checklist = `## Completion checklist

- [ ] All requested changes are implemented
- [ ] New and existing tests pass locally
- [ ] No stray debug output or commented-out code
- [ ] Every change is committed
`

// ContextSource is the read side of the store the assembler needs. Every
// method may fail; the assembler degrades to empty sections.
type ContextSource interface {
	ProjectDocuments(projectID string) ([]kanban.Document, error)
	RecentDecisions(projectID string, limit int) ([]kanban.Decision, error)
	ActiveCorrections(projectID string) ([]kanban.Correction, error)
	SiblingCards(projectID, excludeCardID string) ([]kanban.Card, error)
}

// Assembler builds agent prompts from project context and the card body.
type Assembler struct {
	source   ContextSource
	maxChars int
}

// NewAssembler creates a prompt assembler reading context from source.
func NewAssembler(source ContextSource, maxChars int) *Assembler {
	if maxChars <= 0 {
		maxChars = DefaultMaxPromptChars
	}
	return &Assembler{source: source, maxChars: maxChars}
}

// Assemble builds the prompt for one card. The identity header, card body,
// workflow protocol and checklist are always present; when the total exceeds
// the cap, optional sections are dropped in order: decisions, then sibling
// awareness, then documents.
func (a *Assembler) Assemble(project *kanban.Project, card *kanban.Card, agentKind string) string {
	identity := a.identitySection(project)
	documents := a.documentsSection(project.ID)
	decisions := a.decisionsSection(project.ID)
	siblings := a.siblingsSection(project.ID, card.ID)
	body := a.cardSection(card)
	corrections := a.correctionsSection(project.ID)
	protocol := a.protocolSection(agentKind)

	assemble := func(withDecisions, withSiblings, withDocs bool) string {
		var b strings.Builder
		b.WriteString(identity)
		if withDocs {
			b.WriteString(documents)
		}
		if withDecisions {
			b.WriteString(decisions)
		}
		if withSiblings {
			b.WriteString(siblings)
		}
		b.WriteString(body)
		b.WriteString(corrections)
		b.WriteString(protocol)
		b.WriteString(checklist)
		return b.String()
	}

	for _, attempt := range []struct{ decisions, siblings, docs bool }{
		{true, true, true},
		{false, true, true},
		{false, false, true},
		{false, false, false},
	} {
		prompt := assemble(attempt.decisions, attempt.siblings, attempt.docs)
		if len(prompt) <= a.maxChars {
			return prompt
		}
	}

	// Even the mandatory sections overflow; return them anyway rather than
	// truncate mid-sentence.
	return assemble(false, false, false)
}

func (a *Assembler) identitySection(project *kanban.Project) string {
	return fmt.Sprintf("# Project: %s\n\n", project.Name)
}

func (a *Assembler) documentsSection(projectID string) string {
	docs, err := a.source.ProjectDocuments(projectID)
	if err != nil || len(docs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Project context\n\n")
	for _, d := range docs {
		content := d.Content
		if len(content) > maxDocChars {
			content = content[:maxDocChars] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", d.Type, content)
	}
	return b.String()
}

func (a *Assembler) decisionsSection(projectID string) string {
	decisions, err := a.source.RecentDecisions(projectID, maxDecisions)
	if err != nil || len(decisions) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Recent decisions\n\n")
	for _, d := range decisions {
		fmt.Fprintf(&b, "- %s\n", d.Summary)
	}
	b.WriteString("\n")
	return b.String()
}

func (a *Assembler) siblingsSection(projectID, cardID string) string {
	siblings, err := a.source.SiblingCards(projectID, cardID)
	if err != nil || len(siblings) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Other cards on this board\n\nDo not duplicate or conflict with work tracked elsewhere:\n\n")
	for _, c := range siblings {
		fmt.Fprintf(&b, "- [%s] %s\n", c.Column, c.Title)
	}
	b.WriteString("\n")
	return b.String()
}

func (a *Assembler) cardSection(card *kanban.Card) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task: %s\n\n", card.Title)
	if card.Description != "" {
		b.WriteString(card.Description)
		b.WriteString("\n\n")
	}
	if card.ContextSnapshot != "" {
		fmt.Fprintf(&b, "### Previous attempt\n\nA prior run on this card was interrupted. Its last state:\n\n%s\n\n", card.ContextSnapshot)
	}
	return b.String()
}

func (a *Assembler) correctionsSection(projectID string) string {
	corrections, err := a.source.ActiveCorrections(projectID)
	if err != nil || len(corrections) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Steering corrections\n\nThe operator has issued these standing corrections. They override anything above:\n\n")
	for _, c := range corrections {
		fmt.Fprintf(&b, "- %s\n", c.Text)
	}
	b.WriteString("\n")
	return b.String()
}

func (a *Assembler) protocolSection(agentKind string) string {
	var b strings.Builder
	if err := protocolTemplate.Execute(&b, struct{ AgentKind string }{agentKind}); err != nil {
		// The template is static; execution cannot realistically fail.
		return "## Workflow\n\nWork in this worktree, commit your changes, do not push.\n"
	}
	b.WriteString("\n")
	return b.String()
}
