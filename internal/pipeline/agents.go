package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"planline/internal/domain"
	"planline/internal/model"
)

// ErrModelFailure wraps an unsuccessful model response.
var ErrModelFailure = errors.New("model invocation failed")

// Agent names.
const (
	AgentAnalysis            = "analysis"
	AgentRequirements        = "requirements"
	AgentInterfaceDesign     = "interface-design"
	AgentSchemaDesign        = "schema-design"
	AgentTestDesign          = "test-design"
	AgentImplementationSteps = "implementation-steps"
	AgentImplementation      = "implementation"
	AgentCodeReview          = "code-review"
)

// ArtifactAgent produces one plan artifact from one model call.
type ArtifactAgent struct {
	name        string
	description string
	kind        domain.ArtifactKind
	requires    []domain.ArtifactKind
	instruction string
	langs       []string
	headings    []string
	validate    Validator

	Model model.Invoker
}

func (a *ArtifactAgent) Name() string                  { return a.name }
func (a *ArtifactAgent) Description() string           { return a.description }
func (a *ArtifactAgent) Artifact() domain.ArtifactKind { return a.kind }

// Requires lists the artifacts the agent reads.
func (a *ArtifactAgent) Requires() []domain.ArtifactKind {
	return append([]domain.ArtifactKind(nil), a.requires...)
}

func (a *ArtifactAgent) Execute(ctx context.Context, pctx *Context) Result {
	inputs := make([]string, 0, len(a.requires))
	for _, k := range a.requires {
		v, err := pctx.Artifact(k)
		if err != nil {
			return failed(a, err)
		}
		inputs = append(inputs, section(2, k.Title(), v))
	}
	if strings.TrimSpace(pctx.Brief.Title) == "" && strings.TrimSpace(pctx.Brief.Description) == "" {
		return failed(a, invalid("work item has neither title nor description"))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Produce the %s for the work item below.\n\n", a.kind.Title())
	writeBrief(&b, pctx.Brief)
	for _, in := range inputs {
		b.WriteString(in)
	}
	switch {
	case pctx.IsRevision() && pctx.Regenerate:
		b.WriteString(section(2, "Reviewer feedback", pctx.Feedback))
		fmt.Fprintf(&b, "Reviewers rejected the previous plan as a whole. Write a new %s from scratch that addresses the feedback.\n\n", a.kind.Title())
	case pctx.IsRevision():
		if existing := pctx.Existing.Get(a.kind); existing != "" {
			b.WriteString(section(2, "Current "+a.kind.Title(), existing))
		}
		b.WriteString(section(2, "Reviewer feedback", pctx.Feedback))
		fmt.Fprintf(&b, "Revise the %s so it addresses the feedback. Keep parts the feedback does not touch unchanged.\n\n", a.kind.Title())
	}
	b.WriteString(a.instruction)

	resp, err := a.Model.Invoke(ctx, model.Request{Agent: a.name, Prompt: b.String(), RepositoryContext: pctx.Brief.RepositoryContext})
	if err != nil {
		return failed(a, err)
	}
	if !resp.Success {
		res := failed(a, fmt.Errorf("%w: %s", ErrModelFailure, resp.ErrorMessage))
		res.TokenUsage = resp.TokenUsage
		return res
	}
	body := ExtractArtifact(resp.Content, a.langs, a.headings)
	if err := a.validate(body); err != nil {
		res := failed(a, err)
		res.TokenUsage = resp.TokenUsage
		return res
	}
	return completed(a, body, resp.TokenUsage)
}

func NewRequirementsAgent(m model.Invoker) *ArtifactAgent {
	return &ArtifactAgent{
		name:        AgentRequirements,
		description: "Turns the clarified request into user stories with acceptance criteria.",
		kind:        domain.ArtifactUserStories,
		instruction: "Write user stories as a markdown list. Give each story acceptance criteria.",
		langs:       []string{"markdown", "md"},
		headings:    []string{"user stories", "requirements"},
		validate:    Structured,
		Model:       m,
	}
}

func NewInterfaceDesignAgent(m model.Invoker) *ArtifactAgent {
	return &ArtifactAgent{
		name:        AgentInterfaceDesign,
		description: "Designs the API surface that serves the user stories.",
		kind:        domain.ArtifactAPIDesign,
		requires:    []domain.ArtifactKind{domain.ArtifactUserStories},
		instruction: "Describe each endpoint or interface with a markdown heading, its inputs, outputs and errors.",
		langs:       []string{"markdown", "md"},
		headings:    []string{"api design", "interface design", "api"},
		validate:    Structured,
		Model:       m,
	}
}

func NewSchemaDesignAgent(m model.Invoker) *ArtifactAgent {
	return &ArtifactAgent{
		name:        AgentSchemaDesign,
		description: "Writes the SQL schema changes the design needs.",
		kind:        domain.ArtifactDatabaseSchema,
		requires:    []domain.ArtifactKind{domain.ArtifactUserStories, domain.ArtifactAPIDesign},
		instruction: "Return the schema changes as SQL DDL in a ```sql fenced block. Never drop databases or schemas.",
		langs:       []string{"sql", "postgresql", "mysql", "sqlite"},
		headings:    []string{"database schema", "schema"},
		validate:    SQLSchema,
		Model:       m,
	}
}

func NewTestDesignAgent(m model.Invoker) *ArtifactAgent {
	return &ArtifactAgent{
		name:        AgentTestDesign,
		description: "Derives test scenarios from the stories and interface.",
		kind:        domain.ArtifactTestScenarios,
		requires:    []domain.ArtifactKind{domain.ArtifactUserStories, domain.ArtifactAPIDesign},
		instruction: "List test scenarios as markdown, grouped under headings, covering success and failure paths.",
		langs:       []string{"markdown", "md", "gherkin"},
		headings:    []string{"test scenarios", "test design", "tests"},
		validate:    Structured,
		Model:       m,
	}
}

func NewImplementationStepsAgent(m model.Invoker) *ArtifactAgent {
	return &ArtifactAgent{
		name:        AgentImplementationSteps,
		description: "Orders the work into numbered implementation steps.",
		kind:        domain.ArtifactImplementationSteps,
		requires: []domain.ArtifactKind{
			domain.ArtifactUserStories,
			domain.ArtifactAPIDesign,
			domain.ArtifactDatabaseSchema,
			domain.ArtifactTestScenarios,
		},
		instruction: "Write the implementation as numbered steps, each under a heading such as \"## Step 1: ...\".",
		langs:       []string{"markdown", "md"},
		headings:    []string{"implementation steps", "implementation plan"},
		validate:    NumberedSteps,
		Model:       m,
	}
}

// PlanningAgents returns the five planning agents in pipeline order.
func PlanningAgents(m model.Invoker) []Agent {
	return []Agent{
		NewRequirementsAgent(m),
		NewInterfaceDesignAgent(m),
		NewSchemaDesignAgent(m),
		NewTestDesignAgent(m),
		NewImplementationStepsAgent(m),
	}
}

// AgentsFor returns the planning agents producing kinds, in pipeline order.
func AgentsFor(m model.Invoker, kinds []domain.ArtifactKind) []Agent {
	want := map[domain.ArtifactKind]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	var out []Agent
	for _, a := range PlanningAgents(m) {
		if want[a.Artifact()] {
			out = append(out, a)
		}
	}
	return out
}

func writeBrief(b *strings.Builder, brief Brief) {
	b.WriteString("## Work item\n\n")
	if brief.Repository.FullName() != "" {
		fmt.Fprintf(b, "Repository: %s\n", brief.Repository.FullName())
	}
	fmt.Fprintf(b, "Title: %s\n\n", brief.Title)
	if brief.Description != "" {
		b.WriteString(strings.TrimSpace(brief.Description))
		b.WriteString("\n\n")
	}
	if len(brief.Questions) == 0 {
		return
	}
	answers := map[string]string{}
	for _, a := range brief.Answers {
		answers[a.QuestionID] = a.Text
	}
	b.WriteString("## Clarifications\n\n")
	for _, q := range brief.Questions {
		fmt.Fprintf(b, "Q: %s\n", q.Text)
		if a := answers[q.ID]; a != "" {
			fmt.Fprintf(b, "A: %s\n", a)
		} else {
			b.WriteString("A: (no answer)\n")
		}
	}
	b.WriteString("\n")
}

func section(level int, title, body string) string {
	return fmt.Sprintf("%s %s\n\n%s\n\n", strings.Repeat("#", level), title, strings.TrimSpace(body))
}
