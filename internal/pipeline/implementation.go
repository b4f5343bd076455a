package pipeline

import (
	"context"
	"fmt"
	"strings"

	"planline/internal/domain"
	"planline/internal/model"
)

// ImplementationAgent turns the approved plan into file changes.
type ImplementationAgent struct {
	Model model.Invoker
}

func NewImplementationAgent(m model.Invoker) *ImplementationAgent {
	return &ImplementationAgent{Model: m}
}

func (a *ImplementationAgent) Name() string                  { return AgentImplementation }
func (a *ImplementationAgent) Description() string           { return "Writes the code for the approved plan." }
func (a *ImplementationAgent) Artifact() domain.ArtifactKind { return "" }

func (a *ImplementationAgent) Execute(ctx context.Context, pctx *Context) Result {
	steps, err := pctx.ImplementationSteps()
	if err != nil {
		return failed(a, err)
	}
	var b strings.Builder
	b.WriteString("Implement the approved plan below.\n\n")
	writeBrief(&b, pctx.Brief)
	for _, k := range domain.AllArtifacts {
		if k == domain.ArtifactImplementationSteps {
			continue
		}
		if v := pctx.Artifacts.Get(k); v != "" {
			b.WriteString(section(2, k.Title(), v))
		}
	}
	b.WriteString(section(2, domain.ArtifactImplementationSteps.Title(), steps))
	b.WriteString("For every file you create or change write a heading \"### File: <path>\" followed by the full file in a fenced block.")

	resp, err := a.Model.Invoke(ctx, model.Request{Agent: AgentImplementation, Prompt: b.String(), RepositoryContext: pctx.Brief.RepositoryContext})
	if err != nil {
		return failed(a, err)
	}
	if !resp.Success {
		return failed(a, fmt.Errorf("%w: %s", ErrModelFailure, resp.ErrorMessage))
	}
	files := ExtractFileChanges(resp.Content)
	if len(files) == 0 {
		res := failed(a, invalid("implementation produced no file changes"))
		res.TokenUsage = resp.TokenUsage
		return res
	}
	pctx.FileChanges = files
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return completed(a, strings.Join(paths, "\n"), resp.TokenUsage)
}

// CodeReviewAgent reviews the generated change against the plan.
type CodeReviewAgent struct {
	Model model.Invoker
}

func NewCodeReviewAgent(m model.Invoker) *CodeReviewAgent {
	return &CodeReviewAgent{Model: m}
}

func (a *CodeReviewAgent) Name() string                  { return AgentCodeReview }
func (a *CodeReviewAgent) Description() string           { return "Reviews the pull request against the plan." }
func (a *CodeReviewAgent) Artifact() domain.ArtifactKind { return "" }

const maxReviewFileBytes = 8 << 10

func (a *CodeReviewAgent) Execute(ctx context.Context, pctx *Context) Result {
	steps, err := pctx.ImplementationSteps()
	if err != nil {
		return failed(a, err)
	}
	var b strings.Builder
	b.WriteString("Review the change below against its implementation plan. List problems first, then a one line verdict.\n\n")
	writeBrief(&b, pctx.Brief)
	b.WriteString(section(2, domain.ArtifactImplementationSteps.Title(), steps))
	for _, f := range pctx.FileChanges {
		content := f.Content
		if len(content) > maxReviewFileBytes {
			content = content[:maxReviewFileBytes] + "\n... (truncated)"
		}
		fmt.Fprintf(&b, "### File: %s\n\n```\n%s\n```\n\n", f.Path, content)
	}
	resp, err := a.Model.Invoke(ctx, model.Request{Agent: AgentCodeReview, Prompt: b.String(), RepositoryContext: pctx.Brief.RepositoryContext})
	if err != nil {
		return failed(a, err)
	}
	if !resp.Success {
		return failed(a, fmt.Errorf("%w: %s", ErrModelFailure, resp.ErrorMessage))
	}
	summary := strings.TrimSpace(resp.Content)
	if err := NonEmpty(summary); err != nil {
		return failed(a, err)
	}
	pctx.ReviewSummary = summary
	return completed(a, summary, resp.TokenUsage)
}
