package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"planline/internal/domain"
	"planline/internal/model"
)

// AnalysisAgent reads the request and asks the clarifying questions a
// planner would need answered. Zero questions is a valid outcome.
type AnalysisAgent struct {
	Model model.Invoker
}

func NewAnalysisAgent(m model.Invoker) *AnalysisAgent {
	return &AnalysisAgent{Model: m}
}

func (a *AnalysisAgent) Name() string                  { return AgentAnalysis }
func (a *AnalysisAgent) Description() string           { return "Finds gaps in the request and asks questions." }
func (a *AnalysisAgent) Artifact() domain.ArtifactKind { return "" }

func (a *AnalysisAgent) Execute(ctx context.Context, pctx *Context) Result {
	var b strings.Builder
	b.WriteString("Review the work item below and list the questions that must be answered before it can be planned.\n\n")
	writeBrief(&b, pctx.Brief)
	b.WriteString(`Reply with a JSON array such as [{"text": "...", "category": "scope"}]. Reply with [] when nothing is unclear.`)

	resp, err := a.Model.Invoke(ctx, model.Request{Agent: AgentAnalysis, Prompt: b.String(), RepositoryContext: pctx.Brief.RepositoryContext})
	if err != nil {
		return failed(a, err)
	}
	if !resp.Success {
		return failed(a, fmt.Errorf("%w: %s", ErrModelFailure, resp.ErrorMessage))
	}
	questions, err := ParseQuestions(resp.Content)
	if err != nil {
		res := failed(a, err)
		res.TokenUsage = resp.TokenUsage
		return res
	}
	pctx.Questions = questions
	data, _ := json.Marshal(questions)
	return completed(a, string(data), resp.TokenUsage)
}

var numberedLinePattern = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*])\s+(.+?)\s*$`)

type questionJSON struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Question string `json:"question"`
	Category string `json:"category"`
}

// ParseQuestions accepts a JSON array of strings or objects, or a numbered
// list. "[]" and "none" mean no questions.
func ParseQuestions(content string) ([]domain.Question, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, invalid("empty analysis output")
	}
	if strings.EqualFold(strings.Trim(trimmed, ".` "), "none") {
		return nil, nil
	}
	var out []domain.Question
	if raw := ExtractJSONArray(trimmed); raw != "" {
		var items []json.RawMessage
		if err := DecodeJSON(raw, &items); err == nil {
			for _, item := range items {
				var s string
				if json.Unmarshal(item, &s) == nil {
					out = append(out, domain.Question{Text: s})
					continue
				}
				var q questionJSON
				if err := json.Unmarshal(item, &q); err != nil {
					continue
				}
				text := q.Text
				if text == "" {
					text = q.Question
				}
				out = append(out, domain.Question{ID: q.ID, Text: text, Category: q.Category})
			}
			return domain.NumberQuestions(out), nil
		}
	}
	for _, m := range numberedLinePattern.FindAllStringSubmatch(trimmed, -1) {
		out = append(out, domain.Question{Text: m[1]})
	}
	if len(out) == 0 {
		return nil, invalid("could not parse questions from analysis output")
	}
	return domain.NumberQuestions(out), nil
}

