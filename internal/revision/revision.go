// Package revision maps reviewer feedback onto the plan artifacts it
// affects and regenerates only those.
package revision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/logging"
	"planline/internal/model"
	"planline/internal/pipeline"
)

const AgentFeedbackAnalysis = "feedback-analysis"

// ErrNothingRegenerated reports a revision round that produced no artifact.
var ErrNothingRegenerated = errors.New("revision regenerated no artifacts")

type Classification struct {
	Artifacts  []domain.ArtifactKind `json:"affected_artifacts"`
	Rationale  string                `json:"rationale,omitempty"`
	Confidence float64               `json:"confidence"`

	// Fallback is set when the feedback could not be classified and every
	// artifact is regenerated.
	Fallback bool `json:"fallback"`
}

// All returns a classification covering every artifact.
func All(reason string) Classification {
	return Classification{
		Artifacts: append([]domain.ArtifactKind(nil), domain.AllArtifacts...),
		Rationale: reason,
		Fallback:  true,
	}
}

type Analyzer struct {
	Model model.Invoker
	Log   *logging.Logger
}

type classificationJSON struct {
	AffectedArtifacts []string `json:"affected_artifacts"`
	Rationale         string   `json:"rationale"`
	Confidence        float64  `json:"confidence"`
}

// Analyze classifies feedback. Only cancellation returns an error; every
// other failure degrades to regenerating all artifacts.
func (a Analyzer) Analyze(ctx context.Context, feedback string, plan domain.Plan) (Classification, error) {
	log := a.Log
	if log == nil {
		log = logging.Nop()
	}
	if strings.TrimSpace(feedback) == "" {
		log.Warn(ctx, "empty feedback, regenerating all artifacts")
		return All("no feedback given"), nil
	}
	resp, err := a.Model.Invoke(ctx, model.Request{Agent: AgentFeedbackAnalysis, Prompt: classifyPrompt(feedback, plan)})
	if err != nil {
		return Classification{}, err
	}
	if !resp.Success {
		log.Warn(ctx, "feedback analysis failed, regenerating all artifacts", zap.String("error", resp.ErrorMessage))
		return All("feedback analysis failed"), nil
	}
	c, err := ParseClassification(resp.Content)
	if err != nil {
		log.Warn(ctx, "feedback classification unusable, regenerating all artifacts", zap.Error(err))
		return All("feedback classification unusable"), nil
	}
	log.Info(ctx, "feedback classified",
		zap.Int("artifacts", len(c.Artifacts)),
		zap.Float64("confidence", c.Confidence),
	)
	return c, nil
}

// ParseClassification reads the analyzer JSON reply. Unknown artifact
// names are dropped; an empty result is an error.
func ParseClassification(content string) (Classification, error) {
	var raw classificationJSON
	if err := pipeline.DecodeJSON(pipeline.ExtractJSON(content), &raw); err != nil {
		return Classification{}, err
	}
	seen := map[domain.ArtifactKind]bool{}
	for _, name := range raw.AffectedArtifacts {
		if k, ok := domain.ParseArtifactKind(name); ok {
			seen[k] = true
		}
	}
	var kinds []domain.ArtifactKind
	for _, k := range domain.AllArtifacts {
		if seen[k] {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return Classification{}, errors.New("classification names no known artifact")
	}
	conf := raw.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return Classification{Artifacts: kinds, Rationale: strings.TrimSpace(raw.Rationale), Confidence: conf}, nil
}

func classifyPrompt(feedback string, plan domain.Plan) string {
	var b strings.Builder
	b.WriteString("A reviewer rejected part of an implementation plan. Decide which plan artifacts must change.\n\n")
	b.WriteString("## Artifacts\n\n")
	for _, k := range domain.AllArtifacts {
		body := plan.Artifacts.Get(k)
		if body == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s (%s)\n\n%s\n\n", k, k.Title(), excerpt(body, 600))
	}
	fmt.Fprintf(&b, "## Feedback\n\n%s\n\n", strings.TrimSpace(feedback))
	names := make([]string, len(domain.AllArtifacts))
	for i, k := range domain.AllArtifacts {
		names[i] = string(k)
	}
	fmt.Fprintf(&b, `Reply with JSON only: {"affected_artifacts": [...], "rationale": "...", "confidence": 0.0-1.0}. Valid names: %s.`, strings.Join(names, ", "))
	return b.String()
}

func excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Reviser reruns the agents for a classification.
type Reviser struct {
	Model       model.Invoker
	Coordinator pipeline.Coordinator
}

// Revise regenerates the classified artifacts of plan. pctx supplies the
// brief and feedback; its artifacts are replaced by the plan's, except those
// an earlier attempt of the same round already regenerated. With
// pctx.Regenerate the rejected bodies are not shown to the agents. Any
// failed step fails the round and nothing is returned.
func (r Reviser) Revise(ctx context.Context, plan domain.Plan, pctx *pipeline.Context, c Classification) (map[domain.ArtifactKind]string, error) {
	if len(c.Artifacts) == 0 {
		return nil, ErrNothingRegenerated
	}
	agents := pipeline.AgentsFor(r.Model, c.Artifacts)
	done := pctx.Artifacts
	pctx.Existing = plan.Artifacts
	if pctx.Regenerate {
		pctx.Existing = domain.Artifacts{}
	}
	pctx.Artifacts = plan.Artifacts
	for _, a := range agents {
		k := a.Artifact()
		if v := done.Get(k); v != "" && pctx.HasCompleted(a.Name()) {
			pctx.Artifacts.Set(k, v)
			continue
		}
		pctx.Artifacts.Set(k, "")
	}
	if _, err := r.Coordinator.Run(ctx, pctx, agents); err != nil {
		return nil, fmt.Errorf("revise plan: %w", err)
	}
	updates := map[domain.ArtifactKind]string{}
	for _, k := range c.Artifacts {
		if v := pctx.Artifacts.Get(k); v != "" {
			updates[k] = v
		}
	}
	if len(updates) == 0 {
		return nil, ErrNothingRegenerated
	}
	return updates, nil
}
