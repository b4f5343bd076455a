package revision_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"planline/internal/domain"
	"planline/internal/logging"
	"planline/internal/model"
	"planline/internal/pipeline"
	"planline/internal/revision"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fullPlan() domain.Plan {
	return domain.NewPlan("t1", "wi-1", domain.Artifacts{
		UserStories:         "- As a shopper I export orders",
		APIDesign:           "## GET /orders/export",
		DatabaseSchema:      "CREATE TABLE exports (id INTEGER PRIMARY KEY);",
		TestScenarios:       "- empty export",
		ImplementationSteps: "## Step 1: table",
	}, testNow)
}

func TestAnalyzeSelectsNamedArtifacts(t *testing.T) {
	m := model.NewScripted().Reply(revision.AgentFeedbackAnalysis,
		"```json\n{\"affected_artifacts\": [\"schema\", \"Bogus\", \"DatabaseSchema\"], \"rationale\": \"schema only\", \"confidence\": 1.7}\n```")
	c, err := revision.Analyzer{Model: m}.Analyze(context.Background(), "the exports table needs a status column", fullPlan())
	require.NoError(t, err)
	assert.Equal(t, []domain.ArtifactKind{domain.ArtifactDatabaseSchema}, c.Artifacts)
	assert.False(t, c.Fallback)
	assert.Equal(t, 1.0, c.Confidence)
	assert.Contains(t, m.Calls()[0].Prompt, "needs a status column")
}

func TestAnalyzeFallsBackToAllArtifacts(t *testing.T) {
	cases := map[string]*model.Scripted{
		"unparseable":  model.NewScripted().Reply(revision.AgentFeedbackAnalysis, "I think the schema, maybe?"),
		"empty set":    model.NewScripted().Reply(revision.AgentFeedbackAnalysis, `{"affected_artifacts": [], "confidence": 0.2}`),
		"unknown only": model.NewScripted().Reply(revision.AgentFeedbackAnalysis, `{"affected_artifacts": ["Diagrams"]}`),
		"model failed": model.NewScripted().Fail(revision.AgentFeedbackAnalysis, "timeout"),
	}
	for name, m := range cases {
		t.Run(name, func(t *testing.T) {
			log := logging.NewTestLogger()
			c, err := revision.Analyzer{Model: m, Log: log.Logger}.Analyze(context.Background(), "rework it", fullPlan())
			require.NoError(t, err)
			assert.True(t, c.Fallback)
			assert.Equal(t, domain.AllArtifacts, c.Artifacts)
			log.AssertLogged(t, zapcore.WarnLevel, "regenerating all artifacts")
			log.AssertNotLogged(t, zapcore.ErrorLevel, "")
		})
	}
}

func TestAnalyzeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := model.NewScripted().Reply(revision.AgentFeedbackAnalysis, `{"affected_artifacts": ["ApiDesign"]}`)
	_, err := revision.Analyzer{Model: m}.Analyze(ctx, "x", fullPlan())
	require.ErrorIs(t, err, context.Canceled)
}

func TestReviseRegeneratesOnlyClassified(t *testing.T) {
	m := model.NewScripted().Reply(pipeline.AgentSchemaDesign, "```sql\nCREATE TABLE exports (id INTEGER PRIMARY KEY, status TEXT);\n```")
	plan := fullPlan()
	pctx := pipeline.NewContext(pipeline.Brief{Title: "Export orders"})
	pctx.Feedback = "add a status column"

	updates, err := revision.Reviser{Model: m}.Revise(context.Background(), plan, pctx,
		revision.Classification{Artifacts: []domain.ArtifactKind{domain.ArtifactDatabaseSchema}})
	require.NoError(t, err)
	assert.Equal(t, map[domain.ArtifactKind]string{
		domain.ArtifactDatabaseSchema: "CREATE TABLE exports (id INTEGER PRIMARY KEY, status TEXT);",
	}, updates)
	assert.Len(t, m.Calls(), 1)

	_, err = plan.UpdateArtifacts(updates, "planner", pctx.Feedback, testNow)
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Version)
	assert.Equal(t, "## GET /orders/export", plan.Artifacts.APIDesign)
}

func TestReviseFailureReturnsNothing(t *testing.T) {
	m := model.NewScripted().
		Reply(pipeline.AgentInterfaceDesign, "## API\n### GET /orders/export.csv").
		Fail(pipeline.AgentTestDesign, "provider down")
	pctx := pipeline.NewContext(pipeline.Brief{Title: "Export orders"})
	pctx.Feedback = "rename endpoint and cover it in tests"

	updates, err := revision.Reviser{Model: m}.Revise(context.Background(), fullPlan(), pctx, revision.Classification{
		Artifacts: []domain.ArtifactKind{domain.ArtifactAPIDesign, domain.ArtifactTestScenarios},
	})
	require.ErrorIs(t, err, pipeline.ErrModelFailure)
	assert.Nil(t, updates)
}

func TestReviseEmptyClassification(t *testing.T) {
	_, err := revision.Reviser{Model: model.NewScripted()}.Revise(context.Background(), fullPlan(),
		pipeline.NewContext(pipeline.Brief{Title: "x"}), revision.Classification{})
	require.ErrorIs(t, err, revision.ErrNothingRegenerated)
}

func TestReviseResumesPartiallyCompletedRound(t *testing.T) {
	m := model.NewScripted().Reply(pipeline.AgentTestDesign, "## Tests\n- export.csv returns the header row")
	pctx := pipeline.NewContext(pipeline.Brief{Title: "Export orders"})
	pctx.Feedback = "rename endpoint and cover it in tests"
	pctx.Artifacts.APIDesign = "## API\n### GET /orders/export.csv"
	pctx.Completed = []string{pipeline.AgentInterfaceDesign}

	updates, err := revision.Reviser{Model: m}.Revise(context.Background(), fullPlan(), pctx, revision.Classification{
		Artifacts: []domain.ArtifactKind{domain.ArtifactAPIDesign, domain.ArtifactTestScenarios},
	})
	require.NoError(t, err)
	assert.Equal(t, "## API\n### GET /orders/export.csv", updates[domain.ArtifactAPIDesign])
	assert.Equal(t, "## Tests\n- export.csv returns the header row", updates[domain.ArtifactTestScenarios])
	assert.Equal(t, 0, m.CallCount(pipeline.AgentInterfaceDesign))
	assert.Equal(t, 1, m.CallCount(pipeline.AgentTestDesign))
}

func TestReviseFullRegenerationStartsFresh(t *testing.T) {
	m := model.NewScripted().
		Reply(pipeline.AgentRequirements, "## User Stories\n- As an admin I schedule exports").
		Reply(pipeline.AgentInterfaceDesign, "## API Design\n### POST /exports").
		Reply(pipeline.AgentSchemaDesign, "```sql\nCREATE TABLE scheduled_exports (id INTEGER PRIMARY KEY);\n```").
		Reply(pipeline.AgentTestDesign, "## Test Scenarios\n- schedule runs nightly").
		Reply(pipeline.AgentImplementationSteps, "## Step 1: add scheduler")
	pctx := pipeline.NewContext(pipeline.Brief{Title: "Export orders"})
	pctx.Feedback = "wrong problem, exports must be scheduled"
	pctx.Regenerate = true

	updates, err := revision.Reviser{Model: m}.Revise(context.Background(), fullPlan(), pctx, revision.All("full regeneration requested"))
	require.NoError(t, err)
	assert.Len(t, updates, len(domain.AllArtifacts))
	assert.Empty(t, pctx.Existing.Present())
	for _, call := range m.Calls() {
		assert.Contains(t, call.Prompt, "from scratch", call.Agent)
		assert.NotContains(t, call.Prompt, "Keep parts the feedback does not touch", call.Agent)
		assert.NotContains(t, call.Prompt, "As a shopper I export orders", call.Agent)
	}
	assert.Equal(t, "CREATE TABLE scheduled_exports (id INTEGER PRIMARY KEY);", updates[domain.ArtifactDatabaseSchema])
}
