package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
	"planline/internal/model"
	"planline/internal/pipeline"
)

const (
	storiesReply = "## User Stories\n- As a shopper I can export my orders as CSV.\n  - Acceptance: the file downloads"
	apiReply     = "## API Design\n### GET /orders/export\nReturns text/csv."
	schemaReply  = "Here is the schema:\n```sql\nCREATE TABLE exports (id INTEGER PRIMARY KEY, created_at TEXT);\n```"
	testsReply   = "## Test Scenarios\n- export with no orders returns only the header"
	stepsReply   = "# Implementation Steps\n## Step 1: add exports table\n## Step 2: add endpoint"
)

func scriptedPlanner() *model.Scripted {
	return model.NewScripted().
		Reply(pipeline.AgentRequirements, storiesReply).
		Reply(pipeline.AgentInterfaceDesign, apiReply).
		Reply(pipeline.AgentSchemaDesign, schemaReply).
		Reply(pipeline.AgentTestDesign, testsReply).
		Reply(pipeline.AgentImplementationSteps, stepsReply)
}

func brief() pipeline.Brief {
	return pipeline.Brief{
		TenantID:   "t1",
		WorkItemID: "wi-1",
		Title:      "Export orders",
		Repository: domain.Repository{Owner: "acme", Name: "shop"},
		Questions:  []domain.Question{{ID: "q1", Text: "Which format?"}},
		Answers:    []domain.Answer{{QuestionID: "q1", Text: "CSV"}},
	}
}

func TestCoordinatorRunsAllPlanningAgentsInOrder(t *testing.T) {
	m := scriptedPlanner()
	pctx := pipeline.NewContext(brief())
	var hooked []string
	c := pipeline.Coordinator{OnStepCompleted: func(_ context.Context, _ *pipeline.Context, res pipeline.Result) error {
		hooked = append(hooked, res.Agent)
		return nil
	}}

	results, err := c.Run(context.Background(), pctx, pipeline.PlanningAgents(m))
	require.NoError(t, err)
	require.Len(t, results, 5)
	want := []string{
		pipeline.AgentRequirements, pipeline.AgentInterfaceDesign, pipeline.AgentSchemaDesign,
		pipeline.AgentTestDesign, pipeline.AgentImplementationSteps,
	}
	assert.Equal(t, want, hooked)
	var order []string
	for _, call := range m.Calls() {
		order = append(order, call.Agent)
	}
	assert.Equal(t, want, order)
	assert.Equal(t, domain.AllArtifacts, pctx.Artifacts.Present())
	assert.Equal(t, "CREATE TABLE exports (id INTEGER PRIMARY KEY, created_at TEXT);", pctx.Artifacts.DatabaseSchema)
	assert.Contains(t, m.Calls()[0].Prompt, "A: CSV")
	assert.Greater(t, pctx.TokenUsage.Total, 0)
}

func TestMissingPrerequisiteHaltsBeforeModelCall(t *testing.T) {
	m := scriptedPlanner()
	pctx := pipeline.NewContext(brief())
	agents := []pipeline.Agent{pipeline.NewInterfaceDesignAgent(m), pipeline.NewTestDesignAgent(m)}

	results, err := pipeline.Coordinator{}.Run(context.Background(), pctx, agents)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pipeline.ErrMissingArtifact))
	assert.Contains(t, err.Error(), "UserStories not found in context")
	require.Len(t, results, 1)
	assert.Equal(t, pipeline.StatusFailed, results[0].Status)
	assert.Empty(t, m.Calls())

	var stepErr *pipeline.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, pipeline.AgentInterfaceDesign, stepErr.Agent)
}

func TestCoordinatorStopsAtFirstFailure(t *testing.T) {
	m := model.NewScripted().
		Reply(pipeline.AgentRequirements, storiesReply).
		Reply(pipeline.AgentInterfaceDesign, apiReply).
		Reply(pipeline.AgentSchemaDesign, "```sql\nDROP DATABASE shop;\nCREATE TABLE x(id int);\n```")
	pctx := pipeline.NewContext(brief())

	results, err := pipeline.Coordinator{}.Run(context.Background(), pctx, pipeline.PlanningAgents(m))
	require.ErrorIs(t, err, pipeline.ErrValidation)
	assert.Len(t, results, 3)
	assert.Equal(t, 0, m.CallCount(pipeline.AgentTestDesign))
	assert.Equal(t, []domain.ArtifactKind{domain.ArtifactUserStories, domain.ArtifactAPIDesign}, pctx.Artifacts.Present())
}

func TestModelFailureIsFailedResult(t *testing.T) {
	m := model.NewScripted().Fail(pipeline.AgentRequirements, "quota exceeded")
	_, err := pipeline.Coordinator{}.Run(context.Background(), pipeline.NewContext(brief()), pipeline.PlanningAgents(m))
	require.ErrorIs(t, err, pipeline.ErrModelFailure)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestRehydratedContextSkipsCompletedSteps(t *testing.T) {
	first := scriptedPlanner()
	pctx := pipeline.NewContext(brief())
	_, err := pipeline.Coordinator{}.Run(context.Background(), pctx, pipeline.PlanningAgents(first)[:2])
	require.NoError(t, err)

	raw, err := pctx.Encode()
	require.NoError(t, err)
	restored, err := pipeline.DecodeContext(raw)
	require.NoError(t, err)
	assert.Equal(t, pctx.Artifacts, restored.Artifacts)

	second := scriptedPlanner()
	results, err := pipeline.Coordinator{}.Run(context.Background(), restored, pipeline.PlanningAgents(second))
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusSkipped, results[0].Status)
	assert.Equal(t, pipeline.StatusSkipped, results[1].Status)
	assert.Equal(t, 0, second.CallCount(pipeline.AgentRequirements))
	assert.Equal(t, 0, second.CallCount(pipeline.AgentInterfaceDesign))
	assert.Equal(t, 1, second.CallCount(pipeline.AgentImplementationSteps))
}

func TestCancellationBetweenSteps(t *testing.T) {
	m := scriptedPlanner()
	ctx, cancel := context.WithCancel(context.Background())
	c := pipeline.Coordinator{OnStepCompleted: func(context.Context, *pipeline.Context, pipeline.Result) error {
		cancel()
		return nil
	}}
	results, err := c.Run(ctx, pipeline.NewContext(brief()), pipeline.PlanningAgents(m))
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 1)
	assert.Equal(t, 0, m.CallCount(pipeline.AgentInterfaceDesign))
}

func TestRevisionPromptCarriesFeedbackAndExisting(t *testing.T) {
	m := model.NewScripted().Reply(pipeline.AgentSchemaDesign, "```sql\nCREATE TABLE exports (id INTEGER PRIMARY KEY, status TEXT);\n```")
	pctx := pipeline.NewContext(brief())
	pctx.Artifacts = domain.Artifacts{UserStories: "- story", APIDesign: "## GET /x"}
	pctx.Existing = domain.Artifacts{DatabaseSchema: "CREATE TABLE exports (id INTEGER PRIMARY KEY);"}
	pctx.Feedback = "schema needs a status column"

	_, err := pipeline.Coordinator{}.Run(context.Background(), pctx, pipeline.AgentsFor(m, []domain.ArtifactKind{domain.ArtifactDatabaseSchema}))
	require.NoError(t, err)
	prompt := m.Calls()[0].Prompt
	assert.Contains(t, prompt, "schema needs a status column")
	assert.Contains(t, prompt, "Current Schema Design")
	assert.Contains(t, pctx.Artifacts.DatabaseSchema, "status TEXT")
}

func TestAnalysisAgentQuestions(t *testing.T) {
	m := model.NewScripted().Reply(pipeline.AgentAnalysis, "```json\n[{\"text\": \"Which format?\", \"category\": \"scope\"}, \"Who can export?\",]\n```")
	pctx := pipeline.NewContext(brief())
	_, err := pipeline.Coordinator{}.Run(context.Background(), pctx, []pipeline.Agent{pipeline.NewAnalysisAgent(m)})
	require.NoError(t, err)
	require.Len(t, pctx.Questions, 2)
	assert.Equal(t, "q1", pctx.Questions[0].ID)
	assert.Equal(t, "scope", pctx.Questions[0].Category)
	assert.Equal(t, "Who can export?", pctx.Questions[1].Text)
}

func TestImplementationAndCodeReview(t *testing.T) {
	m := model.NewScripted().
		Reply(pipeline.AgentImplementation, "### File: internal/export/csv.go\n```go\npackage export\n```\n### File: `README.md`\n```\ndocs\n```").
		Reply(pipeline.AgentCodeReview, "No blocking issues. Verdict: approve")
	pctx := pipeline.NewContext(brief())
	pctx.Artifacts.ImplementationSteps = "## Step 1: write csv"
	agents := []pipeline.Agent{pipeline.NewImplementationAgent(m), pipeline.NewCodeReviewAgent(m)}

	_, err := pipeline.Coordinator{}.Run(context.Background(), pctx, agents)
	require.NoError(t, err)
	require.Len(t, pctx.FileChanges, 2)
	assert.Equal(t, "internal/export/csv.go", pctx.FileChanges[0].Path)
	assert.Equal(t, "README.md", pctx.FileChanges[1].Path)
	assert.Equal(t, "No blocking issues. Verdict: approve", pctx.ReviewSummary)
	assert.Contains(t, m.Calls()[1].Prompt, "internal/export/csv.go")
}
