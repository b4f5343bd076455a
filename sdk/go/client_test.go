package planlinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/db"
	"planline/internal/engine"
	"planline/internal/migrate"
	"planline/internal/model"
	"planline/internal/pipeline"
	"planline/internal/server"
	"planline/internal/ticket"
	planlinesdk "planline/sdk/go"
)

func newClient(t *testing.T) (*planlinesdk.Client, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	e := engine.New(conn).WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	e.Model = model.NewScripted().Reply(pipeline.AgentAnalysis, `["Which date range should the export cover?"]`)
	e.Tickets = &ticket.Recorder{}
	_, err = e.CreateTenant(context.Background(), "acme", "Acme", "", "tester")
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	token, err := server.IssueToken("sdk-secret", "tracker", "acme")
	require.NoError(t, err)
	c := planlinesdk.New(srv.URL, "acme")
	c.BearerToken = token
	return c, e
}

func TestClientAnswersQuestions(t *testing.T) {
	c, e := newClient(t)
	ctx := context.Background()

	item, created, err := c.Intake(ctx, "#42", planlinesdk.Repository{Owner: "acme", Name: "shop"}, "Export orders", "")
	require.NoError(t, err)
	require.True(t, created)

	for i := 0; i < 5; i++ {
		res, err := e.Process(ctx, item.ID)
		require.NoError(t, err)
		if res.Waiting {
			break
		}
	}
	got, err := c.WorkItem(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, "AwaitingAnswers", got.State)

	got, err = c.Answer(ctx, item.ID, []planlinesdk.Answer{{QuestionID: "q1", Text: "the last 90 days"}})
	require.NoError(t, err)
	assert.Equal(t, "AnswersReceived", got.State)

	_, err = c.Answer(ctx, item.ID, []planlinesdk.Answer{{QuestionID: "q1", Text: "again"}})
	var apiErr *planlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	evts, err := c.Events(ctx, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, evts)
}

func TestClientReportsErrorCodes(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()
	item, _, err := c.Intake(ctx, "#7", planlinesdk.Repository{Owner: "acme", Name: "shop"}, "Export orders", "")
	require.NoError(t, err)

	_, err = c.Advance(ctx, item.ID, planlinesdk.Event{Kind: "plan_published"})
	var apiErr *planlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_transition", apiErr.Code)

	res, err := c.Advance(ctx, item.ID, planlinesdk.Event{ID: "evt-1", Kind: "cancel"})
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", res.WorkItem.State)
}
