package revlinesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/config"
	"revline/internal/db"
	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/migrate"
	"revline/internal/server"
)

func newAPI(t *testing.T) string {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	e := engine.New(conn, db.SQLite, config.Default(), nil)
	now := time.Now().UTC()
	require.NoError(t, e.Repo.UpsertConstituent(context.Background(), domain.Constituent{
		ID: "c-1", LifetimeTicketSpend: 400, IsTicketHolder: true, CreatedAt: now, UpdatedAt: now,
	}))
	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: "sdk-secret"}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestClientRouteAndWorkQueue(t *testing.T) {
	baseURL := newAPI(t)
	token, err := server.SignToken("sdk-secret", "u-1", []string{"ticketing"}, time.Hour)
	require.NoError(t, err)
	c := New(baseURL)
	c.BearerToken = token
	ctx := context.Background()

	scored, err := c.RunScoring(ctx, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 1, scored.Scored)

	res, err := c.RouteOpportunity(ctx, "c-1", "ticket", 250, false)
	require.NoError(t, err)
	require.False(t, res.Blocked)
	assert.Equal(t, "ticketing", res.PrimaryRole)
	assert.NotEmpty(t, res.OpportunityID)

	again, err := c.Reroute(ctx, res.OpportunityID, false)
	require.NoError(t, err)
	assert.False(t, again.Changed)

	require.True(t, res.TaskCreated)
	q, err := c.WorkQueue(ctx, "role", 1, 10, "pending")
	require.NoError(t, err)
	require.Equal(t, 1, q.Total)

	task, err := c.ClaimTask(ctx, res.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.AssignedUserID)
	assert.Equal(t, "u-1", *task.AssignedUserID)

	task, err = c.ReleaseTask(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Nil(t, task.AssignedUserID)

	page, err := c.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.NotEmpty(t, page.NextCursor)
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	baseURL := newAPI(t)
	c := New(baseURL)
	_, err := c.RouteOpportunity(context.Background(), "c-1", "ticket", 10, false)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
}
