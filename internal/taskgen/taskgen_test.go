package taskgen

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/db"
	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/migrate"
	"revline/internal/repo"
	"revline/internal/routing"
)

func TestTaskTypeDerivation(t *testing.T) {
	opp := func(typ domain.OpportunityType) domain.Opportunity { return domain.Opportunity{Type: typ} }
	assert.Equal(t, domain.TaskReviewRequired, TaskType(Context{Opportunity: opp(domain.OpportunityTicket), Decision: routing.Decision{TaskType: domain.TaskRenewal}, Overridden: true}))
	assert.Equal(t, domain.TaskFollowUp, TaskType(Context{Opportunity: opp(domain.OpportunityTicket), Decision: routing.Decision{TaskType: domain.TaskFollowUp}}))
	assert.Equal(t, domain.TaskRenewal, TaskType(Context{Opportunity: opp(domain.OpportunityTicket)}))
	assert.Equal(t, domain.TaskCultivation, TaskType(Context{Opportunity: opp(domain.OpportunityMajorGift)}))
	assert.Equal(t, domain.TaskProposalRequired, TaskType(Context{Opportunity: opp(domain.OpportunityCorporate)}))
	assert.Equal(t, domain.TaskFollowUp, TaskType(Context{Opportunity: opp("membership")}))
}

func TestBuildDueDates(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	g := Generator{Now: func() time.Time { return now }}
	for p, want := range map[domain.Priority]time.Time{
		domain.PriorityHigh:   now.AddDate(0, 0, 3),
		domain.PriorityMedium: now.AddDate(0, 0, 7),
		domain.PriorityLow:    now.AddDate(0, 0, 14),
	} {
		task := g.Build(Context{Opportunity: domain.Opportunity{ID: "o1", ConstituentID: "c1"}, Decision: routing.Decision{PrimaryRole: "ticketing", TaskPriority: p}})
		require.NotNil(t, task.DueAt)
		assert.Equal(t, want, *task.DueAt, "priority %s", p)
		assert.Equal(t, "ticketing", task.AssignedRole)
		assert.Nil(t, task.AssignedUserID)
		assert.Equal(t, domain.TaskPending, task.Status)
	}

	g.Offsets = DueOffsets{domain.PriorityHigh: time.Hour}
	task := g.Build(Context{Decision: routing.Decision{TaskPriority: domain.PriorityHigh}})
	assert.Equal(t, now.Add(time.Hour), *task.DueAt)
}

func TestCreateLinksOpportunity(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, r.UpsertConstituent(ctx, domain.Constituent{ID: "c1"}))
	role := "major_gifts"
	opp := domain.Opportunity{ID: "o1", ConstituentID: "c1", Type: domain.OpportunityMajorGift, Status: domain.OpportunityActive, Amount: 5000, OwnerRole: &role, CreatedAt: now, UpdatedAt: now}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, r.InsertOpportunity(ctx, tx, opp))
	require.NoError(t, tx.Commit())

	g := Generator{Repo: r, Events: events.Writer{DB: conn, Dialect: db.SQLite}, Now: func() time.Time { return now }}
	task, err := g.Create(ctx, Context{Opportunity: opp, Decision: routing.Decision{PrimaryRole: role, TaskPriority: domain.PriorityMedium}, ActorID: "tester"})
	require.NoError(t, err)

	stored, err := r.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCultivation, stored.Type)
	got, err := r.GetOpportunity(ctx, "o1")
	require.NoError(t, err)
	require.NotNil(t, got.TaskID)
	assert.Equal(t, task.ID, *got.TaskID)

	evts, err := r.LatestEvents(ctx, repo.EventFilter{Type: events.TaskCreated})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "tester", evts[0].ActorID)
}
