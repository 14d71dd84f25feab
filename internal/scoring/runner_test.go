package scoring_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/db"
	"revline/internal/domain"
	"revline/internal/migrate"
	"revline/internal/repo"
	"revline/internal/scoring"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu           sync.Mutex
	constituents map[string]domain.Constituent
	touches      map[string]time.Time
	upserts      [][]domain.Score
	failUpsertOn string
}

func (f *fakeStore) ListConstituentIDs(context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.constituents))
	for i := 0; i < len(f.constituents); i++ {
		ids = append(ids, fmt.Sprintf("c%03d", i))
	}
	return ids, nil
}

func (f *fakeStore) ConstituentsByID(_ context.Context, ids []string) (map[string]domain.Constituent, error) {
	out := map[string]domain.Constituent{}
	for _, id := range ids {
		if c, ok := f.constituents[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeStore) LatestInteractions(context.Context, []string) (map[string]time.Time, error) {
	return f.touches, nil
}

func (f *fakeStore) HasActiveOpportunity(context.Context, []string) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (f *fakeStore) UpsertScores(_ context.Context, scores []domain.Score) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range scores {
		if s.ConstituentID == f.failUpsertOn {
			return errors.New("disk full")
		}
	}
	f.upserts = append(f.upserts, scores)
	return nil
}

func population(n int) *fakeStore {
	f := &fakeStore{constituents: map[string]domain.Constituent{}, touches: map[string]time.Time{}}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("c%03d", i)
		f.constituents[id] = domain.Constituent{ID: id, LifetimeTicketSpend: float64(i * 100)}
	}
	return f
}

func TestRunIsolatesItemErrors(t *testing.T) {
	store := population(250)
	bad := store.constituents["c007"]
	bad.LifetimeGiving = math.Inf(1)
	store.constituents["c007"] = bad

	runner := scoring.Runner{Store: store, Now: func() time.Time { return fixedNow }}
	res, err := runner.Run(context.Background(), scoring.Options{
		ConstituentIDs: append([]string{"missing"}, mustIDs(store)...),
	})
	require.NoError(t, err)
	assert.Equal(t, 251, res.Total)
	assert.Equal(t, 249, res.Scored)
	assert.Equal(t, 3, res.Batches)
	assert.False(t, res.Interrupted)
	assert.Equal(t, "2026-03-01", res.AsOfDate)

	ids := map[string]string{}
	for _, e := range res.Errors {
		ids[e.ID] = e.Message
	}
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, "missing")
	assert.Contains(t, ids, "c007")
}

func TestRunReportsFailedBatchCommit(t *testing.T) {
	store := population(30)
	store.failUpsertOn = "c015"
	runner := scoring.Runner{Store: store, Now: func() time.Time { return fixedNow }}
	res, err := runner.Run(context.Background(), scoring.Options{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Scored)
	require.Len(t, res.Errors, 10)
	for _, e := range res.Errors {
		assert.Equal(t, "disk full", e.Message)
		assert.GreaterOrEqual(t, e.ID, "c010")
		assert.LessOrEqual(t, e.ID, "c019")
	}
}

func TestRunStopsSchedulingWhenCancelled(t *testing.T) {
	store := population(50)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	runner := scoring.Runner{Store: store, Parallelism: 1, Now: func() time.Time { return fixedNow }}
	res, err := runner.Run(ctx, scoring.Options{BatchSize: 10})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 0, res.Batches)
	assert.Equal(t, 0, res.Scored)
}

// cancellingStore cancels the run once a commit has been attempted. With
// failCommit the commit itself observes the cancellation.
type cancellingStore struct {
	*fakeStore
	cancel     context.CancelFunc
	failCommit bool
}

func (c cancellingStore) UpsertScores(ctx context.Context, scores []domain.Score) error {
	defer c.cancel()
	if c.failCommit {
		c.cancel()
		return ctx.Err()
	}
	return c.fakeStore.UpsertScores(ctx, scores)
}

func TestRunCancelledAfterLastCommitIsNotInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cancellingStore{fakeStore: population(10), cancel: cancel}
	runner := scoring.Runner{Store: store, Parallelism: 1, Now: func() time.Time { return fixedNow }}
	res, err := runner.Run(ctx, scoring.Options{BatchSize: 10})
	require.NoError(t, err)
	require.Error(t, ctx.Err())
	assert.Equal(t, 10, res.Scored)
	assert.Equal(t, 1, res.Batches)
	assert.False(t, res.Interrupted)
}

func TestRunCancelledDuringCommitIsInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := cancellingStore{fakeStore: population(10), cancel: cancel, failCommit: true}
	runner := scoring.Runner{Store: store, Parallelism: 1, Now: func() time.Time { return fixedNow }}
	res, err := runner.Run(ctx, scoring.Options{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scored)
	assert.Len(t, res.Errors, 10)
	assert.True(t, res.Interrupted)
}

func mustIDs(f *fakeStore) []string {
	ids, _ := f.ListConstituentIDs(context.Background())
	return ids
}

func TestRunIsIdempotentPerDay(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	ctx := context.Background()

	for i, giving := range []float64{0, 5000, 250000} {
		id := fmt.Sprintf("c%d", i)
		require.NoError(t, r.UpsertConstituent(ctx, domain.Constituent{ID: id, LifetimeGiving: giving, LifetimeTicketSpend: 2500, IsDonor: true}))
		require.NoError(t, r.InsertInteraction(ctx, domain.Interaction{ID: "i" + id, ConstituentID: id, Kind: "call", OccurredAt: fixedNow.AddDate(0, 0, -100*i)}))
	}
	runner := scoring.Runner{Store: r, Now: func() time.Time { return fixedNow }}
	first, err := runner.Run(ctx, scoring.Options{})
	require.NoError(t, err)
	require.Equal(t, 3, first.Scored)
	before, err := r.ListScores(ctx, "2026-03-01")
	require.NoError(t, err)

	second, err := runner.Run(ctx, scoring.Options{})
	require.NoError(t, err)
	require.Equal(t, 3, second.Scored)
	after, err := r.ListScores(ctx, "2026-03-01")
	require.NoError(t, err)

	require.Len(t, after, 3)
	for i := range after {
		n, err := r.CountScores(ctx, after[i].ConstituentID, "2026-03-01")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, before[i].RenewalRisk, after[i].RenewalRisk)
		assert.Equal(t, before[i].TicketPropensity, after[i].TicketPropensity)
		assert.Equal(t, before[i].CapacityEstimate, after[i].CapacityEstimate)
		assert.Equal(t, *before[i].DaysSinceTouch, *after[i].DaysSinceTouch)
	}
	assert.Equal(t, domain.RiskLow, after[0].RenewalRisk)
	assert.Equal(t, domain.RiskMedium, after[1].RenewalRisk)
	assert.Equal(t, domain.RiskHigh, after[2].RenewalRisk)
}

func TestRunThousandConstituentsWithinBudget(t *testing.T) {
	store := population(1000)
	runner := scoring.Runner{Store: store}
	started := time.Now()
	res, err := runner.Run(context.Background(), scoring.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1000, res.Scored)
	assert.Equal(t, 10, res.Batches)
	assert.Less(t, time.Since(started), 30*time.Second)
}
