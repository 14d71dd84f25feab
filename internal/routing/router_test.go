package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/collision"
	"revline/internal/domain"
	"revline/internal/rules"
)

type staticStore []domain.Solicitation

func (s staticStore) Solicitations(context.Context, string, time.Time) ([]domain.Solicitation, error) {
	return s, nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRouter(items ...domain.Solicitation) Router {
	return Router{Detector: collision.Detector{Store: staticStore(items), Now: func() time.Time { return now }}}
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	rs, err := rules.Default()
	require.NoError(t, err)
	cases := []struct {
		typ      domain.OpportunityType
		amount   float64
		rule     string
		role     string
		priority domain.Priority
	}{
		{domain.OpportunityMajorGift, 1_500_000, "transformational_gift", "major_gifts", domain.PriorityHigh},
		{domain.OpportunityMajorGift, 1_000_000, "transformational_gift", "major_gifts", domain.PriorityHigh},
		{domain.OpportunityMajorGift, 999_999.99, "leadership_gift", "major_gifts", domain.PriorityHigh},
		{domain.OpportunityMajorGift, 500, "major_gift", "major_gifts", domain.PriorityMedium},
		{domain.OpportunityCorporate, 50_000, "strategic_partnership", "corporate_partnerships", domain.PriorityHigh},
		{domain.OpportunityCorporate, 49_999, "corporate", "corporate_partnerships", domain.PriorityMedium},
		{domain.OpportunityTicket, 120, "ticket", "ticketing", domain.PriorityLow},
	}
	for _, tc := range cases {
		d, err := Evaluate(rs, rules.RoutingInput{Type: tc.typ, Amount: tc.amount})
		require.NoError(t, err)
		assert.Equal(t, tc.rule, d.Rule, "%s %v", tc.typ, tc.amount)
		assert.Equal(t, tc.role, d.PrimaryRole)
		assert.Equal(t, tc.priority, d.TaskPriority)
	}
	d, err := Evaluate(rs, rules.RoutingInput{Type: domain.OpportunityMajorGift, Amount: 1_500_000})
	require.NoError(t, err)
	assert.Equal(t, []string{"executive"}, d.SecondaryRoles)
}

func TestEvaluateCapacityAwareTicketRule(t *testing.T) {
	rs, err := rules.Default()
	require.NoError(t, err)
	d, err := Evaluate(rs, rules.RoutingInput{Type: domain.OpportunityTicket, Amount: 200, Score: &domain.Score{CapacityEstimate: 300_000}})
	require.NoError(t, err)
	assert.Equal(t, "high_capacity_ticket_holder", d.Rule)
	assert.Equal(t, []string{"major_gifts"}, d.SecondaryRoles)
}

func TestEvaluateIsDeterministic(t *testing.T) {
	rs, err := rules.Parse([]byte(`
version: "1.0.0"
routing_rules:
  - {name: first, priority: 5, when: {types: [corporate]}, then: {primary_role: team_a, task_priority: low}}
  - {name: second, priority: 5, when: {types: [corporate]}, then: {primary_role: team_b, task_priority: low}}
`), rules.FormatYAML)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		d, err := Evaluate(rs, rules.RoutingInput{Type: domain.OpportunityCorporate, Amount: 10})
		require.NoError(t, err)
		assert.Equal(t, "team_a", d.PrimaryRole)
	}
}

func TestEvaluateNoMatch(t *testing.T) {
	rs, err := rules.Parse([]byte(`
version: "1.0.0"
routing_rules:
  - {name: tickets, priority: 1, when: {types: [ticket]}, then: {primary_role: ticketing, task_priority: low}}
`), rules.FormatYAML)
	require.NoError(t, err)
	_, err = Evaluate(rs, rules.RoutingInput{Type: domain.OpportunityCorporate, Amount: 10})
	var nm *NoMatchingRuleError
	require.True(t, errors.As(err, &nm))
	assert.Equal(t, domain.OpportunityCorporate, nm.Type)
}

func TestRouteBlockedSkipsRules(t *testing.T) {
	rs, err := rules.Parse([]byte(`
version: "1.0.0"
routing_rules:
  - {name: tickets, priority: 1, when: {types: [ticket]}, then: {primary_role: ticketing, task_priority: low}}
collision_rules:
  - {name: gift_first, priority: 1, when: {existing: opportunity, existing_types: [major_gift], incoming_types: [corporate]}, then: {action: block, window_days: 14}}
`), rules.FormatYAML)
	require.NoError(t, err)
	r := newRouter(domain.Solicitation{Kind: domain.KindOpportunity, ID: "o1", Type: domain.OpportunityMajorGift, Status: domain.OpportunityActive, UpdatedAt: now.Add(-time.Hour)})

	// corporate has no routing rule, so reaching evaluation would error
	out, err := r.Route(context.Background(), rs, Request{ConstituentID: "c1", Type: domain.OpportunityCorporate, Amount: 10})
	require.NoError(t, err)
	assert.True(t, out.Blocked())
	assert.Nil(t, out.Decision)

	_, err = r.Route(context.Background(), rs, Request{ConstituentID: "c1", Type: domain.OpportunityCorporate, Amount: 10, Override: true})
	var nm *NoMatchingRuleError
	assert.True(t, errors.As(err, &nm))
}

func TestRouteWarnStillRoutes(t *testing.T) {
	rs, err := rules.Default()
	require.NoError(t, err)
	r := newRouter(domain.Solicitation{Kind: domain.KindOpportunity, ID: "o1", Type: domain.OpportunityCorporate, Status: domain.OpportunityActive, UpdatedAt: now.AddDate(0, 0, -3)})
	out, err := r.Route(context.Background(), rs, Request{ConstituentID: "c1", Type: domain.OpportunityTicket, Amount: 80})
	require.NoError(t, err)
	assert.False(t, out.Blocked())
	require.NotNil(t, out.Decision)
	assert.Equal(t, "ticketing", out.Decision.PrimaryRole)
	require.Len(t, out.Collision.Collisions, 1)
	assert.Equal(t, rules.ActionWarn, out.Collision.Collisions[0].Action)
}
