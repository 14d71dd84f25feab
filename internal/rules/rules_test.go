package rules

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/domain"
)

func TestDefaultRuleSetParses(t *testing.T) {
	rs, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "default", rs.Name)
	assert.Equal(t, "1.0.0", rs.Version)
	assert.True(t, strings.HasPrefix(rs.Digest, "blake3:"))
	assert.Empty(t, rs.MissingCatchAll())
	assert.Equal(t, 30*24*time.Hour, rs.MaxWindow())

	names := []string{}
	for _, r := range rs.Routing() {
		names = append(names, r.Name)
	}
	// priority descending, declaration order within a priority
	assert.Equal(t, []string{
		"transformational_gift",
		"leadership_gift", "strategic_partnership",
		"high_capacity_ticket_holder",
		"major_gift", "corporate", "ticket",
	}, names)
}

func TestDigestIgnoresFormat(t *testing.T) {
	yamlDoc := []byte(`
version: "1.0.0"
routing_rules:
  - name: any
    priority: 1
    when: {}
    then: {primary_role: ops, task_priority: low}
`)
	jsoncDoc := []byte(`{
  // same document, different spelling
  "routing_rules": [
    {"then": {"task_priority": "low", "primary_role": "ops"}, "when": {}, "priority": 1, "name": "any"},
  ],
  "version": "1.0.0",
}`)
	a, err := Parse(yamlDoc, FormatYAML)
	require.NoError(t, err)
	b, err := Parse(jsoncDoc, FormatJSONC)
	require.NoError(t, err)
	assert.Equal(t, a.Digest, b.Digest)
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"missing primary role": `{"version":"1.0.0","routing_rules":[{"name":"a","priority":1,"when":{},"then":{"task_priority":"low"}}]}`,
		"unknown priority":     `{"version":"1.0.0","routing_rules":[{"name":"a","priority":1,"when":{},"then":{"primary_role":"x","task_priority":"urgent"}}]}`,
		"unknown field":        `{"version":"1.0.0","routing_rules":[{"name":"a","priority":1,"when":{"colour":"red"},"then":{"primary_role":"x","task_priority":"low"}}]}`,
		"unsupported version":  `{"version":"2.1.0","routing_rules":[{"name":"a","priority":1,"when":{},"then":{"primary_role":"x","task_priority":"low"}}]}`,
		"bad semver":           `{"version":"one","routing_rules":[{"name":"a","priority":1,"when":{},"then":{"primary_role":"x","task_priority":"low"}}]}`,
		"duplicate names":      `{"version":"1.0.0","routing_rules":[{"name":"a","priority":1,"when":{},"then":{"primary_role":"x","task_priority":"low"}},{"name":"a","priority":2,"when":{},"then":{"primary_role":"y","task_priority":"low"}}]}`,
		"empty range":          `{"version":"1.0.0","routing_rules":[{"name":"a","priority":1,"when":{"amount_min":10,"amount_max":10},"then":{"primary_role":"x","task_priority":"low"}}]}`,
		"expr not bool":        `{"version":"1.0.0","routing_rules":[{"name":"a","priority":1,"when":{"expr":"amount * 2.0"},"then":{"primary_role":"x","task_priority":"low"}}]}`,
		"expr unknown var":     `{"version":"1.0.0","routing_rules":[{"name":"a","priority":1,"when":{"expr":"region == 'eu'"},"then":{"primary_role":"x","task_priority":"low"}}]}`,
		"negative window":      `{"version":"1.0.0","routing_rules":[{"name":"a","priority":1,"when":{},"then":{"primary_role":"x","task_priority":"low"}}],"collision_rules":[{"name":"c","priority":1,"when":{"existing":"opportunity"},"then":{"action":"block","window_days":-1}}]}`,
		"typed proposal":       `{"version":"1.0.0","routing_rules":[{"name":"a","priority":1,"when":{},"then":{"primary_role":"x","task_priority":"low"}}],"collision_rules":[{"name":"c","priority":1,"when":{"existing":"proposal","existing_types":["ticket"]},"then":{"action":"warn","window_days":3}}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), FormatJSON)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.NotEmpty(t, verr.Problems)
		})
	}
}

func TestRoutingAmountBounds(t *testing.T) {
	lo, hi := 100.0, 200.0
	r := &RoutingRule{Name: "band", When: RoutingWhen{Types: []domain.OpportunityType{domain.OpportunityCorporate}, AmountMin: &lo, AmountMax: &hi}}
	for amount, want := range map[float64]bool{99.99: false, 100: true, 199.99: true, 200: false} {
		ok, err := r.Matches(RoutingInput{Type: domain.OpportunityCorporate, Amount: amount})
		require.NoError(t, err)
		assert.Equal(t, want, ok, "amount %v", amount)
	}
	ok, err := r.Matches(RoutingInput{Type: domain.OpportunityTicket, Amount: 150})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoutingCapacityNeedsScore(t *testing.T) {
	capMin := 250000.0
	r := &RoutingRule{When: RoutingWhen{CapacityMin: &capMin}}
	ok, _ := r.Matches(RoutingInput{Type: domain.OpportunityTicket})
	assert.False(t, ok)
	ok, _ = r.Matches(RoutingInput{Type: domain.OpportunityTicket, Score: &domain.Score{CapacityEstimate: 300000}})
	assert.True(t, ok)
}

func TestRoutingExpr(t *testing.T) {
	rs, err := Parse([]byte(`
version: "1.0.5"
routing_rules:
  - name: ready_donor
    priority: 10
    when:
      types: [major_gift]
      expr: has_score && ask_readiness == "ready" && amount >= 5000.0
    then: {primary_role: major_gifts, task_priority: high}
  - name: rest
    priority: 0
    when: {}
    then: {primary_role: annual_fund, task_priority: low}
`), FormatYAML)
	require.NoError(t, err)
	first := rs.Routing()[0]
	ok, err := first.Matches(RoutingInput{Type: domain.OpportunityMajorGift, Amount: 6000, Score: &domain.Score{AskReadiness: domain.AskReady}})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = first.Matches(RoutingInput{Type: domain.OpportunityMajorGift, Amount: 6000})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMissingCatchAll(t *testing.T) {
	rs, err := Parse([]byte(`
version: "1.0.0"
routing_rules:
  - name: big
    priority: 1
    when: {types: [major_gift], amount_min: 1000}
    then: {primary_role: major_gifts, task_priority: high}
  - name: tickets
    priority: 0
    when: {types: [ticket]}
    then: {primary_role: ticketing, task_priority: low}
`), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, []domain.OpportunityType{domain.OpportunityMajorGift, domain.OpportunityCorporate}, rs.MissingCatchAll())
}

func TestCollisionRuleMatching(t *testing.T) {
	rs, err := Default()
	require.NoError(t, err)
	var blockTicket *CollisionRule
	for _, r := range rs.Collision() {
		if r.Name == "major_gift_blocks_ticket" {
			blockTicket = r
		}
	}
	require.NotNil(t, blockTicket)
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	existing := domain.Solicitation{Kind: domain.KindOpportunity, Type: domain.OpportunityMajorGift, Status: domain.OpportunityActive, UpdatedAt: now.AddDate(0, 0, -5)}

	ok, err := blockTicket.Matches(CollisionInput{Existing: existing, IncomingType: domain.OpportunityTicket, Now: now})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, blockTicket.InWindow(existing.UpdatedAt, now))
	assert.True(t, blockTicket.InWindow(now.AddDate(0, 0, -14), now), "window is inclusive")
	assert.False(t, blockTicket.InWindow(now.AddDate(0, 0, -20), now))

	ok, err = blockTicket.Matches(CollisionInput{Existing: existing, IncomingType: domain.OpportunityCorporate, Now: now})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCollisionExprAgeDays(t *testing.T) {
	rs, err := Parse([]byte(`
version: "1.0.0"
routing_rules:
  - {name: all, priority: 0, when: {}, then: {primary_role: ops, task_priority: low}}
collision_rules:
  - name: fresh_same_type
    priority: 1
    when:
      existing: opportunity
      same_type: true
      expr: age_days < 2.0
    then: {action: warn, window_days: 10}
`), FormatYAML)
	require.NoError(t, err)
	r := rs.Collision()[0]
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	in := CollisionInput{
		Existing:     domain.Solicitation{Kind: domain.KindOpportunity, Type: domain.OpportunityTicket, UpdatedAt: now.Add(-36 * time.Hour)},
		IncomingType: domain.OpportunityTicket,
		Now:          now,
	}
	ok, err := r.Matches(in)
	require.NoError(t, err)
	assert.True(t, ok)
	in.Existing.UpdatedAt = now.Add(-72 * time.Hour)
	ok, err = r.Matches(in)
	require.NoError(t, err)
	assert.False(t, ok)
}

type countingSource struct {
	calls int
	doc   Document
	err   error
}

func (c *countingSource) Fetch(context.Context) (Document, error) {
	c.calls++
	return c.doc, c.err
}

func TestLoaderMaxAgeAndStaleFallback(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &countingSource{doc: Document{Data: DefaultDocument(), Format: FormatYAML, Origin: "test"}}
	loader := &Loader{Source: src, MaxAge: time.Minute, Now: func() time.Time { return now }}
	ctx := context.Background()

	first, err := loader.Current(ctx)
	require.NoError(t, err)
	_, err = loader.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	now = now.Add(2 * time.Minute)
	src.err = errors.New("bucket unavailable")
	again, err := loader.Current(ctx)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 2, src.calls)

	empty := &Loader{Source: &countingSource{err: errors.New("down")}}
	_, err = empty.Current(ctx)
	assert.Error(t, err)
}
