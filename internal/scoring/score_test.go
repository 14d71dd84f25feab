package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/domain"
)

func intp(v int) *int { return &v }

func TestRenewalRiskBoundaries(t *testing.T) {
	cases := []struct {
		days *int
		want string
	}{
		{intp(0), domain.RiskLow},
		{intp(90), domain.RiskLow},
		{intp(91), domain.RiskMedium},
		{intp(180), domain.RiskMedium},
		{intp(181), domain.RiskHigh},
		{nil, domain.RiskHigh},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RenewalRisk(tc.days))
	}
}

func TestRenewalRiskBands(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("0..90 is low", prop.ForAll(func(d int) bool {
		return RenewalRisk(&d) == domain.RiskLow
	}, gen.IntRange(0, 90)))
	properties.Property("91..180 is medium", prop.ForAll(func(d int) bool {
		return RenewalRisk(&d) == domain.RiskMedium
	}, gen.IntRange(91, 180)))
	properties.Property("over 180 is high", prop.ForAll(func(d int) bool {
		return RenewalRisk(&d) == domain.RiskHigh
	}, gen.IntRange(181, 100000)))

	properties.TestingRun(t)
}

func TestTicketPropensity(t *testing.T) {
	assert.Equal(t, 5, TicketPropensity(2500))
	assert.Equal(t, 0, TicketPropensity(499))
	assert.Equal(t, 1, TicketPropensity(500))
	assert.Equal(t, 0, TicketPropensity(0))

	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)
	properties.Property("50000 and above saturates", prop.ForAll(func(spend float64) bool {
		return TicketPropensity(spend) == 100
	}, gen.Float64Range(50000, 1e12)))
	properties.Property("always within 0..100", prop.ForAll(func(spend float64) bool {
		p := TicketPropensity(spend)
		return p >= 0 && p <= 100
	}, gen.Float64Range(0, 1e9)))
	properties.TestingRun(t)
}

func TestAskReadiness(t *testing.T) {
	assert.Equal(t, domain.AskReady, AskReadiness(true, intp(29)))
	assert.Equal(t, domain.AskNotReady, AskReadiness(true, intp(30)))
	assert.Equal(t, domain.AskNotReady, AskReadiness(false, intp(1)))
	assert.Equal(t, domain.AskNotReady, AskReadiness(true, nil))
}

func TestPlaceholderFormulas(t *testing.T) {
	assert.Equal(t, 100, CorporatePropensity(true))
	assert.Equal(t, 0, CorporatePropensity(false))
	assert.Equal(t, 125000.0, CapacityEstimate(12500))
}

func TestDaysSinceTouchUsesCalendarDays(t *testing.T) {
	asOf := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2026, 2, 28, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, 1, *DaysSinceTouch(asOf, &late))

	future := asOf.AddDate(0, 0, 3)
	assert.Equal(t, 0, *DaysSinceTouch(asOf, &future))
	assert.Nil(t, DaysSinceTouch(asOf, nil))
}

func TestComputeRejectsBadAggregates(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	_, err := Compute(Input{Constituent: domain.Constituent{ID: "c1", LifetimeGiving: math.NaN()}}, now, now)
	require.Error(t, err)
	_, err = Compute(Input{Constituent: domain.Constituent{ID: "c1", LifetimeTicketSpend: -1}}, now, now)
	require.Error(t, err)

	touched := now.AddDate(0, 0, -10)
	s, err := Compute(Input{
		Constituent:     domain.Constituent{ID: "c1", LifetimeGiving: 1000, LifetimeTicketSpend: 2500, IsCorporate: true},
		LastInteraction: &touched,
		HasActive:       true,
	}, now, now)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", s.AsOfDate)
	assert.Equal(t, domain.RiskLow, s.RenewalRisk)
	assert.Equal(t, domain.AskReady, s.AskReadiness)
	assert.Equal(t, 5, s.TicketPropensity)
	assert.Equal(t, 100, s.CorporatePropensity)
	assert.Equal(t, 10000.0, s.CapacityEstimate)
	assert.Equal(t, 10, *s.DaysSinceTouch)
}
