// Package scoring derives per-constituent scores from giving aggregates and
// interaction recency.
package scoring

import (
	"fmt"
	"math"
	"time"

	"revline/internal/domain"
)

const (
	mediumRiskAfterDays = 90
	highRiskAfterDays   = 180
	askReadyWithinDays  = 30
	ticketSpendPerPoint = 500
	capacityMultiplier  = 10
)

// DaysSinceTouch counts whole UTC days from the last interaction to asOf.
// Nil means no interaction was ever recorded. A touch after asOf counts as 0.
func DaysSinceTouch(asOf time.Time, last *time.Time) *int {
	if last == nil {
		return nil
	}
	d := int(truncateDay(asOf).Sub(truncateDay(*last)).Hours() / 24)
	if d < 0 {
		d = 0
	}
	return &d
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// RenewalRisk bands: 0..90 low, 91..180 medium, beyond or never touched high.
func RenewalRisk(days *int) string {
	switch {
	case days == nil || *days > highRiskAfterDays:
		return domain.RiskHigh
	case *days > mediumRiskAfterDays:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func AskReadiness(hasActiveOpportunity bool, days *int) string {
	if hasActiveOpportunity && days != nil && *days < askReadyWithinDays {
		return domain.AskReady
	}
	return domain.AskNotReady
}

func TicketPropensity(lifetimeTicketSpend float64) int {
	p := int(math.Floor(lifetimeTicketSpend / ticketSpendPerPoint))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// CorporatePropensity is a flag-based placeholder until a multi-factor model exists.
func CorporatePropensity(isCorporate bool) int {
	if isCorporate {
		return 100
	}
	return 0
}

// CapacityEstimate is a flat multiplier pending a wealth-screening integration.
func CapacityEstimate(lifetimeGiving float64) float64 {
	return lifetimeGiving * capacityMultiplier
}

// Input is everything needed to score one constituent.
type Input struct {
	Constituent     domain.Constituent
	LastInteraction *time.Time
	HasActive       bool
}

// Compute scores one constituent as of asOf. Aggregates must be finite and
// non-negative.
func Compute(in Input, asOf, now time.Time) (domain.Score, error) {
	c := in.Constituent
	if err := checkAggregate("lifetime_giving", c.LifetimeGiving); err != nil {
		return domain.Score{}, err
	}
	if err := checkAggregate("lifetime_ticket_spend", c.LifetimeTicketSpend); err != nil {
		return domain.Score{}, err
	}
	days := DaysSinceTouch(asOf, in.LastInteraction)
	return domain.Score{
		ConstituentID:       c.ID,
		AsOfDate:            truncateDay(asOf).Format("2006-01-02"),
		RenewalRisk:         RenewalRisk(days),
		AskReadiness:        AskReadiness(in.HasActive, days),
		TicketPropensity:    TicketPropensity(c.LifetimeTicketSpend),
		CorporatePropensity: CorporatePropensity(c.IsCorporate),
		CapacityEstimate:    CapacityEstimate(c.LifetimeGiving),
		DaysSinceTouch:      days,
		ComputedAt:          now.UTC(),
	}, nil
}

func checkAggregate(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s is not a finite number", name)
	}
	if v < 0 {
		return fmt.Errorf("%s is negative", name)
	}
	return nil
}
