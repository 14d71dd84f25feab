// Package collision decides whether a new solicitation conflicts with what a
// constituent already has in flight.
package collision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"revline/internal/domain"
	"revline/internal/rules"
	"revline/internal/telemetry"
)

// Store reads the constituent's recent opportunities and proposals.
type Store interface {
	Solicitations(ctx context.Context, constituentID string, since time.Time) ([]domain.Solicitation, error)
}

type Request struct {
	ConstituentID string
	IncomingType  domain.OpportunityType
	Amount        float64
	Override      bool
	// ExcludeOpportunityID skips the opportunity being re-routed.
	ExcludeOpportunityID string
}

type Collision struct {
	Rule         string       `json:"rule"`
	Action       rules.Action `json:"action" enum:"block,warn"`
	WindowDays   int          `json:"window_days"`
	Message      string       `json:"message,omitempty"`
	ExistingKind string       `json:"existing_kind"`
	ExistingID   string       `json:"existing_id"`
}

type Result struct {
	Collisions []Collision `json:"collisions"`
	Blocked    bool        `json:"blocked"`
	// Overridden is set when the override flag suppressed at least one block.
	Overridden bool `json:"overridden"`
}

type Detector struct {
	Store   Store
	Now     func() time.Time
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics
}

// Detect evaluates every collision rule against every in-window solicitation
// and returns all matches, highest rule priority first.
func (d Detector) Detect(ctx context.Context, rs *rules.RuleSet, req Request) (Result, error) {
	tracer := d.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	ctx, span := tracer.Start(ctx, "collision.detect", trace.WithAttributes(
		attribute.String("constituent.id", req.ConstituentID),
		attribute.String("opportunity.type", string(req.IncomingType))))
	defer span.End()

	res := Result{Collisions: []Collision{}}
	ordered := rs.Collision()
	if len(ordered) == 0 {
		return res, nil
	}
	now := time.Now()
	if d.Now != nil {
		now = d.Now()
	}
	existing, err := d.Store.Solicitations(ctx, req.ConstituentID, now.Add(-rs.MaxWindow()))
	if err != nil {
		return res, fmt.Errorf("load solicitations: %w", err)
	}

	anyBlock := false
	for _, rule := range ordered {
		for _, s := range existing {
			if ownedBy(s, req.ExcludeOpportunityID) {
				continue
			}
			if !rule.InWindow(s.UpdatedAt, now) {
				continue
			}
			ok, err := rule.Matches(rules.CollisionInput{Existing: s, IncomingType: req.IncomingType, Amount: req.Amount, Now: now})
			if err != nil {
				return res, fmt.Errorf("collision rule %q: %w", rule.Name, err)
			}
			if !ok {
				continue
			}
			res.Collisions = append(res.Collisions, Collision{
				Rule:         rule.Name,
				Action:       rule.Then.Action,
				WindowDays:   rule.Then.WindowDays,
				Message:      rule.Then.Message,
				ExistingKind: s.Kind,
				ExistingID:   s.ID,
			})
			d.Metrics.Collision(ctx, rule.Name, string(rule.Then.Action))
			if rule.Then.Action == rules.ActionBlock {
				anyBlock = true
			}
		}
	}
	res.Blocked = anyBlock && !req.Override
	res.Overridden = anyBlock && req.Override
	span.SetAttributes(attribute.Int("collisions", len(res.Collisions)), attribute.Bool("blocked", res.Blocked))
	if res.Overridden {
		d.logger().Warn("collision block overridden", "constituent_id", req.ConstituentID, "type", req.IncomingType)
	}
	return res, nil
}

// ownedBy reports whether s is the opportunity being re-routed or one of its
// proposals.
func ownedBy(s domain.Solicitation, opportunityID string) bool {
	if opportunityID == "" {
		return false
	}
	switch s.Kind {
	case domain.KindOpportunity:
		return s.ID == opportunityID
	case domain.KindProposal:
		return s.OpportunityID == opportunityID
	}
	return false
}

func (d Detector) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
