// Package routing assigns an opportunity to its owning role using the first
// matching routing rule, after the collision detector has had its say.
package routing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"revline/internal/collision"
	"revline/internal/domain"
	"revline/internal/rules"
	"revline/internal/telemetry"
)

// NoMatchingRuleError means the rule set has no rule for the opportunity.
// Routing never falls back to a default owner.
type NoMatchingRuleError struct {
	Type    domain.OpportunityType
	Amount  float64
	RuleSet string
}

func (e *NoMatchingRuleError) Error() string {
	return fmt.Sprintf("no routing rule in %q matches %s opportunity of amount %.2f", e.RuleSet, e.Type, e.Amount)
}

// Decision is the effect of the winning rule.
type Decision struct {
	Rule           string          `json:"rule"`
	PrimaryRole    string          `json:"primary_owner_role"`
	SecondaryRoles []string        `json:"secondary_owner_roles"`
	TaskPriority   domain.Priority `json:"task_priority"`
	CreateTask     bool            `json:"create_task"`
	TaskType       string          `json:"task_type,omitempty"`
}

// Evaluate walks the rules in priority order and returns the first match.
func Evaluate(rs *rules.RuleSet, in rules.RoutingInput) (Decision, error) {
	for _, r := range rs.Routing() {
		ok, err := r.Matches(in)
		if err != nil {
			return Decision{}, fmt.Errorf("routing rule %q: %w", r.Name, err)
		}
		if !ok {
			continue
		}
		secondary := append([]string{}, r.Then.SecondaryRoles...)
		return Decision{
			Rule:           r.Name,
			PrimaryRole:    r.Then.PrimaryRole,
			SecondaryRoles: secondary,
			TaskPriority:   r.Then.TaskPriority,
			CreateTask:     r.Then.CreateTask,
			TaskType:       r.Then.TaskType,
		}, nil
	}
	return Decision{}, &NoMatchingRuleError{Type: in.Type, Amount: in.Amount, RuleSet: rs.Name}
}

type Request struct {
	ConstituentID string
	OpportunityID string
	Type          domain.OpportunityType
	Amount        float64
	// Score is the constituent's latest score, used by capacity-aware rules.
	Score    *domain.Score
	Override bool
}

// Outcome carries the collision result and, when not blocked, the decision.
type Outcome struct {
	Collision collision.Result
	Decision  *Decision
}

func (o Outcome) Blocked() bool { return o.Collision.Blocked }

type Router struct {
	Detector collision.Detector
	Tracer   trace.Tracer
	Metrics  *telemetry.Metrics
}

// Route runs collision detection first and stops there when blocked.
func (r Router) Route(ctx context.Context, rs *rules.RuleSet, req Request) (Outcome, error) {
	tracer := r.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	ctx, span := tracer.Start(ctx, "routing.route", trace.WithAttributes(
		attribute.String("opportunity.type", string(req.Type)),
		attribute.String("rules.digest", rs.Digest)))
	defer span.End()

	col, err := r.Detector.Detect(ctx, rs, collision.Request{
		ConstituentID:        req.ConstituentID,
		IncomingType:         req.Type,
		Amount:               req.Amount,
		Override:             req.Override,
		ExcludeOpportunityID: req.OpportunityID,
	})
	if err != nil {
		r.Metrics.RoutingOutcome(ctx, "error")
		return Outcome{}, err
	}
	out := Outcome{Collision: col}
	if col.Blocked {
		span.SetAttributes(attribute.Bool("blocked", true))
		r.Metrics.RoutingOutcome(ctx, "blocked")
		return out, nil
	}
	dec, err := Evaluate(rs, rules.RoutingInput{Type: req.Type, Amount: req.Amount, Score: req.Score})
	if err != nil {
		r.Metrics.RoutingOutcome(ctx, "error")
		return out, err
	}
	span.SetAttributes(attribute.String("rule", dec.Rule), attribute.String("primary_role", dec.PrimaryRole))
	out.Decision = &dec
	return out, nil
}
