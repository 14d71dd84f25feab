package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"revline/internal/collision"
	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/repo"
	"revline/internal/routing"
	"revline/internal/rules"
	"revline/internal/taskgen"
)

// RouteRequest routes either an existing opportunity (OpportunityID) or a new
// one described by ConstituentID, Type and Amount.
type RouteRequest struct {
	OpportunityID string
	ConstituentID string
	Type          domain.OpportunityType
	Amount        float64
	Override      bool
	ActorID       string
}

type RouteResult struct {
	OpportunityID  string                `json:"opportunity_id,omitempty"`
	Blocked        bool                  `json:"blocked"`
	Overridden     bool                  `json:"overridden"`
	Collisions     []collision.Collision `json:"collisions"`
	Rule           string                `json:"rule,omitempty"`
	PrimaryRole    string                `json:"primary_owner_role,omitempty"`
	SecondaryRoles []string              `json:"secondary_owner_roles"`
	TaskPriority   domain.Priority       `json:"task_priority,omitempty"`
	Changed        bool                  `json:"assignment_changed"`
	TaskCreated    bool                  `json:"task_created"`
	TaskID         string                `json:"task_id,omitempty"`
	Partial        bool                  `json:"partial"`
	TaskError      string                `json:"task_error,omitempty"`
	RuleSetVersion string                `json:"rule_set_version"`
	RuleSetDigest  string                `json:"rule_set_digest"`
}

// RouteOpportunity runs collision detection and routing for one opportunity.
// A blocked opportunity leaves no trace beyond the routing.blocked audit
// event. Task creation failure after a committed assignment is reported as a
// partial result.
func (e Engine) RouteOpportunity(ctx context.Context, req RouteRequest) (RouteResult, error) {
	opp, existing, err := e.routeTarget(ctx, req)
	if err != nil {
		return RouteResult{}, err
	}
	rs, err := e.CurrentRuleSet(ctx)
	if err != nil {
		return RouteResult{}, err
	}
	var score *domain.Score
	if s, err := e.Repo.LatestScore(ctx, opp.ConstituentID); err == nil {
		score = &s
	} else if !errors.Is(err, repo.ErrNotFound) {
		return RouteResult{}, fmt.Errorf("load score: %w", err)
	}

	routeReq := routing.Request{
		ConstituentID: opp.ConstituentID,
		Type:          opp.Type,
		Amount:        opp.Amount,
		Score:         score,
		Override:      req.Override,
	}
	if existing {
		routeReq.OpportunityID = opp.ID
	}
	out, err := e.router().Route(ctx, rs, routeReq)
	if err != nil {
		return RouteResult{}, err
	}

	res := RouteResult{
		Blocked:        out.Blocked(),
		Overridden:     out.Collision.Overridden,
		Collisions:     out.Collision.Collisions,
		SecondaryRoles: []string{},
		RuleSetVersion: rs.Version,
		RuleSetDigest:  rs.Digest,
	}
	if res.Collisions == nil {
		res.Collisions = []collision.Collision{}
	}
	if existing {
		res.OpportunityID = opp.ID
	}
	if out.Blocked() {
		e.logger().Info("routing blocked", "constituent", opp.ConstituentID, "type", opp.Type, "collisions", len(res.Collisions))
		if err := e.events().AppendNow(ctx, events.RoutingBlocked, "constituent", opp.ConstituentID, req.ActorID, events.EventPayload{
			"type":           opp.Type,
			"amount":         opp.Amount,
			"opportunity_id": res.OpportunityID,
			"collisions":     res.Collisions,
			"rules_digest":   rs.Digest,
		}); err != nil {
			return res, err
		}
		return res, nil
	}

	dec := *out.Decision
	res.Rule = dec.Rule
	res.PrimaryRole = dec.PrimaryRole
	res.SecondaryRoles = dec.SecondaryRoles
	res.TaskPriority = dec.TaskPriority

	opp, changed, err := e.assign(ctx, opp, existing, dec, out.Collision, rs, req.ActorID)
	if err != nil {
		return RouteResult{}, err
	}
	res.OpportunityID = opp.ID
	res.Changed = changed
	if opp.TaskID != nil {
		res.TaskID = *opp.TaskID
	}

	if dec.CreateTask && changed {
		task, err := e.generator().Create(ctx, taskgen.Context{
			Opportunity: opp,
			Decision:    dec,
			Overridden:  out.Collision.Overridden,
			ActorID:     req.ActorID,
		})
		if err != nil {
			e.logger().Warn("task creation failed after routing", "opportunity", opp.ID, "role", dec.PrimaryRole, "err", err)
			res.Partial = true
			res.TaskError = err.Error()
			e.Metrics.RoutingOutcome(ctx, "partial")
			return res, nil
		}
		res.TaskCreated = true
		res.TaskID = task.ID
	}
	if changed {
		e.Metrics.RoutingOutcome(ctx, "routed")
	} else {
		e.Metrics.RoutingOutcome(ctx, "unchanged")
	}
	return res, nil
}

// routeTarget validates the request and returns the opportunity to route.
// For a new opportunity the returned value is not yet persisted.
func (e Engine) routeTarget(ctx context.Context, req RouteRequest) (domain.Opportunity, bool, error) {
	if req.OpportunityID != "" {
		opp, err := e.Repo.GetOpportunity(ctx, req.OpportunityID)
		if err != nil {
			return opp, true, fmt.Errorf("opportunity %s: %w", req.OpportunityID, err)
		}
		return opp, true, nil
	}
	if err := required("constituent_id", req.ConstituentID); err != nil {
		return domain.Opportunity{}, false, err
	}
	if !req.Type.Valid() {
		return domain.Opportunity{}, false, invalid("type", "unknown opportunity type %q", req.Type)
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount < 0 {
		return domain.Opportunity{}, false, invalid("amount", "must be a finite non-negative number")
	}
	if _, err := e.Repo.GetConstituent(ctx, req.ConstituentID); err != nil {
		return domain.Opportunity{}, false, fmt.Errorf("constituent %s: %w", req.ConstituentID, err)
	}
	now := e.now()
	return domain.Opportunity{
		ID:            uuid.NewString(),
		ConstituentID: req.ConstituentID,
		Type:          req.Type,
		Status:        domain.OpportunityActive,
		Amount:        req.Amount,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, false, nil
}

// assign persists the owner for opp in one transaction with its audit events.
// An existing opportunity already owned by the primary role is left untouched.
func (e Engine) assign(ctx context.Context, opp domain.Opportunity, existing bool, dec routing.Decision, col collision.Result, rs *rules.RuleSet, actorID string) (domain.Opportunity, bool, error) {
	if existing && opp.OwnerRole != nil && *opp.OwnerRole == dec.PrimaryRole {
		return opp, false, nil
	}
	now := e.now()
	prevOwner := ""
	if opp.OwnerRole != nil {
		prevOwner = *opp.OwnerRole
	}
	primary := dec.PrimaryRole
	opp.OwnerRole = &primary
	opp.SecondaryRoles = dec.SecondaryRoles
	opp.RoutedAt = &now
	opp.UpdatedAt = now

	w := e.events()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return opp, false, err
	}
	defer func() { _ = tx.Rollback() }()
	if existing {
		if err := e.Repo.SetOpportunityOwner(ctx, tx, opp.ID, primary, dec.SecondaryRoles, now); err != nil {
			return opp, false, fmt.Errorf("set owner: %w", err)
		}
		// The open task of the previous owner no longer applies.
		if opp.TaskID != nil {
			cancelled, err := e.Repo.CancelOpenTask(ctx, tx, *opp.TaskID, now)
			if err != nil {
				return opp, false, fmt.Errorf("cancel superseded task: %w", err)
			}
			if cancelled {
				if err := w.Append(ctx, tx, events.TaskStatusChanged, "task", *opp.TaskID, actorID, events.EventPayload{
					"to":          domain.TaskCancelled,
					"reason":      "superseded",
					"opportunity": opp.ID,
				}); err != nil {
					return opp, false, err
				}
			}
		}
	} else {
		if err := e.Repo.InsertOpportunity(ctx, tx, opp); err != nil {
			return opp, false, fmt.Errorf("insert opportunity: %w", err)
		}
		if err := w.Append(ctx, tx, events.OpportunityCreated, "opportunity", opp.ID, actorID, events.EventPayload{
			"constituent_id": opp.ConstituentID,
			"type":           opp.Type,
			"amount":         opp.Amount,
		}); err != nil {
			return opp, false, err
		}
	}
	if err := w.Append(ctx, tx, events.OpportunityRouted, "opportunity", opp.ID, actorID, events.EventPayload{
		"rule":            dec.Rule,
		"from":            prevOwner,
		"primary_role":    primary,
		"secondary_roles": dec.SecondaryRoles,
		"task_priority":   dec.TaskPriority,
		"rules_version":   rs.Version,
		"rules_digest":    rs.Digest,
	}); err != nil {
		return opp, false, err
	}
	if col.Overridden {
		if err := w.Append(ctx, tx, events.CollisionOverride, "opportunity", opp.ID, actorID, events.EventPayload{
			"collisions":   col.Collisions,
			"rules_digest": rs.Digest,
		}); err != nil {
			return opp, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return opp, false, err
	}
	return opp, true, nil
}
