package rules

import (
	"sort"
	"time"

	"github.com/google/cel-go/cel"

	"revline/internal/domain"
)

// Action is the outcome a collision rule prescribes.
type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
)

// RuleSet is a parsed, validated and compiled rule document.
type RuleSet struct {
	Name           string          `json:"name"`
	Version        string          `json:"version"`
	Description    string          `json:"description,omitempty"`
	RoutingRules   []RoutingRule   `json:"routing_rules"`
	CollisionRules []CollisionRule `json:"collision_rules,omitempty"`

	// Digest is the blake3 hash of the canonical JSON form of the document.
	Digest string `json:"-"`
	// Origin names where the document was loaded from.
	Origin string `json:"-"`

	routing   []*RoutingRule
	collision []*CollisionRule
}

type RoutingRule struct {
	Name     string      `json:"name"`
	Priority int         `json:"priority"`
	When     RoutingWhen `json:"when"`
	Then     RoutingThen `json:"then"`

	prg cel.Program
}

// RoutingWhen holds the predicate. Every non-empty field must hold for a match.
// AmountMin is inclusive and AmountMax exclusive.
type RoutingWhen struct {
	Types       []domain.OpportunityType `json:"types,omitempty"`
	AmountMin   *float64                 `json:"amount_min,omitempty"`
	AmountMax   *float64                 `json:"amount_max,omitempty"`
	CapacityMin *float64                 `json:"capacity_min,omitempty"`
	Expr        string                   `json:"expr,omitempty"`
}

type RoutingThen struct {
	PrimaryRole    string          `json:"primary_role"`
	SecondaryRoles []string        `json:"secondary_roles,omitempty"`
	TaskPriority   domain.Priority `json:"task_priority"`
	CreateTask     bool            `json:"create_task"`
	TaskType       string          `json:"task_type,omitempty"`
}

type CollisionRule struct {
	Name     string        `json:"name"`
	Priority int           `json:"priority"`
	When     CollisionWhen `json:"when"`
	Then     CollisionThen `json:"then"`

	prg cel.Program
}

// CollisionWhen describes which existing solicitation conflicts with an
// incoming opportunity.
type CollisionWhen struct {
	Existing         string                   `json:"existing"`
	ExistingTypes    []domain.OpportunityType `json:"existing_types,omitempty"`
	ExistingStatuses []string                 `json:"existing_statuses,omitempty"`
	IncomingTypes    []domain.OpportunityType `json:"incoming_types,omitempty"`
	SameType         bool                     `json:"same_type,omitempty"`
	Expr             string                   `json:"expr,omitempty"`
}

type CollisionThen struct {
	Action     Action `json:"action"`
	WindowDays int    `json:"window_days"`
	Message    string `json:"message,omitempty"`
}

// Window is the lookback of the rule as a duration.
func (r *CollisionRule) Window() time.Duration {
	return time.Duration(r.Then.WindowDays) * 24 * time.Hour
}

// InWindow reports whether a solicitation last updated at updated is still
// recent enough at now for the rule to apply.
func (r *CollisionRule) InWindow(updated, now time.Time) bool {
	return now.Sub(updated) <= r.Window()
}

// Routing returns the routing rules in evaluation order: priority descending,
// ties kept in declaration order.
func (rs *RuleSet) Routing() []*RoutingRule {
	return rs.routing
}

// Collision returns the collision rules in evaluation order.
func (rs *RuleSet) Collision() []*CollisionRule {
	return rs.collision
}

// MaxWindow is the widest collision lookback in the set, or zero.
func (rs *RuleSet) MaxWindow() time.Duration {
	var max time.Duration
	for _, r := range rs.collision {
		if w := r.Window(); w > max {
			max = w
		}
	}
	return max
}

func (rs *RuleSet) order() {
	rs.routing = make([]*RoutingRule, len(rs.RoutingRules))
	for i := range rs.RoutingRules {
		rs.routing[i] = &rs.RoutingRules[i]
	}
	sort.SliceStable(rs.routing, func(i, j int) bool {
		return rs.routing[i].Priority > rs.routing[j].Priority
	})
	rs.collision = make([]*CollisionRule, len(rs.CollisionRules))
	for i := range rs.CollisionRules {
		rs.collision[i] = &rs.CollisionRules[i]
	}
	sort.SliceStable(rs.collision, func(i, j int) bool {
		return rs.collision[i].Priority > rs.collision[j].Priority
	})
}

// RoutingInput is what a routing predicate sees about an opportunity.
type RoutingInput struct {
	Type   domain.OpportunityType
	Amount float64
	Score  *domain.Score
}

// Matches reports whether the rule's predicate holds for in.
func (r *RoutingRule) Matches(in RoutingInput) (bool, error) {
	w := r.When
	if len(w.Types) > 0 && !containsType(w.Types, in.Type) {
		return false, nil
	}
	if w.AmountMin != nil && in.Amount < *w.AmountMin {
		return false, nil
	}
	if w.AmountMax != nil && in.Amount >= *w.AmountMax {
		return false, nil
	}
	if w.CapacityMin != nil && (in.Score == nil || in.Score.CapacityEstimate < *w.CapacityMin) {
		return false, nil
	}
	if r.prg == nil {
		return true, nil
	}
	return evalBool(r.prg, routingVars(in))
}

// CollisionInput pairs an existing solicitation with the incoming opportunity.
type CollisionInput struct {
	Existing     domain.Solicitation
	IncomingType domain.OpportunityType
	Amount       float64
	Now          time.Time
}

// Matches checks the predicate only; callers combine it with InWindow.
func (r *CollisionRule) Matches(in CollisionInput) (bool, error) {
	w := r.When
	if w.Existing != in.Existing.Kind {
		return false, nil
	}
	if len(w.ExistingTypes) > 0 && !containsType(w.ExistingTypes, in.Existing.Type) {
		return false, nil
	}
	if len(w.ExistingStatuses) > 0 && !containsString(w.ExistingStatuses, in.Existing.Status) {
		return false, nil
	}
	if len(w.IncomingTypes) > 0 && !containsType(w.IncomingTypes, in.IncomingType) {
		return false, nil
	}
	if w.SameType && in.Existing.Type != in.IncomingType {
		return false, nil
	}
	if r.prg == nil {
		return true, nil
	}
	return evalBool(r.prg, collisionVars(in))
}

// catchAll reports whether the rule matches every opportunity of type t.
func (r *RoutingRule) catchAll(t domain.OpportunityType) bool {
	w := r.When
	if len(w.Types) > 0 && !containsType(w.Types, t) {
		return false
	}
	if w.AmountMin != nil && *w.AmountMin > 0 {
		return false
	}
	return w.AmountMax == nil && w.CapacityMin == nil && w.Expr == ""
}

// MissingCatchAll lists opportunity types that some valid input could reach
// without any routing rule matching.
func (rs *RuleSet) MissingCatchAll() []domain.OpportunityType {
	var missing []domain.OpportunityType
	for _, t := range domain.OpportunityTypes {
		covered := false
		for _, r := range rs.routing {
			if r.catchAll(t) {
				covered = true
				break
			}
		}
		if !covered {
			missing = append(missing, t)
		}
	}
	return missing
}

func containsType(list []domain.OpportunityType, t domain.OpportunityType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
