package domain

import "time"

type OpportunityType string

const (
	OpportunityTicket    OpportunityType = "ticket"
	OpportunityMajorGift OpportunityType = "major_gift"
	OpportunityCorporate OpportunityType = "corporate"
)

// OpportunityTypes lists every type a routing rule set must cover.
var OpportunityTypes = []OpportunityType{OpportunityTicket, OpportunityMajorGift, OpportunityCorporate}

func (t OpportunityType) Valid() bool {
	switch t {
	case OpportunityTicket, OpportunityMajorGift, OpportunityCorporate:
		return true
	}
	return false
}

const (
	OpportunityActive = "active"
	OpportunityWon    = "won"
	OpportunityLost   = "lost"
	OpportunityPaused = "paused"
)

const (
	ProposalDraft           = "draft"
	ProposalPendingApproval = "pending_approval"
	ProposalApproved        = "approved"
	ProposalRejected        = "rejected"
	ProposalSent            = "sent"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"

	AskReady    = "ready"
	AskNotReady = "not_ready"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Rank orders priorities for queue sorting; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

const (
	TaskCultivation      = "cultivation"
	TaskRenewal          = "renewal"
	TaskFollowUp         = "follow_up"
	TaskProposalRequired = "proposal_required"
	TaskReviewRequired   = "review_required"
)

const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
)

// TaskTerminal reports whether no further transition is allowed from status.
func TaskTerminal(status string) bool {
	return status == TaskCompleted || status == TaskCancelled
}

type Constituent struct {
	ID                  string    `json:"id"`
	DisplayName         string    `json:"display_name,omitempty"`
	LifetimeGiving      float64   `json:"lifetime_giving"`
	LifetimeTicketSpend float64   `json:"lifetime_ticket_spend"`
	IsDonor             bool      `json:"is_donor"`
	IsTicketHolder      bool      `json:"is_ticket_holder"`
	IsCorporate         bool      `json:"is_corporate"`
	AffinityTag         string    `json:"affinity_tag,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

type Interaction struct {
	ID            string    `json:"id"`
	ConstituentID string    `json:"constituent_id"`
	Kind          string    `json:"kind" enum:"email,call,meeting,event,proposal_sent"`
	OccurredAt    time.Time `json:"occurred_at"`
}

type Score struct {
	ConstituentID       string    `json:"constituent_id"`
	AsOfDate            string    `json:"as_of_date" example:"2026-03-01"`
	RenewalRisk         string    `json:"renewal_risk" enum:"low,medium,high"`
	AskReadiness        string    `json:"ask_readiness" enum:"ready,not_ready"`
	TicketPropensity    int       `json:"ticket_propensity" minimum:"0" maximum:"100"`
	CorporatePropensity int       `json:"corporate_propensity" minimum:"0" maximum:"100"`
	CapacityEstimate    float64   `json:"capacity_estimate" minimum:"0"`
	DaysSinceTouch      *int      `json:"days_since_touch,omitempty"`
	ComputedAt          time.Time `json:"computed_at"`
}

type Opportunity struct {
	ID             string          `json:"id"`
	ConstituentID  string          `json:"constituent_id"`
	Type           OpportunityType `json:"type" enum:"ticket,major_gift,corporate"`
	Status         string          `json:"status" enum:"active,won,lost,paused"`
	Amount         float64         `json:"amount"`
	OwnerRole      *string         `json:"owner_role,omitempty"`
	OwnerUserID    *string         `json:"owner_user_id,omitempty"`
	SecondaryRoles []string        `json:"secondary_roles,omitempty"`
	TaskID         *string         `json:"task_id,omitempty"`
	RoutedAt       *time.Time      `json:"routed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Proposal struct {
	ID            string    `json:"id"`
	ConstituentID string    `json:"constituent_id"`
	OpportunityID *string   `json:"opportunity_id,omitempty"`
	Status        string    `json:"status" enum:"draft,pending_approval,approved,rejected,sent"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Solicitation kinds seen by the collision detector.
const (
	KindOpportunity = "opportunity"
	KindProposal    = "proposal"
)

// Solicitation is an existing opportunity or proposal considered for collisions.
type Solicitation struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Type      OpportunityType `json:"type,omitempty"`
	Status    string          `json:"status"`
	UpdatedAt time.Time       `json:"updated_at"`
	// OpportunityID is the opportunity a proposal belongs to, if any.
	OpportunityID string `json:"opportunity_id,omitempty"`
}

type Task struct {
	ID             string     `json:"id"`
	Type           string     `json:"type" enum:"cultivation,renewal,follow_up,proposal_required,review_required"`
	Priority       Priority   `json:"priority" enum:"high,medium,low"`
	Status         string     `json:"status" enum:"pending,in_progress,completed,cancelled"`
	Title          string     `json:"title,omitempty"`
	AssignedRole   string     `json:"assigned_role"`
	AssignedUserID *string    `json:"assigned_user_id,omitempty"`
	OpportunityID  *string    `json:"opportunity_id,omitempty"`
	ConstituentID  *string    `json:"constituent_id,omitempty"`
	DueAt          *time.Time `json:"due_at,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StoredRuleSet is one imported version of a rule set document.
type StoredRuleSet struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Format    string `json:"format"`
	Document  string `json:"document"`
	Digest    string `json:"digest"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
