// Package taskgen turns a routing decision into a work item.
package taskgen

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"revline/internal/domain"
	"revline/internal/events"
	"revline/internal/repo"
	"revline/internal/routing"
)

// DueOffsets maps priority to the time allowed before a task is due.
type DueOffsets map[domain.Priority]time.Duration

func DefaultDueOffsets() DueOffsets {
	return DueOffsets{
		domain.PriorityHigh:   3 * 24 * time.Hour,
		domain.PriorityMedium: 7 * 24 * time.Hour,
		domain.PriorityLow:    14 * 24 * time.Hour,
	}
}

// Context is what the generator knows about the routed opportunity.
type Context struct {
	Opportunity domain.Opportunity
	Decision    routing.Decision
	// Overridden means a collision block was suppressed to get here.
	Overridden bool
	ActorID    string
}

// TaskType picks the work item type for a routed opportunity.
func TaskType(c Context) string {
	if c.Overridden {
		return domain.TaskReviewRequired
	}
	if c.Decision.TaskType != "" {
		return c.Decision.TaskType
	}
	switch c.Opportunity.Type {
	case domain.OpportunityTicket:
		return domain.TaskRenewal
	case domain.OpportunityMajorGift:
		return domain.TaskCultivation
	case domain.OpportunityCorporate:
		return domain.TaskProposalRequired
	}
	return domain.TaskFollowUp
}

type Generator struct {
	Repo    repo.Repo
	Events  events.Writer
	Offsets DueOffsets
	Now     func() time.Time
}

func (g Generator) offset(p domain.Priority) time.Duration {
	if d, ok := g.Offsets[p]; ok {
		return d
	}
	return DefaultDueOffsets()[p]
}

// Build returns the unsaved task for c.
func (g Generator) Build(c Context) domain.Task {
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	now = now.UTC()
	due := now.Add(g.offset(c.Decision.TaskPriority))
	oppID := c.Opportunity.ID
	constID := c.Opportunity.ConstituentID
	typ := TaskType(c)
	return domain.Task{
		ID:            uuid.NewString(),
		Type:          typ,
		Priority:      c.Decision.TaskPriority,
		Status:        domain.TaskPending,
		Title:         fmt.Sprintf("%s: %s opportunity %s", typ, c.Opportunity.Type, c.Opportunity.ID),
		AssignedRole:  c.Decision.PrimaryRole,
		OpportunityID: &oppID,
		ConstituentID: &constID,
		DueAt:         &due,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Create inserts the task, links it to the opportunity and records the event
// in one transaction.
func (g Generator) Create(ctx context.Context, c Context) (domain.Task, error) {
	task := g.Build(c)
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := g.create(ctx, tx, task, c); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (g Generator) create(ctx context.Context, tx *sql.Tx, task domain.Task, c Context) error {
	if err := g.Repo.InsertTask(ctx, tx, task); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := g.Repo.LinkOpportunityTask(ctx, tx, c.Opportunity.ID, task.ID); err != nil {
		return fmt.Errorf("link task: %w", err)
	}
	return g.Events.Append(ctx, tx, events.TaskCreated, "task", task.ID, c.ActorID, events.EventPayload{
		"type":           task.Type,
		"priority":       task.Priority,
		"assigned_role":  task.AssignedRole,
		"opportunity_id": c.Opportunity.ID,
		"due_at":         repo.FormatTime(*task.DueAt),
	})
}
