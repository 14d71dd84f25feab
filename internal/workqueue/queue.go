// Package workqueue reads task queues and mediates claim, status and release.
package workqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"revline/internal/domain"
	"revline/internal/engine/auth"
	"revline/internal/events"
	"revline/internal/repo"
	"revline/internal/telemetry"
)

type Mode string

const (
	ModeUser     Mode = "user"
	ModeRole     Mode = "role"
	ModeCombined Mode = "combined"
)

func (m Mode) Valid() bool {
	return m == ModeUser || m == ModeRole || m == ModeCombined
}

const (
	DefaultPageSize = 25
	MaxPageSize     = 200
)

// DefaultStatuses is the status filter used when none is given.
var DefaultStatuses = []string{domain.TaskPending, domain.TaskInProgress}

type Identity struct {
	UserID string
	Roles  []string
}

type Query struct {
	Mode     Mode
	Identity Identity
	Statuses []string
	Page     int
	PageSize int
}

type Page struct {
	Tasks         []domain.Task            `json:"tasks"`
	GroupedByType map[string][]domain.Task `json:"grouped_by_type"`
	Total         int                      `json:"total"`
	Page          int                      `json:"page"`
	PageSize      int                      `json:"page_size"`
}

// TransitionError rejects a status change the lifecycle does not allow.
type TransitionError struct {
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

// CheckTransition enforces the task lifecycle. Completed and cancelled are final.
func CheckTransition(from, to string) error {
	switch from {
	case domain.TaskPending:
		if to == domain.TaskInProgress || to == domain.TaskCompleted || to == domain.TaskCancelled {
			return nil
		}
	case domain.TaskInProgress:
		if to == domain.TaskPending || to == domain.TaskCompleted || to == domain.TaskCancelled {
			return nil
		}
	}
	return &TransitionError{From: from, To: to}
}

type Queue struct {
	Repo    repo.Repo
	Events  events.Writer
	Now     func() time.Time
	Metrics *telemetry.Metrics
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now().UTC()
	}
	return time.Now().UTC()
}

// List returns one page of the queue ordered by priority, then due date with
// undated tasks last.
func (q Queue) List(ctx context.Context, query Query) (Page, error) {
	page, size := query.Page, query.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	statuses := query.Statuses
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}
	out := Page{Tasks: []domain.Task{}, GroupedByType: map[string][]domain.Task{}, Page: page, PageSize: size}

	f := repo.QueueFilter{Statuses: statuses, Limit: size, Offset: (page - 1) * size}
	switch query.Mode {
	case ModeUser:
		f.UserID = query.Identity.UserID
	case ModeRole:
		f.Roles = query.Identity.Roles
	default:
		f.UserID = query.Identity.UserID
		f.Roles = query.Identity.Roles
	}
	if f.UserID == "" && len(f.Roles) == 0 {
		return out, nil
	}
	tasks, total, err := q.Repo.ListQueue(ctx, f)
	if err != nil {
		return out, err
	}
	out.Total = total
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, t)
		out.GroupedByType[t.Type] = append(out.GroupedByType[t.Type], t)
	}
	return out, nil
}

// Claim assigns an unclaimed task to userID. Losing a concurrent claim returns
// repo.ErrClaimConflict; claiming a task the user already owns succeeds.
func (q Queue) Claim(ctx context.Context, taskID, userID string) (domain.Task, error) {
	now := q.now()
	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()
	err = q.Repo.ClaimTask(ctx, tx, taskID, userID, now)
	if errors.Is(err, repo.ErrClaimConflict) {
		_ = tx.Rollback()
		t, gerr := q.Repo.GetTask(ctx, taskID)
		if gerr == nil && t.AssignedUserID != nil && *t.AssignedUserID == userID {
			return t, nil
		}
		q.Metrics.ClaimConflict(ctx)
		return domain.Task{}, err
	}
	if err != nil {
		return domain.Task{}, err
	}
	if err := q.Events.Append(ctx, tx, events.TaskClaimed, "task", taskID, userID, events.EventPayload{"claimed_at": repo.FormatTime(now)}); err != nil {
		return domain.Task{}, err
	}
	t, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateStatus moves a task the caller owns to status. Setting the current
// status again is a no-op.
func (q Queue) UpdateStatus(ctx context.Context, taskID, userID, status string) (domain.Task, error) {
	now := q.now()
	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()
	t, err := q.ownedTask(ctx, tx, taskID, userID)
	if err != nil {
		return domain.Task{}, err
	}
	if domain.TaskTerminal(t.Status) {
		return domain.Task{}, repo.ErrTaskClosed
	}
	if t.Status == status {
		return t, nil
	}
	if err := CheckTransition(t.Status, status); err != nil {
		return domain.Task{}, err
	}
	if err := q.Repo.TransitionTask(ctx, tx, taskID, userID, t.Status, status, now); err != nil {
		return domain.Task{}, err
	}
	if err := q.Events.Append(ctx, tx, events.TaskStatusChanged, "task", taskID, userID, events.EventPayload{"from": t.Status, "to": status}); err != nil {
		return domain.Task{}, err
	}
	updated, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// Release hands an open task the caller owns back to its role queue.
func (q Queue) Release(ctx context.Context, taskID, userID string) (domain.Task, error) {
	now := q.now()
	tx, err := q.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer func() { _ = tx.Rollback() }()
	t, err := q.ownedTask(ctx, tx, taskID, userID)
	if err != nil {
		return domain.Task{}, err
	}
	if domain.TaskTerminal(t.Status) {
		return domain.Task{}, repo.ErrTaskClosed
	}
	if err := q.Repo.ReleaseTask(ctx, tx, taskID, userID, now); err != nil {
		return domain.Task{}, err
	}
	if err := q.Events.Append(ctx, tx, events.TaskReleased, "task", taskID, userID, events.EventPayload{"role": t.AssignedRole}); err != nil {
		return domain.Task{}, err
	}
	released, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return released, nil
}

func (q Queue) ownedTask(ctx context.Context, tx *sql.Tx, taskID, userID string) (domain.Task, error) {
	t, err := q.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.AssignedUserID == nil || *t.AssignedUserID != userID {
		return domain.Task{}, auth.ForbiddenError{Permission: auth.PermTaskOwner}
	}
	return t, nil
}
