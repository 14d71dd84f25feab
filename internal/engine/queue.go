package engine

import (
	"context"

	"revline/internal/domain"
	"revline/internal/workqueue"
)

type QueueRequest struct {
	Mode     string
	Actor    Actor
	Statuses []string
	Page     int
	PageSize int
}

func validTaskStatus(s string) bool {
	switch s {
	case domain.TaskPending, domain.TaskInProgress, domain.TaskCompleted, domain.TaskCancelled:
		return true
	}
	return false
}

// GetWorkQueue lists the caller's tasks. Role and combined views use the
// asserted roles merged with the stored grants.
func (e Engine) GetWorkQueue(ctx context.Context, req QueueRequest) (workqueue.Page, error) {
	mode := workqueue.Mode(req.Mode)
	if mode == "" {
		mode = workqueue.ModeCombined
	}
	if !mode.Valid() {
		return workqueue.Page{}, invalid("mode", "must be user, role or combined")
	}
	if req.Page < 0 {
		return workqueue.Page{}, invalid("page", "must be at least 1")
	}
	if req.PageSize < 0 || req.PageSize > workqueue.MaxPageSize {
		return workqueue.Page{}, invalid("page_size", "must be between 1 and %d", workqueue.MaxPageSize)
	}
	for _, s := range req.Statuses {
		if !validTaskStatus(s) {
			return workqueue.Page{}, invalid("status", "unknown task status %q", s)
		}
	}
	if mode == workqueue.ModeUser {
		if err := required("user_id", req.Actor.UserID); err != nil {
			return workqueue.Page{}, err
		}
	}
	roles, err := e.roles(ctx, req.Actor)
	if err != nil {
		return workqueue.Page{}, err
	}
	if mode == workqueue.ModeRole && len(roles) == 0 {
		return workqueue.Page{}, invalid("roles", "at least one role is required for the role queue")
	}
	return e.queue().List(ctx, workqueue.Query{
		Mode:     mode,
		Identity: workqueue.Identity{UserID: req.Actor.UserID, Roles: roles},
		Statuses: req.Statuses,
		Page:     req.Page,
		PageSize: req.PageSize,
	})
}

// ClaimTask assigns an unclaimed task to userID.
func (e Engine) ClaimTask(ctx context.Context, taskID, userID string) (domain.Task, error) {
	if err := required("task_id", taskID); err != nil {
		return domain.Task{}, err
	}
	if err := required("user_id", userID); err != nil {
		return domain.Task{}, err
	}
	return e.queue().Claim(ctx, taskID, userID)
}

// UpdateTaskStatus changes the status of a task owned by userID.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, userID, status string) (domain.Task, error) {
	if err := required("task_id", taskID); err != nil {
		return domain.Task{}, err
	}
	if err := required("user_id", userID); err != nil {
		return domain.Task{}, err
	}
	if !validTaskStatus(status) {
		return domain.Task{}, invalid("status", "unknown task status %q", status)
	}
	return e.queue().UpdateStatus(ctx, taskID, userID, status)
}

// ReleaseTask returns a task owned by userID to its role queue.
func (e Engine) ReleaseTask(ctx context.Context, taskID, userID string) (domain.Task, error) {
	if err := required("task_id", taskID); err != nil {
		return domain.Task{}, err
	}
	if err := required("user_id", userID); err != nil {
		return domain.Task{}, err
	}
	return e.queue().Release(ctx, taskID, userID)
}
