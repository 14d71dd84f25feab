package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"revline/internal/domain"
)

const taskColumns = `id,type,priority,status,COALESCE(title,''),assigned_role,assigned_user_id,opportunity_id,constituent_id,due_at,claimed_at,completed_at,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var priority string
	var userID, oppID, constID, dueAt, claimedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	if err := scan(&t.ID, &t.Type, &priority, &t.Status, &t.Title, &t.AssignedRole, &userID, &oppID, &constID, &dueAt, &claimedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return t, err
	}
	t.Priority = domain.Priority(priority)
	t.AssignedUserID = optionalString(userID)
	t.OpportunityID = optionalString(oppID)
	t.ConstituentID = optionalString(constID)
	var err error
	if t.DueAt, err = parseNullTime(dueAt); err != nil {
		return t, err
	}
	if t.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return t, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO tasks(id,type,priority,status,title,assigned_role,assigned_user_id,opportunity_id,constituent_id,due_at,claimed_at,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.ID, t.Type, string(t.Priority), t.Status, nullable(t.Title), t.AssignedRole, nullableStringPtr(t.AssignedUserID),
		nullableStringPtr(t.OpportunityID), nullableStringPtr(t.ConstituentID), nullTime(t.DueAt), nullTime(t.ClaimedAt),
		nullTime(t.CompletedAt), FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := r.conn(tx).QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// QueueFilter selects work queue rows. UserID matches tasks assigned to the
// user; Roles matches unclaimed tasks of those roles. Both set means either.
type QueueFilter struct {
	UserID   string
	Roles    []string
	Statuses []string
	Limit    int
	Offset   int
}

const queueOrder = ` ORDER BY CASE priority WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC,
CASE WHEN due_at IS NULL THEN 1 ELSE 0 END, due_at, created_at, id`

func (f QueueFilter) where() (string, []any, error) {
	var ors []string
	var args []any
	if f.UserID != "" {
		ors = append(ors, "assigned_user_id=?")
		args = append(args, f.UserID)
	}
	if len(f.Roles) > 0 {
		ors = append(ors, "(assigned_user_id IS NULL AND assigned_role IN ("+placeholders(len(f.Roles))+"))")
		args = append(args, stringArgs(f.Roles)...)
	}
	if len(ors) == 0 {
		return "", nil, errors.New("queue filter requires a user or at least one role")
	}
	clause := "(" + strings.Join(ors, " OR ") + ")"
	if len(f.Statuses) > 0 {
		clause += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		args = append(args, stringArgs(f.Statuses)...)
	}
	return " WHERE " + clause, args, nil
}

// ListQueue returns one page of tasks in queue order plus the total match count.
func (r Repo) ListQueue(ctx context.Context, f QueueFilter) ([]domain.Task, int, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM tasks`+where), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + queueOrder
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, t)
	}
	return res, total, rows.Err()
}

// ClaimTask assigns an unclaimed open task to userID with a single conditional
// update. When the update matches nothing the current row explains why.
func (r Repo) ClaimTask(ctx context.Context, tx *sql.Tx, taskID, userID string, at time.Time) error {
	ts := FormatTime(at)
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE tasks SET assigned_user_id=?, claimed_at=?, updated_at=?
WHERE id=? AND assigned_user_id IS NULL AND status IN ('pending','in_progress')`), userID, ts, ts, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	t, err := r.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if domain.TaskTerminal(t.Status) {
		return ErrTaskClosed
	}
	return ErrClaimConflict
}

// TransitionTask moves a task owned by userID from one status to another.
func (r Repo) TransitionTask(ctx context.Context, tx *sql.Tx, taskID, userID, from, to string, at time.Time) error {
	ts := FormatTime(at)
	var completed any
	if to == domain.TaskCompleted {
		completed = ts
	}
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE tasks SET status=?, completed_at=?, updated_at=? WHERE id=? AND assigned_user_id=? AND status=?`),
		to, completed, ts, taskID, userID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleWrite
	}
	return nil
}

// CancelOpenTask cancels a task that is still pending or in progress and
// reports whether it did. Terminal tasks are left alone.
func (r Repo) CancelOpenTask(ctx context.Context, tx *sql.Tx, taskID string, at time.Time) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE tasks SET status='cancelled', updated_at=? WHERE id=? AND status IN ('pending','in_progress')`),
		FormatTime(at), taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseTask returns an open task owned by userID to its role queue.
func (r Repo) ReleaseTask(ctx context.Context, tx *sql.Tx, taskID, userID string, at time.Time) error {
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE tasks SET assigned_user_id=NULL, claimed_at=NULL, status='pending', updated_at=?
WHERE id=? AND assigned_user_id=? AND status IN ('pending','in_progress')`), FormatTime(at), taskID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleWrite
	}
	return nil
}
