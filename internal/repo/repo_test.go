package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"revline/internal/db"
)

var taskRowColumns = []string{"id", "type", "priority", "status", "title", "assigned_role", "assigned_user_id",
	"opportunity_id", "constituent_id", "due_at", "claimed_at", "completed_at", "created_at", "updated_at"}

func newPostgresMock(t *testing.T) (Repo, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("expectations: %v", err)
		}
		conn.Close()
	})
	return Repo{DB: conn, Dialect: db.Postgres}, mock
}

func TestClaimTaskUsesNumberedPlaceholders(t *testing.T) {
	r, mock := newPostgresMock(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ts := FormatTime(at)
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tasks SET assigned_user_id=$1, claimed_at=$2, updated_at=$3`) +
		`\s+` + regexp.QuoteMeta(`WHERE id=$4 AND assigned_user_id IS NULL AND status IN ('pending','in_progress')`)).
		WithArgs("u-1", ts, ts, "t-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.ClaimTask(context.Background(), nil, "t-1", "u-1", at); err != nil {
		t.Fatalf("claim: %v", err)
	}
}

func TestClaimTaskExplainsMiss(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	created := FormatTime(at.Add(-time.Hour))
	cases := []struct {
		status, user string
		want         error
	}{
		{"completed", "u-2", ErrTaskClosed},
		{"pending", "u-2", ErrClaimConflict},
	}
	for _, tc := range cases {
		r, mock := newPostgresMock(t)
		mock.ExpectExec(`UPDATE tasks SET assigned_user_id=\$1`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`FROM tasks WHERE id=$1`)).
			WithArgs("t-1").
			WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(
				"t-1", "renewal", "low", tc.status, "", "ticketing", tc.user,
				nil, nil, nil, created, nil, created, created,
			))
		err := r.ClaimTask(context.Background(), nil, "t-1", "u-1", at)
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %s: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestListQueueBindsRolesAndStatuses(t *testing.T) {
	r, mock := newPostgresMock(t)
	created := FormatTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	where := regexp.QuoteMeta(`WHERE (assigned_user_id=$1 OR (assigned_user_id IS NULL AND assigned_role IN ($2,$3))) AND status IN ($4)`)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tasks ` + where).
		WithArgs("u-1", "ticketing", "major_gifts", "pending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(`FROM tasks ` + where + `(?s).*` + regexp.QuoteMeta(`LIMIT $5 OFFSET $6`)).
		WithArgs("u-1", "ticketing", "major_gifts", "pending", 2, 2).
		WillReturnRows(sqlmock.NewRows(taskRowColumns).AddRow(
			"t-3", "renewal", "low", "pending", "", "ticketing", nil,
			nil, nil, nil, nil, nil, created, created,
		))

	tasks, total, err := r.ListQueue(context.Background(), QueueFilter{
		UserID:   "u-1",
		Roles:    []string{"ticketing", "major_gifts"},
		Statuses: []string{"pending"},
		Limit:    2,
		Offset:   2,
	})
	if err != nil {
		t.Fatalf("list queue: %v", err)
	}
	if total != 3 || len(tasks) != 1 || tasks[0].ID != "t-3" || tasks[0].AssignedUserID != nil {
		t.Fatalf("total=%d tasks=%+v", total, tasks)
	}
}

func TestQueueFilterRequiresIdentity(t *testing.T) {
	if _, _, err := (QueueFilter{Statuses: []string{"pending"}}).where(); err == nil {
		t.Fatalf("expected error for filter without user or roles")
	}
}
