package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"revline/internal/db"
	"revline/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict means another user claimed the task first.
	ErrClaimConflict = errors.New("task already claimed")
	// ErrTaskClosed means the task is completed or cancelled.
	ErrTaskClosed = errors.New("task is closed")
	// ErrStaleWrite means a conditional update lost to a concurrent writer.
	ErrStaleWrite = errors.New("task changed concurrently")
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// DateLayout is the as-of date format of score rows.
const DateLayout = "2006-01-02"

func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const constituentColumns = `id,COALESCE(display_name,''),lifetime_giving,lifetime_ticket_spend,is_donor,is_ticket_holder,is_corporate,COALESCE(affinity_tag,''),created_at,updated_at`

func scanConstituent(scan func(dest ...any) error) (domain.Constituent, error) {
	var c domain.Constituent
	var createdAt, updatedAt string
	if err := scan(&c.ID, &c.DisplayName, &c.LifetimeGiving, &c.LifetimeTicketSpend, &c.IsDonor, &c.IsTicketHolder, &c.IsCorporate, &c.AffinityTag, &createdAt, &updatedAt); err != nil {
		return c, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return c, err
	}
	return c, nil
}

// UpsertConstituent is used by loaders; the engine itself only reads constituents.
func (r Repo) UpsertConstituent(ctx context.Context, c domain.Constituent) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO constituents(id,display_name,lifetime_giving,lifetime_ticket_spend,is_donor,is_ticket_holder,is_corporate,affinity_tag,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, lifetime_giving=excluded.lifetime_giving,
lifetime_ticket_spend=excluded.lifetime_ticket_spend, is_donor=excluded.is_donor, is_ticket_holder=excluded.is_ticket_holder,
is_corporate=excluded.is_corporate, affinity_tag=excluded.affinity_tag, updated_at=excluded.updated_at`),
		c.ID, nullable(c.DisplayName), c.LifetimeGiving, c.LifetimeTicketSpend, boolInt(c.IsDonor), boolInt(c.IsTicketHolder), boolInt(c.IsCorporate),
		nullable(c.AffinityTag), FormatTime(c.CreatedAt), FormatTime(c.UpdatedAt))
	return err
}

func (r Repo) GetConstituent(ctx context.Context, id string) (domain.Constituent, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+constituentColumns+` FROM constituents WHERE id=?`), id)
	c, err := scanConstituent(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// ConstituentsByID returns the constituents found among ids, keyed by id.
func (r Repo) ConstituentsByID(ctx context.Context, ids []string) (map[string]domain.Constituent, error) {
	res := make(map[string]domain.Constituent, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+constituentColumns+` FROM constituents WHERE id IN (`+placeholders(len(ids))+`)`), stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanConstituent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res[c.ID] = c
	}
	return res, rows.Err()
}

func (r Repo) ListConstituentIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM constituents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertInteraction(ctx context.Context, in domain.Interaction) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO interactions(id,constituent_id,kind,occurred_at) VALUES (?,?,?,?)`),
		in.ID, in.ConstituentID, in.Kind, FormatTime(in.OccurredAt))
	return err
}

// LatestInteractions returns the most recent interaction time per constituent.
// Constituents with no interaction are absent from the map.
func (r Repo) LatestInteractions(ctx context.Context, ids []string) (map[string]time.Time, error) {
	res := make(map[string]time.Time, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT constituent_id, MAX(occurred_at) FROM interactions WHERE constituent_id IN (`+placeholders(len(ids))+`) GROUP BY constituent_id`), stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id, ts string
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		res[id] = t
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}
