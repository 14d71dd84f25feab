package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"revline/internal/domain"
)

const opportunityColumns = `id,constituent_id,type,status,amount,owner_role,owner_user_id,secondary_roles_json,task_id,routed_at,created_at,updated_at`

func scanOpportunity(scan func(dest ...any) error) (domain.Opportunity, error) {
	var o domain.Opportunity
	var oppType string
	var ownerRole, ownerUser, secondary, taskID, routedAt sql.NullString
	var createdAt, updatedAt string
	if err := scan(&o.ID, &o.ConstituentID, &oppType, &o.Status, &o.Amount, &ownerRole, &ownerUser, &secondary, &taskID, &routedAt, &createdAt, &updatedAt); err != nil {
		return o, err
	}
	o.Type = domain.OpportunityType(oppType)
	o.OwnerRole = optionalString(ownerRole)
	o.OwnerUserID = optionalString(ownerUser)
	o.TaskID = optionalString(taskID)
	if secondary.Valid && secondary.String != "" {
		if err := json.Unmarshal([]byte(secondary.String), &o.SecondaryRoles); err != nil {
			return o, err
		}
	}
	var err error
	if o.RoutedAt, err = parseNullTime(routedAt); err != nil {
		return o, err
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return o, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return o, err
	}
	return o, nil
}

func secondaryJSON(roles []string) (any, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(roles)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (r Repo) InsertOpportunity(ctx context.Context, tx *sql.Tx, o domain.Opportunity) error {
	secondary, err := secondaryJSON(o.SecondaryRoles)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO opportunities(`+opportunityColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		o.ID, o.ConstituentID, string(o.Type), o.Status, o.Amount, nullableStringPtr(o.OwnerRole), nullableStringPtr(o.OwnerUserID),
		secondary, nullableStringPtr(o.TaskID), nullTime(o.RoutedAt), FormatTime(o.CreatedAt), FormatTime(o.UpdatedAt))
	return err
}

func (r Repo) GetOpportunity(ctx context.Context, id string) (domain.Opportunity, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+opportunityColumns+` FROM opportunities WHERE id=?`), id)
	o, err := scanOpportunity(row.Scan)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

// SetOpportunityOwner records a routing decision on an opportunity.
func (r Repo) SetOpportunityOwner(ctx context.Context, tx *sql.Tx, id, ownerRole string, secondary []string, routedAt time.Time) error {
	sec, err := secondaryJSON(secondary)
	if err != nil {
		return err
	}
	ts := FormatTime(routedAt)
	res, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE opportunities SET owner_role=?, secondary_roles_json=?, routed_at=?, updated_at=? WHERE id=?`),
		ownerRole, sec, ts, ts, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkOpportunityTask stores the generated task id on the opportunity.
func (r Repo) LinkOpportunityTask(ctx context.Context, tx *sql.Tx, id, taskID string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`UPDATE opportunities SET task_id=? WHERE id=?`), taskID, id)
	return err
}

// UpdateOpportunityStatus is driven by external systems (won/lost/paused).
func (r Repo) UpdateOpportunityStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE opportunities SET status=?, updated_at=? WHERE id=?`), status, FormatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasActiveOpportunity returns the subset of ids with at least one active opportunity.
func (r Repo) HasActiveOpportunity(ctx context.Context, ids []string) (map[string]bool, error) {
	res := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return res, nil
	}
	args := append([]any{domain.OpportunityActive}, stringArgs(ids)...)
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT DISTINCT constituent_id FROM opportunities WHERE status=? AND constituent_id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

func (r Repo) InsertProposal(ctx context.Context, p domain.Proposal) error {
	_, err := r.DB.ExecContext(ctx, r.q(`INSERT INTO proposals(id,constituent_id,opportunity_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`),
		p.ID, p.ConstituentID, nullableStringPtr(p.OpportunityID), p.Status, FormatTime(p.CreatedAt), FormatTime(p.UpdatedAt))
	return err
}

// Solicitations returns the constituent's opportunities and proposals updated
// at or after since. It reads one constituent only.
func (r Repo) Solicitations(ctx context.Context, constituentID string, since time.Time) ([]domain.Solicitation, error) {
	cutoff := FormatTime(since)
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT 'opportunity', id, type, status, updated_at, '' FROM opportunities WHERE constituent_id=? AND updated_at>=?
UNION ALL
SELECT 'proposal', id, '', status, updated_at, COALESCE(opportunity_id,'') FROM proposals WHERE constituent_id=? AND updated_at>=?
ORDER BY 5 DESC`), constituentID, cutoff, constituentID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Solicitation
	for rows.Next() {
		var s domain.Solicitation
		var typ, updated string
		if err := rows.Scan(&s.Kind, &s.ID, &typ, &s.Status, &updated, &s.OpportunityID); err != nil {
			return nil, err
		}
		s.Type = domain.OpportunityType(typ)
		if s.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
