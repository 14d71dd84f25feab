package repo

import (
	"context"
	"database/sql"

	"revline/internal/domain"
)

const upsertScoreSQL = `INSERT INTO scores(constituent_id,as_of_date,renewal_risk,ask_readiness,ticket_propensity,corporate_propensity,capacity_estimate,days_since_touch,computed_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(constituent_id,as_of_date) DO UPDATE SET renewal_risk=excluded.renewal_risk, ask_readiness=excluded.ask_readiness,
ticket_propensity=excluded.ticket_propensity, corporate_propensity=excluded.corporate_propensity,
capacity_estimate=excluded.capacity_estimate, days_since_touch=excluded.days_since_touch, computed_at=excluded.computed_at`

// UpsertScores writes a batch of scores in one transaction. Rows are keyed on
// (constituent_id, as_of_date) so a recomputation overwrites the same-day row.
func (r Repo) UpsertScores(ctx context.Context, scores []domain.Score) error {
	if len(scores) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, r.q(upsertScoreSQL))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range scores {
		var days any
		if s.DaysSinceTouch != nil {
			days = *s.DaysSinceTouch
		}
		if _, err := stmt.ExecContext(ctx, s.ConstituentID, s.AsOfDate, s.RenewalRisk, s.AskReadiness, s.TicketPropensity,
			s.CorporatePropensity, s.CapacityEstimate, days, FormatTime(s.ComputedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const scoreColumns = `constituent_id,as_of_date,renewal_risk,ask_readiness,ticket_propensity,corporate_propensity,capacity_estimate,days_since_touch,computed_at`

func scanScore(scan func(dest ...any) error) (domain.Score, error) {
	var s domain.Score
	var days sql.NullInt64
	var computed string
	if err := scan(&s.ConstituentID, &s.AsOfDate, &s.RenewalRisk, &s.AskReadiness, &s.TicketPropensity, &s.CorporatePropensity, &s.CapacityEstimate, &days, &computed); err != nil {
		return s, err
	}
	if days.Valid {
		d := int(days.Int64)
		s.DaysSinceTouch = &d
	}
	var err error
	s.ComputedAt, err = parseTime(computed)
	return s, err
}

// LatestScore returns the newest score row for a constituent.
func (r Repo) LatestScore(ctx context.Context, constituentID string) (domain.Score, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+scoreColumns+` FROM scores WHERE constituent_id=? ORDER BY as_of_date DESC LIMIT 1`), constituentID)
	s, err := scanScore(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListScores(ctx context.Context, asOfDate string) ([]domain.Score, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+scoreColumns+` FROM scores WHERE as_of_date=? ORDER BY constituent_id`), asOfDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Score
	for rows.Next() {
		s, err := scanScore(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountScores(ctx context.Context, constituentID, asOfDate string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM scores WHERE constituent_id=? AND as_of_date=?`), constituentID, asOfDate).Scan(&n)
	return n, err
}
