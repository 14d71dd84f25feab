package repo

import (
	"context"
	"database/sql"
	"time"

	"revline/internal/domain"
)

const ruleSetColumns = `id,name,version,format,document,digest,created_by,created_at`

func scanRuleSet(scan func(dest ...any) error) (domain.StoredRuleSet, error) {
	var rs domain.StoredRuleSet
	err := scan(&rs.ID, &rs.Name, &rs.Version, &rs.Format, &rs.Document, &rs.Digest, &rs.CreatedBy, &rs.CreatedAt)
	return rs, err
}

// InsertRuleSet appends a new version; earlier versions are kept as history.
func (r Repo) InsertRuleSet(ctx context.Context, tx *sql.Tx, rs domain.StoredRuleSet) error {
	if rs.CreatedAt == "" {
		rs.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO rule_sets(name,version,format,document,digest,created_by,created_at) VALUES (?,?,?,?,?,?,?)`),
		rs.Name, rs.Version, rs.Format, rs.Document, rs.Digest, rs.CreatedBy, rs.CreatedAt)
	return err
}

// LatestRuleSet returns the most recently imported version of the named rule set.
func (r Repo) LatestRuleSet(ctx context.Context, name string) (domain.StoredRuleSet, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT `+ruleSetColumns+` FROM rule_sets WHERE name=? ORDER BY id DESC LIMIT 1`), name)
	rs, err := scanRuleSet(row.Scan)
	if err == sql.ErrNoRows {
		return rs, ErrNotFound
	}
	return rs, err
}

func (r Repo) ListRuleSets(ctx context.Context, name string, limit int) ([]domain.StoredRuleSet, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+ruleSetColumns+` FROM rule_sets WHERE name=? ORDER BY id DESC LIMIT ?`), name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StoredRuleSet
	for rows.Next() {
		rs, err := scanRuleSet(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rs)
	}
	return res, rows.Err()
}
