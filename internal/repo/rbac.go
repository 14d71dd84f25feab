package repo

import (
	"context"
	"database/sql"
)

// GrantRole stores a role for a user; granting an existing role is a no-op.
func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`INSERT INTO user_roles(user_id, role) VALUES (?,?) ON CONFLICT DO NOTHING`), userID, role)
	return err
}

// RevokeRole removes a stored role grant.
func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, role string) error {
	_, err := r.conn(tx).ExecContext(ctx, r.q(`DELETE FROM user_roles WHERE user_id=? AND role=?`), userID, role)
	return err
}

// UserRoles lists the roles granted to a user in the store.
func (r Repo) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT role FROM user_roles WHERE user_id=? ORDER BY role`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
