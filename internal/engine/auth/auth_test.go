package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revline/internal/db"
	"revline/internal/migrate"
	"revline/internal/repo"
)

func TestRolesMergeClaimsAndGrants(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	r := repo.Repo{DB: conn, Dialect: db.SQLite}
	ctx := context.Background()
	require.NoError(t, r.GrantRole(ctx, nil, "u1", "ticketing"))
	require.NoError(t, r.GrantRole(ctx, nil, "u1", "ticketing"))
	require.NoError(t, r.GrantRole(ctx, nil, "u1", "major_gifts"))

	roles, err := Service{Repo: r}.Roles(ctx, "u1", []string{"executive", "ticketing", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"executive", "major_gifts", "ticketing"}, roles)
}

func TestRequire(t *testing.T) {
	assert.NoError(t, Require([]string{"admin"}, PermRulesImport))
	err := Require([]string{"ticketing"}, PermRulesImport)
	var fe ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, PermRulesImport, fe.Permission)
}
