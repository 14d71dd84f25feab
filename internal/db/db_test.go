package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	q := `UPDATE tasks SET assigned_user_id=?, status='?' WHERE id=? AND assigned_user_id IS NULL`
	assert.Equal(t, q, Rebind(SQLite, q))
	assert.Equal(t, `UPDATE tasks SET assigned_user_id=$1, status='?' WHERE id=$2 AND assigned_user_id IS NULL`, Rebind(Postgres, q))
}

func TestConfigDialect(t *testing.T) {
	assert.Equal(t, SQLite, Config{}.Dialect())
	assert.Equal(t, Postgres, Config{Driver: "PostgreSQL"}.Dialect())
	assert.Equal(t, Postgres, Config{Driver: "pq"}.Dialect())
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"})
	assert.Error(t, err)
}
