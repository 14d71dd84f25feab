package source

import (
	"context"
	"errors"
	"fmt"

	"revline/internal/repo"
	"revline/internal/rules"
)

// DB serves the latest imported version of a named rule set. When nothing has
// been imported yet it falls back to Fallback, if set.
type DB struct {
	Repo     repo.Repo
	Name     string
	Fallback rules.Source
}

func (d DB) Fetch(ctx context.Context) (rules.Document, error) {
	name := d.Name
	if name == "" {
		name = "default"
	}
	rs, err := d.Repo.LatestRuleSet(ctx, name)
	if errors.Is(err, repo.ErrNotFound) && d.Fallback != nil {
		return d.Fallback.Fetch(ctx)
	}
	if err != nil {
		return rules.Document{}, fmt.Errorf("load rule set %q: %w", name, err)
	}
	return rules.Document{
		Data:   []byte(rs.Document),
		Format: rs.Format,
		Origin: fmt.Sprintf("db:%s@%d", rs.Name, rs.ID),
	}, nil
}
