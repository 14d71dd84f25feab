// Package auth holds the permission errors and role lookups shared by the
// engine and the HTTP layer.
package auth

import (
	"context"
	"fmt"
	"sort"

	"revline/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Permissions checked by the engine.
const (
	PermTaskOwner   = "task.owner"
	PermRulesImport = "rules.import"
	PermRolesManage = "roles.manage"
)

// AdminRole may import rules and manage role grants.
const AdminRole = "admin"

// Service resolves a user's effective roles from the store.
type Service struct {
	Repo repo.Repo
}

// Roles merges the roles asserted by the caller's credentials with the roles
// granted in the store. The result is sorted and free of duplicates.
func (s Service) Roles(ctx context.Context, userID string, claimed []string) ([]string, error) {
	set := map[string]bool{}
	for _, r := range claimed {
		if r != "" {
			set[r] = true
		}
	}
	if userID != "" {
		stored, err := s.Repo.UserRoles(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, r := range stored {
			set[r] = true
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out, nil
}

// HasRole reports whether role is among roles.
func HasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Require returns ForbiddenError unless roles include AdminRole.
func Require(roles []string, perm string) error {
	if HasRole(roles, AdminRole) {
		return nil
	}
	return ForbiddenError{Permission: perm}
}
