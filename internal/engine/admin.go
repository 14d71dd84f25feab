package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"revline/internal/domain"
	"revline/internal/engine/auth"
	"revline/internal/events"
	"revline/internal/repo"
)

// Identity is the caller as the engine sees it.
type Identity struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// Whoami resolves the caller's effective roles.
func (e Engine) Whoami(ctx context.Context, a Actor) (Identity, error) {
	roles, err := e.roles(ctx, a)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: a.UserID, Roles: roles}, nil
}

func (e Engine) requireAdmin(ctx context.Context, a Actor, perm string) error {
	roles, err := e.roles(ctx, a)
	if err != nil {
		return err
	}
	return auth.Require(roles, perm)
}

func (e Engine) GrantRole(ctx context.Context, a Actor, userID, role string) error {
	return e.changeRole(ctx, a, userID, role, true)
}

func (e Engine) RevokeRole(ctx context.Context, a Actor, userID, role string) error {
	return e.changeRole(ctx, a, userID, role, false)
}

func (e Engine) changeRole(ctx context.Context, a Actor, userID, role string, grant bool) error {
	if err := required("user_id", userID); err != nil {
		return err
	}
	if err := required("role", role); err != nil {
		return err
	}
	if err := e.requireAdmin(ctx, a, auth.PermRolesManage); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	evt := events.RoleGranted
	if grant {
		err = e.Repo.GrantRole(ctx, tx, userID, role)
	} else {
		evt = events.RoleRevoked
		err = e.Repo.RevokeRole(ctx, tx, userID, role)
	}
	if err != nil {
		return err
	}
	if err := e.events().Append(ctx, tx, evt, "user", userID, a.UserID, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey issues a key for userID and returns the plaintext once. Users
// may create keys for themselves; admins for anyone.
func (e Engine) CreateAPIKey(ctx context.Context, a Actor, userID, name string) (string, domain.APIKey, error) {
	if userID == "" {
		userID = a.UserID
	}
	if err := required("user_id", userID); err != nil {
		return "", domain.APIKey{}, err
	}
	if userID != a.UserID {
		if err := e.requireAdmin(ctx, a, auth.PermRolesManage); err != nil {
			return "", domain.APIKey{}, err
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate key: %w", err)
	}
	plain := "rl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: repo.FormatTime(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", domain.APIKey{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := e.events().Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, a.UserID, events.EventPayload{"user_id": userID, "name": name}); err != nil {
		return "", domain.APIKey{}, err
	}
	if err := tx.Commit(); err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}

// ListAPIKeys lists keys for userID; listing another user's keys needs admin.
func (e Engine) ListAPIKeys(ctx context.Context, a Actor, userID string) ([]domain.APIKey, error) {
	if userID != a.UserID {
		if err := e.requireAdmin(ctx, a, auth.PermRolesManage); err != nil {
			return nil, err
		}
	}
	keys, err := e.Repo.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	return keys, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, a Actor, id string) error {
	if err := required("id", id); err != nil {
		return err
	}
	if err := e.requireAdmin(ctx, a, auth.PermRolesManage); err != nil {
		return err
	}
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return err
	}
	return e.events().AppendNow(ctx, events.APIKeyRevoked, "api_key", id, a.UserID, nil)
}

// ListEvents returns audit events newest first.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	if f.Limit < 0 || f.Limit > 500 {
		return nil, invalid("limit", "must be between 1 and 500")
	}
	evts, err := e.Repo.LatestEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}
