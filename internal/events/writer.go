package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"revline/internal/db"
)

// Event types written by the engine.
const (
	OpportunityCreated = "opportunity.created"
	OpportunityRouted  = "opportunity.routed"
	RoutingBlocked     = "routing.blocked"
	CollisionOverride  = "collision.override"
	TaskCreated        = "task.created"
	TaskClaimed        = "task.claimed"
	TaskReleased       = "task.released"
	TaskStatusChanged  = "task.status"
	ScoringRun         = "scoring.run"
	RulesImported      = "rules.imported"
	RoleGranted        = "role.granted"
	RoleRevoked        = "role.revoked"
	APIKeyCreated      = "apikey.created"
	APIKeyRevoked      = "apikey.revoked"
)

type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes an audit event inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendNow writes a standalone event in its own transaction.
func (w Writer) AppendNow(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
