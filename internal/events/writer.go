package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	TypeCollectionCreated = "collection.created"
	TypeWorkUnitCreated   = "work_unit.created"
	TypeWorkUnitTitle     = "work_unit.title_updated"
	TypeWorkUnitDeleted   = "work_unit.deleted"
	TypeMessageAppended   = "message.appended"
	TypeDispatchSubmitted = "dispatch.submitted"
	TypeDispatchFailed    = "dispatch.failed"
	TypeWorkflowStatus    = "workflow.status"
	TypeCredentialStored  = "credential.stored"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an audit event. A nil tx writes directly to DB.
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
	const stmt = `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`
	if tx != nil {
		_, err = tx.ExecContext(ctx, stmt, ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	} else {
		_, err = w.DB.ExecContext(ctx, stmt, ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
