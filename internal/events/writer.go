package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"relay/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Record describes one state change to be written to the outbox.
type Record struct {
	Type           string
	ProjectID      string
	EntityKind     string
	EntityID       string
	ActorID        string
	PreviousStatus string
	NewStatus      string
	Payload        EventPayload
}

// Append inserts the event inside tx and returns it with its assigned ID.
// The event becomes visible only if tx commits.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if rec.Payload == nil {
		rec.Payload = EventPayload{}
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:             w.Now().UTC().Format(time.RFC3339),
		Type:           rec.Type,
		ProjectID:      rec.ProjectID,
		EntityKind:     rec.EntityKind,
		EntityID:       rec.EntityID,
		ActorID:        rec.ActorID,
		PreviousStatus: rec.PreviousStatus,
		NewStatus:      rec.NewStatus,
		Payload:        string(data),
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,previous_status,new_status,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		evt.TS, evt.Type, evt.ProjectID, evt.EntityKind, evt.EntityID, evt.ActorID, evt.PreviousStatus, evt.NewStatus, evt.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("append event %s: %w", rec.Type, err)
	}
	if evt.ID, err = res.LastInsertId(); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}
