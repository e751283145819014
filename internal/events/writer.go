package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	JobStarted    = "job.started"
	JobCompleted  = "job.completed"
	JobFailed     = "job.failed"
	JobTerminate  = "job.terminate_requested"
	ObjectDeleted = "object.deleted"
	MigrationRun  = "migration.completed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event. tx may be nil to write outside a transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, jobID, objectType, actorID string, payload EventPayload) error {
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
	const q = `INSERT INTO events(ts,type,job_id,object_type,actor_id,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(jobID), nullable(objectType), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
