package repo

import (
	"context"

	"migratory/internal/domain"
)

// LatestEvents returns the newest events first, optionally for one job.
func (r Repo) LatestEvents(ctx context.Context, limit int, jobID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(job_id,''),COALESCE(object_type,''),actor_id,payload_json FROM events`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id=?`
		args = append(args, jobID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.JobID, &e.ObjectType, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
