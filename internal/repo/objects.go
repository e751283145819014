package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"migratory/internal/domain"
)

// ObjectRecord is a flat migratable object stored as an encoded payload.
type ObjectRecord struct {
	Type         domain.MigratableObjectType
	ID           string
	Etag         string
	Dependencies []domain.MigratableObjectDescriptor
	Payload      string
	UpdatedAt    string
}

func (r Repo) UpsertObject(ctx context.Context, rec ObjectRecord) error {
	deps := rec.Dependencies
	if deps == nil {
		deps = []domain.MigratableObjectDescriptor{}
	}
	data, err := json.Marshal(deps)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	_, err = r.execer(ctx, nil)(`INSERT INTO migratable_objects(object_type,object_id,etag,dependencies_json,payload_json,updated_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(object_type,object_id) DO UPDATE SET etag=excluded.etag, dependencies_json=excluded.dependencies_json,
  payload_json=excluded.payload_json, updated_at=excluded.updated_at`,
		rec.Type, rec.ID, rec.Etag, string(data), rec.Payload, rec.UpdatedAt)
	return err
}

const objectColumns = `object_type,object_id,etag,dependencies_json,payload_json,updated_at`

func scanObject(row rowScanner) (ObjectRecord, error) {
	var (
		rec  ObjectRecord
		deps string
	)
	err := row.Scan(&rec.Type, &rec.ID, &rec.Etag, &deps, &rec.Payload, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, classify(err)
	}
	if err := json.Unmarshal([]byte(deps), &rec.Dependencies); err != nil {
		return rec, fmt.Errorf("decode dependencies of %s:%s: %w", rec.Type, rec.ID, err)
	}
	return rec, nil
}

func (r Repo) GetObject(ctx context.Context, t domain.MigratableObjectType, id string) (ObjectRecord, error) {
	return scanObject(r.DB.QueryRowContext(ctx, `SELECT `+objectColumns+` FROM migratable_objects WHERE object_type=? AND object_id=?`, t, id))
}

// DeleteObject removes an object. Missing objects are not an error.
func (r Repo) DeleteObject(ctx context.Context, t domain.MigratableObjectType, id string) error {
	_, err := r.execer(ctx, nil)(`DELETE FROM migratable_objects WHERE object_type=? AND object_id=?`, t, id)
	return err
}

func (r Repo) ListObjectIDs(ctx context.Context, t domain.MigratableObjectType) ([]string, error) {
	return r.queryStrings(ctx, `SELECT object_id FROM migratable_objects WHERE object_type=? ORDER BY object_id`, t)
}

func (r Repo) ListObjects(ctx context.Context, t domain.MigratableObjectType) ([]ObjectRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+objectColumns+` FROM migratable_objects WHERE object_type=? ORDER BY object_id`, t)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []ObjectRecord
	for rows.Next() {
		rec, err := scanObject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) CountObjects(ctx context.Context, t domain.MigratableObjectType) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM migratable_objects WHERE object_type=?`, t).Scan(&n)
	return n, classify(err)
}
