package managers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"migratory/internal/backup"
	"migratory/internal/domain"
	"migratory/internal/repo"
	"migratory/internal/serializer"
)

const currentSchema = serializer.CurrentVersion

// ObjectManager stores one flat object type as JSON payloads.
type ObjectManager struct {
	Kind domain.MigratableObjectType
	Repo repo.Repo
	Now  func() time.Time
}

func NewObjectManager(db *sql.DB, kind domain.MigratableObjectType) (*ObjectManager, error) {
	if domain.NewObject(kind) == nil {
		return nil, fmt.Errorf("%s is not a flat object type", kind)
	}
	return &ObjectManager{Kind: kind, Repo: repo.Repo{DB: db}, Now: time.Now}, nil
}

func (m *ObjectManager) Type() domain.MigratableObjectType { return m.Kind }

func (m *ObjectManager) WriteBackup(ctx context.Context, id string, w io.Writer) error {
	rec, err := m.Repo.GetObject(ctx, m.Kind, id)
	if err != nil {
		return storeErr(err, "%s %s", m.Kind, id)
	}
	return serializer.WriteJSON(w, string(m.Kind), json.RawMessage(rec.Payload))
}

func (m *ObjectManager) CreateOrUpdateFromBackup(ctx context.Context, r io.Reader) (string, error) {
	obj := domain.NewObject(m.Kind)
	if obj == nil {
		return "", fmt.Errorf("%s is not a flat object type", m.Kind)
	}
	if _, err := serializer.ReadJSON(r, string(m.Kind), obj); err != nil {
		return "", fmt.Errorf("%w: %v", backup.ErrMalformedArchive, err)
	}
	if err := m.Put(ctx, obj); err != nil {
		return "", err
	}
	return obj.Descriptor().ID, nil
}

// Put creates or overwrites obj.
func (m *ObjectManager) Put(ctx context.Context, obj domain.Migratable) error {
	d := obj.Descriptor()
	if d.Type != m.Kind {
		return fmt.Errorf("cannot store %s as %s", d.Type, m.Kind)
	}
	if d.ID == "" {
		return fmt.Errorf("%s: id required", m.Kind)
	}
	if obj.Etag() == "" {
		return fmt.Errorf("%s: etag required", d)
	}
	payload, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode %s: %w", d, err)
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	err = m.Repo.UpsertObject(ctx, repo.ObjectRecord{
		Type:         m.Kind,
		ID:           d.ID,
		Etag:         obj.Etag(),
		Dependencies: obj.Dependencies(),
		Payload:      string(payload),
		UpdatedAt:    now().UTC().Format(time.RFC3339),
	})
	return storeErr(err, "store %s", d)
}

// Get decodes the stored object into out.
func (m *ObjectManager) Get(ctx context.Context, id string, out domain.Migratable) error {
	rec, err := m.Repo.GetObject(ctx, m.Kind, id)
	if err != nil {
		return storeErr(err, "%s %s", m.Kind, id)
	}
	if err := json.Unmarshal([]byte(rec.Payload), out); err != nil {
		return fmt.Errorf("decode %s %s: %w", m.Kind, id, err)
	}
	return nil
}

func (m *ObjectManager) DeleteByMigratableID(ctx context.Context, id string) error {
	return storeErr(m.Repo.DeleteObject(ctx, m.Kind, id), "delete %s %s", m.Kind, id)
}

func (m *ObjectManager) ListMigratableIDs(ctx context.Context) ([]string, error) {
	ids, err := m.Repo.ListObjectIDs(ctx, m.Kind)
	return ids, storeErr(err, "list %s", m.Kind)
}

func (m *ObjectManager) ListObjects(ctx context.Context) ([]domain.MigratableObjectData, error) {
	recs, err := m.Repo.ListObjects(ctx, m.Kind)
	if err != nil {
		return nil, storeErr(err, "list %s", m.Kind)
	}
	out := make([]domain.MigratableObjectData, 0, len(recs))
	for _, rec := range recs {
		out = append(out, domain.MigratableObjectData{
			ID:           domain.MigratableObjectDescriptor{Type: rec.Type, ID: rec.ID},
			Etag:         rec.Etag,
			Dependencies: rec.Dependencies,
		})
	}
	return out, nil
}

// Count reports how many objects of the kind are stored.
func (m *ObjectManager) Count(ctx context.Context) (int64, error) {
	n, err := m.Repo.CountObjects(ctx, m.Kind)
	return n, storeErr(err, "count %s", m.Kind)
}
