package managers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"migratory/internal/backup"
	"migratory/internal/domain"
	"migratory/internal/repo"
)

// RootNodeType is the node type EnsureRoot creates.
const RootNodeType = "folder"

// NodeManager stores the node tree in SQLite.
type NodeManager struct {
	Repo repo.Repo
	Now  func() time.Time
}

func NewNodeManager(db *sql.DB) *NodeManager {
	return &NodeManager{Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (m *NodeManager) timestamp() string {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// storeErr maps repo errors onto the sentinels the drivers understand.
func storeErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%s: %w", msg, backup.ErrNotFound)
	case repo.IsBusy(err):
		return fmt.Errorf("%s: %w: %v", msg, backup.ErrDeadlock, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (m *NodeManager) GetRootID(ctx context.Context) (string, error) {
	id, err := m.Repo.GetRootID(ctx)
	return id, storeErr(err, "root")
}

func (m *NodeManager) GetRoot(ctx context.Context) (domain.NodeBackup, error) {
	id, err := m.GetRootID(ctx)
	if err != nil {
		return domain.NodeBackup{}, err
	}
	return m.GetNode(ctx, id)
}

// GetNode returns the node with its ACL, child ids and revision numbers.
func (m *NodeManager) GetNode(ctx context.Context, id string) (domain.NodeBackup, error) {
	rec, err := m.Repo.GetNode(ctx, id)
	if err != nil {
		return domain.NodeBackup{}, storeErr(err, "node %s", id)
	}
	nb := domain.NodeBackup{Node: rec.Node, Benefactor: rec.BenefactorID}
	if nb.ACL, err = m.Repo.GetACL(ctx, id); err != nil {
		return nb, storeErr(err, "acl %s", id)
	}
	if nb.Children, err = m.Repo.ListChildIDs(ctx, id); err != nil {
		return nb, storeErr(err, "children of %s", id)
	}
	if nb.Revisions, err = m.Repo.ListRevisionNumbers(ctx, id); err != nil {
		return nb, storeErr(err, "revisions of %s", id)
	}
	return nb, nil
}

func (m *NodeManager) GetNodeRevision(ctx context.Context, id string, revision int64) (domain.NodeRevisionBackup, error) {
	rev, err := m.Repo.GetRevision(ctx, id, revision)
	return rev, storeErr(err, "revision %s/%d", id, revision)
}

func (m *NodeManager) GetTotalNodeCount(ctx context.Context) (int64, error) {
	n, err := m.Repo.CountNodes(ctx)
	return n, storeErr(err, "count nodes")
}

func (m *NodeManager) ClearAllData(ctx context.Context) error {
	return storeErr(m.Repo.DeleteAllNodes(ctx), "clear nodes")
}

// CreateOrUpdateNodeWithRevisions writes node, ACL and revision set in one transaction.
// The benefactor is derived from the tree: a node with an ACL is its own benefactor,
// any other node inherits the benefactor of its parent.
func (m *NodeManager) CreateOrUpdateNodeWithRevisions(ctx context.Context, nb domain.NodeBackup, revisions []domain.NodeRevisionBackup) error {
	n := nb.Node
	if n.ID == "" {
		return errors.New("node id required")
	}
	if n.NodeType == "" {
		return fmt.Errorf("node %s: node type required", n.ID)
	}
	if n.ParentID == "" && nb.ACL == nil {
		return fmt.Errorf("node %s: the root must carry an ACL", n.ID)
	}
	for _, rev := range revisions {
		if rev.NodeID != n.ID {
			return fmt.Errorf("node %s: revision %d belongs to %s", n.ID, rev.RevisionNumber, rev.NodeID)
		}
		if rev.Annotations != nil {
			return fmt.Errorf("node %s: revision %d carries annotations of an old schema version", n.ID, rev.RevisionNumber)
		}
	}
	if n.ETag == "" {
		n.ETag = uuid.NewString()
	}
	if n.CreatedOn == "" {
		n.CreatedOn = m.timestamp()
	}
	if nb.ACL != nil && nb.ACL.ResourceID == "" {
		acl := *nb.ACL
		acl.ResourceID = n.ID
		nb.ACL = &acl
	}

	err := m.Repo.InTx(ctx, func(tx *sql.Tx) error {
		benefactor := n.ID
		if nb.ACL == nil {
			parent, err := m.Repo.GetNodeTx(ctx, tx, n.ParentID)
			if err != nil {
				return fmt.Errorf("parent %s: %w", n.ParentID, err)
			}
			benefactor = parent.BenefactorID
		}
		if err := m.Repo.UpsertNodeTx(ctx, tx, repo.NodeRecord{Node: n, BenefactorID: benefactor}); err != nil {
			return err
		}
		if err := m.Repo.ReplaceACLTx(ctx, tx, n.ID, nb.ACL); err != nil {
			return err
		}
		if err := m.Repo.ReplaceRevisionsTx(ctx, tx, n.ID, revisions); err != nil {
			return err
		}
		return m.Repo.RebaseBenefactorTx(ctx, tx, n.ID, benefactor)
	})
	return storeErr(err, "write node %s", n.ID)
}

// DeleteByMigratableID removes the node and its subtree.
func (m *NodeManager) DeleteByMigratableID(ctx context.Context, id string) error {
	return storeErr(m.Repo.DeleteNode(ctx, id), "delete node %s", id)
}

func (m *NodeManager) ListMigratableIDs(ctx context.Context) ([]string, error) {
	ids, err := m.Repo.ListNodeIDs(ctx)
	return ids, storeErr(err, "list nodes")
}

func (m *NodeManager) revisions(ctx context.Context, id string, numbers []int64) ([]domain.NodeRevisionBackup, error) {
	out := make([]domain.NodeRevisionBackup, 0, len(numbers))
	for _, n := range numbers {
		rev, err := m.GetNodeRevision(ctx, id, n)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, nil
}

// EnsureRoot returns the root, creating it with id and an owner ACL for createdBy when the tree is empty.
func (m *NodeManager) EnsureRoot(ctx context.Context, id, createdBy string) (domain.NodeBackup, error) {
	root, err := m.GetRoot(ctx)
	if err == nil || !errors.Is(err, backup.ErrNotFound) {
		return root, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	nb := domain.NodeBackup{
		Node: domain.Node{ID: id, Name: "root", NodeType: RootNodeType, CreatedBy: createdBy, CreatedOn: m.timestamp()},
		ACL:  ownerACL(id, createdBy, m.timestamp()),
	}
	if err := m.CreateOrUpdateNodeWithRevisions(ctx, nb, nil); err != nil {
		return domain.NodeBackup{}, err
	}
	return m.GetNode(ctx, id)
}

// CreateNode adds a child of parentID that inherits its parent's permissions.
func (m *NodeManager) CreateNode(ctx context.Context, parentID, name, nodeType, createdBy string) (domain.Node, error) {
	if parentID == "" {
		return domain.Node{}, errors.New("parent id required")
	}
	n := domain.Node{
		ID:        uuid.NewString(),
		ParentID:  parentID,
		Name:      name,
		NodeType:  nodeType,
		CreatedBy: createdBy,
		CreatedOn: m.timestamp(),
	}
	if err := m.CreateOrUpdateNodeWithRevisions(ctx, domain.NodeBackup{Node: n}, nil); err != nil {
		return domain.Node{}, err
	}
	nb, err := m.GetNode(ctx, n.ID)
	return nb.Node, err
}

// AddRevision appends the next revision to a node and makes it current.
func (m *NodeManager) AddRevision(ctx context.Context, id, label, comment, modifiedBy string, annotations []domain.AnnotationNamespace) (domain.NodeRevisionBackup, error) {
	nb, err := m.GetNode(ctx, id)
	if err != nil {
		return domain.NodeRevisionBackup{}, err
	}
	revs, err := m.revisions(ctx, id, nb.Revisions)
	if err != nil {
		return domain.NodeRevisionBackup{}, err
	}
	next := int64(1)
	if len(nb.Revisions) > 0 {
		next = nb.Revisions[len(nb.Revisions)-1] + 1
	}
	rev := domain.NodeRevisionBackup{
		XMLVersion:       currentSchema,
		NodeID:           id,
		RevisionNumber:   next,
		Label:            label,
		Comment:          comment,
		ModifiedBy:       modifiedBy,
		ModifiedOn:       m.timestamp(),
		NamedAnnotations: annotations,
	}
	nb.Node.CurrentRevision = next
	nb.Node.ETag = uuid.NewString()
	if err := m.CreateOrUpdateNodeWithRevisions(ctx, nb, append(revs, rev)); err != nil {
		return domain.NodeRevisionBackup{}, err
	}
	return rev, nil
}

// SetACL gives a node its own ACL, or makes it inherit again when acl is nil.
func (m *NodeManager) SetACL(ctx context.Context, id string, acl *domain.AccessControlList) error {
	nb, err := m.GetNode(ctx, id)
	if err != nil {
		return err
	}
	revs, err := m.revisions(ctx, id, nb.Revisions)
	if err != nil {
		return err
	}
	if acl != nil && acl.CreationDate == "" {
		acl.CreationDate = m.timestamp()
	}
	if acl != nil && acl.ETag == "" {
		acl.ETag = uuid.NewString()
	}
	nb.ACL = acl
	nb.Node.ETag = uuid.NewString()
	return m.CreateOrUpdateNodeWithRevisions(ctx, nb, revs)
}

func ownerACL(id, owner, now string) *domain.AccessControlList {
	return &domain.AccessControlList{
		ResourceID:   id,
		ETag:         uuid.NewString(),
		CreationDate: now,
		ResourceAccess: []domain.ResourceAccess{
			{PrincipalID: owner, AccessTypes: []string{"READ", "UPDATE", "DELETE", "CHANGE_PERMISSIONS"}},
		},
	}
}

// ListObjects describes every node for the dependency enumerator. A node depends on its
// parent and on the principal that created it.
func (m *NodeManager) ListObjects(ctx context.Context) ([]domain.MigratableObjectData, error) {
	recs, err := m.Repo.ListNodes(ctx)
	if err != nil {
		return nil, storeErr(err, "list nodes")
	}
	out := make([]domain.MigratableObjectData, 0, len(recs))
	for _, rec := range recs {
		n := rec.Node
		var deps []domain.MigratableObjectDescriptor
		if n.ParentID != "" {
			deps = append(deps, domain.MigratableObjectDescriptor{Type: domain.TypeEntity, ID: n.ParentID})
		}
		if n.CreatedBy != "" {
			deps = append(deps, domain.MigratableObjectDescriptor{Type: domain.TypePrincipal, ID: n.CreatedBy})
		}
		out = append(out, domain.MigratableObjectData{
			ID:           domain.MigratableObjectDescriptor{Type: domain.TypeEntity, ID: n.ID},
			Etag:         n.ETag,
			Dependencies: deps,
		})
	}
	return out, nil
}

func (m *NodeManager) Type() domain.MigratableObjectType { return domain.TypeEntity }
