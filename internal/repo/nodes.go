package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"migratory/internal/domain"
)

// NodeRecord is a row of the nodes table.
type NodeRecord struct {
	Node         domain.Node
	BenefactorID string
}

const nodeColumns = `id,COALESCE(parent_id,''),name,COALESCE(description,''),node_type,etag,created_by,created_on,current_revision,benefactor_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (NodeRecord, error) {
	var rec NodeRecord
	n := &rec.Node
	err := row.Scan(&n.ID, &n.ParentID, &n.Name, &n.Description, &n.NodeType, &n.ETag, &n.CreatedBy, &n.CreatedOn, &n.CurrentRevision, &rec.BenefactorID)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) GetNode(ctx context.Context, id string) (NodeRecord, error) {
	return scanNode(r.DB.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=?`, id))
}

func (r Repo) GetNodeTx(ctx context.Context, tx *sql.Tx, id string) (NodeRecord, error) {
	return scanNode(tx.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=?`, id))
}

// GetRootID returns the id of the node without a parent.
func (r Repo) GetRootID(ctx context.Context) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT id FROM nodes WHERE parent_id IS NULL ORDER BY created_on, id LIMIT 1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, classify(err)
}

func (r Repo) CountNodes(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&n)
	return n, classify(err)
}

func (r Repo) ListChildIDs(ctx context.Context, id string) ([]string, error) {
	return r.queryStrings(ctx, `SELECT id FROM nodes WHERE parent_id=? ORDER BY created_on, id`, id)
}

func (r Repo) ListNodeIDs(ctx context.Context) ([]string, error) {
	return r.queryStrings(ctx, `SELECT id FROM nodes ORDER BY id`)
}

func (r Repo) ListNodes(ctx context.Context) ([]NodeRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []NodeRecord
	for rows.Next() {
		rec, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) UpsertNodeTx(ctx context.Context, tx *sql.Tx, rec NodeRecord) error {
	n := rec.Node
	_, err := r.execer(ctx, tx)(`INSERT INTO nodes(id,parent_id,name,description,node_type,etag,created_by,created_on,current_revision,benefactor_id)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET parent_id=excluded.parent_id, name=excluded.name, description=excluded.description,
  node_type=excluded.node_type, etag=excluded.etag, created_by=excluded.created_by, created_on=excluded.created_on,
  current_revision=excluded.current_revision, benefactor_id=excluded.benefactor_id`,
		n.ID, nullable(n.ParentID), n.Name, nullable(n.Description), n.NodeType, n.ETag, n.CreatedBy, n.CreatedOn, n.CurrentRevision, rec.BenefactorID)
	return err
}

// DeleteNode removes a node. Descendants, revisions and ACLs go with it.
func (r Repo) DeleteNode(ctx context.Context, id string) error {
	_, err := r.execer(ctx, nil)(`DELETE FROM nodes WHERE id=?`, id)
	return err
}

func (r Repo) DeleteAllNodes(ctx context.Context) error {
	return r.InTx(ctx, func(tx *sql.Tx) error {
		exec := r.execer(ctx, tx)
		for _, q := range []string{`DELETE FROM node_revisions`, `DELETE FROM acls`, `DELETE FROM nodes`} {
			if _, err := exec(q); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r Repo) GetACL(ctx context.Context, id string) (*domain.AccessControlList, error) {
	var (
		acl     domain.AccessControlList
		entries string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT resource_id,etag,creation_date,entries_json FROM acls WHERE resource_id=?`, id).
		Scan(&acl.ResourceID, &acl.ETag, &acl.CreationDate, &entries)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err)
	}
	if err := json.Unmarshal([]byte(entries), &acl.ResourceAccess); err != nil {
		return nil, fmt.Errorf("decode acl %s: %w", id, err)
	}
	return &acl, nil
}

// ReplaceACLTx drops the node's ACL and stores acl when it is not nil.
func (r Repo) ReplaceACLTx(ctx context.Context, tx *sql.Tx, id string, acl *domain.AccessControlList) error {
	exec := r.execer(ctx, tx)
	if _, err := exec(`DELETE FROM acls WHERE resource_id=?`, id); err != nil {
		return err
	}
	if acl == nil {
		return nil
	}
	entries := acl.ResourceAccess
	if entries == nil {
		entries = []domain.ResourceAccess{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode acl %s: %w", id, err)
	}
	_, err = exec(`INSERT INTO acls(resource_id,etag,creation_date,entries_json) VALUES (?,?,?,?)`, id, acl.ETag, acl.CreationDate, string(data))
	return err
}

func (r Repo) ListRevisionNumbers(ctx context.Context, id string) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT revision_number FROM node_revisions WHERE node_id=? ORDER BY revision_number`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) GetRevision(ctx context.Context, id string, number int64) (domain.NodeRevisionBackup, error) {
	var (
		rev         domain.NodeRevisionBackup
		comment     sql.NullString
		annotations sql.NullString
		references  sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT node_id,revision_number,label,comment,modified_by,modified_on,annotations_json,references_json,xml_version
FROM node_revisions WHERE node_id=? AND revision_number=?`, id, number).
		Scan(&rev.NodeID, &rev.RevisionNumber, &rev.Label, &comment, &rev.ModifiedBy, &rev.ModifiedOn, &annotations, &references, &rev.XMLVersion)
	if err == sql.ErrNoRows {
		return rev, ErrNotFound
	}
	if err != nil {
		return rev, classify(err)
	}
	rev.Comment = comment.String
	if annotations.Valid && annotations.String != "" {
		if err := json.Unmarshal([]byte(annotations.String), &rev.NamedAnnotations); err != nil {
			return rev, fmt.Errorf("decode annotations %s/%d: %w", id, number, err)
		}
	}
	if references.Valid && references.String != "" {
		if err := json.Unmarshal([]byte(references.String), &rev.References); err != nil {
			return rev, fmt.Errorf("decode references %s/%d: %w", id, number, err)
		}
	}
	return rev, nil
}

// ReplaceRevisionsTx makes revs the exact revision set of the node.
func (r Repo) ReplaceRevisionsTx(ctx context.Context, tx *sql.Tx, id string, revs []domain.NodeRevisionBackup) error {
	exec := r.execer(ctx, tx)
	if _, err := exec(`DELETE FROM node_revisions WHERE node_id=?`, id); err != nil {
		return err
	}
	for _, rev := range revs {
		annotations, err := marshalOptional(rev.NamedAnnotations)
		if err != nil {
			return fmt.Errorf("encode annotations %s/%d: %w", id, rev.RevisionNumber, err)
		}
		references, err := marshalOptional(rev.References)
		if err != nil {
			return fmt.Errorf("encode references %s/%d: %w", id, rev.RevisionNumber, err)
		}
		if _, err := exec(`INSERT INTO node_revisions(node_id,revision_number,label,comment,modified_by,modified_on,annotations_json,references_json,xml_version)
VALUES (?,?,?,?,?,?,?,?,?)`,
			id, rev.RevisionNumber, rev.Label, nullable(rev.Comment), rev.ModifiedBy, rev.ModifiedOn, annotations, references, rev.XMLVersion); err != nil {
			return err
		}
	}
	return nil
}

func marshalOptional[T any](v []T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (r Repo) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// RebaseBenefactorTx points every descendant of id that inherits its permissions at benefactor.
// Descendants with their own ACL, and their subtrees, keep their benefactor.
func (r Repo) RebaseBenefactorTx(ctx context.Context, tx *sql.Tx, id, benefactor string) error {
	_, err := r.execer(ctx, tx)(`WITH RECURSIVE inheriting(id) AS (
  SELECT id FROM nodes WHERE parent_id=? AND id NOT IN (SELECT resource_id FROM acls)
  UNION ALL
  SELECT n.id FROM nodes n JOIN inheriting i ON n.parent_id=i.id WHERE n.id NOT IN (SELECT resource_id FROM acls)
)
UPDATE nodes SET benefactor_id=? WHERE id IN (SELECT id FROM inheriting)`, id, benefactor)
	return err
}
