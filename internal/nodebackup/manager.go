package nodebackup

import (
	"context"

	"migratory/internal/domain"
)

// NodeBackupManager is the store side of the node tree. Errors for missing nodes wrap backup.ErrNotFound.
type NodeBackupManager interface {
	// GetRootID returns the id of the node without a parent.
	GetRootID(ctx context.Context) (string, error)
	GetRoot(ctx context.Context) (domain.NodeBackup, error)
	GetNode(ctx context.Context, id string) (domain.NodeBackup, error)
	GetNodeRevision(ctx context.Context, id string, revision int64) (domain.NodeRevisionBackup, error)
	GetTotalNodeCount(ctx context.Context) (int64, error)
	// ClearAllData removes every node, including the root.
	ClearAllData(ctx context.Context) error
	// CreateOrUpdateNodeWithRevisions writes the node, its ACL and exactly the given revision set
	// as one unit. Storage contention is reported as backup.ErrDeadlock.
	CreateOrUpdateNodeWithRevisions(ctx context.Context, node domain.NodeBackup, revisions []domain.NodeRevisionBackup) error
	DeleteByMigratableID(ctx context.Context, id string) error
}

// MigrationDriver upgrades a revision read from any historical archive to the current schema.
// It returns the node type the node must be stored under, which may differ from nodeType.
type MigrationDriver interface {
	MigrateToCurrentVersion(rev *domain.NodeRevisionBackup, nodeType string) (string, error)
}

// DefaultNodeTypes are the node types restores accept when none are configured.
var DefaultNodeTypes = []string{"project", "folder", "file", "study", "dataset", "table", "link"}
