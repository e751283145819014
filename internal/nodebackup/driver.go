package nodebackup

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/retry"

	"migratory/internal/backup"
	"migratory/internal/domain"
	"migratory/internal/logging"
	"migratory/internal/serializer"
)

const (
	nodeFile     = "node.xml"
	revisionsDir = "revisions"
)

// Driver backs up and restores the node tree. Archive entries encode the ancestor chain:
// <ancestors>/<id>/node.xml and <ancestors>/<id>/revisions/<n>.xml.
type Driver struct {
	Manager    NodeBackupManager
	Migrations MigrationDriver
	// KnownTypes lists the node types a restore accepts. Nodes of any other type are skipped
	// together with their subtree. Empty means DefaultNodeTypes.
	KnownTypes []string
	// IsDeadlock classifies retryable write errors. Defaults to errors.Is(err, backup.ErrDeadlock).
	IsDeadlock func(error) bool
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     *log.Logger
}

func NewDriver(m NodeBackupManager, migrations MigrationDriver, logger *log.Logger) *Driver {
	return &Driver{Manager: m, Migrations: migrations, Logger: logger}
}

// IsNodeEntry reports whether an archive entry holds a NodeBackup.
func IsNodeEntry(name string) bool {
	return name == nodeFile || strings.HasSuffix(name, "/"+nodeFile)
}

// IsRevisionEntry reports whether an archive entry holds a NodeRevisionBackup.
func IsRevisionEntry(name string) bool {
	return strings.Contains(name, "/"+revisionsDir+"/") && strings.HasSuffix(name, ".xml")
}

type plannedNode struct {
	dir    string
	backup domain.NodeBackup
}

// WriteBackup writes the whole tree when ids is nil, otherwise each requested node with its descendants.
func (d *Driver) WriteBackup(ctx context.Context, archivePath string, progress *backup.Progress, ids []string) error {
	plan, total, err := d.plan(ctx, ids)
	if err != nil {
		return err
	}
	progress.SetTotal(total)

	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	if err := d.writeEntries(ctx, zw, plan, progress); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	d.logger().Debug("node backup written", "archive", archivePath, "nodes", len(plan), "entries", total)
	return f.Sync()
}

func (d *Driver) writeEntries(ctx context.Context, zw *zip.Writer, plan []plannedNode, progress *backup.Progress) error {
	for _, n := range plan {
		if err := backup.CheckInterrupt(ctx, progress); err != nil {
			return err
		}
		progress.SetMessage("writing node " + n.backup.Node.ID)
		w, err := zw.Create(n.dir + "/" + nodeFile)
		if err != nil {
			return err
		}
		nb := n.backup
		if err := serializer.WriteXML(w, &nb); err != nil {
			return fmt.Errorf("write node %s: %w", nb.Node.ID, err)
		}
		progress.Increment(1)

		for _, num := range nb.Revisions {
			if err := backup.CheckInterrupt(ctx, progress); err != nil {
				return err
			}
			rev, err := d.Manager.GetNodeRevision(ctx, nb.Node.ID, num)
			if err != nil {
				return fmt.Errorf("get revision %s/%d: %w", nb.Node.ID, num, err)
			}
			w, err := zw.Create(n.dir + "/" + revisionsDir + "/" + strconv.FormatInt(num, 10) + ".xml")
			if err != nil {
				return err
			}
			if err := serializer.WriteXML(w, &rev); err != nil {
				return fmt.Errorf("write revision %s/%d: %w", nb.Node.ID, num, err)
			}
			progress.Increment(1)
		}
	}
	return nil
}

// plan walks the requested subtrees depth first, parents before children. A requested node
// that lies inside another requested subtree is written once, under its ancestor.
func (d *Driver) plan(ctx context.Context, ids []string) ([]plannedNode, int64, error) {
	var starts []domain.NodeBackup
	if ids == nil {
		root, err := d.Manager.GetRoot(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("get root: %w", err)
		}
		starts = append(starts, root)
	} else {
		requested := map[string]domain.NodeBackup{}
		var order []string
		for _, id := range ids {
			if _, ok := requested[id]; ok {
				continue
			}
			nb, err := d.Manager.GetNode(ctx, id)
			if err != nil {
				return nil, 0, fmt.Errorf("get node %s: %w", id, err)
			}
			requested[id] = nb
			order = append(order, id)
		}
		for _, id := range order {
			nested, err := d.underRequested(ctx, requested[id], requested)
			if err != nil {
				return nil, 0, err
			}
			if !nested {
				starts = append(starts, requested[id])
			}
		}
	}

	seen := set.NewStrings()
	var (
		plan  []plannedNode
		total int64
	)
	for _, start := range starts {
		stack := []plannedNode{{dir: start.Node.ID, backup: start}}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen.Contains(n.backup.Node.ID) {
				continue
			}
			seen.Add(n.backup.Node.ID)
			plan = append(plan, n)
			total += 1 + int64(len(n.backup.Revisions))
			for i := len(n.backup.Children) - 1; i >= 0; i-- {
				child, err := d.Manager.GetNode(ctx, n.backup.Children[i])
				if err != nil {
					return nil, 0, fmt.Errorf("get node %s: %w", n.backup.Children[i], err)
				}
				stack = append(stack, plannedNode{dir: n.dir + "/" + child.Node.ID, backup: child})
			}
		}
	}
	return plan, total, nil
}

// underRequested reports whether any ancestor of nb is in requested.
func (d *Driver) underRequested(ctx context.Context, nb domain.NodeBackup, requested map[string]domain.NodeBackup) (bool, error) {
	visited := set.NewStrings(nb.Node.ID)
	for parent := nb.Node.ParentID; parent != ""; {
		if _, ok := requested[parent]; ok {
			return true, nil
		}
		if visited.Contains(parent) {
			return false, fmt.Errorf("node %s: parent chain loops at %s", nb.Node.ID, parent)
		}
		visited.Add(parent)
		p, err := d.Manager.GetNode(ctx, parent)
		if err != nil {
			return false, fmt.Errorf("get ancestor %s of %s: %w", parent, nb.Node.ID, err)
		}
		parent = p.Node.ParentID
	}
	return false, nil
}

// nodeEntries is one node directory of an archive: its node.xml and its revision entries.
type nodeEntries struct {
	dir       string
	depth     int
	node      *zip.File
	revisions []*zip.File
}

// groupEntries indexes an archive by node directory. Shallower directories come first and
// ties keep archive order, so parents always precede their children.
func groupEntries(files []*zip.File) ([]*nodeEntries, int64, error) {
	byDir := map[string]*nodeEntries{}
	var (
		groups []*nodeEntries
		total  int64
	)
	get := func(dir string) *nodeEntries {
		g, ok := byDir[dir]
		if !ok {
			g = &nodeEntries{dir: dir, depth: strings.Count(dir, "/")}
			byDir[dir] = g
			groups = append(groups, g)
		}
		return g
	}
	for _, entry := range files {
		switch name := entry.Name; {
		case IsNodeEntry(name):
			g := get(path.Dir(name))
			if g.node != nil {
				return nil, 0, fmt.Errorf("%w: duplicate node entry %s", backup.ErrMalformedArchive, name)
			}
			g.node = entry
		case IsRevisionEntry(name):
			g := get(path.Dir(path.Dir(name)))
			g.revisions = append(g.revisions, entry)
		default:
			continue
		}
		total++
	}
	for _, g := range groups {
		if g.node == nil {
			return nil, 0, fmt.Errorf("%w: revisions under %s have no node entry", backup.ErrMalformedArchive, g.dir)
		}
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].depth < groups[j].depth })
	return groups, total, nil
}

// RestoreFromBackup creates or updates every node in the archive, parents before children.
// Entry order inside the archive does not matter; the paths alone place each node.
func (d *Driver) RestoreFromBackup(ctx context.Context, archivePath string, progress *backup.Progress) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("%w: %v", backup.ErrMalformedArchive, err)
	}
	defer zr.Close()
	for _, entry := range zr.File {
		if !IsNodeEntry(entry.Name) && !IsRevisionEntry(entry.Name) && !entry.FileInfo().IsDir() {
			d.logger().Debug("ignoring archive entry", "entry", entry.Name)
		}
	}
	groups, total, err := groupEntries(zr.File)
	if err != nil {
		return err
	}
	progress.SetTotal(total)

	known := set.NewStrings(d.KnownTypes...)
	if known.IsEmpty() {
		known = set.NewStrings(DefaultNodeTypes...)
	}
	skipped := set.NewStrings()
	for _, g := range groups {
		if err := backup.CheckInterrupt(ctx, progress); err != nil {
			return err
		}
		units := int64(1 + len(g.revisions))
		if isSkipped(skipped, g.dir) {
			progress.Increment(units)
			continue
		}
		nb, revs, err := d.readNode(g)
		if err != nil {
			return err
		}
		if !known.Contains(nb.Node.NodeType) {
			skipped.Add(g.dir)
			d.logger().Warn("skipping node of unknown type", "node", nb.Node.ID, "type", nb.Node.NodeType)
			progress.Increment(units)
			continue
		}
		nb.Node.ParentID = parentFromPath(g.dir, nb.Node.ParentID)
		progress.SetMessage("restoring node " + nb.Node.ID)
		if err := d.apply(ctx, nb, revs); err != nil {
			return err
		}
		progress.Increment(units)
	}
	return nil
}

// readNode decodes a node and its revisions and upgrades the revisions. The node type is the
// upgraded one, so renamed legacy types are recognized under their current name.
func (d *Driver) readNode(g *nodeEntries) (domain.NodeBackup, []domain.NodeRevisionBackup, error) {
	var nb domain.NodeBackup
	if err := readEntry(g.node, &nb); err != nil {
		return nb, nil, err
	}
	revs := make([]domain.NodeRevisionBackup, 0, len(g.revisions))
	for _, entry := range g.revisions {
		var rev domain.NodeRevisionBackup
		if err := readEntry(entry, &rev); err != nil {
			return nb, nil, err
		}
		nodeType, err := d.Migrations.MigrateToCurrentVersion(&rev, nb.Node.NodeType)
		if err != nil {
			return nb, nil, fmt.Errorf("migrate revision %s: %w", entry.Name, err)
		}
		nb.Node.NodeType = nodeType
		revs = append(revs, rev)
	}
	return nb, revs, nil
}

// apply writes one node with its revisions, applying the root identity rule first.
func (d *Driver) apply(ctx context.Context, nb domain.NodeBackup, revs []domain.NodeRevisionBackup) error {
	if nb.Node.ParentID == "" {
		if err := d.prepareRoot(ctx, nb.Node.ID); err != nil {
			return err
		}
	}
	if err := d.writeWithRetry(ctx, nb, revs); err != nil {
		return fmt.Errorf("restore node %s: %w", nb.Node.ID, err)
	}
	return nil
}

// prepareRoot clears the store when it holds a different root. The same root is updated in place.
func (d *Driver) prepareRoot(ctx context.Context, incoming string) error {
	current, err := d.Manager.GetRootID(ctx)
	if errors.Is(err, backup.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get root: %w", err)
	}
	if current == incoming {
		return nil
	}
	d.logger().Info("replacing root, clearing all node data", "old_root", current, "new_root", incoming)
	if err := d.Manager.ClearAllData(ctx); err != nil {
		return fmt.Errorf("clear all data: %w", err)
	}
	return nil
}

// writeWithRetry tries the write at most twice, and only retries deadlocks.
func (d *Driver) writeWithRetry(ctx context.Context, nb domain.NodeBackup, revs []domain.NodeRevisionBackup) error {
	isDeadlock := d.IsDeadlock
	if isDeadlock == nil {
		isDeadlock = func(err error) bool { return errors.Is(err, backup.ErrDeadlock) }
	}
	delay := d.RetryDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = d.Manager.CreateOrUpdateNodeWithRevisions(ctx, nb, revs)
			return lastErr
		},
		IsFatalError: func(err error) bool { return !isDeadlock(err) },
		NotifyFunc: func(err error, attempt int) {
			d.logger().Warn("deadlock writing node, retrying", "node", nb.Node.ID, "attempt", attempt, "err", err)
		},
		Attempts: 2,
		Delay:    delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

func (d *Driver) logger() *log.Logger {
	return logging.OrNop(d.Logger)
}

func readEntry(entry *zip.File, v serializer.Versioned) error {
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", backup.ErrMalformedArchive, entry.Name, err)
	}
	defer rc.Close()
	if _, err := serializer.ReadXML(rc, v); err != nil {
		return fmt.Errorf("read %s: %w", entry.Name, err)
	}
	return nil
}

// parentFromPath returns the id of the enclosing directory. Top-level entries keep the parent
// recorded in the node itself.
func parentFromPath(dir, recorded string) string {
	parent := path.Dir(dir)
	if parent == "." || parent == "/" {
		return recorded
	}
	return path.Base(parent)
}

func isSkipped(skipped set.Strings, dir string) bool {
	if skipped.IsEmpty() {
		return false
	}
	for d := dir; d != "." && d != "/" && d != ""; d = path.Dir(d) {
		if skipped.Contains(d) {
			return true
		}
	}
	return false
}
