package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"golang.org/x/sync/errgroup"

	"migratory/internal/auth"
	"migratory/internal/domain"
	"migratory/internal/logging"
	"migratory/internal/transport"
)

var (
	ErrTimeout   = errors.New("timed out waiting for job")
	ErrJobFailed = errors.New("job failed")
)

// Jobs is the job surface of a store, implemented by daemon.Launcher.
type Jobs interface {
	StartBackup(ctx context.Context, caller auth.Caller, t domain.MigratableObjectType, ids []string) (domain.BackupRestoreStatus, error)
	StartRestore(ctx context.Context, caller auth.Caller, t domain.MigratableObjectType, archiveName string) (domain.BackupRestoreStatus, error)
	GetStatus(ctx context.Context, caller auth.Caller, id string) (domain.BackupRestoreStatus, error)
	Delete(ctx context.Context, caller auth.Caller, d domain.MigratableObjectDescriptor) error
}

// Lister enumerates a store, implemented by dependency.Enumerator.
type Lister interface {
	GetAllObjects(ctx context.Context, offset, limit int64, orderByDependency bool) (domain.QueryResults, error)
}

// Endpoint is one side of a migration.
type Endpoint struct {
	Jobs     Jobs
	Objects  Lister
	Archives transport.ArchiveStore
	Caller   auth.Caller
}

// Summary counts the changes applied to one type.
type Summary struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// TypeCount is the number of objects of one type on each side.
type TypeCount struct {
	Source      int64 `json:"source"`
	Destination int64 `json:"destination"`
}

// Report describes a whole migration run across all of its attempts.
type Report struct {
	Attempts  int                                       `json:"attempts"`
	Summaries map[domain.MigratableObjectType]Summary   `json:"summaries"`
	Start     map[domain.MigratableObjectType]TypeCount `json:"start_counts"`
	End       map[domain.MigratableObjectType]TypeCount `json:"end_counts,omitempty"`
}

// Client makes the destination store match the source store. Principals are never migrated.
type Client struct {
	Source      Endpoint
	Destination Endpoint

	BatchSize    int
	PollInterval time.Duration
	Timeout      time.Duration
	// Parallel bounds the number of source backups running at once.
	Parallel int
	// MaxRetries is the number of passes over the whole store before giving up. Zero means one.
	MaxRetries int
	// RetryDenominator splits a batch whose job failed into this many sub-batches, down to
	// single objects. Values below 2 disable splitting.
	RetryDenominator int
	TempDir          string
	Clock            clock.Clock
	Logger           *log.Logger
}

func (c *Client) logger() *log.Logger {
	return logging.OrNop(c.Logger)
}

func (c *Client) clock() clock.Clock {
	if c.Clock == nil {
		return clock.WallClock
	}
	return c.Clock
}

// Migrate runs the migration and returns what it changed per type.
func (c *Client) Migrate(ctx context.Context) (map[domain.MigratableObjectType]Summary, error) {
	r, err := c.Run(ctx)
	return r.Summaries, err
}

// Run migrates the store, starting a new pass after a failed one until MaxRetries passes
// have run. Every pass recomputes the difference, so work already applied is not repeated.
func (c *Client) Run(ctx context.Context) (Report, error) {
	report := Report{Summaries: map[domain.MigratableObjectType]Summary{}}
	attempts := max(c.MaxRetries, 1)
	var err error
	for report.Attempts < attempts {
		report.Attempts++
		var start map[domain.MigratableObjectType]TypeCount
		start, err = c.pass(ctx, report.Summaries)
		if report.Start == nil {
			report.Start = start
		}
		if err == nil || ctx.Err() != nil {
			break
		}
		c.logger().Error("migration pass failed", "attempt", report.Attempts, "of", attempts, "err", err)
	}
	if ctx.Err() != nil {
		return report, err
	}
	end, countErr := c.counts(ctx)
	if countErr != nil {
		return report, errors.Join(err, fmt.Errorf("final counts: %w", countErr))
	}
	report.End = end
	c.logger().Info("migration finished", "attempts", report.Attempts, "failed", err != nil)
	return report, err
}

// pass deletes what the source no longer has, then copies new and changed objects type by
// type in dependency order. Applied changes are added to summaries.
func (c *Client) pass(ctx context.Context, summaries map[domain.MigratableObjectType]Summary) (map[domain.MigratableObjectType]TypeCount, error) {
	source, err := c.listAll(ctx, c.Source)
	if err != nil {
		return nil, fmt.Errorf("list source: %w", err)
	}
	dest, err := c.listAll(ctx, c.Destination)
	if err != nil {
		return nil, fmt.Errorf("list destination: %w", err)
	}
	start := countTypes(source, dest)
	for _, t := range domain.AllTypes {
		if n, ok := start[t]; ok {
			c.logger().Info("start counts", "type", t, "source", n.Source, "destination", n.Destination)
		}
	}

	inSource := set.NewStrings()
	for _, o := range source {
		inSource.Add(o.ID.String())
	}
	for i := len(dest) - 1; i >= 0; i-- {
		d := dest[i].ID
		if inSource.Contains(d.String()) {
			continue
		}
		if err := c.Destination.Jobs.Delete(ctx, c.Destination.Caller, d); err != nil {
			return start, fmt.Errorf("delete %s: %w", d, err)
		}
		s := summaries[d.Type]
		s.Deleted++
		summaries[d.Type] = s
	}

	destEtags := map[string]string{}
	for _, o := range dest {
		destEtags[o.ID.String()] = o.Etag
	}
	updates := set.NewStrings()
	byType := map[domain.MigratableObjectType][]string{}
	for _, o := range source {
		etag, ok := destEtags[o.ID.String()]
		if ok && etag == o.Etag {
			continue
		}
		if ok {
			updates.Add(o.ID.String())
		}
		byType[o.ID.Type] = append(byType[o.ID.Type], o.ID.ID)
	}
	var failed []error
	for _, t := range domain.AllTypes {
		ids := byType[t]
		if len(ids) == 0 {
			continue
		}
		c.logger().Info("migrating", "type", t, "objects", len(ids))
		record := func(batch []string) {
			s := summaries[t]
			for _, id := range batch {
				if updates.Contains(domain.MigratableObjectDescriptor{Type: t, ID: id}.String()) {
					s.Updated++
				} else {
					s.Created++
				}
			}
			summaries[t] = s
		}
		if err := c.migrateType(ctx, t, ids, record); err != nil {
			if !errors.Is(err, ErrJobFailed) {
				return start, fmt.Errorf("migrate %s: %w", t, err)
			}
			failed = append(failed, fmt.Errorf("migrate %s: %w", t, err))
		}
	}
	return start, errors.Join(failed...)
}

// counts lists both stores and counts their objects per type.
func (c *Client) counts(ctx context.Context) (map[domain.MigratableObjectType]TypeCount, error) {
	source, err := c.listAll(ctx, c.Source)
	if err != nil {
		return nil, fmt.Errorf("list source: %w", err)
	}
	dest, err := c.listAll(ctx, c.Destination)
	if err != nil {
		return nil, fmt.Errorf("list destination: %w", err)
	}
	return countTypes(source, dest), nil
}

func countTypes(source, dest []domain.MigratableObjectData) map[domain.MigratableObjectType]TypeCount {
	out := map[domain.MigratableObjectType]TypeCount{}
	for _, o := range source {
		n := out[o.ID.Type]
		n.Source++
		out[o.ID.Type] = n
	}
	for _, o := range dest {
		n := out[o.ID.Type]
		n.Destination++
		out[o.ID.Type] = n
	}
	return out
}

func (c *Client) listAll(ctx context.Context, ep Endpoint) ([]domain.MigratableObjectData, error) {
	page := int64(c.batchSize())
	var out []domain.MigratableObjectData
	for offset := int64(0); ; offset += page {
		res, err := ep.Objects.GetAllObjects(ctx, offset, page, true)
		if err != nil {
			return nil, err
		}
		for _, o := range res.Results {
			if o.ID.Type == domain.TypePrincipal {
				continue
			}
			out = append(out, o)
		}
		if len(res.Results) == 0 || offset+page >= res.TotalNumberOfResults {
			return out, nil
		}
	}
}

func (c *Client) batchSize() int {
	if c.BatchSize <= 0 {
		return 100
	}
	return c.BatchSize
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

// migrateType backs up every batch from the source concurrently, then restores them in order.
// A batch whose job fails is retried in sub-batches; the other batches still go through and
// the failures are returned together.
func (c *Client) migrateType(ctx context.Context, t domain.MigratableObjectType, ids []string, record func([]string)) error {
	batches := chunk(ids, c.batchSize())
	archives := make([]string, len(batches))
	backupErrs := make([]error, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	parallel := c.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	g.SetLimit(parallel)
	for i, batch := range batches {
		g.Go(func() error {
			name, err := c.backup(gctx, t, batch)
			if errors.Is(err, ErrJobFailed) {
				backupErrs[i] = err
				return nil
			}
			archives[i] = name
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var failed []error
	for i, batch := range batches {
		err := backupErrs[i]
		if err == nil {
			err = c.restore(ctx, t, archives[i])
		}
		if err == nil {
			record(batch)
			continue
		}
		if err := c.retrySplit(ctx, t, batch, err, record); err != nil {
			if !errors.Is(err, ErrJobFailed) {
				return err
			}
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

// retrySplit copies a failed batch again in smaller pieces so that one bad object only
// holds back itself.
func (c *Client) retrySplit(ctx context.Context, t domain.MigratableObjectType, batch []string, cause error, record func([]string)) error {
	if !errors.Is(cause, ErrJobFailed) || len(batch) < 2 || c.RetryDenominator < 2 {
		return cause
	}
	size := (len(batch) + c.RetryDenominator - 1) / c.RetryDenominator
	c.logger().Warn("batch failed, retrying in sub-batches", "type", t, "objects", len(batch), "sub_batch", size, "err", cause)
	var failed []error
	for _, sub := range chunk(batch, size) {
		err := c.copyBatch(ctx, t, sub)
		if err == nil {
			record(sub)
			continue
		}
		if err := c.retrySplit(ctx, t, sub, err, record); err != nil {
			if !errors.Is(err, ErrJobFailed) {
				return err
			}
			failed = append(failed, err)
		}
	}
	return errors.Join(failed...)
}

func (c *Client) copyBatch(ctx context.Context, t domain.MigratableObjectType, ids []string) error {
	name, err := c.backup(ctx, t, ids)
	if err != nil {
		return err
	}
	return c.restore(ctx, t, name)
}

// backup runs a source backup of ids and returns the archive name.
func (c *Client) backup(ctx context.Context, t domain.MigratableObjectType, ids []string) (string, error) {
	status, err := c.Source.Jobs.StartBackup(ctx, c.Source.Caller, t, ids)
	if err != nil {
		return "", fmt.Errorf("start backup: %w", err)
	}
	done, err := c.wait(ctx, c.Source, status.ID)
	if err != nil {
		return "", err
	}
	return path.Base(done.BackupLocation), nil
}

// restore moves the archive to the destination store and restores it there.
func (c *Client) restore(ctx context.Context, t domain.MigratableObjectType, name string) error {
	if err := c.transfer(ctx, name); err != nil {
		return err
	}
	status, err := c.Destination.Jobs.StartRestore(ctx, c.Destination.Caller, t, name)
	if err != nil {
		return fmt.Errorf("start restore: %w", err)
	}
	_, err = c.wait(ctx, c.Destination, status.ID)
	return err
}

// transfer copies an archive between the two archive stores when they differ.
func (c *Client) transfer(ctx context.Context, name string) error {
	if c.Source.Archives == nil || c.Destination.Archives == nil || c.Source.Archives == c.Destination.Archives {
		return nil
	}
	dir, err := os.MkdirTemp(c.TempDir, "migrate-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	local := filepath.Join(dir, name)
	if err := c.Source.Archives.Fetch(ctx, name, local); err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	if _, err := c.Destination.Archives.Put(ctx, name, local); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// wait polls a job until it finishes. A FAILED job is returned as ErrJobFailed.
func (c *Client) wait(ctx context.Context, ep Endpoint, id string) (domain.BackupRestoreStatus, error) {
	clk := c.clock()
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	deadline := clk.Now().Add(timeout)
	for {
		status, err := ep.Jobs.GetStatus(ctx, ep.Caller, id)
		if err != nil {
			return status, fmt.Errorf("job %s: %w", id, err)
		}
		switch status.Status {
		case domain.StatusCompleted:
			return status, nil
		case domain.StatusFailed:
			return status, fmt.Errorf("%w: %s %s: %s", ErrJobFailed, status.Type, id, status.ErrorMessage)
		}
		if !clk.Now().Before(deadline) {
			return status, fmt.Errorf("%w %s after %s", ErrTimeout, id, timeout)
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-clk.After(interval):
		}
	}
}
