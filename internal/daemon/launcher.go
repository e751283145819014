package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"migratory/internal/auth"
	"migratory/internal/backup"
	"migratory/internal/config"
	"migratory/internal/domain"
	"migratory/internal/events"
	"migratory/internal/logging"
	"migratory/internal/metrics"
	"migratory/internal/nodebackup"
	"migratory/internal/repo"
	"migratory/internal/transport"
)

var ErrInvalidRequest = errors.New("invalid request")

// Handler is the dispatch entry for one object type. Nodes is set for the node tree only.
type Handler struct {
	Manager backup.MigratableManager
	Lister  backup.IDLister
	Nodes   nodebackup.NodeBackupManager
}

type Registry map[domain.MigratableObjectType]Handler

// Launcher starts backup and restore jobs on background goroutines and records their status.
type Launcher struct {
	Registry   Registry
	Archives   transport.ArchiveStore
	Repo       repo.Repo
	Events     events.Writer
	Auth       auth.Authorizer
	Metrics    *metrics.Collector
	Logger     *log.Logger
	Migrations nodebackup.MigrationDriver

	Stack           string
	NodeTypes       []string
	RetryDelay      time.Duration
	TempDir         string
	PublishInterval time.Duration
	Now             func() time.Time

	sem     *semaphore.Weighted
	mu      sync.Mutex
	running map[string]*backup.Progress
	wg      sync.WaitGroup
}

func New(db *sql.DB, cfg *config.Config, reg Registry, archives transport.ArchiveStore, logger *log.Logger) *Launcher {
	jobs := cfg.Daemon.MaxConcurrentJobs
	if jobs < 1 {
		jobs = 1
	}
	return &Launcher{
		Registry:        reg,
		Archives:        archives,
		Repo:            repo.Repo{DB: db},
		Events:          events.Writer{DB: db},
		Auth:            auth.NewAuthorizer(cfg.Auth.Admins),
		Logger:          logging.OrNop(logger),
		Migrations:      nodebackup.NewCurrentVersionDriver(),
		Stack:           cfg.Stack,
		NodeTypes:       cfg.Entities.NodeTypes,
		RetryDelay:      cfg.Daemon.DeadlockRetryDelay,
		TempDir:         cfg.Daemon.TempDir,
		PublishInterval: cfg.Daemon.PublishInterval,
		Now:             time.Now,
		sem:             semaphore.NewWeighted(int64(jobs)),
		running:         map[string]*backup.Progress{},
	}
}

func (l *Launcher) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Launcher) timestamp() string {
	return l.now().UTC().Format(time.RFC3339)
}

func (l *Launcher) logger() *log.Logger {
	return logging.OrNop(l.Logger)
}

func (l *Launcher) handler(t domain.MigratableObjectType) (Handler, error) {
	h, ok := l.Registry[t]
	if !ok {
		return Handler{}, fmt.Errorf("%w: no handler registered for %s", ErrInvalidRequest, t)
	}
	if h.Manager == nil && h.Nodes == nil {
		return Handler{}, fmt.Errorf("%w: handler for %s has no manager", ErrInvalidRequest, t)
	}
	return h, nil
}

func (l *Launcher) driver(h Handler) backup.Driver {
	if h.Nodes != nil {
		d := nodebackup.NewDriver(h.Nodes, l.Migrations, l.Logger)
		d.KnownTypes = l.NodeTypes
		d.RetryDelay = l.RetryDelay
		return d
	}
	return backup.NewGenericBackupDriver(h.Manager, h.Lister, l.Logger)
}

// StartBackup schedules a backup of ids, or of every object of the type when ids is nil.
func (l *Launcher) StartBackup(ctx context.Context, caller auth.Caller, t domain.MigratableObjectType, ids []string) (domain.BackupRestoreStatus, error) {
	if err := l.Auth.RequireAdmin(caller); err != nil {
		return domain.BackupRestoreStatus{}, err
	}
	h, err := l.handler(t)
	if err != nil {
		return domain.BackupRestoreStatus{}, err
	}
	if ids == nil && h.Nodes == nil && h.Lister == nil {
		return domain.BackupRestoreStatus{}, fmt.Errorf("%w: %s: %w", ErrInvalidRequest, t, backup.ErrMigrateAllUnsupported)
	}
	status, err := l.createJob(ctx, caller, domain.DaemonBackup, t, map[string]any{"ids": len(ids), "all": ids == nil})
	if err != nil {
		return status, err
	}
	drv := l.driver(h)
	l.launch(ctx, status, func(ctx context.Context, p *backup.Progress) (string, error) {
		name := transport.ArchiveName(l.Stack, status.ID)
		local, err := l.tempPath(name)
		if err != nil {
			return "", err
		}
		defer os.Remove(local)
		if err := drv.WriteBackup(ctx, local, p, ids); err != nil {
			return "", err
		}
		location, err := l.Archives.Put(ctx, name, local)
		if err != nil {
			return "", fmt.Errorf("upload archive: %w", err)
		}
		return location, nil
	})
	return status, nil
}

// StartRestore schedules a restore of the named archive into the live store.
func (l *Launcher) StartRestore(ctx context.Context, caller auth.Caller, t domain.MigratableObjectType, archiveName string) (domain.BackupRestoreStatus, error) {
	if err := l.Auth.RequireAdmin(caller); err != nil {
		return domain.BackupRestoreStatus{}, err
	}
	if err := transport.ValidateName(archiveName); err != nil {
		return domain.BackupRestoreStatus{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	h, err := l.handler(t)
	if err != nil {
		return domain.BackupRestoreStatus{}, err
	}
	status, err := l.createJob(ctx, caller, domain.DaemonRestore, t, map[string]any{"archive": archiveName})
	if err != nil {
		return status, err
	}
	drv := l.driver(h)
	l.launch(ctx, status, func(ctx context.Context, p *backup.Progress) (string, error) {
		local, err := l.tempPath(status.ID + "-" + archiveName)
		if err != nil {
			return "", err
		}
		defer os.Remove(local)
		if err := l.Archives.Fetch(ctx, archiveName, local); err != nil {
			return "", fmt.Errorf("fetch archive: %w", err)
		}
		return "", drv.RestoreFromBackup(ctx, local, p)
	})
	return status, nil
}

func (l *Launcher) createJob(ctx context.Context, caller auth.Caller, kind domain.DaemonType, t domain.MigratableObjectType, payload events.EventPayload) (domain.BackupRestoreStatus, error) {
	status := domain.BackupRestoreStatus{
		ID:         uuid.NewString(),
		Type:       kind,
		ObjectType: t,
		Status:     domain.StatusStarted,
		StartedBy:  caller.ID,
		StartedOn:  l.timestamp(),
	}
	if err := l.Repo.InsertStatus(ctx, status); err != nil {
		return domain.BackupRestoreStatus{}, fmt.Errorf("insert job: %w", err)
	}
	if err := l.Events.Append(ctx, nil, events.JobStarted, status.ID, string(t), caller.ID, payload); err != nil {
		l.logger().Warn("append event", "job", status.ID, "err", err)
	}
	l.Metrics.JobStarted(string(kind), string(t))
	l.logger().Info("job started", "job", status.ID, "kind", kind, "type", t, "by", caller.ID)
	return status, nil
}

func (l *Launcher) tempPath(name string) (string, error) {
	dir := l.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

type work func(ctx context.Context, p *backup.Progress) (location string, err error)

// launch runs fn on its own goroutine. The job record is the only channel back to callers.
func (l *Launcher) launch(ctx context.Context, status domain.BackupRestoreStatus, fn work) {
	p := backup.NewProgress()
	l.mu.Lock()
	if l.running == nil {
		l.running = map[string]*backup.Progress{}
	}
	l.running[status.ID] = p
	l.mu.Unlock()

	jobCtx := context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() {
			l.mu.Lock()
			delete(l.running, status.ID)
			l.mu.Unlock()
		}()
		if l.sem != nil {
			if err := l.sem.Acquire(jobCtx, 1); err != nil {
				l.finish(jobCtx, status, p, "", err, time.Duration(0))
				return
			}
			defer l.sem.Release(1)
		}
		l.run(jobCtx, status, p, fn)
	}()
}

func (l *Launcher) run(ctx context.Context, status domain.BackupRestoreStatus, p *backup.Progress, fn work) {
	start := l.now()
	if err := l.Repo.UpdateProgress(ctx, status.ID, 0, 0, "processing"); err != nil {
		l.logger().Warn("publish progress", "job", status.ID, "err", err)
	}
	stop := make(chan struct{})
	published := make(chan struct{})
	go func() {
		defer close(published)
		l.publish(ctx, status.ID, p, stop)
	}()

	var (
		location string
		err      error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job panicked: %v\n%s", r, debug.Stack())
			}
		}()
		location, err = fn(ctx, p)
	}()
	close(stop)
	<-published
	l.finish(ctx, status, p, location, err, l.now().Sub(start))
}

// publish copies progress into the job record and picks up terminate requests made elsewhere.
func (l *Launcher) publish(ctx context.Context, id string, p *backup.Progress, stop <-chan struct{}) {
	interval := l.PublishInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s := p.Snapshot()
			if err := l.Repo.UpdateProgress(ctx, id, s.Current, s.Total, s.Message); err != nil {
				l.logger().Debug("publish progress", "job", id, "err", err)
			}
			if requested, err := l.Repo.TerminateRequested(ctx, id); err == nil && requested {
				p.Terminate()
			}
		}
	}
}

func (l *Launcher) finish(ctx context.Context, status domain.BackupRestoreStatus, p *backup.Progress, location string, jobErr error, elapsed time.Duration) {
	s := p.Snapshot()
	if jobErr == nil {
		p.Complete()
		s = p.Snapshot()
		if _, err := l.Repo.Complete(ctx, status.ID, s.Current, s.Total, location, l.timestamp()); err != nil {
			l.logger().Error("record completion", "job", status.ID, "err", err)
		}
		l.appendEvent(ctx, events.JobCompleted, status, events.EventPayload{"location": location, "total": s.Total})
		l.Metrics.JobFinished(string(status.Type), string(status.ObjectType), string(domain.StatusCompleted), s.Total, elapsed)
		l.logger().Info("job completed", "job", status.ID, "kind", status.Type, "type", status.ObjectType, "location", location)
		return
	}
	details := fmt.Sprintf("job=%s kind=%s type=%s started_by=%s progress=%d/%d message=%q: %+v",
		status.ID, status.Type, status.ObjectType, status.StartedBy, s.Current, s.Total, s.Message, jobErr)
	if _, err := l.Repo.Fail(ctx, status.ID, s.Current, s.Total, jobErr.Error(), details, l.timestamp()); err != nil {
		l.logger().Error("record failure", "job", status.ID, "err", err)
	}
	l.appendEvent(ctx, events.JobFailed, status, events.EventPayload{"error": jobErr.Error(), "interrupted": errors.Is(jobErr, backup.ErrInterrupted)})
	l.Metrics.JobFinished(string(status.Type), string(status.ObjectType), string(domain.StatusFailed), s.Current, elapsed)
	l.logger().Warn("job failed", "job", status.ID, "kind", status.Type, "type", status.ObjectType, "err", jobErr)
}

func (l *Launcher) appendEvent(ctx context.Context, evtType string, status domain.BackupRestoreStatus, payload events.EventPayload) {
	if err := l.Events.Append(ctx, nil, evtType, status.ID, string(status.ObjectType), status.StartedBy, payload); err != nil {
		l.logger().Warn("append event", "job", status.ID, "err", err)
	}
}

// GetStatus returns the job record. Jobs running in this process report live progress.
func (l *Launcher) GetStatus(ctx context.Context, caller auth.Caller, id string) (domain.BackupRestoreStatus, error) {
	if err := l.Auth.RequireAdmin(caller); err != nil {
		return domain.BackupRestoreStatus{}, err
	}
	status, err := l.Repo.GetStatus(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return status, fmt.Errorf("job %s: %w", id, backup.ErrNotFound)
	}
	if err != nil {
		return status, err
	}
	if status.Status.Terminal() {
		return status, nil
	}
	l.mu.Lock()
	p, ok := l.running[id]
	l.mu.Unlock()
	if ok {
		s := p.Snapshot()
		status.CurrentIndex, status.TotalCount, status.ProgressMessage = s.Current, s.Total, s.Message
		status.TerminateRequested = status.TerminateRequested || s.Terminate
	}
	return status, nil
}

// ListJobs returns the newest job records first.
func (l *Launcher) ListJobs(ctx context.Context, caller auth.Caller, limit int) ([]domain.BackupRestoreStatus, error) {
	if err := l.Auth.RequireAdmin(caller); err != nil {
		return nil, err
	}
	return l.Repo.ListStatuses(ctx, limit)
}

// Terminate asks a job to stop at its next item boundary. Finished jobs are left untouched.
func (l *Launcher) Terminate(ctx context.Context, caller auth.Caller, id string) (domain.BackupRestoreStatus, error) {
	status, err := l.GetStatus(ctx, caller, id)
	if err != nil {
		return status, err
	}
	if status.Status.Terminal() {
		return status, nil
	}
	l.mu.Lock()
	if p, ok := l.running[id]; ok {
		p.Terminate()
	}
	l.mu.Unlock()
	if err := l.Repo.RequestTerminate(ctx, id); err != nil {
		return status, err
	}
	if err := l.Events.Append(ctx, nil, events.JobTerminate, id, string(status.ObjectType), caller.ID, nil); err != nil {
		l.logger().Warn("append event", "job", id, "err", err)
	}
	l.logger().Info("termination requested", "job", id, "by", caller.ID)
	status.TerminateRequested = true
	return status, nil
}

// Delete removes one object from the live store. Absent objects are not an error.
func (l *Launcher) Delete(ctx context.Context, caller auth.Caller, d domain.MigratableObjectDescriptor) error {
	if err := l.Auth.RequireAdmin(caller); err != nil {
		return err
	}
	if d.ID == "" {
		return fmt.Errorf("%w: object id required", ErrInvalidRequest)
	}
	h, err := l.handler(d.Type)
	if err != nil {
		return err
	}
	var deleter backup.Deleter = h.Manager
	if h.Nodes != nil {
		deleter = h.Nodes
	}
	if err := deleter.DeleteByMigratableID(ctx, d.ID); err != nil {
		return fmt.Errorf("delete %s: %w", d, err)
	}
	if err := l.Events.Append(ctx, nil, events.ObjectDeleted, "", string(d.Type), caller.ID, events.EventPayload{"id": d.ID}); err != nil {
		l.logger().Warn("append event", "object", d.String(), "err", err)
	}
	return nil
}

// Wait blocks until every job started by this launcher is finished.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
