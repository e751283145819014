package daemon_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"migratory/internal/auth"
	"migratory/internal/backup"
	"migratory/internal/config"
	"migratory/internal/daemon"
	"migratory/internal/db"
	"migratory/internal/domain"
	"migratory/internal/events"
	"migratory/internal/managers"
	"migratory/internal/migrate"
	"migratory/internal/transport"
)

type testEnv struct {
	Launcher *daemon.Launcher
	Store    *managers.Store
	Admin    auth.Caller
	Ctx      context.Context
}

// newTestEnv opens a fresh store. Environments sharing archives see each other's backups.
func newTestEnv(t *testing.T, archives transport.ArchiveStore, opts ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if archives == nil {
		archives = newArchives(t)
	}
	cfg := config.Default("test")
	cfg.Daemon.TempDir = t.TempDir()
	cfg.Daemon.PublishInterval = 5 * time.Millisecond
	for _, opt := range opts {
		opt(cfg)
	}
	store := managers.NewStore(conn)
	l := daemon.New(conn, cfg, store.Registry(), archives, nil)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Launcher: l, Store: store, Admin: l.Auth.Caller("migration-admin"), Ctx: context.Background()}
}

func newArchives(t *testing.T) transport.ArchiveStore {
	t.Helper()
	store, err := transport.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("archive store: %v", err)
	}
	return store
}

func waitTerminal(t *testing.T, env testEnv, id string) domain.BackupRestoreStatus {
	t.Helper()
	env.Launcher.Wait()
	status, err := env.Launcher.GetStatus(env.Ctx, env.Admin, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !status.Status.Terminal() {
		t.Fatalf("job %s not finished: %+v", id, status)
	}
	return status
}

func archiveName(location string) string {
	return location[strings.LastIndex(location, "/")+1:]
}

func TestOnlyAdminsMayStartJobs(t *testing.T) {
	env := newTestEnv(t, nil)
	caller := env.Launcher.Auth.Caller("someone")
	_, err := env.Launcher.StartBackup(env.Ctx, caller, domain.TypeFavorite, []string{"1"})
	var forbidden auth.ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Launcher.StartRestore(env.Ctx, caller, domain.TypeFavorite, "x.zip"); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Launcher.GetStatus(env.Ctx, caller, "any"); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := env.Launcher.Delete(env.Ctx, caller, domain.MigratableObjectDescriptor{Type: domain.TypeFavorite, ID: "1"}); !errors.As(err, &forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if jobs, _ := env.Launcher.Repo.ListStatuses(env.Ctx, 10); len(jobs) != 0 {
		t.Fatalf("no job may be recorded, got %d", len(jobs))
	}
}

func TestBackupAndRestoreFavorites(t *testing.T) {
	archives := newArchives(t)
	src := newTestEnv(t, archives)
	favs, _ := src.Store.Object(domain.TypeFavorite)
	for _, f := range []domain.Favorite{
		{ID: "2", PrincipalID: "7", EntityID: "100", ETag: "a"},
		{ID: "10", PrincipalID: "7", EntityID: "101", ETag: "b"},
	} {
		f := f
		if err := favs.Put(src.Ctx, &f); err != nil {
			t.Fatal(err)
		}
	}
	status, err := src.Launcher.StartBackup(src.Ctx, src.Admin, domain.TypeFavorite, nil)
	if err != nil {
		t.Fatalf("start backup: %v", err)
	}
	if status.Status != domain.StatusStarted || status.ID == "" || status.StartedBy != "migration-admin" {
		t.Fatalf("unexpected initial status %+v", status)
	}
	done := waitTerminal(t, src, status.ID)
	if done.Status != domain.StatusCompleted || done.CurrentIndex != 2 || done.TotalCount != 2 {
		t.Fatalf("unexpected final status %+v", done)
	}
	if !strings.HasPrefix(done.BackupLocation, "file://") || !strings.HasSuffix(done.BackupLocation, "Backup-test-"+status.ID+".zip") {
		t.Fatalf("unexpected location %s", done.BackupLocation)
	}

	dst := newTestEnv(t, archives)
	restore, err := dst.Launcher.StartRestore(dst.Ctx, dst.Admin, domain.TypeFavorite, archiveName(done.BackupLocation))
	if err != nil {
		t.Fatalf("start restore: %v", err)
	}
	if got := waitTerminal(t, dst, restore.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("restore failed: %+v", got)
	}
	dstFavs, _ := dst.Store.Object(domain.TypeFavorite)
	var got domain.Favorite
	if err := dstFavs.Get(dst.Ctx, "10", &got); err != nil || got.EntityID != "101" {
		t.Fatalf("favorite not restored: %+v %v", got, err)
	}

	evts, err := src.Launcher.Repo.LatestEvents(src.Ctx, 10, status.ID)
	if err != nil || len(evts) != 2 || evts[0].Type != events.JobCompleted || evts[1].Type != events.JobStarted {
		t.Fatalf("unexpected events %+v %v", evts, err)
	}
}

func TestNodeTreeBackupAndRestore(t *testing.T) {
	archives := newArchives(t)
	src := newTestEnv(t, archives)
	root, _ := src.Store.Nodes.EnsureRoot(src.Ctx, "4489", "1")
	p, _ := src.Store.Nodes.CreateNode(src.Ctx, root.Node.ID, "project", "project", "1")
	if _, err := src.Store.Nodes.AddRevision(src.Ctx, p.ID, "v1", "", "1", nil); err != nil {
		t.Fatal(err)
	}
	status, err := src.Launcher.StartBackup(src.Ctx, src.Admin, domain.TypeEntity, nil)
	if err != nil {
		t.Fatalf("start backup: %v", err)
	}
	done := waitTerminal(t, src, status.ID)
	if done.Status != domain.StatusCompleted || done.TotalCount != 3 {
		t.Fatalf("unexpected status %+v", done)
	}

	dst := newTestEnv(t, archives)
	if _, err := dst.Store.Nodes.EnsureRoot(dst.Ctx, "other-root", "1"); err != nil {
		t.Fatal(err)
	}
	restore, _ := dst.Launcher.StartRestore(dst.Ctx, dst.Admin, domain.TypeEntity, archiveName(done.BackupLocation))
	if got := waitTerminal(t, dst, restore.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("restore failed: %+v", got)
	}
	if id, _ := dst.Store.Nodes.GetRootID(dst.Ctx); id != "4489" {
		t.Fatalf("root should be replaced, got %s", id)
	}
	if n, _ := dst.Store.Nodes.GetTotalNodeCount(dst.Ctx); n != 2 {
		t.Fatalf("expected 2 nodes, got %d", n)
	}
}

type listlessManager struct{}

func (listlessManager) WriteBackup(context.Context, string, io.Writer) error { return nil }
func (listlessManager) CreateOrUpdateFromBackup(context.Context, io.Reader) (string, error) {
	return "", nil
}
func (listlessManager) DeleteByMigratableID(context.Context, string) error { return nil }

func TestBackupAllRequiresLister(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Launcher.Registry = daemon.Registry{domain.TypeActivity: {Manager: listlessManager{}}}
	_, err := env.Launcher.StartBackup(env.Ctx, env.Admin, domain.TypeActivity, nil)
	if !errors.Is(err, daemon.ErrInvalidRequest) || !errors.Is(err, backup.ErrMigrateAllUnsupported) {
		t.Fatalf("expected invalid request, got %v", err)
	}
	if _, err := env.Launcher.StartBackup(env.Ctx, env.Admin, domain.TypeWikiPage, []string{"1"}); !errors.Is(err, daemon.ErrInvalidRequest) {
		t.Fatalf("unregistered type must be rejected, got %v", err)
	}
}

func TestFailuresAreRecorded(t *testing.T) {
	env := newTestEnv(t, nil)
	status, err := env.Launcher.StartRestore(env.Ctx, env.Admin, domain.TypeFavorite, "Backup-test-missing.zip")
	if err != nil {
		t.Fatalf("start restore: %v", err)
	}
	got := waitTerminal(t, env, status.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.ErrorMessage, "archive not found") {
		t.Fatalf("unexpected status %+v", got)
	}
	if !strings.Contains(got.ErrorDetails, status.ID) || got.FinishedOn == "" {
		t.Fatalf("details should name the job: %+v", got)
	}

	status, _ = env.Launcher.StartBackup(env.Ctx, env.Admin, domain.TypeFavorite, []string{"missing"})
	got = waitTerminal(t, env, status.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.ErrorMessage, "not found") {
		t.Fatalf("unexpected status %+v", got)
	}
}

// gatedManager blocks every backup until release is closed.
type gatedManager struct {
	listlessManager
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedManager) WriteBackup(ctx context.Context, id string, w io.Writer) error {
	g.once.Do(func() { close(g.started) })
	<-g.release
	_, err := io.WriteString(w, id)
	return err
}

func TestTerminateQueuedJob(t *testing.T) {
	env := newTestEnv(t, nil, func(c *config.Config) { c.Daemon.MaxConcurrentJobs = 1 })
	gate := &gatedManager{started: make(chan struct{}), release: make(chan struct{})}
	env.Launcher.Registry = daemon.Registry{domain.TypeActivity: {Manager: gate}}

	first, err := env.Launcher.StartBackup(env.Ctx, env.Admin, domain.TypeActivity, []string{"1"})
	if err != nil {
		t.Fatal(err)
	}
	<-gate.started
	second, err := env.Launcher.StartBackup(env.Ctx, env.Admin, domain.TypeActivity, []string{"2"})
	if err != nil {
		t.Fatal(err)
	}
	st, err := env.Launcher.Terminate(env.Ctx, env.Admin, second.ID)
	if err != nil || !st.TerminateRequested {
		t.Fatalf("terminate: %+v %v", st, err)
	}
	close(gate.release)

	if got := waitTerminal(t, env, first.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("first job should complete: %+v", got)
	}
	got := waitTerminal(t, env, second.ID)
	if got.Status != domain.StatusFailed || !strings.Contains(got.ErrorMessage, backup.ErrInterrupted.Error()) {
		t.Fatalf("second job should be interrupted: %+v", got)
	}
	after, err := env.Launcher.Terminate(env.Ctx, env.Admin, second.ID)
	if err != nil || after.Status != domain.StatusFailed {
		t.Fatalf("terminating a finished job is a no-op: %+v %v", after, err)
	}
}

func TestDeleteAndUnknownJob(t *testing.T) {
	env := newTestEnv(t, nil)
	root, _ := env.Store.Nodes.EnsureRoot(env.Ctx, "1", "1")
	child, _ := env.Store.Nodes.CreateNode(env.Ctx, root.Node.ID, "c", "folder", "1")
	if err := env.Launcher.Delete(env.Ctx, env.Admin, domain.MigratableObjectDescriptor{Type: domain.TypeEntity, ID: child.ID}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Store.Nodes.GetNode(env.Ctx, child.ID); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("node should be gone, got %v", err)
	}
	if err := env.Launcher.Delete(env.Ctx, env.Admin, domain.MigratableObjectDescriptor{Type: domain.TypeFavorite, ID: "absent"}); err != nil {
		t.Fatalf("deleting an absent object must succeed: %v", err)
	}
	if _, err := env.Launcher.GetStatus(env.Ctx, env.Admin, "nope"); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRestoreRejectsArchiveNamesWithPaths(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, name := range []string{"", "..", "../outside.zip", "nested/Backup-test-1.zip", `dir\Backup.zip`} {
		_, err := env.Launcher.StartRestore(env.Ctx, env.Admin, domain.TypeFavorite, name)
		if !errors.Is(err, daemon.ErrInvalidRequest) || !errors.Is(err, transport.ErrInvalidArchiveName) {
			t.Fatalf("%q: expected invalid request, got %v", name, err)
		}
	}
	jobs, err := env.Launcher.ListJobs(env.Ctx, env.Admin, 10)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("rejected restores must not create jobs: %v %v", jobs, err)
	}
}
