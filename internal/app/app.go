package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/charmbracelet/log"

	"migratory/internal/auth"
	"migratory/internal/config"
	"migratory/internal/daemon"
	"migratory/internal/db"
	"migratory/internal/events"
	"migratory/internal/logging"
	"migratory/internal/managers"
	"migratory/internal/metrics"
	"migratory/internal/migrate"
	"migratory/internal/migration"
	"migratory/internal/transport"
)

// App is one opened workspace: its store, job launcher and archive store.
type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Store     *managers.Store
	Archives  transport.ArchiveStore
	Launcher  *daemon.Launcher
	Events    events.Writer
	Metrics   *metrics.Collector
	Logger    *log.Logger
}

// Options tune Open. Zero values are fine.
type Options struct {
	// LogOutput receives the structured log. Nil discards it.
	LogOutput io.Writer
	// SeedRoot creates the configured root node when the tree is empty.
	SeedRoot bool
	ActorID  string
}

// DefaultStack names workspaces that have no config file.
const DefaultStack = "local"

// ResolveConfig loads the workspace config, falling back to defaults when the workspace has none.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(DefaultStack)
	}
	return cfg, nil
}

// Open opens the workspace database, applies schema migrations and wires the launcher.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	cfg, err := ResolveConfig(workspace)
	if err != nil {
		return nil, err
	}
	logger := logging.Nop()
	if opts.LogOutput != nil {
		logger = logging.New(opts.LogOutput, cfg.Log.Level)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(workspace), err)
	}
	archives, err := transport.New(ctx, cfg.Archive, workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("archive store: %w", err)
	}
	if cfg.Daemon.TempDir != "" && !filepath.IsAbs(cfg.Daemon.TempDir) {
		cfg.Daemon.TempDir = filepath.Join(workspace, cfg.Daemon.TempDir)
	}

	store := managers.NewStore(conn)
	m := metrics.New()
	l := daemon.New(conn, cfg, store.Registry(), archives, logger.WithPrefix("daemon"))
	l.Metrics = m
	a := &App{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Store:     store,
		Archives:  archives,
		Launcher:  l,
		Events:    events.Writer{DB: conn},
		Metrics:   m,
		Logger:    logger,
	}
	if opts.SeedRoot {
		actor := opts.ActorID
		if actor == "" {
			actor = "local-user"
		}
		if _, err := store.Nodes.EnsureRoot(ctx, cfg.Entities.RootID, actor); err != nil {
			a.Close()
			return nil, fmt.Errorf("seed root: %w", err)
		}
	}
	return a, nil
}

// Close waits for running jobs, then closes the database.
func (a *App) Close() error {
	a.Launcher.Wait()
	return a.DB.Close()
}

// Caller resolves who a command runs as. A token wins over a bare actor id.
func (a *App) Caller(actorID, token string) (auth.Caller, error) {
	if token != "" {
		return a.Launcher.Auth.ParseToken(token, a.Config.Auth.TokenSecret)
	}
	if actorID == "" {
		return auth.Caller{}, errors.New("actor id required; use --actor-id or --token")
	}
	return a.Launcher.Auth.Caller(actorID), nil
}

// Endpoint exposes the workspace as one side of a migration.
func (a *App) Endpoint(caller auth.Caller) migration.Endpoint {
	return migration.Endpoint{
		Jobs:     a.Launcher,
		Objects:  a.Store.Enumerator(),
		Archives: a.Archives,
		Caller:   caller,
	}
}

// WriteMetrics flushes the job metrics to a node-exporter textfile when path is set.
func (a *App) WriteMetrics(path string) error {
	if path == "" {
		path = a.Config.Metrics.Textfile
	}
	if path == "" {
		return nil
	}
	return a.Metrics.WriteTextfile(path)
}
