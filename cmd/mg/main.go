package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"migratory/internal/app"
	"migratory/internal/auth"
	"migratory/internal/config"
	"migratory/internal/db"
	"migratory/internal/domain"
	"migratory/internal/events"
	"migratory/internal/migrate"
	"migratory/internal/migration"
)

var rootCmd = &cobra.Command{
	Use:   "mg",
	Short: "Migratory CLI",
	Long: `Migratory backs up, restores and migrates the objects of a repository store.
- Workspace: the directory holding migratory.yml and the .migratory state (database and archives).
- Types: ENTITY is the node tree; every other type is a flat object kind.
- Jobs: backups and restores run as jobs that move STARTED -> PROCESSING -> COMPLETED or FAILED.
- Archives: zip files named Backup-<stack>-<job>.zip kept in the configured archive store.
- Migrate: make another workspace match this one, deleting in reverse dependency order and copying in order.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MIGRATORY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "migration-admin", "caller identifier")
	pf.String("token", "", "HS256 caller token (overrides --actor-id)")
	pf.String("metrics-file", "", "write job metrics to this textfile")
	pf.Bool("verbose", false, "log to stderr")
	for _, name := range []string{"workspace", "json", "actor-id", "token", "metrics-file", "verbose"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(terminateCmd())
	rootCmd.AddCommand(deleteCmd())
	rootCmd.AddCommand(objectsCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config lives in migratory.yml: stack name, archive store, admins, node types and migration tuning.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var stack string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the root node",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(stack)), 0o644); err != nil {
				return err
			}
			a, err := app.Open(cmd.Context(), workspace, app.Options{SeedRoot: true, ActorID: viper.GetString("actor-id")})
			if err != nil {
				return err
			}
			defer a.Close()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path, "database": db.Path(workspace)})
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&stack, "stack", app.DefaultStack, "stack name used in archive names")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate migratory.yml and report the database schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			_, err := config.Load(workspace)
			applied, latest, schemaErr := schemaVersions(cmd.Context(), workspace)
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"ok":             err == nil && schemaErr == nil,
					"error":          fmt.Sprint(errors.Join(err, schemaErr)),
					"schema_version": applied,
					"schema_latest":  latest,
				})
			}
			if err != nil {
				return err
			}
			if schemaErr != nil {
				return schemaErr
			}
			fmt.Println("config OK")
			if applied < latest {
				fmt.Printf("schema %d of %d; the next command will migrate it\n", applied, latest)
			} else {
				fmt.Printf("schema %d (current)\n", applied)
			}
			return nil
		},
	}
}

func schemaVersions(ctx context.Context, workspace string) (int, int, error) {
	latest, err := migrate.Latest()
	if err != nil {
		return 0, 0, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return 0, latest, err
	}
	defer conn.Close()
	applied, err := migrate.Version(ctx, conn)
	return applied, latest, err
}

func backupCmd() *cobra.Command {
	var typeName string
	var ids []string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up objects of one type into an archive",
		Long:  "Without --id every object of the type is backed up. The command waits for the job; Ctrl-C terminates it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseMigratableObjectType(typeName)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("id") {
				ids = nil
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, caller auth.Caller) error {
				status, err := a.Launcher.StartBackup(ctx, caller, t, ids)
				if err != nil {
					return err
				}
				return waitJob(ctx, a, caller, status.ID)
			})
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "object type, e.g. ENTITY or FAVORITE")
	cmd.Flags().StringSliceVar(&ids, "id", nil, "object ids (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func restoreCmd() *cobra.Command {
	var typeName, archive string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore an archive into the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseMigratableObjectType(typeName)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, caller auth.Caller) error {
				status, err := a.Launcher.StartRestore(ctx, caller, t, archive)
				if err != nil {
					return err
				}
				return waitJob(ctx, a, caller, status.ID)
			})
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "object type")
	cmd.Flags().StringVar(&archive, "archive", "", "archive name, e.g. Backup-prod-<job>.zip")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("archive")
	return cmd
}

// waitJob blocks until the job finishes and prints its final status. An interrupt terminates the job.
func waitJob(ctx context.Context, a *app.App, caller auth.Caller, id string) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if _, err := a.Launcher.Terminate(context.WithoutCancel(ctx), caller, id); err != nil {
				a.Logger.Warn("terminate", "job", id, "err", err)
			}
		case <-done:
		}
	}()
	a.Launcher.Wait()
	close(done)
	status, err := a.Launcher.GetStatus(context.WithoutCancel(ctx), caller, id)
	if err != nil {
		return err
	}
	if err := printStatus(status); err != nil {
		return err
	}
	if status.Status == domain.StatusFailed {
		return fmt.Errorf("job %s failed: %s", id, status.ErrorMessage)
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, caller auth.Caller) error {
				status, err := a.Launcher.GetStatus(ctx, caller, args[0])
				if err != nil {
					return err
				}
				return printStatus(status)
			})
		},
	}
}

func jobsCmd() *cobra.Command {
	jobs := &cobra.Command{Use: "jobs", Short: "Inspect backup and restore jobs"}
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, caller auth.Caller) error {
				items, err := a.Launcher.ListJobs(ctx, caller, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Type", "Status", "Progress", "Started", "Message"})
				for _, s := range items {
					msg := s.ProgressMessage
					if s.Status == domain.StatusFailed {
						msg = s.ErrorMessage
					}
					tw.AppendRow(table.Row{s.ID, s.Type, s.ObjectType, s.Status, progress(s), s.StartedOn, msg})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "number of jobs")
	jobs.AddCommand(list)
	return jobs
}

func terminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <job-id>",
		Short: "Ask a running job to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, caller auth.Caller) error {
				status, err := a.Launcher.Terminate(ctx, caller, args[0])
				if err != nil {
					return err
				}
				return printStatus(status)
			})
		},
	}
}

func deleteCmd() *cobra.Command {
	var typeName, id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one object from the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := domain.ParseMigratableObjectType(typeName)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, caller auth.Caller) error {
				d := domain.MigratableObjectDescriptor{Type: t, ID: id}
				if err := a.Launcher.Delete(ctx, caller, d); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": d})
				}
				fmt.Println("deleted", d)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "object type")
	cmd.Flags().StringVar(&id, "id", "", "object id")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func objectsCmd() *cobra.Command {
	var offset, limit int64
	var ordered bool
	var exclude []string
	cmd := &cobra.Command{
		Use:   "objects",
		Short: "List every object in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			var excluded []domain.MigratableObjectType
			for _, name := range exclude {
				t, err := domain.ParseMigratableObjectType(name)
				if err != nil {
					return err
				}
				excluded = append(excluded, t)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, caller auth.Caller) error {
				res, err := a.Store.Enumerator(excluded...).GetAllObjects(ctx, offset, limit, ordered)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "ID", "Etag", "Dependencies"})
				for _, o := range res.Results {
					deps := make([]string, 0, len(o.Dependencies))
					for _, d := range o.Dependencies {
						deps = append(deps, d.String())
					}
					tw.AppendRow(table.Row{o.ID.Type, o.ID.ID, o.Etag, strings.Join(deps, ", ")})
				}
				tw.AppendFooter(table.Row{"", "", "total", humanize.Comma(res.TotalNumberOfResults)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "skip this many objects")
	cmd.Flags().Int64Var(&limit, "limit", 0, "page size (0 = all)")
	cmd.Flags().BoolVar(&ordered, "order-by-dependency", false, "list dependencies before dependents")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "types to leave out")
	return cmd
}

func migrateCmd() *cobra.Command {
	var to string
	var batch, parallel int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Make another workspace match this one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return errors.New("--to required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, src *app.App, caller auth.Caller) error {
				dst, err := app.Open(ctx, to, app.Options{LogOutput: logOutput()})
				if err != nil {
					return fmt.Errorf("open destination: %w", err)
				}
				defer dst.Close()
				dstCaller, err := dst.Caller(viper.GetString("actor-id"), viper.GetString("token"))
				if err != nil {
					return err
				}
				cfg := src.Config.Migration
				client := &migration.Client{
					Source:       src.Endpoint(caller),
					Destination:  dst.Endpoint(dstCaller),
					BatchSize:        cfg.BatchSize,
					PollInterval:     cfg.PollInterval,
					Timeout:          cfg.Timeout,
					Parallel:         parallel,
					MaxRetries:       cfg.MaxRetries,
					RetryDenominator: cfg.RetryDenominator,
					TempDir:          src.Config.Daemon.TempDir,
					Logger:           src.Logger.WithPrefix("migrate"),
				}
				if batch > 0 {
					client.BatchSize = batch
				}
				started := time.Now()
				report, err := client.Run(ctx)
				payload := events.EventPayload{
					"to":           to,
					"attempts":     report.Attempts,
					"summary":      report.Summaries,
					"start_counts": report.Start,
					"end_counts":   report.End,
					"elapsed":      time.Since(started).String(),
				}
				if err != nil {
					payload["error"] = err.Error()
				}
				if evErr := src.Events.Append(ctx, nil, events.MigrationRun, "", "", caller.ID, payload); evErr != nil {
					src.Logger.Warn("append event", "err", evErr)
				}
				if printErr := printReport(report); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "destination workspace")
	cmd.Flags().IntVar(&batch, "batch-size", 0, "objects per backup job (default from config)")
	cmd.Flags().IntVar(&parallel, "parallel", 2, "source backups running at once")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var jobID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App, caller auth.Caller) error {
				items, err := a.Launcher.Repo.LatestEvents(ctx, n, jobID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Job", "Object type", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.JobID, e.ObjectType, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&jobID, "job", "", "only events of this job")
	lg.AddCommand(tail)
	return lg
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage caller tokens"}
	var subject string
	var admin bool
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a caller token with auth.token_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(subject, admin, cfg.Auth.TokenSecret, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": token, "subject": subject, "admin": admin})
			}
			fmt.Println(token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "caller id")
	issue.Flags().BoolVar(&admin, "admin", false, "grant migration admin")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = issue.MarkFlagRequired("subject")
	tok.AddCommand(issue)
	return tok
}

// --- helpers ---

func logOutput() io.Writer {
	if viper.GetBool("verbose") {
		return os.Stderr
	}
	return nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App, auth.Caller) error) error {
	opts := app.Options{ActorID: viper.GetString("actor-id"), LogOutput: logOutput()}
	a, err := app.Open(ctx, viper.GetString("workspace"), opts)
	if err != nil {
		return err
	}
	defer a.Close()
	caller, err := a.Caller(viper.GetString("actor-id"), viper.GetString("token"))
	if err != nil {
		return err
	}
	runErr := fn(ctx, a, caller)
	a.Launcher.Wait()
	if err := a.WriteMetrics(viper.GetString("metrics-file")); err != nil {
		a.Logger.Warn("write metrics", "err", err)
	}
	return runErr
}

func progress(s domain.BackupRestoreStatus) string {
	if s.TotalCount == 0 {
		return "-"
	}
	return fmt.Sprintf("%s/%s", humanize.Comma(s.CurrentIndex), humanize.Comma(s.TotalCount))
}

func printStatus(s domain.BackupRestoreStatus) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRows([]table.Row{
		{"Job", s.ID},
		{"Kind", s.Type},
		{"Type", s.ObjectType},
		{"Status", s.Status},
		{"Progress", progress(s)},
		{"Message", s.ProgressMessage},
		{"Location", s.BackupLocation},
		{"Error", s.ErrorMessage},
		{"Started", s.StartedOn + " by " + s.StartedBy},
		{"Finished", s.FinishedOn},
	})
	tw.Render()
	return nil
}

func printReport(r migration.Report) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Type", "Created", "Updated", "Deleted", "Source", "Destination"})
	for _, t := range domain.AllTypes {
		s, changed := r.Summaries[t]
		n, counted := r.End[t]
		if !changed && !counted {
			continue
		}
		tw.AppendRow(table.Row{t, s.Created, s.Updated, s.Deleted, n.Source, n.Destination})
	}
	tw.Render()
	if r.Attempts > 1 {
		fmt.Printf("%d passes\n", r.Attempts)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
