package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/NCAR/tacc-backup/internal/config"
	"github.com/NCAR/tacc-backup/internal/database"
	"github.com/NCAR/tacc-backup/internal/events"
	"github.com/NCAR/tacc-backup/internal/globus"
	"github.com/NCAR/tacc-backup/internal/logging"
	"github.com/NCAR/tacc-backup/internal/model"
	"github.com/NCAR/tacc-backup/internal/reconcile"
	"github.com/NCAR/tacc-backup/internal/relocator"
	"github.com/NCAR/tacc-backup/internal/runlock"
	"github.com/NCAR/tacc-backup/internal/scanner"
	"github.com/NCAR/tacc-backup/internal/watcher"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"
)

const usage = `usage: tacc-backup [-config path] [command]

commands:
  run              reconcile, relocate and admit once (default)
  watch            run now, then on an interval and when new archives appear
  task -id <uuid>  show one Globus task
  records          list tracked transfers
  ls               list a directory on an endpoint (-endpoint, -path, -filter)
  transfer         submit a transfer (-source-file/-destination-file or -batch)
  delete           submit a delete (-target-file or -batch)
`

type command struct {
	validate func(*config.Config) error
	run      func(a *app, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"run":      {(*config.Config).Validate, func(a *app, ctx context.Context, _ []string) error { return a.runOnce(ctx) }},
	"watch":    {(*config.Config).Validate, func(a *app, ctx context.Context, _ []string) error { return a.watch(ctx) }},
	"records":  {(*config.Config).ValidateStore, func(a *app, ctx context.Context, _ []string) error { return a.listRecords(ctx) }},
	"task":     {(*config.Config).ValidateGlobus, (*app).showTask},
	"ls":       {(*config.Config).ValidateGlobus, (*app).listDirectory},
	"transfer": {(*config.Config).ValidateGlobus, (*app).transfer},
	"delete":   {(*config.Config).ValidateGlobus, (*app).delete},
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	name := "run"
	args := flag.Args()
	if len(args) > 0 {
		name, args = args[0], args[1:]
	}

	os.Exit(execute(*configPath, name, args, os.Stdin, os.Stdout))
}

func execute(configPath, name string, args []string, in io.Reader, out io.Writer) int {
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if err := cmd.validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: logger, in: in, out: out}
	defer a.close()

	if err := cmd.run(a, ctx, args); err != nil {
		logger.Error("command failed", zap.String("command", name), zap.Error(err))
		return 1
	}
	return 0
}

type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	in      io.Reader
	out     io.Writer
	closers []func() error
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func (a *app) store(ctx context.Context) (database.Store, error) {
	store, err := database.Open(ctx, a.cfg.Database.Driver, a.cfg.DSN(), a.logger)
	if err != nil {
		return nil, err
	}
	a.onClose(store.Close)
	return store, nil
}

func (a *app) globusClient(ctx context.Context) (*globus.Client, error) {
	ts, err := globus.TokenSource(ctx, globus.Credentials{
		ClientID:     a.cfg.Globus.ClientID,
		ClientSecret: a.cfg.Globus.ClientSecret,
		AccessToken:  a.cfg.Globus.AccessToken,
		RefreshToken: a.cfg.Globus.RefreshToken,
	})
	if err != nil {
		return nil, fmt.Errorf("globus credentials: %w", err)
	}
	httpClient := globus.NewHTTPClient(ts, a.cfg.Globus.Timeout)
	return globus.NewClient(a.cfg.Globus.BaseURL, httpClient, a.logger.Named("globus")), nil
}

// orchestrator wires the full pipeline. The scanner is returned as well so
// watch mode can reuse its pattern.
func (a *app) orchestrator(ctx context.Context) (*reconcile.Orchestrator, *scanner.Scanner, error) {
	if _, err := os.Stat(a.cfg.Paths.SourceDir); err != nil {
		return nil, nil, fmt.Errorf("source directory: %w", err)
	}
	fs := osfs.New(a.cfg.Paths.SourceDir)

	sc, err := scanner.New(fs, a.cfg.Policy.Pattern)
	if err != nil {
		return nil, nil, err
	}

	store, err := a.store(ctx)
	if err != nil {
		return nil, nil, err
	}

	client, err := a.globusClient(ctx)
	if err != nil {
		return nil, nil, err
	}

	policy := reconcile.Policy{
		MaxActiveTasks:      a.cfg.Policy.MaxActiveTasks,
		MaxFileSizeBytes:    a.cfg.Policy.MaxFileSizeBytes,
		SourceEndpoint:      a.cfg.Globus.SourceEndpoint,
		DestinationEndpoint: a.cfg.Globus.DestinationEndpoint,
		SourceBasePath:      a.cfg.Globus.SourceBasePath,
		DestinationBasePath: a.cfg.Globus.DestinationBasePath,
		VerifyChecksum:      a.cfg.Policy.VerifyChecksum,
	}

	var opts []reconcile.Option
	if len(a.cfg.Events.Brokers) > 0 {
		publisher := events.NewPublisher(a.cfg.Events.Brokers, a.cfg.Events.Topic, a.logger.Named("events"))
		a.onClose(publisher.Close)
		opts = append(opts, reconcile.WithPublisher(publisher))
	}

	mover := relocator.New(fs, a.cfg.Paths.CompletedDir, a.logger)
	engine := reconcile.NewEngine(store, client, mover, policy, a.logger, opts...)
	orch := reconcile.NewOrchestrator(sc, engine, a.logger)

	if a.cfg.Lock.RedisAddr != "" {
		rdb, err := runlock.Connect(ctx, a.cfg.Lock.RedisAddr, a.cfg.Lock.RedisPassword, a.cfg.Lock.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(rdb.Close)
		orch.WithLock(runlock.New(rdb, a.cfg.Lock.Key, a.cfg.Lock.TTL, a.logger))
	}

	return orch, sc, nil
}

func (a *app) runOnce(ctx context.Context) error {
	orch, _, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	_, err = orch.Run(ctx)
	return err
}

func (a *app) watch(ctx context.Context) error {
	orch, sc, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}

	runner := watcher.RunnerFunc(func(ctx context.Context) error {
		_, err := orch.Run(ctx)
		return err
	})
	w, err := watcher.New(a.cfg.Paths.SourceDir, sc.Matches, runner,
		a.cfg.Policy.PollInterval, a.cfg.Watch.Debounce, a.logger.Named("watcher"))
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	a.onClose(w.Close)

	a.logger.Info("watching",
		zap.String("source_dir", a.cfg.Paths.SourceDir),
		zap.Duration("poll_interval", a.cfg.Policy.PollInterval))
	if err := w.Run(ctx); err != nil {
		return err
	}
	a.logger.Info("shutting down...")
	return nil
}

func (a *app) listRecords(ctx context.Context) error {
	store, err := a.store(ctx)
	if err != nil {
		return err
	}
	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	printRecords(a.out, records)
	return nil
}

func printRecords(out io.Writer, records []model.TransferRecord) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tTASK ID\tSTATUS\tREQUESTED\tCOMPLETED")
	for _, rec := range records {
		var completed *time.Time
		if rec.CompletionTime.Valid {
			completed = &rec.CompletionTime.Time
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			rec.File, rec.TaskID, rec.Status, formatTime(&rec.RequestTime), formatTime(completed))
	}
	tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
