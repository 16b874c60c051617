package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/msageha/leasepool/internal/backlog"
	"github.com/msageha/leasepool/internal/board"
	"github.com/msageha/leasepool/internal/classify"
	"github.com/msageha/leasepool/internal/credentials"
	"github.com/msageha/leasepool/internal/events"
	"github.com/msageha/leasepool/internal/lease"
	"github.com/msageha/leasepool/internal/logging"
	"github.com/msageha/leasepool/internal/model"
	"github.com/msageha/leasepool/internal/outcome"
	"github.com/msageha/leasepool/internal/push"
	"github.com/msageha/leasepool/internal/scheduler"
	"github.com/msageha/leasepool/internal/setup"
	"github.com/msageha/leasepool/internal/status"
	"github.com/msageha/leasepool/internal/tracker"
	"github.com/msageha/leasepool/internal/worker"
)

const version = "0.3.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "reset":
		runReset(os.Args[2:])
	case "version":
		fmt.Printf("leasepool %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	name := fs.String("name", "", "project name (default: directory name)")
	fs.Parse(args)

	dir := "."
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	base, err := setup.Run(dir, *name)
	if err != nil {
		fatalf("init: %v", err)
	}
	fmt.Printf("Initialized %s\n", base)
}

// mustBase locates .leasepool/ and loads its config.
func mustBase() (string, model.Config) {
	base := setup.Find(".")
	if base == "" {
		fatalf("error: %s/ directory not found. Run 'leasepool init' first.", setup.DirName)
	}
	cfg, err := setup.LoadConfig(base)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return base, cfg
}

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	verbose := fs.Bool("v", false, "also log to stderr")
	concurrency := fs.Int("concurrency", 0, "workers per round (overrides pool.concurrency)")
	maxRounds := fs.Int("max-rounds", -1, "stop after N rounds (overrides pool.max_rounds)")
	fs.Parse(args)

	base, cfg := mustBase()
	if *concurrency > 0 {
		cfg.Pool.Concurrency = *concurrency
	}
	if *maxRounds >= 0 {
		cfg.Pool.MaxRounds = *maxRounds
	}
	if err := setup.Validate(cfg); err != nil {
		fatalf("config: %v", err)
	}
	if len(cfg.Worker.Command) == 0 {
		fatalf("config: worker.command is empty")
	}

	os.Exit(runLogged(base, cfg, *verbose))
}

// runLogged owns the log file so it is closed before the process exits.
func runLogged(base string, cfg model.Config, verbose bool) int {
	var extra []io.Writer
	if verbose {
		extra = append(extra, os.Stderr)
	}
	logger, logFile, err := logging.OpenFile(filepath.Join(base, setup.LogFile), logging.ParseLevel(cfg.Logging.Level), extra...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log: %v\n", err)
		return 1
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// a second signal kills the process
		stop()
	}()

	sum, err := run(ctx, base, cfg, logger)
	if err != nil {
		logger.Errorf("run: %v", err)
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		logger.Errorf("write summary: %v", err)
		fmt.Fprintf(os.Stderr, "write summary: %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, base string, cfg model.Config, logger *logging.Logger) (scheduler.Summary, error) {
	credPath := cfg.Credentials.File
	if !filepath.IsAbs(credPath) {
		credPath = filepath.Join(base, credPath)
	}
	creds, err := credentials.LoadFile(credPath, cfg.Credentials.Cooldown(), logger)
	if err != nil {
		return scheduler.Summary{}, err
	}

	policy := classify.NewPolicy(cfg.Retry.MinBackoff(), cfg.Retry.MaxBackoff(), logger)
	if creds != nil {
		policy.Rotator = creds
	}

	inner, closeTracker, err := openTracker(base, cfg, logger)
	if err != nil {
		return scheduler.Summary{}, err
	}
	defer closeTracker()

	runner := worker.NewExecRunner(cfg.Worker, logger)
	runner.Dir = cfg.Project.Root
	if creds != nil {
		runner.Env = creds.Env
	}
	if fc, ok := inner.(*tracker.FileClient); ok {
		runner.TasksFile, runner.TasksLock = fc.Path(), fc.LockPath()
	}

	client := tracker.NewCached(inner, cfg.Tracker.CacheTTL())
	policy.Resync = func(context.Context) error {
		client.Invalidate()
		return nil
	}

	leases := lease.NewManager(lease.NewStore(base, logger), client, lease.Options{
		TTL:               cfg.Lease.TTL(),
		DeprioritizeAfter: cfg.Lease.FailureDeprioritizeThreshold,
		Filter:            tracker.Filter{Labels: cfg.Tracker.Labels, Limit: cfg.Tracker.Limit},
		Policy:            policy,
		Logger:            logger,
	})

	audit, err := events.NewAuditLogger(filepath.Join(base, setup.AuditFile), 0)
	if err != nil {
		return scheduler.Summary{}, err
	}
	defer audit.Close()
	bus := events.NewBus(256)
	defer bus.Close()
	audit.Attach(bus, events.AllTypes, func(err error) { logger.Warnf("audit: %v", err) })

	fb := board.NewFileBoard(base)
	opts := scheduler.Options{
		Concurrency: cfg.Pool.Concurrency,
		MaxRounds:   cfg.Pool.MaxRounds,
		Hooks:       board.Chain(fb.Hooks(), board.TrackerHooks(client)),
		Policy:      policy,
		Bus:         bus,
		Logger:      logger,
	}
	if cfg.Push.Enabled {
		opts.Serializer = push.NewSerializer(base, logger)
		opts.Pusher = push.NewGitPusher(cfg.Push, logger)
	}

	s := scheduler.New(leases, client, runner,
		outcome.NewValidator(client, policy, logger),
		backlog.NewMonitor(cfg.Backlog.EmptyRoundThreshold),
		opts)

	logger.Infof("start project=%s tracker=%s concurrency=%d ttl=%s", cfg.Project.Name, cfg.Tracker.Kind, cfg.Pool.Concurrency, cfg.Lease.TTL())
	return s.Run(ctx)
}

func openTracker(base string, cfg model.Config, logger *logging.Logger) (tracker.Client, func(), error) {
	switch cfg.Tracker.Kind {
	case "github":
		return tracker.NewGitHubClient(cfg.Tracker.Repo), func() {}, nil
	default:
		fc := tracker.NewFileClient(filepath.Join(base, setup.TasksFile), logger)
		if err := fc.Watch(); err != nil {
			return nil, nil, err
		}
		return fc, func() {
			if err := fc.Stop(); err != nil {
				logger.Warnf("stop watcher: %v", err)
			}
		}, nil
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "print JSON")
	fs.Parse(args)

	base, cfg := mustBase()
	store := lease.NewStore(base, logging.Discard())
	r, err := status.Build(context.Background(), store, board.NewFileBoard(base), status.Options{
		TTL:               cfg.Lease.TTL(),
		DeprioritizeAfter: cfg.Lease.FailureDeprioritizeThreshold,
		Now:               time.Now(),
	})
	if err != nil {
		fatalf("status: %v", err)
	}
	if err := status.Write(os.Stdout, r, *jsonOutput); err != nil {
		fatalf("status: %v", err)
	}
}

func runReset(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: leasepool reset <task-id>")
	}

	base, cfg := mustBase()
	os.Exit(resetTask(base, cfg, fs.Arg(0)))
}

func resetTask(base string, cfg model.Config, taskID string) int {
	logger, logFile, err := logging.OpenFile(filepath.Join(base, setup.LogFile), logging.ParseLevel(cfg.Logging.Level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log: %v\n", err)
		return 1
	}
	defer logFile.Close()

	// Reset only touches the ledger; the tracker is never queried.
	mgr := lease.NewManager(lease.NewStore(base, logger), tracker.NewMemoryClient(), lease.Options{Logger: logger})
	found, err := mgr.Reset(context.Background(), taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset: %v\n", err)
		return 1
	}
	if !found {
		fmt.Printf("no ledger record for %s\n", taskID)
		return 0
	}
	fmt.Printf("failure history cleared for %s\n", taskID)
	return 0
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `leasepool %s - lease-based task scheduler for stateless workers

Usage: leasepool <command> [options]

Commands:
  init [--name N] [dir]          Initialize .leasepool/
  run [-v] [--concurrency N] [--max-rounds N]
                                 Run worker rounds until the backlog is exhausted
  status [--json]                Show claims and failure history
  reset <task-id>                Clear a task's failure history
  version                        Show version
  help                           Show this help

`, version)
}
