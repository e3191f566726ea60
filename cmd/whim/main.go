package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/casey/whim/backtest"
	"github.com/casey/whim/internal/app"
	"github.com/casey/whim/internal/engine"
	"github.com/casey/whim/internal/feed"
	"github.com/casey/whim/internal/infra"
	"github.com/casey/whim/internal/storage"
)

// Exit codes follow sysexits: 64 is a command line usage error.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 64
)

const usage = `Usage: whim <command> [flags]

Commands:
  record    Record the GDAX feed and maintain order books
  replay    Rebuild order books from a recorded message store
  version   Print the version

Run 'whim <command> --help' for command flags.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	switch args[0] {
	case "record":
		return record(args[1:], stdout, stderr)
	case "replay":
		return replay(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, infra.UserAgent())
		return exitOK
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "whim: unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}

// parse returns an exit code when the command should stop.
// pflag has already printed usage for --help and flag errors.
func parse(fs *pflag.FlagSet, args []string, stderr io.Writer) (int, bool) {
	fs.SetOutput(stderr)
	err := fs.Parse(args)
	switch {
	case errors.Is(err, pflag.ErrHelp):
		return exitOK, true
	case err != nil:
		return exitUsage, true
	case fs.NArg() > 0:
		fmt.Fprintf(stderr, "whim %s: unexpected argument %q\n", fs.Name(), fs.Arg(0))
		return exitUsage, true
	}
	return 0, false
}

func fail(stderr io.Writer, err error) int {
	fmt.Fprintf(stderr, "whim: %v\n", err)
	return exitFailure
}

func record(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("record", pflag.ContinueOnError)
	sandbox := fs.Bool("sandbox", false, "record from the public sandbox instead of the live feed")
	configPath := fs.StringP("config", "c", "", "path to config.yaml")
	url := fs.String("url", "", "override the feed endpoint")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	if code, stop := parse(fs, args, stderr); stop {
		return code
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(stderr, err)
	}
	if fs.Changed("sandbox") {
		cfg.Feed.Sandbox = *sandbox
	}
	if *url != "" {
		cfg.Feed.URL = *url
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "whim record: %v\n", err)
		return exitUsage
	}

	infra.PrintBanner(stdout, cfg, "record")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	boot := app.NewBootstrap(cfg, stderr)
	defer boot.Close()
	if err := boot.Initialize(ctx); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		return fail(stderr, err)
	}

	rec, err := boot.Recorder(ctx)
	if err != nil {
		return fail(stderr, err)
	}

	slog.Info("✨ Recording. Press Ctrl+C to exit.")
	runErr := rec.Run(ctx)

	slog.Info("👋 Shutting down gracefully...", slog.Uint64("messages", rec.Stats().Messages))
	backtest.PrintSummaries(stdout, rec)

	if runErr != nil {
		return fail(stderr, runErr)
	}
	return exitOK
}

func loadConfig(explicit string) (*infra.Config, error) {
	path := infra.ResolveConfigPath(explicit)
	if explicit == "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return infra.LoadDefaultConfig()
		}
	}
	return infra.LoadConfig(path)
}

func replay(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	dbPath := fs.String("db", "", "message store to replay (required)")
	snapDir := fs.String("snapshots", "", "snapshot directory (default: snapshots next to --db)")
	noSnapshot := fs.Bool("no-snapshot", false, "replay every message instead of starting from the latest snapshot")
	depth := fs.Int("depth", 0, "print the top N levels of every book")
	logLevel := fs.String("log-level", "warn", "debug, info, warn or error")
	if code, stop := parse(fs, args, stderr); stop {
		return code
	}
	if *dbPath == "" {
		fmt.Fprintln(stderr, "whim replay: --db is required")
		return exitUsage
	}
	if *depth < 0 {
		fmt.Fprintln(stderr, "whim replay: --depth must not be negative")
		return exitUsage
	}
	if *snapDir == "" {
		*snapDir = filepath.Join(filepath.Dir(*dbPath), "snapshots")
	}
	if _, err := os.Stat(*dbPath); err != nil {
		return fail(stderr, err)
	}

	cfg := infra.DefaultConfig()
	cfg.Logging.Level = *logLevel
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "whim replay: %v\n", err)
		return exitUsage
	}
	logger := infra.NewLogger(cfg, stderr)

	infra.PrintBanner(stdout, cfg, "replay")

	rp, err := backtest.NewReplayer(*dbPath, logger)
	if err != nil {
		return fail(stderr, err)
	}
	defer rp.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	endpoint, err := rp.Endpoint(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	if endpoint != "" {
		fmt.Fprintf(stdout, "Recorded from %s\n", endpoint)
	}

	rec := engine.NewRecorder(feed.NewBuilder(), nil, engine.Config{Logger: logger})
	if !*noSnapshot {
		snap, err := rp.Restore(ctx, rec, storage.NewSnapshotManager(*snapDir, logger))
		if err != nil {
			return fail(stderr, err)
		}
		if snap != nil {
			fmt.Fprintf(stdout, "Starting from snapshot at message %d\n", snap.Seq)
		}
	}

	n, err := rp.RunReplay(ctx, rec)
	if err != nil {
		return fail(stderr, err)
	}

	fmt.Fprintf(stdout, "Replayed %d messages\n\n", n)
	if err := backtest.PrintSummaries(stdout, rec); err != nil {
		return fail(stderr, err)
	}

	counts, err := rp.Counts(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	fmt.Fprintln(stdout)
	if err := backtest.PrintCounts(stdout, counts); err != nil {
		return fail(stderr, err)
	}

	if *depth > 0 {
		if err := backtest.PrintDepth(stdout, rec, *depth); err != nil {
			return fail(stderr, err)
		}
	}
	return exitOK
}
