package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/nexus/pkg/config"
	"github.com/Mindburn-Labs/nexus/pkg/consensus"
	"github.com/Mindburn-Labs/nexus/pkg/nexus"
)

// Exit codes.
const (
	exitOK      = 0
	exitStorage = 1
	exitUsage   = 2
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// exitError carries an explicit exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error { return &exitError{code: exitUsage, err: err} }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitStorage
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError(err) })

	if err := root.ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

type rootOptions struct {
	stdout, stderr io.Writer

	configPath string
	dbDriver   string
	dbPath     string
	verbose    bool

	once     bool
	setup    bool
	stats    bool
	interval time.Duration
	quorum   float64
	minVotes int
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	o := &rootOptions{stdout: stdout, stderr: stderr}
	cmd := &cobra.Command{
		Use:   "nexus-consensus",
		Short: "Decides proposals whose voting window has closed",
		Long: `nexus-consensus evaluates every VOTING_OPEN proposal past its deadline,
applies the quorum rule and records the outcome exactly once, however many
evaluators run against the same database.

Without --once it runs continuously, evaluating every --interval and purging
expired nonces, rate windows and old decisions in the background.`,
		Args: noArgs,
		RunE: o.run,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "YAML configuration file (environment variables still apply)")
	pf.StringVar(&o.dbDriver, "db-driver", "", "database driver: sqlite or postgres")
	pf.StringVar(&o.dbPath, "db-path", "", "SQLite path or Postgres DSN")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	f := cmd.Flags()
	f.BoolVar(&o.once, "once", false, "evaluate due proposals once and exit")
	f.BoolVar(&o.setup, "setup", false, "create the schema and exit")
	f.BoolVar(&o.stats, "stats", false, "print statistics as JSON and exit")
	f.DurationVar(&o.interval, "interval", 0, "evaluation interval in continuous mode")
	f.Float64Var(&o.quorum, "quorum", 0, "quorum threshold, a FOR share of decisive votes in (0,1]")
	f.IntVar(&o.minVotes, "min-votes", 0, "minimum decisive votes for acceptance")

	cmd.AddCommand(newNodeCmd(o), newSignCmd(o))
	return cmd
}

func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageError(fmt.Errorf("unexpected argument %q", args[0]))
	}
	return nil
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError(fmt.Errorf("expected %d argument(s), got %d", n, len(args)))
		}
		return nil
	}
}

// loadConfig reads file and environment configuration, then applies flags
// that were set explicitly.
func (o *rootOptions) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFile(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, usageError(err)
	}

	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		cfg.Storage.Driver = o.dbDriver
	}
	if flags.Changed("db-path") {
		cfg.Storage.DSN = o.dbPath
	}
	if flags.Changed("interval") {
		cfg.Consensus.EvalInterval = o.interval
	}
	if flags.Changed("quorum") {
		cfg.Consensus.QuorumThreshold = o.quorum
	}
	if flags.Changed("min-votes") {
		cfg.Consensus.MinDecisiveVotes = o.minVotes
	}
	if o.verbose {
		cfg.LogLevel = "DEBUG"
	}
	if err := cfg.Validate(); err != nil {
		return nil, usageError(err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openServices loads configuration and opens storage for any subcommand.
func (o *rootOptions) openServices(cmd *cobra.Command) (*nexus.Services, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(o.stderr, cfg).With("service", "nexus-consensus")
	slog.SetDefault(logger)

	svc, err := nexus.NewServices(cmd.Context(), cfg, nexus.Options{
		ServiceName: "nexus-consensus",
		Logger:      logger,
	})
	if err != nil {
		if errors.Is(err, consensus.ErrStorage) {
			return nil, err
		}
		return nil, usageError(err)
	}
	return svc, nil
}

func (o *rootOptions) run(cmd *cobra.Command, _ []string) error {
	modes := 0
	for _, set := range []bool{o.once, o.setup, o.stats} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return usageError(errors.New("--once, --setup and --stats are mutually exclusive"))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.SetContext(ctx)

	svc, err := o.openServices(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	switch {
	case o.setup:
		if err := svc.Store.Ping(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(o.stdout, "schema ready (%s)\n", svc.Config.Storage.Driver)
		return nil

	case o.stats:
		stats, err := svc.Store.Statistics(ctx)
		if err != nil {
			return err
		}
		return writeJSON(o.stdout, stats)

	case o.once:
		report, err := svc.Evaluator.EvaluateDueProposals(ctx)
		if werr := writeJSON(o.stdout, report); werr != nil && err == nil {
			err = werr
		}
		return err
	}

	scheduler := consensus.NewScheduler(svc.Evaluator, svc.Config.Consensus.EvalInterval, svc.Logger, svc.MaintenanceTasks()...)
	return scheduler.Run(ctx)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
