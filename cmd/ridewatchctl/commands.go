package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/config"
	"github.com/nicktill/ridewatch/pkg/logging"
	"github.com/nicktill/ridewatch/pkg/server"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// cliEnv is what the commands need from the outside world
type cliEnv struct {
	open func(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, error)
	out  io.Writer
	now  func() time.Time
}

func defaultEnv() *cliEnv {
	return &cliEnv{
		open: func(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, error) {
			return server.OpenStore(ctx, cfg.Storage, log)
		},
		out: os.Stdout,
		now: time.Now,
	}
}

// app holds the state opened by the root command for its subcommands
type app struct {
	env   *cliEnv
	cfg   *config.Config
	store storage.Store
	c     *server.Components

	configPath string
	logLevel   string
}

// execute runs the command line in args and closes the store afterwards,
// whether or not the command failed
func execute(ctx context.Context, env *cliEnv, args []string) error {
	a := &app{env: env}
	root := newRootCmd(a)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ridewatchctl",
		Short:         "Operate the ridewatch rollup engine",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", os.Getenv("RIDEWATCH_CONFIG"),
		"Path to YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn",
		"Log level: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(a),
		newBackfillCmd(a),
		newSweepCmd(a),
		newLedgerCmd(a),
		newStatusCmd(a),
	)
	return root
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(a.logLevel, "text", os.Stderr)
	if err != nil {
		return err
	}
	store, err := a.env.open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a.cfg = cfg
	a.store = store
	a.c = server.NewComponents(cfg, store, log)
	return nil
}

func newRunCmd(a *app) *cobra.Command {
	var (
		at      string
		pending bool
	)
	cmd := &cobra.Command{
		Use:   "run GRANULARITY",
		Short: "Run one rollup window, or every pending one",
		Long: `Run the rollup of one bucket.

Without --at the most recently closed bucket is run. With --pending every
closed bucket in the lookback that lacks a complete success is run, oldest
first.

Examples:
  ridewatchctl run hour
  ridewatchctl run day --at 2026-07-04T00:00:00Z
  ridewatchctl run month --pending`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := bucket.Parse(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if pending {
				report, err := a.c.Chain.CatchUp(ctx, g)
				printReports(a.env.out, map[bucket.Granularity]reportRow{g: fromReport(report)})
				return err
			}

			var t time.Time
			if at != "" {
				if t, err = time.Parse(time.RFC3339, at); err != nil {
					return fmt.Errorf("invalid --at %q: use RFC3339", at)
				}
			} else {
				closed := a.c.Chain.Closed(g, 1)
				if len(closed) == 0 {
					return fmt.Errorf("no closed %s bucket", g)
				}
				t = closed[0].Start
			}

			res, err := a.c.Chain.RunWindow(ctx, g, t)
			if err != nil {
				return err
			}
			printResult(a.env.out, g.JobType(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Any time inside the bucket to run (RFC3339)")
	cmd.Flags().BoolVar(&pending, "pending", false, "Run every pending bucket in the lookback")
	return cmd
}

func newBackfillCmd(a *app) *cobra.Command {
	var (
		from, to    string
		parallelism int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Rebuild every closed bucket in a time range",
		Long: `Rebuild hour, day, month and year buckets in [from, to), finest first.

Existing rows are overwritten in place, so a backfill can be repeated.

Example:
  ridewatchctl backfill --from 2026-06-01T00:00:00Z --to 2026-07-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return fmt.Errorf("invalid --from %q: use RFC3339", from)
			}
			end := a.env.now().UTC()
			if to != "" {
				if end, err = time.Parse(time.RFC3339, to); err != nil {
					return fmt.Errorf("invalid --to %q: use RFC3339", to)
				}
			}
			if !start.Before(end) {
				return fmt.Errorf("--from must be before --to")
			}
			if parallelism <= 0 {
				parallelism = a.cfg.Rollup.BackfillWorkers
			}

			reports, err := a.c.Chain.Backfill(cmd.Context(), start, end, parallelism)
			rows := make(map[bucket.Granularity]reportRow, len(reports))
			for g, r := range reports {
				rows[g] = fromReport(r)
			}
			printReports(a.env.out, rows)
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Range start (RFC3339, required)")
	cmd.Flags().StringVar(&to, "to", "", "Range end (RFC3339, default now)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "Buckets rebuilt at once (default from config)")
	cmd.MarkFlagRequired("from")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the retention sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := a.c.SweepNow(cmd.Context(), a.env.now())
			if err != nil {
				return err
			}
			printResult(a.env.out, a.c.Sweeper.JobType(), res)
			return nil
		},
	}
}

func newLedgerCmd(a *app) *cobra.Command {
	var (
		job, status string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List recent job executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" && status != storage.StatusSuccess && status != storage.StatusFailure {
				return fmt.Errorf("--status must be %q or %q", storage.StatusSuccess, storage.StatusFailure)
			}
			entries, err := a.c.Ledger.Recent(cmd.Context(), storage.LedgerQuery{
				JobType: job,
				Status:  status,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			printLedger(a.env.out, entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "Filter by job type (rollup_hour, rollup_day, ..., retention)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (success, failure)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show job health and pending buckets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			jobs, err := a.c.Jobs.Check(ctx)
			if err != nil {
				return err
			}
			pending := make(map[string]int, len(bucket.Chain))
			for _, g := range bucket.Chain {
				windows, err := a.c.Chain.Pending(ctx, g)
				if err != nil {
					return err
				}
				pending[g.JobType()] = len(windows)
			}
			printStatus(a.env.out, jobs, pending)
			return nil
		},
	}
}
