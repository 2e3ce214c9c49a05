package rollup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// DefaultLookback is how many closed windows each catch-up scans
var DefaultLookback = map[bucket.Granularity]int{
	bucket.Hour:  48,
	bucket.Day:   14,
	bucket.Month: 3,
	bucket.Year:  2,
}

// Chain owns one Job per granularity and runs them in dependency order
type Chain struct {
	store    storage.Store
	jobs     map[bucket.Granularity]*Job
	runner   *Runner
	ledger   *ledger.Ledger
	lookback map[bucket.Granularity]int
	cfg      Config
	log      *slog.Logger
}

// NewChain wires the hour, day, month and year jobs
func NewChain(store storage.Store, l *ledger.Ledger, calc *reliability.Calculator, runner *Runner, cfg Config, lookback map[bucket.Granularity]int, log *slog.Logger) *Chain {
	cfg = cfg.withDefaults()
	jobs := make(map[bucket.Granularity]*Job, len(bucket.Chain))
	for _, g := range bucket.Chain {
		jobs[g] = NewJob(g, store, l, calc, cfg)
	}

	merged := make(map[bucket.Granularity]int, len(DefaultLookback))
	for g, n := range DefaultLookback {
		merged[g] = n
	}
	for g, n := range lookback {
		if n > 0 {
			merged[g] = n
		}
	}

	return &Chain{
		store:    store,
		jobs:     jobs,
		runner:   runner,
		ledger:   l,
		lookback: merged,
		cfg:      cfg,
		log:      log,
	}
}

// Job returns the job for g
func (c *Chain) Job(g bucket.Granularity) *Job {
	return c.jobs[g]
}

// Closed returns the last n closed windows of g, oldest first
func (c *Chain) Closed(g bucket.Granularity, n int) []bucket.Window {
	// The bucket containing now-lag is still open; everything before it is closed
	open := g.Truncate(c.cfg.Now().Add(-c.cfg.IngestLag))
	return bucket.Windows(g, g.Add(open, -n), open)
}

// scanWindows returns the closed windows of g that catch-up considers: the
// lookback, stretched back to the oldest stored input of g. Input that
// arrives for a bucket older than the lookback, such as a replayed Kafka
// backlog, still gets rolled up before retention reaches it.
func (c *Chain) scanWindows(ctx context.Context, g bucket.Granularity) ([]bucket.Window, error) {
	windows := c.Closed(g, c.lookback[g])
	if len(windows) == 0 {
		return windows, nil
	}

	var (
		oldest time.Time
		err    error
	)
	if finer, ok := g.Finer(); ok {
		oldest, err = c.store.OldestAggregate(ctx, finer)
	} else {
		oldest, err = c.store.OldestReading(ctx)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return windows, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find oldest %s input: %w", g, err)
	}

	first := g.Truncate(oldest)
	if g == bucket.Hour {
		// Empty hours succeed trivially; scanning the whole day lets the day
		// job find all 24 done
		first = bucket.Day.Truncate(oldest)
	}
	if first.Before(windows[0].Start) {
		windows = bucket.Windows(g, first, windows[len(windows)-1].End)
	}
	return windows, nil
}

// Pending lists closed windows that lack a non-partial success, oldest
// first. The scan covers the lookback and any older bucket that still has
// stored input.
func (c *Chain) Pending(ctx context.Context, g bucket.Granularity) ([]bucket.Window, error) {
	windows, err := c.scanWindows(ctx, g)
	if err != nil {
		return nil, err
	}
	completion, err := c.ledger.Completion(ctx, g.JobType(), windows)
	if err != nil {
		return nil, err
	}

	done := make(map[int64]bool, len(completion.Complete))
	for _, w := range completion.Complete {
		done[w.Start.UnixNano()] = true
	}
	var pending []bucket.Window
	for _, w := range windows {
		if !done[w.Start.UnixNano()] {
			pending = append(pending, w)
		}
	}
	return pending, nil
}

// Report summarizes a catch-up or backfill
type Report struct {
	Ran      int
	Failed   int
	Refused  int
	Partial  int
	Duration time.Duration
}

func (r *Report) add(res *Result, err error) {
	switch {
	case err == nil:
		r.Ran++
		if res.Partial {
			r.Partial++
		}
	case errors.Is(err, ErrIncompleteInput), errors.Is(err, ErrWindowOpen):
		r.Refused++
	default:
		r.Failed++
	}
}

// CatchUp runs every pending window of g, oldest first. A failed window
// does not stop later ones; the next invocation retries it.
func (c *Chain) CatchUp(ctx context.Context, g bucket.Granularity) (Report, error) {
	start := time.Now()
	var report Report

	pending, err := c.Pending(ctx, g)
	if err != nil {
		return report, fmt.Errorf("failed to list pending %s windows: %w", g, err)
	}
	if len(pending) > 0 {
		c.log.Info("catching up", slog.String("granularity", string(g)), slog.Int("pending", len(pending)))
	}

	var firstErr error
	for _, w := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := c.runner.Execute(ctx, c.jobs[g], w)
		report.add(res, err)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	report.Duration = time.Since(start)
	return report, firstErr
}

// CatchUpAll catches up every granularity, finest first
func (c *Chain) CatchUpAll(ctx context.Context) (map[bucket.Granularity]Report, error) {
	reports := make(map[bucket.Granularity]Report, len(bucket.Chain))
	var firstErr error
	for _, g := range bucket.Chain {
		r, err := c.CatchUp(ctx, g)
		reports[g] = r
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
	}
	return reports, firstErr
}

// RunWindow runs the single g-bucket containing t
func (c *Chain) RunWindow(ctx context.Context, g bucket.Granularity, t time.Time) (*Result, error) {
	return c.runner.Execute(ctx, c.jobs[g], g.Window(t))
}

// Backfill rebuilds every closed bucket in [from, to) for each granularity,
// finest first. Buckets of one granularity are independent and run up to
// parallelism at a time.
func (c *Chain) Backfill(ctx context.Context, from, to time.Time, parallelism int) (map[bucket.Granularity]Report, error) {
	if parallelism <= 0 {
		parallelism = 1
	}
	now := c.cfg.Now()
	reports := make(map[bucket.Granularity]Report, len(bucket.Chain))

	for _, g := range bucket.Chain {
		var (
			mu     sync.Mutex
			report Report
		)
		started := time.Now()

		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(parallelism)
		for _, w := range bucket.Windows(g, g.Truncate(from), to) {
			if !w.Closed(now, c.cfg.IngestLag) {
				continue
			}
			w := w
			eg.Go(func() error {
				res, err := c.runner.Execute(egCtx, c.jobs[g], w)
				mu.Lock()
				report.add(res, err)
				mu.Unlock()
				if errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
		err := eg.Wait()
		report.Duration = time.Since(started)
		reports[g] = report
		if err != nil {
			return reports, err
		}
		c.log.Info("backfill pass finished",
			slog.String("granularity", string(g)),
			slog.Int("ran", report.Ran),
			slog.Int("failed", report.Failed),
			slog.Int("refused", report.Refused),
		)
	}
	return reports, nil
}
