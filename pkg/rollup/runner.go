package rollup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/metrics"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// RunnerConfig bounds retries and run time
type RunnerConfig struct {
	// MaxAttempts including the first one
	MaxAttempts int

	// BaseDelay before the first retry; doubles on each retry
	BaseDelay time.Duration

	// Budget is the wall-clock limit of a single attempt (0 = none)
	Budget time.Duration

	// AlertAfter logs an error once a job type has failed this many times in a row
	AlertAfter int
}

// maxLedgerWarnings caps the per-entity messages copied into a ledger entry
const maxLedgerWarnings = 20

// Runner executes tasks with retry and exponential backoff and records
// exactly one ledger entry per execution
type Runner struct {
	ledger *ledger.Ledger
	log    *slog.Logger
	cfg    RunnerConfig
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner
func NewRunner(l *ledger.Ledger, log *slog.Logger, cfg RunnerConfig) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.AlertAfter <= 0 {
		cfg.AlertAfter = 3
	}
	return &Runner{
		ledger: l,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs task for w. Transient failures are retried after 30s, 60s,
// 120s (with the default base delay); anything else fails immediately. The
// outcome is appended to the ledger either way, unless the window is still
// open.
func (r *Runner) Execute(ctx context.Context, task Task, w bucket.Window) (*Result, error) {
	jobType := task.JobType()
	log := r.log.With(slog.String("job", jobType), slog.Time("bucket", w.Start))
	started := r.now()

	var (
		res      *Result
		err      error
		attempts int
	)
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.cfg.BaseDelay * time.Duration(1<<(attempt-2))
			log.Info("retrying job", slog.Duration("delay", delay), slog.Int("attempt", attempt), slog.Int("max_attempts", r.cfg.MaxAttempts))
			metrics.ObserveRetry(jobType)
			if serr := r.sleep(ctx, delay); serr != nil {
				break
			}
		}

		attempts = attempt
		res, err = r.attempt(ctx, task, w)
		if err == nil || !Transient(err) {
			break
		}
		log.Warn("job attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
	}

	// Declining an open window is not an execution
	if errors.Is(err, ErrWindowOpen) {
		log.Debug("window not closed yet", slog.Any("error", err))
		return nil, err
	}

	finished := r.now()
	entry := ledger.Entry{
		JobType:    jobType,
		Bucket:     w,
		Attempts:   attempts,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}
	if err == nil {
		entry.Status = storage.StatusSuccess
		entry.Partial = res.Partial
		entry.EntitiesProcessed = res.Processed
		entry.EntitiesSkipped = len(res.Skipped)
		entry.Warnings = append(entry.Warnings, res.Warnings...)
		for i, s := range res.Skipped {
			if i == maxLedgerWarnings {
				break
			}
			entry.Warnings = append(entry.Warnings, "skipped "+s.Error())
		}
	} else {
		entry.Status = storage.StatusFailure
		entry.Error = err.Error()
	}

	// The run may have been cancelled; the outcome is still recorded
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, lerr := r.ledger.Record(recordCtx, entry); lerr != nil {
		log.Error("failed to record ledger entry", slog.Any("error", lerr))
	}
	metrics.ObserveJob(jobType, entry.Status, entry.Duration, entry.EntitiesProcessed, entry.EntitiesSkipped)

	if err != nil {
		log.Error("job failed", slog.Int("attempts", attempts), slog.Any("error", err))
		if streak, serr := r.ledger.Streak(recordCtx, jobType); serr == nil && streak.ConsecutiveFailures > r.cfg.AlertAfter {
			log.Error("job failing repeatedly", slog.Int("consecutive_failures", streak.ConsecutiveFailures))
		}
		return nil, err
	}

	log.Info("job completed",
		slog.Int("rows", res.Rows),
		slog.Int("processed", res.Processed),
		slog.Int("skipped", len(res.Skipped)),
		slog.Bool("partial", res.Partial),
		slog.Int("warnings", len(res.Warnings)),
		slog.Duration("duration", entry.Duration.Round(time.Millisecond)),
	)
	for _, s := range res.Skipped {
		log.Warn("entity skipped", slog.String("id", s.ID), slog.Any("error", s.Err))
	}
	return res, nil
}

func (r *Runner) attempt(ctx context.Context, task Task, w bucket.Window) (*Result, error) {
	if r.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Budget)
		defer cancel()
	}
	return task.Run(ctx, w)
}
