package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/config"
	"github.com/nicktill/ridewatch/pkg/logging"
	"github.com/nicktill/ridewatch/pkg/storage"
	"github.com/nicktill/ridewatch/pkg/storage/badger"
)

// Schedules (UTC). Each rollup runs a few minutes after its bucket closes
// and after the finer rollup it reads from; retention runs once the day's
// rollups are done.
var Schedules = map[bucket.Granularity]string{
	bucket.Hour:  "5 * * * *",
	bucket.Day:   "15 0 * * *",
	bucket.Month: "30 0 1 * *",
	bucket.Year:  "45 0 1 1 *",
}

// RetentionSchedule runs the daily sweep
const RetentionSchedule = "0 3 * * *"

// badgerDiscardRatio reclaims a value log file once half of it is garbage
const badgerDiscardRatio = 0.5

// Scheduler runs the rollup chain and the retention sweep on cron schedules
type Scheduler struct {
	c    *Components
	cron *cron.Cron
	log  *slog.Logger

	// ctx is the Run context; scheduled jobs are cancelled with it
	ctx context.Context
}

// NewScheduler registers every schedule. A run still in progress when its
// next tick fires is skipped.
func NewScheduler(c *Components, log *slog.Logger) (*Scheduler, error) {
	cl := logging.NewCronLogger(log)
	s := &Scheduler{
		c: c,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
	}

	for _, g := range bucket.Chain {
		g := g
		if _, err := s.cron.AddFunc(Schedules[g], func() { s.catchUp(g) }); err != nil {
			return nil, err
		}
	}
	if _, err := s.cron.AddFunc(RetentionSchedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Run catches up every granularity once, then runs the schedules until ctx
// is done. In-flight jobs are waited for before returning.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	s.log.Info("initial catch-up started")
	reports, err := s.c.Chain.CatchUpAll(ctx)
	for _, g := range bucket.Chain {
		if r, ok := reports[g]; ok && (r.Ran > 0 || r.Failed > 0 || r.Refused > 0) {
			s.logReport(g, r.Ran, r.Failed, r.Refused, r.Partial, r.Duration)
		}
	}
	if err != nil && ctx.Err() == nil {
		s.log.Warn("initial catch-up incomplete", slog.Any("error", err))
	}

	s.cron.Start()
	s.log.Info("scheduler started", slog.Int("schedules", len(s.cron.Entries())))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) catchUp(g bucket.Granularity) {
	report, err := s.c.Chain.CatchUp(s.ctx, g)
	s.logReport(g, report.Ran, report.Failed, report.Refused, report.Partial, report.Duration)
	if err != nil {
		s.log.Warn("catch-up incomplete",
			slog.String("granularity", string(g)),
			slog.Any("error", err),
		)
	}
}

func (s *Scheduler) logReport(g bucket.Granularity, ran, failed, refused, partial int, d time.Duration) {
	s.log.Info("catch-up finished",
		slog.String("granularity", string(g)),
		slog.Int("ran", ran),
		slog.Int("failed", failed),
		slog.Int("refused", refused),
		slog.Int("partial", partial),
		slog.Duration("duration", d.Round(time.Millisecond)),
	)
}

func (s *Scheduler) sweep() {
	res, err := s.c.SweepNow(s.ctx, time.Now())
	if err != nil {
		s.log.Error("retention sweep failed", slog.Any("error", err))
		return
	}
	s.log.Info("retention sweep finished", slog.Int("deleted", res.Rows), slog.Int("held", len(res.Warnings)))
}

// RunBadgerGC reclaims value log space every BadgerGCInterval. Other
// backends return immediately.
func RunBadgerGC(ctx context.Context, store storage.Store, log *slog.Logger) {
	bs, ok := store.(*badger.Storage)
	if !ok {
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()
	log.Info("badger gc scheduled", slog.Duration("interval", config.BadgerGCInterval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := bs.RunGC(badgerDiscardRatio); err != nil {
				log.Warn("badger gc failed", slog.Any("error", err))
				continue
			}
			log.Debug("badger gc finished", slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
		}
	}
}
