// Package retention deletes raw readings and rollup rows past their
// horizon, never ahead of the rollup that summarizes them.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/metrics"
	"github.com/nicktill/ridewatch/pkg/rollup"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Dataset names as they appear in logs and metrics
const (
	DatasetReadings = "readings"
)

// Policy holds the retention horizon of each dataset; zero keeps forever
type Policy struct {
	Readings time.Duration `yaml:"readings"`
	Hour     time.Duration `yaml:"hour"`
	Day      time.Duration `yaml:"day"`
	Month    time.Duration `yaml:"month"`
	Year     time.Duration `yaml:"year"`
}

// DefaultPolicy keeps raw readings 3 days, hourly rows 30 days, daily rows
// 2 years and monthly/yearly rows forever
func DefaultPolicy() Policy {
	return Policy{
		Readings: 3 * 24 * time.Hour,
		Hour:     30 * 24 * time.Hour,
		Day:      730 * 24 * time.Hour,
	}
}

// For returns the horizon of a rollup granularity
func (p Policy) For(g bucket.Granularity) time.Duration {
	switch g {
	case bucket.Hour:
		return p.Hour
	case bucket.Day:
		return p.Day
	case bucket.Month:
		return p.Month
	case bucket.Year:
		return p.Year
	}
	return 0
}

// Deletion reports what one dataset lost in a sweep
type Deletion struct {
	Dataset string    `json:"dataset"`
	Cutoff  time.Time `json:"cutoff"`
	Clamped bool      `json:"clamped,omitempty"`
	Deleted int       `json:"deleted"`
}

// Sweeper applies a Policy. It implements rollup.Task so the runner records
// every sweep in the ledger.
type Sweeper struct {
	store  storage.Store
	ledger *ledger.Ledger
	policy Policy
	now    func() time.Time
	log    *slog.Logger
}

var _ rollup.Task = (*Sweeper)(nil)

// New creates a sweeper
func New(store storage.Store, l *ledger.Ledger, policy Policy, log *slog.Logger) *Sweeper {
	return &Sweeper{store: store, ledger: l, policy: policy, now: time.Now, log: log}
}

// WithClock replaces the clock (tests)
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// JobType is the ledger job type
func (s *Sweeper) JobType() string {
	return ledger.JobRetention
}

// Run sweeps every dataset; the window only labels the ledger entry
func (s *Sweeper) Run(ctx context.Context, w bucket.Window) (*rollup.Result, error) {
	deletions, err := s.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	res := &rollup.Result{Window: w}
	for _, d := range deletions {
		res.Rows += d.Deleted
		if d.Clamped {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s held at %s: coarser rollup incomplete",
				d.Dataset, d.Cutoff.Format(time.RFC3339)))
		}
	}
	return res, nil
}

type target struct {
	name    string
	keep    time.Duration
	rows    *bucket.Granularity // nil for raw readings
	coarser *bucket.Granularity // rollup that must cover a window first
}

func (s *Sweeper) targets() []target {
	hour := bucket.Hour
	out := []target{{name: DatasetReadings, keep: s.policy.Readings, coarser: &hour}}
	for _, g := range bucket.Chain {
		g := g
		t := target{name: string(g), keep: s.policy.For(g), rows: &g}
		if c, ok := g.Coarser(); ok {
			t.coarser = &c
		}
		out = append(out, t)
	}
	return out
}

// Sweep deletes from every dataset with a horizon. Readings go first so a
// failure never leaves coarser rows deleted ahead of finer ones.
func (s *Sweeper) Sweep(ctx context.Context) ([]Deletion, error) {
	now := s.now().UTC()
	var out []Deletion

	for _, t := range s.targets() {
		if t.keep <= 0 {
			continue
		}
		cut, clamped, ok, err := s.cutoff(ctx, t, now)
		if err != nil {
			return out, fmt.Errorf("%s: %w", t.name, err)
		}
		if !ok {
			continue
		}

		var n int
		if t.rows == nil {
			n, err = s.store.DeleteReadings(ctx, cut)
		} else {
			n, err = s.store.DeleteAggregates(ctx, *t.rows, cut)
		}
		if err != nil {
			return out, fmt.Errorf("failed to delete %s before %s: %w", t.name, cut.Format(time.RFC3339), err)
		}

		metrics.ObserveRetention(t.name, n)
		out = append(out, Deletion{Dataset: t.name, Cutoff: cut, Clamped: clamped, Deleted: n})
		if clamped {
			s.log.Warn("retention held back by incomplete rollup",
				slog.String("dataset", t.name), slog.Time("cutoff", cut))
		}
		if n > 0 {
			s.log.Info("retention deleted rows",
				slog.String("dataset", t.name), slog.Int("deleted", n), slog.Time("cutoff", cut))
		}
	}
	return out, nil
}

// cutoff returns the instant before which t may be deleted. The horizon is
// aligned to the coarser bucket and moved back to the first coarser window
// without a non-partial success.
func (s *Sweeper) cutoff(ctx context.Context, t target, now time.Time) (time.Time, bool, bool, error) {
	cut := now.Add(-t.keep)
	if t.coarser != nil {
		cut = t.coarser.Truncate(cut)
	} else if t.rows != nil {
		cut = t.rows.Truncate(cut)
	}

	var (
		oldest time.Time
		err    error
	)
	if t.rows == nil {
		oldest, err = s.store.OldestReading(ctx)
	} else {
		oldest, err = s.store.OldestAggregate(ctx, *t.rows)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return cut, false, false, nil
	}
	if err != nil {
		return cut, false, false, err
	}
	if !oldest.Before(cut) {
		return cut, false, false, nil
	}
	if t.coarser == nil {
		return cut, false, true, nil
	}

	windows := bucket.Windows(*t.coarser, t.coarser.Truncate(oldest), cut)
	completion, err := s.ledger.Completion(ctx, t.coarser.JobType(), windows)
	if err != nil {
		return cut, false, false, err
	}
	first, incomplete := completion.FirstIncomplete()
	if !incomplete {
		return cut, false, true, nil
	}
	return first.Start, true, true, nil
}
