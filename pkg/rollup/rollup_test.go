package rollup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
	"github.com/nicktill/ridewatch/pkg/storage/memory"
)

// Saturday; the park is open 08:00-22:00
var day = time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Storage
	ledger *ledger.Ledger
	runner *Runner
	chain  *Chain
	now    time.Time
	delays []time.Duration
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, now time.Time, partialAfter time.Duration) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), now: now}
	f.ledger = ledger.New(f.store)
	f.runner = NewRunner(f.ledger, discard(), RunnerConfig{MaxAttempts: 4, BaseDelay: 30 * time.Second})
	f.runner.sleep = func(ctx context.Context, d time.Duration) error {
		f.delays = append(f.delays, d)
		return nil
	}
	cfg := Config{
		IngestLag:    5 * time.Minute,
		PartialAfter: partialAfter,
		Now:          func() time.Time { return f.now },
	}
	f.chain = NewChain(f.store, f.ledger, reliability.NewCalculator(reliability.SampleInterval), f.runner, cfg,
		map[bucket.Granularity]int{bucket.Hour: 24, bucket.Day: 1}, discard())
	return f
}

// seedGoldenDay writes 24h of readings: 15 tier-1 rides and one
// unclassified ride (weight 47), open 14 hours, ride-00 down for 157 samples.
func seedGoldenDay(t *testing.T, store storage.Store) {
	t.Helper()
	ctx := context.Background()

	var entities []reliability.Entity
	var readings []reliability.Reading
	for e := 0; e < 16; e++ {
		id := fmt.Sprintf("ride-%02d", e)
		tier := reliability.Tier1
		if e == 15 {
			tier = reliability.TierUnclassified
		}
		entities = append(entities, reliability.Entity{ID: id, GroupID: "park", Tier: tier})

		downLeft := 0
		if e == 0 {
			downLeft = 157
		}
		for s := 0; s < 288; s++ {
			ts := day.Add(time.Duration(s) * reliability.SampleInterval)
			open := ts.Hour() >= 8 && ts.Hour() < 22
			status := reliability.StatusOperating
			if !open {
				status = reliability.StatusClosed
			} else if downLeft > 0 {
				status = reliability.StatusDown
				downLeft--
			}
			readings = append(readings, reliability.Derive(reliability.Reading{
				EntityID: id, GroupID: "park", Timestamp: ts, Status: status, GroupOpen: open,
			}))
		}
	}
	require.NoError(t, store.PutEntities(ctx, entities))
	require.NoError(t, store.WriteReadings(ctx, readings))
}

func groupRows(t *testing.T, store storage.Store, g bucket.Granularity, w bucket.Window) []reliability.Aggregate {
	t.Helper()
	rows, err := store.QueryAggregates(context.Background(), storage.AggregateQuery{
		Granularity: g, Start: w.Start, End: w.End, Kind: reliability.KindGroup, IDs: []string{"park"},
	})
	require.NoError(t, err)
	return rows
}

func TestHourJobRefusesOpenWindow(t *testing.T) {
	f := newFixture(t, day.Add(time.Hour+2*time.Minute), 0)

	_, err := f.chain.Job(bucket.Hour).Run(context.Background(), bucket.Hour.Window(day))
	require.ErrorIs(t, err, ErrWindowOpen)

	_, err = f.chain.Job(bucket.Hour).Run(context.Background(), bucket.Window{Start: day, End: day.Add(30 * time.Minute)})
	require.ErrorIs(t, err, ErrMisaligned)
}

func TestHourJobIdempotent(t *testing.T) {
	f := newFixture(t, day.Add(24*time.Hour), 0)
	seedGoldenDay(t, f.store)
	ctx := context.Background()
	w := bucket.Hour.Window(day.Add(9 * time.Hour))

	_, err := f.runner.Execute(ctx, f.chain.Job(bucket.Hour), w)
	require.NoError(t, err)
	first, err := f.store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour, Start: w.Start, End: w.End})
	require.NoError(t, err)

	_, err = f.runner.Execute(ctx, f.chain.Job(bucket.Hour), w)
	require.NoError(t, err)
	second, err := f.store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour, Start: w.Start, End: w.End})
	require.NoError(t, err)

	require.Len(t, first, 17)
	require.Equal(t, first, second)

	entries, err := f.ledger.Recent(ctx, storage.LedgerQuery{JobType: bucket.Hour.JobType()})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, 16, entries[0].EntitiesProcessed)
}

func TestChainGoldenDay(t *testing.T) {
	f := newFixture(t, day.Add(24*time.Hour+30*time.Minute), 0)
	seedGoldenDay(t, f.store)
	ctx := context.Background()

	hours, err := f.chain.CatchUp(ctx, bucket.Hour)
	require.NoError(t, err)
	require.Equal(t, 24, hours.Ran)

	days, err := f.chain.CatchUp(ctx, bucket.Day)
	require.NoError(t, err)
	require.Equal(t, 1, days.Ran)

	dayWindow := bucket.Day.Window(day)
	daily := groupRows(t, f.store, bucket.Day, dayWindow)
	require.Len(t, daily, 1)
	park := daily[0]
	require.Equal(t, 47.0, park.EffectiveWeight)
	require.InDelta(t, 14.0, park.OpenHours, 1e-9)
	require.NotNil(t, park.Score)
	require.InDelta(t, 0.60, *park.Score, 0.01)
	require.False(t, park.Partial)
	require.Equal(t, 24, park.SourceBuckets)

	// Coarser down-hours equal the sum of finer ones
	var sum float64
	for _, h := range groupRows(t, f.store, bucket.Hour, dayWindow) {
		sum += h.DownHours
		require.LessOrEqual(t, h.OperatingCount+h.DownCount, h.InputSampleCount)
	}
	require.InDelta(t, sum, park.DownHours, 0.01)

	// Nothing left to do
	pending, err := f.chain.Pending(ctx, bucket.Day)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestTierWeightingThroughHourJob(t *testing.T) {
	f := newFixture(t, day.Add(3*time.Hour), 0)
	ctx := context.Background()

	require.NoError(t, f.store.PutEntities(ctx, []reliability.Entity{{ID: "coaster", GroupID: "park", Tier: reliability.Tier1}}))
	var readings []reliability.Reading
	for s := 0; s < 24; s++ {
		readings = append(readings, reliability.Derive(reliability.Reading{
			EntityID: "coaster", GroupID: "park", Status: reliability.StatusDown, GroupOpen: true,
			Timestamp: day.Add(time.Duration(s) * reliability.SampleInterval),
		}))
	}
	require.NoError(t, f.store.WriteReadings(ctx, readings))

	var total float64
	for _, w := range bucket.Windows(bucket.Hour, day, day.Add(2*time.Hour)) {
		_, err := f.runner.Execute(ctx, f.chain.Job(bucket.Hour), w)
		require.NoError(t, err)
		for _, r := range groupRows(t, f.store, bucket.Hour, w) {
			total += r.WeightedDownHours
		}
	}
	require.InDelta(t, 6.0, total, 1e-9)
}

func TestDayJobRefusesIncompleteInput(t *testing.T) {
	f := newFixture(t, day.Add(25*time.Hour), 0)
	seedGoldenDay(t, f.store)
	ctx := context.Background()

	// Roll every hour except 13:00
	for _, w := range bucket.Day.Window(day).Split(bucket.Hour) {
		if w.Start.Hour() == 13 {
			continue
		}
		_, err := f.runner.Execute(ctx, f.chain.Job(bucket.Hour), w)
		require.NoError(t, err)
	}

	_, err := f.runner.Execute(ctx, f.chain.Job(bucket.Day), bucket.Day.Window(day))
	require.ErrorIs(t, err, ErrIncompleteInput)
	require.Empty(t, groupRows(t, f.store, bucket.Day, bucket.Day.Window(day)))
	require.Empty(t, f.delays, "refusals are not retried")

	entries, err := f.ledger.Recent(ctx, storage.LedgerQuery{JobType: bucket.Day.JobType()})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, storage.StatusFailure, entries[0].Status)
	require.Equal(t, 1, entries[0].Attempts)
}

func TestDayJobPartialThenComplete(t *testing.T) {
	f := newFixture(t, day.Add(30*time.Hour), 2*time.Hour)
	seedGoldenDay(t, f.store)
	ctx := context.Background()
	dayWindow := bucket.Day.Window(day)

	for _, w := range dayWindow.Split(bucket.Hour) {
		if w.Start.Hour() == 13 {
			continue
		}
		_, err := f.runner.Execute(ctx, f.chain.Job(bucket.Hour), w)
		require.NoError(t, err)
	}

	res, err := f.runner.Execute(ctx, f.chain.Job(bucket.Day), dayWindow)
	require.NoError(t, err)
	require.True(t, res.Partial)
	partial := groupRows(t, f.store, bucket.Day, dayWindow)
	require.Len(t, partial, 1)
	require.True(t, partial[0].Partial)
	require.Equal(t, 23, partial[0].SourceBuckets)

	// A day that is only partially complete does not count for the month
	ok, err := f.ledger.Succeeded(ctx, bucket.Day.JobType(), dayWindow)
	require.NoError(t, err)
	require.False(t, ok)

	// Late hour arrives; the complete re-run overwrites the partial row
	_, err = f.runner.Execute(ctx, f.chain.Job(bucket.Hour), bucket.Hour.Window(day.Add(13*time.Hour)))
	require.NoError(t, err)
	report, err := f.chain.CatchUp(ctx, bucket.Day)
	require.NoError(t, err)
	require.Equal(t, 1, report.Ran)

	complete := groupRows(t, f.store, bucket.Day, dayWindow)
	require.Len(t, complete, 1)
	require.False(t, complete[0].Partial)
	require.Equal(t, 24, complete[0].SourceBuckets)
	require.InDelta(t, 0.60, *complete[0].Score, 0.01)
}

func TestMonthMergesDays(t *testing.T) {
	june := bucket.Month.Window(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	f := newFixture(t, june.End.Add(time.Hour), 0)
	ctx := context.Background()

	var sum float64
	for i, w := range june.Split(bucket.Day) {
		down := float64(i%3) * 0.5
		sum += down
		row := reliability.Aggregate{
			Kind: reliability.KindGroup, ID: "park", GroupID: "park", BucketStart: w.Start,
			DownHours: down, WeightedDownHours: down * 2, EffectiveWeight: float64(40 + i%5),
			OpenHours: 12, OperatingCount: 100, DownCount: int(down * 12), InputSampleCount: 288,
			Active: true, SourceBuckets: 24,
		}
		require.NoError(t, row.Rescore())
		require.NoError(t, f.store.UpsertAggregates(ctx, bucket.Day, []reliability.Aggregate{row}))
		_, err := f.ledger.Record(ctx, ledger.Entry{JobType: bucket.Day.JobType(), Bucket: w, Status: storage.StatusSuccess})
		require.NoError(t, err)
	}

	res, err := f.runner.Execute(ctx, f.chain.Job(bucket.Month), june)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows)

	rows := groupRows(t, f.store, bucket.Month, june)
	require.Len(t, rows, 1)
	require.InDelta(t, sum, rows[0].DownHours, 0.01)
	require.Equal(t, 44.0, rows[0].EffectiveWeight)
	require.Equal(t, 30, rows[0].SourceBuckets)
	require.InDelta(t, 360.0, rows[0].OpenHours, 1e-9)
}

type flakyTask struct {
	failures int
	err      error
	calls    int
}

func (f *flakyTask) JobType() string { return "flaky" }

func (f *flakyTask) Run(ctx context.Context, w bucket.Window) (*Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &Result{Window: w, Rows: 1}, nil
}

func TestRunnerRetriesTransientWithBackoff(t *testing.T) {
	f := newFixture(t, day, 0)
	task := &flakyTask{failures: 2, err: errors.New("connection reset")}

	_, err := f.runner.Execute(context.Background(), task, bucket.Hour.Window(day))
	require.NoError(t, err)
	require.Equal(t, 3, task.calls)
	require.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, f.delays)

	entries, err := f.ledger.Recent(context.Background(), storage.LedgerQuery{JobType: "flaky"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, storage.StatusSuccess, entries[0].Status)
	require.Equal(t, 3, entries[0].Attempts)
}

func TestRunnerGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, day, 0)
	task := &flakyTask{failures: 10, err: errors.New("disk full")}

	_, err := f.runner.Execute(context.Background(), task, bucket.Hour.Window(day))
	require.Error(t, err)
	require.Equal(t, 4, task.calls)
	require.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}, f.delays)

	streak, err := f.ledger.Streak(context.Background(), "flaky")
	require.NoError(t, err)
	require.Equal(t, 1, streak.ConsecutiveFailures)
	require.Equal(t, "disk full", streak.LastError)
}

func TestRunnerDoesNotRetryTimeout(t *testing.T) {
	f := newFixture(t, day, 0)
	task := &flakyTask{failures: 1, err: fmt.Errorf("query operation cancelled: %w", context.DeadlineExceeded)}

	_, err := f.runner.Execute(context.Background(), task, bucket.Hour.Window(day))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, task.calls)
}

func TestLowSampleWarning(t *testing.T) {
	f := newFixture(t, day.Add(2*time.Hour), 0)
	ctx := context.Background()

	// Only 6 of 12 expected samples
	var readings []reliability.Reading
	for s := 0; s < 6; s++ {
		readings = append(readings, reliability.Derive(reliability.Reading{
			EntityID: "a", GroupID: "park", Status: reliability.StatusOperating, GroupOpen: true,
			Timestamp: day.Add(time.Duration(s) * reliability.SampleInterval),
		}))
	}
	require.NoError(t, f.store.WriteReadings(ctx, readings))

	res, err := f.runner.Execute(ctx, f.chain.Job(bucket.Hour), bucket.Hour.Window(day))
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "low samples: 1 of 1 entities")

	entries, err := f.ledger.Recent(ctx, storage.LedgerQuery{JobType: bucket.Hour.JobType()})
	require.NoError(t, err)
	require.Equal(t, res.Warnings, entries[0].Warnings)
}

func TestRunnerDeclinesOpenWindowWithoutLedgerEntry(t *testing.T) {
	f := newFixture(t, day.Add(time.Hour+2*time.Minute), 0)
	ctx := context.Background()

	_, err := f.runner.Execute(ctx, f.chain.Job(bucket.Hour), bucket.Hour.Window(day))
	require.ErrorIs(t, err, ErrWindowOpen)

	entries, err := f.ledger.Recent(ctx, storage.LedgerQuery{JobType: bucket.Hour.JobType()})
	require.NoError(t, err)
	require.Empty(t, entries)

	streak, err := f.ledger.Streak(ctx, bucket.Hour.JobType())
	require.NoError(t, err)
	require.Zero(t, streak.ConsecutiveFailures)
}

func TestInconsistentRowIsSkipped(t *testing.T) {
	f := newFixture(t, day.Add(2*time.Hour), 0)
	ctx := context.Background()
	w := bucket.Hour.Window(day)

	rows := []reliability.Aggregate{
		{Kind: reliability.KindEntity, ID: "good", GroupID: "park", BucketStart: w.Start, InputSampleCount: 12, OperatingCount: 12},
		{Kind: reliability.KindEntity, ID: "bad", GroupID: "park", BucketStart: w.Start, InputSampleCount: 3, OperatingCount: 5, DownCount: 2},
	}
	res, err := f.chain.Job(bucket.Hour).write(ctx, &Result{Window: w}, rows)
	require.NoError(t, err)
	require.Equal(t, 1, res.Rows)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, "bad", res.Skipped[0].ID)
	require.ErrorIs(t, res.Skipped[0].Err, reliability.ErrInconsistentRow)

	stored, err := f.store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour, Start: w.Start, End: w.End})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, "good", stored[0].ID)
}

// Readings replayed for an hour older than the lookback are still rolled up
func TestCatchUpReachesInputOlderThanLookback(t *testing.T) {
	// Lookback is 24 hours, so only 07-06 is scanned by default
	f := newFixture(t, day.AddDate(0, 0, 3).Add(10*time.Minute), 0)
	ctx := context.Background()

	var readings []reliability.Reading
	for s := 0; s < 12; s++ {
		readings = append(readings, reliability.Derive(reliability.Reading{
			EntityID: "coaster", GroupID: "park", Status: reliability.StatusOperating, GroupOpen: true,
			Timestamp: day.Add(10*time.Hour + time.Duration(s)*reliability.SampleInterval),
		}))
	}
	require.NoError(t, f.store.WriteReadings(ctx, readings))

	pending, err := f.chain.Pending(ctx, bucket.Hour)
	require.NoError(t, err)
	require.Len(t, pending, 72)
	require.Equal(t, day, pending[0].Start)

	report, err := f.chain.CatchUp(ctx, bucket.Hour)
	require.NoError(t, err)
	require.Equal(t, 72, report.Ran)
	require.Len(t, groupRows(t, f.store, bucket.Hour, bucket.Hour.Window(day.Add(10*time.Hour))), 1)

	pending, err = f.chain.Pending(ctx, bucket.Hour)
	require.NoError(t, err)
	require.Empty(t, pending)

	// The day of the replayed hour is older than the day lookback too
	_, err = f.chain.CatchUp(ctx, bucket.Day)
	require.NoError(t, err)
	done, err := f.ledger.Succeeded(ctx, bucket.Day.JobType(), bucket.Day.Window(day))
	require.NoError(t, err)
	require.True(t, done)
}
