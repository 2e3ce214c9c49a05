package retention

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/rollup"
	"github.com/nicktill/ridewatch/pkg/storage"
	"github.com/nicktill/ridewatch/pkg/storage/memory"
)

var (
	start = time.Date(2026, 7, 5, 0, 0, 0, 0, time.UTC)
	now   = time.Date(2026, 7, 10, 3, 0, 0, 0, time.UTC)
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSweeper(store storage.Store, l *ledger.Ledger, p Policy) *Sweeper {
	return New(store, l, p, discard()).WithClock(func() time.Time { return now })
}

func succeed(t *testing.T, l *ledger.Ledger, g bucket.Granularity, windows []bucket.Window, skip time.Time) {
	t.Helper()
	for _, w := range windows {
		if w.Start.Equal(skip) {
			continue
		}
		_, err := l.Record(context.Background(), ledger.Entry{JobType: g.JobType(), Bucket: w, Status: storage.StatusSuccess})
		require.NoError(t, err)
	}
}

func hourlyReadings(t *testing.T, store storage.Store, from, to time.Time) {
	t.Helper()
	var readings []reliability.Reading
	for ts := from; ts.Before(to); ts = ts.Add(time.Hour) {
		readings = append(readings, reliability.Derive(reliability.Reading{
			EntityID: "coaster", GroupID: "park", Timestamp: ts, Status: reliability.StatusOperating, GroupOpen: true,
		}))
	}
	require.NoError(t, store.WriteReadings(context.Background(), readings))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, 72*time.Hour, p.Readings)
	require.Equal(t, 30*24*time.Hour, p.For(bucket.Hour))
	require.Equal(t, 730*24*time.Hour, p.For(bucket.Day))
	require.Zero(t, p.For(bucket.Month))
	require.Zero(t, p.For(bucket.Year))
}

func TestReadingsHeldUntilHourRolledUp(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := ledger.New(store)
	hourlyReadings(t, store, start, start.AddDate(0, 0, 5))

	cut := time.Date(2026, 7, 7, 3, 0, 0, 0, time.UTC)
	gap := time.Date(2026, 7, 6, 10, 0, 0, 0, time.UTC)
	succeed(t, l, bucket.Hour, bucket.Windows(bucket.Hour, start, cut), gap)

	s := newSweeper(store, l, Policy{Readings: 72 * time.Hour})
	deletions, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []Deletion{{Dataset: DatasetReadings, Cutoff: gap, Clamped: true, Deleted: 34}}, deletions)

	oldest, err := store.OldestReading(ctx)
	require.NoError(t, err)
	require.Equal(t, gap, oldest)

	// The late hour rolls up; the next sweep catches up to the horizon
	succeed(t, l, bucket.Hour, []bucket.Window{bucket.Hour.Window(gap)}, time.Time{})
	deletions, err = s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []Deletion{{Dataset: DatasetReadings, Cutoff: cut, Deleted: 17}}, deletions)
}

func TestHourRowsHeldUntilDayRolledUp(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := ledger.New(store)

	var rows []reliability.Aggregate
	for d := 0; d < 5; d++ {
		rows = append(rows, reliability.Aggregate{
			Kind: reliability.KindGroup, ID: "park", BucketStart: start.AddDate(0, 0, d).Add(12 * time.Hour),
		})
	}
	require.NoError(t, store.UpsertAggregates(ctx, bucket.Hour, rows))
	succeed(t, l, bucket.Day, bucket.Windows(bucket.Day, start, start.AddDate(0, 0, 2)), time.Time{})

	// A partial day does not release its hours
	_, err := l.Record(ctx, ledger.Entry{
		JobType: bucket.Day.JobType(), Bucket: bucket.Day.Window(start.AddDate(0, 0, 2)),
		Status: storage.StatusSuccess, Partial: true,
	})
	require.NoError(t, err)

	res, err := newSweeper(store, l, Policy{Hour: 48 * time.Hour}).Run(ctx, bucket.Day.Window(now))
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows)
	require.Len(t, res.Warnings, 1)
	require.Contains(t, res.Warnings[0], "hour held at 2026-07-07T00:00:00Z")

	left, err := store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour})
	require.NoError(t, err)
	require.Len(t, left, 3)
	require.Equal(t, start.AddDate(0, 0, 2).Add(12*time.Hour), left[0].BucketStart)
}

func TestSweepRecordedByRunner(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := ledger.New(store)
	hourlyReadings(t, store, start, start.Add(6*time.Hour))
	succeed(t, l, bucket.Hour, bucket.Windows(bucket.Hour, start, start.Add(6*time.Hour)), time.Time{})

	runner := rollup.NewRunner(l, discard(), rollup.RunnerConfig{})
	res, err := runner.Execute(ctx, newSweeper(store, l, DefaultPolicy()), bucket.Day.Window(now))
	require.NoError(t, err)
	require.Equal(t, 6, res.Rows)

	last, err := l.LastSuccess(ctx, ledger.JobRetention)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.Equal(t, bucket.Day.Window(now).Start, last.Bucket.Start)
}

func TestSweepEmptyStore(t *testing.T) {
	store := memory.New()
	deletions, err := newSweeper(store, ledger.New(store), DefaultPolicy()).Sweep(context.Background())
	require.NoError(t, err)
	require.Empty(t, deletions)
}

// A backlog older than the hour lookback is rolled up by catch-up, so
// retention is not held at it forever
func TestBacklogOlderThanLookbackIsReleased(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	l := ledger.New(store)

	backlog := time.Date(2026, 7, 7, 5, 0, 0, 0, time.UTC)
	hourlyReadings(t, store, backlog, backlog.Add(3*time.Hour))

	runner := rollup.NewRunner(l, discard(), rollup.RunnerConfig{MaxAttempts: 1})
	chain := rollup.NewChain(store, l, reliability.NewCalculator(reliability.SampleInterval), runner,
		rollup.Config{IngestLag: 5 * time.Minute, Now: func() time.Time { return now }},
		map[bucket.Granularity]int{bucket.Hour: 48}, discard())

	report, err := chain.CatchUp(ctx, bucket.Hour)
	require.NoError(t, err)
	require.NotZero(t, report.Ran)
	pending, err := chain.Pending(ctx, bucket.Hour)
	require.NoError(t, err)
	require.Empty(t, pending)

	deletions, err := newSweeper(store, l, Policy{Readings: 24 * time.Hour}).Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, deletions, 1)
	require.False(t, deletions[0].Clamped)
	require.Equal(t, 3, deletions[0].Deleted)

	_, err = store.OldestReading(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)
}
