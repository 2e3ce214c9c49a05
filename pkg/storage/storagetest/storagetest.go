// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Base is the reference time used by the suite
var Base = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("Readings", func(t *testing.T) { testReadings(t, newStore(t)) })
	t.Run("Entities", func(t *testing.T) { testEntities(t, newStore(t)) })
	t.Run("Aggregates", func(t *testing.T) { testAggregates(t, newStore(t)) })
	t.Run("Live", func(t *testing.T) { testLive(t, newStore(t)) })
	t.Run("Ledger", func(t *testing.T) { testLedger(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
}

func testReadings(t *testing.T, store storage.Store) {
	ctx := context.Background()

	_, err := store.OldestReading(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	var in []reliability.Reading
	for i := 0; i < 6; i++ {
		for _, id := range []string{"a", "b"} {
			in = append(in, reliability.Derive(reliability.Reading{
				EntityID:  id,
				GroupID:   "park",
				Timestamp: Base.Add(time.Duration(i) * reliability.SampleInterval),
				Status:    reliability.StatusOperating,
				GroupOpen: true,
			}))
		}
	}
	in[0].WaitMinutes = ptr(12.5)
	require.NoError(t, store.WriteReadings(ctx, in))

	// Re-delivery overwrites the same key
	redelivered := in[1]
	redelivered.Status = reliability.StatusDown
	redelivered = reliability.Derive(redelivered)
	require.NoError(t, store.WriteReadings(ctx, []reliability.Reading{redelivered}))

	all, err := store.QueryReadings(ctx, storage.ReadingQuery{Start: Base, End: Base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, all, 12)
	require.Equal(t, in[0], all[0])
	require.Equal(t, redelivered, all[1])

	// End is exclusive
	head, err := store.QueryReadings(ctx, storage.ReadingQuery{Start: Base, End: Base.Add(10 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, head, 4)

	onlyB, err := store.QueryReadings(ctx, storage.ReadingQuery{Start: Base, End: Base.Add(time.Hour), EntityIDs: []string{"b"}})
	require.NoError(t, err)
	require.Len(t, onlyB, 6)
	for _, r := range onlyB {
		require.Equal(t, "b", r.EntityID)
	}

	oldest, err := store.OldestReading(ctx)
	require.NoError(t, err)
	require.True(t, oldest.Equal(Base))

	n, err := store.DeleteReadings(ctx, Base.Add(15*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 6, n)

	rest, err := store.QueryReadings(ctx, storage.ReadingQuery{Start: Base, End: Base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, rest, 6)
}

func testEntities(t *testing.T, store storage.Store) {
	ctx := context.Background()

	require.NoError(t, store.PutEntities(ctx, []reliability.Entity{
		{ID: "a", GroupID: "park", Name: "Coaster", Tier: reliability.Tier1},
		{ID: "b", GroupID: "park", Tier: reliability.Tier3},
	}))
	require.NoError(t, store.PutEntities(ctx, []reliability.Entity{
		{ID: "b", GroupID: "park", Name: "Carousel", Tier: reliability.Tier2},
	}))

	got, err := store.Entities(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []reliability.Entity{
		{ID: "a", GroupID: "park", Name: "Coaster", Tier: reliability.Tier1},
		{ID: "b", GroupID: "park", Name: "Carousel", Tier: reliability.Tier2},
	}, got)
}

// Row builds a consistent aggregate row for tests
func Row(kind reliability.Kind, id string, start time.Time, down float64) reliability.Aggregate {
	r := reliability.Aggregate{
		Kind:              kind,
		ID:                id,
		GroupID:           "park",
		BucketStart:       start,
		OperatingCount:    12 - int(down*12),
		DownCount:         int(down * 12),
		InputSampleCount:  12,
		DownHours:         down,
		WeightedDownHours: down * 2,
		EffectiveWeight:   2,
		OpenHours:         1,
		Active:            true,
		SourceBuckets:     1,
	}
	if err := r.Rescore(); err != nil {
		panic(err)
	}
	return r
}

func testAggregates(t *testing.T, store storage.Store) {
	ctx := context.Background()

	_, err := store.OldestAggregate(ctx, bucket.Hour)
	require.ErrorIs(t, err, storage.ErrNotFound)

	var rows []reliability.Aggregate
	for h := 0; h < 3; h++ {
		start := Base.Add(time.Duration(h) * time.Hour)
		rows = append(rows,
			Row(reliability.KindEntity, "a", start, 0.25),
			Row(reliability.KindEntity, "b", start, 0),
			Row(reliability.KindGroup, "park", start, 0.25),
		)
	}
	rows[1].Active = false
	rows[1].Score = nil
	rows[1].EffectiveWeight = 0
	rows[0].MeanWait = ptr(7.5)
	rows[0].WaitSamples = 4
	require.NoError(t, store.UpsertAggregates(ctx, bucket.Hour, rows))

	// Idempotent re-run replaces rows with identical values
	require.NoError(t, store.UpsertAggregates(ctx, bucket.Hour, rows))

	got, err := store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour, Start: Base, End: Base.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 9)
	require.Equal(t, rows[0], got[0])
	require.Equal(t, rows[1], got[1])

	// Granularities are separate tables
	days, err := store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Day, Start: Base.Add(-24 * time.Hour), End: Base.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Empty(t, days)

	groups, err := store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour, Start: Base, End: Base.Add(3 * time.Hour), Kind: reliability.KindGroup})
	require.NoError(t, err)
	require.Len(t, groups, 3)

	onlyA, err := store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour, Start: Base, End: Base.Add(3 * time.Hour), Kind: reliability.KindEntity, IDs: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, onlyA, 3)

	active, err := store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour, Start: Base, End: Base.Add(time.Hour), ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 2)

	// Upsert with changed values overwrites
	changed := rows[2]
	changed.DownHours = 0.5
	changed.DownCount = 6
	changed.OperatingCount = 6
	changed.WeightedDownHours = 1
	require.NoError(t, changed.Rescore())
	require.NoError(t, store.UpsertAggregates(ctx, bucket.Hour, []reliability.Aggregate{changed}))
	park, err := store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour, Start: Base, End: Base.Add(time.Hour), Kind: reliability.KindGroup})
	require.NoError(t, err)
	require.Equal(t, []reliability.Aggregate{changed}, park)

	oldest, err := store.OldestAggregate(ctx, bucket.Hour)
	require.NoError(t, err)
	require.True(t, oldest.Equal(Base))

	n, err := store.DeleteAggregates(ctx, bucket.Hour, Base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 6, n)

	left, err := store.QueryAggregates(ctx, storage.AggregateQuery{Granularity: bucket.Hour, Start: Base, End: Base.Add(3 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, left, 3)
}

func generation(id int64, rows ...storage.LiveRow) *storage.LiveGeneration {
	return &storage.LiveGeneration{
		ID:      id,
		BuiltAt: Base.Add(time.Duration(id) * 5 * time.Minute),
		Window:  bucket.Hour.Window(Base),
		Rows:    rows,
	}
}

func testLive(t *testing.T, store storage.Store) {
	ctx := context.Background()

	_, err := store.LoadLive(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	first := generation(1,
		storage.LiveRow{Aggregate: Row(reliability.KindEntity, "a", Base, 0), Status: reliability.StatusOperating, ObservedAt: Base, WaitMinutes: ptr(20)},
		storage.LiveRow{Aggregate: Row(reliability.KindGroup, "park", Base, 0), ObservedAt: Base},
	)
	require.NoError(t, store.SwapLive(ctx, first))

	got, err := store.LoadLive(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, got.ID)
	require.ElementsMatch(t, first.Rows, got.Rows)

	second := generation(2,
		storage.LiveRow{Aggregate: Row(reliability.KindEntity, "a", Base, 0.25), Status: reliability.StatusDown, ObservedAt: Base.Add(5 * time.Minute)},
	)
	require.NoError(t, store.SwapLive(ctx, second))

	got, err = store.LoadLive(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)
	require.True(t, second.BuiltAt.Equal(got.BuiltAt))
	require.Equal(t, second.Rows, got.Rows)

	// Swapping the current id again replaces its rows
	again := generation(2,
		storage.LiveRow{Aggregate: Row(reliability.KindEntity, "b", Base, 0), Status: reliability.StatusOperating, ObservedAt: Base.Add(10 * time.Minute)},
	)
	again.BuiltAt = second.BuiltAt.Add(time.Minute)
	require.NoError(t, store.SwapLive(ctx, again))

	got, err = store.LoadLive(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.ID)
	require.True(t, again.BuiltAt.Equal(got.BuiltAt))
	require.Equal(t, again.Rows, got.Rows)
}

func testLedger(t *testing.T, store storage.Store) {
	ctx := context.Background()

	hour := bucket.Hour.Window(Base)
	entries := []storage.LedgerEntry{
		{ID: "1", JobType: bucket.Hour.JobType(), Bucket: hour, Status: storage.StatusFailure, Attempts: 3, Error: "boom", StartedAt: Base, FinishedAt: Base.Add(time.Minute), Duration: time.Minute},
		{ID: "2", JobType: bucket.Hour.JobType(), Bucket: hour, Status: storage.StatusSuccess, Attempts: 1, EntitiesProcessed: 40, EntitiesSkipped: 1, Warnings: []string{"low samples"}, StartedAt: Base, FinishedAt: Base.Add(2 * time.Minute), Duration: time.Second},
		{ID: "3", JobType: bucket.Day.JobType(), Bucket: bucket.Day.Window(Base), Status: storage.StatusSuccess, Partial: true, Attempts: 1, StartedAt: Base, FinishedAt: Base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendLedger(ctx, e))
	}

	all, err := store.QueryLedger(ctx, storage.LedgerQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "3", all[0].ID)
	require.Equal(t, entries[1], all[1])

	hours, err := store.QueryLedger(ctx, storage.LedgerQuery{JobType: bucket.Hour.JobType(), Status: storage.StatusSuccess})
	require.NoError(t, err)
	require.Len(t, hours, 1)
	require.Equal(t, "2", hours[0].ID)

	limited, err := store.QueryLedger(ctx, storage.LedgerQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	ranged, err := store.QueryLedger(ctx, storage.LedgerQuery{BucketFrom: Base.Add(-time.Minute), BucketTo: Base.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, ranged, 2)
}

func testStats(t *testing.T, store storage.Store) {
	ctx := context.Background()

	require.NoError(t, store.WriteReadings(ctx, []reliability.Reading{
		{EntityID: "a", GroupID: "park", Timestamp: Base, Status: reliability.StatusClosed},
		{EntityID: "a", GroupID: "park", Timestamp: Base.Add(5 * time.Minute), Status: reliability.StatusClosed},
	}))
	require.NoError(t, store.UpsertAggregates(ctx, bucket.Day, []reliability.Aggregate{Row(reliability.KindGroup, "park", bucket.Day.Truncate(Base), 0)}))
	require.NoError(t, store.SwapLive(ctx, generation(7)))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), stats.Readings)
	require.Equal(t, uint64(1), stats.Aggregates[bucket.Day])
	require.Equal(t, uint64(0), stats.Aggregates[bucket.Hour])
	require.Equal(t, int64(7), stats.LiveGeneration)
	require.True(t, stats.OldestReading.Equal(Base))
}
