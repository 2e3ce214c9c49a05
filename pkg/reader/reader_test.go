package reader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/live"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage/memory"
)

func ptr(v float64) *float64 { return &v }

func row(start time.Time, down float64, samples int, openHours float64) reliability.Aggregate {
	a := reliability.Aggregate{
		Kind: reliability.KindGroup, ID: "park", GroupID: "park", BucketStart: start,
		DownHours: down, WeightedDownHours: down * 3, EffectiveWeight: 3, OpenHours: openHours,
		DownCount: int(down * 12), InputSampleCount: samples, Active: true, SourceBuckets: 1,
	}
	a.OperatingCount = samples - a.DownCount
	if err := a.Rescore(); err != nil {
		panic(err)
	}
	return a
}

type fixture struct {
	store  *memory.Storage
	cache  *live.Cache
	reader *Reader
}

func newFixture(now time.Time) *fixture {
	f := &fixture{store: memory.New(), cache: live.NewCache()}
	f.reader = New(f.store, f.cache).WithClock(func() time.Time { return now })
	return f
}

func (f *fixture) upsert(t *testing.T, g bucket.Granularity, rows ...reliability.Aggregate) {
	t.Helper()
	require.NoError(t, f.store.UpsertAggregates(context.Background(), g, rows))
}

func (f *fixture) live(now time.Time, rows ...reliability.Aggregate) {
	gen := &live.Generation{ID: 7, BuiltAt: now, Window: bucket.Hour.Window(now)}
	for _, r := range rows {
		gen.Rows = append(gen.Rows, live.Row{Aggregate: r, Status: reliability.StatusOperating, ObservedAt: now})
	}
	f.cache.Swap(gen)
}

func TestParsePeriod(t *testing.T) {
	for _, p := range Periods {
		got, err := ParsePeriod(string(p))
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	got, err := ParsePeriod(" Week ")
	require.NoError(t, err)
	require.Equal(t, PeriodWeek, got)

	_, err = ParsePeriod("fortnight")
	require.ErrorIs(t, err, ErrUnknownPeriod)
}

func TestHybridBoundaries(t *testing.T) {
	c := Metrics{DownHours: 1, OpenHours: 1, Score: ptr(2), EffectiveWeight: 40, Active: true}
	l := Metrics{DownHours: 0.2, OpenHours: 0.5, Score: ptr(4), EffectiveWeight: 47, Active: true}

	got, ok := Hybrid(&c, 0, &l)
	require.True(t, ok)
	require.Equal(t, l, got)

	got, ok = Hybrid(&c, 1000, &l)
	require.True(t, ok)
	require.InDelta(t, c.DownHours, got.DownHours, 0.001)
	require.InDelta(t, *c.Score, *got.Score, 0.01)

	got, ok = Hybrid(&c, 3, &l)
	require.True(t, ok)
	require.InDelta(t, (3*1+0.2)/4, got.DownHours, 1e-9)
	require.InDelta(t, (3*40+47)/4.0, got.EffectiveWeight, 1e-9)
	require.InDelta(t, (3*2+4)/4.0, *got.Score, 1e-9)

	got, ok = Hybrid(&c, 5, nil)
	require.True(t, ok)
	require.Equal(t, c, got)

	_, ok = Hybrid(nil, 5, nil)
	require.False(t, ok)
}

func TestHybridNilScoreDropsOut(t *testing.T) {
	c := Metrics{Score: nil, OpenHours: 0}
	l := Metrics{Score: ptr(1.5), OpenHours: 0.5, Active: true}

	got, ok := Hybrid(&c, 4, &l)
	require.True(t, ok)
	require.NotNil(t, got.Score)
	require.Equal(t, 1.5, *got.Score)
	require.True(t, got.Active)
}

func TestPerBucket(t *testing.T) {
	m := FromAggregate(row(time.Time{}, 3, 36, 3)).PerBucket(3)
	require.InDelta(t, 1.0, m.DownHours, 1e-9)
	require.InDelta(t, 12.0, m.InputSampleCount, 1e-9)
	require.Equal(t, 3.0, m.EffectiveWeight)
}

func TestReadDayBlendsHoursWithLive(t *testing.T) {
	day := time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)
	now := day.Add(3*time.Hour + 20*time.Minute)
	f := newFixture(now)
	f.upsert(t, bucket.Hour, row(day, 1, 12, 1), row(day.Add(time.Hour), 0, 12, 1), row(day.Add(2*time.Hour), 0.5, 12, 1))
	f.live(now, row(day.Add(3*time.Hour), 0.25, 4, 4.0/12))

	v, err := f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodDay)
	require.NoError(t, err)
	require.False(t, v.NoData)
	require.Equal(t, 3, v.Completed)
	require.Equal(t, 0, v.Missing)
	require.True(t, v.Live)
	require.Equal(t, int64(7), v.Generation)
	require.Equal(t, bucket.Hour, v.SubBucket)
	require.InDelta(t, (3*0.5+0.25)/4, v.DownHours, 1e-9)
	require.InDelta(t, (3*1+4.0/12)/4, v.OpenHours, 1e-9)
	require.Equal(t, day, v.Window.Start)
}

func TestReadDayAtStartEqualsLive(t *testing.T) {
	day := time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)
	now := day.Add(10 * time.Minute)
	f := newFixture(now)
	liveRow := row(day, 0.25, 3, 0.25)
	f.live(now, liveRow)

	v, err := f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodDay)
	require.NoError(t, err)
	require.Equal(t, 0, v.Completed)
	require.Equal(t, FromAggregate(liveRow), v.Metrics)

	hour, err := f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodHour)
	require.NoError(t, err)
	require.Equal(t, v.Metrics, hour.Metrics)
}

func TestReadWeekUsesTodaySoFar(t *testing.T) {
	monday := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	now := monday.AddDate(0, 0, 2).Add(10*time.Hour + 30*time.Minute)
	today := bucket.Day.Truncate(now)
	f := newFixture(now)

	f.upsert(t, bucket.Day, row(monday, 2, 288, 12), row(monday.AddDate(0, 0, 1), 4, 288, 12))
	f.upsert(t, bucket.Hour, row(today.Add(8*time.Hour), 1, 12, 1), row(today.Add(9*time.Hour), 1, 12, 1))
	f.live(now, row(today.Add(10*time.Hour), 0.5, 6, 0.5))

	v, err := f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, 2, v.Completed)
	require.Equal(t, bucket.Day, v.SubBucket)
	require.InDelta(t, (2*3+2.5)/3, v.DownHours, 1e-9)
	require.Equal(t, monday, v.Window.Start)
	// Today's hours before 08:00 have no rows
	require.Equal(t, 8, v.Missing)

	// July days without rows are reported missing, not averaged in as zeros
	month, err := f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodMonth)
	require.NoError(t, err)
	require.Equal(t, 7, month.Completed)
	require.Equal(t, 5+8, month.Missing)
	require.InDelta(t, (7*3+2.5)/8, month.DownHours, 1e-9)
}

func TestReadWeekCountsHourAwaitingRollup(t *testing.T) {
	monday := time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC)
	today := monday.AddDate(0, 0, 2)
	now := today.Add(10*time.Hour + 3*time.Minute)
	f := newFixture(now)

	f.upsert(t, bucket.Day, row(monday, 2, 288, 12), row(monday.AddDate(0, 0, 1), 4, 288, 12))
	var hours []reliability.Aggregate
	for h := 0; h < 9; h++ {
		hours = append(hours, row(today.Add(time.Duration(h)*time.Hour), 0, 12, 1))
	}
	f.upsert(t, bucket.Hour, hours...)
	// 09:00 has closed but is still inside the ingest lag
	f.live(now, row(today.Add(10*time.Hour), 0, 1, 0))

	v, err := f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, 2, v.Completed)
	require.Equal(t, 1, v.Missing)
	require.True(t, v.Live)

	// Once rolled up nothing is missing
	f.upsert(t, bucket.Hour, row(today.Add(9*time.Hour), 0, 12, 1))
	v, err = f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodWeek)
	require.NoError(t, err)
	require.Equal(t, 0, v.Missing)
}

func TestReadYearUsesMonthSoFar(t *testing.T) {
	year := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 2, 5, 0, 0, 0, time.UTC)
	f := newFixture(now)

	f.upsert(t, bucket.Month, row(year, 10, 8000, 300), row(year.AddDate(0, 1, 0), 20, 8000, 300))
	f.upsert(t, bucket.Day, row(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 3, 288, 12))
	f.upsert(t, bucket.Hour, row(time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC), 1, 12, 1))

	v, err := f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodYear)
	require.NoError(t, err)
	require.Equal(t, 2, v.Completed)
	require.False(t, v.Live)
	require.InDelta(t, (2*15+4)/3.0, v.DownHours, 1e-9)
}

func TestReadNoData(t *testing.T) {
	now := time.Date(2026, 7, 4, 12, 0, 0, 0, time.UTC)
	f := newFixture(now)

	for _, p := range Periods {
		v, err := f.reader.Read(context.Background(), reliability.KindEntity, "ghost", p)
		require.NoError(t, err)
		require.True(t, v.NoData, p)
		require.Nil(t, v.Score)
	}
}

func TestStaleLiveGenerationIgnored(t *testing.T) {
	now := time.Date(2026, 7, 4, 12, 2, 0, 0, time.UTC)
	f := newFixture(now)
	f.live(now.Add(-time.Hour), row(time.Date(2026, 7, 4, 11, 0, 0, 0, time.UTC), 1, 12, 1))

	v, err := f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodHour)
	require.NoError(t, err)
	require.True(t, v.NoData)

	// The live period still shows the last generation as of when it was built
	v, err = f.reader.Read(context.Background(), reliability.KindGroup, "park", PeriodLive)
	require.NoError(t, err)
	require.False(t, v.NoData)
	require.Equal(t, reliability.StatusOperating, v.Status)
	require.NotNil(t, v.ObservedAt)
}

func TestReadUnknownPeriod(t *testing.T) {
	f := newFixture(time.Now())
	_, err := f.reader.Read(context.Background(), reliability.KindGroup, "park", Period("decade"))
	require.ErrorIs(t, err, ErrUnknownPeriod)
}

func TestHistory(t *testing.T) {
	day := time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)
	f := newFixture(day.AddDate(0, 0, 3))
	f.upsert(t, bucket.Day, row(day, 1, 288, 12), row(day.AddDate(0, 0, 1), 2, 288, 12))

	rows, err := f.reader.History(context.Background(), reliability.KindGroup, "park", bucket.Day, day, day.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, day, rows[0].BucketStart)

	_, err = f.reader.History(context.Background(), reliability.KindGroup, "park", bucket.Day, day, day.AddDate(0, 0, -1))
	require.Error(t, err)
}
