package ingest

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
	"github.com/nicktill/ridewatch/pkg/storage"
	"github.com/nicktill/ridewatch/pkg/storage/memory"
)

var now = time.Date(2026, 7, 4, 12, 30, 0, 0, time.UTC)

func newIngester(t *testing.T) (*Ingester, *memory.Storage, *ledger.Ledger) {
	t.Helper()
	store := memory.New()
	l := ledger.New(store)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, l, log).WithClock(func() time.Time { return now }), store, l
}

func reading(entity string, ts time.Time, status reliability.Status, open bool) reliability.Reading {
	return reliability.Reading{EntityID: entity, GroupID: "park", Timestamp: ts, Status: status, GroupOpen: open}
}

func TestIngestDerivesAndStores(t *testing.T) {
	in, store, _ := newIngester(t)
	eastern := time.FixedZone("EDT", -4*3600)
	wait := 35.0

	down := reading("coaster", now.Add(-10*time.Minute).In(eastern), reliability.StatusDown, true)
	closedDown := reading("flume", now.Add(-10*time.Minute), reliability.StatusDown, false)
	closedDown.CountsAsDown = true // recomputed
	operating := reading("carousel", now.Add(-5*time.Minute), reliability.StatusOperating, true)
	operating.WaitMinutes = &wait

	res, err := in.Ingest(context.Background(), []reliability.Reading{down, closedDown, operating})
	require.NoError(t, err)
	require.Equal(t, &Result{Accepted: 3}, res)

	stored, err := store.QueryReadings(context.Background(), storage.ReadingQuery{Start: now.Add(-time.Hour), End: now})
	require.NoError(t, err)
	require.Len(t, stored, 3)

	byID := make(map[string]reliability.Reading)
	for _, r := range stored {
		byID[r.EntityID] = r
	}
	require.True(t, byID["coaster"].CountsAsDown)
	require.Equal(t, time.UTC, byID["coaster"].Timestamp.Location())
	require.False(t, byID["flume"].CountsAsDown, "a closed group never counts as down")
	require.Equal(t, 35.0, *byID["carousel"].WaitMinutes)
}

func TestIngestRejectsMalformed(t *testing.T) {
	in, _, _ := newIngester(t)
	negative := -3.0

	bad := []reliability.Reading{
		reading("", now, reliability.StatusOperating, true),
		reading("coaster", now, reliability.Status("BROKEN"), true),
		reading("coaster", time.Time{}, reliability.StatusOperating, true),
		{EntityID: "coaster", GroupID: "park", Timestamp: now, Status: reliability.StatusOperating, WaitMinutes: &negative},
		reading("coaster", now.Add(time.Hour), reliability.StatusOperating, true),
		reading("coaster", now, reliability.StatusOperating, true),
	}
	res, err := in.Ingest(context.Background(), bad)
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)
	require.Equal(t, 5, res.Rejected)
	require.Len(t, res.Errors, 5)
	require.Contains(t, res.Errors[0], "reading 0: malformed reading")
	require.Contains(t, res.Errors[4], "in the future")
}

func TestIngestRejectsLateReadings(t *testing.T) {
	in, store, l := newIngester(t)
	closedHour := bucket.Hour.Window(now.Add(-2 * time.Hour))
	_, err := l.Record(context.Background(), ledger.Entry{JobType: bucket.Hour.JobType(), Bucket: closedHour, Status: storage.StatusSuccess})
	require.NoError(t, err)

	res, err := in.Ingest(context.Background(), []reliability.Reading{
		reading("coaster", closedHour.Start.Add(5*time.Minute), reliability.StatusDown, true),
		reading("coaster", closedHour.Start.Add(10*time.Minute), reliability.StatusDown, true),
		reading("coaster", now.Add(-time.Minute), reliability.StatusOperating, true),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)
	require.Equal(t, 2, res.Late)
	require.Zero(t, res.Rejected)
	require.Contains(t, res.Errors[0], "hour already rolled up")

	stored, err := store.QueryReadings(context.Background(), storage.ReadingQuery{Start: closedHour.Start, End: closedHour.End})
	require.NoError(t, err)
	require.Empty(t, stored)
}

func TestIngestBatchLimit(t *testing.T) {
	in, _, _ := newIngester(t)
	_, err := in.Ingest(context.Background(), make([]reliability.Reading, MaxReadingsPerBatch+1))
	require.ErrorIs(t, err, ErrTooManyReadings)
}

func TestRegisterEntities(t *testing.T) {
	in, store, _ := newIngester(t)
	ctx := context.Background()

	require.NoError(t, in.RegisterEntities(ctx, []reliability.Entity{
		{ID: "coaster", GroupID: "park", Name: "Big Coaster", Tier: reliability.Tier1},
		{ID: "carousel", GroupID: "park"},
	}))
	entities, err := store.Entities(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 2)

	err = in.RegisterEntities(ctx, []reliability.Entity{{ID: "x", GroupID: "park", Tier: 7}})
	require.ErrorContains(t, err, "entity 0")
	entities, err = store.Entities(ctx)
	require.NoError(t, err)
	require.Len(t, entities, 2)
}

type fixedUsage struct{ used, limit int64 }

func (f fixedUsage) GetUsage() (int64, error) { return f.used, nil }
func (f fixedUsage) GetLimit() int64          { return f.limit }

func TestIngestRefusedWhenStorageFull(t *testing.T) {
	in, store, _ := newIngester(t)
	in.SetStorageChecker(fixedUsage{used: 2048, limit: 1024})

	_, err := in.Ingest(context.Background(), []reliability.Reading{
		reading("coaster", now.Add(-time.Minute), reliability.StatusOperating, true),
	})
	require.ErrorIs(t, err, ErrStorageFull)

	stored, err := store.QueryReadings(context.Background(), storage.ReadingQuery{Start: now.Add(-time.Hour), End: now})
	require.NoError(t, err)
	require.Empty(t, stored)

	in.SetStorageChecker(fixedUsage{used: 512, limit: 1024})
	res, err := in.Ingest(context.Background(), []reliability.Reading{
		reading("coaster", now.Add(-time.Minute), reliability.StatusOperating, true),
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Accepted)
}
