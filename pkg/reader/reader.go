package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/live"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// ErrUnknownPeriod is returned for an unsupported period token
var ErrUnknownPeriod = errors.New("unknown period")

// Period is a read period token
type Period string

const (
	PeriodLive  Period = "live"
	PeriodHour  Period = "hour"
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodYear  Period = "year"
)

// Periods lists every supported token
var Periods = []Period{PeriodLive, PeriodHour, PeriodDay, PeriodWeek, PeriodMonth, PeriodYear}

// ParsePeriod parses a period token
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Periods {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPeriod, s)
}

// View is the answer for one (kind, id, period)
type View struct {
	Kind   reliability.Kind `json:"kind"`
	ID     string           `json:"id"`
	Period Period           `json:"period"`

	// Window is the period, ending now for an open period
	Window bucket.Window `json:"window"`

	// NoData is set when neither completed buckets nor live data exist.
	// Metrics are then meaningless and must not be shown as a zero score.
	NoData bool `json:"no_data"`

	Metrics

	// SubBucket is the granularity the completed part is made of
	SubBucket bucket.Granularity `json:"sub_bucket,omitempty"`

	// Completed is the number of sub-buckets elapsed. Missing counts closed
	// buckets with no stored row yet: completed sub-buckets plus finer ones
	// inside the open sub-bucket that are not rolled up.
	Completed int `json:"completed"`
	Missing   int `json:"missing,omitempty"`

	// Live is set when the open remainder includes the live generation
	Live       bool  `json:"live"`
	Generation int64 `json:"generation,omitempty"`

	// Latest observation (live period, entities only)
	Status      reliability.Status `json:"status,omitempty"`
	WaitMinutes *float64           `json:"wait_minutes,omitempty"`
	ObservedAt  *time.Time         `json:"observed_at,omitempty"`
}

// Reader answers period queries from rollup rows and the live cache
// without touching raw readings
type Reader struct {
	store storage.Store
	cache *live.Cache
	now   func() time.Time
}

// New creates a reader
func New(store storage.Store, cache *live.Cache) *Reader {
	return &Reader{store: store, cache: cache, now: time.Now}
}

// WithClock replaces the clock (tests)
func (r *Reader) WithClock(now func() time.Time) *Reader {
	r.now = now
	return r
}

// Read returns the metrics of kind/id over the current period
func (r *Reader) Read(ctx context.Context, kind reliability.Kind, id string, period Period) (*View, error) {
	now := r.now().UTC()
	view := &View{Kind: kind, ID: id, Period: period}

	switch period {
	case PeriodLive:
		return r.readLive(view), nil
	case PeriodHour:
		view.Window = bucket.Window{Start: bucket.Hour.Truncate(now), End: now}
		row, gen := r.liveRow(kind, id, now)
		if row == nil {
			view.NoData = true
			return view, nil
		}
		view.Metrics = FromAggregate(row.Aggregate)
		view.Live, view.Generation = true, gen.ID
		return view, nil
	}

	var (
		sub   bucket.Granularity
		start time.Time
	)
	switch period {
	case PeriodDay:
		sub, start = bucket.Hour, bucket.Day.Truncate(now)
	case PeriodWeek:
		sub, start = bucket.Day, bucket.WeekStart(now)
	case PeriodMonth:
		sub, start = bucket.Day, bucket.Month.Truncate(now)
	case PeriodYear:
		sub, start = bucket.Month, bucket.Year.Truncate(now)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPeriod, period)
	}
	view.Window = bucket.Window{Start: start, End: now}
	view.SubBucket = sub

	// Completed sub-buckets end where the open one begins
	openStart := sub.Truncate(now)
	view.Completed = bucket.Elapsed(sub, start, openStart)

	rows, err := r.rows(ctx, sub, kind, id, start, openStart)
	if err != nil {
		return nil, err
	}
	view.Missing = view.Completed - len(rows)

	var completed *Metrics
	if len(rows) > 0 {
		merged, err := reliability.Merge(kind, id, start, rows)
		if err != nil {
			return nil, err
		}
		c := FromAggregate(merged).PerBucket(len(rows))
		completed = &c
	}

	remainder, gaps, gen, err := r.remainder(ctx, sub, kind, id, now)
	if err != nil {
		return nil, err
	}
	view.Missing += gaps
	if gen != nil {
		view.Live, view.Generation = true, gen.ID
	}

	m, ok := Hybrid(completed, view.Completed, remainder)
	if !ok {
		view.NoData = true
		return view, nil
	}
	view.Metrics = m
	return view, nil
}

func (r *Reader) readLive(view *View) *View {
	row, gen, ok := r.cache.Get(view.Kind, view.ID)
	if !ok {
		view.NoData = true
		return view
	}
	view.Window = bucket.Window{Start: gen.Window.Start, End: gen.BuiltAt}
	view.Metrics = FromAggregate(row.Aggregate)
	view.Live, view.Generation = true, gen.ID
	view.Status = row.Status
	view.WaitMinutes = row.WaitMinutes
	if !row.ObservedAt.IsZero() {
		observed := row.ObservedAt
		view.ObservedAt = &observed
	}
	return view
}

// liveRow returns the live row if the current generation covers the hour
// containing now
func (r *Reader) liveRow(kind reliability.Kind, id string, now time.Time) (*live.Row, *live.Generation) {
	row, gen, ok := r.cache.Get(kind, id)
	if !ok || !gen.Window.Start.Equal(bucket.Hour.Truncate(now)) {
		return nil, nil
	}
	return &row, gen
}

// remainder merges everything between the open sub-bucket's start and now:
// the finer rows already rolled up plus the live hour. gaps counts closed
// finer buckets in that span that have no row.
func (r *Reader) remainder(ctx context.Context, sub bucket.Granularity, kind reliability.Kind, id string, now time.Time) (_ *Metrics, gaps int, _ *live.Generation, _ error) {
	openStart := sub.Truncate(now)

	// Walk down from the open sub-bucket to hours, collecting closed pieces
	var parts []reliability.Aggregate
	from := openStart
	for g := sub; g != bucket.Hour; {
		finer, _ := g.Finer()
		to := finer.Truncate(now)
		rows, err := r.rows(ctx, finer, kind, id, from, to)
		if err != nil {
			return nil, 0, nil, err
		}
		parts = append(parts, rows...)
		gaps += bucket.Elapsed(finer, from, to) - len(rows)
		g, from = finer, to
	}

	row, gen := r.liveRow(kind, id, now)
	if row != nil {
		parts = append(parts, row.Aggregate)
	}
	if len(parts) == 0 {
		return nil, gaps, nil, nil
	}

	merged, err := reliability.Merge(kind, id, openStart, parts)
	if err != nil {
		return nil, 0, nil, err
	}
	m := FromAggregate(merged)
	return &m, gaps, gen, nil
}

func (r *Reader) rows(ctx context.Context, g bucket.Granularity, kind reliability.Kind, id string, start, end time.Time) ([]reliability.Aggregate, error) {
	if !start.Before(end) {
		return nil, nil
	}
	rows, err := r.store.QueryAggregates(ctx, storage.AggregateQuery{
		Granularity: g,
		Start:       start,
		End:         end,
		Kind:        kind,
		IDs:         []string{id},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s rows: %w", g, err)
	}
	return rows, nil
}

// History returns stored rows of one granularity, oldest first
func (r *Reader) History(ctx context.Context, kind reliability.Kind, id string, g bucket.Granularity, start, end time.Time) ([]reliability.Aggregate, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return r.rows(ctx, g, kind, id, start, end)
}
