package rollup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Job rolls one closed window of a granularity into aggregate rows.
// Hourly jobs read raw readings; coarser jobs merge the next finer rows.
type Job struct {
	granularity bucket.Granularity
	store       storage.Store
	ledger      *ledger.Ledger
	calc        *reliability.Calculator
	cfg         Config
}

// NewJob creates the rollup job for g
func NewJob(g bucket.Granularity, store storage.Store, l *ledger.Ledger, calc *reliability.Calculator, cfg Config) *Job {
	return &Job{
		granularity: g,
		store:       store,
		ledger:      l,
		calc:        calc,
		cfg:         cfg.withDefaults(),
	}
}

// JobType is the ledger job type
func (j *Job) JobType() string {
	return j.granularity.JobType()
}

// Granularity returns the bucket width the job writes
func (j *Job) Granularity() bucket.Granularity {
	return j.granularity
}

// Run computes and upserts the rows of w. Running it again for the same
// window with the same input rewrites identical rows.
func (j *Job) Run(ctx context.Context, w bucket.Window) (*Result, error) {
	if aligned := j.granularity.Window(w.Start); !aligned.Start.Equal(w.Start) || !aligned.End.Equal(w.End) {
		return nil, fmt.Errorf("%w: %s for %s", ErrMisaligned, w, j.granularity)
	}
	if !w.Closed(j.cfg.Now(), j.cfg.IngestLag) {
		return nil, fmt.Errorf("%w: %s %s", ErrWindowOpen, j.granularity, w)
	}

	var (
		res *Result
		err error
	)
	if j.granularity == bucket.Hour {
		res, err = j.fromReadings(ctx, w)
	} else {
		res, err = j.fromFiner(ctx, w)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// fromReadings builds hourly rows from raw readings
func (j *Job) fromReadings(ctx context.Context, w bucket.Window) (*Result, error) {
	readings, err := j.store.QueryReadings(ctx, storage.ReadingQuery{Start: w.Start, End: w.End})
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}

	in, err := LoadInputs(ctx, j.store, w.Start, j.cfg.ActivityWindow)
	if err != nil {
		return nil, err
	}
	in.Readings = readings

	built := j.calc.Build(in)
	res := &Result{Window: w, Skipped: built.Skipped}
	if len(readings) == 0 {
		res.Warnings = append(res.Warnings, "no readings in window")
	}
	return j.write(ctx, res, built.Rows)
}

// LoadInputs loads the catalog and the trailing activity the calculator
// needs for a bucket starting at start
func LoadInputs(ctx context.Context, store storage.Store, start time.Time, activity time.Duration) (reliability.BuildInput, error) {
	in := reliability.BuildInput{
		BucketStart:    start,
		Tiers:          make(map[string]reliability.Tier),
		Members:        make(map[string]string),
		RecentlyActive: make(map[string]bool),
	}

	entities, err := store.Entities(ctx)
	if err != nil {
		return in, fmt.Errorf("failed to load entities: %w", err)
	}
	for _, e := range entities {
		in.Tiers[e.ID] = e.Tier
		in.Members[e.ID] = e.GroupID
	}

	recent, err := store.QueryAggregates(ctx, storage.AggregateQuery{
		Granularity: bucket.Hour,
		Start:       start.Add(-activity),
		End:         start,
		Kind:        reliability.KindEntity,
		ActiveOnly:  true,
	})
	if err != nil {
		return in, fmt.Errorf("failed to load trailing activity: %w", err)
	}
	for _, r := range recent {
		in.RecentlyActive[r.ID] = true
		if _, ok := in.Members[r.ID]; !ok {
			in.Members[r.ID] = r.GroupID
		}
	}
	return in, nil
}

// fromFiner merges the next finer rows of w
func (j *Job) fromFiner(ctx context.Context, w bucket.Window) (*Result, error) {
	finer, _ := j.granularity.Finer()
	res := &Result{Window: w}

	completion, err := j.ledger.Completion(ctx, finer.JobType(), w.Split(finer))
	if err != nil {
		return nil, err
	}
	if !completion.Ready() {
		closedFor := j.cfg.Now().Sub(w.End)
		if j.cfg.PartialAfter <= 0 || closedFor < j.cfg.PartialAfter {
			return nil, fmt.Errorf("%w: %d missing and %d partial %s buckets in %s",
				ErrIncompleteInput, len(completion.Missing), len(completion.Partial), finer, w)
		}
		res.Partial = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("partial input: %d missing and %d partial %s buckets",
			len(completion.Missing), len(completion.Partial), finer))
	}

	rows, err := j.store.QueryAggregates(ctx, storage.AggregateQuery{
		Granularity: finer,
		Start:       w.Start,
		End:         w.End,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s rows: %w", finer, err)
	}

	type key struct {
		kind reliability.Kind
		id   string
	}
	grouped := make(map[key][]reliability.Aggregate)
	for _, r := range rows {
		k := key{r.Kind, r.ID}
		grouped[k] = append(grouped[k], r)
	}
	keys := make([]key, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].kind != keys[b].kind {
			return keys[a].kind < keys[b].kind
		}
		return keys[a].id < keys[b].id
	})

	merged := make([]reliability.Aggregate, 0, len(keys))
	for _, k := range keys {
		m, err := reliability.Merge(k.kind, k.id, w.Start, grouped[k])
		if err != nil {
			res.Skipped = append(res.Skipped, reliability.EntityError{ID: k.id, Err: err})
			continue
		}
		if res.Partial {
			m.Partial = true
		}
		merged = append(merged, m)
	}
	return j.write(ctx, res, merged)
}

// write upserts the rows that validate, adds sample warnings and records
// the rest as skipped
func (j *Job) write(ctx context.Context, res *Result, built []reliability.Aggregate) (*Result, error) {
	rows := make([]reliability.Aggregate, 0, len(built))
	for i := range built {
		if err := built[i].Validate(); err != nil {
			res.Skipped = append(res.Skipped, reliability.EntityError{
				ID:  built[i].ID,
				Err: fmt.Errorf("%s row: %w", built[i].Kind, err),
			})
			continue
		}
		rows = append(rows, built[i])
	}

	expected := int(res.Window.Duration() / j.cfg.SampleInterval)
	threshold := int(float64(expected) * j.cfg.LowSampleRatio)
	low, minSamples := 0, expected
	for _, r := range rows {
		if r.Kind != reliability.KindEntity {
			continue
		}
		res.Processed++
		if r.InputSampleCount < threshold {
			low++
			if r.InputSampleCount < minSamples {
				minSamples = r.InputSampleCount
			}
		}
	}
	if low > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("low samples: %d of %d entities below %.0f%% of expected %d (min %d)",
			low, res.Processed, j.cfg.LowSampleRatio*100, expected, minSamples))
	}

	if len(rows) > 0 {
		if err := j.store.UpsertAggregates(ctx, j.granularity, rows); err != nil {
			return nil, fmt.Errorf("failed to upsert %s rows: %w", j.granularity, err)
		}
	}
	res.Rows = len(rows)
	return res, nil
}
