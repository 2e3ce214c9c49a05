package reliability

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Aggregate is the reliability summary of one entity or group over one bucket.
// The same shape is used for every granularity and for the live snapshot.
type Aggregate struct {
	Kind        Kind      `json:"kind"`
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	BucketStart time.Time `json:"bucket_start"`

	// Score is nil when the row was inactive for the whole bucket
	Score *float64 `json:"score"`

	MeanWait    *float64 `json:"mean_wait"`
	WaitSamples int      `json:"wait_samples"`

	OperatingCount   int `json:"operating_count"`
	DownCount        int `json:"down_count"`
	InputSampleCount int `json:"input_sample_count"`

	DownHours         float64 `json:"down_hours"`
	WeightedDownHours float64 `json:"weighted_down_hours"`
	EffectiveWeight   float64 `json:"effective_weight"`
	OpenHours         float64 `json:"open_hours"`

	Active        bool `json:"active"`
	Partial       bool `json:"partial"`
	SourceBuckets int  `json:"source_buckets"`
}

// Key identifies the row within its granularity
func (a *Aggregate) Key() string {
	return fmt.Sprintf("%s|%s|%d", a.Kind, a.ID, a.BucketStart.UnixNano())
}

// Validate checks the count invariants of a row
func (a *Aggregate) Validate() error {
	if a.OperatingCount < 0 || a.DownCount < 0 || a.WaitSamples < 0 {
		return fmt.Errorf("%w: negative count", ErrInconsistentRow)
	}
	if a.OperatingCount+a.DownCount > a.InputSampleCount {
		return fmt.Errorf("%w: operating %d + down %d > samples %d",
			ErrInconsistentRow, a.OperatingCount, a.DownCount, a.InputSampleCount)
	}
	if a.DownHours < 0 || a.WeightedDownHours < 0 || a.OpenHours < 0 {
		return fmt.Errorf("%w: negative hours", ErrInconsistentRow)
	}
	if a.Score != nil && (*a.Score < 0 || math.IsNaN(*a.Score) || math.IsInf(*a.Score, 0)) {
		return fmt.Errorf("%w: score %v", ErrInconsistentRow, *a.Score)
	}
	return nil
}

// Rescore recomputes Score from the row's own fields.
// Inactive rows get a nil score.
func (a *Aggregate) Rescore() error {
	if !a.Active {
		a.Score = nil
		return nil
	}
	s, err := Score(a.WeightedDownHours, a.EffectiveWeight, a.OpenHours)
	if err != nil {
		a.Score = nil
		return fmt.Errorf("%s %s: %w", a.Kind, a.ID, err)
	}
	a.Score = &s
	return nil
}

// Score computes the normalized unreliability score:
// weighted down-hours per weighted open-hour, scaled by 10.
func Score(weightedDownHours, effectiveWeight, openHours float64) (float64, error) {
	if effectiveWeight <= 0 || openHours <= 0 {
		return 0, ErrZeroDenominator
	}
	s := weightedDownHours / (effectiveWeight * openHours) * 10
	if s < 0 {
		s = 0
	}
	return s, nil
}

// EffectiveWeight sums the weights of the given tiers
func EffectiveWeight(tiers ...Tier) float64 {
	var w float64
	for _, t := range tiers {
		w += t.Weight()
	}
	return w
}

// Merge combines finer rows of one id into a single row starting at bucketStart.
// Additive fields are summed, EffectiveWeight takes the maximum and the score
// is recomputed from the merged totals.
func Merge(kind Kind, id string, bucketStart time.Time, rows []Aggregate) (Aggregate, error) {
	out := Aggregate{
		Kind:        kind,
		ID:          id,
		BucketStart: bucketStart.UTC(),
	}
	if len(rows) == 0 {
		return out, nil
	}

	sorted := make([]Aggregate, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].BucketStart.Before(sorted[j].BucketStart)
	})

	var waitTotal float64
	for i := range sorted {
		r := &sorted[i]
		if r.Kind != kind || r.ID != id {
			return Aggregate{}, fmt.Errorf("merge %s %s: got row for %s %s", kind, id, r.Kind, r.ID)
		}
		if r.GroupID != "" {
			out.GroupID = r.GroupID
		}
		out.OperatingCount += r.OperatingCount
		out.DownCount += r.DownCount
		out.InputSampleCount += r.InputSampleCount
		out.DownHours += r.DownHours
		out.WeightedDownHours += r.WeightedDownHours
		out.OpenHours += r.OpenHours
		if r.EffectiveWeight > out.EffectiveWeight {
			out.EffectiveWeight = r.EffectiveWeight
		}
		if r.MeanWait != nil && r.WaitSamples > 0 {
			waitTotal += *r.MeanWait * float64(r.WaitSamples)
			out.WaitSamples += r.WaitSamples
		}
		out.Active = out.Active || r.Active
		out.Partial = out.Partial || r.Partial
	}
	out.SourceBuckets = len(sorted)

	if out.WaitSamples > 0 {
		mean := waitTotal / float64(out.WaitSamples)
		out.MeanWait = &mean
	}
	if err := out.Validate(); err != nil {
		return Aggregate{}, err
	}
	if err := out.Rescore(); err != nil {
		return Aggregate{}, err
	}
	return out, nil
}
