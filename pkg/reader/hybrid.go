package reader

import "github.com/nicktill/ridewatch/pkg/reliability"

// Metrics is the numeric view of an aggregate. Counts are floats because a
// hybrid value is a weighted mean of per-bucket values.
type Metrics struct {
	Score             *float64 `json:"score"`
	MeanWait          *float64 `json:"mean_wait,omitempty"`
	WaitSamples       float64  `json:"wait_samples"`
	OperatingCount    float64  `json:"operating_count"`
	DownCount         float64  `json:"down_count"`
	InputSampleCount  float64  `json:"input_sample_count"`
	DownHours         float64  `json:"down_hours"`
	WeightedDownHours float64  `json:"weighted_down_hours"`
	EffectiveWeight   float64  `json:"effective_weight"`
	OpenHours         float64  `json:"open_hours"`
	Active            bool     `json:"active"`
	Partial           bool     `json:"partial"`
}

// FromAggregate converts a stored row
func FromAggregate(a reliability.Aggregate) Metrics {
	return Metrics{
		Score:             cloneFloat(a.Score),
		MeanWait:          cloneFloat(a.MeanWait),
		WaitSamples:       float64(a.WaitSamples),
		OperatingCount:    float64(a.OperatingCount),
		DownCount:         float64(a.DownCount),
		InputSampleCount:  float64(a.InputSampleCount),
		DownHours:         a.DownHours,
		WeightedDownHours: a.WeightedDownHours,
		EffectiveWeight:   a.EffectiveWeight,
		OpenHours:         a.OpenHours,
		Active:            a.Active,
		Partial:           a.Partial,
	}
}

// PerBucket expresses a merge of n buckets as the mean bucket. Additive
// fields are divided by n; ratios and the effective weight are kept.
func (m Metrics) PerBucket(n int) Metrics {
	if n <= 1 {
		return m
	}
	d := float64(n)
	m.WaitSamples /= d
	m.OperatingCount /= d
	m.DownCount /= d
	m.InputSampleCount /= d
	m.DownHours /= d
	m.WeightedDownHours /= d
	m.OpenHours /= d
	return m
}

// Hybrid blends the completed part of an open period with its open
// remainder. Every field becomes (n·C + L)/(n+1), where n is the number of
// completed sub-buckets elapsed and C their per-bucket value.
//
// n == 0 yields exactly L; a missing L yields C; both missing reports false.
func Hybrid(completed *Metrics, n int, remainder *Metrics) (Metrics, bool) {
	switch {
	case completed == nil && remainder == nil:
		return Metrics{}, false
	case completed == nil || n == 0:
		if remainder == nil {
			return *completed, true
		}
		return *remainder, true
	case remainder == nil:
		return *completed, true
	}

	c, l := *completed, *remainder
	wc := float64(n) / float64(n+1)
	wl := 1 / float64(n+1)
	mix := func(a, b float64) float64 { return a*wc + b*wl }

	return Metrics{
		Score:             mixOptional(c.Score, l.Score, wc, wl),
		MeanWait:          mixOptional(c.MeanWait, l.MeanWait, wc, wl),
		WaitSamples:       mix(c.WaitSamples, l.WaitSamples),
		OperatingCount:    mix(c.OperatingCount, l.OperatingCount),
		DownCount:         mix(c.DownCount, l.DownCount),
		InputSampleCount:  mix(c.InputSampleCount, l.InputSampleCount),
		DownHours:         mix(c.DownHours, l.DownHours),
		WeightedDownHours: mix(c.WeightedDownHours, l.WeightedDownHours),
		EffectiveWeight:   mix(c.EffectiveWeight, l.EffectiveWeight),
		OpenHours:         mix(c.OpenHours, l.OpenHours),
		Active:            c.Active || l.Active,
		Partial:           c.Partial || l.Partial,
	}, true
}

// mixOptional blends two nullable values; a nil side drops out and the
// other keeps its full weight
func mixOptional(a, b *float64, wa, wb float64) *float64 {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return cloneFloat(b)
	case b == nil:
		return cloneFloat(a)
	}
	v := *a*wa + *b*wb
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
