package reliability

import (
	"fmt"
	"sort"
	"time"
)

// Metrics is the calculator output for one entity over one window
type Metrics struct {
	DownHours         float64
	WeightedDownHours float64
	OperatingCount    int
	DownCount         int
	SampleCount       int
	OpenSlots         int
	OpenHours         float64
	WaitSum           float64
	WaitSamples       int
	Operated          bool
}

// Calculator turns raw readings into aggregate rows. Every rollup and the
// live refresh go through the same Calculator.
type Calculator struct {
	interval time.Duration
}

// NewCalculator creates a calculator for readings collected every interval
func NewCalculator(interval time.Duration) *Calculator {
	if interval <= 0 {
		interval = SampleInterval
	}
	return &Calculator{interval: interval}
}

// Interval returns the sample interval
func (c *Calculator) Interval() time.Duration {
	return c.interval
}

// Compute tallies the readings of a single entity
func (c *Calculator) Compute(entityID string, tier Tier, readings []Reading) (Metrics, error) {
	var m Metrics
	for _, r := range readings {
		if r.EntityID != entityID {
			return Metrics{}, fmt.Errorf("%w: reading for %q in %q tally", ErrMalformedReading, r.EntityID, entityID)
		}
		if !r.Status.Valid() {
			return Metrics{}, fmt.Errorf("%w: status %q", ErrMalformedReading, r.Status)
		}
		if r.WaitMinutes != nil && *r.WaitMinutes < 0 {
			return Metrics{}, fmt.Errorf("%w: negative wait", ErrMalformedReading)
		}

		m.SampleCount++
		if !r.GroupOpen {
			continue
		}
		m.OpenSlots++

		switch r.Status {
		case StatusOperating:
			m.OperatingCount++
			m.Operated = true
			if r.WaitMinutes != nil {
				m.WaitSum += *r.WaitMinutes
				m.WaitSamples++
			}
		case StatusDown:
			m.Operated = true
			if r.CountsAsDown {
				m.DownCount++
			}
		}
	}

	hours := c.interval.Hours()
	m.DownHours = float64(m.DownCount) * hours
	m.WeightedDownHours = m.DownHours * tier.Weight()
	m.OpenHours = float64(m.OpenSlots) * hours
	return m, nil
}

// BuildInput is everything needed to produce the rows of one bucket
type BuildInput struct {
	BucketStart time.Time
	Readings    []Reading

	// Tiers maps entity id to its catalog tier; missing ids are unclassified
	Tiers map[string]Tier

	// Members maps entity id to group id for entities known to the group
	// but possibly silent in this bucket
	Members map[string]string

	// RecentlyActive holds entity ids that operated within the activity
	// window before BucketStart
	RecentlyActive map[string]bool
}

// BuildResult holds the rows of one bucket and the entities that were skipped
type BuildResult struct {
	Rows    []Aggregate
	Skipped []EntityError
}

type groupAcc struct {
	row       Aggregate
	waitTotal float64
	slots     map[int64]struct{}
	members   map[string]struct{}
}

// Build computes one row per entity with readings and one row per group.
// Group open hours count distinct open sample slots across the group, and
// the group weight sums every member active within the activity window.
func (c *Calculator) Build(in BuildInput) BuildResult {
	var res BuildResult
	start := in.BucketStart.UTC()

	byEntity := make(map[string][]Reading)
	for _, r := range in.Readings {
		byEntity[r.EntityID] = append(byEntity[r.EntityID], r)
	}
	ids := make([]string, 0, len(byEntity))
	for id := range byEntity {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	groups := make(map[string]*groupAcc)
	group := func(id string) *groupAcc {
		g, ok := groups[id]
		if !ok {
			g = &groupAcc{
				row:     Aggregate{Kind: KindGroup, ID: id, GroupID: id, BucketStart: start},
				slots:   make(map[int64]struct{}),
				members: make(map[string]struct{}),
			}
			groups[id] = g
		}
		return g
	}

	for _, id := range ids {
		readings := byEntity[id]
		groupID := readings[0].GroupID
		for _, r := range readings[1:] {
			if r.GroupID != groupID {
				res.Skipped = append(res.Skipped, EntityError{ID: id, Err: fmt.Errorf("%w: entity reported under groups %q and %q", ErrMalformedReading, groupID, r.GroupID)})
				groupID = ""
				break
			}
		}
		if groupID == "" {
			continue
		}

		tier := in.Tiers[id]
		m, err := c.Compute(id, tier, readings)
		if err != nil {
			res.Skipped = append(res.Skipped, EntityError{ID: id, Err: err})
			continue
		}

		row := Aggregate{
			Kind:              KindEntity,
			ID:                id,
			GroupID:           groupID,
			BucketStart:       start,
			OperatingCount:    m.OperatingCount,
			DownCount:         m.DownCount,
			InputSampleCount:  m.SampleCount,
			DownHours:         m.DownHours,
			WeightedDownHours: m.WeightedDownHours,
			OpenHours:         m.OpenHours,
			WaitSamples:       m.WaitSamples,
			Active:            m.Operated,
			SourceBuckets:     1,
		}
		if m.Operated || in.RecentlyActive[id] {
			row.EffectiveWeight = tier.Weight()
		}
		if m.WaitSamples > 0 {
			mean := m.WaitSum / float64(m.WaitSamples)
			row.MeanWait = &mean
		}
		if err := row.Validate(); err != nil {
			res.Skipped = append(res.Skipped, EntityError{ID: id, Err: err})
			continue
		}
		if err := row.Rescore(); err != nil {
			res.Skipped = append(res.Skipped, EntityError{ID: id, Err: err})
			continue
		}
		res.Rows = append(res.Rows, row)

		g := group(groupID)
		g.members[id] = struct{}{}
		g.row.OperatingCount += row.OperatingCount
		g.row.DownCount += row.DownCount
		g.row.InputSampleCount += row.InputSampleCount
		g.row.DownHours += row.DownHours
		g.row.WeightedDownHours += row.WeightedDownHours
		g.row.EffectiveWeight += row.EffectiveWeight
		g.row.WaitSamples += row.WaitSamples
		g.waitTotal += m.WaitSum
		g.row.Active = g.row.Active || row.Active
		for _, r := range readings {
			if r.GroupOpen {
				g.slots[r.Timestamp.Truncate(c.interval).UnixNano()] = struct{}{}
			}
		}
	}

	// Silent members still weigh on their group while recently active
	silent := make([]string, 0)
	for id := range in.Members {
		if _, seen := byEntity[id]; !seen && in.RecentlyActive[id] {
			silent = append(silent, id)
		}
	}
	sort.Strings(silent)
	for _, id := range silent {
		g, ok := groups[in.Members[id]]
		if !ok {
			continue
		}
		if _, dup := g.members[id]; dup {
			continue
		}
		g.members[id] = struct{}{}
		g.row.EffectiveWeight += in.Tiers[id].Weight()
	}

	groupIDs := make([]string, 0, len(groups))
	for id := range groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)
	for _, id := range groupIDs {
		g := groups[id]
		g.row.OpenHours = float64(len(g.slots)) * c.interval.Hours()
		g.row.SourceBuckets = 1
		if g.row.WaitSamples > 0 {
			mean := g.waitTotal / float64(g.row.WaitSamples)
			g.row.MeanWait = &mean
		}
		if err := g.row.Rescore(); err != nil {
			res.Skipped = append(res.Skipped, EntityError{ID: id, Err: err})
			continue
		}
		res.Rows = append(res.Rows, g.row)
	}
	return res
}
