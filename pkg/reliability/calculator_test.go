package reliability

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)

func reading(entity, group string, ts time.Time, status Status, open bool) Reading {
	return Derive(Reading{EntityID: entity, GroupID: group, Timestamp: ts, Status: status, GroupOpen: open})
}

func wait(v float64) *float64 { return &v }

func TestTierWeights(t *testing.T) {
	require.Equal(t, 3.0, Tier1.Weight())
	require.Equal(t, 2.0, Tier2.Weight())
	require.Equal(t, 1.0, Tier3.Weight())
	require.Equal(t, 2.0, TierUnclassified.Weight())
	require.Equal(t, 2.0, Tier(9).Weight())
	require.Equal(t, 6.0, EffectiveWeight(Tier1, Tier3, TierUnclassified, Tier3))
}

func TestDeriveGroupClosedWins(t *testing.T) {
	r := Derive(Reading{Status: StatusDown, GroupOpen: false, Timestamp: day0.In(time.FixedZone("x", 3600))})
	require.False(t, r.CountsAsDown)
	require.Equal(t, time.UTC, r.Timestamp.Location())

	r = Derive(Reading{Status: StatusDown, GroupOpen: true})
	require.True(t, r.CountsAsDown)

	r = Derive(Reading{Status: StatusRefurbishment, GroupOpen: true})
	require.False(t, r.CountsAsDown)
}

func TestComputeTierWeighting(t *testing.T) {
	calc := NewCalculator(SampleInterval)

	// Two hours down at 5m cadence for a tier-1 entity
	var readings []Reading
	for i := 0; i < 24; i++ {
		readings = append(readings, reading("coaster", "park", day0.Add(time.Duration(i)*SampleInterval), StatusDown, true))
	}

	m, err := calc.Compute("coaster", Tier1, readings)
	require.NoError(t, err)
	require.Equal(t, 24, m.DownCount)
	require.InDelta(t, 2.0, m.DownHours, 1e-9)
	require.InDelta(t, 6.0, m.WeightedDownHours, 1e-9)
	require.True(t, m.Operated)
}

func TestComputeExcludesClosedGroup(t *testing.T) {
	calc := NewCalculator(SampleInterval)
	readings := []Reading{
		reading("a", "park", day0, StatusDown, false),
		reading("a", "park", day0.Add(5*time.Minute), StatusOperating, false),
		reading("a", "park", day0.Add(10*time.Minute), StatusClosed, true),
		reading("a", "park", day0.Add(15*time.Minute), StatusRefurbishment, true),
	}
	m, err := calc.Compute("a", Tier2, readings)
	require.NoError(t, err)
	require.Equal(t, 4, m.SampleCount)
	require.Equal(t, 0, m.DownCount)
	require.Equal(t, 0, m.OperatingCount)
	require.Equal(t, 2, m.OpenSlots)
	require.False(t, m.Operated)
}

func TestComputeRejectsMalformed(t *testing.T) {
	calc := NewCalculator(SampleInterval)

	_, err := calc.Compute("a", Tier1, []Reading{reading("b", "park", day0, StatusDown, true)})
	require.ErrorIs(t, err, ErrMalformedReading)

	_, err = calc.Compute("a", Tier1, []Reading{{EntityID: "a", Status: "BROKEN"}})
	require.ErrorIs(t, err, ErrMalformedReading)

	_, err = calc.Compute("a", Tier1, []Reading{{EntityID: "a", Status: StatusOperating, WaitMinutes: wait(-1)}})
	require.ErrorIs(t, err, ErrMalformedReading)
}

func TestBuildGoldenScenario(t *testing.T) {
	calc := NewCalculator(SampleInterval)

	// 15 tier-1 rides and one unclassified ride: weight 47.
	// The park is open 14 hours; one tier-1 ride is down for 157 samples.
	const slots = 14 * 12
	var readings []Reading
	tiers := map[string]Tier{}
	for e := 0; e < 16; e++ {
		id := fmt.Sprintf("ride-%02d", e)
		tier := Tier1
		if e == 15 {
			tier = TierUnclassified
		}
		tiers[id] = tier
		for s := 0; s < slots; s++ {
			status := StatusOperating
			if e == 0 && s < 157 {
				status = StatusDown
			}
			readings = append(readings, reading(id, "park", day0.Add(time.Duration(s)*SampleInterval), status, true))
		}
	}

	res := calc.Build(BuildInput{BucketStart: day0, Readings: readings, Tiers: tiers})
	require.Empty(t, res.Skipped)
	require.Len(t, res.Rows, 17)

	park := res.Rows[16]
	require.Equal(t, KindGroup, park.Kind)
	require.Equal(t, 47.0, park.EffectiveWeight)
	require.InDelta(t, 14.0, park.OpenHours, 1e-9)
	require.InDelta(t, 39.25, park.WeightedDownHours, 1e-9)
	require.NotNil(t, park.Score)
	require.InDelta(t, 0.60, *park.Score, 0.01)

	// Invariant holds on every row
	for _, r := range res.Rows {
		require.NoError(t, r.Validate())
		require.LessOrEqual(t, r.OperatingCount+r.DownCount, r.InputSampleCount)
	}
}

func TestBuildSilentMemberKeepsWeight(t *testing.T) {
	calc := NewCalculator(SampleInterval)
	readings := []Reading{reading("a", "park", day0, StatusOperating, true)}

	res := calc.Build(BuildInput{
		BucketStart:    day0,
		Readings:       readings,
		Tiers:          map[string]Tier{"a": Tier1, "b": Tier3, "c": Tier2},
		Members:        map[string]string{"b": "park", "c": "park"},
		RecentlyActive: map[string]bool{"b": true},
	})
	require.Len(t, res.Rows, 2)
	require.Equal(t, 4.0, res.Rows[1].EffectiveWeight)
}

func TestBuildInactiveHasNilScore(t *testing.T) {
	calc := NewCalculator(SampleInterval)
	readings := []Reading{
		reading("a", "park", day0, StatusClosed, true),
		reading("a", "park", day0.Add(5*time.Minute), StatusClosed, true),
	}
	res := calc.Build(BuildInput{BucketStart: day0, Readings: readings})
	require.Len(t, res.Rows, 2)
	for _, r := range res.Rows {
		require.False(t, r.Active)
		require.Nil(t, r.Score)
		require.Zero(t, r.EffectiveWeight)
	}
}

func TestBuildSkipsSplitGroupEntity(t *testing.T) {
	calc := NewCalculator(SampleInterval)
	readings := []Reading{
		reading("a", "park", day0, StatusOperating, true),
		reading("a", "other", day0.Add(5*time.Minute), StatusOperating, true),
		reading("b", "park", day0, StatusOperating, true),
	}
	res := calc.Build(BuildInput{BucketStart: day0, Readings: readings})
	require.Len(t, res.Skipped, 1)
	require.Equal(t, "a", res.Skipped[0].ID)
	require.Len(t, res.Rows, 2)
}

func TestBuildMeanWait(t *testing.T) {
	calc := NewCalculator(SampleInterval)
	r1 := reading("a", "park", day0, StatusOperating, true)
	r1.WaitMinutes = wait(10)
	r2 := reading("a", "park", day0.Add(5*time.Minute), StatusOperating, true)
	r2.WaitMinutes = wait(30)
	r3 := reading("a", "park", day0.Add(10*time.Minute), StatusDown, true)

	res := calc.Build(BuildInput{BucketStart: day0, Readings: []Reading{r1, r2, r3}})
	require.Len(t, res.Rows, 2)
	require.Equal(t, 2, res.Rows[0].WaitSamples)
	require.InDelta(t, 20.0, *res.Rows[0].MeanWait, 1e-9)
}
