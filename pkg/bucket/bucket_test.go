package bucket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	ts := time.Date(2026, 3, 15, 13, 47, 12, 0, time.UTC)

	require.Equal(t, time.Date(2026, 3, 15, 13, 0, 0, 0, time.UTC), Hour.Truncate(ts))
	require.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), Day.Truncate(ts))
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Month.Truncate(ts))
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Year.Truncate(ts))

	// Non-UTC input lands in the UTC bucket
	local := time.Date(2026, 3, 16, 1, 30, 0, 0, time.FixedZone("plus3", 3*3600))
	require.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), Day.Truncate(local))
}

func TestSplitMonthIntoDays(t *testing.T) {
	feb := Month.Window(time.Date(2028, 2, 10, 0, 0, 0, 0, time.UTC))
	days := feb.Split(Day)
	require.Len(t, days, 29)
	require.Equal(t, feb.Start, days[0].Start)
	require.Equal(t, feb.End, days[28].End)

	require.Len(t, Day.Window(feb.Start).Split(Hour), 24)
	require.Len(t, Year.Window(feb.Start).Split(Month), 12)
}

func TestChainNavigation(t *testing.T) {
	f, ok := Day.Finer()
	require.True(t, ok)
	require.Equal(t, Hour, f)

	_, ok = Hour.Finer()
	require.False(t, ok)

	c, ok := Month.Coarser()
	require.True(t, ok)
	require.Equal(t, Year, c)

	_, ok = Year.Coarser()
	require.False(t, ok)
	require.Equal(t, "rollup_month", Month.JobType())
}

func TestWindowClosed(t *testing.T) {
	w := Hour.Window(time.Date(2026, 3, 15, 13, 10, 0, 0, time.UTC))
	require.False(t, w.Closed(w.End, 5*time.Minute))
	require.True(t, w.Closed(w.End.Add(5*time.Minute), 5*time.Minute))
	require.True(t, w.Contains(w.Start))
	require.False(t, w.Contains(w.End))
}

func TestWeekStartAndElapsed(t *testing.T) {
	sunday := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), WeekStart(sunday))

	monday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	require.Equal(t, monday, WeekStart(monday))

	require.Equal(t, 6, Elapsed(Day, monday, sunday))
	require.Equal(t, 0, Elapsed(Hour, monday, monday.Add(59*time.Minute)))
	require.Equal(t, 2, Elapsed(Month, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)))
}

func TestParse(t *testing.T) {
	g, err := Parse("month")
	require.NoError(t, err)
	require.Equal(t, Month, g)

	_, err = Parse("week")
	require.Error(t, err)
}

func TestAdd(t *testing.T) {
	jan31 := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC), Day.Add(jan31, -1))
	require.Equal(t, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), Month.Add(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), -2))
	require.Equal(t, jan31.Add(-3*time.Hour), Hour.Add(jan31, -3))
	require.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Year.Add(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), -2))
}
