// Package bucket aligns timestamps to the rollup granularities.
// All buckets are UTC.
package bucket

import (
	"fmt"
	"time"
)

// Granularity is the width of a rollup bucket
type Granularity string

const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Month Granularity = "month"
	Year  Granularity = "year"
)

// Chain lists granularities from finest to coarsest
var Chain = []Granularity{Hour, Day, Month, Year}

// Parse validates a granularity token
func Parse(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case Hour, Day, Month, Year:
		return g, nil
	}
	return "", fmt.Errorf("unknown granularity %q (use hour, day, month or year)", s)
}

// Truncate returns the start of the bucket containing t
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	panic("bucket: unknown granularity " + string(g))
}

// Next returns the start of the bucket after the one starting at start
func (g Granularity) Next(start time.Time) time.Time {
	switch g {
	case Hour:
		return start.Add(time.Hour)
	case Day:
		return start.AddDate(0, 0, 1)
	case Month:
		return start.AddDate(0, 1, 0)
	case Year:
		return start.AddDate(1, 0, 0)
	}
	panic("bucket: unknown granularity " + string(g))
}

// Add moves start by n buckets (n may be negative)
func (g Granularity) Add(start time.Time, n int) time.Time {
	switch g {
	case Hour:
		return start.Add(time.Duration(n) * time.Hour)
	case Day:
		return start.AddDate(0, 0, n)
	case Month:
		return start.AddDate(0, n, 0)
	case Year:
		return start.AddDate(n, 0, 0)
	}
	panic("bucket: unknown granularity " + string(g))
}

// Window returns the bucket containing t
func (g Granularity) Window(t time.Time) Window {
	start := g.Truncate(t)
	return Window{Start: start, End: g.Next(start)}
}

// Finer returns the next finer granularity
func (g Granularity) Finer() (Granularity, bool) {
	for i, c := range Chain {
		if c == g && i > 0 {
			return Chain[i-1], true
		}
	}
	return "", false
}

// Coarser returns the next coarser granularity
func (g Granularity) Coarser() (Granularity, bool) {
	for i, c := range Chain {
		if c == g && i < len(Chain)-1 {
			return Chain[i+1], true
		}
	}
	return "", false
}

// Cadence is the nominal spacing of successive buckets
func (g Granularity) Cadence() time.Duration {
	switch g {
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Month:
		return 31 * 24 * time.Hour
	case Year:
		return 366 * 24 * time.Hour
	}
	return 0
}

// JobType is the ledger job type of the rollup at this granularity
func (g Granularity) JobType() string {
	return "rollup_" + string(g)
}

// Window is a half-open time range [Start, End)
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Duration returns the window length
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Closed reports whether the window ended at least lag before now
func (w Window) Closed(now time.Time, lag time.Duration) bool {
	return !now.Before(w.End.Add(lag))
}

// Split returns the g-buckets that make up the window
func (w Window) Split(g Granularity) []Window {
	return Windows(g, w.Start, w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}

// Windows returns every g-bucket whose start lies in [from, to)
func Windows(g Granularity, from, to time.Time) []Window {
	var out []Window
	for start := g.Truncate(from); start.Before(to); start = g.Next(start) {
		if start.Before(from) {
			continue
		}
		out = append(out, Window{Start: start, End: g.Next(start)})
	}
	return out
}

// WeekStart returns Monday 00:00 UTC of the ISO week containing t
func WeekStart(t time.Time) time.Time {
	day := Day.Truncate(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

// Elapsed counts the whole g-buckets between from and to
func Elapsed(g Granularity, from, to time.Time) int {
	n := 0
	for start := g.Truncate(from); g.Next(start).Compare(to) <= 0; start = g.Next(start) {
		n++
	}
	return n
}
