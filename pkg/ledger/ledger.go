// Package ledger records every rollup and retention run and answers the
// completeness questions the rollup chain and the retention sweeper ask.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Entry is one ledger record
type Entry = storage.LedgerEntry

// Job types that are not rollups
const (
	JobRetention = "retention"
)

// Ledger is an append-only log of job runs
type Ledger struct {
	store storage.Store
	now   func() time.Time
}

// New creates a ledger over store
func New(store storage.Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// WithClock replaces the ledger clock (tests)
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Record appends an entry, filling in its id and finish time when unset
func (l *Ledger) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.JobType == "" {
		return Entry{}, fmt.Errorf("ledger entry without job type")
	}
	if e.Status != storage.StatusSuccess && e.Status != storage.StatusFailure {
		return Entry{}, fmt.Errorf("ledger entry with status %q", e.Status)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.FinishedAt.IsZero() {
		e.FinishedAt = l.now()
	}
	e.FinishedAt = e.FinishedAt.UTC()
	e.StartedAt = e.StartedAt.UTC()
	e.Bucket.Start = e.Bucket.Start.UTC()
	e.Bucket.End = e.Bucket.End.UTC()

	if err := l.store.AppendLedger(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return e, nil
}

// Completion splits windows by their best recorded outcome
type Completion struct {
	Complete []bucket.Window
	Partial  []bucket.Window
	Missing  []bucket.Window
}

// Ready reports whether every window has a non-partial success
func (c *Completion) Ready() bool {
	return len(c.Partial) == 0 && len(c.Missing) == 0
}

// FirstIncomplete returns the earliest window lacking a non-partial success
func (c *Completion) FirstIncomplete() (bucket.Window, bool) {
	var first bucket.Window
	found := false
	for _, set := range [][]bucket.Window{c.Partial, c.Missing} {
		for _, w := range set {
			if !found || w.Start.Before(first.Start) {
				first, found = w, true
			}
		}
	}
	return first, found
}

// Completion reports, for each window, whether jobType has succeeded on it
func (l *Ledger) Completion(ctx context.Context, jobType string, windows []bucket.Window) (*Completion, error) {
	c := &Completion{}
	if len(windows) == 0 {
		return c, nil
	}

	from, to := windows[0].Start, windows[0].End
	for _, w := range windows[1:] {
		if w.Start.Before(from) {
			from = w.Start
		}
		if w.End.After(to) {
			to = w.End
		}
	}

	entries, err := l.store.QueryLedger(ctx, storage.LedgerQuery{
		JobType:    jobType,
		Status:     storage.StatusSuccess,
		BucketFrom: from,
		BucketTo:   to,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	const (
		none = iota
		partial
		full
	)
	best := make(map[int64]int, len(entries))
	for _, e := range entries {
		k := e.Bucket.Start.UnixNano()
		outcome := full
		if e.Partial {
			outcome = partial
		}
		if outcome > best[k] {
			best[k] = outcome
		}
	}

	for _, w := range windows {
		switch best[w.Start.UnixNano()] {
		case full:
			c.Complete = append(c.Complete, w)
		case partial:
			c.Partial = append(c.Partial, w)
		default:
			c.Missing = append(c.Missing, w)
		}
	}
	return c, nil
}

// Succeeded reports whether jobType has a non-partial success for w
func (l *Ledger) Succeeded(ctx context.Context, jobType string, w bucket.Window) (bool, error) {
	c, err := l.Completion(ctx, jobType, []bucket.Window{w})
	if err != nil {
		return false, err
	}
	return c.Ready(), nil
}

// LastSuccess returns the most recent success of jobType, or nil
func (l *Ledger) LastSuccess(ctx context.Context, jobType string) (*Entry, error) {
	entries, err := l.store.QueryLedger(ctx, storage.LedgerQuery{
		JobType: jobType,
		Status:  storage.StatusSuccess,
		Limit:   1,
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Streak describes the most recent run of a job type
type Streak struct {
	LastAttempt         *Entry
	ConsecutiveFailures int
	LastError           string
}

// maxStreakScan bounds how far back consecutive failures are counted
const maxStreakScan = 100

// Streak counts failures of jobType since its most recent success
func (l *Ledger) Streak(ctx context.Context, jobType string) (Streak, error) {
	entries, err := l.store.QueryLedger(ctx, storage.LedgerQuery{JobType: jobType, Limit: maxStreakScan})
	if err != nil {
		return Streak{}, err
	}

	var s Streak
	if len(entries) > 0 {
		s.LastAttempt = &entries[0]
	}
	for _, e := range entries {
		if e.Status == storage.StatusSuccess {
			break
		}
		if s.ConsecutiveFailures == 0 {
			s.LastError = e.Error
		}
		s.ConsecutiveFailures++
	}
	return s, nil
}

// Recent lists entries matching q, newest first
func (l *Ledger) Recent(ctx context.Context, q storage.LedgerQuery) ([]Entry, error) {
	return l.store.QueryLedger(ctx, q)
}
