package rollup

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/reliability"
)

var (
	// ErrWindowOpen is returned for a window that has not closed yet
	ErrWindowOpen = errors.New("window not closed")

	// ErrIncompleteInput is returned when finer buckets lack a ledger success
	ErrIncompleteInput = errors.New("finer buckets incomplete")

	// ErrMisaligned is returned for a window that is not exactly one bucket
	ErrMisaligned = errors.New("window is not a bucket")
)

// Transient reports whether a failed attempt is worth retrying right away.
// Refusals, consistency violations and budget timeouts wait for the next cycle.
func Transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrWindowOpen),
		errors.Is(err, ErrIncompleteInput),
		errors.Is(err, ErrMisaligned),
		errors.Is(err, reliability.ErrInconsistentRow),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Config controls how rollup jobs judge their input
type Config struct {
	// SampleInterval is the upstream collection cadence
	SampleInterval time.Duration

	// IngestLag is how long after a window ends it is considered closed
	IngestLag time.Duration

	// PartialAfter lets a coarser job proceed without complete input once its
	// window has been closed this long (0 = never)
	PartialAfter time.Duration

	// LowSampleRatio is the fraction of expected samples below which a
	// warning is written to the ledger
	LowSampleRatio float64

	// ActivityWindow is the trailing period an entity must have operated in
	// to contribute weight
	ActivityWindow time.Duration

	// Now overrides the clock (tests)
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SampleInterval <= 0 {
		c.SampleInterval = reliability.SampleInterval
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = reliability.ActivityWindow
	}
	if c.LowSampleRatio <= 0 {
		c.LowSampleRatio = 0.75
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Result describes one successful run
type Result struct {
	Window    bucket.Window
	Rows      int
	Processed int
	Skipped   []reliability.EntityError
	Warnings  []string
	Partial   bool
}

// Task is a unit of work executed by the Runner and recorded in the ledger
type Task interface {
	JobType() string
	Run(ctx context.Context, w bucket.Window) (*Result, error)
}
