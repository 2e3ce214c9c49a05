package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/reliability"
)

// ErrNotFound is returned when a single record lookup finds nothing
var ErrNotFound = errors.New("not found")

// Store defines the interface for storage backends.
// Implementations: memory (testing), badger (embedded), sqlstore (sqlite/postgres)
type Store interface {
	// WriteReadings stores raw readings keyed by (entity id, timestamp)
	WriteReadings(ctx context.Context, readings []reliability.Reading) error

	// QueryReadings retrieves readings with timestamps in [Start, End)
	QueryReadings(ctx context.Context, q ReadingQuery) ([]reliability.Reading, error)

	// DeleteReadings removes readings older than before
	DeleteReadings(ctx context.Context, before time.Time) (int, error)

	// OldestReading returns the earliest stored reading timestamp
	OldestReading(ctx context.Context) (time.Time, error)

	// PutEntities upserts catalog entries
	PutEntities(ctx context.Context, entities []reliability.Entity) error

	// Entities lists the catalog
	Entities(ctx context.Context) ([]reliability.Entity, error)

	// UpsertAggregates writes rows keyed by (kind, id, bucket start)
	UpsertAggregates(ctx context.Context, g bucket.Granularity, rows []reliability.Aggregate) error

	// QueryAggregates retrieves rows with bucket start in [Start, End)
	QueryAggregates(ctx context.Context, q AggregateQuery) ([]reliability.Aggregate, error)

	// DeleteAggregates removes rows whose bucket started before before
	DeleteAggregates(ctx context.Context, g bucket.Granularity, before time.Time) (int, error)

	// OldestAggregate returns the earliest bucket start stored for g
	OldestAggregate(ctx context.Context, g bucket.Granularity) (time.Time, error)

	// SwapLive replaces the current live generation in one step
	SwapLive(ctx context.Context, gen *LiveGeneration) error

	// LoadLive returns the current live generation
	LoadLive(ctx context.Context) (*LiveGeneration, error)

	// AppendLedger inserts a ledger entry. Entries are never updated.
	AppendLedger(ctx context.Context, e LedgerEntry) error

	// QueryLedger lists entries newest first
	QueryLedger(ctx context.Context, q LedgerQuery) ([]LedgerEntry, error)

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// ReadingQuery specifies which readings to retrieve
type ReadingQuery struct {
	Start time.Time
	End   time.Time

	// Filter by entity (optional)
	EntityIDs []string
}

// AggregateQuery specifies which rows to retrieve
type AggregateQuery struct {
	Granularity bucket.Granularity

	// Bucket start range
	Start time.Time
	End   time.Time

	// Filters (optional)
	Kind       reliability.Kind
	IDs        []string
	ActiveOnly bool
}

// LiveRow is one entry of a live generation
type LiveRow struct {
	reliability.Aggregate

	// Latest observation in the open window (entities only)
	Status      reliability.Status `json:"status,omitempty"`
	WaitMinutes *float64           `json:"wait_minutes,omitempty"`
	ObservedAt  time.Time          `json:"observed_at"`
}

// LiveGeneration is a complete snapshot of the open hour
type LiveGeneration struct {
	ID      int64         `json:"id"`
	BuiltAt time.Time     `json:"built_at"`
	Window  bucket.Window `json:"window"`
	Rows    []LiveRow     `json:"rows"`
}

// Ledger statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// LedgerEntry records one job execution
type LedgerEntry struct {
	ID                string        `json:"id"`
	JobType           string        `json:"job_type"`
	Bucket            bucket.Window `json:"bucket"`
	Status            string        `json:"status"`
	Partial           bool          `json:"partial"`
	Attempts          int           `json:"attempts"`
	EntitiesProcessed int           `json:"entities_processed"`
	EntitiesSkipped   int           `json:"entities_skipped"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
	Duration          time.Duration `json:"duration"`
	Error             string        `json:"error,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
}

// LedgerQuery filters ledger entries
type LedgerQuery struct {
	JobType string
	Status  string

	// Bucket start range (zero = unbounded)
	BucketFrom time.Time
	BucketTo   time.Time

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether e passes the filter (Limit aside)
func (q LedgerQuery) Matches(e LedgerEntry) bool {
	if q.JobType != "" && e.JobType != q.JobType {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if !q.BucketFrom.IsZero() && e.Bucket.Start.Before(q.BucketFrom) {
		return false
	}
	if !q.BucketTo.IsZero() && !e.Bucket.Start.Before(q.BucketTo) {
		return false
	}
	return true
}

// Matches reports whether row passes the filter's kind, id and activity filters
func (q AggregateQuery) Matches(row reliability.Aggregate) bool {
	if q.Kind != "" && row.Kind != q.Kind {
		return false
	}
	if q.ActiveOnly && !row.Active {
		return false
	}
	if len(q.IDs) > 0 {
		for _, id := range q.IDs {
			if id == row.ID {
				return true
			}
		}
		return false
	}
	return true
}

// Stats provides storage health and usage info
type Stats struct {
	Readings       uint64                        `json:"readings"`
	Entities       uint64                        `json:"entities"`
	Aggregates     map[bucket.Granularity]uint64 `json:"aggregates"`
	LedgerEntries  uint64                        `json:"ledger_entries"`
	LiveGeneration int64                         `json:"live_generation"`

	// Storage size in bytes (0 when unknown)
	SizeBytes uint64 `json:"size_bytes"`

	OldestReading time.Time `json:"oldest_reading"`
	NewestReading time.Time `json:"newest_reading"`
}
