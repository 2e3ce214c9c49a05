package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/metrics"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Result summarizes one ingested batch
type Result struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Late     int      `json:"late"`
	Errors   []string `json:"errors,omitempty"`
}

func (r *Result) reject(i int, err error) {
	if errors.Is(err, ErrLateReading) {
		r.Late++
	} else {
		r.Rejected++
	}
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, fmt.Sprintf("reading %d: %v", i, err))
	}
}

// Ingester validates readings, derives their down flag and writes them.
// Readings for an hour that already has a successful rollup are rejected
// so stored aggregates never silently disagree with raw data.
type Ingester struct {
	store    storage.Store
	ledger   *ledger.Ledger
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time
	storage  StorageChecker
}

// StorageChecker reports disk usage against a limit
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// New creates an ingester
func New(store storage.Store, l *ledger.Ledger, log *slog.Logger) *Ingester {
	return &Ingester{
		store:    store,
		ledger:   l,
		validate: validator.New(),
		log:      log,
		now:      time.Now,
	}
}

// WithClock replaces the clock (tests)
func (in *Ingester) WithClock(now func() time.Time) *Ingester {
	in.now = now
	return in
}

// SetStorageChecker refuses further readings once usage reaches the limit
func (in *Ingester) SetStorageChecker(c StorageChecker) {
	in.storage = c
}

func (in *Ingester) checkStorage() error {
	if in.storage == nil || in.storage.GetLimit() <= 0 {
		return nil
	}
	used, err := in.storage.GetUsage()
	if err != nil {
		in.log.Warn("storage usage check failed", slog.Any("error", err))
		return nil
	}
	if used >= in.storage.GetLimit() {
		return fmt.Errorf("%w: %d of %d bytes used", ErrStorageFull, used, in.storage.GetLimit())
	}
	return nil
}

// Ingest validates and stores a batch. Invalid and late readings are
// counted and skipped; the rest are written in one call.
func (in *Ingester) Ingest(ctx context.Context, readings []reliability.Reading) (*Result, error) {
	if len(readings) > MaxReadingsPerBatch {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyReadings, len(readings))
	}
	if err := in.checkStorage(); err != nil {
		return nil, err
	}

	res := &Result{}
	horizon := in.now().Add(MaxClockSkew)
	rolled := make(map[int64]bool)
	accepted := make([]reliability.Reading, 0, len(readings))

	for i, r := range readings {
		if err := in.validate.Struct(r); err != nil {
			res.reject(i, fmt.Errorf("%w: %v", reliability.ErrMalformedReading, err))
			continue
		}
		r = reliability.Derive(r)
		if r.Timestamp.After(horizon) {
			res.reject(i, ErrFutureReading)
			continue
		}

		hour := bucket.Hour.Window(r.Timestamp)
		done, seen := rolled[hour.Start.UnixNano()]
		if !seen {
			ok, err := in.ledger.Succeeded(ctx, bucket.Hour.JobType(), hour)
			if err != nil {
				return nil, fmt.Errorf("failed to check rollup state: %w", err)
			}
			done = ok
			rolled[hour.Start.UnixNano()] = ok
		}
		if done {
			res.reject(i, fmt.Errorf("%w: %s", ErrLateReading, hour.Start.Format(time.RFC3339)))
			continue
		}
		accepted = append(accepted, r)
	}

	if len(accepted) > 0 {
		if err := in.store.WriteReadings(ctx, accepted); err != nil {
			return nil, fmt.Errorf("failed to write readings: %w", err)
		}
	}
	res.Accepted = len(accepted)

	metrics.ObserveIngest(res.Accepted, res.Rejected, res.Late)
	if res.Rejected > 0 || res.Late > 0 {
		in.log.Warn("readings rejected",
			slog.Int("accepted", res.Accepted),
			slog.Int("rejected", res.Rejected),
			slog.Int("late", res.Late),
		)
	}
	return res, nil
}

// RegisterEntities validates and upserts catalog entries. The whole
// request is refused if any entry is invalid.
func (in *Ingester) RegisterEntities(ctx context.Context, entities []reliability.Entity) error {
	if len(entities) > MaxEntitiesPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManyEntities, len(entities))
	}
	for i, e := range entities {
		if err := in.validate.Struct(e); err != nil {
			return fmt.Errorf("entity %d: %w", i, err)
		}
	}
	if err := in.store.PutEntities(ctx, entities); err != nil {
		return fmt.Errorf("failed to store entities: %w", err)
	}
	in.log.Info("entities registered", slog.Int("count", len(entities)))
	return nil
}
