package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/metrics"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/rollup"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// MaxInterval is the slowest refresh cadence allowed
const MaxInterval = 10 * time.Minute

// Config controls the refresher
type Config struct {
	// Interval between refreshes (default 5m, at most MaxInterval)
	Interval time.Duration

	// ActivityWindow is the trailing period an entity must have operated in
	ActivityWindow time.Duration

	// Now overrides the clock (tests)
	Now func() time.Time
}

// Refresher rebuilds the open-hour generation with the same calculator the
// hourly rollup uses and swaps it in
type Refresher struct {
	store  storage.Store
	cache  *Cache
	calc   *reliability.Calculator
	cfg    Config
	log    *slog.Logger
	onSwap []func(*Generation)
}

// NewRefresher creates a refresher publishing into cache
func NewRefresher(store storage.Store, cache *Cache, calc *reliability.Calculator, cfg Config, log *slog.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Interval > MaxInterval {
		cfg.Interval = MaxInterval
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = reliability.ActivityWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Refresher{store: store, cache: cache, calc: calc, cfg: cfg, log: log}
}

// OnSwap registers fn to be called after every successful swap
func (r *Refresher) OnSwap(fn func(*Generation)) {
	r.onSwap = append(r.onSwap, fn)
}

// Interval returns the effective refresh interval
func (r *Refresher) Interval() time.Duration {
	return r.cfg.Interval
}

// Refresh builds the next generation and swaps it in. On failure the
// previous generation stays current.
func (r *Refresher) Refresh(ctx context.Context) (*Generation, error) {
	now := r.cfg.Now().UTC()
	w := bucket.Hour.Window(now)

	readings, err := r.store.QueryReadings(ctx, storage.ReadingQuery{Start: w.Start, End: w.End})
	if err != nil {
		return nil, fmt.Errorf("failed to query open hour: %w", err)
	}
	in, err := rollup.LoadInputs(ctx, r.store, w.Start, r.cfg.ActivityWindow)
	if err != nil {
		return nil, err
	}
	in.Readings = readings
	built := r.calc.Build(in)

	// Latest observation per entity; readings arrive sorted by timestamp
	latest := make(map[string]reliability.Reading, len(readings))
	for _, rd := range readings {
		if prev, ok := latest[rd.EntityID]; !ok || !rd.Timestamp.Before(prev.Timestamp) {
			latest[rd.EntityID] = rd
		}
	}

	gen := &Generation{
		ID:      r.nextID(ctx),
		BuiltAt: now,
		Window:  w,
		Rows:    make([]Row, 0, len(built.Rows)),
	}
	for _, agg := range built.Rows {
		row := Row{Aggregate: agg}
		if agg.Kind == reliability.KindEntity {
			if rd, ok := latest[agg.ID]; ok {
				row.Status = rd.Status
				row.WaitMinutes = rd.WaitMinutes
				row.ObservedAt = rd.Timestamp
			}
		}
		gen.Rows = append(gen.Rows, row)
	}

	if err := r.store.SwapLive(ctx, gen); err != nil {
		return nil, fmt.Errorf("failed to swap live generation: %w", err)
	}
	r.cache.Swap(gen)
	metrics.ObserveLiveSwap(gen.ID, gen.BuiltAt, len(gen.Rows))

	for _, s := range built.Skipped {
		r.log.Warn("entity skipped in live refresh", slog.String("id", s.ID), slog.Any("error", s.Err))
	}
	for _, fn := range r.onSwap {
		fn(gen)
	}
	return gen, nil
}

func (r *Refresher) nextID(ctx context.Context) int64 {
	if cur := r.cache.Current(); cur != nil {
		return cur.ID + 1
	}
	gen, err := r.store.LoadLive(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("failed to read previous live generation", slog.Any("error", err))
		}
		return 1
	}
	return gen.ID + 1
}

// Run refreshes immediately and then every interval until ctx is done
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.refreshLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("stopping live refresher")
			return
		case <-ticker.C:
			r.refreshLogged(ctx)
		}
	}
}

func (r *Refresher) refreshLogged(ctx context.Context) {
	start := time.Now()
	gen, err := r.Refresh(ctx)
	if err != nil {
		if ctx.Err() == nil {
			metrics.ObserveLiveFailure()
			r.log.Error("live refresh failed", slog.Any("error", err))
		}
		return
	}
	r.log.Debug("live generation swapped",
		slog.Int64("generation", gen.ID),
		slog.Int("rows", len(gen.Rows)),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)),
	)
}
