package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/config"
	"github.com/nicktill/ridewatch/pkg/ingest"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/live"
	"github.com/nicktill/ridewatch/pkg/reader"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/retention"
	"github.com/nicktill/ridewatch/pkg/rollup"
	"github.com/nicktill/ridewatch/pkg/server/monitor"
	"github.com/nicktill/ridewatch/pkg/storage"
	"github.com/nicktill/ridewatch/pkg/storage/badger"
	"github.com/nicktill/ridewatch/pkg/storage/memory"
	"github.com/nicktill/ridewatch/pkg/storage/sqlstore"
)

// Postgres pool limits
const (
	pgMaxOpenConns    = 10
	pgMaxIdleConns    = 5
	pgConnMaxLifetime = 30 * time.Minute
)

// sqliteFile is the database file name under the data directory
const sqliteFile = "ridewatch.db"

// OpenStore opens the configured storage backend, creating the data
// directory when the backend needs one
func OpenStore(ctx context.Context, cfg config.StorageConfig, log *slog.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case "memory":
		log.Warn("using in-memory storage; data is lost on exit")
		return memory.New(), nil

	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
			dsn = filepath.Join(cfg.Dir, sqliteFile)
		}
		log.Info("opening sqlite storage", slog.String("dsn", dsn))
		return sqlstore.Open(ctx, sqlstore.Config{Driver: sqlstore.DriverSQLite, DSN: dsn})

	case "postgres":
		log.Info("opening postgres storage")
		return sqlstore.Open(ctx, sqlstore.Config{
			Driver:          sqlstore.DriverPostgres,
			DSN:             cfg.DSN,
			MaxOpenConns:    pgMaxOpenConns,
			MaxIdleConns:    pgMaxIdleConns,
			ConnMaxLifetime: pgConnMaxLifetime,
		})

	default:
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		log.Info("opening badger storage", slog.String("dir", cfg.Dir), slog.Int64("max_memory_mb", cfg.MaxMemoryMB))
		return badger.New(badger.Config{Path: cfg.Dir, MaxMemoryMB: cfg.MaxMemoryMB})
	}
}

// Components is the rollup engine wired over one store. The server and the
// operator CLI share it.
type Components struct {
	Store      storage.Store
	Ledger     *ledger.Ledger
	Calculator *reliability.Calculator
	Runner     *rollup.Runner
	Chain      *rollup.Chain
	Sweeper    *retention.Sweeper
	Cache      *live.Cache
	Refresher  *live.Refresher
	Reader     *reader.Reader
	Ingester   *ingest.Ingester
	Jobs       *monitor.JobMonitor
}

// NewComponents wires every engine component from cfg
func NewComponents(cfg *config.Config, store storage.Store, log *slog.Logger) *Components {
	l := ledger.New(store)
	calc := reliability.NewCalculator(reliability.SampleInterval)

	runner := rollup.NewRunner(l, log.With(slog.String("component", "runner")), rollup.RunnerConfig{
		MaxAttempts: cfg.Rollup.MaxAttempts,
		BaseDelay:   cfg.Rollup.RetryBaseDelay,
		Budget:      cfg.Rollup.Budget,
		AlertAfter:  cfg.Rollup.AlertAfter,
	})

	rcfg := rollup.Config{
		IngestLag:      cfg.Rollup.IngestLag,
		PartialAfter:   cfg.Rollup.PartialAfter,
		LowSampleRatio: cfg.Rollup.LowSampleRatio,
	}
	chain := rollup.NewChain(store, l, calc, runner, rcfg,
		map[bucket.Granularity]int{bucket.Hour: cfg.Rollup.HourLookback},
		log.With(slog.String("component", "chain")))

	cache := live.NewCache()
	refresher := live.NewRefresher(store, cache, calc,
		live.Config{Interval: cfg.Live.RefreshInterval},
		log.With(slog.String("component", "live")))

	return &Components{
		Store:      store,
		Ledger:     l,
		Calculator: calc,
		Runner:     runner,
		Chain:      chain,
		Sweeper:    retention.New(store, l, cfg.Retention, log.With(slog.String("component", "retention"))),
		Cache:      cache,
		Refresher:  refresher,
		Reader:     reader.New(store, cache),
		Ingester:   ingest.New(store, l, log.With(slog.String("component", "ingest"))),
		Jobs:       monitor.NewJobMonitor(l, monitor.DefaultJobs(), cfg.Rollup.StalenessMultiple, cfg.Rollup.AlertAfter),
	}
}

// SweepNow runs one retention sweep through the runner so it is ledgered
// and retried like a rollup
func (c *Components) SweepNow(ctx context.Context, now time.Time) (*rollup.Result, error) {
	return c.Runner.Execute(ctx, c.Sweeper, bucket.Day.Window(now))
}
