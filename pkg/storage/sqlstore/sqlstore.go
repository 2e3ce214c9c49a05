// Package sqlstore implements storage.Store on sqlite or postgres through sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Config holds database connection settings
type Config struct {
	Driver string
	DSN    string

	// Pool limits (postgres only; sqlite always uses one connection)
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Storage implements storage.Store on a SQL database
type Storage struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the database and creates missing tables
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}

	db, err := sqlx.ConnectContext(ctx, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		// One connection: sqlite serializes writers and :memory: is per connection
		db.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	s := &Storage{db: db, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) migrate(ctx context.Context) error {
	for _, stmt := range schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

type readingRow struct {
	EntityID     string          `db:"entity_id"`
	GroupID      string          `db:"group_id"`
	TS           int64           `db:"ts"`
	Status       string          `db:"status"`
	GroupOpen    bool            `db:"group_open"`
	CountsAsDown bool            `db:"counts_as_down"`
	WaitMinutes  sql.NullFloat64 `db:"wait_minutes"`
}

const upsertReading = `
INSERT INTO readings (entity_id, group_id, ts, status, group_open, counts_as_down, wait_minutes)
VALUES (:entity_id, :group_id, :ts, :status, :group_open, :counts_as_down, :wait_minutes)
ON CONFLICT (entity_id, ts) DO UPDATE SET
	group_id = excluded.group_id,
	status = excluded.status,
	group_open = excluded.group_open,
	counts_as_down = excluded.counts_as_down,
	wait_minutes = excluded.wait_minutes`

// WriteReadings upserts readings in one transaction
func (s *Storage) WriteReadings(ctx context.Context, readings []reliability.Reading) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, upsertReading)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range readings {
			row := readingRow{
				EntityID:     r.EntityID,
				GroupID:      r.GroupID,
				TS:           nanos(r.Timestamp),
				Status:       string(r.Status),
				GroupOpen:    r.GroupOpen,
				CountsAsDown: r.CountsAsDown,
				WaitMinutes:  nullFloat(r.WaitMinutes),
			}
			if _, err := stmt.ExecContext(ctx, row); err != nil {
				return fmt.Errorf("failed to write reading: %w", err)
			}
		}
		return nil
	})
}

// QueryReadings retrieves readings with timestamps in [Start, End)
func (s *Storage) QueryReadings(ctx context.Context, q storage.ReadingQuery) ([]reliability.Reading, error) {
	query := `SELECT * FROM readings WHERE ts >= ? AND ts < ?`
	args := []interface{}{nanos(q.Start), nanos(q.End)}
	if len(q.EntityIDs) > 0 {
		query += ` AND entity_id IN (?)`
		args = append(args, q.EntityIDs)
	}
	query += ` ORDER BY ts, entity_id`

	query, args, err := s.expand(query, args)
	if err != nil {
		return nil, err
	}

	var rows []readingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}

	out := make([]reliability.Reading, len(rows))
	for i, r := range rows {
		out[i] = reliability.Reading{
			EntityID:     r.EntityID,
			GroupID:      r.GroupID,
			Timestamp:    fromNanos(r.TS),
			Status:       reliability.Status(r.Status),
			GroupOpen:    r.GroupOpen,
			CountsAsDown: r.CountsAsDown,
			WaitMinutes:  floatPtr(r.WaitMinutes),
		}
	}
	return out, nil
}

// DeleteReadings removes readings older than before
func (s *Storage) DeleteReadings(ctx context.Context, before time.Time) (int, error) {
	return s.deleteBefore(ctx, "readings", "ts", before)
}

// OldestReading returns the earliest reading timestamp
func (s *Storage) OldestReading(ctx context.Context) (time.Time, error) {
	return s.min(ctx, "readings", "ts")
}

// PutEntities upserts catalog entries
func (s *Storage) PutEntities(ctx context.Context, entities []reliability.Entity) error {
	const q = `
INSERT INTO entities (id, group_id, name, tier) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET group_id = excluded.group_id, name = excluded.name, tier = excluded.tier`

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(q))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entities {
			if _, err := stmt.ExecContext(ctx, e.ID, e.GroupID, e.Name, int(e.Tier)); err != nil {
				return fmt.Errorf("failed to write entity %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// Entities lists the catalog
func (s *Storage) Entities(ctx context.Context) ([]reliability.Entity, error) {
	var rows []struct {
		ID      string `db:"id"`
		GroupID string `db:"group_id"`
		Name    string `db:"name"`
		Tier    int    `db:"tier"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, group_id, name, tier FROM entities ORDER BY id`); err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	out := make([]reliability.Entity, len(rows))
	for i, r := range rows {
		out[i] = reliability.Entity{ID: r.ID, GroupID: r.GroupID, Name: r.Name, Tier: reliability.Tier(r.Tier)}
	}
	return out, nil
}

type aggregateRow struct {
	Kind              string          `db:"kind"`
	ID                string          `db:"id"`
	GroupID           string          `db:"group_id"`
	BucketStart       int64           `db:"bucket_start"`
	Score             sql.NullFloat64 `db:"score"`
	MeanWait          sql.NullFloat64 `db:"mean_wait"`
	WaitSamples       int             `db:"wait_samples"`
	OperatingCount    int             `db:"operating_count"`
	DownCount         int             `db:"down_count"`
	InputSampleCount  int             `db:"input_sample_count"`
	DownHours         float64         `db:"down_hours"`
	WeightedDownHours float64         `db:"weighted_down_hours"`
	EffectiveWeight   float64         `db:"effective_weight"`
	OpenHours         float64         `db:"open_hours"`
	Active            bool            `db:"active"`
	Partial           bool            `db:"partial"`
	SourceBuckets     int             `db:"source_buckets"`
}

func toAggregateRow(a reliability.Aggregate) aggregateRow {
	return aggregateRow{
		Kind:              string(a.Kind),
		ID:                a.ID,
		GroupID:           a.GroupID,
		BucketStart:       nanos(a.BucketStart),
		Score:             nullFloat(a.Score),
		MeanWait:          nullFloat(a.MeanWait),
		WaitSamples:       a.WaitSamples,
		OperatingCount:    a.OperatingCount,
		DownCount:         a.DownCount,
		InputSampleCount:  a.InputSampleCount,
		DownHours:         a.DownHours,
		WeightedDownHours: a.WeightedDownHours,
		EffectiveWeight:   a.EffectiveWeight,
		OpenHours:         a.OpenHours,
		Active:            a.Active,
		Partial:           a.Partial,
		SourceBuckets:     a.SourceBuckets,
	}
}

func (r aggregateRow) aggregate() reliability.Aggregate {
	return reliability.Aggregate{
		Kind:              reliability.Kind(r.Kind),
		ID:                r.ID,
		GroupID:           r.GroupID,
		BucketStart:       fromNanos(r.BucketStart),
		Score:             floatPtr(r.Score),
		MeanWait:          floatPtr(r.MeanWait),
		WaitSamples:       r.WaitSamples,
		OperatingCount:    r.OperatingCount,
		DownCount:         r.DownCount,
		InputSampleCount:  r.InputSampleCount,
		DownHours:         r.DownHours,
		WeightedDownHours: r.WeightedDownHours,
		EffectiveWeight:   r.EffectiveWeight,
		OpenHours:         r.OpenHours,
		Active:            r.Active,
		Partial:           r.Partial,
		SourceBuckets:     r.SourceBuckets,
	}
}

var aggregateColumns = []string{
	"kind", "id", "group_id", "bucket_start", "score", "mean_wait", "wait_samples",
	"operating_count", "down_count", "input_sample_count", "down_hours",
	"weighted_down_hours", "effective_weight", "open_hours", "active", "partial",
	"source_buckets",
}

func upsertAggregate(table string) string {
	named := make([]string, len(aggregateColumns))
	var updates []string
	for i, c := range aggregateColumns {
		named[i] = ":" + c
		if i >= 3 && c != "bucket_start" {
			updates = append(updates, c+" = excluded."+c)
		}
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (kind, id, bucket_start) DO UPDATE SET %s`,
		table, strings.Join(aggregateColumns, ", "), strings.Join(named, ", "), strings.Join(append([]string{"group_id = excluded.group_id"}, updates...), ", "))
}

// UpsertAggregates writes rows in one transaction; existing keys are replaced
func (s *Storage) UpsertAggregates(ctx context.Context, g bucket.Granularity, rows []reliability.Aggregate) error {
	table, err := tableFor(g)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, upsertAggregate(table))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, toAggregateRow(r)); err != nil {
				return fmt.Errorf("failed to upsert %s %s: %w", r.Kind, r.ID, err)
			}
		}
		return nil
	})
}

// QueryAggregates retrieves rows with bucket start in [Start, End)
func (s *Storage) QueryAggregates(ctx context.Context, q storage.AggregateQuery) ([]reliability.Aggregate, error) {
	table, err := tableFor(q.Granularity)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE bucket_start >= ? AND bucket_start < ?`, strings.Join(aggregateColumns, ", "), table)
	args := []interface{}{nanos(q.Start), nanos(q.End)}
	if q.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(q.Kind))
	}
	if len(q.IDs) > 0 {
		query += ` AND id IN (?)`
		args = append(args, q.IDs)
	}
	if q.ActiveOnly {
		query += ` AND active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY bucket_start, kind, id`

	query, args, err = s.expand(query, args)
	if err != nil {
		return nil, err
	}

	var rows []aggregateRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	out := make([]reliability.Aggregate, len(rows))
	for i, r := range rows {
		out[i] = r.aggregate()
	}
	return out, nil
}

// DeleteAggregates removes rows whose bucket started before before
func (s *Storage) DeleteAggregates(ctx context.Context, g bucket.Granularity, before time.Time) (int, error) {
	table, err := tableFor(g)
	if err != nil {
		return 0, err
	}
	return s.deleteBefore(ctx, table, "bucket_start", before)
}

// OldestAggregate returns the earliest bucket start stored for g
func (s *Storage) OldestAggregate(ctx context.Context, g bucket.Granularity) (time.Time, error) {
	table, err := tableFor(g)
	if err != nil {
		return time.Time{}, err
	}
	return s.min(ctx, table, "bucket_start")
}

// SwapLive stages the generation's rows, repoints the single pointer row and
// drops other generations in one transaction. Re-swapping the current id
// replaces its rows without readers ever seeing them missing.
func (s *Storage) SwapLive(ctx context.Context, gen *storage.LiveGeneration) error {
	const pointer = `
INSERT INTO live_generation (slot, generation, built_at, window_start, window_end) VALUES (1, ?, ?, ?, ?)
ON CONFLICT (slot) DO UPDATE SET
	generation = excluded.generation,
	built_at = excluded.built_at,
	window_start = excluded.window_start,
	window_end = excluded.window_end`

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Leftovers of a failed swap under the same id
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM live_rows WHERE generation = ?`), gen.ID); err != nil {
			return err
		}
		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`INSERT INTO live_rows (generation, kind, id, seq, payload) VALUES (?, ?, ?, ?, ?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, r := range gen.Rows {
			payload, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode live row: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, gen.ID, string(r.Kind), r.ID, i, string(payload)); err != nil {
				return fmt.Errorf("failed to stage live row: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(pointer), gen.ID, nanos(gen.BuiltAt), nanos(gen.Window.Start), nanos(gen.Window.End)); err != nil {
			return fmt.Errorf("failed to swap live pointer: %w", err)
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM live_rows WHERE generation <> ?`), gen.ID)
		return err
	})
}

// LoadLive reads the pointer and its rows in a single statement
func (s *Storage) LoadLive(ctx context.Context) (*storage.LiveGeneration, error) {
	const q = `
SELECT g.generation, g.built_at, g.window_start, g.window_end, r.payload
FROM live_generation g
LEFT JOIN live_rows r ON r.generation = g.generation
WHERE g.slot = 1
ORDER BY r.seq`

	var rows []struct {
		Generation  int64          `db:"generation"`
		BuiltAt     int64          `db:"built_at"`
		WindowStart int64          `db:"window_start"`
		WindowEnd   int64          `db:"window_end"`
		Payload     sql.NullString `db:"payload"`
	}
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("failed to load live generation: %w", err)
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}

	gen := &storage.LiveGeneration{
		ID:      rows[0].Generation,
		BuiltAt: fromNanos(rows[0].BuiltAt),
		Window:  bucket.Window{Start: fromNanos(rows[0].WindowStart), End: fromNanos(rows[0].WindowEnd)},
	}
	for _, r := range rows {
		if !r.Payload.Valid {
			continue
		}
		var row storage.LiveRow
		if err := json.Unmarshal([]byte(r.Payload.String), &row); err != nil {
			return nil, fmt.Errorf("failed to decode live row: %w", err)
		}
		gen.Rows = append(gen.Rows, row)
	}
	return gen, nil
}

type ledgerRow struct {
	ID                string `db:"id"`
	JobType           string `db:"job_type"`
	BucketStart       int64  `db:"bucket_start"`
	BucketEnd         int64  `db:"bucket_end"`
	Status            string `db:"status"`
	Partial           bool   `db:"partial"`
	Attempts          int    `db:"attempts"`
	EntitiesProcessed int    `db:"entities_processed"`
	EntitiesSkipped   int    `db:"entities_skipped"`
	StartedAt         int64  `db:"started_at"`
	FinishedAt        int64  `db:"finished_at"`
	DurationNS        int64  `db:"duration_ns"`
	Error             string `db:"error"`
	Warnings          string `db:"warnings"`
}

// AppendLedger inserts a ledger entry
func (s *Storage) AppendLedger(ctx context.Context, e storage.LedgerEntry) error {
	var warnings string
	if len(e.Warnings) > 0 {
		b, err := json.Marshal(e.Warnings)
		if err != nil {
			return err
		}
		warnings = string(b)
	}

	row := ledgerRow{
		ID:                e.ID,
		JobType:           e.JobType,
		BucketStart:       nanos(e.Bucket.Start),
		BucketEnd:         nanos(e.Bucket.End),
		Status:            e.Status,
		Partial:           e.Partial,
		Attempts:          e.Attempts,
		EntitiesProcessed: e.EntitiesProcessed,
		EntitiesSkipped:   e.EntitiesSkipped,
		StartedAt:         nanos(e.StartedAt),
		FinishedAt:        nanos(e.FinishedAt),
		DurationNS:        int64(e.Duration),
		Error:             e.Error,
		Warnings:          warnings,
	}

	const q = `
INSERT INTO job_ledger (id, job_type, bucket_start, bucket_end, status, partial, attempts,
	entities_processed, entities_skipped, started_at, finished_at, duration_ns, error, warnings)
VALUES (:id, :job_type, :bucket_start, :bucket_end, :status, :partial, :attempts,
	:entities_processed, :entities_skipped, :started_at, :finished_at, :duration_ns, :error, :warnings)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// QueryLedger lists matching entries newest first
func (s *Storage) QueryLedger(ctx context.Context, q storage.LedgerQuery) ([]storage.LedgerEntry, error) {
	query := `SELECT * FROM job_ledger WHERE 1 = 1`
	var args []interface{}
	if q.JobType != "" {
		query += ` AND job_type = ?`
		args = append(args, q.JobType)
	}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, q.Status)
	}
	if !q.BucketFrom.IsZero() {
		query += ` AND bucket_start >= ?`
		args = append(args, nanos(q.BucketFrom))
	}
	if !q.BucketTo.IsZero() {
		query += ` AND bucket_start < ?`
		args = append(args, nanos(q.BucketTo))
	}
	query += ` ORDER BY finished_at DESC, id DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	var rows []ledgerRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}

	out := make([]storage.LedgerEntry, len(rows))
	for i, r := range rows {
		e := storage.LedgerEntry{
			ID:                r.ID,
			JobType:           r.JobType,
			Bucket:            bucket.Window{Start: fromNanos(r.BucketStart), End: fromNanos(r.BucketEnd)},
			Status:            r.Status,
			Partial:           r.Partial,
			Attempts:          r.Attempts,
			EntitiesProcessed: r.EntitiesProcessed,
			EntitiesSkipped:   r.EntitiesSkipped,
			StartedAt:         fromNanos(r.StartedAt),
			FinishedAt:        fromNanos(r.FinishedAt),
			Duration:          time.Duration(r.DurationNS),
			Error:             r.Error,
		}
		if r.Warnings != "" {
			if err := json.Unmarshal([]byte(r.Warnings), &e.Warnings); err != nil {
				return nil, fmt.Errorf("failed to decode ledger warnings: %w", err)
			}
		}
		out[i] = e
	}
	return out, nil
}

// Close closes the connection pool
func (s *Storage) Close() error {
	return s.db.Close()
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{Aggregates: make(map[bucket.Granularity]uint64)}

	count := func(table string) (uint64, error) {
		var n uint64
		err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+table)
		return n, err
	}

	var err error
	if stats.Readings, err = count("readings"); err != nil {
		return nil, err
	}
	if stats.Entities, err = count("entities"); err != nil {
		return nil, err
	}
	if stats.LedgerEntries, err = count("job_ledger"); err != nil {
		return nil, err
	}
	for g, table := range tables {
		if stats.Aggregates[g], err = count(table); err != nil {
			return nil, err
		}
	}

	var span struct {
		Oldest sql.NullInt64 `db:"oldest"`
		Newest sql.NullInt64 `db:"newest"`
	}
	if err := s.db.GetContext(ctx, &span, `SELECT MIN(ts) AS oldest, MAX(ts) AS newest FROM readings`); err != nil {
		return nil, err
	}
	if span.Oldest.Valid {
		stats.OldestReading = fromNanos(span.Oldest.Int64)
		stats.NewestReading = fromNanos(span.Newest.Int64)
	}

	var gen sql.NullInt64
	if err := s.db.GetContext(ctx, &gen, `SELECT MAX(generation) FROM live_generation`); err != nil {
		return nil, err
	}
	stats.LiveGeneration = gen.Int64

	if s.driver == DriverSQLite {
		var pages, size int64
		if err := s.db.GetContext(ctx, &pages, `PRAGMA page_count`); err == nil {
			if err := s.db.GetContext(ctx, &size, `PRAGMA page_size`); err == nil {
				stats.SizeBytes = uint64(pages * size)
			}
		}
	}
	return stats, nil
}

func (s *Storage) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// expand rewrites IN (?) clauses and placeholders for the driver
func (s *Storage) expand(query string, args []interface{}) (string, []interface{}, error) {
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(query), args, nil
}

func (s *Storage) deleteBefore(ctx context.Context, table, column string, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE %s < ?`, table, column)), nanos(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Storage) min(ctx context.Context, table, column string) (time.Time, error) {
	var v sql.NullInt64
	if err := s.db.GetContext(ctx, &v, fmt.Sprintf(`SELECT MIN(%s) FROM %s`, column, table)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, storage.ErrNotFound
		}
		return time.Time{}, err
	}
	if !v.Valid {
		return time.Time{}, storage.ErrNotFound
	}
	return fromNanos(v.Int64), nil
}
