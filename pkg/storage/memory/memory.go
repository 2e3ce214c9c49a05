package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Storage stores everything in maps. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu         sync.RWMutex
	readings   map[string]reliability.Reading
	entities   map[string]reliability.Entity
	aggregates map[bucket.Granularity]map[string]reliability.Aggregate
	live       *storage.LiveGeneration
	ledger     []storage.LedgerEntry
}

// New creates an in-memory storage backend
func New() *Storage {
	aggs := make(map[bucket.Granularity]map[string]reliability.Aggregate, len(bucket.Chain))
	for _, g := range bucket.Chain {
		aggs[g] = make(map[string]reliability.Aggregate)
	}
	return &Storage{
		readings:   make(map[string]reliability.Reading),
		entities:   make(map[string]reliability.Entity),
		aggregates: aggs,
	}
}

func readingKey(r reliability.Reading) string {
	return fmt.Sprintf("%s|%d", r.EntityID, r.Timestamp.UnixNano())
}

// WriteReadings stores readings, replacing any with the same key
func (s *Storage) WriteReadings(ctx context.Context, readings []reliability.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range readings {
		r.Timestamp = r.Timestamp.UTC()
		s.readings[readingKey(r)] = r
	}
	return nil
}

// QueryReadings retrieves readings in the requested range
func (s *Storage) QueryReadings(ctx context.Context, q storage.ReadingQuery) ([]reliability.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids map[string]bool
	if len(q.EntityIDs) > 0 {
		ids = make(map[string]bool, len(q.EntityIDs))
		for _, id := range q.EntityIDs {
			ids[id] = true
		}
	}

	var out []reliability.Reading
	for _, r := range s.readings {
		if r.Timestamp.Before(q.Start) || !r.Timestamp.Before(q.End) {
			continue
		}
		if ids != nil && !ids[r.EntityID] {
			continue
		}
		out = append(out, r)
	}
	storage.SortReadings(out)
	return out, nil
}

// DeleteReadings removes readings older than before
func (s *Storage) DeleteReadings(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, r := range s.readings {
		if r.Timestamp.Before(before) {
			delete(s.readings, k)
			n++
		}
	}
	return n, nil
}

// OldestReading returns the earliest reading timestamp
func (s *Storage) OldestReading(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest time.Time
	for _, r := range s.readings {
		if oldest.IsZero() || r.Timestamp.Before(oldest) {
			oldest = r.Timestamp
		}
	}
	if oldest.IsZero() {
		return time.Time{}, storage.ErrNotFound
	}
	return oldest, nil
}

// PutEntities upserts catalog entries
func (s *Storage) PutEntities(ctx context.Context, entities []reliability.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entities {
		s.entities[e.ID] = e
	}
	return nil
}

// Entities lists the catalog
func (s *Storage) Entities(ctx context.Context) ([]reliability.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]reliability.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e)
	}
	return out, nil
}

// UpsertAggregates writes rows, replacing existing rows with the same key
func (s *Storage) UpsertAggregates(ctx context.Context, g bucket.Granularity, rows []reliability.Aggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.aggregates[g]
	if !ok {
		return fmt.Errorf("unknown granularity %q", g)
	}
	for _, r := range rows {
		r.BucketStart = r.BucketStart.UTC()
		table[r.Key()] = r
	}
	return nil
}

// QueryAggregates retrieves rows matching the query
func (s *Storage) QueryAggregates(ctx context.Context, q storage.AggregateQuery) ([]reliability.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	table, ok := s.aggregates[q.Granularity]
	if !ok {
		return nil, fmt.Errorf("unknown granularity %q", q.Granularity)
	}

	var out []reliability.Aggregate
	for _, r := range table {
		if r.BucketStart.Before(q.Start) || !r.BucketStart.Before(q.End) {
			continue
		}
		if !q.Matches(r) {
			continue
		}
		out = append(out, r)
	}
	storage.SortAggregates(out)
	return out, nil
}

// DeleteAggregates removes rows whose bucket started before before
func (s *Storage) DeleteAggregates(ctx context.Context, g bucket.Granularity, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, r := range s.aggregates[g] {
		if r.BucketStart.Before(before) {
			delete(s.aggregates[g], k)
			n++
		}
	}
	return n, nil
}

// OldestAggregate returns the earliest bucket start stored for g
func (s *Storage) OldestAggregate(ctx context.Context, g bucket.Granularity) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest time.Time
	for _, r := range s.aggregates[g] {
		if oldest.IsZero() || r.BucketStart.Before(oldest) {
			oldest = r.BucketStart
		}
	}
	if oldest.IsZero() {
		return time.Time{}, storage.ErrNotFound
	}
	return oldest, nil
}

// SwapLive replaces the current generation
func (s *Storage) SwapLive(ctx context.Context, gen *storage.LiveGeneration) error {
	cp := copyGeneration(gen)

	s.mu.Lock()
	s.live = cp
	s.mu.Unlock()
	return nil
}

// LoadLive returns a copy of the current generation
func (s *Storage) LoadLive(ctx context.Context) (*storage.LiveGeneration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.live == nil {
		return nil, storage.ErrNotFound
	}
	return copyGeneration(s.live), nil
}

func copyGeneration(gen *storage.LiveGeneration) *storage.LiveGeneration {
	cp := *gen
	cp.Rows = make([]storage.LiveRow, len(gen.Rows))
	copy(cp.Rows, gen.Rows)
	return &cp
}

// AppendLedger inserts a ledger entry
func (s *Storage) AppendLedger(ctx context.Context, e storage.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Warnings = append([]string(nil), e.Warnings...)
	s.ledger = append(s.ledger, e)
	return nil
}

// QueryLedger lists matching entries newest first
func (s *Storage) QueryLedger(ctx context.Context, q storage.LedgerQuery) ([]storage.LedgerEntry, error) {
	s.mu.RLock()
	var out []storage.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if q.Matches(s.ledger[i]) {
			out = append(out, s.ledger[i])
		}
	}
	s.mu.RUnlock()

	storage.SortLedger(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		Readings:      uint64(len(s.readings)),
		Entities:      uint64(len(s.entities)),
		Aggregates:    make(map[bucket.Granularity]uint64, len(s.aggregates)),
		LedgerEntries: uint64(len(s.ledger)),
	}
	for g, table := range s.aggregates {
		stats.Aggregates[g] = uint64(len(table))
	}
	if s.live != nil {
		stats.LiveGeneration = s.live.ID
	}
	for _, r := range s.readings {
		if stats.OldestReading.IsZero() || r.Timestamp.Before(stats.OldestReading) {
			stats.OldestReading = r.Timestamp
		}
		if r.Timestamp.After(stats.NewestReading) {
			stats.NewestReading = r.Timestamp
		}
	}
	return stats, nil
}
