package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Key prefixes. Each granularity gets its own keyspace under prefixAggregate.
var (
	prefixReading   = []byte{'r'}
	prefixEntity    = []byte{'e'}
	prefixAggregate = []byte{'a'}
	prefixLedger    = []byte{'l'}
	prefixLiveGen   = []byte("v/g/")
	keyLivePointer  = []byte("v/current")
)

var granularityByte = map[bucket.Granularity]byte{
	bucket.Hour:  'h',
	bucket.Day:   'd',
	bucket.Month: 'm',
	bucket.Year:  'y',
}

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// 16 MB memtable unless told otherwise; caches are sized from it
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// run executes fn off the caller's goroutine so a cancelled context
// unblocks the caller even while badger is busy
func (s *Storage) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// checkEvery returns ctx.Err() every n iterations
func checkEvery(ctx context.Context, i, n int) error {
	if i%n != 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// WriteReadings stores readings keyed by timestamp and entity
func (s *Storage) WriteReadings(ctx context.Context, readings []reliability.Reading) error {
	return s.run(ctx, "write", func() error {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for i, r := range readings {
			if err := checkEvery(ctx, i, 100); err != nil {
				return err
			}
			r.Timestamp = r.Timestamp.UTC()
			value, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode reading: %w", err)
			}
			if err := wb.Set(readingKey(r.Timestamp, r.EntityID), value); err != nil {
				return fmt.Errorf("failed to write reading: %w", err)
			}
		}
		return wb.Flush()
	})
}

// QueryReadings retrieves readings with timestamps in [Start, End)
func (s *Storage) QueryReadings(ctx context.Context, q storage.ReadingQuery) ([]reliability.Reading, error) {
	var ids map[string]bool
	if len(q.EntityIDs) > 0 {
		ids = make(map[string]bool, len(q.EntityIDs))
		for _, id := range q.EntityIDs {
			ids[id] = true
		}
	}

	var out []reliability.Reading
	err := s.run(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100
			opts.Prefix = prefixReading

			it := txn.NewIterator(opts)
			defer it.Close()

			end := uint64(q.End.UnixNano())
			i := 0
			for it.Seek(timeKey(prefixReading, q.Start)); it.Valid(); it.Next() {
				if err := checkEvery(ctx, i, 1000); err != nil {
					return err
				}
				i++

				if binary.BigEndian.Uint64(it.Item().Key()[1:9]) >= end {
					break
				}
				var r reliability.Reading
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &r)
				}); err != nil {
					return fmt.Errorf("failed to decode reading: %w", err)
				}
				if ids != nil && !ids[r.EntityID] {
					continue
				}
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortReadings(out)
	return out, nil
}

// DeleteReadings removes readings older than before
func (s *Storage) DeleteReadings(ctx context.Context, before time.Time) (int, error) {
	var n int
	err := s.run(ctx, "delete", func() error {
		var err error
		n, err = s.deleteRange(ctx, prefixReading, before)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// deleteRange removes every key under prefix whose 8-byte time field
// (right after the prefix) is before cutoff
func (s *Storage) deleteRange(ctx context.Context, prefix []byte, cutoff time.Time) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		limit := uint64(cutoff.UnixNano())
		i := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if err := checkEvery(ctx, i, 1000); err != nil {
				return err
			}
			i++

			key := it.Item().Key()
			if binary.BigEndian.Uint64(key[len(prefix):len(prefix)+8]) >= limit {
				break
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// OldestReading returns the earliest reading timestamp
func (s *Storage) OldestReading(ctx context.Context) (time.Time, error) {
	return s.oldest(ctx, prefixReading)
}

func (s *Storage) oldest(ctx context.Context, prefix []byte) (time.Time, error) {
	var ts time.Time
	err := s.run(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			it.Rewind()
			if !it.Valid() {
				return storage.ErrNotFound
			}
			key := it.Item().Key()
			ts = time.Unix(0, int64(binary.BigEndian.Uint64(key[len(prefix):len(prefix)+8]))).UTC()
			return nil
		})
	})
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// PutEntities upserts catalog entries
func (s *Storage) PutEntities(ctx context.Context, entities []reliability.Entity) error {
	return s.run(ctx, "write", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			for _, e := range entities {
				value, err := json.Marshal(e)
				if err != nil {
					return fmt.Errorf("failed to encode entity: %w", err)
				}
				if err := txn.Set(append(bytes.Clone(prefixEntity), e.ID...), value); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// Entities lists the catalog
func (s *Storage) Entities(ctx context.Context) ([]reliability.Entity, error) {
	var out []reliability.Entity
	err := s.run(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefixEntity

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				var e reliability.Entity
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &e)
				}); err != nil {
					return fmt.Errorf("failed to decode entity: %w", err)
				}
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertAggregates writes rows; a row with the same (kind, id, bucket start) is replaced
func (s *Storage) UpsertAggregates(ctx context.Context, g bucket.Granularity, rows []reliability.Aggregate) error {
	prefix, err := aggregatePrefix(g)
	if err != nil {
		return err
	}
	return s.run(ctx, "write", func() error {
		wb := s.db.NewWriteBatch()
		defer wb.Cancel()

		for i, r := range rows {
			if err := checkEvery(ctx, i, 100); err != nil {
				return err
			}
			r.BucketStart = r.BucketStart.UTC()
			value, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode aggregate: %w", err)
			}
			if err := wb.Set(aggregateKey(prefix, r), value); err != nil {
				return fmt.Errorf("failed to write aggregate: %w", err)
			}
		}
		return wb.Flush()
	})
}

// QueryAggregates retrieves rows with bucket start in [Start, End)
func (s *Storage) QueryAggregates(ctx context.Context, q storage.AggregateQuery) ([]reliability.Aggregate, error) {
	prefix, err := aggregatePrefix(q.Granularity)
	if err != nil {
		return nil, err
	}

	var out []reliability.Aggregate
	err = s.run(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			end := uint64(q.End.UnixNano())
			i := 0
			for it.Seek(timeKey(prefix, q.Start)); it.Valid(); it.Next() {
				if err := checkEvery(ctx, i, 1000); err != nil {
					return err
				}
				i++

				key := it.Item().Key()
				if binary.BigEndian.Uint64(key[len(prefix):len(prefix)+8]) >= end {
					break
				}
				var r reliability.Aggregate
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &r)
				}); err != nil {
					return fmt.Errorf("failed to decode aggregate: %w", err)
				}
				if q.Matches(r) {
					out = append(out, r)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortAggregates(out)
	return out, nil
}

// DeleteAggregates removes rows whose bucket started before before
func (s *Storage) DeleteAggregates(ctx context.Context, g bucket.Granularity, before time.Time) (int, error) {
	prefix, err := aggregatePrefix(g)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.run(ctx, "delete", func() error {
		var err error
		n, err = s.deleteRange(ctx, prefix, before)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// OldestAggregate returns the earliest bucket start stored for g
func (s *Storage) OldestAggregate(ctx context.Context, g bucket.Granularity) (time.Time, error) {
	prefix, err := aggregatePrefix(g)
	if err != nil {
		return time.Time{}, err
	}
	return s.oldest(ctx, prefix)
}

// SwapLive writes the new generation, then repoints the current pointer to
// it and drops the previous generation in a single transaction
func (s *Storage) SwapLive(ctx context.Context, gen *storage.LiveGeneration) error {
	value, err := json.Marshal(gen)
	if err != nil {
		return fmt.Errorf("failed to encode live generation: %w", err)
	}
	genKey := liveGenKey(gen.ID)

	return s.run(ctx, "swap", func() error {
		if err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(genKey, value)
		}); err != nil {
			return fmt.Errorf("failed to stage live generation: %w", err)
		}

		return s.db.Update(func(txn *badger.Txn) error {
			var previous []byte
			item, err := txn.Get(keyLivePointer)
			switch {
			case err == nil:
				previous, err = item.ValueCopy(nil)
				if err != nil {
					return err
				}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			if err := txn.Set(keyLivePointer, genKey); err != nil {
				return err
			}
			if previous != nil && !bytes.Equal(previous, genKey) {
				return txn.Delete(previous)
			}
			return nil
		})
	})
}

// LoadLive returns the generation the pointer references
func (s *Storage) LoadLive(ctx context.Context) (*storage.LiveGeneration, error) {
	var gen storage.LiveGeneration
	err := s.run(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(keyLivePointer)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			if err != nil {
				return err
			}
			genKey, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err = txn.Get(genKey)
			if err != nil {
				return fmt.Errorf("live pointer references missing generation: %w", err)
			}
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, &gen)
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return &gen, nil
}

// AppendLedger inserts a ledger entry keyed by finish time
func (s *Storage) AppendLedger(ctx context.Context, e storage.LedgerEntry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode ledger entry: %w", err)
	}
	key := append(timeKey(prefixLedger, e.FinishedAt), e.ID...)

	return s.run(ctx, "write", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(key, value)
		})
	})
}

// QueryLedger lists matching entries newest first
func (s *Storage) QueryLedger(ctx context.Context, q storage.LedgerQuery) ([]storage.LedgerEntry, error) {
	var out []storage.LedgerEntry
	err := s.run(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Reverse = true
			opts.Prefix = prefixLedger

			it := txn.NewIterator(opts)
			defer it.Close()

			i := 0
			for it.Seek(append(bytes.Clone(prefixLedger), 0xFF)); it.Valid(); it.Next() {
				if err := checkEvery(ctx, i, 1000); err != nil {
					return err
				}
				i++

				var e storage.LedgerEntry
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &e)
				}); err != nil {
					return fmt.Errorf("failed to decode ledger entry: %w", err)
				}
				if !q.Matches(e) {
					continue
				}
				out = append(out, e)
				if q.Limit > 0 && len(out) >= q.Limit {
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// discardRatio: run GC if this fraction of a file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{Aggregates: make(map[bucket.Granularity]uint64)}

	err := s.run(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			i := 0
			for it.Rewind(); it.Valid(); it.Next() {
				if err := checkEvery(ctx, i, 1000); err != nil {
					return err
				}
				i++

				key := it.Item().Key()
				switch {
				case bytes.HasPrefix(key, prefixLiveGen), bytes.Equal(key, keyLivePointer):
				case key[0] == prefixReading[0]:
					stats.Readings++
					ts := time.Unix(0, int64(binary.BigEndian.Uint64(key[1:9]))).UTC()
					if stats.OldestReading.IsZero() {
						stats.OldestReading = ts
					}
					stats.NewestReading = ts
				case key[0] == prefixEntity[0]:
					stats.Entities++
				case key[0] == prefixLedger[0]:
					stats.LedgerEntries++
				case key[0] == prefixAggregate[0]:
					for g, b := range granularityByte {
						if key[1] == b {
							stats.Aggregates[g]++
						}
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if gen, err := s.LoadLive(ctx); err == nil {
		stats.LiveGeneration = gen.ID
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

func aggregatePrefix(g bucket.Granularity) ([]byte, error) {
	b, ok := granularityByte[g]
	if !ok {
		return nil, fmt.Errorf("unknown granularity %q", g)
	}
	return []byte{prefixAggregate[0], b}, nil
}

// timeKey returns prefix + big-endian unix nanos
func timeKey(prefix []byte, ts time.Time) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	nanos := ts.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(nanos))
	return key
}

// readingKey: [r][timestamp (8 bytes)][entity hash (8 bytes)]
func readingKey(ts time.Time, entityID string) []byte {
	key := timeKey(prefixReading, ts)
	return binary.BigEndian.AppendUint64(key, xxhash.Sum64String(entityID))
}

// aggregateKey: [a][granularity][bucket start (8 bytes)][kind][id hash (8 bytes)]
func aggregateKey(prefix []byte, r reliability.Aggregate) []byte {
	key := timeKey(prefix, r.BucketStart)
	key = append(key, r.Kind[0])
	return binary.BigEndian.AppendUint64(key, xxhash.Sum64String(r.ID))
}

func liveGenKey(id int64) []byte {
	key := bytes.Clone(prefixLiveGen)
	return binary.BigEndian.AppendUint64(key, uint64(id))
}
