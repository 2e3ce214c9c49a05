/*
Package storage provides the pluggable storage abstraction for readings,
rollup rows, the live snapshot and the job ledger.

# Backends

  - memory: in-process maps for tests and ephemeral runs
  - badger: embedded BadgerDB, the default for single-node deployments
  - sqlstore: sqlite or postgres through sqlx

# Layout

Every backend keeps one keyspace (or table) per granularity, keyed by
(kind, id, bucket start). Upserting the same key replaces the row, so
re-running a rollup for the same bucket is idempotent.

The live snapshot is stored as whole generations. SwapLive writes the new
generation first and then moves a single pointer to it, so LoadLive returns
either the old or the new generation and never a mix.

The ledger is append-only. QueryLedger returns newest entries first.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	rows, err := store.QueryAggregates(ctx, storage.AggregateQuery{
	    Granularity: bucket.Day,
	    Start:       monthStart,
	    End:         today,
	    Kind:        reliability.KindGroup,
	    IDs:         []string{"park-1"},
	})
*/
package storage
