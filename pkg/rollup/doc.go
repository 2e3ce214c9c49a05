/*
Package rollup turns raw readings into immutable hour, day, month and year
aggregates.

# Chain

	readings ──hour job──▶ hourly rows ──day job──▶ daily rows ──month job──▶ monthly ──year job──▶ yearly

The hour job runs the reliability calculator over the readings of one closed
hour. Every coarser job merges the rows of the next finer granularity with
reliability.Merge, so each level is computed by the same code as the level
below it.

A coarser job only runs when every constituent finer bucket has a
non-partial success in the ledger. Otherwise it fails with ErrIncompleteInput
and writes nothing. Once a window has been closed longer than
Config.PartialAfter the job proceeds anyway and marks its rows and ledger
entry partial; a later complete run overwrites them.

# Idempotence

Rows are upserted on (kind, id, bucket start). Re-running a window with the
same input rewrites identical rows, so duplicate or overlapping runs are
harmless.

# Retries

Runner wraps every execution: transient failures are retried with
exponential backoff (30s, 60s, 120s by default), then recorded as a ledger
failure. Refusals (open window, incomplete input) and consistency violations
fail at once. Each attempt runs under a wall-clock budget; a timed-out
attempt is discarded and picked up by the next scheduled catch-up.

# Usage Example

	l := ledger.New(store)
	runner := rollup.NewRunner(l, logger, rollup.RunnerConfig{Budget: 5 * time.Minute})
	chain := rollup.NewChain(store, l, reliability.NewCalculator(5*time.Minute), runner,
	    rollup.Config{IngestLag: 5 * time.Minute}, nil, logger)

	// Run every closed hour that has not succeeded yet
	report, err := chain.CatchUp(ctx, bucket.Hour)
*/
package rollup
