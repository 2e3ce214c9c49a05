package sqlstore

import (
	"fmt"

	"github.com/nicktill/ridewatch/pkg/bucket"
)

// Times are stored as unix nanoseconds so both dialects compare them the same way.
const schemaReadings = `
CREATE TABLE IF NOT EXISTS readings (
	entity_id      TEXT NOT NULL,
	group_id       TEXT NOT NULL,
	ts             BIGINT NOT NULL,
	status         TEXT NOT NULL,
	group_open     BOOLEAN NOT NULL,
	counts_as_down BOOLEAN NOT NULL,
	wait_minutes   DOUBLE PRECISION,
	PRIMARY KEY (entity_id, ts)
)`

const schemaReadingsIndex = `CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings (ts)`

const schemaEntities = `
CREATE TABLE IF NOT EXISTS entities (
	id       TEXT PRIMARY KEY,
	group_id TEXT NOT NULL,
	name     TEXT NOT NULL,
	tier     INTEGER NOT NULL
)`

const schemaAggregates = `
CREATE TABLE IF NOT EXISTS %s (
	kind                TEXT NOT NULL,
	id                  TEXT NOT NULL,
	group_id            TEXT NOT NULL,
	bucket_start        BIGINT NOT NULL,
	score               DOUBLE PRECISION,
	mean_wait           DOUBLE PRECISION,
	wait_samples        INTEGER NOT NULL,
	operating_count     INTEGER NOT NULL,
	down_count          INTEGER NOT NULL,
	input_sample_count  INTEGER NOT NULL,
	down_hours          DOUBLE PRECISION NOT NULL,
	weighted_down_hours DOUBLE PRECISION NOT NULL,
	effective_weight    DOUBLE PRECISION NOT NULL,
	open_hours          DOUBLE PRECISION NOT NULL,
	active              BOOLEAN NOT NULL,
	partial             BOOLEAN NOT NULL,
	source_buckets      INTEGER NOT NULL,
	PRIMARY KEY (kind, id, bucket_start)
)`

const schemaAggregatesIndex = `CREATE INDEX IF NOT EXISTS idx_%[1]s_start ON %[1]s (bucket_start)`

const schemaLivePointer = `
CREATE TABLE IF NOT EXISTS live_generation (
	slot         INTEGER PRIMARY KEY,
	generation   BIGINT NOT NULL,
	built_at     BIGINT NOT NULL,
	window_start BIGINT NOT NULL,
	window_end   BIGINT NOT NULL
)`

const schemaLiveRows = `
CREATE TABLE IF NOT EXISTS live_rows (
	generation BIGINT NOT NULL,
	kind       TEXT NOT NULL,
	id         TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (generation, kind, id)
)`

const schemaLedger = `
CREATE TABLE IF NOT EXISTS job_ledger (
	id                 TEXT PRIMARY KEY,
	job_type           TEXT NOT NULL,
	bucket_start       BIGINT NOT NULL,
	bucket_end         BIGINT NOT NULL,
	status             TEXT NOT NULL,
	partial            BOOLEAN NOT NULL,
	attempts           INTEGER NOT NULL,
	entities_processed INTEGER NOT NULL,
	entities_skipped   INTEGER NOT NULL,
	started_at         BIGINT NOT NULL,
	finished_at        BIGINT NOT NULL,
	duration_ns        BIGINT NOT NULL,
	error              TEXT NOT NULL,
	warnings           TEXT NOT NULL
)`

const schemaLedgerIndex = `CREATE INDEX IF NOT EXISTS idx_job_ledger_type ON job_ledger (job_type, finished_at)`

// tables maps each granularity to its own table
var tables = map[bucket.Granularity]string{
	bucket.Hour:  "aggregates_hourly",
	bucket.Day:   "aggregates_daily",
	bucket.Month: "aggregates_monthly",
	bucket.Year:  "aggregates_yearly",
}

func tableFor(g bucket.Granularity) (string, error) {
	t, ok := tables[g]
	if !ok {
		return "", fmt.Errorf("unknown granularity %q", g)
	}
	return t, nil
}

func schema() []string {
	stmts := []string{schemaReadings, schemaReadingsIndex, schemaEntities}
	for _, g := range bucket.Chain {
		stmts = append(stmts,
			fmt.Sprintf(schemaAggregates, tables[g]),
			fmt.Sprintf(schemaAggregatesIndex, tables[g]),
		)
	}
	return append(stmts, schemaLivePointer, schemaLiveRows, schemaLedger, schemaLedgerIndex)
}
