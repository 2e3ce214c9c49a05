package storage

import (
	"sort"

	"github.com/nicktill/ridewatch/pkg/reliability"
)

// SortReadings orders readings by timestamp, then entity id.
// Backends return readings in this order.
func SortReadings(readings []reliability.Reading) {
	sort.Slice(readings, func(i, j int) bool {
		a, b := readings[i], readings[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.EntityID < b.EntityID
	})
}

// SortAggregates orders rows by bucket start, then kind and id.
// Backends return rows in this order.
func SortAggregates(rows []reliability.Aggregate) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.BucketStart.Equal(b.BucketStart) {
			return a.BucketStart.Before(b.BucketStart)
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.ID < b.ID
	})
}

// SortLedger orders entries newest first
func SortLedger(entries []LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FinishedAt.After(entries[j].FinishedAt)
	})
}
