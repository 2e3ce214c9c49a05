package ingest

import (
	"fmt"
	"time"
)

// Batch and validation limits
const (
	MaxReadingsPerBatch   = 5000  // Maximum readings in one ingest request or message
	MaxEntitiesPerRequest = 10000 // Maximum catalog entries in one request
	MaxClockSkew          = 5 * time.Minute
	maxReportedErrors     = 20 // Per-reading errors echoed back to the caller
)

var (
	// ErrTooManyReadings is returned when a batch exceeds MaxReadingsPerBatch
	ErrTooManyReadings = fmt.Errorf("too many readings in batch (max %d)", MaxReadingsPerBatch)

	// ErrTooManyEntities is returned when a catalog request exceeds MaxEntitiesPerRequest
	ErrTooManyEntities = fmt.Errorf("too many entities in request (max %d)", MaxEntitiesPerRequest)

	// ErrFutureReading is returned for a reading stamped beyond the allowed clock skew
	ErrFutureReading = fmt.Errorf("reading timestamp more than %s in the future", MaxClockSkew)

	// ErrLateReading is returned for a reading whose hour has already been rolled up
	ErrLateReading = fmt.Errorf("hour already rolled up")

	// ErrStorageFull is returned when the data directory is at its disk limit
	ErrStorageFull = fmt.Errorf("storage limit reached")
)
