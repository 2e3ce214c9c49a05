// Package export writes rollup rows to JSON or CSV files.
//
// # Formats
//
// JSON keeps every field of reliability.Aggregate plus export metadata
// (granularity, time range, row count). CSV flattens rows into a fixed
// column order for spreadsheets and notebooks. In both, a score or mean
// wait that is null because the entity or group was inactive stays null
// (empty CSV cell); it is never written as zero.
//
// # HTTP API
//
// Export endpoint: GET /v1/export
// Query parameters:
//   - granularity: hour, day, month or year (default: day)
//   - format: "json" or "csv" (default: json)
//   - start, end: RFC3339 bucket-start range (default: last 24 hours)
//   - kind: entity or group (optional)
//   - id: comma-separated ids (optional)
//
// Example:
//
//	curl "http://localhost:8080/v1/export?granularity=day&kind=group&format=csv&start=2026-06-01T00:00:00Z&end=2026-07-01T00:00:00Z" \
//	  -o june.csv
//
// # Usage Limits
//
//   - Maximum export time range: 366 days
//   - Default export window: 24 hours
//
// # Programmatic Usage
//
//	exporter := export.NewExporter(store)
//	result, err := exporter.ExportToCSV(ctx, file, export.ExportOptions{
//	    Granularity: bucket.Month,
//	    Start:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
//	    End:         time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
//	    Kind:        reliability.KindGroup,
//	})
package export
