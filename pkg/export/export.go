package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Exporter handles exporting rollup rows to various formats
type Exporter struct {
	storage storage.Store
	now     func() time.Time
}

// NewExporter creates a new exporter
func NewExporter(store storage.Store) *Exporter {
	return &Exporter{storage: store, now: time.Now}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Granularity of the rows to export
	Granularity bucket.Granularity

	// Bucket starts in [Start, End)
	Start time.Time
	End   time.Time

	// Filter by kind ("" = both) and ids (nil = all)
	Kind reliability.Kind
	IDs  []string

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	RowsExported int       `json:"rows_exported"`
	Granularity  string    `json:"granularity"`
	TimeRange    string    `json:"time_range"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

func (e *Exporter) query(ctx context.Context, opts ExportOptions) ([]reliability.Aggregate, error) {
	rows, err := e.storage.QueryAggregates(ctx, storage.AggregateQuery{
		Granularity: opts.Granularity,
		Start:       opts.Start,
		End:         opts.End,
		Kind:        opts.Kind,
		IDs:         opts.IDs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s rows: %w", opts.Granularity, err)
	}
	return rows, nil
}

func (e *Exporter) result(opts ExportOptions, n int, format string, at time.Time) *ExportResult {
	return &ExportResult{
		RowsExported: n,
		Granularity:  string(opts.Granularity),
		TimeRange:    fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:       format,
		ExportedAt:   at,
	}
}

// ExportToJSON exports rows as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	rows, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}

	// Create export wrapper with metadata
	exportData := struct {
		Metadata struct {
			ExportedAt  time.Time `json:"exported_at"`
			Granularity string    `json:"granularity"`
			StartTime   time.Time `json:"start_time"`
			EndTime     time.Time `json:"end_time"`
			RowCount    int       `json:"row_count"`
			Format      string    `json:"format"`
			Version     string    `json:"version"`
		} `json:"metadata"`
		Rows []reliability.Aggregate `json:"rows"`
	}{
		Rows: rows,
	}
	if exportData.Rows == nil {
		exportData.Rows = []reliability.Aggregate{}
	}

	exportData.Metadata.ExportedAt = e.now().UTC()
	exportData.Metadata.Granularity = string(opts.Granularity)
	exportData.Metadata.StartTime = opts.Start
	exportData.Metadata.EndTime = opts.End
	exportData.Metadata.RowCount = len(rows)
	exportData.Metadata.Format = "json"
	exportData.Metadata.Version = "1.0"

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(exportData); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}
	return e.result(opts, len(rows), "json", exportData.Metadata.ExportedAt), nil
}

// csvHeader is the fixed column order of CSV exports
var csvHeader = []string{
	"bucket_start", "kind", "id", "group_id",
	"score", "mean_wait", "wait_samples",
	"operating_count", "down_count", "input_sample_count",
	"down_hours", "weighted_down_hours", "effective_weight", "open_hours",
	"active", "partial", "source_buckets",
}

// ExportToCSV exports rows as CSV to the given writer. A null score or
// wait is an empty cell, never zero.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	rows, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range rows {
		record := []string{
			r.BucketStart.Format(time.RFC3339),
			string(r.Kind),
			r.ID,
			r.GroupID,
			formatOptional(r.Score),
			formatOptional(r.MeanWait),
			strconv.Itoa(r.WaitSamples),
			strconv.Itoa(r.OperatingCount),
			strconv.Itoa(r.DownCount),
			strconv.Itoa(r.InputSampleCount),
			formatFloat(r.DownHours),
			formatFloat(r.WeightedDownHours),
			formatFloat(r.EffectiveWeight),
			formatFloat(r.OpenHours),
			strconv.FormatBool(r.Active),
			strconv.FormatBool(r.Partial),
			strconv.Itoa(r.SourceBuckets),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return e.result(opts, len(rows), "csv", e.now().UTC()), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
