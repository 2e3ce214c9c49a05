package export

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/config"
	"github.com/nicktill/ridewatch/pkg/httpx"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Handler handles the export HTTP endpoint
type Handler struct {
	exporter *Exporter
	log      *slog.Logger
}

// NewHandler creates a new export handler
func NewHandler(store storage.Store, log *slog.Logger) *Handler {
	return &Handler{exporter: NewExporter(store), log: log}
}

// HandleExport handles GET /v1/export
// Query params:
//   - granularity: hour, day, month or year (default: day)
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
//   - kind: entity or group (optional)
//   - id: comma-separated ids (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid format: must be 'json' or 'csv'")
		return
	}

	g := bucket.Day
	if s := query.Get("granularity"); s != "" {
		parsed, err := bucket.Parse(s)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		g = parsed
	}

	end, err := parseTimeParam(query.Get("end"), time.Now().UTC())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	start, err := parseTimeParam(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("time range too large: maximum is %v", config.MaxExportWindow))
		return
	}

	opts := ExportOptions{Granularity: g, Start: start, End: end, Format: format}
	if k := query.Get("kind"); k != "" {
		kind, err := reliability.ParseKind(k)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		opts.Kind = kind
	}
	if ids := query.Get("id"); ids != "" {
		opts.IDs = strings.Split(ids, ",")
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=ridewatch-%s-%s.%s", g, timestamp, format))

	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		h.log.Error("export failed", slog.Any("error", err))
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.Info("exported rows",
		slog.Int("rows", result.RowsExported),
		slog.String("granularity", result.Granularity),
		slog.String("format", format),
		slog.String("range", result.TimeRange),
	)
}

// parseTimeParam parses an RFC3339 timestamp, returning def when s is empty
func parseTimeParam(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: use RFC3339", s)
	}
	return t.UTC(), nil
}
