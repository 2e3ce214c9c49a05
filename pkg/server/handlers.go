package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/config"
	"github.com/nicktill/ridewatch/pkg/httpx"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/live"
	"github.com/nicktill/ridewatch/pkg/reader"
	"github.com/nicktill/ridewatch/pkg/reliability"
	"github.com/nicktill/ridewatch/pkg/server/monitor"
	"github.com/nicktill/ridewatch/pkg/storage"
)

// Version is reported by the health endpoint
var Version = "dev"

var startTime = time.Now()

// Ledger listing limits
const (
	defaultLedgerLimit = 100
	maxLedgerLimit     = 1000
)

// defaultHistoryWindow is used when a history request names no start
const defaultHistoryWindow = 30 * 24 * time.Hour

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Jobs    []monitor.JobStatus `json:"jobs"`
	Live    monitor.LiveStatus  `json:"live"`
}

// HistoryResponse wraps stored rows of one granularity
type HistoryResponse struct {
	Kind        reliability.Kind        `json:"kind"`
	ID          string                  `json:"id"`
	Granularity bucket.Granularity      `json:"granularity"`
	Start       time.Time               `json:"start"`
	End         time.Time               `json:"end"`
	Rows        []reliability.Aggregate `json:"rows"`
}

// LedgerResponse wraps ledger entries, newest first
type LedgerResponse struct {
	Entries []ledger.Entry `json:"entries"`
	Count   int            `json:"count"`
}

// API serves the read endpoints
type API struct {
	reader       *reader.Reader
	ledger       *ledger.Ledger
	jobs         *monitor.JobMonitor
	cache        *live.Cache
	liveInterval time.Duration
	storage      *monitor.StorageMonitor
	store        storage.Store
	now          func() time.Time
}

// NewAPI creates the read API over c. storageMon may be nil when the
// backend has no local data directory.
func NewAPI(c *Components, storageMon *monitor.StorageMonitor) *API {
	return &API{
		reader:       c.Reader,
		ledger:       c.Ledger,
		jobs:         c.Jobs,
		cache:        c.Cache,
		liveInterval: c.Refresher.Interval(),
		storage:      storageMon,
		store:        c.Store,
		now:          time.Now,
	}
}

// HandleReliability handles GET /v1/reliability/{kind}/{id}?period=
// The period defaults to day.
func (a *API) HandleReliability(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := reliability.ParseKind(vars["kind"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	period := reader.PeriodDay
	if p := r.URL.Query().Get("period"); p != "" {
		period, err = reader.ParsePeriod(p)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ReadTimeout)
	defer cancel()

	view, err := a.reader.Read(ctx, kind, vars["id"], period)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, view)
}

// HandleHistory handles GET /v1/reliability/{kind}/{id}/history
// Query params:
//   - granularity: hour, day, month or year (default: day)
//   - start, end: RFC3339 (default: the 30 days before now)
func (a *API) HandleHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := reliability.ParseKind(vars["kind"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	query := r.URL.Query()
	g := bucket.Day
	if s := query.Get("granularity"); s != "" {
		if g, err = bucket.Parse(s); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
	}

	end, err := parseTime(query.Get("end"), a.now().UTC())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	start, err := parseTime(query.Get("start"), end.Add(-defaultHistoryWindow))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if points := int(end.Sub(start) / g.Cadence()); points > config.MaxHistoryPoints {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("range spans about %d %s buckets (max %d)", points, g, config.MaxHistoryPoints))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ReadTimeout)
	defer cancel()

	rows, err := a.reader.History(ctx, kind, vars["id"], g, start, end)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []reliability.Aggregate{}
	}
	httpx.RespondJSON(w, http.StatusOK, HistoryResponse{
		Kind:        kind,
		ID:          vars["id"],
		Granularity: g,
		Start:       start,
		End:         end,
		Rows:        rows,
	})
}

// HandleLedger handles GET /v1/ledger?job=&status=&limit=
func (a *API) HandleLedger(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := storage.LedgerQuery{
		JobType: query.Get("job"),
		Status:  query.Get("status"),
		Limit:   defaultLedgerLimit,
	}
	if q.Status != "" && q.Status != storage.StatusSuccess && q.Status != storage.StatusFailure {
		httpx.RespondErrorString(w, http.StatusBadRequest, "status must be 'success' or 'failure'")
		return
	}
	if s := query.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = min(limit, maxLedgerLimit)
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ReadTimeout)
	defer cancel()

	entries, err := a.ledger.Recent(ctx, q)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	httpx.RespondJSON(w, http.StatusOK, LedgerResponse{Entries: entries, Count: len(entries)})
}

// HandleHealth handles GET /v1/health. Any unhealthy job or a stale live
// generation reports degraded with 503.
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.ReadTimeout)
	defer cancel()

	jobs, err := a.jobs.Check(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	liveStatus := monitor.Live(a.cache, a.liveInterval, a.now())

	resp := HealthResponse{
		Status:  "healthy",
		Version: Version,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Jobs:    jobs,
		Live:    liveStatus,
	}
	status := http.StatusOK
	if !monitor.Healthy(jobs) || !liveStatus.Healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, status, resp)
}

// StorageResponse combines disk usage with backend statistics
type StorageResponse struct {
	Disk  *monitor.Usage `json:"disk,omitempty"`
	Stats *storage.Stats `json:"stats"`
}

// HandleStorage handles GET /v1/storage
func (a *API) HandleStorage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.ReadTimeout)
	defer cancel()

	stats, err := a.store.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	resp := StorageResponse{Stats: stats}
	if a.storage != nil {
		usage, err := a.storage.Report()
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Disk = &usage
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

// parseTime parses an RFC3339 timestamp, returning def when s is empty
func parseTime(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("invalid timestamp " + strconv.Quote(s) + ": use RFC3339")
	}
	return t.UTC(), nil
}
