package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/live"
)

// Job is a scheduled job type and how often it is expected to succeed
type Job struct {
	Type    string
	Cadence time.Duration
}

// DefaultJobs returns every rollup in the chain plus the daily retention sweep
func DefaultJobs() []Job {
	jobs := make([]Job, 0, len(bucket.Chain)+1)
	for _, g := range bucket.Chain {
		jobs = append(jobs, Job{Type: g.JobType(), Cadence: g.Cadence()})
	}
	return append(jobs, Job{Type: ledger.JobRetention, Cadence: 24 * time.Hour})
}

// JobStatus is the health of one job type as read from the ledger
type JobStatus struct {
	Job                 string     `json:"job"`
	Healthy             bool       `json:"healthy"`
	Stale               bool       `json:"stale"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastAttempt         *time.Time `json:"last_attempt,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	TimeSinceSuccess    string     `json:"time_since_success,omitempty"`
}

// LiveStatus describes the age of the live generation
type LiveStatus struct {
	Generation int64      `json:"generation"`
	BuiltAt    *time.Time `json:"built_at,omitempty"`
	Age        string     `json:"age,omitempty"`
	Healthy    bool       `json:"healthy"`
}

// JobMonitor derives job health from the ledger. A job is unhealthy when
// its last success is older than its cadence times the staleness multiple,
// or when more than alertAfter executions in a row have failed.
type JobMonitor struct {
	ledger     *ledger.Ledger
	jobs       []Job
	multiple   float64
	alertAfter int
	now        func() time.Time
}

// NewJobMonitor creates a monitor over jobs
func NewJobMonitor(l *ledger.Ledger, jobs []Job, multiple float64, alertAfter int) *JobMonitor {
	if multiple < 1 {
		multiple = 1
	}
	if alertAfter < 1 {
		alertAfter = 1
	}
	return &JobMonitor{
		ledger:     l,
		jobs:       jobs,
		multiple:   multiple,
		alertAfter: alertAfter,
		now:        time.Now,
	}
}

// WithClock replaces the clock (tests)
func (m *JobMonitor) WithClock(now func() time.Time) *JobMonitor {
	m.now = now
	return m
}

// Check returns the status of every job, in configuration order
func (m *JobMonitor) Check(ctx context.Context) ([]JobStatus, error) {
	now := m.now()
	out := make([]JobStatus, 0, len(m.jobs))

	for _, job := range m.jobs {
		last, err := m.ledger.LastSuccess(ctx, job.Type)
		if err != nil {
			return nil, fmt.Errorf("last success of %s: %w", job.Type, err)
		}
		streak, err := m.ledger.Streak(ctx, job.Type)
		if err != nil {
			return nil, fmt.Errorf("streak of %s: %w", job.Type, err)
		}

		st := JobStatus{
			Job:                 job.Type,
			ConsecutiveFailures: streak.ConsecutiveFailures,
			LastError:           streak.LastError,
		}
		if streak.LastAttempt != nil {
			at := streak.LastAttempt.FinishedAt
			st.LastAttempt = &at
		}
		// A job that has never succeeded is only judged by its failures;
		// yearly rollups may legitimately not have run yet
		if last != nil {
			at := last.FinishedAt
			st.LastSuccess = &at
			since := now.Sub(at)
			st.TimeSinceSuccess = since.Round(time.Second).String()
			st.Stale = since > time.Duration(float64(job.Cadence)*m.multiple)
		}
		st.Healthy = !st.Stale && st.ConsecutiveFailures <= m.alertAfter
		out = append(out, st)
	}
	return out, nil
}

// Healthy reports whether every status is healthy
func Healthy(statuses []JobStatus) bool {
	for _, s := range statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Live reports the age of the cached generation. It is healthy while
// younger than twice the refresh interval.
func Live(cache *live.Cache, interval time.Duration, now time.Time) LiveStatus {
	gen := cache.Current()
	age, ok := cache.Age(now)
	if gen == nil || !ok {
		return LiveStatus{}
	}
	built := gen.BuiltAt
	return LiveStatus{
		Generation: gen.ID,
		BuiltAt:    &built,
		Age:        age.Round(time.Second).String(),
		Healthy:    age <= 2*interval,
	}
}
