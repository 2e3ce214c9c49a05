package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/nicktill/ridewatch/pkg/bucket"
	"github.com/nicktill/ridewatch/pkg/ledger"
	"github.com/nicktill/ridewatch/pkg/live"
	"github.com/nicktill/ridewatch/pkg/storage"
	"github.com/nicktill/ridewatch/pkg/storage/memory"
)

var monitorNow = time.Date(2026, 7, 4, 12, 30, 0, 0, time.UTC)

func hourJob() []Job {
	return []Job{{Type: bucket.Hour.JobType(), Cadence: time.Hour}}
}

func record(t *testing.T, l *ledger.Ledger, status string, finished time.Time, errMsg string) {
	t.Helper()
	_, err := l.Record(context.Background(), ledger.Entry{
		JobType:    bucket.Hour.JobType(),
		Bucket:     bucket.Hour.Window(finished.Add(-time.Hour)),
		Status:     status,
		FinishedAt: finished,
		Error:      errMsg,
	})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
}

func TestJobMonitor_NeverRun(t *testing.T) {
	l := ledger.New(memory.New())
	m := NewJobMonitor(l, hourJob(), 2, 3).WithClock(func() time.Time { return monitorNow })

	statuses, err := m.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("len(statuses) = %d, want 1", len(statuses))
	}
	if !statuses[0].Healthy {
		t.Error("job that never ran should not be reported unhealthy")
	}
	if statuses[0].LastSuccess != nil {
		t.Error("LastSuccess should be nil")
	}
}

func TestJobMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(*testing.T, *ledger.Ledger)
		healthy   bool
		stale     bool
		failures  int
		lastError string
	}{
		{
			name: "recent success",
			setup: func(t *testing.T, l *ledger.Ledger) {
				record(t, l, storage.StatusSuccess, monitorNow.Add(-25*time.Minute), "")
			},
			healthy: true,
		},
		{
			name: "stale success",
			setup: func(t *testing.T, l *ledger.Ledger) {
				record(t, l, storage.StatusSuccess, monitorNow.Add(-3*time.Hour), "")
			},
			healthy: false,
			stale:   true,
		},
		{
			name: "failures at threshold",
			setup: func(t *testing.T, l *ledger.Ledger) {
				record(t, l, storage.StatusSuccess, monitorNow.Add(-90*time.Minute), "")
				for i := 3; i > 0; i-- {
					record(t, l, storage.StatusFailure, monitorNow.Add(-time.Duration(i)*time.Minute), "store down")
				}
			},
			healthy:   true,
			failures:  3,
			lastError: "store down",
		},
		{
			name: "failures over threshold",
			setup: func(t *testing.T, l *ledger.Ledger) {
				record(t, l, storage.StatusSuccess, monitorNow.Add(-90*time.Minute), "")
				for i := 4; i > 0; i-- {
					record(t, l, storage.StatusFailure, monitorNow.Add(-time.Duration(i)*time.Minute), "store down")
				}
			},
			healthy:   false,
			failures:  4,
			lastError: "store down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ledger.New(memory.New())
			tt.setup(t, l)
			m := NewJobMonitor(l, hourJob(), 2, 3).WithClock(func() time.Time { return monitorNow })

			statuses, err := m.Check(context.Background())
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			st := statuses[0]
			if st.Healthy != tt.healthy {
				t.Errorf("Healthy = %v, want %v", st.Healthy, tt.healthy)
			}
			if st.Stale != tt.stale {
				t.Errorf("Stale = %v, want %v", st.Stale, tt.stale)
			}
			if st.ConsecutiveFailures != tt.failures {
				t.Errorf("ConsecutiveFailures = %d, want %d", st.ConsecutiveFailures, tt.failures)
			}
			if st.LastError != tt.lastError {
				t.Errorf("LastError = %q, want %q", st.LastError, tt.lastError)
			}
			if Healthy(statuses) != tt.healthy {
				t.Errorf("Healthy(statuses) = %v, want %v", Healthy(statuses), tt.healthy)
			}
		})
	}
}

func TestDefaultJobs(t *testing.T) {
	jobs := DefaultJobs()
	if len(jobs) != len(bucket.Chain)+1 {
		t.Fatalf("len(DefaultJobs()) = %d, want %d", len(jobs), len(bucket.Chain)+1)
	}
	if jobs[0].Type != "rollup_hour" || jobs[0].Cadence != time.Hour {
		t.Errorf("jobs[0] = %+v, want rollup_hour every hour", jobs[0])
	}
	if last := jobs[len(jobs)-1]; last.Type != ledger.JobRetention {
		t.Errorf("last job = %q, want %q", last.Type, ledger.JobRetention)
	}
}

func TestLive(t *testing.T) {
	cache := live.NewCache()
	if st := Live(cache, 5*time.Minute, monitorNow); st.Healthy || st.Generation != 0 {
		t.Errorf("empty cache status = %+v, want unhealthy generation 0", st)
	}

	cache.Swap(&live.Generation{ID: 7, BuiltAt: monitorNow.Add(-4 * time.Minute)})
	st := Live(cache, 5*time.Minute, monitorNow)
	if !st.Healthy || st.Generation != 7 {
		t.Errorf("fresh status = %+v, want healthy generation 7", st)
	}

	st = Live(cache, 5*time.Minute, monitorNow.Add(10*time.Minute))
	if st.Healthy {
		t.Error("generation older than two intervals should be unhealthy")
	}
}
