package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveJob(t *testing.T) {
	before := testutil.ToFloat64(jobRuns.WithLabelValues("rollup_test", "success"))
	ObserveJob("rollup_test", "success", time.Second, 10, 2)

	require.Equal(t, before+1, testutil.ToFloat64(jobRuns.WithLabelValues("rollup_test", "success")))
	require.Equal(t, 2.0, testutil.ToFloat64(jobEntities.WithLabelValues("rollup_test", "skipped")))
}

func TestObserveLiveSwap(t *testing.T) {
	built := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ObserveLiveSwap(42, built, 7)

	require.Equal(t, 42.0, testutil.ToFloat64(liveGeneration))
	require.Equal(t, float64(built.Unix()), testutil.ToFloat64(liveBuiltAt))
	require.Equal(t, 7.0, testutil.ToFloat64(liveRows))
}
