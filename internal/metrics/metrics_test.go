package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCollector registers a collector on a fresh registry and returns both.
func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	// Reset Prometheus registry to avoid duplicate registration
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	return NewCollector(), reg
}

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	srv := httptest.NewServer(NewRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsLaunched, "jobsLaunched counter should be initialized")
	assert.NotNil(t, collector.jobsLaunchFailed, "jobsLaunchFailed counter should be initialized")
	assert.NotNil(t, collector.jobsCompleted, "jobsCompleted counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.jobsTimedOut, "jobsTimedOut counter should be initialized")
	assert.NotNil(t, collector.jobsCancelled, "jobsCancelled counter should be initialized")
	assert.NotNil(t, collector.jobDuration, "jobDuration histogram should be initialized")
	assert.NotNil(t, collector.jobsRunning, "jobsRunning gauge should be initialized")
}

func TestCollectorIsolation(t *testing.T) {
	newTestCollector(t)

	// A process should have only one collector
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestJobLifecycle(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.RecordLaunch("report")
	collector.RecordLaunch("report")
	collector.RecordLaunch("render")
	collector.RecordLaunchFailure("report")

	collector.RecordOutcome("report", "completed", 1500*time.Millisecond)
	collector.RecordOutcome("report", "timed_out", 30*time.Second)
	collector.RecordLines("length", 12, 2, 1)

	body := scrape(t, reg)
	assert.Contains(t, body, `cytoreport_jobs_launched_total{kind="report"} 2`)
	assert.Contains(t, body, `cytoreport_jobs_launched_total{kind="render"} 1`)
	assert.Contains(t, body, `cytoreport_jobs_launch_failed_total{kind="report"} 1`)
	assert.Contains(t, body, `cytoreport_jobs_completed_total{kind="report"} 1`)
	assert.Contains(t, body, `cytoreport_jobs_timed_out_total{kind="report"} 1`)
	assert.Contains(t, body, "cytoreport_jobs_running 1")
	assert.Contains(t, body, `cytoreport_job_duration_seconds_count{kind="report"} 2`)
	assert.Contains(t, body, `cytoreport_report_lines_decoded_total{op="length"} 12`)
	assert.Contains(t, body, `cytoreport_report_lines_skipped_total{op="length"} 2`)
	assert.Contains(t, body, `cytoreport_report_anomalies_total{op="length"} 1`)
}

func TestRecordOutcome_Failures(t *testing.T) {
	collector, reg := newTestCollector(t)

	testCases := []struct {
		outcome string
		metric  string
	}{
		{"failed", `cytoreport_jobs_failed_total{kind="render"} 1`},
		{"cancelled", `cytoreport_jobs_cancelled_total{kind="render"} 1`},
	}

	for _, tc := range testCases {
		collector.RecordLaunch("render")
		collector.RecordOutcome("render", tc.outcome, time.Second)
	}

	body := scrape(t, reg)
	for _, tc := range testCases {
		assert.Contains(t, body, tc.metric, "outcome %s", tc.outcome)
	}
	assert.Contains(t, body, "cytoreport_jobs_running 0")
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, reg := newTestCollector(t)

	// Prometheus metrics are thread-safe
	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordLaunch("report")
			collector.RecordLines("pos", 1, 0, 0)
			collector.RecordOutcome("report", "completed", 100*time.Millisecond)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	body := scrape(t, reg)
	assert.Contains(t, body, `cytoreport_jobs_completed_total{kind="report"} 100`)
	assert.Contains(t, body, `cytoreport_report_lines_decoded_total{op="pos"} 100`)
}

func TestRouter(t *testing.T) {
	_, reg := newTestCollector(t)
	srv := httptest.NewServer(NewRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(srv.URL + "/unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
