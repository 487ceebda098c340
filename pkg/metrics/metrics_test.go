package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-scanmaster/pkg/supervisor"
)

func scrape(t *testing.T, recorder *Recorder) string {
	t.Helper()

	server := httptest.NewServer(recorder.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorder_InitialStatusIsIdle(t *testing.T) {
	recorder, err := NewRecorder()
	require.NoError(t, err)

	body := scrape(t, recorder)

	assert.Contains(t, body, `scanmaster_status{status="idle"} 1`)
	assert.Contains(t, body, `scanmaster_status{status="running"} 0`)
	assert.Contains(t, body, "scanmaster_scans_total 0")
}

func TestRecorder_ObservesScan(t *testing.T) {
	recorder, err := NewRecorder()
	require.NoError(t, err)

	events := []supervisor.Event{
		{Type: supervisor.EventStatusChanged, SessionID: "s1", Status: supervisor.StatusRunning},
		{Type: supervisor.EventLogLine, SessionID: "s1", Line: "scanning..."},
		{Type: supervisor.EventLogLine, SessionID: "s1", Line: "HIT 123"},
		{Type: supervisor.EventStatusChanged, SessionID: "s1", Status: supervisor.StatusHitDetected},
		{Type: supervisor.EventElapsedTick, SessionID: "s1", Elapsed: 1500 * time.Millisecond},
		{Type: supervisor.EventStatusChanged, SessionID: "s1", Status: supervisor.StatusCompleted},
	}
	for _, event := range events {
		recorder.Observe(event)
	}

	body := scrape(t, recorder)

	assert.Contains(t, body, "scanmaster_scans_total 1")
	assert.Contains(t, body, "scanmaster_lines_forwarded_total 2")
	assert.Contains(t, body, `scanmaster_status_transitions_total{status="hit_detected"} 1`)
	assert.Contains(t, body, `scanmaster_status_transitions_total{status="completed"} 1`)
	assert.Contains(t, body, `scanmaster_status{status="completed"} 1`)
	assert.Contains(t, body, `scanmaster_status{status="idle"} 0`)
	assert.Contains(t, body, "scanmaster_elapsed_seconds 1.5")
	assert.Contains(t, body, "scanmaster_last_scan_failed 0")
}

func TestRecorder_FailedScanThenNewScan(t *testing.T) {
	recorder, err := NewRecorder()
	require.NoError(t, err)

	recorder.Observe(supervisor.Event{Type: supervisor.EventStatusChanged, SessionID: "s1", Status: supervisor.StatusRunning})
	recorder.Observe(supervisor.Event{Type: supervisor.EventStatusChanged, SessionID: "s1", Status: supervisor.StatusError})
	assert.Contains(t, scrape(t, recorder), "scanmaster_last_scan_failed 1")

	recorder.Observe(supervisor.Event{Type: supervisor.EventStatusChanged, SessionID: "s2", Status: supervisor.StatusRunning})
	body := scrape(t, recorder)

	assert.Contains(t, body, "scanmaster_scans_total 2")
	assert.Contains(t, body, "scanmaster_last_scan_failed 0")
	assert.Contains(t, body, `scanmaster_status_transitions_total{status="running"} 2`)
}

func TestRecorder_RunStopsOnClosedChannel(t *testing.T) {
	recorder, err := NewRecorder()
	require.NoError(t, err)

	events := make(chan supervisor.Event, 2)
	events <- supervisor.Event{Type: supervisor.EventLogLine, SessionID: "s1", Line: "a"}
	events <- supervisor.Event{Type: supervisor.EventLogLine, SessionID: "s1", Line: "b"}
	close(events)

	require.NoError(t, recorder.Run(context.Background(), events))
	assert.Contains(t, scrape(t, recorder), "scanmaster_lines_forwarded_total 2")
}

func TestRecorder_RunStopsOnContext(t *testing.T) {
	recorder, err := NewRecorder()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- recorder.Run(ctx, make(chan supervisor.Event))
	}()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRecorder_IndependentRegistries(t *testing.T) {
	first, err := NewRecorder()
	require.NoError(t, err)
	second, err := NewRecorder()
	require.NoError(t, err)

	first.Observe(supervisor.Event{Type: supervisor.EventLogLine, SessionID: "s1"})

	assert.Contains(t, scrape(t, first), "scanmaster_lines_forwarded_total 1")
	assert.Contains(t, scrape(t, second), "scanmaster_lines_forwarded_total 0")
}
