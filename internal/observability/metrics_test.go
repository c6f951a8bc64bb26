package observability

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.SetActiveStreams(1)
		m.SetActiveBranches(1)
		m.SetActiveRecordings(1)
		m.IncRecordingsStarted("manual")
		m.IncRecordingsStopped()
		m.IncRecordingsFailed()
		m.IncBranchOp("add", "recording", nil)
		m.IncDropped("recording")
		m.AddRetentionDeleted(3)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.IncRecordingsStarted("manual")
	m.IncRecordingsStarted("manual")
	m.IncRecordingsStarted("schedule")
	m.IncBranchOp("add", "recording", errors.New("link failed"))
	m.IncDropped("recording")
	m.AddRetentionDeleted(2)
	m.AddRetentionDeleted(0)

	assert.InDelta(t, 2, testutil.ToFloat64(m.recordingsStarted.WithLabelValues("manual")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.recordingsStarted.WithLabelValues("schedule")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.branchOps.WithLabelValues("add", "recording", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.droppedMessages.WithLabelValues("recording")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.retentionDeleted), 0)
}

func TestMetrics_HandlerRefreshesGauges(t *testing.T) {
	m := NewMetrics()

	called := false
	handler := m.Handler(func() {
		called = true
		m.SetActiveRecordings(4)
	})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.True(t, called)
	assert.Contains(t, string(body), "argus_active_recordings 4")
}
