package handlers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/argus/internal/events"
	"github.com/jmylchreest/argus/internal/fanout"
	"github.com/jmylchreest/argus/internal/media"
	"github.com/jmylchreest/argus/internal/media/sim"
	"github.com/jmylchreest/argus/internal/models"
	"github.com/jmylchreest/argus/internal/recording"
	"github.com/jmylchreest/argus/internal/repository"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.Recording{}, &models.RecordingSchedule{}))
	return db
}

type testEnv struct {
	db        *gorm.DB
	registry  *fanout.Registry
	manager   *recording.Manager
	recs      repository.RecordingRepository
	schedules repository.RecordingScheduleRepository
	bus       *events.Bus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	bus := events.NewBus()
	provider := sim.NewProvider().WithFrameInterval(5 * time.Millisecond).WithGOPSize(5)
	registry := fanout.NewRegistry(provider, fanout.RegistryConfig{DrainGrace: 2 * time.Second}).WithEvents(bus)

	db := setupTestDB(t)
	recs := repository.NewRecordingRepository(db)
	manager := recording.NewManager(registry, recs, recording.Config{
		RecordingsDir:   t.TempDir(),
		SegmentDuration: 100 * time.Millisecond,
	}).WithEvents(bus)
	registry.OnStreamRemoved(manager.StreamRemoved)
	manager.Start(ctx)

	t.Cleanup(func() {
		_ = manager.StopAll(context.Background())
		manager.Close()
		_ = registry.Close(context.Background())
	})

	return &testEnv{
		db:        db,
		registry:  registry,
		manager:   manager,
		recs:      recs,
		schedules: repository.NewRecordingScheduleRepository(db),
		bus:       bus,
	}
}

func statusOf(t *testing.T, err error) int {
	t.Helper()
	var se huma.StatusError
	require.True(t, errors.As(err, &se), "expected huma status error, got %v", err)
	return se.GetStatus()
}

func addStream(t *testing.T, h *StreamHandler, id string) {
	t.Helper()
	in := &AddStreamInput{}
	in.Body.ID = id
	in.Body.Source = media.SourceDescriptor{Kind: media.SourceTest, Name: id, CameraID: "cam-" + id}
	_, err := h.Add(context.Background(), in)
	require.NoError(t, err)
}

func TestStreamHandler_Lifecycle(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.registry)
	ctx := context.Background()

	addStream(t, h, "porch")

	list, err := h.List(ctx, &ListStreamsInput{})
	require.NoError(t, err)
	require.Len(t, list.Body.Streams, 1)
	assert.Equal(t, "ready", list.Body.Streams[0].State)

	dup := &AddStreamInput{}
	dup.Body.ID = "porch"
	dup.Body.Source = media.SourceDescriptor{Kind: media.SourceTest}
	_, err = h.Add(ctx, dup)
	assert.Equal(t, http.StatusConflict, statusOf(t, err))

	branchIn := &AddBranchInput{ID: "porch"}
	branchIn.Body.Kind = fanout.BranchAnalytics
	branch, err := h.AddBranch(ctx, branchIn)
	require.NoError(t, err)
	assert.NotEmpty(t, branch.Body.ID)

	got, err := h.Get(ctx, &StreamIDInput{ID: "porch"})
	require.NoError(t, err)
	assert.Equal(t, "playing", got.Body.State)
	assert.Equal(t, 1, got.Body.Branches)

	branches, err := h.ListBranches(ctx, &StreamIDInput{ID: "porch"})
	require.NoError(t, err)
	require.Len(t, branches.Body.Branches, 1)

	_, err = h.RemoveBranch(ctx, &RemoveBranchInput{ID: "porch", BranchID: branch.Body.ID})
	require.NoError(t, err)
	_, err = h.RemoveBranch(ctx, &RemoveBranchInput{ID: "porch", BranchID: branch.Body.ID})
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	_, err = h.Remove(ctx, &StreamIDInput{ID: "porch"})
	require.NoError(t, err)
	_, err = h.Get(ctx, &StreamIDInput{ID: "porch"})
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestStreamHandler_InvalidSource(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.registry)

	in := &AddStreamInput{}
	in.Body.Source = media.SourceDescriptor{Kind: media.SourceLive, URI: "::not-a-uri"}
	_, err := h.Add(context.Background(), in)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, statusOf(t, err))
}

func TestStreamHandler_UnsafeIdentifiers(t *testing.T) {
	env := newTestEnv(t)
	h := NewStreamHandler(env.registry)

	tests := []struct {
		name     string
		id       string
		cameraID string
	}{
		{"stream id with parent dirs", "../porch", ""},
		{"stream id with verb", "porch%d", ""},
		{"camera id with parent dirs", "porch", "../../escaped"},
		{"camera id with separator", "porch", "cams/porch"},
		{"camera id with verb", "porch", "cam%d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &AddStreamInput{}
			in.Body.ID = tt.id
			in.Body.Source = media.SourceDescriptor{Kind: media.SourceTest, CameraID: tt.cameraID}
			_, err := h.Add(context.Background(), in)
			require.Error(t, err)
			assert.Equal(t, http.StatusUnprocessableEntity, statusOf(t, err))
		})
	}
	assert.Zero(t, env.registry.StreamCount())
}

func TestStreamHandler_RemoveWhileRecording(t *testing.T) {
	env := newTestEnv(t)
	streams := NewStreamHandler(env.registry)
	recs := NewRecordingHandler(env.manager, env.recs)
	ctx := context.Background()

	addStream(t, streams, "porch")
	start := &StartRecordingInput{}
	start.Body.StreamID = "porch"
	started, err := recs.Start(ctx, start)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	_, err = streams.Remove(ctx, &StreamIDInput{ID: "porch"})
	require.NoError(t, err)

	status, err := recs.Status(ctx, &RecordingStatusInput{})
	require.NoError(t, err)
	assert.Zero(t, status.Body.Count)

	got, err := recs.Get(ctx, &RecordingIDInput{ID: started.Body.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusFailed, got.Body.Status)
	assert.Equal(t, "stream removed", got.Body.ErrorMessage)

	addStream(t, streams, "porch")
	again, err := recs.Start(ctx, start)
	require.NoError(t, err)
	assert.NotEqual(t, started.Body.ID, again.Body.ID)
}

func TestRecordingHandler_StartStopSearch(t *testing.T) {
	env := newTestEnv(t)
	addStream(t, NewStreamHandler(env.registry), "porch")
	h := NewRecordingHandler(env.manager, env.recs)
	ctx := context.Background()

	start := &StartRecordingInput{}
	start.Body.StreamID = "porch"
	started, err := h.Start(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, models.EventKindManual, started.Body.EventKind)

	_, err = h.Start(ctx, start)
	assert.Equal(t, http.StatusConflict, statusOf(t, err))

	status, err := h.Status(ctx, &RecordingStatusInput{CameraID: "cam-porch"})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Body.Count)

	status, err = h.Status(ctx, &RecordingStatusInput{StreamID: "other"})
	require.NoError(t, err)
	assert.Zero(t, status.Body.Count)

	time.Sleep(150 * time.Millisecond)

	stopped, err := h.Stop(ctx, &RecordingIDInput{ID: started.Body.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, stopped.Body.Status)

	_, err = h.Stop(ctx, &RecordingIDInput{ID: started.Body.ID.String()})
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	found, err := h.Search(ctx, &SearchRecordingsInput{CameraID: "cam-porch", Status: "completed"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, found.Body.Total)
	assert.Equal(t, defaultSearchLimit, found.Body.Limit)

	found, err = h.Search(ctx, &SearchRecordingsInput{From: "1h"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, found.Body.Total)

	found, err = h.Search(ctx, &SearchRecordingsInput{To: "1h"})
	require.NoError(t, err)
	assert.Zero(t, found.Body.Total)

	got, err := h.Get(ctx, &RecordingIDInput{ID: started.Body.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, stopped.Body.ID, got.Body.ID)

	_, err = h.Delete(ctx, &RecordingIDInput{ID: started.Body.ID.String()})
	require.NoError(t, err)
	_, err = h.Get(ctx, &RecordingIDInput{ID: started.Body.ID.String()})
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestRecordingHandler_EventRecordings(t *testing.T) {
	env := newTestEnv(t)
	addStream(t, NewStreamHandler(env.registry), "porch")
	h := NewRecordingHandler(env.manager, env.recs)
	ctx := context.Background()

	start := &StartRecordingInput{}
	start.Body.StreamID = "porch"
	start.Body.EventKind = models.EventKindMotion
	rec, err := h.Start(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, models.EventKindMotion, rec.Body.EventKind)

	start.Body.EventKind = "teleport"
	_, err = h.Start(ctx, start)
	assert.Equal(t, http.StatusUnprocessableEntity, statusOf(t, err))

	start.Body.EventKind = models.EventKindContinuous
	_, err = h.Start(ctx, start)
	assert.Equal(t, http.StatusUnprocessableEntity, statusOf(t, err))

	stop := &StopEventRecordingInput{}
	stop.Body.StreamID = "porch"
	stop.Body.EventKind = models.EventKindMotion
	_, err = h.StopEvent(ctx, stop)
	require.NoError(t, err)
}

func TestRecordingHandler_BadInput(t *testing.T) {
	env := newTestEnv(t)
	h := NewRecordingHandler(env.manager, env.recs)
	ctx := context.Background()

	tests := []struct {
		name  string
		input SearchRecordingsInput
	}{
		{"bad event kind", SearchRecordingsInput{EventKind: "teleport"}},
		{"bad status", SearchRecordingsInput{Status: "paused"}},
		{"bad schedule id", SearchRecordingsInput{ScheduleID: "nope"}},
		{"bad from", SearchRecordingsInput{From: "yesterday"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Search(ctx, &tt.input)
			assert.Equal(t, http.StatusBadRequest, statusOf(t, err))
		})
	}

	_, err := h.Get(ctx, &RecordingIDInput{ID: "nope"})
	assert.Equal(t, http.StatusBadRequest, statusOf(t, err))

	start := &StartRecordingInput{}
	start.Body.StreamID = "missing"
	_, err = h.Start(ctx, start)
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))
}

func TestScheduleHandler_CRUD(t *testing.T) {
	env := newTestEnv(t)
	reconciled := 0
	h := NewScheduleHandler(env.schedules).WithReconcile(func(context.Context) { reconciled++ })
	ctx := context.Background()

	create := &CreateScheduleInput{Body: ScheduleRequest{
		CameraID:  "cam-porch",
		StreamID:  "porch",
		Name:      "nights",
		Weekdays:  "weekdays",
		StartTime: "22:00",
		EndTime:   "06:00",
	}}
	created, err := h.Create(ctx, create)
	require.NoError(t, err)
	assert.True(t, created.Body.Enabled)
	assert.Equal(t, "mon,tue,wed,thu,fri", created.Body.Weekdays)

	update := &UpdateScheduleInput{ID: created.Body.ID.String(), Body: create.Body}
	update.Body.Enabled = models.BoolPtr(false)
	update.Body.RetentionDays = 14
	updated, err := h.Update(ctx, update)
	require.NoError(t, err)
	assert.False(t, updated.Body.Enabled)
	assert.Equal(t, 14, updated.Body.RetentionDays)

	list, err := h.List(ctx, &ListSchedulesInput{StreamID: "porch"})
	require.NoError(t, err)
	assert.Len(t, list.Body.Schedules, 1)

	_, err = h.Delete(ctx, &ScheduleIDInput{ID: created.Body.ID.String()})
	require.NoError(t, err)
	_, err = h.Get(ctx, &ScheduleIDInput{ID: created.Body.ID.String()})
	assert.Equal(t, http.StatusNotFound, statusOf(t, err))

	assert.Equal(t, 3, reconciled)
}

func TestScheduleHandler_Validation(t *testing.T) {
	env := newTestEnv(t)
	h := NewScheduleHandler(env.schedules)

	tests := []struct {
		name string
		req  ScheduleRequest
	}{
		{"bad weekday", ScheduleRequest{CameraID: "c", StreamID: "s", Name: "n", Weekdays: "funday", StartTime: "01:00", EndTime: "02:00"}},
		{"no weekdays", ScheduleRequest{CameraID: "c", StreamID: "s", Name: "n", Weekdays: "", StartTime: "01:00", EndTime: "02:00"}},
		{"bad time", ScheduleRequest{CameraID: "c", StreamID: "s", Name: "n", Weekdays: "all", StartTime: "25:00", EndTime: "02:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Create(context.Background(), &CreateScheduleInput{Body: tt.req})
			assert.Equal(t, http.StatusUnprocessableEntity, statusOf(t, err))
		})
	}
}

func TestEventsHandler_StreamsEvents(t *testing.T) {
	bus := events.NewBus()
	h := NewEventsHandler(bus)
	h.SetHeartbeatInterval(time.Hour)

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?stream_id=porch", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ":connected\n", line)

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.Event{Type: events.TypeStreamStarted, StreamID: "yard"})
	bus.Publish(events.Event{Type: events.TypeRecordingStarted, StreamID: "porch", RecordingID: "r1"})

	var eventLine, dataLine string
	for eventLine == "" || dataLine == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			eventLine = line
		case strings.HasPrefix(line, "data: "):
			dataLine = line
		}
	}
	assert.Equal(t, fmt.Sprintf("event: %s\n", events.TypeRecordingStarted), eventLine)
	assert.Contains(t, dataLine, `"recording_id":"r1"`)
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t)
	h := NewHealthHandler("1.0.0").
		WithDB(env.db).
		WithEngine(env.registry, env.manager).
		WithStorage(t.TempDir(), 1)

	out, err := h.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "healthy", out.Body.Status)
	assert.Equal(t, "1.0.0", out.Body.Version)
	assert.Equal(t, "ok", out.Body.Checks["database"])
	assert.Equal(t, "ok", out.Body.Components.Storage.Status)
	assert.Positive(t, out.Body.CPUInfo.Cores)

	ready, err := h.GetReadyz(context.Background(), &ReadyzInput{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, ready.Status)

	live, err := h.GetLivez(context.Background(), &LivezInput{})
	require.NoError(t, err)
	assert.Equal(t, "ok", live.Body.Status)
}

func TestHealthHandler_Degraded(t *testing.T) {
	h := NewHealthHandler("1.0.0").WithStorage(t.TempDir(), ^uint64(0))

	out, err := h.GetHealth(context.Background(), &HealthInput{})
	require.NoError(t, err)
	assert.Equal(t, "degraded", out.Body.Status)
	assert.Equal(t, "low_space", out.Body.Components.Storage.Status)

	ready, err := h.GetReadyz(context.Background(), &ReadyzInput{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, ready.Status)
	assert.Equal(t, "not_configured", ready.Body.Components["database"])
}
