package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

// countingRepo wraps a real repository, counting updates and optionally
// failing writes.
type countingRepo struct {
	repository.RecordingRepository
	creates    atomic.Int32
	updates    atomic.Int32
	failCreate error
	failUpdate error
}

func (r *countingRepo) Create(ctx context.Context, rec *models.Recording) error {
	r.creates.Add(1)
	if r.failCreate != nil {
		return r.failCreate
	}
	return r.RecordingRepository.Create(ctx, rec)
}

func (r *countingRepo) Update(ctx context.Context, rec *models.Recording) error {
	r.updates.Add(1)
	if r.failUpdate != nil {
		return r.failUpdate
	}
	return r.RecordingRepository.Update(ctx, rec)
}

type harness struct {
	registry *fanout.Registry
	repo     *countingRepo
	manager  *Manager
	bus      *events.Bus
	dir      string
	streamID string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	provider := sim.NewProvider().WithFrameInterval(5 * time.Millisecond).WithGOPSize(5)
	registry := fanout.NewRegistry(provider, fanout.RegistryConfig{DrainGrace: 2 * time.Second})
	streamID, err := registry.AddStreamWithID(ctx, "porch", media.SourceDescriptor{
		Kind:     media.SourceTest,
		Name:     "Porch",
		CameraID: "cam-porch",
	})
	require.NoError(t, err)

	repo := &countingRepo{RecordingRepository: repository.NewRecordingRepository(setupTestDB(t))}
	dir := t.TempDir()
	bus := events.NewBus()
	manager := NewManager(registry, repo, Config{
		RecordingsDir:   dir,
		SegmentDuration: 100 * time.Millisecond,
	}).WithEvents(bus)
	registry.OnStreamRemoved(manager.StreamRemoved)
	manager.Start(ctx)

	t.Cleanup(func() {
		_ = manager.StopAll(context.Background())
		manager.Close()
		_ = registry.Close(context.Background())
	})

	return &harness{
		registry: registry,
		repo:     repo,
		manager:  manager,
		bus:      bus,
		dir:      dir,
		streamID: streamID,
	}
}

func TestManager_ManualRecordingEndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	started := time.Now()
	rec, err := h.manager.StartManual(ctx, h.streamID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusActive, rec.Status)
	assert.Equal(t, "cam-porch", rec.CameraID)
	assert.Equal(t, models.EventKindManual, rec.EventKind)
	assert.Nil(t, rec.ScheduleID)
	assert.Contains(t, rec.SegmentPattern, filepath.Join(h.dir, "cam-porch", rec.StartTime.Format("2006"), rec.StartTime.Format("01")))
	assert.Contains(t, rec.FilePath, "_00000.ts")

	time.Sleep(300 * time.Millisecond)

	statuses := h.manager.Status()
	require.Len(t, statuses, 1)
	st := statuses[0]
	assert.Equal(t, rec.ID, st.RecordingID)
	assert.Equal(t, "playing", st.PipelineState)
	assert.GreaterOrEqual(t, st.Duration, time.Since(started).Seconds()-0.1)
	assert.Greater(t, st.RunningTime, 0.0)
	assert.LessOrEqual(t, st.RunningTime, st.Duration+0.1, "the graph started playing with the recording")
	assert.Equal(t, EventKey(models.EventKindManual, h.streamID), st.Key)

	stopped, err := h.manager.StopByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, stopped.Status)

	stored, err := h.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.NotNil(t, stored.EndTime)
	assert.Greater(t, stored.FileSize, int64(0))
	assert.GreaterOrEqual(t, stored.SegmentCount, 1)
	assert.Greater(t, stored.Duration, 0.0)
	assert.Equal(t, models.RecordingStatusCompleted, stored.Status)

	_, err = os.Stat(stored.FilePath)
	assert.NoError(t, err, "file_path points at the first segment")

	assert.Empty(t, h.manager.Status())
	info, err := h.registry.Describe(h.streamID)
	require.NoError(t, err)
	assert.Equal(t, "ready", info.State)
}

func TestManager_ConcurrentDuplicateStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.manager.StartEvent(ctx, h.streamID, models.EventKindMotion)
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrAlreadyActive):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(n-1), conflicts.Load())
	assert.Equal(t, int32(1), h.repo.creates.Load())

	rows, total, err := h.repo.Search(ctx, repository.RecordingQuery{
		StreamIDs:  []string{h.streamID},
		EventKinds: []models.EventKind{models.EventKindMotion},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, rows, 1)
}

func TestManager_DoubleStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.StartManual(ctx, h.streamID)
	require.NoError(t, err)

	_, err = h.manager.StopManual(ctx, h.streamID)
	require.NoError(t, err)

	_, err = h.manager.StopManual(ctx, h.streamID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, int32(1), h.repo.updates.Load())
}

func TestManager_IndependentKeys(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	schedule := &models.RecordingSchedule{BaseModel: models.BaseModel{ID: models.NewULID()}}

	_, err := h.manager.StartManual(ctx, h.streamID)
	require.NoError(t, err)
	_, err = h.manager.StartScheduled(ctx, schedule, h.streamID)
	require.NoError(t, err)
	_, err = h.manager.StartEvent(ctx, h.streamID, models.EventKindAudio)
	require.NoError(t, err)

	assert.Equal(t, 3, h.manager.ActiveCount())
	assert.True(t, h.manager.IsScheduleActive(schedule.ID, h.streamID))

	branches, err := h.registry.Branches(h.streamID)
	require.NoError(t, err)
	assert.Len(t, branches, 3)

	_, err = h.manager.StopBySchedule(ctx, schedule.ID, h.streamID)
	require.NoError(t, err)
	assert.False(t, h.manager.IsScheduleActive(schedule.ID, h.streamID))

	require.NoError(t, h.manager.StopAll(ctx))
	assert.Zero(t, h.manager.ActiveCount())
	assert.Equal(t, int32(3), h.repo.updates.Load())

	info, err := h.registry.Describe(h.streamID)
	require.NoError(t, err)
	assert.Equal(t, "ready", info.State)
	assert.Zero(t, info.Branches)
}

func TestManager_StartUnknownStream(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.StartManual(context.Background(), "garage")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fanout.ErrNotFound))
	assert.False(t, h.manager.IsActive(EventKey(models.EventKindManual, "garage")))

	_, err = h.manager.StartEvent(context.Background(), h.streamID, "sneeze")
	assert.True(t, errors.Is(err, models.ErrInvalidEventKind))
}

func TestManager_CreateFailureRemovesBranch(t *testing.T) {
	h := newHarness(t)
	h.repo.failCreate = errors.New("disk full")

	_, err := h.manager.StartManual(context.Background(), h.streamID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	assert.Zero(t, h.manager.ActiveCount())
	assert.False(t, h.manager.IsActive(EventKey(models.EventKindManual, h.streamID)))

	info, err := h.registry.Describe(h.streamID)
	require.NoError(t, err)
	assert.Zero(t, info.Branches)
	assert.Equal(t, "ready", info.State)

	// The reservation was released, so a retry can succeed.
	h.repo.failCreate = nil
	_, err = h.manager.StartManual(context.Background(), h.streamID)
	assert.NoError(t, err)
}

func TestManager_UpdateFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.StartManual(ctx, h.streamID)
	require.NoError(t, err)

	h.repo.failUpdate = errors.New("database is locked")
	rec, err := h.manager.StopManual(ctx, h.streamID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPersistence))
	require.NotNil(t, rec)
	assert.Equal(t, models.RecordingStatusFailed, rec.Status)
	assert.Zero(t, h.manager.ActiveCount())
	assert.Equal(t, int32(1), h.repo.updates.Load(), "failed updates are not retried")
}

func TestManager_BusErrorFailsRecording(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sub := h.bus.Subscribe(&events.Filter{Types: []string{events.TypeRecordingFailed}})

	rec, err := h.manager.StartManual(ctx, h.streamID)
	require.NoError(t, err)

	branches, err := h.registry.Branches(h.streamID)
	require.NoError(t, err)
	require.Len(t, branches, 1)
	sink := branches[0].Elements[len(branches[0].Elements)-1]

	graph, _, err := h.registry.StreamAccess(h.streamID)
	require.NoError(t, err)

	// Errors from elements outside the branch are ignored.
	graph.(*sim.Graph).InjectError("source", errors.New("jitter"))
	graph.(*sim.Graph).InjectError(sink, errors.New("no space left on device"))

	select {
	case e := <-sub.Events:
		assert.Equal(t, rec.ID.String(), e.RecordingID)
		assert.Contains(t, e.Message, "no space left on device")
	case <-time.After(3 * time.Second):
		t.Fatal("no recording.failed event")
	}

	assert.Zero(t, h.manager.ActiveCount())
	stored, err := h.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.RecordingStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "no space left on device")
	assert.NotNil(t, stored.EndTime)

	_, err = h.manager.StopByID(ctx, rec.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestManager_StatusNeverOverlapsCompleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec, err := h.manager.StartManual(ctx, h.streamID)
	require.NoError(t, err)

	done := make(chan struct{})
	var overlaps atomic.Int32
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			// Persistence first: once the row is completed the entry must
			// already be gone from the active set.
			stored, err := h.repo.GetByID(ctx, rec.ID)
			completed := err == nil && stored != nil && stored.Status == models.RecordingStatusCompleted
			for _, st := range h.manager.Status() {
				if st.RecordingID == rec.ID && completed {
					overlaps.Add(1)
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = h.manager.StopByID(ctx, rec.ID)
	require.NoError(t, err)
	<-done
	assert.Zero(t, overlaps.Load())
}

func TestSegmentGlob(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"/r/cam/2026/03/02/101500_ID_%05d.ts", "/r/cam/2026/03/02/101500_ID_*.ts"},
		{"/r/seg-%d.ts", "/r/seg-*.ts"},
		{"/r/100%%d/seg-%05d.ts", "/r/100%d/seg-*.ts"},
		{"/r/50%%/seg-%d.ts", "/r/50%/seg-*.ts"},
		{"/r/trailing%", "/r/trailing%"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, segmentGlob(tt.pattern), tt.pattern)
	}
}

func TestManager_SegmentPatternEscapesVerbs(t *testing.T) {
	m := NewManager(nil, nil, Config{RecordingsDir: "/r/100%d"})
	id := models.NewULID()
	at := time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)

	pattern := m.segmentPattern("cam-01", id, at)

	want := fmt.Sprintf("/r/100%%d/cam-01/2026/03/02/101500_%s_00000.ts", id)
	assert.Equal(t, want, fmt.Sprintf(pattern, 0))
	assert.Equal(t, fmt.Sprintf("/r/100%%d/cam-01/2026/03/02/101500_%s_*.ts", id), segmentGlob(pattern))
}

// describeOnly is a Fanout serving a fixed stream description. Attaching a
// branch fails the test.
type describeOnly struct {
	t    *testing.T
	info fanout.StreamInfo
}

func (f *describeOnly) Describe(string) (fanout.StreamInfo, error) { return f.info, nil }

func (f *describeOnly) StreamAccess(id string) (media.Graph, media.Element, error) {
	return nil, nil, fmt.Errorf("stream %s: %w", id, fanout.ErrNotFound)
}

func (f *describeOnly) AddBranch(context.Context, string, fanout.BranchConfig) (string, error) {
	f.t.Error("branch attached for an unsafe camera id")
	return "", errors.New("unexpected")
}

func (f *describeOnly) RemoveBranch(context.Context, string, string) error { return nil }

func TestManager_StartRejectsUnsafeCameraID(t *testing.T) {
	for _, cameraID := range []string{"../../escaped", "a/b", "cam%d", ".hidden"} {
		t.Run(cameraID, func(t *testing.T) {
			dir := t.TempDir()
			fo := &describeOnly{t: t, info: fanout.StreamInfo{
				ID:     "porch",
				Source: media.SourceDescriptor{Kind: media.SourceTest, CameraID: cameraID},
			}}
			repo := &countingRepo{RecordingRepository: repository.NewRecordingRepository(setupTestDB(t))}
			m := NewManager(fo, repo, Config{RecordingsDir: filepath.Join(dir, "recordings")})

			_, err := m.StartManual(context.Background(), "porch")
			require.ErrorIs(t, err, media.ErrInvalidSource)
			assert.Zero(t, repo.creates.Load())
			assert.False(t, m.IsActive(EventKey(models.EventKindManual, "porch")))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries, "nothing may be created for an unsafe camera id")
		})
	}
}

func TestManager_RemoveStreamFinalisesRecordings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	manual, err := h.manager.StartManual(ctx, h.streamID)
	require.NoError(t, err)
	motion, err := h.manager.StartEvent(ctx, h.streamID, models.EventKindMotion)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, h.registry.RemoveStream(ctx, h.streamID))

	assert.Empty(t, h.manager.Status())
	assert.Zero(t, h.manager.ActiveCount())
	assert.EqualValues(t, 2, h.repo.updates.Load())

	for _, id := range []models.ULID{manual.ID, motion.ID} {
		stored, err := h.repo.GetByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, models.RecordingStatusFailed, stored.Status)
		assert.Equal(t, "stream removed", stored.ErrorMessage)
		assert.NotNil(t, stored.EndTime)
	}

	_, err = h.manager.StopByID(ctx, manual.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// The same stream id comes back and records again.
	_, err = h.registry.AddStreamWithID(ctx, h.streamID, media.SourceDescriptor{Kind: media.SourceTest, CameraID: "cam-porch"})
	require.NoError(t, err)
	again, err := h.manager.StartManual(ctx, h.streamID)
	require.NoError(t, err)
	assert.NotEqual(t, manual.ID, again.ID)
	assert.Len(t, h.manager.Status(), 1)
}

func TestSegmentStats(t *testing.T) {
	dir := t.TempDir()
	for i, size := range []int{10, 20, 30} {
		name := filepath.Join(dir, "rec_0000"+string(rune('0'+i))+".ts")
		require.NoError(t, os.WriteFile(name, make([]byte, size), 0o644))
	}
	total, n, err := segmentStats(filepath.Join(dir, "rec_%05d.ts"))
	require.NoError(t, err)
	assert.Equal(t, int64(60), total)
	assert.Equal(t, 3, n)

	total, n, err = segmentStats(filepath.Join(dir, "missing_%05d.ts"))
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Zero(t, n)
}
