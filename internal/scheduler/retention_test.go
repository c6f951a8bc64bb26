package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

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

// finishedRecording creates a completed recording with two segment files on
// disk that ended at end.
func finishedRecording(t *testing.T, repo repository.RecordingRepository, dir string, scheduleID *models.ULID, end time.Time) *models.Recording {
	t.Helper()

	id := models.NewULIDAt(end.Add(-time.Hour))
	pattern := filepath.Join(dir, fmt.Sprintf("%s_%%05d.ts", id))
	for i := 0; i < 2; i++ {
		require.NoError(t, os.WriteFile(fmt.Sprintf(pattern, i), []byte("segment"), 0o600))
	}

	rec := &models.Recording{
		CameraID:       "cam-porch",
		StreamID:       "porch",
		ScheduleID:     scheduleID,
		StartTime:      end.Add(-time.Hour),
		FilePath:       fmt.Sprintf(pattern, 0),
		SegmentPattern: pattern,
		SegmentCount:   2,
		EventKind:      models.EventKindContinuous,
		Status:         models.RecordingStatusCompleted,
	}
	rec.ID = id
	rec.Finish(end, models.RecordingStatusCompleted, "")
	require.NoError(t, repo.Create(context.Background(), rec))
	return rec
}

func segmentCount(t *testing.T, rec *models.Recording) int {
	t.Helper()
	matches, err := filepath.Glob(rec.SegmentPattern[:len(rec.SegmentPattern)-len("%05d.ts")] + "*.ts")
	require.NoError(t, err)
	return len(matches)
}

func TestRetentionSweeper_Sweep(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	recordings := repository.NewRecordingRepository(db)
	schedules := repository.NewRecordingScheduleRepository(db)
	dir := t.TempDir()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)

	weekly := &models.RecordingSchedule{
		CameraID: "cam-porch", StreamID: "porch", Name: "weekly",
		Weekdays: models.AllWeekdays, StartTime: "00:00", EndTime: "00:00",
		RetentionDays: 7,
	}
	require.NoError(t, schedules.Create(ctx, weekly))
	defaulted := &models.RecordingSchedule{
		CameraID: "cam-porch", StreamID: "porch", Name: "defaulted",
		Weekdays: models.AllWeekdays, StartTime: "00:00", EndTime: "00:00",
	}
	require.NoError(t, schedules.Create(ctx, defaulted))

	weeklyID, defaultedID := weekly.ID, defaulted.ID

	oldWeekly := finishedRecording(t, recordings, dir, &weeklyID, now.Add(-8*24*time.Hour))
	freshWeekly := finishedRecording(t, recordings, dir, &weeklyID, now.Add(-6*24*time.Hour))
	oldDefaulted := finishedRecording(t, recordings, dir, &defaultedID, now.Add(-31*24*time.Hour))
	freshDefaulted := finishedRecording(t, recordings, dir, &defaultedID, now.Add(-8*24*time.Hour))
	oldManual := finishedRecording(t, recordings, dir, nil, now.Add(-31*24*time.Hour))

	active := &models.Recording{
		CameraID: "cam-porch", StreamID: "porch", ScheduleID: &weeklyID,
		StartTime: now.Add(-30 * 24 * time.Hour),
		EventKind: models.EventKindContinuous, Status: models.RecordingStatusActive,
	}
	require.NoError(t, recordings.Create(ctx, active))

	sweeper := NewRetentionSweeper(recordings, schedules, RetentionConfig{
		DefaultAge: 30 * 24 * time.Hour,
	}).WithClock(func() time.Time { return now })

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, rec := range []*models.Recording{oldWeekly, oldDefaulted, oldManual} {
		got, err := recordings.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Nil(t, got, "recording %s should be removed", rec.ID)
		assert.Zero(t, segmentCount(t, rec))
	}
	for _, rec := range []*models.Recording{freshWeekly, freshDefaulted, active} {
		got, err := recordings.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.NotNil(t, got, "recording %s should be kept", rec.ID)
	}
	assert.Equal(t, 2, segmentCount(t, freshWeekly))

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetentionSweeper_DeletedScheduleKeepsPolicy(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	recordings := repository.NewRecordingRepository(db)
	schedules := repository.NewRecordingScheduleRepository(db)
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)

	sched := &models.RecordingSchedule{
		CameraID: "cam-porch", StreamID: "porch", Name: "short",
		Weekdays: models.AllWeekdays, StartTime: "00:00", EndTime: "00:00",
		RetentionDays: 1,
	}
	require.NoError(t, schedules.Create(ctx, sched))
	id := sched.ID
	rec := finishedRecording(t, recordings, t.TempDir(), &id, now.Add(-2*24*time.Hour))
	require.NoError(t, schedules.Delete(ctx, sched.ID))

	sweeper := NewRetentionSweeper(recordings, schedules, RetentionConfig{
		DefaultAge: 30 * 24 * time.Hour,
	}).WithClock(func() time.Time { return now })

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := recordings.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetentionSweeper_StartStop(t *testing.T) {
	db := setupTestDB(t)
	sweeper := NewRetentionSweeper(
		repository.NewRecordingRepository(db),
		repository.NewRecordingScheduleRepository(db),
		RetentionConfig{Cron: "@every 1h"},
	)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.Error(t, sweeper.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sweeper.Stop(ctx)
	sweeper.Stop(ctx)
}

func TestValidateCron(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 30 3 * * *", false},
		{"@daily", false},
		{"30 3 * * *", true},
		{"not a cron", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := ValidateCron(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
