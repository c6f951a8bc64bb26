package migrations

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/argus/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db
}

func newMigrator(db *gorm.DB) *Migrator {
	m := NewMigrator(db, nil)
	m.RegisterAll(AllMigrations())
	return m
}

func TestAllMigrations_VersionsAreUniqueAndOrdered(t *testing.T) {
	migrations := AllMigrations()
	require.NotEmpty(t, migrations)

	seen := make(map[string]bool)
	for i, m := range migrations {
		assert.False(t, seen[m.Version], "duplicate version: %s", m.Version)
		seen[m.Version] = true
		assert.NotNil(t, m.Down, "migration %s should support rollback", m.Version)
		if i > 0 {
			assert.Less(t, migrations[i-1].Version, m.Version)
		}
	}
}

func TestMigrator_Up(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, newMigrator(db).Up(ctx))

	assert.True(t, db.Migrator().HasTable("recordings"))
	assert.True(t, db.Migrator().HasTable("recording_schedules"))
	assert.True(t, db.Migrator().HasIndex("recordings", retentionIndex))
}

func TestMigrator_Up_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := newMigrator(db)

	require.NoError(t, m.Up(ctx))
	require.NoError(t, m.Up(ctx))

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMigrator_StatusAndPending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := newMigrator(db)

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, len(AllMigrations()))

	require.NoError(t, m.Up(ctx))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, len(AllMigrations()))
	for _, s := range statuses {
		assert.True(t, s.Applied)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrator_Down(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := newMigrator(db)

	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasIndex("recordings", retentionIndex))
	assert.True(t, db.Migrator().HasTable("recordings"))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasTable("recordings"))
	assert.False(t, db.Migrator().HasTable("recording_schedules"))

	// Nothing left to roll back.
	require.NoError(t, m.Down(ctx))
}

func TestMigrations_CanInsertData(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, newMigrator(db).Up(ctx))

	schedule := &models.RecordingSchedule{
		CameraID:  "cam-01",
		StreamID:  "front-door",
		Name:      "night watch",
		Weekdays:  models.AllWeekdays,
		StartTime: "22:00",
		EndTime:   "06:00",
	}
	require.NoError(t, db.Create(schedule).Error)

	recording := &models.Recording{
		CameraID:   "cam-01",
		StreamID:   "front-door",
		ScheduleID: models.ULIDPtr(schedule.ID),
		StartTime:  time.Now(),
		EventKind:  models.EventKindContinuous,
		Status:     models.RecordingStatusActive,
		Metadata:   map[string]string{"trigger": "schedule"},
	}
	require.NoError(t, db.Create(recording).Error)

	var loaded models.Recording
	require.NoError(t, db.First(&loaded, "id = ?", recording.ID).Error)
	require.NotNil(t, loaded.ScheduleID)
	assert.Equal(t, schedule.ID, *loaded.ScheduleID)
	assert.Equal(t, "schedule", loaded.Metadata["trigger"])
}
