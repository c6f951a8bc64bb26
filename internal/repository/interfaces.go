// Package repository defines data access interfaces for argus entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/jmylchreest/argus/internal/models"
)

// RecordingQuery filters a recording search. Zero-valued fields do not filter.
type RecordingQuery struct {
	CameraIDs  []string
	StreamIDs  []string
	EventKinds []models.EventKind
	Statuses   []models.RecordingStatus
	ScheduleID *models.ULID
	ParentID   *models.ULID
	// From and To bound StartTime, inclusive of From and exclusive of To.
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// RecordingRepository defines operations for recording persistence.
type RecordingRepository interface {
	// Create creates a new recording.
	Create(ctx context.Context, recording *models.Recording) error
	// GetByID retrieves a recording by ID. Returns nil, nil if not found.
	GetByID(ctx context.Context, id models.ULID) (*models.Recording, error)
	// Update updates an existing recording.
	Update(ctx context.Context, recording *models.Recording) error
	// Search returns recordings matching the query, newest first, with the
	// total count ignoring limit/offset.
	Search(ctx context.Context, query RecordingQuery) ([]*models.Recording, int64, error)
	// Delete permanently deletes a recording by ID.
	Delete(ctx context.Context, id models.ULID) error
	// ListExpired returns finished recordings that ended before the given
	// time. A nil scheduleID selects recordings without a schedule.
	ListExpired(ctx context.Context, scheduleID *models.ULID, before time.Time, limit int) ([]*models.Recording, error)
	// MarkInterrupted fails recordings left unfinished by a previous process.
	MarkInterrupted(ctx context.Context, at time.Time) (int64, error)
}

// RecordingScheduleRepository defines operations for schedule persistence.
type RecordingScheduleRepository interface {
	// Create creates a new schedule.
	Create(ctx context.Context, schedule *models.RecordingSchedule) error
	// GetByID retrieves a schedule by ID. Returns nil, nil if not found.
	GetByID(ctx context.Context, id models.ULID) (*models.RecordingSchedule, error)
	// GetAll retrieves all schedules.
	GetAll(ctx context.Context) ([]*models.RecordingSchedule, error)
	// GetAllWithDeleted retrieves all schedules including soft-deleted ones,
	// so retention can still apply their policy to orphaned recordings.
	GetAllWithDeleted(ctx context.Context) ([]*models.RecordingSchedule, error)
	// GetEnabled retrieves all enabled schedules.
	GetEnabled(ctx context.Context) ([]*models.RecordingSchedule, error)
	// ActiveAt retrieves enabled schedules whose window contains t.
	ActiveAt(ctx context.Context, t time.Time) ([]*models.RecordingSchedule, error)
	// Update updates an existing schedule.
	Update(ctx context.Context, schedule *models.RecordingSchedule) error
	// Delete deletes a schedule by ID.
	Delete(ctx context.Context, id models.ULID) error
}
