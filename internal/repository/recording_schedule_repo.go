package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/argus/internal/models"
)

// recordingScheduleRepo implements RecordingScheduleRepository using GORM.
type recordingScheduleRepo struct {
	db *gorm.DB
}

// NewRecordingScheduleRepository creates a new RecordingScheduleRepository.
func NewRecordingScheduleRepository(db *gorm.DB) *recordingScheduleRepo {
	return &recordingScheduleRepo{db: db}
}

// Create creates a new schedule.
func (r *recordingScheduleRepo) Create(ctx context.Context, schedule *models.RecordingSchedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("creating recording schedule: %w", err)
	}
	return nil
}

// GetByID retrieves a schedule by ID.
func (r *recordingScheduleRepo) GetByID(ctx context.Context, id models.ULID) (*models.RecordingSchedule, error) {
	var schedule models.RecordingSchedule
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&schedule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting recording schedule by ID: %w", err)
	}
	return &schedule, nil
}

// GetAll retrieves all schedules.
func (r *recordingScheduleRepo) GetAll(ctx context.Context) ([]*models.RecordingSchedule, error) {
	var schedules []*models.RecordingSchedule
	if err := r.db.WithContext(ctx).Order("camera_id ASC, name ASC").Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("getting all recording schedules: %w", err)
	}
	return schedules, nil
}

// GetAllWithDeleted retrieves all schedules including soft-deleted ones.
func (r *recordingScheduleRepo) GetAllWithDeleted(ctx context.Context) ([]*models.RecordingSchedule, error) {
	var schedules []*models.RecordingSchedule
	if err := r.db.WithContext(ctx).Unscoped().Order("camera_id ASC, name ASC").Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("getting recording schedules with deleted: %w", err)
	}
	return schedules, nil
}

// GetEnabled retrieves all enabled schedules.
func (r *recordingScheduleRepo) GetEnabled(ctx context.Context) ([]*models.RecordingSchedule, error) {
	var schedules []*models.RecordingSchedule
	if err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("camera_id ASC, name ASC").Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("getting enabled recording schedules: %w", err)
	}
	return schedules, nil
}

// ActiveAt retrieves enabled schedules whose window contains t. Windows are
// evaluated in Go since the wrap-past-midnight rule is not portable SQL.
func (r *recordingScheduleRepo) ActiveAt(ctx context.Context, t time.Time) ([]*models.RecordingSchedule, error) {
	enabled, err := r.GetEnabled(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.RecordingSchedule, 0, len(enabled))
	for _, s := range enabled {
		if s.Contains(t) {
			active = append(active, s)
		}
	}
	return active, nil
}

// Update updates an existing schedule.
func (r *recordingScheduleRepo) Update(ctx context.Context, schedule *models.RecordingSchedule) error {
	if err := r.db.WithContext(ctx).Save(schedule).Error; err != nil {
		return fmt.Errorf("updating recording schedule: %w", err)
	}
	return nil
}

// Delete deletes a schedule by ID.
func (r *recordingScheduleRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.RecordingSchedule{}).Error; err != nil {
		return fmt.Errorf("deleting recording schedule: %w", err)
	}
	return nil
}
