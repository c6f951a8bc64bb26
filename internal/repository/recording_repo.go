package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/argus/internal/models"
)

// recordingRepo implements RecordingRepository using GORM.
type recordingRepo struct {
	db *gorm.DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *gorm.DB) *recordingRepo {
	return &recordingRepo{db: db}
}

// Create creates a new recording.
func (r *recordingRepo) Create(ctx context.Context, recording *models.Recording) error {
	if err := r.db.WithContext(ctx).Create(recording).Error; err != nil {
		return fmt.Errorf("creating recording: %w", err)
	}
	return nil
}

// GetByID retrieves a recording by ID.
func (r *recordingRepo) GetByID(ctx context.Context, id models.ULID) (*models.Recording, error) {
	var recording models.Recording
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&recording).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting recording by ID: %w", err)
	}
	return &recording, nil
}

// Update updates an existing recording.
func (r *recordingRepo) Update(ctx context.Context, recording *models.Recording) error {
	if err := r.db.WithContext(ctx).Save(recording).Error; err != nil {
		return fmt.Errorf("updating recording: %w", err)
	}
	return nil
}

// Search returns recordings matching the query.
func (r *recordingRepo) Search(ctx context.Context, q RecordingQuery) ([]*models.Recording, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.Recording{})

	if len(q.CameraIDs) > 0 {
		query = query.Where("camera_id IN ?", q.CameraIDs)
	}
	if len(q.StreamIDs) > 0 {
		query = query.Where("stream_id IN ?", q.StreamIDs)
	}
	if len(q.EventKinds) > 0 {
		query = query.Where("event_kind IN ?", q.EventKinds)
	}
	if len(q.Statuses) > 0 {
		query = query.Where("status IN ?", q.Statuses)
	}
	if q.ScheduleID != nil {
		query = query.Where("schedule_id = ?", *q.ScheduleID)
	}
	if q.ParentID != nil {
		query = query.Where("parent_id = ?", *q.ParentID)
	}
	if q.From != nil {
		query = query.Where("start_time >= ?", *q.From)
	}
	if q.To != nil {
		query = query.Where("start_time < ?", *q.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting recordings: %w", err)
	}

	query = query.Order("start_time DESC")
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}

	var recordings []*models.Recording
	if err := query.Find(&recordings).Error; err != nil {
		return nil, 0, fmt.Errorf("searching recordings: %w", err)
	}
	return recordings, total, nil
}

// Delete permanently deletes a recording by ID.
func (r *recordingRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&models.Recording{}).Error; err != nil {
		return fmt.Errorf("deleting recording: %w", err)
	}
	return nil
}

// ListExpired returns finished recordings that ended before the given time.
func (r *recordingRepo) ListExpired(ctx context.Context, scheduleID *models.ULID, before time.Time, limit int) ([]*models.Recording, error) {
	query := r.db.WithContext(ctx).
		Where("status IN ?", []models.RecordingStatus{models.RecordingStatusCompleted, models.RecordingStatusFailed}).
		Where("end_time IS NOT NULL AND end_time < ?", before)

	if scheduleID != nil {
		query = query.Where("schedule_id = ?", *scheduleID)
	} else {
		query = query.Where("schedule_id IS NULL")
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var recordings []*models.Recording
	if err := query.Order("end_time ASC").Find(&recordings).Error; err != nil {
		return nil, fmt.Errorf("listing expired recordings: %w", err)
	}
	return recordings, nil
}

// MarkInterrupted fails recordings that never reached a terminal state.
func (r *recordingRepo) MarkInterrupted(ctx context.Context, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Session(&gorm.Session{SkipHooks: true}).Model(&models.Recording{}).
		Where("status IN ?", []models.RecordingStatus{
			models.RecordingStatusPending, models.RecordingStatusActive, models.RecordingStatusStopping,
		}).
		Updates(map[string]any{
			"status":        models.RecordingStatusFailed,
			"end_time":      at,
			"error_message": "interrupted by restart",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("marking interrupted recordings: %w", result.Error)
	}
	return result.RowsAffected, nil
}
