package models

import (
	"time"

	"gorm.io/gorm"
)

// RecordingStatus represents the lifecycle state of a recording.
type RecordingStatus string

const (
	// RecordingStatusPending indicates the branch is being built.
	RecordingStatusPending RecordingStatus = "pending"
	// RecordingStatusActive indicates segments are being written.
	RecordingStatusActive RecordingStatus = "active"
	// RecordingStatusStopping indicates the branch is draining.
	RecordingStatusStopping RecordingStatus = "stopping"
	// RecordingStatusCompleted indicates the recording was finalised.
	RecordingStatusCompleted RecordingStatus = "completed"
	// RecordingStatusFailed indicates the recording ended in error.
	RecordingStatusFailed RecordingStatus = "failed"
)

// Valid reports whether s is a known status.
func (s RecordingStatus) Valid() bool {
	switch s {
	case RecordingStatusPending, RecordingStatusActive, RecordingStatusStopping,
		RecordingStatusCompleted, RecordingStatusFailed:
		return true
	}
	return false
}

// EventKind is what triggered a recording.
type EventKind string

const (
	EventKindContinuous EventKind = "continuous"
	EventKindMotion     EventKind = "motion"
	EventKindAudio      EventKind = "audio"
	EventKindExternal   EventKind = "external"
	EventKindManual     EventKind = "manual"
	EventKindAnalytics  EventKind = "analytics"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindContinuous, EventKindMotion, EventKindAudio,
		EventKindExternal, EventKindManual, EventKindAnalytics:
		return true
	}
	return false
}

// Recording is one contiguous capture of a stream into segment files.
type Recording struct {
	BaseModel

	CameraID string `gorm:"not null;size:100;index" json:"camera_id"`
	StreamID string `gorm:"not null;size:100;index" json:"stream_id"`

	// ScheduleID is set for schedule-triggered recordings, nil otherwise.
	ScheduleID *ULID `gorm:"type:varchar(26);index" json:"schedule_id,omitempty"`

	// BranchID identifies the fanout branch that fed this recording.
	BranchID string `gorm:"size:64" json:"branch_id,omitempty"`

	StartTime time.Time  `gorm:"not null;index" json:"start_time"`
	EndTime   *time.Time `gorm:"index" json:"end_time,omitempty"`

	// FilePath is the first segment file. SegmentPattern is the printf
	// pattern every segment was written with.
	FilePath       string `gorm:"size:1024" json:"file_path"`
	SegmentPattern string `gorm:"size:1024" json:"segment_pattern,omitempty"`
	SegmentCount   int    `gorm:"default:0" json:"segment_count"`

	// FileSize is the total size in bytes of all segments.
	FileSize int64 `gorm:"default:0" json:"file_size"`
	// Duration is the wall-clock length in seconds.
	Duration float64 `gorm:"default:0" json:"duration"`

	Format     string  `gorm:"size:20" json:"format"`
	Resolution string  `gorm:"size:20" json:"resolution,omitempty"`
	FrameRate  float64 `json:"frame_rate,omitempty"`

	EventKind EventKind         `gorm:"not null;size:20;index" json:"event_kind"`
	Metadata  map[string]string `gorm:"type:text;serializer:json" json:"metadata,omitempty"`

	Status       RecordingStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`
	ErrorMessage string          `gorm:"size:4096" json:"error_message,omitempty"`

	// ParentID links a recording to the one it continues.
	ParentID *ULID `gorm:"type:varchar(26);index" json:"parent_id,omitempty"`
}

// TableName returns the table name for Recording.
func (Recording) TableName() string {
	return "recordings"
}

// IsActive returns true while the recording has not been finalised.
func (r *Recording) IsActive() bool {
	return r.Status == RecordingStatusPending || r.Status == RecordingStatusActive ||
		r.Status == RecordingStatusStopping
}

// IsFinished returns true once the recording reached a terminal state.
func (r *Recording) IsFinished() bool {
	return r.Status == RecordingStatusCompleted || r.Status == RecordingStatusFailed
}

// IsScheduled returns true for schedule-triggered recordings.
func (r *Recording) IsScheduled() bool {
	return r.ScheduleID != nil && !r.ScheduleID.IsZero()
}

// Finish records the end of the recording with its final status.
func (r *Recording) Finish(end time.Time, status RecordingStatus, errMsg string) {
	r.EndTime = &end
	r.Duration = end.Sub(r.StartTime).Seconds()
	if r.Duration < 0 {
		r.Duration = 0
	}
	r.Status = status
	r.ErrorMessage = errMsg
}

// Validate performs basic validation on the recording.
func (r *Recording) Validate() error {
	if r.CameraID == "" {
		return ErrCameraIDRequired
	}
	if r.StreamID == "" {
		return ErrStreamIDRequired
	}
	if r.StartTime.IsZero() {
		return ErrStartTimeRequired
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		return ErrInvalidTimeRange
	}
	if !r.EventKind.Valid() {
		return ErrInvalidEventKind
	}
	if !r.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the recording and generates ULID.
func (r *Recording) BeforeCreate(tx *gorm.DB) error {
	if err := r.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return r.Validate()
}

// BeforeUpdate is a GORM hook that validates the recording before update.
func (r *Recording) BeforeUpdate(_ *gorm.DB) error {
	return r.Validate()
}
