package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrCameraIDRequired indicates a required camera ID field is empty.
	ErrCameraIDRequired = errors.New("camera_id is required")

	// ErrStreamIDRequired indicates a required stream ID field is empty.
	ErrStreamIDRequired = errors.New("stream_id is required")

	// ErrNameRequired indicates a required name field is empty.
	ErrNameRequired = errors.New("name is required")

	// ErrStartTimeRequired indicates a required start time field is empty.
	ErrStartTimeRequired = errors.New("start time is required")

	// ErrInvalidTimeOfDay indicates a time-of-day that is not HH:MM.
	ErrInvalidTimeOfDay = errors.New("time of day must be HH:MM")

	// ErrNoWeekdays indicates a schedule that never fires.
	ErrNoWeekdays = errors.New("at least one weekday is required")

	// ErrInvalidTimeRange indicates end time is before start time.
	ErrInvalidTimeRange = errors.New("end time must be after start time")

	// ErrInvalidEventKind indicates an unknown recording trigger kind.
	ErrInvalidEventKind = errors.New("invalid event kind")

	// ErrInvalidStatus indicates an unknown recording status.
	ErrInvalidStatus = errors.New("invalid recording status")
)
