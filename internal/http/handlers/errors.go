package handlers

import (
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/argus/internal/fanout"
	"github.com/jmylchreest/argus/internal/media"
	"github.com/jmylchreest/argus/internal/models"
	"github.com/jmylchreest/argus/internal/recording"
)

// apiError maps engine errors onto HTTP statuses.
func apiError(msg string, err error) error {
	var verr models.ErrValidation
	switch {
	case errors.Is(err, fanout.ErrNotFound), errors.Is(err, recording.ErrNotFound):
		return huma.Error404NotFound(msg, err)
	case errors.Is(err, recording.ErrAlreadyActive), errors.Is(err, fanout.ErrAlreadyExists):
		return huma.Error409Conflict(msg, err)
	case errors.Is(err, media.ErrInvalidSource),
		errors.Is(err, models.ErrInvalidEventKind),
		errors.As(err, &verr),
		isModelValidation(err):
		return huma.Error422UnprocessableEntity(msg, err)
	default:
		return huma.Error500InternalServerError(msg, err)
	}
}

var modelValidationErrors = []error{
	models.ErrCameraIDRequired,
	models.ErrStreamIDRequired,
	models.ErrNameRequired,
	models.ErrNoWeekdays,
	models.ErrInvalidTimeOfDay,
	models.ErrInvalidTimeRange,
	models.ErrInvalidStatus,
}

func isModelValidation(err error) bool {
	for _, target := range modelValidationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
