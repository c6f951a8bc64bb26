package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/argus/internal/models"
	"github.com/jmylchreest/argus/internal/repository"
)

// ScheduleHandler handles recording schedule API endpoints.
type ScheduleHandler struct {
	repo      repository.RecordingScheduleRepository
	reconcile func(context.Context)
}

// NewScheduleHandler creates a new schedule handler.
func NewScheduleHandler(repo repository.RecordingScheduleRepository) *ScheduleHandler {
	return &ScheduleHandler{repo: repo}
}

// WithReconcile sets a hook run after every schedule change so recordings
// follow the new windows without waiting for the next tick.
func (h *ScheduleHandler) WithReconcile(fn func(context.Context)) *ScheduleHandler {
	h.reconcile = fn
	return h
}

// Register registers the schedule routes with the API.
func (h *ScheduleHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSchedules",
		Method:      http.MethodGet,
		Path:        "/api/v1/schedules",
		Summary:     "List schedules",
		Tags:        []string{"Schedules"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "createSchedule",
		Method:        http.MethodPost,
		Path:          "/api/v1/schedules",
		Summary:       "Create schedule",
		Description:   "Creates a weekly recording window for a stream",
		Tags:          []string{"Schedules"},
		DefaultStatus: http.StatusCreated,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "getSchedule",
		Method:      http.MethodGet,
		Path:        "/api/v1/schedules/{id}",
		Summary:     "Get schedule",
		Tags:        []string{"Schedules"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "updateSchedule",
		Method:      http.MethodPut,
		Path:        "/api/v1/schedules/{id}",
		Summary:     "Update schedule",
		Tags:        []string{"Schedules"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteSchedule",
		Method:        http.MethodDelete,
		Path:          "/api/v1/schedules/{id}",
		Summary:       "Delete schedule",
		Description:   "Deletes a schedule. Its active recording stops on the next reconciliation",
		Tags:          []string{"Schedules"},
		DefaultStatus: http.StatusNoContent,
	}, h.Delete)
}

// ScheduleRequest is the writable part of a schedule.
type ScheduleRequest struct {
	CameraID      string `json:"camera_id" minLength:"1" maxLength:"100"`
	StreamID      string `json:"stream_id" minLength:"1" maxLength:"100"`
	Name          string `json:"name" minLength:"1" maxLength:"255"`
	Enabled       *bool  `json:"enabled,omitempty" doc:"Defaults to true"`
	Weekdays      string `json:"weekdays" doc:"Comma separated days (mon,tue), or all / weekdays" example:"mon,tue,wed,thu,fri"`
	StartTime     string `json:"start_time" pattern:"^\\d{2}:\\d{2}$" doc:"Local time of day HH:MM" example:"22:00"`
	EndTime       string `json:"end_time" pattern:"^\\d{2}:\\d{2}$" doc:"Local time of day HH:MM. Before start_time wraps past midnight" example:"06:00"`
	RetentionDays int    `json:"retention_days,omitempty" minimum:"0" doc:"0 uses the configured default"`
}

func (r *ScheduleRequest) apply(s *models.RecordingSchedule) error {
	days, err := models.ParseWeekdays(r.Weekdays)
	if err != nil {
		return models.ErrValidation{Field: "weekdays", Message: err.Error()}
	}
	s.CameraID = r.CameraID
	s.StreamID = r.StreamID
	s.Name = r.Name
	s.Enabled = r.Enabled
	if s.Enabled == nil {
		s.Enabled = models.BoolPtr(true)
	}
	s.Weekdays = days
	s.StartTime = r.StartTime
	s.EndTime = r.EndTime
	s.RetentionDays = r.RetentionDays
	return s.Validate()
}

// ScheduleResponse is a schedule in API responses.
type ScheduleResponse struct {
	ID            models.ULID `json:"id"`
	CameraID      string      `json:"camera_id"`
	StreamID      string      `json:"stream_id"`
	Name          string      `json:"name"`
	Enabled       bool        `json:"enabled"`
	Weekdays      string      `json:"weekdays"`
	StartTime     string      `json:"start_time"`
	EndTime       string      `json:"end_time"`
	RetentionDays int         `json:"retention_days"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ScheduleFromModel converts a model to a response.
func ScheduleFromModel(s *models.RecordingSchedule) ScheduleResponse {
	return ScheduleResponse{
		ID:            s.ID,
		CameraID:      s.CameraID,
		StreamID:      s.StreamID,
		Name:          s.Name,
		Enabled:       s.IsEnabled(),
		Weekdays:      s.Weekdays.String(),
		StartTime:     s.StartTime,
		EndTime:       s.EndTime,
		RetentionDays: s.RetentionDays,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// ListSchedulesInput is the input for listing schedules.
type ListSchedulesInput struct {
	StreamID string `query:"stream_id" doc:"Only schedules of this stream"`
}

// ListSchedulesOutput is the output for listing schedules.
type ListSchedulesOutput struct {
	Body struct {
		Schedules []ScheduleResponse `json:"schedules"`
	}
}

// List returns all schedules.
func (h *ScheduleHandler) List(ctx context.Context, input *ListSchedulesInput) (*ListSchedulesOutput, error) {
	schedules, err := h.repo.GetAll(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list schedules", err)
	}

	resp := &ListSchedulesOutput{}
	resp.Body.Schedules = make([]ScheduleResponse, 0, len(schedules))
	for _, s := range schedules {
		if input.StreamID != "" && s.StreamID != input.StreamID {
			continue
		}
		resp.Body.Schedules = append(resp.Body.Schedules, ScheduleFromModel(s))
	}
	return resp, nil
}

// CreateScheduleInput is the input for creating a schedule.
type CreateScheduleInput struct {
	Body ScheduleRequest
}

// ScheduleOutput wraps a single schedule.
type ScheduleOutput struct {
	Body ScheduleResponse
}

// Create stores a new schedule.
func (h *ScheduleHandler) Create(ctx context.Context, input *CreateScheduleInput) (*ScheduleOutput, error) {
	s := &models.RecordingSchedule{}
	if err := input.Body.apply(s); err != nil {
		return nil, apiError("invalid schedule", err)
	}
	if err := h.repo.Create(ctx, s); err != nil {
		return nil, apiError("failed to create schedule", err)
	}
	h.changed(ctx)
	return &ScheduleOutput{Body: ScheduleFromModel(s)}, nil
}

// ScheduleIDInput identifies a schedule.
type ScheduleIDInput struct {
	ID string `path:"id" doc:"Schedule ID (ULID)"`
}

func (h *ScheduleHandler) load(ctx context.Context, rawID string) (*models.RecordingSchedule, error) {
	id, err := models.ParseULID(rawID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	s, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get schedule", err)
	}
	if s == nil {
		return nil, huma.Error404NotFound("schedule not found")
	}
	return s, nil
}

// Get returns one schedule.
func (h *ScheduleHandler) Get(ctx context.Context, input *ScheduleIDInput) (*ScheduleOutput, error) {
	s, err := h.load(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	return &ScheduleOutput{Body: ScheduleFromModel(s)}, nil
}

// UpdateScheduleInput is the input for updating a schedule.
type UpdateScheduleInput struct {
	ID   string `path:"id" doc:"Schedule ID (ULID)"`
	Body ScheduleRequest
}

// Update replaces a schedule's settings.
func (h *ScheduleHandler) Update(ctx context.Context, input *UpdateScheduleInput) (*ScheduleOutput, error) {
	s, err := h.load(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if err := input.Body.apply(s); err != nil {
		return nil, apiError("invalid schedule", err)
	}
	if err := h.repo.Update(ctx, s); err != nil {
		return nil, apiError("failed to update schedule", err)
	}
	h.changed(ctx)
	return &ScheduleOutput{Body: ScheduleFromModel(s)}, nil
}

// Delete removes a schedule.
func (h *ScheduleHandler) Delete(ctx context.Context, input *ScheduleIDInput) (*struct{}, error) {
	s, err := h.load(ctx, input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.repo.Delete(ctx, s.ID); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete schedule", err)
	}
	h.changed(ctx)
	return nil, nil
}

func (h *ScheduleHandler) changed(ctx context.Context) {
	if h.reconcile != nil {
		h.reconcile(context.WithoutCancel(ctx))
	}
}
