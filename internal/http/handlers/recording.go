package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/argus/internal/models"
	"github.com/jmylchreest/argus/internal/observability"
	"github.com/jmylchreest/argus/internal/recording"
	"github.com/jmylchreest/argus/internal/repository"
	"github.com/jmylchreest/argus/pkg/duration"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// RecordingHandler handles recording API endpoints.
type RecordingHandler struct {
	manager *recording.Manager
	repo    repository.RecordingRepository
}

// NewRecordingHandler creates a new recording handler.
func NewRecordingHandler(manager *recording.Manager, repo repository.RecordingRepository) *RecordingHandler {
	return &RecordingHandler{manager: manager, repo: repo}
}

// Register registers the recording routes with the API.
func (h *RecordingHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "searchRecordings",
		Method:      http.MethodGet,
		Path:        "/api/v1/recordings",
		Summary:     "Search recordings",
		Description: "Returns persisted recordings, newest first",
		Tags:        []string{"Recordings"},
	}, h.Search)

	huma.Register(api, huma.Operation{
		OperationID:   "startRecording",
		Method:        http.MethodPost,
		Path:          "/api/v1/recordings",
		Summary:       "Start recording",
		Description:   "Starts a manual or event-triggered recording of a stream",
		Tags:          []string{"Recordings"},
		DefaultStatus: http.StatusCreated,
	}, h.Start)

	huma.Register(api, huma.Operation{
		OperationID: "getRecordingStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/recordings/status",
		Summary:     "Active recording status",
		Description: "Returns live status of active recordings, optionally filtered by camera or stream",
		Tags:        []string{"Recordings"},
	}, h.Status)

	huma.Register(api, huma.Operation{
		OperationID: "stopEventRecording",
		Method:      http.MethodPost,
		Path:        "/api/v1/recordings/stop",
		Summary:     "Stop event recording",
		Description: "Stops the recording a given event kind started on a stream",
		Tags:        []string{"Recordings"},
	}, h.StopEvent)

	huma.Register(api, huma.Operation{
		OperationID: "getRecording",
		Method:      http.MethodGet,
		Path:        "/api/v1/recordings/{id}",
		Summary:     "Get recording",
		Tags:        []string{"Recordings"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "stopRecording",
		Method:      http.MethodPost,
		Path:        "/api/v1/recordings/{id}/stop",
		Summary:     "Stop recording",
		Description: "Stops an active recording and finalises its segments",
		Tags:        []string{"Recordings"},
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteRecording",
		Method:        http.MethodDelete,
		Path:          "/api/v1/recordings/{id}",
		Summary:       "Delete recording",
		Description:   "Deletes a finished recording and its segment files",
		Tags:          []string{"Recordings"},
		DefaultStatus: http.StatusNoContent,
	}, h.Delete)
}

// SearchRecordingsInput is the input for searching recordings.
type SearchRecordingsInput struct {
	CameraID   string `query:"camera_id" doc:"Comma separated camera IDs"`
	StreamID   string `query:"stream_id" doc:"Comma separated stream IDs"`
	EventKind  string `query:"event_kind" doc:"Comma separated event kinds"`
	Status     string `query:"status" doc:"Comma separated statuses"`
	ScheduleID string `query:"schedule_id" doc:"Schedule ID (ULID)"`
	ParentID   string `query:"parent_id" doc:"Parent recording ID (ULID)"`
	From       string `query:"from" doc:"Earliest start time, RFC3339 or an age such as 2h or 7d"`
	To         string `query:"to" doc:"Latest start time, exclusive, RFC3339 or an age"`
	Limit      int    `query:"limit" minimum:"0" maximum:"500" doc:"Page size (default 50)"`
	Offset     int    `query:"offset" minimum:"0" doc:"Page offset"`
}

// SearchRecordingsOutput is the output for searching recordings.
type SearchRecordingsOutput struct {
	Body struct {
		Recordings []*models.Recording `json:"recordings"`
		Total      int64               `json:"total"`
		Limit      int                 `json:"limit"`
		Offset     int                 `json:"offset"`
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseOptionalULID(field, s string) (*models.ULID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := models.ParseULID(s)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid "+field, err)
	}
	return &id, nil
}

func parseOptionalTime(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	ago, err := duration.Parse(s)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid "+field, err)
	}
	t := time.Now().Add(-ago)
	return &t, nil
}

// Search returns recordings matching the query.
func (h *RecordingHandler) Search(ctx context.Context, input *SearchRecordingsInput) (*SearchRecordingsOutput, error) {
	q := repository.RecordingQuery{
		CameraIDs: splitList(input.CameraID),
		StreamIDs: splitList(input.StreamID),
		Limit:     input.Limit,
		Offset:    input.Offset,
	}
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	if q.Limit > maxSearchLimit {
		q.Limit = maxSearchLimit
	}

	for _, k := range splitList(input.EventKind) {
		kind := models.EventKind(k)
		if !kind.Valid() {
			return nil, huma.Error400BadRequest("invalid event_kind", models.ErrInvalidEventKind)
		}
		q.EventKinds = append(q.EventKinds, kind)
	}
	for _, s := range splitList(input.Status) {
		status := models.RecordingStatus(s)
		if !status.Valid() {
			return nil, huma.Error400BadRequest("invalid status", models.ErrInvalidStatus)
		}
		q.Statuses = append(q.Statuses, status)
	}

	var err error
	if q.ScheduleID, err = parseOptionalULID("schedule_id", input.ScheduleID); err != nil {
		return nil, err
	}
	if q.ParentID, err = parseOptionalULID("parent_id", input.ParentID); err != nil {
		return nil, err
	}
	if q.From, err = parseOptionalTime("from", input.From); err != nil {
		return nil, err
	}
	if q.To, err = parseOptionalTime("to", input.To); err != nil {
		return nil, err
	}

	recs, total, err := h.repo.Search(ctx, q)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to search recordings", err)
	}

	resp := &SearchRecordingsOutput{}
	resp.Body.Recordings = recs
	if resp.Body.Recordings == nil {
		resp.Body.Recordings = []*models.Recording{}
	}
	resp.Body.Total = total
	resp.Body.Limit = q.Limit
	resp.Body.Offset = q.Offset
	return resp, nil
}

// StartRecordingInput is the input for starting a recording.
type StartRecordingInput struct {
	Body struct {
		StreamID  string           `json:"stream_id" minLength:"1" doc:"Stream to record"`
		EventKind models.EventKind `json:"event_kind,omitempty" doc:"Event kind for event-triggered recordings. Empty or manual starts a manual recording"`
	}
}

// RecordingOutput wraps a single recording.
type RecordingOutput struct {
	Body *models.Recording
}

// Start begins a recording.
func (h *RecordingHandler) Start(ctx context.Context, input *StartRecordingInput) (*RecordingOutput, error) {
	var (
		rec *models.Recording
		err error
	)
	switch input.Body.EventKind {
	case "", models.EventKindManual:
		rec, err = h.manager.StartManual(ctx, input.Body.StreamID)
	case models.EventKindContinuous:
		return nil, huma.Error422UnprocessableEntity("continuous recordings are started by schedules")
	default:
		rec, err = h.manager.StartEvent(ctx, input.Body.StreamID, input.Body.EventKind)
	}
	if err != nil {
		return nil, apiError("failed to start recording", err)
	}
	return &RecordingOutput{Body: rec}, nil
}

// RecordingStatusInput filters the active status view.
type RecordingStatusInput struct {
	CameraID string `query:"camera_id" doc:"Only recordings of this camera"`
	StreamID string `query:"stream_id" doc:"Only recordings of this stream"`
}

// RecordingStatusOutput is the output of the active status view.
type RecordingStatusOutput struct {
	Body struct {
		Recordings []recording.RecordingStatus `json:"recordings"`
		Count      int                         `json:"count"`
	}
}

// Status returns the live status of active recordings.
func (h *RecordingHandler) Status(_ context.Context, input *RecordingStatusInput) (*RecordingStatusOutput, error) {
	all := h.manager.Status()
	out := make([]recording.RecordingStatus, 0, len(all))
	for _, st := range all {
		if input.CameraID != "" && st.CameraID != input.CameraID {
			continue
		}
		if input.StreamID != "" && st.StreamID != input.StreamID {
			continue
		}
		out = append(out, st)
	}

	resp := &RecordingStatusOutput{}
	resp.Body.Recordings = out
	resp.Body.Count = len(out)
	return resp, nil
}

// StopEventRecordingInput identifies an event recording.
type StopEventRecordingInput struct {
	Body struct {
		StreamID  string           `json:"stream_id" minLength:"1"`
		EventKind models.EventKind `json:"event_kind,omitempty" doc:"Defaults to manual"`
	}
}

// StopEvent stops the recording an event kind started.
func (h *RecordingHandler) StopEvent(ctx context.Context, input *StopEventRecordingInput) (*RecordingOutput, error) {
	kind := input.Body.EventKind
	if kind == "" {
		kind = models.EventKindManual
	}
	if !kind.Valid() {
		return nil, huma.Error422UnprocessableEntity("invalid event_kind", models.ErrInvalidEventKind)
	}
	rec, err := h.manager.StopByEvent(ctx, kind, input.Body.StreamID)
	if err != nil {
		return nil, apiError("failed to stop recording", err)
	}
	return &RecordingOutput{Body: rec}, nil
}

// RecordingIDInput identifies a recording.
type RecordingIDInput struct {
	ID string `path:"id" doc:"Recording ID (ULID)"`
}

// Get returns one recording.
func (h *RecordingHandler) Get(ctx context.Context, input *RecordingIDInput) (*RecordingOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	rec, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get recording", err)
	}
	if rec == nil {
		return nil, huma.Error404NotFound("recording not found")
	}
	return &RecordingOutput{Body: rec}, nil
}

// Stop stops an active recording.
func (h *RecordingHandler) Stop(ctx context.Context, input *RecordingIDInput) (*RecordingOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	rec, err := h.manager.StopByID(ctx, id)
	if err != nil {
		return nil, apiError("failed to stop recording", err)
	}
	return &RecordingOutput{Body: rec}, nil
}

// Delete removes a finished recording and its files.
func (h *RecordingHandler) Delete(ctx context.Context, input *RecordingIDInput) (*struct{}, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid ID format", err)
	}
	rec, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to get recording", err)
	}
	if rec == nil {
		return nil, huma.Error404NotFound("recording not found")
	}
	if !rec.IsFinished() {
		return nil, huma.Error409Conflict("recording is still active")
	}

	files, err := recording.SegmentFiles(rec)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to list segments", err)
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, huma.Error500InternalServerError("failed to remove segment", err)
		}
	}
	if err := h.repo.Delete(ctx, id); err != nil {
		return nil, huma.Error500InternalServerError("failed to delete recording", err)
	}
	observability.LoggerFromContext(ctx).InfoContext(ctx, "recording deleted",
		slog.String("recording_id", id.String()),
		slog.String("camera_id", rec.CameraID),
		slog.Int("segments", len(files)),
	)
	return nil, nil
}
