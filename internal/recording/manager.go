// Package recording layers the recording lifecycle on top of fanout
// recording branches: start, segment rotation, stop and persistence.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/argus/internal/events"
	"github.com/jmylchreest/argus/internal/fanout"
	"github.com/jmylchreest/argus/internal/media"
	"github.com/jmylchreest/argus/internal/models"
	"github.com/jmylchreest/argus/internal/observability"
	"github.com/jmylchreest/argus/internal/repository"
)

// ErrNotFound is returned when no active recording matches.
var ErrNotFound = errors.New("recording not found")

// ErrAlreadyActive is returned when a recording for the same key is running
// or starting.
var ErrAlreadyActive = errors.New("recording already active")

// ErrPersistence is returned when the recording row cannot be written.
var ErrPersistence = errors.New("recording persistence failed")

// Triggers label how a recording was started.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
)

// faultTimeout bounds the teardown of a recording failed by a bus error.
const faultTimeout = 30 * time.Second

// reasonStreamRemoved is recorded on recordings whose stream was torn down
// underneath them.
const reasonStreamRemoved = "stream removed"

// Fanout is the part of the stream registry the manager drives.
type Fanout interface {
	Describe(streamID string) (fanout.StreamInfo, error)
	StreamAccess(streamID string) (media.Graph, media.Element, error)
	AddBranch(ctx context.Context, streamID string, cfg fanout.BranchConfig) (string, error)
	RemoveBranch(ctx context.Context, streamID, branchID string) error
}

// Config holds configuration for the manager.
type Config struct {
	// RecordingsDir is the root all segment files are written under.
	RecordingsDir string
	// SegmentDuration is the rotation interval of segment files.
	SegmentDuration time.Duration
	// FaultBuffer is the capacity of the bus error hand-off channel.
	FaultBuffer int
	// Format is recorded on every row.
	Format string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecordingsDir:   "recordings",
		SegmentDuration: 5 * time.Minute,
		FaultBuffer:     64,
		Format:          "mpegts",
	}
}

// ScheduleKey is the active-set key of a scheduled recording.
func ScheduleKey(scheduleID models.ULID, streamID string) string {
	return fmt.Sprintf("schedule:%s:%s", scheduleID, streamID)
}

// EventKey is the active-set key of a manual or event recording.
func EventKey(kind models.EventKind, streamID string) string {
	return fmt.Sprintf("event:%s:%s", kind, streamID)
}

// entry is one active recording. The recording is owned by the manager and
// only mutated by the goroutine that removed the entry from the active set.
type entry struct {
	key         string
	trigger     string
	recording   *models.Recording
	unsubscribe func()
}

// fault is a bus error handed from a media thread to the fault loop.
type fault struct {
	key         string
	recordingID models.ULID
	err         error
}

// ActiveRecording is a lightweight snapshot of one active-set entry.
type ActiveRecording struct {
	Key         string           `json:"key"`
	RecordingID models.ULID      `json:"recording_id"`
	ScheduleID  *models.ULID     `json:"schedule_id,omitempty"`
	StreamID    string           `json:"stream_id"`
	CameraID    string           `json:"camera_id"`
	BranchID    string           `json:"branch_id"`
	EventKind   models.EventKind `json:"event_kind"`
	Trigger     string           `json:"trigger"`
	StartTime   time.Time        `json:"start_time"`
	FilePath    string           `json:"file_path"`
	pattern     string
}

// Manager owns the set of active recordings.
type Manager struct {
	fanout  Fanout
	repo    repository.RecordingRepository
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	events  events.Publisher

	mu       sync.Mutex
	active   map[string]*entry
	reserved map[string]struct{}

	faults chan fault

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewManager creates a recording manager.
func NewManager(fo Fanout, repo repository.RecordingRepository, config Config) *Manager {
	defaults := DefaultConfig()
	if config.RecordingsDir == "" {
		config.RecordingsDir = defaults.RecordingsDir
	}
	if config.SegmentDuration <= 0 {
		config.SegmentDuration = defaults.SegmentDuration
	}
	if config.FaultBuffer <= 0 {
		config.FaultBuffer = defaults.FaultBuffer
	}
	if config.Format == "" {
		config.Format = defaults.Format
	}
	return &Manager{
		fanout:   fo,
		repo:     repo,
		config:   config,
		logger:   slog.Default(),
		events:   events.Nop{},
		active:   make(map[string]*entry),
		reserved: make(map[string]struct{}),
		faults:   make(chan fault, config.FaultBuffer),
	}
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(logger *slog.Logger) *Manager {
	if logger != nil {
		m.logger = observability.WithComponent(logger, "recording")
	}
	return m
}

// WithMetrics sets the metrics sink.
func (m *Manager) WithMetrics(metrics *observability.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithEvents sets the event publisher.
func (m *Manager) WithEvents(p events.Publisher) *Manager {
	if p != nil {
		m.events = p
	}
	return m
}

// Start runs the loop that fails recordings whose branch reported an error.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.drainFaults(ctx)
}

// Close stops the fault loop. Active recordings are left untouched; call
// StopAll first.
func (m *Manager) Close() {
	m.lifecycle.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.lifecycle.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) drainFaults(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-m.faults:
			m.handleFault(ctx, f)
		}
	}
}

func (m *Manager) handleFault(ctx context.Context, f fault) {
	m.mu.Lock()
	e, ok := m.active[f.key]
	m.mu.Unlock()
	if !ok || e.recording.ID != f.recordingID {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), faultTimeout)
	defer cancel()

	reason := "media pipeline error"
	if f.err != nil {
		reason = f.err.Error()
	}
	m.logger.ErrorContext(ctx, "recording branch failed",
		slog.String("recording_id", f.recordingID.String()),
		slog.String("key", f.key),
		slog.String("reason", reason),
	)
	if _, err := m.stop(ctx, f.key, models.RecordingStatusFailed, reason); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.ErrorContext(ctx, "finalising failed recording", slog.String("key", f.key), slog.Any("error", err))
	}
}

// busHandler runs on media threads. It never blocks and never takes the
// manager lock.
func (m *Manager) busHandler(key, branchID string, recordingID models.ULID) func(*media.Message) {
	return func(msg *media.Message) {
		if msg.Type != media.MessageError || !fanout.ElementBelongsTo(branchID, msg.Source) {
			return
		}
		select {
		case m.faults <- fault{key: key, recordingID: recordingID, err: msg.Err}:
		default:
			m.metrics.IncDropped("recording")
		}
	}
}

// StartManual starts a manually triggered recording of a stream.
func (m *Manager) StartManual(ctx context.Context, streamID string) (*models.Recording, error) {
	return m.start(ctx, nil, models.EventKindManual, streamID, TriggerManual)
}

// StartScheduled starts a continuous recording on behalf of a schedule.
func (m *Manager) StartScheduled(ctx context.Context, schedule *models.RecordingSchedule, streamID string) (*models.Recording, error) {
	if schedule == nil || schedule.ID.IsZero() {
		return nil, fmt.Errorf("starting scheduled recording: schedule id is required")
	}
	id := schedule.ID
	return m.start(ctx, &id, models.EventKindContinuous, streamID, TriggerSchedule)
}

// StartEvent starts a recording triggered by an event of the given kind.
func (m *Manager) StartEvent(ctx context.Context, streamID string, kind models.EventKind) (*models.Recording, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("starting event recording: %w", models.ErrInvalidEventKind)
	}
	return m.start(ctx, nil, kind, streamID, TriggerEvent)
}

func (m *Manager) reserve(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrAlreadyActive)
	}
	if _, ok := m.reserved[key]; ok {
		return fmt.Errorf("%s: %w", key, ErrAlreadyActive)
	}
	m.reserved[key] = struct{}{}
	return nil
}

func (m *Manager) release(key string) {
	m.mu.Lock()
	delete(m.reserved, key)
	m.mu.Unlock()
}

// segmentPattern returns <dir>/<camera>/<YYYY>/<MM>/<DD>/<HHMMSS>_<id>_%05d.ts.
// A literal '%' in the directory parts is doubled so the segment index is
// the only verb.
func (m *Manager) segmentPattern(cameraID string, id models.ULID, at time.Time) string {
	return filepath.Join(
		escapeVerbs(m.config.RecordingsDir),
		escapeVerbs(cameraID),
		at.Format("2006"), at.Format("01"), at.Format("02"),
		fmt.Sprintf("%s_%s_%%05d.ts", at.Format("150405"), id),
	)
}

func escapeVerbs(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func (m *Manager) start(ctx context.Context, scheduleID *models.ULID, kind models.EventKind, streamID, trigger string) (_ *models.Recording, err error) {
	key := EventKey(kind, streamID)
	if scheduleID != nil {
		key = ScheduleKey(*scheduleID, streamID)
	}
	if err := m.reserve(key); err != nil {
		return nil, err
	}
	promoted := false
	defer func() {
		if !promoted {
			m.release(key)
		}
	}()

	info, err := m.fanout.Describe(streamID)
	if err != nil {
		return nil, fmt.Errorf("starting recording on %s: %w", streamID, err)
	}
	cameraID := info.Source.CameraID
	if cameraID == "" {
		cameraID = streamID
	}
	if err := media.ValidateIdentifier("camera id", cameraID); err != nil {
		return nil, fmt.Errorf("starting recording on %s: %w", streamID, err)
	}

	now := time.Now().UTC()
	rec := &models.Recording{
		BaseModel:  models.BaseModel{ID: models.NewULIDAt(now)},
		CameraID:   cameraID,
		StreamID:   streamID,
		ScheduleID: scheduleID,
		StartTime:  now,
		Format:     m.config.Format,
		EventKind:  kind,
		Status:     models.RecordingStatusPending,
		Metadata: map[string]string{
			"trigger":     trigger,
			"source_kind": string(info.Source.Kind),
		},
	}
	if info.Source.Name != "" {
		rec.Metadata["source_name"] = info.Source.Name
	}
	rec.SegmentPattern = m.segmentPattern(cameraID, rec.ID, now)
	rec.FilePath = fmt.Sprintf(rec.SegmentPattern, 0)

	if err := os.MkdirAll(filepath.Dir(rec.SegmentPattern), 0o755); err != nil {
		return nil, fmt.Errorf("creating recording directory: %w", err)
	}

	branchID, err := m.fanout.AddBranch(ctx, streamID, fanout.BranchConfig{
		Kind: fanout.BranchRecording,
		Options: map[string]string{
			fanout.OptionLocation:        rec.SegmentPattern,
			fanout.OptionSegmentDuration: m.config.SegmentDuration.String(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("attaching recording branch: %w", err)
	}
	rec.BranchID = branchID

	e := &entry{key: key, trigger: trigger, recording: rec}
	if graph, _, err := m.fanout.StreamAccess(streamID); err == nil {
		e.unsubscribe = graph.Bus().Subscribe(m.busHandler(key, branchID, rec.ID))
	}

	rec.Status = models.RecordingStatusActive
	if err := m.repo.Create(ctx, rec); err != nil {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		if rerr := m.fanout.RemoveBranch(ctx, streamID, branchID); rerr != nil {
			m.logger.WarnContext(ctx, "removing branch of unpersisted recording",
				slog.String("branch_id", branchID), slog.Any("error", rerr))
		}
		return nil, fmt.Errorf("%w: creating recording: %w", ErrPersistence, err)
	}

	m.mu.Lock()
	delete(m.reserved, key)
	m.active[key] = e
	count := len(m.active)
	m.mu.Unlock()
	promoted = true

	// A stream removed between AddBranch and promotion ran its removal
	// hooks before this entry existed.
	if _, err := m.fanout.Describe(streamID); errors.Is(err, fanout.ErrNotFound) {
		if _, ferr := m.finish(ctx, key, models.RecordingStatusFailed, reasonStreamRemoved, false); ferr != nil && !errors.Is(ferr, ErrNotFound) {
			m.logger.ErrorContext(ctx, "finalising recording of removed stream", slog.String("key", key), slog.Any("error", ferr))
		}
		return nil, fmt.Errorf("starting recording on %s: %w", streamID, err)
	}

	m.metrics.SetActiveRecordings(count)
	m.metrics.IncRecordingsStarted(trigger)
	m.logger.InfoContext(ctx, "recording started",
		slog.String("recording_id", rec.ID.String()),
		slog.String("key", key),
		slog.String("stream_id", streamID),
		slog.String("branch_id", branchID),
		slog.String("location", rec.SegmentPattern),
	)
	m.events.Publish(events.Event{
		Type:        events.TypeRecordingStarted,
		StreamID:    streamID,
		CameraID:    cameraID,
		RecordingID: rec.ID.String(),
		Data: map[string]any{
			"trigger":    trigger,
			"event_kind": string(kind),
		},
	})

	out := *rec
	return &out, nil
}

// StopByID stops the active recording with the given id.
func (m *Manager) StopByID(ctx context.Context, id models.ULID) (*models.Recording, error) {
	m.mu.Lock()
	key := ""
	for k, e := range m.active {
		if e.recording.ID == id {
			key = k
			break
		}
	}
	m.mu.Unlock()
	if key == "" {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return m.stop(ctx, key, models.RecordingStatusCompleted, "")
}

// StopBySchedule stops the recording a schedule started on a stream.
func (m *Manager) StopBySchedule(ctx context.Context, scheduleID models.ULID, streamID string) (*models.Recording, error) {
	return m.stop(ctx, ScheduleKey(scheduleID, streamID), models.RecordingStatusCompleted, "")
}

// StopByEvent stops the recording an event kind started on a stream.
func (m *Manager) StopByEvent(ctx context.Context, kind models.EventKind, streamID string) (*models.Recording, error) {
	return m.stop(ctx, EventKey(kind, streamID), models.RecordingStatusCompleted, "")
}

// StopManual stops the manual recording of a stream.
func (m *Manager) StopManual(ctx context.Context, streamID string) (*models.Recording, error) {
	return m.StopByEvent(ctx, models.EventKindManual, streamID)
}

// StreamRemoved finalises every recording of a stream whose graph has been
// torn down. Its branches are already gone, so nothing is drained. It is
// registered with the registry as a stream removal hook.
func (m *Manager) StreamRemoved(ctx context.Context, streamID string) {
	m.mu.Lock()
	var keys []string
	for k, e := range m.active {
		if e.recording.StreamID == streamID {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()

	for _, key := range keys {
		if _, err := m.finish(ctx, key, models.RecordingStatusFailed, reasonStreamRemoved, false); err != nil && !errors.Is(err, ErrNotFound) {
			observability.WithError(m.logger, err).ErrorContext(ctx, "finalising recording of removed stream",
				slog.String("key", key), slog.String("stream_id", streamID))
		}
	}
}

func (m *Manager) stop(ctx context.Context, key string, status models.RecordingStatus, reason string) (*models.Recording, error) {
	return m.finish(ctx, key, status, reason, true)
}

// finish removes the entry from the active set before touching anything
// else, so a concurrent second stop of the same key fails with ErrNotFound.
// detach drains and removes the recording branch first.
func (m *Manager) finish(ctx context.Context, key string, status models.RecordingStatus, reason string, detach bool) (*models.Recording, error) {
	m.mu.Lock()
	e, ok := m.active[key]
	if ok {
		delete(m.active, key)
	}
	count := len(m.active)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	m.metrics.SetActiveRecordings(count)

	rec := e.recording
	rec.Status = models.RecordingStatusStopping
	if e.unsubscribe != nil {
		e.unsubscribe()
	}

	log := m.logger.With(slog.String("recording_id", rec.ID.String()), slog.String("key", key))

	if detach {
		if err := m.fanout.RemoveBranch(ctx, rec.StreamID, rec.BranchID); err != nil {
			observability.WithError(log, err).WarnContext(ctx, "removing recording branch")
		}
	}

	size, segments, err := segmentStats(rec.SegmentPattern)
	if err != nil {
		observability.WithError(log, err).WarnContext(ctx, "reading segment files")
		size, segments = 0, 0
	}
	rec.FileSize = size
	rec.SegmentCount = segments
	rec.Finish(time.Now().UTC(), status, reason)

	if err := m.repo.Update(ctx, rec); err != nil {
		rec.Status = models.RecordingStatusFailed
		if rec.ErrorMessage == "" {
			rec.ErrorMessage = err.Error()
		}
		log.ErrorContext(ctx, "persisting stopped recording", slog.Any("error", err))
		m.metrics.IncRecordingsFailed()
		m.publishFinished(rec)
		out := *rec
		return &out, fmt.Errorf("%w: updating recording %s: %w", ErrPersistence, rec.ID, err)
	}

	if rec.Status == models.RecordingStatusFailed {
		m.metrics.IncRecordingsFailed()
	} else {
		m.metrics.IncRecordingsStopped()
	}
	log.InfoContext(ctx, "recording stopped",
		slog.String("status", string(rec.Status)),
		slog.Float64("duration_s", rec.Duration),
		slog.Int64("file_size", rec.FileSize),
		slog.Int("segments", rec.SegmentCount),
	)
	m.publishFinished(rec)

	out := *rec
	return &out, nil
}

func (m *Manager) publishFinished(rec *models.Recording) {
	e := events.Event{
		Type:        events.TypeRecordingStopped,
		StreamID:    rec.StreamID,
		CameraID:    rec.CameraID,
		RecordingID: rec.ID.String(),
		Data: map[string]any{
			"duration":  rec.Duration,
			"file_size": rec.FileSize,
			"segments":  rec.SegmentCount,
		},
	}
	if rec.Status == models.RecordingStatusFailed {
		e.Type = events.TypeRecordingFailed
		e.Message = rec.ErrorMessage
	}
	m.events.Publish(e)
}

// StopAll stops every active recording concurrently and joins the errors.
func (m *Manager) StopAll(ctx context.Context) (err error) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}

	m.logger.InfoContext(ctx, "stopping all recordings", slog.Int("count", len(keys)))
	defer observability.TimedOperationWithError(ctx, m.logger, "stop_all_recordings", &err)()

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, key := range keys {
		g.Go(func() error {
			if _, err := m.stop(ctx, key, models.RecordingStatusCompleted, ""); err != nil && !errors.Is(err, ErrNotFound) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	err = errors.Join(errs...)
	return err
}

// IsActive reports whether a recording with the given key is active or
// starting.
func (m *Manager) IsActive(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, active := m.active[key]
	_, reserved := m.reserved[key]
	return active || reserved
}

// IsScheduleActive reports whether a schedule is recording a stream.
func (m *Manager) IsScheduleActive(scheduleID models.ULID, streamID string) bool {
	return m.IsActive(ScheduleKey(scheduleID, streamID))
}

// ActiveCount returns the number of active recordings.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Active returns a snapshot of the active set ordered by start time.
func (m *Manager) Active() []ActiveRecording {
	m.mu.Lock()
	out := make([]ActiveRecording, 0, len(m.active))
	for key, e := range m.active {
		rec := e.recording
		out = append(out, ActiveRecording{
			Key:         key,
			RecordingID: rec.ID,
			ScheduleID:  rec.ScheduleID,
			StreamID:    rec.StreamID,
			CameraID:    rec.CameraID,
			BranchID:    rec.BranchID,
			EventKind:   rec.EventKind,
			Trigger:     e.trigger,
			StartTime:   rec.StartTime,
			FilePath:    rec.FilePath,
			pattern:     rec.SegmentPattern,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}
