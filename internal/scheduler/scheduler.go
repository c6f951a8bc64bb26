// Package scheduler starts and stops recordings from weekly schedules and
// sweeps recordings past their retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmylchreest/argus/internal/models"
	"github.com/jmylchreest/argus/internal/recording"
	"github.com/jmylchreest/argus/internal/repository"
)

// Controller is the part of the recording manager the scheduler drives.
type Controller interface {
	StartScheduled(ctx context.Context, schedule *models.RecordingSchedule, streamID string) (*models.Recording, error)
	StopBySchedule(ctx context.Context, scheduleID models.ULID, streamID string) (*models.Recording, error)
	IsScheduleActive(scheduleID models.ULID, streamID string) bool
	Active() []recording.ActiveRecording
	StopAll(ctx context.Context) error
}

// Scheduler reconciles active scheduled recordings with schedule windows on
// a fixed tick.
type Scheduler struct {
	mu sync.Mutex

	schedules  repository.RecordingScheduleRepository
	controller Controller
	logger     *slog.Logger
	clock      func() time.Time

	// tickInterval is how often windows are re-evaluated.
	tickInterval time.Duration

	// Running state
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// TickResult summarises one reconciliation pass.
type TickResult struct {
	Started int
	Stopped int
	Errors  int
}

// NewScheduler creates a scheduler.
func NewScheduler(schedules repository.RecordingScheduleRepository, controller Controller) *Scheduler {
	return &Scheduler{
		schedules:    schedules,
		controller:   controller,
		logger:       slog.Default(),
		clock:        time.Now,
		tickInterval: 30 * time.Second,
	}
}

// WithLogger sets a custom logger.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithTickInterval sets the reconciliation interval.
func (s *Scheduler) WithTickInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.tickInterval = d
	}
	return s
}

// WithClock replaces the time source. Windows are evaluated in the
// location of the returned time.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Start begins the scheduler's background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.tickLoop(s.ctx)

	s.logger.Info("scheduler started", slog.Duration("tick_interval", s.tickInterval))
	return nil
}

// Stop stops the tick loop. Active recordings keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()
}

// Shutdown stops the tick loop and then every active recording.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()
	err := s.controller.StopAll(ctx)
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.Tick(ctx)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick starts recordings for schedules whose window contains now and stops
// scheduled recordings whose schedule no longer covers now. Errors for one
// schedule are logged and never abort the pass.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	now := s.clock()

	due, err := s.schedules.ActiveAt(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to get active schedules", slog.Any("error", err))
		res.Errors++
		return res
	}

	for _, sched := range due {
		if s.controller.IsScheduleActive(sched.ID, sched.StreamID) {
			continue
		}
		rec, err := s.controller.StartScheduled(ctx, sched, sched.StreamID)
		if err != nil {
			if errors.Is(err, recording.ErrAlreadyActive) {
				continue
			}
			res.Errors++
			s.logger.ErrorContext(ctx, "failed to start scheduled recording",
				slog.String("schedule", sched.Name),
				slog.String("schedule_id", sched.ID.String()),
				slog.String("stream_id", sched.StreamID),
				slog.Any("error", err))
			continue
		}
		res.Started++
		s.logger.InfoContext(ctx, "scheduled recording started",
			slog.String("schedule", sched.Name),
			slog.String("recording_id", rec.ID.String()),
			slog.String("stream_id", sched.StreamID))
	}

	all, err := s.schedules.GetAll(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to get schedules", slog.Any("error", err))
		res.Errors++
		return res
	}
	byID := make(map[models.ULID]*models.RecordingSchedule, len(all))
	for _, sched := range all {
		byID[sched.ID] = sched
	}

	for _, a := range s.controller.Active() {
		if a.ScheduleID == nil {
			continue
		}
		sched, ok := byID[*a.ScheduleID]
		if ok && sched.IsEnabled() && sched.StreamID == a.StreamID && sched.Contains(now) {
			continue
		}

		reason := "window closed"
		switch {
		case !ok:
			reason = "schedule deleted"
		case !sched.IsEnabled():
			reason = "schedule disabled"
		case sched.StreamID != a.StreamID:
			reason = "schedule moved to another stream"
		}

		if _, err := s.controller.StopBySchedule(ctx, *a.ScheduleID, a.StreamID); err != nil {
			if errors.Is(err, recording.ErrNotFound) {
				continue
			}
			res.Errors++
			s.logger.ErrorContext(ctx, "failed to stop scheduled recording",
				slog.String("schedule_id", a.ScheduleID.String()),
				slog.String("stream_id", a.StreamID),
				slog.Any("error", err))
			continue
		}
		res.Stopped++
		s.logger.InfoContext(ctx, "scheduled recording stopped",
			slog.String("schedule_id", a.ScheduleID.String()),
			slog.String("recording_id", a.RecordingID.String()),
			slog.String("reason", reason))
	}

	return res
}
