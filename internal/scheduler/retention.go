package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/argus/internal/models"
	"github.com/jmylchreest/argus/internal/observability"
	"github.com/jmylchreest/argus/internal/recording"
	"github.com/jmylchreest/argus/internal/repository"
)

const (
	defaultRetentionCron = "0 30 3 * * *"
	retentionBatchSize   = 500
)

// RetentionConfig holds configuration for the retention sweeper.
type RetentionConfig struct {
	// Cron is a six-field (with seconds) cron expression.
	Cron string
	// DefaultAge applies to recordings without a schedule and to schedules
	// whose RetentionDays is zero.
	DefaultAge time.Duration
}

// RetentionSweeper deletes finished recordings past their retention, segment
// files first and then the row. Active recordings are never selected.
type RetentionSweeper struct {
	recordings repository.RecordingRepository
	schedules  repository.RecordingScheduleRepository
	config     RetentionConfig
	logger     *slog.Logger
	metrics    *observability.Metrics
	clock      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	running sync.Mutex
}

// NewRetentionSweeper creates a sweeper.
func NewRetentionSweeper(
	recordings repository.RecordingRepository,
	schedules repository.RecordingScheduleRepository,
	config RetentionConfig,
) *RetentionSweeper {
	if config.Cron == "" {
		config.Cron = defaultRetentionCron
	}
	return &RetentionSweeper{
		recordings: recordings,
		schedules:  schedules,
		config:     config,
		logger:     slog.Default(),
		clock:      time.Now,
	}
}

// WithLogger sets a custom logger.
func (r *RetentionSweeper) WithLogger(logger *slog.Logger) *RetentionSweeper {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// WithMetrics sets the metrics sink.
func (r *RetentionSweeper) WithMetrics(m *observability.Metrics) *RetentionSweeper {
	r.metrics = m
	return r
}

// WithClock replaces the time source.
func (r *RetentionSweeper) WithClock(clock func() time.Time) *RetentionSweeper {
	if clock != nil {
		r.clock = clock
	}
	return r
}

// ValidateCron checks a six-field cron expression.
func ValidateCron(expr string) error {
	if _, err := cron.NewParser(cronFields).Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

const cronFields = cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// Start schedules the sweep.
func (r *RetentionSweeper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("retention sweeper already started")
	}

	c := cron.New(
		cron.WithParser(cron.NewParser(cronFields)),
		cron.WithLogger(cronLogger{r.logger}),
		cron.WithChain(cron.Recover(cronLogger{r.logger})),
	)
	if _, err := c.AddFunc(r.config.Cron, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.ErrorContext(ctx, "retention sweep failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}
	c.Start()
	r.cron = c

	r.logger.Info("retention sweeper started",
		slog.String("cron", r.config.Cron),
		slog.Duration("default_age", r.config.DefaultAge))
	return nil
}

// Stop unschedules the sweep and waits for a running sweep to finish.
func (r *RetentionSweeper) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep deletes every expired recording and returns how many were removed.
// Sweeps never overlap.
func (r *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	r.running.Lock()
	defer r.running.Unlock()

	now := r.clock()
	schedules, err := r.schedules.GetAllWithDeleted(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing schedules: %w", err)
	}

	deleted := 0
	var errs []error

	for _, s := range schedules {
		age := r.config.DefaultAge
		if s.RetentionDays > 0 {
			age = time.Duration(s.RetentionDays) * 24 * time.Hour
		}
		if age <= 0 {
			continue
		}
		id := s.ID
		n, err := r.sweepBefore(ctx, &id, now.Add(-age))
		deleted += n
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", s.ID, err))
		}
	}

	if r.config.DefaultAge > 0 {
		n, err := r.sweepBefore(ctx, nil, now.Add(-r.config.DefaultAge))
		deleted += n
		if err != nil {
			errs = append(errs, fmt.Errorf("unscheduled: %w", err))
		}
	}

	r.metrics.AddRetentionDeleted(deleted)
	if deleted > 0 {
		r.logger.InfoContext(ctx, "retention sweep completed", slog.Int("deleted", deleted))
	}
	return deleted, errors.Join(errs...)
}

func (r *RetentionSweeper) sweepBefore(ctx context.Context, scheduleID *models.ULID, before time.Time) (int, error) {
	deleted := 0
	for {
		expired, err := r.recordings.ListExpired(ctx, scheduleID, before, retentionBatchSize)
		if err != nil {
			return deleted, err
		}
		if len(expired) == 0 {
			return deleted, nil
		}
		progressed := false
		for _, rec := range expired {
			if err := r.remove(ctx, rec); err != nil {
				r.logger.WarnContext(ctx, "failed to remove expired recording",
					slog.String("recording_id", rec.ID.String()),
					slog.Any("error", err))
				continue
			}
			deleted++
			progressed = true
		}
		if !progressed || len(expired) < retentionBatchSize {
			return deleted, nil
		}
	}
}

func (r *RetentionSweeper) remove(ctx context.Context, rec *models.Recording) error {
	files, err := recording.SegmentFiles(rec)
	if err != nil {
		return fmt.Errorf("listing segments: %w", err)
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing segment: %w", err)
		}
	}
	if err := r.recordings.Delete(ctx, rec.ID); err != nil {
		return err
	}
	r.logger.DebugContext(ctx, "expired recording removed",
		slog.String("recording_id", rec.ID.String()),
		slog.Int("segments", len(files)))
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.Any("error", err))...)
}
