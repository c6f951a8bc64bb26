package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/argus/internal/config"
	"github.com/jmylchreest/argus/internal/database"
	"github.com/jmylchreest/argus/internal/events"
	"github.com/jmylchreest/argus/internal/fanout"
	internalhttp "github.com/jmylchreest/argus/internal/http"
	"github.com/jmylchreest/argus/internal/http/handlers"
	"github.com/jmylchreest/argus/internal/media"
	"github.com/jmylchreest/argus/internal/observability"
	"github.com/jmylchreest/argus/internal/recording"
	"github.com/jmylchreest/argus/internal/repository"
	"github.com/jmylchreest/argus/internal/scheduler"
	"github.com/jmylchreest/argus/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the argus server",
	Long: `Start the argus engine and HTTP API.

The server provides:
- Stream and branch management under /api/v1/streams
- Manual, event and scheduled recordings under /api/v1/recordings
- Weekly recording schedules under /api/v1/schedules
- Server-Sent Events at /api/v1/events
- Prometheus metrics at /metrics
- Health probes and OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("database", "argus.db", "Database DSN (file path for sqlite)")
	serveCmd.Flags().String("data-dir", "./data", "Base directory for recordings")
	serveCmd.Flags().String("provider", config.ProviderSim, "Media provider (sim, gstreamer)")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("database.dsn", serveCmd.Flags().Lookup("database"))
	mustBindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
	mustBindPFlag("media.provider", serveCmd.Flags().Lookup("provider"))
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	recordingRepo := repository.NewRecordingRepository(db.DB)
	scheduleRepo := repository.NewRecordingScheduleRepository(db.DB)

	// Rows left active by a crash have no branch behind them any more.
	if n, err := recordingRepo.MarkInterrupted(context.Background(), time.Now()); err != nil {
		return fmt.Errorf("marking interrupted recordings: %w", err)
	} else if n > 0 {
		logger.Warn("marked recordings interrupted by previous shutdown", slog.Int64("count", n))
	}

	recordingsPath := cfg.Storage.RecordingsPath()
	if err := os.MkdirAll(recordingsPath, 0o755); err != nil {
		return fmt.Errorf("creating recordings directory: %w", err)
	}

	metrics := observability.NewMetrics()

	bus := events.NewBus().
		WithLogger(logger).
		WithBuffer(cfg.Events.SubscriberBuffer).
		WithMetrics(metrics)
	stopEventLog := bus.LogEvents(observability.WithComponent(logger, "events"))
	defer stopEventLog()

	provider, err := newProvider(cfg.Media, logger)
	if err != nil {
		return err
	}
	defer provider.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registryConfig := fanout.DefaultRegistryConfig()
	registryConfig.DrainGrace = cfg.Recording.DrainGrace
	registryConfig.SampleBuffer = cfg.Recording.BridgeBuffer
	registry := fanout.NewRegistry(provider, registryConfig).
		WithLogger(logger).
		WithMetrics(metrics).
		WithEvents(bus)
	registry.Start(ctx)

	registerCameras(ctx, registry, cfg.Cameras, logger)

	managerConfig := recording.DefaultConfig()
	managerConfig.RecordingsDir = recordingsPath
	managerConfig.SegmentDuration = cfg.Recording.SegmentDuration
	managerConfig.Format = cfg.Recording.Format
	manager := recording.NewManager(registry, recordingRepo, managerConfig).
		WithLogger(logger).
		WithMetrics(metrics).
		WithEvents(bus)
	registry.OnStreamRemoved(manager.StreamRemoved)
	manager.Start(ctx)

	sched := scheduler.NewScheduler(scheduleRepo, manager).
		WithLogger(logger).
		WithTickInterval(cfg.Scheduler.TickInterval)
	if cfg.Scheduler.Enabled {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	var sweeper *scheduler.RetentionSweeper
	if cfg.Retention.Enabled {
		sweeper = scheduler.NewRetentionSweeper(recordingRepo, scheduleRepo, scheduler.RetentionConfig{
			Cron:       cfg.Retention.Cron,
			DefaultAge: cfg.Retention.DefaultAge.Duration(),
		}).WithLogger(logger).WithMetrics(metrics)
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("starting retention sweeper: %w", err)
		}
	}

	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.WriteTimeout = cfg.Server.WriteTimeout
	serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins
	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithEngine(registry, manager).
		WithStorage(recordingsPath, uint64(max(cfg.Storage.MinFreeSpace.Int64(), 0))).
		Register(server.API())

	handlers.NewStreamHandler(registry).Register(server.API())
	handlers.NewRecordingHandler(manager, recordingRepo).Register(server.API())

	scheduleHandler := handlers.NewScheduleHandler(scheduleRepo)
	if cfg.Scheduler.Enabled {
		scheduleHandler.WithReconcile(func(ctx context.Context) { sched.Tick(ctx) })
	}
	scheduleHandler.Register(server.API())

	handlers.NewEventsHandler(bus).WithLogger(logger).RegisterSSE(server.Router())

	server.Router().Handle("/metrics", metrics.Handler(func() {
		metrics.SetActiveStreams(registry.StreamCount())
		metrics.SetActiveBranches(registry.BranchCount())
		metrics.SetActiveRecordings(manager.ActiveCount())
	}))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	bus.Publish(events.Event{
		Type:    events.TypeSystemStartup,
		Message: "argus started",
		Data: map[string]any{
			"version":  version.Version,
			"provider": provider.Name(),
			"streams":  registry.StreamCount(),
		},
	})

	logger.Info("starting argus server",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.String("version", version.Version),
		slog.String("provider", provider.Name()),
		slog.String("recordings_path", recordingsPath),
	)

	serveErr := server.ListenAndServe(ctx)
	cancel()

	return errors.Join(serveErr, shutdown(sched, sweeper, manager, registry, cfg.Server.ShutdownTimeout, logger))
}

// registerCameras adds the configured camera streams. A camera that fails to
// build is logged and skipped so the remaining cameras still come up.
func registerCameras(ctx context.Context, registry *fanout.Registry, cameras []config.CameraConfig, logger *slog.Logger) {
	for _, c := range cameras {
		source := media.SourceDescriptor{
			Kind:        media.SourceKind(c.Kind),
			URI:         c.URI,
			Name:        c.Name,
			Description: c.Description,
			CameraID:    c.CameraID,
		}
		id, err := registry.AddStreamWithID(ctx, c.StreamID, source)
		if err != nil {
			logger.Error("failed to register camera stream",
				slog.String("stream_id", c.StreamID),
				slog.String("camera_id", c.CameraID),
				slog.String("uri", observability.RedactURL(c.URI)),
				slog.String("error", err.Error()),
			)
			continue
		}
		logger.Info("registered camera stream",
			slog.String("stream_id", id),
			slog.String("camera_id", c.CameraID),
		)
	}
}

// shutdown finalises recordings before tearing down the graphs they hang off.
func shutdown(
	sched *scheduler.Scheduler,
	sweeper *scheduler.RetentionSweeper,
	manager *recording.Manager,
	registry *fanout.Registry,
	timeout time.Duration,
	logger *slog.Logger,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if sweeper != nil {
		sweeper.Stop(ctx)
	}
	if err := sched.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping recordings: %w", err))
	}
	manager.Close()
	if err := registry.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing streams: %w", err))
	}

	logger.Info("argus stopped")
	return errors.Join(errs...)
}
