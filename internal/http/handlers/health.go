// Package handlers provides HTTP API handlers for argus.
package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/shirou/gopsutil/v4/disk"
	"gorm.io/gorm"
)

// EngineStats reports the size of the running engine.
type EngineStats interface {
	StreamCount() int
	BranchCount() int
}

// RecordingStats reports the number of active recordings.
type RecordingStats interface {
	ActiveCount() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version        string
	startTime      time.Time
	db             *gorm.DB
	engine         EngineStats
	recordings     RecordingStats
	recordingsPath string
	minFreeSpace   uint64
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// WithEngine sets the engine counters reported by the health check.
func (h *HealthHandler) WithEngine(engine EngineStats, recordings RecordingStats) *HealthHandler {
	h.engine = engine
	h.recordings = recordings
	return h
}

// WithStorage sets the recordings directory and the free space below which
// storage is reported as degraded.
func (h *HealthHandler) WithStorage(path string, minFree uint64) *HealthHandler {
	h.recordingsPath = path
	h.minFreeSpace = minFree
	return h
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status        string            `json:"status" enum:"healthy,degraded,unhealthy"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	SwapUsedMB        float64 `json:"swap_used_mb"`
	ProcessMB         float64 `json:"process_mb"`
}

// HealthComponents holds per-component health.
type HealthComponents struct {
	Database DatabaseHealth `json:"database"`
	Storage  StorageHealth  `json:"storage"`
	Engine   EngineHealth   `json:"engine"`
}

// DatabaseHealth reports database reachability and pool usage.
type DatabaseHealth struct {
	Status            string  `json:"status"`
	ResponseTimeMS    float64 `json:"response_time_ms"`
	ActiveConnections int     `json:"active_connections"`
	IdleConnections   int     `json:"idle_connections"`
}

// StorageHealth reports free space of the recordings volume.
type StorageHealth struct {
	Status      string  `json:"status"`
	Path        string  `json:"path,omitempty"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// EngineHealth reports engine counters.
type EngineHealth struct {
	Streams          int `json:"streams"`
	Branches         int `json:"branches"`
	ActiveRecordings int `json:"active_recordings"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Status int
	Body   struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health of the service with system, storage and engine metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports whether the database is reachable.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{Status: http.StatusOK}
	out.Body.Status = "ready"
	out.Body.Components = map[string]string{"database": "ok"}

	if h.db == nil {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "not_ready"
		out.Body.Components["database"] = "not_configured"
		return out, nil
	}
	if db := h.getDatabaseHealth(ctx); db.Status != "ok" {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "not_ready"
		out.Body.Components["database"] = db.Status
	}
	return out, nil
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	dbHealth := h.getDatabaseHealth(ctx)
	storage := h.getStorageHealth(ctx)

	status := "healthy"
	switch {
	case dbHealth.Status == "error":
		status = "unhealthy"
	case storage.Status == "low_space" || storage.Status == "error":
		status = "degraded"
	}

	var engine EngineHealth
	if h.engine != nil {
		engine.Streams = h.engine.StreamCount()
		engine.Branches = h.engine.BranchCount()
	}
	if h.recordings != nil {
		engine.ActiveRecordings = h.recordings.ActiveCount()
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.getCPUInfo(ctx),
			Memory:        h.getMemoryInfo(ctx),
			Components: HealthComponents{
				Database: dbHealth,
				Storage:  storage,
				Engine:   engine,
			},
			Checks: map[string]string{
				"database": dbHealth.Status,
				"storage":  storage.Status,
			},
		},
	}, nil
}

func (h *HealthHandler) getCPUInfo(ctx context.Context) CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	const mb = 1024 * 1024
	info := MemoryInfo{}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		info.TotalMemoryMB = float64(vm.Total) / mb
		info.UsedMemoryMB = float64(vm.Used) / mb
		info.AvailableMemoryMB = float64(vm.Available) / mb
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil && swap != nil {
		info.SwapUsedMB = float64(swap.Used) / mb
	}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if pm, err := proc.MemoryInfoWithContext(ctx); err == nil && pm != nil {
			info.ProcessMB = float64(pm.RSS) / mb
		}
	}
	return info
}

func (h *HealthHandler) getStorageHealth(ctx context.Context) StorageHealth {
	if h.recordingsPath == "" {
		return StorageHealth{Status: "not_configured"}
	}
	health := StorageHealth{Status: "ok", Path: h.recordingsPath}

	usage, err := disk.UsageWithContext(ctx, h.recordingsPath)
	if err != nil {
		health.Status = "error"
		return health
	}
	health.TotalBytes = usage.Total
	health.FreeBytes = usage.Free
	health.UsedPercent = usage.UsedPercent
	if h.minFreeSpace > 0 && usage.Free < h.minFreeSpace {
		health.Status = "low_space"
	}
	return health
}

func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{Status: "ok"}
	if h.db == nil {
		health.Status = "unknown"
		return health
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		health.Status = "error"
		return health
	}
	stats := sqlDB.Stats()
	health.ActiveConnections = stats.InUse
	health.IdleConnections = stats.Idle

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		health.Status = "error"
	}
	return health
}
