package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/jmylchreest/vidtap/internal/admission"
)

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdmissionStats reports admission state.
type AdmissionStats interface {
	Stats() admission.Stats
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        Pinger
	admission AdmissionStats
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database checked by readiness.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// WithAdmission sets the admission controller reported by /health.
func (h *HealthHandler) WithAdmission(a AdmissionStats) *HealthHandler {
	h.admission = a
	return h
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service status, admission state and memory usage",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns 503 while the job history database is unreachable",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Admission     *admission.Stats  `json:"admission,omitempty"`
	Memory        MemoryInfo        `json:"memory"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// MemoryInfo is system and Go runtime memory in bytes.
type MemoryInfo struct {
	SystemTotal     uint64 `json:"system_total"`
	SystemAvailable uint64 `json:"system_available"`
	SystemUsed      uint64 `json:"system_used"`
	GoHeapAlloc     uint64 `json:"go_heap_alloc"`
	GoSys           uint64 `json:"go_sys"`
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	uptime := time.Since(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Memory:        memoryInfo(ctx),
		Checks:        map[string]string{"database": h.databaseStatus(ctx)},
	}
	if resp.Checks["database"] == "error" {
		resp.Status = "degraded"
	}
	if h.admission != nil {
		stats := h.admission.Stats()
		resp.Admission = &stats
	}
	return &HealthOutput{Body: resp}, nil
}

func memoryInfo(ctx context.Context) MemoryInfo {
	var info MemoryInfo
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		info.SystemTotal = vm.Total
		info.SystemAvailable = vm.Available
		info.SystemUsed = vm.Used
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	info.GoHeapAlloc = ms.HeapAlloc
	info.GoSys = ms.Sys
	return info
}

func (h *HealthHandler) databaseStatus(ctx context.Context) string {
	if h.db == nil {
		return "not_configured"
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.Ping(pingCtx); err != nil {
		return "error"
	}
	return "ok"
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// ProbeOutput is the output of the liveness and readiness probes.
type ProbeOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components,omitempty"`
	}
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(context.Context, *LivezInput) (*ProbeOutput, error) {
	out := &ProbeOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// GetReadyz reports whether the service can take conversions.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ProbeOutput, error) {
	dbStatus := h.databaseStatus(ctx)
	if dbStatus == "error" {
		return nil, huma.Error503ServiceUnavailable("database unreachable")
	}
	out := &ProbeOutput{}
	out.Body.Status = "ready"
	out.Body.Components = map[string]string{"database": dbStatus}
	return out, nil
}
