package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/Shugur-Network/relaypool/internal/constants"
	"github.com/Shugur-Network/relaypool/internal/domain"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  HealthStatus   `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus       `json:"status"`
	Timestamp  time.Time          `json:"timestamp"`
	Version    string             `json:"version"`
	Uptime     string             `json:"uptime"`
	Components []*ComponentStatus `json:"components"`
	Summary    map[string]any     `json:"summary"`
}

// HealthChecker reports relay connectivity and process resources.
type HealthChecker struct {
	pool    domain.PoolStatus
	cache   domain.CacheStatus
	logger  *zap.Logger
	version string
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(pool domain.PoolStatus, logger *zap.Logger, version string) *HealthChecker {
	return &HealthChecker{
		pool:    pool,
		logger:  logger.Named("health"),
		version: version,
	}
}

// WithCache adds the event cache to the checked components.
func (h *HealthChecker) WithCache(cache domain.CacheStatus) *HealthChecker {
	h.cache = cache
	return h
}

// CheckHealth performs a comprehensive health check
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	startTime := time.Now()

	components := []*ComponentStatus{
		h.checkRelays(),
		h.checkMemory(),
		h.checkSystemResources(),
	}
	if h.cache != nil {
		components = append(components, h.checkCache(ctx))
	}
	if err := ctx.Err(); err != nil {
		components = append(components, &ComponentStatus{
			Name:    "check",
			Status:  StatusDegraded,
			Message: err.Error(),
		})
	}

	return &HealthResponse{
		Status:     determineOverallStatus(components),
		Timestamp:  time.Now(),
		Version:    h.version,
		Uptime:     formatUptime(time.Since(h.pool.GetStartTime())),
		Components: components,
		Summary: map[string]any{
			"total_components":     len(components),
			"healthy_components":   countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(startTime).Milliseconds(),
		},
	}
}

// checkRelays is healthy when every relay is open, degraded when some are
// and unhealthy when none are. A pool without relays is healthy.
func (h *HealthChecker) checkRelays() *ComponentStatus {
	snapshot := h.pool.StatusSnapshot()
	open := 0
	for _, ok := range snapshot {
		if ok {
			open++
		}
	}

	status := &ComponentStatus{
		Name: "relays",
		Details: map[string]any{
			"relays":        snapshot,
			"open":          open,
			"total":         len(snapshot),
			"subscriptions": h.pool.SubscriptionCount(),
		},
	}

	switch {
	case open == len(snapshot):
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("All relays connected: %d/%d", open, len(snapshot))
	case open > 0:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Some relays disconnected: %d/%d connected", open, len(snapshot))
	default:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("No relay connected: 0/%d", len(snapshot))
	}
	return status
}

// checkCache is degraded rather than unhealthy when the cache is down:
// the pool keeps delivering without it.
func (h *HealthChecker) checkCache(ctx context.Context) *ComponentStatus {
	stats := h.cache.Stats()
	status := &ComponentStatus{
		Name: "event_cache",
		Details: map[string]any{
			"total_connections":    stats.TotalConnections,
			"acquired_connections": stats.AcquiredConnections,
			"idle_connections":     stats.IdleConnections,
			"max_connections":      stats.MaxConnections,
		},
	}
	if err := h.cache.Ping(ctx); err != nil {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Event cache unreachable: %v", err)
		return status
	}
	status.Status = StatusHealthy
	status.Message = "Event cache reachable"
	return status
}

func (h *HealthChecker) checkMemory() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	allocMB := float64(m.Alloc) / 1024 / 1024
	status := &ComponentStatus{
		Name: "memory",
		Details: map[string]any{
			"alloc_mb": allocMB,
			"sys_mb":   float64(m.Sys) / 1024 / 1024,
			"heap_mb":  float64(m.HeapAlloc) / 1024 / 1024,
			"num_gc":   m.NumGC,
		},
	}

	const (
		memoryWarningMB  = 256
		memoryCriticalMB = 1024
	)

	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Memory usage normal: %.1f MB", allocMB)
	}
	return status
}

func (h *HealthChecker) checkSystemResources() *ComponentStatus {
	goroutineCount := runtime.NumGoroutine()
	status := &ComponentStatus{
		Name: "system",
		Details: map[string]any{
			"goroutines": goroutineCount,
			"cpus":       runtime.NumCPU(),
		},
	}

	// every relay costs a reader and a writer goroutine, every subscription a pump
	const (
		goroutineWarning  = 2000
		goroutineCritical = 10000
	)

	switch {
	case goroutineCount > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutineCount)
	case goroutineCount > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutineCount)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("System resources normal: %d goroutines", goroutineCount)
	}
	return status
}

func determineOverallStatus(components []*ComponentStatus) HealthStatus {
	if countComponentsByStatus(components, StatusUnhealthy) > 0 {
		return StatusUnhealthy
	}
	if countComponentsByStatus(components, StatusDegraded) > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

func countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. Only an unhealthy
// pool answers 503.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout)
	defer cancel()

	resp := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if resp.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(resp.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
