package web

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"go.uber.org/zap"
)

// StatsData is the body of /api/stats.
type StatsData struct {
	Relays              map[string]bool  `json:"relays"`
	OpenRelays          int              `json:"open_relays"`
	OpenConnections     int64            `json:"open_connections"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
	EventsDelivered     int64            `json:"events_delivered"`
	DuplicateEvents     int64            `json:"duplicate_events"`
	DeliveriesPerSecond float64          `json:"deliveries_per_second"`
	LastDelivery        *time.Time       `json:"last_delivery,omitempty"`
	PublishAccepted     int64            `json:"publish_accepted"`
	PublishFailed       int64            `json:"publish_failed"`
	MemoryUsage         map[string]int64 `json:"memory_usage"`
	Uptime              string           `json:"uptime"`
	StartedAt           time.Time        `json:"started_at"`
	Version             string           `json:"version"`
}

// Handler serves the pool statistics API.
type Handler struct {
	pool    domain.PoolStatus
	logger  *zap.Logger
	version string
}

// NewHandler creates a new web handler
func NewHandler(pool domain.PoolStatus, logger *zap.Logger, version string) *Handler {
	return &Handler{pool: pool, logger: logger, version: version}
}

// Routes registers the API endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	api := SecurityMiddleware(APISecurityHeaders())
	mux.Handle("/api/stats", api(GetOnly(h.HandleStatsAPI)))
}

// HandleStatsAPI serves the stats API endpoint
func (h *Handler) HandleStatsAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(h.getStatsData()); err != nil {
		h.logger.Error("Failed to encode stats response", zap.Error(err))
	}
}

func (h *Handler) getStatsData() *StatsData {
	snapshot := h.pool.StatusSnapshot()
	open := 0
	for _, ok := range snapshot {
		if ok {
			open++
		}
	}

	accepted, failed := metrics.GetPublishCounts()
	started := h.pool.GetStartTime()
	stats := &StatsData{
		Relays:              snapshot,
		OpenRelays:          open,
		OpenConnections:     metrics.GetOpenConnectionsCount(),
		ActiveSubscriptions: h.pool.SubscriptionCount(),
		EventsDelivered:     metrics.GetDeliveredCount(),
		DuplicateEvents:     metrics.GetDuplicateCount(),
		DeliveriesPerSecond: metrics.GetDeliveriesPerSecond(),
		PublishAccepted:     accepted,
		PublishFailed:       failed,
		MemoryUsage:         getMemoryUsage(),
		Uptime:              time.Since(started).Truncate(time.Second).String(),
		StartedAt:           started,
		Version:             h.version,
	}
	if last := metrics.GetLastDelivery(); !last.IsZero() {
		stats.LastDelivery = &last
	}
	return stats
}

func getMemoryUsage() map[string]int64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]int64{
		"alloc_bytes": int64(m.Alloc),
		"heap_bytes":  int64(m.HeapAlloc),
		"sys_bytes":   int64(m.Sys),
		"gc_cycles":   int64(m.NumGC),
		"goroutines":  int64(runtime.NumGoroutine()),
	}
}
