package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveryWindow = NewSlidingWindow(60*time.Second, 10000)

// Local counters backing the status endpoint, since prometheus metrics can't be read directly
var (
	openConnectionsCount  int64
	deliveredCount        int64
	duplicateCount        int64
	activeSubscrCount     int64
	publishAcceptedCount  int64
	publishFailedCount    int64
	lastDeliveryTimestamp int64
)

// Metrics for tracking pool behaviour
var (
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaypool_open_connections",
		Help: "The number of relay connections currently open",
	})

	ConnectionStates = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relaypool_connections",
		Help: "Relay connections by state",
	}, []string{"state"})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_reconnects_total",
		Help: "The total number of scheduled reconnect attempts",
	})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_frames_received_total",
		Help: "Parsed frames received from relays by type",
	}, []string{"type"})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_frames_sent_total",
		Help: "Frames written to relays by type",
	}, []string{"type"})

	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_frames_dropped_total",
		Help: "Inbound frames dropped by reason",
	}, []string{"reason"})

	SendQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_send_queue_dropped_total",
		Help: "Outbound frames dropped because a relay's send queue was full",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_events_delivered_total",
		Help: "Distinct events delivered to subscriptions",
	})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_duplicate_events_total",
		Help: "Events already seen by a subscription and only annotated",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relaypool_active_subscriptions",
		Help: "The number of open subscriptions",
	})

	PublishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_publish_results_total",
		Help: "Per-relay publish outcomes",
	}, []string{"status"})

	PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relaypool_publish_duration_seconds",
		Help:    "Time until a publish completes on every target",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 6), // 10ms .. ~10s
	})

	SinkDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_sink_dropped_total",
		Help: "Cache notifications dropped because the worker queue was full",
	})

	SinkFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relaypool_sink_failures_total",
		Help: "Cache notifications the event sink rejected",
	})

	DBConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_db_connections_total",
		Help: "Event cache database connection attempts by result",
	}, []string{"result"})

	DBOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relaypool_db_operations_total",
		Help: "Event cache database writes by operation and result",
	}, []string{"op", "result"})
)

// RegisterMetrics pre-registers label values so they are exported at zero.
func RegisterMetrics() {
	for _, state := range []string{"connecting", "open", "closed", "errored"} {
		ConnectionStates.WithLabelValues(state)
	}
	for _, t := range []string{"EVENT", "EOSE", "OK", "NOTICE", "CLOSED", "AUTH"} {
		FramesReceived.WithLabelValues(t)
	}
	for _, t := range []string{"EVENT", "REQ", "CLOSE", "AUTH"} {
		FramesSent.WithLabelValues(t)
	}
	for _, reason := range []string{"malformed", "unknown_subscription", "not_target", "verification", "unsolicited_ok"} {
		FramesDropped.WithLabelValues(reason)
	}
	for _, status := range []string{"ok", "rejected", "timeout", "error"} {
		PublishResults.WithLabelValues(status)
	}
}

// ConnectionOpened records a relay session becoming open.
func ConnectionOpened() {
	OpenConnections.Inc()
	atomic.AddInt64(&openConnectionsCount, 1)
}

// ConnectionClosed records a relay session ending.
func ConnectionClosed() {
	OpenConnections.Dec()
	atomic.AddInt64(&openConnectionsCount, -1)
}

// GetOpenConnectionsCount returns the number of open relay sessions.
func GetOpenConnectionsCount() int64 {
	return atomic.LoadInt64(&openConnectionsCount)
}

// StateChanged moves one connection between state gauges.
func StateChanged(from, to string) {
	if from != "" {
		ConnectionStates.WithLabelValues(from).Dec()
	}
	if to != "" {
		ConnectionStates.WithLabelValues(to).Inc()
	}
}

// IncrementDelivered counts a first delivery of an event to a subscription.
func IncrementDelivered() {
	EventsDelivered.Inc()
	atomic.AddInt64(&deliveredCount, 1)
	now := time.Now().Unix()
	atomic.StoreInt64(&lastDeliveryTimestamp, now)
	deliveryWindow.Add(now)
}

// GetDeliveredCount returns the number of distinct deliveries since start.
func GetDeliveredCount() int64 {
	return atomic.LoadInt64(&deliveredCount)
}

// IncrementDuplicates counts an event a subscription had already delivered.
func IncrementDuplicates() {
	DuplicateEvents.Inc()
	atomic.AddInt64(&duplicateCount, 1)
}

// GetDuplicateCount returns the number of duplicate sightings since start.
func GetDuplicateCount() int64 {
	return atomic.LoadInt64(&duplicateCount)
}

// IncrementActiveSubscriptions increments the active subscriptions counter
func IncrementActiveSubscriptions() {
	ActiveSubscriptions.Inc()
	atomic.AddInt64(&activeSubscrCount, 1)
}

// DecrementActiveSubscriptions decrements the active subscriptions counter
func DecrementActiveSubscriptions() {
	ActiveSubscriptions.Dec()
	atomic.AddInt64(&activeSubscrCount, -1)
}

// GetActiveSubscriptionsCount returns the current number of active subscriptions
func GetActiveSubscriptionsCount() int64 {
	return atomic.LoadInt64(&activeSubscrCount)
}

// RecordPublishResult counts one relay's publish outcome.
func RecordPublishResult(status string) {
	PublishResults.WithLabelValues(status).Inc()
	if status == "ok" {
		atomic.AddInt64(&publishAcceptedCount, 1)
	} else {
		atomic.AddInt64(&publishFailedCount, 1)
	}
}

// GetPublishCounts returns accepted and failed per-relay publish outcomes.
func GetPublishCounts() (accepted, failed int64) {
	return atomic.LoadInt64(&publishAcceptedCount), atomic.LoadInt64(&publishFailedCount)
}

// GetDeliveriesPerSecond calculates deliveries per second using a sliding window
func GetDeliveriesPerSecond() float64 {
	return deliveryWindow.Rate()
}

// GetLastDelivery returns the time of the most recent delivery, or zero.
func GetLastDelivery() time.Time {
	ts := atomic.LoadInt64(&lastDeliveryTimestamp)
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}
