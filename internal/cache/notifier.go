package cache

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/workers"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

// Options tune the notifier.
type Options struct {
	Workers           int
	QueueSize         int
	ExpectedEvents    uint
	FalsePositiveRate float64
	Timeout           time.Duration
	Logger            *zap.Logger
}

func (o *Options) fill() {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.ExpectedEvents == 0 {
		o.ExpectedEvents = 1_000_000
	}
	if o.FalsePositiveRate <= 0 || o.FalsePositiveRate >= 1 {
		o.FalsePositiveRate = 0.01
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
}

// Notifier forwards deliveries to an EventSink off the delivery path.
// A bloom filter remembers which ids were already handed over so that the
// same event delivered to several subscriptions is stored once; later
// sightings become MarkSeen calls. A false positive turns a store into a
// MarkSeen, which the sink is expected to tolerate. Each notification is
// attempted once; retrying transient failures is the sink's job.
type Notifier struct {
	sink domain.EventSink
	opts Options
	pool *workers.WorkerPool
	log  *zap.Logger

	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewNotifier starts the worker pool backing sink notifications.
func NewNotifier(sink domain.EventSink, opts Options) *Notifier {
	opts.fill()
	log := logger.OrNew(opts.Logger, "cache")
	return &Notifier{
		sink:   sink,
		opts:   opts,
		pool:   workers.NewWorkerPool(opts.Workers, opts.QueueSize, log),
		log:    log,
		filter: bloom.NewWithEstimates(opts.ExpectedEvents, opts.FalsePositiveRate),
	}
}

// Delivered is called when a subscription delivers evt for the first time.
func (n *Notifier) Delivered(evt *nostr.Event, relay string) {
	n.mu.Lock()
	known := n.filter.Test([]byte(evt.ID))
	if !known {
		n.filter.AddString(evt.ID)
	}
	n.mu.Unlock()

	if known {
		n.Seen(evt.ID, relay)
		return
	}

	id := evt.ID
	n.submit(id, relay, func(ctx context.Context) error {
		return n.sink.StoreEvent(ctx, evt, relay)
	})
}

// Seen is called when a known event is seen on another relay.
func (n *Notifier) Seen(eventID, relay string) {
	n.submit(eventID, relay, func(ctx context.Context) error {
		return n.sink.MarkSeen(ctx, eventID, relay)
	})
}

func (n *Notifier) submit(eventID, relay string, call func(ctx context.Context) error) {
	ok := n.pool.AddJob(func() {
		ctx, cancel := context.WithTimeout(logger.WithRelay(context.Background(), relay), n.opts.Timeout)
		defer cancel()
		if err := call(ctx); err != nil {
			metrics.SinkFailures.Inc()
			n.log.Warn("Event sink notification failed",
				zap.String("event_id", eventID),
				zap.String("relay", relay),
				zap.Error(err))
		}
	})
	if !ok {
		metrics.SinkDropped.Inc()
		n.log.Warn("Event sink queue full, dropping notification",
			zap.String("event_id", eventID),
			zap.String("relay", relay))
	}
}

// Flush waits until every queued notification has been attempted.
func (n *Notifier) Flush() {
	n.pool.Wait()
}

// Close drains pending notifications and stops the workers.
func (n *Notifier) Close() {
	n.pool.Stop()
}
