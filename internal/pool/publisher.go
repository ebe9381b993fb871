package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/relay"
	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// PublishStatus is one relay's outcome for a publish.
type PublishStatus string

const (
	StatusPending  PublishStatus = "pending"
	StatusOK       PublishStatus = "ok"
	StatusRejected PublishStatus = "rejected"
	StatusTimeout  PublishStatus = "timeout"
	StatusError    PublishStatus = "error"
)

// RelayResult is the final (or pending) outcome on one relay.
type RelayResult struct {
	Status  PublishStatus
	Message string
}

// PublishHandle tracks one event sent to a resolved set of relays. Every
// target reaches a terminal status exactly once, so Done always closes.
type PublishHandle struct {
	event   *nostr.Event
	targets []string
	started time.Time

	accepted  atomic.Int32
	mu        sync.Mutex
	results   map[string]RelayResult
	remaining int
	timer     *clock.Timer
	done      chan struct{}
	onDone    func(*PublishHandle)
}

func newPublishHandle(evt *nostr.Event, targets []string, started time.Time) *PublishHandle {
	h := &PublishHandle{
		event:     evt,
		targets:   targets,
		started:   started,
		results:   make(map[string]RelayResult, len(targets)),
		remaining: len(targets),
		done:      make(chan struct{}),
	}
	for _, t := range targets {
		h.results[t] = RelayResult{Status: StatusPending}
	}
	if len(targets) == 0 {
		close(h.done)
	}
	return h
}

// EventID returns the id of the published event.
func (h *PublishHandle) EventID() string { return h.event.ID }

// Event returns the published event.
func (h *PublishHandle) Event() *nostr.Event { return h.event }

// Targets returns the relays the event was sent to, sorted.
func (h *PublishHandle) Targets() []string { return append([]string(nil), h.targets...) }

// Accepted returns the number of relays that answered OK true so far.
func (h *PublishHandle) Accepted() int { return int(h.accepted.Load()) }

// Results returns a snapshot of every target's outcome.
func (h *PublishHandle) Results() map[string]RelayResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]RelayResult, len(h.results))
	for k, v := range h.results {
		out[k] = v
	}
	return out
}

// Statuses returns a snapshot of target → status.
func (h *PublishHandle) Statuses() map[string]PublishStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]PublishStatus, len(h.results))
	for k, v := range h.results {
		out[k] = v.Status
	}
	return out
}

// Done is closed once no target is pending.
func (h *PublishHandle) Done() <-chan struct{} { return h.done }

// Complete reports whether every target has a terminal status.
func (h *PublishHandle) Complete() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the handle completes or ctx ends, and returns the results.
func (h *PublishHandle) Wait(ctx context.Context) (map[string]RelayResult, error) {
	select {
	case <-h.done:
		return h.Results(), nil
	case <-ctx.Done():
		return h.Results(), ctx.Err()
	}
}

// resolve moves addr out of pending. Terminal statuses never change.
func (h *PublishHandle) resolve(addr string, status PublishStatus, msg string) bool {
	h.mu.Lock()
	cur, ok := h.results[addr]
	if !ok || cur.Status != StatusPending {
		h.mu.Unlock()
		return false
	}
	h.results[addr] = RelayResult{Status: status, Message: msg}
	if status == StatusOK {
		h.accepted.Add(1)
	}
	h.remaining--
	finished := h.remaining == 0
	if finished {
		if h.timer != nil {
			h.timer.Stop()
		}
		close(h.done)
	}
	onDone := h.onDone
	h.mu.Unlock()

	metrics.RecordPublishResult(string(status))
	if finished && onDone != nil {
		onDone(h)
	}
	return true
}

// expire marks every still-pending target as timed out.
func (h *PublishHandle) expire() {
	h.mu.Lock()
	var pending []string
	for addr, r := range h.results {
		if r.Status == StatusPending {
			pending = append(pending, addr)
		}
	}
	h.mu.Unlock()

	for _, addr := range pending {
		h.resolve(addr, StatusTimeout, "no OK before deadline")
	}
}

// Publisher sends events and aggregates per-relay OK answers.
type Publisher struct {
	reg     *Registry
	clock   clock.Clock
	timeout time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	inflight map[string][]*PublishHandle
}

// NewPublisher creates a publisher that waits at most timeout for each relay's OK.
func NewPublisher(reg *Registry, clk clock.Clock, timeout time.Duration, log *zap.Logger) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	return &Publisher{
		reg:      reg,
		clock:    clk,
		timeout:  timeout,
		log:      logger.OrNew(log, "publisher"),
		inflight: make(map[string][]*PublishHandle),
	}
}

// Publish sends evt to the relays sel resolves to. The event must already
// be signed; it is not modified. No target is retried.
func (p *Publisher) Publish(evt *nostr.Event, sel Selector) (*PublishHandle, error) {
	if evt == nil || !nostr.IsValid32ByteHex(evt.ID) {
		return nil, ErrInvalidEvent
	}

	frame, err := relay.EventFrame(evt)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "INVALID_EVENT", "cannot encode event")
	}

	targets := Resolve(sel, p.reg)
	h := newPublishHandle(evt, targets, p.clock.Now())
	if len(targets) == 0 {
		return h, nil
	}

	// armed before the handle becomes reachable so every resolve can stop it
	h.onDone = p.forget
	h.timer = p.clock.AfterFunc(p.timeout, h.expire)

	p.mu.Lock()
	p.inflight[evt.ID] = append(p.inflight[evt.ID], h)
	p.mu.Unlock()

	for _, addr := range targets {
		conn, ok := p.reg.Get(addr)
		if !ok {
			h.resolve(addr, StatusError, "relay removed")
			continue
		}
		if err := conn.Send(frame); err != nil {
			p.log.Warn("Publish send failed",
				zap.Error(errors.PublishError(addr, evt.ID, err.Error())))
			h.resolve(addr, StatusError, err.Error())
		}
	}

	p.log.Debug("Event published",
		zap.String("event_id", evt.ID),
		zap.Strings("targets", targets))
	return h, nil
}

func (p *Publisher) forget(h *PublishHandle) {
	metrics.PublishDuration.Observe(p.clock.Since(h.started).Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.inflight[h.event.ID]
	for i, x := range list {
		if x == h {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.inflight, h.event.ID)
	} else {
		p.inflight[h.event.ID] = list
	}
}

func (p *Publisher) handles(eventID string) []*PublishHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*PublishHandle(nil), p.inflight[eventID]...)
}

// handleOK applies an OK frame to every in-flight publish of the event.
func (p *Publisher) handleOK(address string, f *relay.Frame) {
	status := StatusRejected
	if f.OK {
		status = StatusOK
	}

	matched := false
	for _, h := range p.handles(f.EventID) {
		if h.resolve(address, status, f.Message) {
			matched = true
		}
	}
	if !matched {
		metrics.FramesDropped.WithLabelValues("unsolicited_ok").Inc()
		p.log.Debug("OK for no pending publish",
			zap.String("relay", address), zap.String("event_id", f.EventID))
	}
}

// releaseRelay fails every pending publish slot held by a removed relay.
func (p *Publisher) releaseRelay(address string) {
	p.mu.Lock()
	var all []*PublishHandle
	for _, list := range p.inflight {
		all = append(all, list...)
	}
	p.mu.Unlock()

	for _, h := range all {
		h.resolve(address, StatusError, "relay removed")
	}
}

// Pending returns the number of publishes still waiting on some relay.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.inflight {
		n += len(list)
	}
	return n
}
