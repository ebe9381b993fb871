package pool

import (
	"context"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/relay"
	gonanoid "github.com/matoous/go-nanoid/v2"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Delivery is one event handed to a subscriber, tagged with the relay it
// was first received from.
type Delivery struct {
	Event          *nostr.Event
	Relay          string
	SubscriptionID string
}

// SubscribeOption configures the views and notifications of a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	callback func(Delivery)
	iterator bool
	onSeen   func(eventID, relay string, count int)
	onEOSE   func(relay string)
	onClosed func(relay, reason string)
}

// WithCallback delivers each event to fn on the subscription's own goroutine.
func WithCallback(fn func(Delivery)) SubscribeOption {
	return func(c *subscribeConfig) { c.callback = fn }
}

// WithIterator enables the pull view (Events / Next). It is implied when
// no callback is given.
func WithIterator() SubscribeOption {
	return func(c *subscribeConfig) { c.iterator = true }
}

// WithSeenCallback is notified when an already delivered event is seen on
// another relay. count is the number of relays that have now sent it.
func WithSeenCallback(fn func(eventID, relay string, count int)) SubscribeOption {
	return func(c *subscribeConfig) { c.onSeen = fn }
}

// WithEOSECallback is notified when a target relay signals end of stored events.
func WithEOSECallback(fn func(relay string)) SubscribeOption {
	return func(c *subscribeConfig) { c.onEOSE = fn }
}

// WithClosedCallback is notified when a relay terminates the subscription on its side.
func WithClosedCallback(fn func(relay, reason string)) SubscribeOption {
	return func(c *subscribeConfig) { c.onClosed = fn }
}

// deliveryObserver is told about every first delivery and every repeat sighting.
type deliveryObserver interface {
	Delivered(evt *nostr.Event, relay string)
	Seen(eventID, relay string)
}

// Subscription is a logical subscription fanned out to a fixed set of
// relays, with per-event deduplication.
type Subscription struct {
	id       string
	filters  nostr.Filters
	selector Selector
	created  time.Time
	owner    *Subscriptions
	observer deliveryObserver
	cfg      subscribeConfig
	bus      *bus

	mu        sync.Mutex
	open      bool
	targets   map[string]struct{}
	seenBy    map[string]map[string]struct{}
	eose      map[string]struct{}
	closedBy  map[string]string
	delivered int
	eoseDone  bool
	eoseCh    chan struct{}
	done      chan struct{}
}

func newSubscription(id string, filters nostr.Filters, sel Selector, targets []string, cfg subscribeConfig) *Subscription {
	s := &Subscription{
		id:       id,
		filters:  copyFilters(filters),
		selector: sel,
		created:  time.Now(),
		cfg:      cfg,
		open:     true,
		targets:  make(map[string]struct{}, len(targets)),
		seenBy:   make(map[string]map[string]struct{}),
		eose:     make(map[string]struct{}),
		closedBy: make(map[string]string),
		eoseCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, t := range targets {
		s.targets[t] = struct{}{}
	}
	s.bus = newBus(cfg.callback, cfg.iterator || cfg.callback == nil, s.IsOpen)
	s.checkEOSELocked()
	return s
}

// ID returns the wire subscription id.
func (s *Subscription) ID() string { return s.id }

// Filters returns a copy of the filters sent in every REQ.
func (s *Subscription) Filters() nostr.Filters { return copyFilters(s.filters) }

// Selector returns the selector the targets were resolved from.
func (s *Subscription) Selector() Selector { return s.selector }

// CreatedAt returns when the subscription was opened.
func (s *Subscription) CreatedAt() time.Time { return s.created }

// Targets returns the relays this subscription is still bound to, sorted.
func (s *Subscription) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.targets)
}

// Events is the pull view. The channel is closed when the subscription
// is. It is nil when the subscription only has a callback view.
func (s *Subscription) Events() <-chan Delivery { return s.bus.events }

// Next blocks for the next delivery.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	if s.bus.events == nil {
		return Delivery{}, ErrNoIterator
	}
	select {
	case d, ok := <-s.bus.events:
		if !ok {
			return Delivery{}, ErrSubscriptionClosed
		}
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// SeenBy returns the relays that have sent eventID, sorted.
func (s *Subscription) SeenBy(eventID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.seenBy[eventID]
	if !ok {
		return nil
	}
	return sortedKeys(set)
}

// SeenByRelay returns a snapshot of event id → relays that sent it.
func (s *Subscription) SeenByRelay() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.seenBy))
	for id, set := range s.seenBy {
		out[id] = sortedKeys(set)
	}
	return out
}

// Delivered returns how many distinct events were delivered.
func (s *Subscription) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// EOSE returns the relays that have signalled end of stored events.
func (s *Subscription) EOSE() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.eose)
}

// AllEOSE reports whether every remaining target has either sent EOSE or
// closed the subscription.
func (s *Subscription) AllEOSE() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eoseDone
}

// WaitEOSE blocks until AllEOSE holds, the subscription closes or ctx ends.
func (s *Subscription) WaitEOSE(ctx context.Context) error {
	select {
	case <-s.eoseCh:
		return nil
	default:
	}
	select {
	case <-s.eoseCh:
		return nil
	case <-s.done:
		return ErrSubscriptionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClosedBy returns relay → reason for every relay that sent CLOSED.
func (s *Subscription) ClosedBy() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.closedBy))
	for k, v := range s.closedBy {
		out[k] = v
	}
	return out
}

// IsOpen reports whether the subscription still delivers events.
func (s *Subscription) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Done is closed when the subscription is unsubscribed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Unsubscribe closes the subscription on every relay. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.owner != nil {
		s.owner.Unsubscribe(s.id)
		return
	}
	s.close()
}

func (s *Subscription) handleEvent(address string, evt *nostr.Event) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	if _, ok := s.targets[address]; !ok {
		s.mu.Unlock()
		metrics.FramesDropped.WithLabelValues("not_target").Inc()
		return
	}

	if set, ok := s.seenBy[evt.ID]; ok {
		set[address] = struct{}{}
		count := len(set)
		if fn := s.cfg.onSeen; fn != nil {
			id := evt.ID
			s.bus.note(func() { fn(id, address, count) })
		}
		s.mu.Unlock()

		metrics.IncrementDuplicates()
		if s.observer != nil {
			s.observer.Seen(evt.ID, address)
		}
		return
	}

	s.seenBy[evt.ID] = map[string]struct{}{address: {}}
	s.delivered++
	s.bus.publish(Delivery{Event: evt, Relay: address, SubscriptionID: s.id})
	s.mu.Unlock()

	metrics.IncrementDelivered()
	if s.observer != nil {
		s.observer.Delivered(evt, address)
	}
}

func (s *Subscription) handleEOSE(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	if _, ok := s.targets[address]; !ok {
		return
	}
	if _, dup := s.eose[address]; dup {
		return
	}
	s.eose[address] = struct{}{}
	if fn := s.cfg.onEOSE; fn != nil {
		s.bus.note(func() { fn(address) })
	}
	s.checkEOSELocked()
}

func (s *Subscription) handleClosed(address, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	if _, ok := s.targets[address]; !ok {
		return
	}
	s.closedBy[address] = reason
	if fn := s.cfg.onClosed; fn != nil {
		s.bus.note(func() { fn(address, reason) })
	}
	s.checkEOSELocked()
}

// releaseRelay unbinds a removed relay. seenBy keeps its history.
func (s *Subscription) releaseRelay(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[address]; !ok {
		return false
	}
	delete(s.targets, address)
	delete(s.eose, address)
	delete(s.closedBy, address)
	if s.open {
		s.checkEOSELocked()
	}
	return true
}

func (s *Subscription) checkEOSELocked() {
	if s.eoseDone {
		return
	}
	for t := range s.targets {
		_, gotEOSE := s.eose[t]
		_, gotClosed := s.closedBy[t]
		if !gotEOSE && !gotClosed {
			return
		}
	}
	s.eoseDone = true
	close(s.eoseCh)
}

// close marks the subscription inert and returns the targets it was bound to.
func (s *Subscription) close() ([]string, bool) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil, false
	}
	s.open = false
	targets := sortedKeys(s.targets)
	close(s.done)
	s.mu.Unlock()

	s.bus.close()
	return targets, true
}

// Subscriptions tracks every live subscription and routes inbound frames to them.
type Subscriptions struct {
	reg      *Registry
	observer deliveryObserver
	log      *zap.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewSubscriptions creates a subscription table bound to reg.
func NewSubscriptions(reg *Registry, log *zap.Logger) *Subscriptions {
	return &Subscriptions{
		reg:  reg,
		log:  logger.OrNew(log, "subscriptions"),
		subs: make(map[string]*Subscription),
	}
}

func (ss *Subscriptions) setObserver(o deliveryObserver) { ss.observer = o }

// Subscribe validates filters, resolves sel once and sends a REQ to every
// target. An empty target set yields a valid subscription that never delivers.
func (ss *Subscriptions) Subscribe(filters nostr.Filters, sel Selector, opts ...SubscribeOption) (*Subscription, error) {
	if err := relay.ValidateFilters(filters); err != nil {
		return nil, err
	}

	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	targets := Resolve(sel, ss.reg)

	ss.mu.Lock()
	id := gonanoid.Must()
	for ss.subs[id] != nil {
		id = gonanoid.Must()
	}
	s := newSubscription(id, filters, sel, targets, cfg)
	s.owner = ss
	s.observer = ss.observer
	ss.subs[id] = s
	ss.mu.Unlock()

	metrics.IncrementActiveSubscriptions()

	for _, addr := range targets {
		conn, ok := ss.reg.Get(addr)
		if !ok {
			s.releaseRelay(addr)
			continue
		}
		if err := conn.Subscribe(id, s.filters); err != nil {
			ss.log.Debug("Target refused subscription",
				zap.String("relay", addr),
				zap.Error(errors.SubscriptionError(id, err.Error())))
			s.releaseRelay(addr)
		}
	}

	ss.log.Debug("Subscription opened",
		zap.String("sub_id", id),
		zap.String("selector", sel.String()),
		zap.Strings("targets", targets))
	return s, nil
}

// Unsubscribe closes id on every target relay. It returns false when id
// is unknown or was already closed.
func (ss *Subscriptions) Unsubscribe(id string) bool {
	ss.mu.Lock()
	s, ok := ss.subs[id]
	delete(ss.subs, id)
	ss.mu.Unlock()
	if !ok {
		return false
	}

	targets, closed := s.close()
	if !closed {
		return false
	}
	metrics.DecrementActiveSubscriptions()

	for _, addr := range targets {
		if conn, ok := ss.reg.Get(addr); ok {
			conn.Unsubscribe(id)
		}
	}
	ss.log.Debug("Subscription closed", zap.String("sub_id", id), zap.Int("targets", len(targets)))
	return true
}

// UnsubscribeAll closes every live subscription.
func (ss *Subscriptions) UnsubscribeAll() int {
	ss.mu.RLock()
	ids := make([]string, 0, len(ss.subs))
	for id := range ss.subs {
		ids = append(ids, id)
	}
	ss.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if ss.Unsubscribe(id) {
			n++
		}
	}
	return n
}

// Get returns a live subscription.
func (ss *Subscriptions) Get(id string) (*Subscription, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.subs[id]
	return s, ok
}

// Count returns the number of live subscriptions.
func (ss *Subscriptions) Count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.subs)
}

func (ss *Subscriptions) lookup(address, id string) *Subscription {
	ss.mu.RLock()
	s := ss.subs[id]
	ss.mu.RUnlock()
	if s == nil {
		metrics.FramesDropped.WithLabelValues("unknown_subscription").Inc()
		ss.log.Debug("Frame for unknown subscription", zap.String("relay", address), zap.String("sub_id", id))
	}
	return s
}

func (ss *Subscriptions) dispatchEvent(address, id string, evt *nostr.Event) {
	if s := ss.lookup(address, id); s != nil {
		s.handleEvent(address, evt)
	}
}

func (ss *Subscriptions) dispatchEOSE(address, id string) {
	if s := ss.lookup(address, id); s != nil {
		s.handleEOSE(address)
	}
}

func (ss *Subscriptions) dispatchClosed(address, id, reason string) {
	if s := ss.lookup(address, id); s != nil {
		ss.log.Info("Relay closed subscription",
			zap.String("relay", address), zap.String("sub_id", id), zap.String("reason", reason))
		s.handleClosed(address, reason)
	}
}

// releaseRelay unbinds a removed relay from every live subscription.
func (ss *Subscriptions) releaseRelay(address string) {
	ss.mu.RLock()
	subs := make([]*Subscription, 0, len(ss.subs))
	for _, s := range ss.subs {
		subs = append(subs, s)
	}
	ss.mu.RUnlock()

	for _, s := range subs {
		s.releaseRelay(address)
	}
}

func copyFilters(in nostr.Filters) nostr.Filters {
	if in == nil {
		return nil
	}
	out := make(nostr.Filters, len(in))
	for i, f := range in {
		c := f
		c.IDs = append([]string(nil), f.IDs...)
		c.Authors = append([]string(nil), f.Authors...)
		c.Kinds = append([]int(nil), f.Kinds...)
		if f.Tags != nil {
			c.Tags = make(nostr.TagMap, len(f.Tags))
			for k, v := range f.Tags {
				c.Tags[k] = append([]string(nil), v...)
			}
		}
		if f.Since != nil {
			since := *f.Since
			c.Since = &since
		}
		if f.Until != nil {
			until := *f.Until
			c.Until = &until
		}
		out[i] = c
	}
	return out
}
