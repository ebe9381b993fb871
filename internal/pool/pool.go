package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/cache"
	"github.com/Shugur-Network/relaypool/internal/domain"
	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/relay"
	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configure a Pool.
type Options struct {
	Connection     relay.Options
	PublishTimeout time.Duration

	// Verifier, when set, drops events it rejects before deduplication.
	Verifier domain.EventVerifier
	// Sink, when set, is notified of deliveries through a worker pool.
	Sink  domain.EventSink
	Cache cache.Options

	Logger *zap.Logger
	Clock  clock.Clock
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		Connection:     relay.DefaultOptions(),
		PublishTimeout: 10 * time.Second,
	}
}

// Option mutates Options before New applies them.
type Option func(*Options)

// WithVerifier installs an event verifier.
func WithVerifier(fn func(*nostr.Event) bool) Option {
	return func(o *Options) { o.Verifier = domain.VerifierFunc(fn) }
}

// WithSink installs an event sink.
func WithSink(sink domain.EventSink) Option {
	return func(o *Options) { o.Sink = sink }
}

// WithLogger sets the logger every pool component derives from.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithPublishTimeout bounds how long a publish waits for each relay's OK.
func WithPublishTimeout(d time.Duration) Option {
	return func(o *Options) { o.PublishTimeout = d }
}

// WithClock replaces the wall clock used for reconnect backoff and publish timeouts.
func WithClock(c clock.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// Pool multiplexes subscriptions and publishes over a dynamic set of relays.
type Pool struct {
	opts     Options
	log      *zap.Logger
	started  time.Time
	verifier domain.EventVerifier
	notifier *cache.Notifier

	registry *Registry
	subs     *Subscriptions
	pub      *Publisher
	notes    *mailbox[func()]

	handlerMu sync.RWMutex
	onNotice  []func(relay, message string)
	onAuth    []func(relay, challenge string)

	stateMu sync.Mutex
	stateCh chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	notesDone chan struct{}
}

// New creates an empty pool. Relays are added with AddRelays.
func New(opts Options, extra ...Option) *Pool {
	for _, o := range extra {
		o(&opts)
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultOptions().PublishTimeout
	}
	log := logger.OrNew(opts.Logger, "pool")
	if opts.Connection.Logger == nil {
		opts.Connection.Logger = log
	}
	if opts.Connection.Clock == nil {
		opts.Connection.Clock = opts.Clock
	}

	p := &Pool{
		opts:      opts,
		log:       log,
		started:   opts.Clock.Now(),
		verifier:  opts.Verifier,
		notes:     newMailbox[func()](),
		stateCh:   make(chan struct{}),
		closed:    make(chan struct{}),
		notesDone: make(chan struct{}),
	}

	p.registry = NewRegistry(opts.Connection, p.handleFrame)
	p.subs = NewSubscriptions(p.registry, log)
	p.pub = NewPublisher(p.registry, opts.Clock, opts.PublishTimeout, log)

	if opts.Sink != nil {
		cacheOpts := opts.Cache
		if cacheOpts.Logger == nil {
			cacheOpts.Logger = log
		}
		p.notifier = cache.NewNotifier(opts.Sink, cacheOpts)
		p.subs.setObserver(p.notifier)
	}

	p.registry.OnRemoved(func(address string) {
		p.subs.releaseRelay(address)
		p.pub.releaseRelay(address)
	})
	p.registry.OnStateChange(func(string, relay.State) {
		p.stateMu.Lock()
		close(p.stateCh)
		p.stateCh = make(chan struct{})
		p.stateMu.Unlock()
	})

	go func() {
		defer close(p.notesDone)
		for {
			fn, ok := p.notes.next()
			if !ok {
				return
			}
			fn()
		}
	}()

	return p
}

// handleFrame runs on a relay's read goroutine. It never blocks on a
// consumer: deliveries and notifications go through mailboxes.
func (p *Pool) handleFrame(address string, f *relay.Frame) {
	switch f.Type {
	case relay.FrameEvent:
		if p.verifier != nil && !p.verifier.Verify(f.Event) {
			metrics.FramesDropped.WithLabelValues("verification").Inc()
			p.log.Debug("Dropping event that failed verification",
				zap.String("relay", address), zap.String("event_id", f.Event.ID))
			return
		}
		p.subs.dispatchEvent(address, f.SubscriptionID, f.Event)

	case relay.FrameEOSE:
		p.subs.dispatchEOSE(address, f.SubscriptionID)

	case relay.FrameClosed:
		p.subs.dispatchClosed(address, f.SubscriptionID, f.Message)

	case relay.FrameOK:
		p.pub.handleOK(address, f)

	case relay.FrameNotice:
		p.log.Info("Relay notice", zap.String("relay", address), zap.String("message", f.Message))
		p.handlerMu.RLock()
		handlers := append(([]func(string, string))(nil), p.onNotice...)
		p.handlerMu.RUnlock()
		msg := f.Message
		for _, h := range handlers {
			p.notes.put(func() { h(address, msg) })
		}

	case relay.FrameAuth:
		p.log.Debug("Relay requested authentication", zap.String("relay", address))
		p.handlerMu.RLock()
		handlers := append(([]func(string, string))(nil), p.onAuth...)
		p.handlerMu.RUnlock()
		challenge := f.Challenge
		for _, h := range handlers {
			p.notes.put(func() { h(address, challenge) })
		}

	default:
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
	}
}

func (p *Pool) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// AddRelays connects to every new address. Already known addresses are
// ignored; invalid ones are reported in the error and skipped.
func (p *Pool) AddRelays(addresses ...string) ([]string, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	return p.registry.AddRelays(addresses)
}

// RemoveRelay disconnects a relay and releases it from every subscription
// and pending publish.
func (p *Pool) RemoveRelay(address string) bool {
	return p.registry.RemoveRelay(address)
}

// SwitchRelays makes the relay set exactly addresses. Subscriptions keep
// only the targets that survive; new relays are not added to them.
func (p *Pool) SwitchRelays(addresses ...string) ([]string, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	keep := make(map[string]struct{}, len(addresses))
	for _, raw := range addresses {
		if addr, err := relay.NormalizeAddress(raw); err == nil {
			keep[addr] = struct{}{}
		}
	}
	for _, addr := range p.registry.Addresses() {
		if _, ok := keep[addr]; !ok {
			p.registry.RemoveRelay(addr)
		}
	}
	return p.registry.AddRelays(addresses)
}

// StatusSnapshot returns address → connected for every relay.
func (p *Pool) StatusSnapshot() map[string]bool { return p.registry.StatusSnapshot() }

// States returns every relay's connection state.
func (p *Pool) States() map[string]relay.State { return p.registry.States() }

// Relays returns the known relay addresses, sorted.
func (p *Pool) Relays() []string { return p.registry.Addresses() }

// Registry exposes the connection registry.
func (p *Pool) Registry() *Registry { return p.registry }

// OnNewlyConnected registers h for relays that open; see Registry.OnNewlyConnected.
func (p *Pool) OnNewlyConnected(h func(batch []string)) { p.registry.OnNewlyConnected(h) }

// DrainRecentlyConnected returns and clears the relays opened since the last drain.
func (p *Pool) DrainRecentlyConnected() []string { return p.registry.DrainRecentlyConnected() }

// Subscribe opens a deduplicated subscription on the relays sel resolves to now.
func (p *Pool) Subscribe(filters nostr.Filters, sel Selector, opts ...SubscribeOption) (*Subscription, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	return p.subs.Subscribe(filters, sel, opts...)
}

// Unsubscribe closes a subscription. It is a no-op for unknown or closed ids.
func (p *Pool) Unsubscribe(id string) bool { return p.subs.Unsubscribe(id) }

// Subscription returns a live subscription by id.
func (p *Pool) Subscription(id string) (*Subscription, bool) { return p.subs.Get(id) }

// SubscriptionCount returns the number of live subscriptions.
func (p *Pool) SubscriptionCount() int { return p.subs.Count() }

// Publish sends a signed event to the relays sel resolves to now.
func (p *Pool) Publish(evt *nostr.Event, sel Selector) (*PublishHandle, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	return p.pub.Publish(evt, sel)
}

// Authenticate answers a relay's AUTH challenge with a signed event.
func (p *Pool) Authenticate(address string, evt *nostr.Event) error {
	addr, err := relay.NormalizeAddress(address)
	if err != nil {
		return err
	}
	conn, ok := p.registry.Get(addr)
	if !ok {
		return ErrUnknownRelay
	}
	return conn.Authenticate(evt)
}

// OnNotice registers h for NOTICE frames. Handlers run on a shared
// notification goroutine, in arrival order.
func (p *Pool) OnNotice(h func(relay, message string)) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.onNotice = append(p.onNotice, h)
}

// OnAuthChallenge registers h for AUTH challenges.
func (p *Pool) OnAuthChallenge(h func(relay, challenge string)) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.onAuth = append(p.onAuth, h)
}

// WaitForConnections blocks until at least n relays are open or ctx ends.
func (p *Pool) WaitForConnections(ctx context.Context, n int) error {
	for {
		p.stateMu.Lock()
		changed := p.stateCh
		p.stateMu.Unlock()

		open := 0
		for _, ok := range p.registry.StatusSnapshot() {
			if ok {
				open++
			}
		}
		if open >= n {
			return nil
		}
		select {
		case <-changed:
		case <-p.closed:
			return ErrPoolClosed
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "TIMEOUT",
				fmt.Sprintf("only %d of %d relays connected", open, n))
		}
	}
}

// GetStartTime returns when the pool was created.
func (p *Pool) GetStartTime() time.Time { return p.started }

// Close unsubscribes everything, closes every connection and stops the
// sink workers. It is idempotent.
func (p *Pool) Close() error {
	var errs error
	p.closeOnce.Do(func() {
		close(p.closed)
		n := p.subs.UnsubscribeAll()

		conns := p.registry.Addresses()
		var g errgroup.Group
		var mu sync.Mutex
		for _, addr := range conns {
			conn, ok := p.registry.Get(addr)
			if !ok {
				continue
			}
			g.Go(func() error {
				err := conn.Close()
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		errs = multierr.Append(errs, p.registry.Close())

		if p.notifier != nil {
			p.notifier.Close()
		}
		p.notes.close()
		<-p.notesDone

		p.log.Info("Relay pool closed",
			zap.Int("relays", len(conns)),
			zap.Int("subscriptions_closed", n))
	})
	return errs
}
