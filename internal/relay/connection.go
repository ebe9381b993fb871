package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the liveness of a relay connection.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// FrameHandler receives every parsed inbound frame. It runs on the
// connection's read goroutine and must not block.
type FrameHandler func(address string, frame *Frame)

// StateHandler is notified of every state transition.
type StateHandler func(address string, state State)

// Options tune a single relay connection.
type Options struct {
	ConnectTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	QueueSize        int
	MaxSubscriptions int // 0 means unlimited
	ReadLimit        int64
	SendRate         float64 // frames per second, 0 disables pacing
	SendBurst        int

	Clock  clock.Clock
	Dialer *websocket.Dialer
	Logger *zap.Logger
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   5 * time.Second,
		ReconnectInitial: time.Second,
		ReconnectMax:     time.Minute,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		QueueSize:        256,
		MaxSubscriptions: 10,
		ReadLimit:        4 * 1024 * 1024,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = def.ReconnectInitial
	}
	if o.ReconnectMax < o.ReconnectInitial {
		o.ReconnectMax = o.ReconnectInitial
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: o.ConnectTimeout,
		}
	}
}

// Backoff returns the reconnect delay before the given attempt (1-based):
// initial, 2*initial, 4*initial, ... capped at max.
func Backoff(attempt int, initial, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// outbound is one queued frame. REQ and CLOSE frames are derived from the
// subscription table and are rebuilt on every new session.
type outbound struct {
	kind  FrameType
	subID string
	data  []byte
}

type pendingSub struct {
	id  string
	req []byte
}

// Connection owns the transport session to one relay. It reconnects with
// exponential backoff until closed, queues sends while not open and keeps
// the relay's subscription table so REQs survive a reconnect.
type Connection struct {
	address string
	opts    Options
	log     *zap.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	started     bool
	attempt     int
	ws          *websocket.Conn
	queue       []outbound
	active      map[string][]byte
	activeOrder []string
	pending     []pendingSub

	writeMu sync.Mutex
	wake    chan struct{}

	handlerMu     sync.RWMutex
	frameHandlers []FrameHandler
	stateHandlers []StateHandler

	closeOnce sync.Once
	wg        sync.WaitGroup
	done      chan struct{}
}

// NewConnection creates an idle connection; call Open to start dialing.
// address must already be canonical.
func NewConnection(address string, opts Options) *Connection {
	opts.fill()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		address: address,
		opts:    opts,
		log:     logger.OrNew(opts.Logger, "connection").With(zap.String("relay", address)),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateConnecting,
		active:  make(map[string][]byte),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if opts.SendRate > 0 {
		burst := opts.SendBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.SendRate), burst)
	}
	return c
}

// Address returns the canonical relay address.
func (c *Connection) Address() string { return c.address }

// State returns the current liveness state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempt returns the number of consecutive failed connection attempts.
func (c *Connection) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// QueueLen returns the number of frames waiting to be written.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ActiveSubscriptions returns the ids whose REQ is live on this relay, in activation order.
func (c *Connection) ActiveSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.activeOrder...)
}

// PendingSubscriptions returns ids waiting for a free subscription slot.
func (c *Connection) PendingSubscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.pending))
	for i, p := range c.pending {
		ids[i] = p.id
	}
	return ids
}

// Done is closed once every goroutine of a closed connection has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// OnFrame registers a handler for parsed inbound frames.
func (c *Connection) OnFrame(h FrameHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.frameHandlers = append(c.frameHandlers, h)
}

// OnStateChange registers a handler for state transitions.
func (c *Connection) OnStateChange(h StateHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.stateHandlers = append(c.stateHandlers, h)
}

// Open starts the dial/reconnect loop. It returns immediately and is a
// no-op on a connection that is already running or closed.
func (c *Connection) Open() {
	c.mu.Lock()
	if c.started || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.run()
	go c.writeLoop()
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
}

// Send queues a raw frame. Frames are written in FIFO order once the
// connection is open; when the queue is full the oldest frame is dropped.
func (c *Connection) Send(frame []byte) error {
	return c.enqueue(outbound{kind: FrameEvent, data: frame})
}

// Publish queues ["EVENT", evt].
func (c *Connection) Publish(evt *nostr.Event) error {
	data, err := EventFrame(evt)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Authenticate queues ["AUTH", evt] answering the relay's challenge.
// The event must already be signed.
func (c *Connection) Authenticate(evt *nostr.Event) error {
	data, err := AuthFrame(evt)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{kind: FrameAuth, data: data})
}

func (c *Connection) enqueue(item outbound) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.enqueueLocked(item)
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *Connection) enqueueLocked(item outbound) {
	if len(c.queue) >= c.opts.QueueSize {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		metrics.SendQueueDropped.Inc()
		c.log.Warn("Send queue full, dropping oldest frame",
			zap.String("type", string(dropped.kind)),
			zap.Int("queue_size", c.opts.QueueSize))
	}
	c.queue = append(c.queue, item)
}

func (c *Connection) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers subID on this relay. The REQ is sent now (or on the
// next session) when a subscription slot is free, otherwise it waits in
// FIFO order for one. Re-subscribing an active id replaces its filters.
func (c *Connection) Subscribe(subID string, filters nostr.Filters) error {
	req, err := ReqFrame(subID, filters)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.signal()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrConnectionClosed
	}
	if _, ok := c.active[subID]; ok {
		c.active[subID] = req
		c.enqueueLocked(outbound{kind: FrameReq, subID: subID, data: req})
		return nil
	}
	for i, p := range c.pending {
		if p.id == subID {
			c.pending[i].req = req
			return nil
		}
	}
	if c.opts.MaxSubscriptions > 0 && len(c.active) >= c.opts.MaxSubscriptions {
		c.pending = append(c.pending, pendingSub{id: subID, req: req})
		c.log.Debug("Subscription slots full, queued", zap.String("sub_id", subID),
			zap.Int("pending", len(c.pending)))
		return nil
	}
	c.activateLocked(subID, req)
	return nil
}

// Unsubscribe drops subID from this relay. A CLOSE frame is sent only when
// the REQ is live on an open session.
func (c *Connection) Unsubscribe(subID string) {
	c.mu.Lock()
	defer c.signal()
	defer c.mu.Unlock()

	for i, p := range c.pending {
		if p.id == subID {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
	if _, ok := c.active[subID]; !ok {
		return
	}
	c.deactivateLocked(subID)

	if c.ws != nil && c.state == StateOpen {
		if data, err := CloseFrame(subID); err == nil {
			c.enqueueLocked(outbound{kind: FrameClose, subID: subID, data: data})
		}
	} else {
		c.dropQueuedLocked(subID)
	}
	c.promoteLocked()
}

func (c *Connection) activateLocked(subID string, req []byte) {
	c.active[subID] = req
	c.activeOrder = append(c.activeOrder, subID)
	c.enqueueLocked(outbound{kind: FrameReq, subID: subID, data: req})
}

func (c *Connection) deactivateLocked(subID string) {
	delete(c.active, subID)
	for i, id := range c.activeOrder {
		if id == subID {
			c.activeOrder = append(c.activeOrder[:i], c.activeOrder[i+1:]...)
			break
		}
	}
}

func (c *Connection) dropQueuedLocked(subID string) {
	kept := c.queue[:0]
	for _, item := range c.queue {
		if item.subID == subID && (item.kind == FrameReq || item.kind == FrameClose) {
			continue
		}
		kept = append(kept, item)
	}
	c.queue = kept
}

func (c *Connection) promoteLocked() {
	for len(c.pending) > 0 && (c.opts.MaxSubscriptions <= 0 || len(c.active) < c.opts.MaxSubscriptions) {
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.activateLocked(next.id, next.req)
		c.log.Debug("Promoted pending subscription", zap.String("sub_id", next.id))
	}
}

// releaseClosed handles a CLOSED frame: the relay already dropped the REQ.
func (c *Connection) releaseClosed(subID string) {
	c.mu.Lock()
	defer c.signal()
	defer c.mu.Unlock()
	if _, ok := c.active[subID]; !ok {
		return
	}
	c.deactivateLocked(subID)
	c.promoteLocked()
}

// Close stops the connection for good. It is idempotent and cancels any
// pending reconnect.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.queue = nil
		c.pending = nil
		c.active = make(map[string][]byte)
		c.activeOrder = nil
		prev := c.state
		c.state = StateClosed
		started := c.started
		c.mu.Unlock()

		if ws != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			if err = ws.Close(); errors.Is(err, net.ErrClosed) {
				err = nil
			}
		}
		if !started {
			close(c.done)
		}
		if prev != StateClosed {
			c.notifyState(StateClosed)
		}
		c.log.Debug("Relay connection closed")
	})
	return err
}

/* ------------------------------------------------------------------ *
|  Session loop                                                       |
* -------------------------------------------------------------------*/

func (c *Connection) run() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		c.setState(StateConnecting)

		ws, err := c.dial()
		if err == nil {
			c.session(ws)
		} else if c.ctx.Err() == nil {
			c.log.Debug("Relay dial failed", zap.Error(errors.ConnectionError(c.address, "dial", err)))
		}
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		c.setState(StateErrored)
		delay := Backoff(attempt, c.opts.ReconnectInitial, c.opts.ReconnectMax)
		metrics.Reconnects.Inc()
		c.log.Info("Scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		if !c.sleep(delay) {
			return
		}
	}
}

func (c *Connection) sleep(d time.Duration) bool {
	timer := c.opts.Clock.Timer(d)
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		timer.Stop()
		return false
	}
}

func (c *Connection) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
	defer cancel()

	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.address, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

func (c *Connection) session(ws *websocket.Conn) {
	readWait := 2 * c.opts.PingInterval
	ws.SetReadLimit(c.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWait))
	})

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.attempt = 0
	c.rebuildQueueLocked()
	c.mu.Unlock()

	c.setState(StateOpen)
	metrics.ConnectionOpened()
	c.log.Info("Relay connected", zap.Int("active_subscriptions", len(c.ActiveSubscriptions())))
	c.signal()

	stop := make(chan struct{})
	go c.pingLoop(ws, stop)
	c.readLoop(ws, readWait)
	close(stop)

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
	metrics.ConnectionClosed()
}

// rebuildQueueLocked replays the subscription table at the head of the
// queue for a fresh session.
func (c *Connection) rebuildQueueLocked() {
	rebuilt := make([]outbound, 0, len(c.activeOrder)+len(c.queue))
	for _, id := range c.activeOrder {
		rebuilt = append(rebuilt, outbound{kind: FrameReq, subID: id, data: c.active[id]})
	}
	for _, item := range c.queue {
		if item.kind == FrameReq || item.kind == FrameClose {
			continue
		}
		rebuilt = append(rebuilt, item)
	}
	c.queue = rebuilt
}

func (c *Connection) readLoop(ws *websocket.Conn, readWait time.Duration) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Info("Relay connection lost", zap.Error(errors.ConnectionError(c.address, "read", err)))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))

		frame, err := ParseFrame(data)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			c.log.Debug("Dropping unparseable frame", zap.Error(err), zap.Int("size", len(data)))
			continue
		}
		metrics.FramesReceived.WithLabelValues(string(frame.Type)).Inc()

		if frame.Type == FrameClosed {
			c.releaseClosed(frame.SubscriptionID)
		}
		c.dispatch(frame)
	}
}

func (c *Connection) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.log.Debug("Failed to send ping, dropping session", zap.Error(err))
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		ws := c.ws
		var item outbound
		ready := ws != nil && c.state == StateOpen && len(c.queue) > 0
		if ready {
			item = c.queue[0]
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()

		if !ready {
			select {
			case <-c.wake:
				continue
			case <-c.ctx.Done():
				return
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
		}

		c.writeMu.Lock()
		_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
		err := ws.WriteMessage(websocket.TextMessage, item.data)
		c.writeMu.Unlock()

		if err != nil {
			c.log.Debug("Relay write failed", zap.Error(errors.ConnectionError(c.address, "write", err)))
			c.mu.Lock()
			// REQ/CLOSE are regenerated from the subscription table
			if item.kind != FrameReq && item.kind != FrameClose && c.state != StateClosed {
				c.queue = append([]outbound{item}, c.queue...)
			}
			if c.ws == ws {
				c.ws = nil
			}
			c.mu.Unlock()
			_ = ws.Close()
			continue
		}
		metrics.FramesSent.WithLabelValues(string(item.kind)).Inc()
	}
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Connection) notifyState(s State) {
	c.handlerMu.RLock()
	handlers := append([]StateHandler(nil), c.stateHandlers...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(c.address, s)
	}
}

func (c *Connection) dispatch(f *Frame) {
	c.handlerMu.RLock()
	handlers := append([]FrameHandler(nil), c.frameHandlers...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(c.address, f)
	}
}
