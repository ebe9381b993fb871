package pool

import (
	"sort"
	"sync"

	"github.com/Shugur-Network/relaypool/internal/logger"
	"github.com/Shugur-Network/relaypool/internal/metrics"
	"github.com/Shugur-Network/relaypool/internal/relay"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Registry owns one Connection per canonical relay address.
type Registry struct {
	opts    relay.Options
	onFrame relay.FrameHandler
	log     *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*relay.Connection
	states map[string]relay.State
	recent map[string]struct{}
	closed bool

	handlerMu      sync.RWMutex
	newlyConnected []func(batch []string)
	removed        []func(address string)
	stateChanged   []func(address string, state relay.State)
}

// NewRegistry creates an empty registry. onFrame is installed on every
// connection the registry creates.
func NewRegistry(opts relay.Options, onFrame relay.FrameHandler) *Registry {
	return &Registry{
		opts:    opts,
		onFrame: onFrame,
		log:     logger.OrNew(opts.Logger, "registry"),
		conns:   make(map[string]*relay.Connection),
		states:  make(map[string]relay.State),
		recent:  make(map[string]struct{}),
	}
}

// AddRelays canonicalizes each address and opens a connection for every
// address not already known. It returns the addresses that were added;
// invalid addresses are skipped and reported in the returned error.
func (r *Registry) AddRelays(addresses []string) ([]string, error) {
	var (
		added []string
		errs  error
		fresh []*relay.Connection
	)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrPoolClosed
	}
	for _, raw := range addresses {
		addr, err := relay.NormalizeAddress(raw)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if _, ok := r.conns[addr]; ok {
			continue
		}

		connOpts := r.opts
		connOpts.Logger = r.log
		conn := relay.NewConnection(addr, connOpts)
		if r.onFrame != nil {
			conn.OnFrame(r.onFrame)
		}
		conn.OnStateChange(func(address string, state relay.State) {
			r.handleState(conn, address, state)
		})

		r.conns[addr] = conn
		r.states[addr] = conn.State()
		metrics.StateChanged("", conn.State().String())
		added = append(added, addr)
		fresh = append(fresh, conn)
	}
	r.mu.Unlock()

	for _, conn := range fresh {
		conn.Open()
	}
	if len(added) > 0 {
		r.log.Info("Relays added", zap.Strings("relays", added))
	}
	return added, errs
}

// RemoveRelay closes and forgets a relay. It reports whether the relay was known.
func (r *Registry) RemoveRelay(address string) bool {
	addr, err := relay.NormalizeAddress(address)
	if err != nil {
		return false
	}

	r.mu.Lock()
	conn, ok := r.conns[addr]
	if ok {
		metrics.StateChanged(r.states[addr].String(), "")
		delete(r.conns, addr)
		delete(r.states, addr)
		delete(r.recent, addr)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := conn.Close(); err != nil {
		r.log.Debug("Error closing removed relay", zap.String("relay", addr), zap.Error(err))
	}

	r.handlerMu.RLock()
	hooks := append(([]func(string))(nil), r.removed...)
	r.handlerMu.RUnlock()
	for _, h := range hooks {
		h(addr)
	}

	r.log.Info("Relay removed", zap.String("relay", addr))
	return true
}

func (r *Registry) handleState(conn *relay.Connection, addr string, state relay.State) {
	r.mu.Lock()
	if r.conns[addr] != conn {
		// removed or replaced; its transitions no longer matter
		r.mu.Unlock()
		return
	}
	prev := r.states[addr]
	r.states[addr] = state
	metrics.StateChanged(prev.String(), state.String())

	var batch []string
	if state == relay.StateOpen {
		r.recent[addr] = struct{}{}
		batch = sortedKeys(r.recent)
	}
	r.mu.Unlock()

	r.handlerMu.RLock()
	stateHooks := append(([]func(string, relay.State))(nil), r.stateChanged...)
	var connectedHooks []func([]string)
	if batch != nil {
		connectedHooks = append(connectedHooks, r.newlyConnected...)
	}
	r.handlerMu.RUnlock()

	for _, h := range stateHooks {
		h(addr, state)
	}
	for _, h := range connectedHooks {
		h(append([]string(nil), batch...))
	}
}

// StatusSnapshot returns address → connected for every known relay.
func (r *Registry) StatusSnapshot() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.states))
	for addr, st := range r.states {
		out[addr] = st == relay.StateOpen
	}
	return out
}

// States returns a copy of every relay's connection state.
func (r *Registry) States() map[string]relay.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]relay.State, len(r.states))
	for addr, st := range r.states {
		out[addr] = st
	}
	return out
}

// Addresses returns the known relay addresses, sorted.
func (r *Registry) Addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.conns))
	for addr := range r.conns {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// Get returns the connection for a canonical address.
func (r *Registry) Get(address string) (*relay.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[address]
	return conn, ok
}

// OnNewlyConnected registers h to be called whenever a relay opens, with
// every relay that opened since the last DrainRecentlyConnected.
func (r *Registry) OnNewlyConnected(h func(batch []string)) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.newlyConnected = append(r.newlyConnected, h)
}

// OnRemoved registers h to be called after a relay is removed.
func (r *Registry) OnRemoved(h func(address string)) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.removed = append(r.removed, h)
}

// OnStateChange registers h for every state transition of every relay.
func (r *Registry) OnStateChange(h func(address string, state relay.State)) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	r.stateChanged = append(r.stateChanged, h)
}

// RecentlyConnected returns the relays opened since the last drain without clearing them.
func (r *Registry) RecentlyConnected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.recent)
}

// DrainRecentlyConnected returns and clears the relays opened since the last drain.
func (r *Registry) DrainRecentlyConnected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := sortedKeys(r.recent)
	r.recent = make(map[string]struct{})
	return out
}

// Close closes every connection. The registry rejects new relays afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := r.conns
	for addr, st := range r.states {
		metrics.StateChanged(st.String(), "")
		delete(r.states, addr)
	}
	r.conns = make(map[string]*relay.Connection)
	r.recent = make(map[string]struct{})
	r.mu.Unlock()

	var errs error
	for _, conn := range conns {
		errs = multierr.Append(errs, conn.Close())
	}
	return errs
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
