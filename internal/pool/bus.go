package pool

import (
	"sync"
	"sync/atomic"
)

// mailbox is an unbounded FIFO between a producer that must never block
// (a relay read loop) and a single consumer goroutine.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

// put appends v. It reports false once the mailbox is closed.
func (m *mailbox[T]) put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// next blocks until an item is available or the mailbox is closed.
func (m *mailbox[T]) next() (T, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			var zero T
			return zero, false
		}
		if len(m.items) > 0 {
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		m.mu.Unlock()
		<-m.notify
	}
}

// close discards anything still queued and wakes the consumer.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.items = nil
	m.mu.Unlock()
	close(m.notify)
}

// bus fans one ordered stream of deliveries out to the push and pull views
// of a subscription. Each view has its own mailbox so a consumer that
// stops reading the channel does not stall the callback.
type bus struct {
	push  *mailbox[Delivery]
	pull  *mailbox[Delivery]
	notes *mailbox[func()]

	events chan Delivery
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// deliverMu spans the open check and the callback so close can wait
	// out a callback that passed the check.
	deliverMu  sync.Mutex
	closed     atomic.Bool
	inCallback atomic.Bool
}

func newBus(callback func(Delivery), iterator bool, isOpen func() bool) *bus {
	b := &bus{notes: newMailbox[func()](), stop: make(chan struct{})}

	if callback != nil {
		b.push = newMailbox[Delivery]()
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				d, ok := b.push.next()
				if !ok {
					return
				}
				b.deliverMu.Lock()
				if !b.closed.Load() && isOpen() {
					b.inCallback.Store(true)
					callback(d)
					b.inCallback.Store(false)
				}
				b.deliverMu.Unlock()
			}
		}()
	}

	if iterator {
		b.pull = newMailbox[Delivery]()
		b.events = make(chan Delivery)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			defer close(b.events)
			for {
				d, ok := b.pull.next()
				if !ok {
					return
				}
				select {
				case b.events <- d:
				case <-b.stop:
					return
				}
			}
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			fn, ok := b.notes.next()
			if !ok {
				return
			}
			if isOpen() {
				fn()
			}
		}
	}()

	return b
}

func (b *bus) publish(d Delivery) {
	if b.push != nil {
		b.push.put(d)
	}
	if b.pull != nil {
		b.pull.put(d)
	}
}

func (b *bus) note(fn func()) {
	b.notes.put(fn)
}

// close stops both views. Once it returns no callback starts; a callback
// already running may finish. Closing from inside the callback does not
// wait for it.
func (b *bus) close() {
	b.closed.Store(true)
	if !b.inCallback.Load() {
		b.deliverMu.Lock()
		b.deliverMu.Unlock() // nolint:staticcheck // waits out a callback that passed the open check
	}
	b.once.Do(func() {
		close(b.stop)
		if b.push != nil {
			b.push.close()
		}
		if b.pull != nil {
			b.pull.close()
		}
		b.notes.close()
	})
}
