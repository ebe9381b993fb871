package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFO(t *testing.T) {
	m := newMailbox[int]()
	for i := 0; i < 100; i++ {
		require.True(t, m.put(i))
	}
	for i := 0; i < 100; i++ {
		v, ok := m.next()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	m.close()
	m.close()
	assert.False(t, m.put(1))
	_, ok := m.next()
	assert.False(t, ok)
}

func TestMailbox_NextWakesOnClose(t *testing.T) {
	m := newMailbox[string]()
	done := make(chan bool)
	go func() {
		_, ok := m.next()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	m.close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("next did not return after close")
	}
}

func TestBus_ViewsAreIndependent(t *testing.T) {
	var pushed atomic.Int32
	open := atomic.Bool{}
	open.Store(true)

	b := newBus(func(Delivery) { pushed.Add(1) }, true, open.Load)
	for i := 0; i < 10; i++ {
		b.publish(Delivery{Relay: "wss://a.example.com"})
	}

	// nobody reads the pull channel, the callback still sees everything
	require.Eventually(t, func() bool { return pushed.Load() == 10 }, time.Second, 5*time.Millisecond)

	d := <-b.events
	assert.Equal(t, "wss://a.example.com", d.Relay)

	open.Store(false)
	b.close()
	b.wg.Wait()
	_, ok := <-b.events
	assert.False(t, ok)
}

func TestBus_NoCallbackAfterClose(t *testing.T) {
	var calls atomic.Int32
	open := atomic.Bool{}
	open.Store(true)

	block := make(chan struct{})
	b := newBus(func(Delivery) {
		<-block
		calls.Add(1)
	}, false, open.Load)

	b.publish(Delivery{})
	b.publish(Delivery{})
	b.publish(Delivery{})

	open.Store(false)
	closed := make(chan struct{})
	go func() {
		b.close()
		close(closed)
	}()
	close(block)
	<-closed
	b.wg.Wait()
	// only a delivery already inside the callback when close began can land
	assert.LessOrEqual(t, calls.Load(), int32(1))
	assert.Nil(t, b.events)
}

func TestBus_CloseWaitsForCheckedDelivery(t *testing.T) {
	checking := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	isOpen := func() bool {
		once.Do(func() {
			close(checking)
			<-proceed
		})
		return true
	}

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	b := newBus(func(Delivery) { record("callback") }, false, isOpen)
	b.publish(Delivery{})
	<-checking

	closed := make(chan struct{})
	go func() {
		b.close()
		record("closed")
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a checked delivery was pending")
	case <-time.After(50 * time.Millisecond):
	}

	close(proceed)
	<-closed
	b.wg.Wait()
	assert.Equal(t, []string{"callback", "closed"}, order)
}

func TestBus_CloseFromCallback(t *testing.T) {
	var b *bus
	var calls atomic.Int32
	b = newBus(func(Delivery) {
		calls.Add(1)
		b.close()
	}, false, func() bool { return true })

	b.publish(Delivery{})
	b.publish(Delivery{})

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("close from inside the callback deadlocked")
	}
	assert.Equal(t, int32(1), calls.Load())
}
