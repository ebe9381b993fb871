package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/relaypool/internal/errors"
	"github.com/Shugur-Network/relaypool/internal/relaytest"
	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func newTestPool(t *testing.T, extra ...Option) *Pool {
	t.Helper()
	opts := DefaultOptions()
	opts.Logger = zap.NewNop()
	opts.Connection.ConnectTimeout = 500 * time.Millisecond
	opts.Connection.ReconnectInitial = 20 * time.Millisecond
	opts.Connection.ReconnectMax = 100 * time.Millisecond
	p := New(opts, extra...)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func waitOpen(t *testing.T, p *Pool, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.WaitForConnections(ctx, n))
}

func kind1() nostr.Filters {
	return nostr.Filters{{Kinds: []int{nostr.KindTextNote}}}
}

type recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (r *recorder) add(d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func (r *recorder) all() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

func TestPool_Scenario(t *testing.T) {
	r1 := relaytest.New(t)
	r2 := relaytest.New(t)
	p := newTestPool(t)

	added, err := p.AddRelays(r1.Addr, r2.Addr)
	require.NoError(t, err)
	require.Len(t, added, 2)
	waitOpen(t, p, 2)

	rec := &recorder{}
	sub, err := p.Subscribe(kind1(), All(), WithCallback(rec.add))
	require.NoError(t, err)
	s1 := sub.ID()

	require.Eventually(t, func() bool {
		return r1.Count("REQ", s1) == 1 && r2.Count("REQ", s1) == 1
	}, waitFor, tick)

	e1 := relaytest.Event("hello")
	r1.Send("EVENT", s1, e1)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	got := rec.all()[0]
	assert.Equal(t, e1.ID, got.Event.ID)
	assert.Equal(t, r1.Addr, got.Relay)
	assert.Equal(t, []string{r1.Addr}, sub.SeenBy(e1.ID))

	r2.Send("EVENT", s1, e1)
	require.Eventually(t, func() bool { return len(sub.SeenBy(e1.ID)) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []string{r1.Addr, r2.Addr}, sub.SeenBy(e1.ID))
	assert.Never(t, func() bool { return rec.count() > 1 }, 100*time.Millisecond, tick)

	assert.True(t, p.Unsubscribe(s1))
	require.Eventually(t, func() bool {
		return r1.Count("CLOSE", s1) == 1 && r2.Count("CLOSE", s1) == 1
	}, waitFor, tick)

	r1.Send("EVENT", s1, relaytest.Event("forged"))
	assert.Never(t, func() bool { return rec.count() > 1 }, 100*time.Millisecond, tick)
	assert.Equal(t, 1, sub.Delivered())
}

func TestPool_DedupAcrossRelays(t *testing.T) {
	relays := []*relaytest.Relay{relaytest.New(t), relaytest.New(t), relaytest.New(t)}
	p := newTestPool(t)
	for _, r := range relays {
		_, err := p.AddRelays(r.Addr)
		require.NoError(t, err)
	}
	waitOpen(t, p, 3)

	sub, err := p.Subscribe(kind1(), All())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, r := range relays {
			if r.Count("REQ", sub.ID()) == 0 {
				return false
			}
		}
		return true
	}, waitFor, tick)

	evt := relaytest.Event("everywhere")
	for _, r := range relays {
		r.Send("EVENT", sub.ID(), evt)
		r.Send("EVENT", sub.ID(), evt)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	d, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, d.Event.ID)
	assert.Equal(t, sub.ID(), d.SubscriptionID)

	require.Eventually(t, func() bool { return len(sub.SeenBy(evt.ID)) == 3 }, waitFor, tick)

	short, cancelShort := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancelShort()
	_, err = sub.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_SeenCallback(t *testing.T) {
	r1 := relaytest.New(t)
	r2 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr, r2.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 2)

	type seen struct {
		relay string
		count int
	}
	var mu sync.Mutex
	var calls []seen
	sub, err := p.Subscribe(kind1(), All(),
		WithCallback(func(Delivery) {}),
		WithSeenCallback(func(_ string, relay string, count int) {
			mu.Lock()
			calls = append(calls, seen{relay, count})
			mu.Unlock()
		}))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r2.Count("REQ", sub.ID()) == 1 }, waitFor, tick)

	evt := relaytest.Event("twice")
	r1.Send("EVENT", sub.ID(), evt)
	require.Eventually(t, func() bool { return sub.Delivered() == 1 }, waitFor, tick)
	r2.Send("EVENT", sub.ID(), evt)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, seen{r2.Addr, 2}, calls[0])
	mu.Unlock()
}

func TestPool_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	r1 := relaytest.New(t)
	hung := relaytest.Hung(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr, hung)
	require.NoError(t, err)
	waitOpen(t, p, 1)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	slow, err := p.Subscribe(kind1(), All(), WithCallback(func(Delivery) { <-block }))
	require.NoError(t, err)

	fast := &recorder{}
	quick, err := p.Subscribe(kind1(), All(), WithCallback(fast.add))
	require.NoError(t, err)
	assert.Len(t, quick.Targets(), 2)

	require.Eventually(t, func() bool {
		return r1.Count("REQ", slow.ID()) == 1 && r1.Count("REQ", quick.ID()) == 1
	}, waitFor, tick)

	for i := 0; i < 5; i++ {
		evt := relaytest.Event(fmt.Sprintf("burst %d", i))
		r1.Send("EVENT", slow.ID(), evt)
		r1.Send("EVENT", quick.ID(), evt)
	}

	require.Eventually(t, func() bool { return fast.count() == 5 }, waitFor, tick)
	assert.Equal(t, 5, slow.Delivered())
	assert.Equal(t, map[string]bool{r1.Addr: true, hung: false}, p.StatusSnapshot())
}

func TestPool_UnsubscribeIsIdempotent(t *testing.T) {
	r1 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 1)

	sub, err := p.Subscribe(kind1(), All())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r1.Count("REQ", sub.ID()) == 1 }, waitFor, tick)

	assert.True(t, p.Unsubscribe(sub.ID()))
	assert.False(t, p.Unsubscribe(sub.ID()))
	sub.Unsubscribe()
	assert.False(t, sub.IsOpen())
	assert.Equal(t, 0, p.SubscriptionCount())

	require.Eventually(t, func() bool { return r1.Count("CLOSE", sub.ID()) == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return r1.Count("CLOSE", sub.ID()) > 1 }, 100*time.Millisecond, tick)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after unsubscribe")
	}
}

func TestPool_UnsubscribeBeforeOpenSendsNoClose(t *testing.T) {
	hung := relaytest.Hung(t)
	p := newTestPool(t)
	_, err := p.AddRelays(hung)
	require.NoError(t, err)

	sub, err := p.Subscribe(kind1(), All())
	require.NoError(t, err)
	conn, ok := p.Registry().Get(hung)
	require.True(t, ok)
	assert.Equal(t, []string{sub.ID()}, conn.ActiveSubscriptions())

	assert.True(t, p.Unsubscribe(sub.ID()))
	assert.Empty(t, conn.ActiveSubscriptions())
	assert.Equal(t, 0, conn.QueueLen())
}

func TestPool_TargetsResolvedOnce(t *testing.T) {
	r1 := relaytest.New(t)
	r2 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 1)

	rec := &recorder{}
	sub, err := p.Subscribe(kind1(), All(), WithCallback(rec.add))
	require.NoError(t, err)
	assert.Equal(t, []string{r1.Addr}, sub.Targets())

	_, err = p.AddRelays(r2.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 2)

	assert.Never(t, func() bool { return r2.Count("REQ", sub.ID()) > 0 }, 100*time.Millisecond, tick)
	r2.Send("EVENT", sub.ID(), relaytest.Event("not for you"))
	assert.Never(t, func() bool { return rec.count() > 0 }, 100*time.Millisecond, tick)
	assert.Equal(t, []string{r1.Addr}, sub.Targets())
}

func TestPool_OnlyConnectedSnapshot(t *testing.T) {
	r1 := relaytest.New(t)
	x := relaytest.New(t)
	x.Hold()
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr, x.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 1)
	require.False(t, p.StatusSnapshot()[x.Addr])

	early := &recorder{}
	sub, err := p.Subscribe(kind1(), OnlyConnected(), WithCallback(early.add))
	require.NoError(t, err)
	assert.Equal(t, []string{r1.Addr}, sub.Targets())

	x.Release()
	waitOpen(t, p, 2)

	late := &recorder{}
	lateSub, err := p.Subscribe(kind1(), OnlyConnected(), WithCallback(late.add))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{r1.Addr, x.Addr}, lateSub.Targets())
	require.Eventually(t, func() bool { return x.Count("REQ", lateSub.ID()) == 1 }, waitFor, tick)

	evt := relaytest.Event("from x")
	x.Send("EVENT", sub.ID(), evt)
	x.Send("EVENT", lateSub.ID(), evt)

	require.Eventually(t, func() bool { return late.count() == 1 }, waitFor, tick)
	assert.Equal(t, x.Addr, late.all()[0].Relay)
	assert.Never(t, func() bool { return early.count() > 0 }, 100*time.Millisecond, tick)
	assert.Zero(t, x.Count("REQ", sub.ID()))
	assert.Equal(t, []string{r1.Addr}, sub.Targets())
}

func TestPool_CallbackAndIteratorViews(t *testing.T) {
	r1 := relaytest.New(t)
	r2 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr, r2.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 2)

	rec := &recorder{}
	sub, err := p.Subscribe(kind1(), All(), WithCallback(rec.add), WithIterator())
	require.NoError(t, err)
	require.NotNil(t, sub.Events())
	require.Eventually(t, func() bool {
		return r1.Count("REQ", sub.ID()) == 1 && r2.Count("REQ", sub.ID()) == 1
	}, waitFor, tick)

	evt := relaytest.Event("both views")
	r1.Send("EVENT", sub.ID(), evt)
	r2.Send("EVENT", sub.ID(), evt)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	d, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, d.Event.ID)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.Equal(t, evt.ID, rec.all()[0].Event.ID)
	require.Eventually(t, func() bool { return len(sub.SeenBy(evt.ID)) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []string{r1.Addr, r2.Addr}, sub.SeenByRelay()[evt.ID])

	short, cancelShort := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancelShort()
	_, err = sub.Next(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, rec.count())

	sub.Unsubscribe()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestPool_RemoveRelayReleasesTargets(t *testing.T) {
	r1 := relaytest.New(t)
	r2 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr, r2.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 2)

	rec := &recorder{}
	sub, err := p.Subscribe(kind1(), All(), WithCallback(rec.add))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r2.Count("REQ", sub.ID()) == 1 }, waitFor, tick)

	evt := relaytest.Event("before removal")
	r2.Send("EVENT", sub.ID(), evt)
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)

	assert.True(t, p.RemoveRelay(r2.Addr))
	assert.False(t, p.RemoveRelay(r2.Addr))
	assert.Equal(t, []string{r1.Addr}, sub.Targets())
	assert.Equal(t, []string{r2.Addr}, sub.SeenBy(evt.ID))
	assert.NotContains(t, p.StatusSnapshot(), r2.Addr)
	assert.True(t, sub.IsOpen())

	r1.Send("EVENT", sub.ID(), relaytest.Event("after removal"))
	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, tick)
}

func TestPool_EOSEAndClosed(t *testing.T) {
	r1 := relaytest.New(t)
	r2 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr, r2.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 2)

	var mu sync.Mutex
	var eoseFrom []string
	sub, err := p.Subscribe(kind1(), All(), WithEOSECallback(func(relay string) {
		mu.Lock()
		eoseFrom = append(eoseFrom, relay)
		mu.Unlock()
	}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r1.Count("REQ", sub.ID()) == 1 && r2.Count("REQ", sub.ID()) == 1
	}, waitFor, tick)

	r1.Send("EOSE", sub.ID())
	require.Eventually(t, func() bool { return len(sub.EOSE()) == 1 }, waitFor, tick)
	assert.False(t, sub.AllEOSE())

	r2.Send("CLOSED", sub.ID(), "auth-required: sign in first")
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, sub.WaitEOSE(ctx))

	assert.True(t, sub.AllEOSE())
	assert.True(t, sub.IsOpen())
	assert.Equal(t, map[string]string{r2.Addr: "auth-required: sign in first"}, sub.ClosedBy())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(eoseFrom) == 1 && eoseFrom[0] == r1.Addr
	}, waitFor, tick)
}

func TestPool_EmptyTargets(t *testing.T) {
	p := newTestPool(t)

	sub, err := p.Subscribe(kind1(), All())
	require.NoError(t, err)
	assert.Empty(t, sub.Targets())
	assert.True(t, sub.AllEOSE())
	assert.True(t, sub.IsOpen())

	h, err := p.Publish(relaytest.Event("nowhere"), Single("wss://unknown.example.com"))
	require.NoError(t, err)
	assert.True(t, h.Complete())
	assert.Empty(t, h.Targets())
	assert.Equal(t, 0, h.Accepted())
}

func TestPool_SubscribeRejectsBadFilters(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Subscribe(nostr.Filters{}, All())
	assert.Error(t, err)

	_, err = p.Subscribe(nostr.Filters{{Authors: []string{"nothex"}}}, All())
	assert.Error(t, err)
	assert.Equal(t, 0, p.SubscriptionCount())
}

func TestPool_PublishAggregation(t *testing.T) {
	mock := clock.NewMock()
	accept := relaytest.New(t)
	accept.SetOK(relaytest.Accept)
	reject := relaytest.New(t)
	reject.SetOK(relaytest.Reject("blocked: spam"))
	silent := relaytest.New(t)

	p := newTestPool(t, WithClock(mock), WithPublishTimeout(5*time.Second))
	_, err := p.AddRelays(accept.Addr, reject.Addr, silent.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 3)

	evt := relaytest.Event("publish me")
	h, err := p.Publish(evt, All())
	require.NoError(t, err)
	assert.Len(t, h.Targets(), 3)

	require.Eventually(t, func() bool {
		st := h.Statuses()
		return st[accept.Addr] == StatusOK && st[reject.Addr] == StatusRejected
	}, waitFor, tick)
	assert.Equal(t, 1, h.Accepted())
	assert.False(t, h.Complete())
	assert.Equal(t, StatusPending, h.Statuses()[silent.Addr])

	mock.Add(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	results, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, RelayResult{Status: StatusOK}, results[accept.Addr])
	assert.Equal(t, RelayResult{Status: StatusRejected, Message: "blocked: spam"}, results[reject.Addr])
	assert.Equal(t, StatusTimeout, results[silent.Addr].Status)
	assert.Equal(t, 1, h.Accepted())
	assert.Equal(t, 0, p.pub.Pending())

	// a late OK does not change a terminal status
	silent.Send("OK", evt.ID, true, "")
	assert.Never(t, func() bool { return h.Statuses()[silent.Addr] != StatusTimeout }, 100*time.Millisecond, tick)
}

func TestPool_PublishToRemovedRelay(t *testing.T) {
	silent := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(silent.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 1)

	h, err := p.Publish(relaytest.Event("lost"), All())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return silent.Count("EVENT", "") == 1 }, waitFor, tick)

	assert.True(t, p.RemoveRelay(silent.Addr))
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("publish did not complete after relay removal")
	}
	assert.Equal(t, RelayResult{Status: StatusError, Message: "relay removed"}, h.Results()[silent.Addr])

	h.mu.Lock()
	timer := h.timer
	h.mu.Unlock()
	require.NotNil(t, timer)
	assert.False(t, timer.Stop(), "timeout timer should already be stopped")
}

func TestPool_PublishRejectsEventWithoutID(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Publish(&nostr.Event{Kind: 1}, All())
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = p.Publish(nil, All())
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestPool_NoticeAndAuth(t *testing.T) {
	r1 := relaytest.New(t)
	p := newTestPool(t)

	notices := make(chan string, 1)
	challenges := make(chan string, 1)
	p.OnNotice(func(relay, message string) { notices <- relay + " " + message })
	p.OnAuthChallenge(func(relay, challenge string) { challenges <- challenge })

	_, err := p.AddRelays(r1.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 1)

	r1.Send("NOTICE", "slow down")
	r1.Send("AUTH", "challenge-123")

	select {
	case n := <-notices:
		assert.Equal(t, r1.Addr+" slow down", n)
	case <-time.After(waitFor):
		t.Fatal("no notice")
	}
	select {
	case c := <-challenges:
		assert.Equal(t, "challenge-123", c)
	case <-time.After(waitFor):
		t.Fatal("no auth challenge")
	}

	authEvt := relaytest.Event("auth")
	authEvt.Kind = nostr.KindClientAuthentication
	authEvt.ID = authEvt.GetID()
	require.NoError(t, p.Authenticate(r1.Addr, authEvt))
	require.Eventually(t, func() bool { return r1.Count("AUTH", "") == 1 }, waitFor, tick)

	assert.ErrorIs(t, p.Authenticate("wss://unknown.example.com", authEvt), ErrUnknownRelay)
}

func TestPool_VerifierDropsEvents(t *testing.T) {
	r1 := relaytest.New(t)
	bad := relaytest.Event("bad")
	p := newTestPool(t, WithVerifier(func(evt *nostr.Event) bool { return evt.ID != bad.ID }))
	_, err := p.AddRelays(r1.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 1)

	rec := &recorder{}
	sub, err := p.Subscribe(kind1(), All(), WithCallback(rec.add))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r1.Count("REQ", sub.ID()) == 1 }, waitFor, tick)

	good := relaytest.Event("good")
	r1.Send("EVENT", sub.ID(), bad)
	r1.Send("EVENT", sub.ID(), good)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	assert.Equal(t, good.ID, rec.all()[0].Event.ID)
	assert.Nil(t, sub.SeenBy(bad.ID))
}

func TestPool_SwitchRelays(t *testing.T) {
	r1 := relaytest.New(t)
	r2 := relaytest.New(t)
	r3 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr, r2.Addr)
	require.NoError(t, err)

	added, err := p.SwitchRelays(r2.Addr, r3.Addr)
	require.NoError(t, err)
	assert.Equal(t, []string{r3.Addr}, added)

	want := []string{r2.Addr, r3.Addr}
	assert.ElementsMatch(t, want, p.Relays())
}

func TestPool_NewlyConnectedBatches(t *testing.T) {
	r1 := relaytest.New(t)
	r2 := relaytest.New(t)
	p := newTestPool(t)

	batches := make(chan []string, 4)
	p.OnNewlyConnected(func(batch []string) { batches <- batch })

	_, err := p.AddRelays(r1.Addr)
	require.NoError(t, err)
	select {
	case b := <-batches:
		assert.Equal(t, []string{r1.Addr}, b)
	case <-time.After(waitFor):
		t.Fatal("no newly-connected notification")
	}

	_, err = p.AddRelays(r2.Addr)
	require.NoError(t, err)
	select {
	case b := <-batches:
		assert.ElementsMatch(t, []string{r1.Addr, r2.Addr}, b)
	case <-time.After(waitFor):
		t.Fatal("no newly-connected notification")
	}

	assert.ElementsMatch(t, []string{r1.Addr, r2.Addr}, p.DrainRecentlyConnected())
	assert.Empty(t, p.DrainRecentlyConnected())
}

func TestPool_ResubscribesAfterReconnect(t *testing.T) {
	r1 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 1)

	rec := &recorder{}
	sub, err := p.Subscribe(kind1(), All(), WithCallback(rec.add))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r1.Count("REQ", sub.ID()) == 1 }, waitFor, tick)

	r1.Drop()
	require.Eventually(t, func() bool { return r1.Count("REQ", sub.ID()) == 2 }, waitFor, tick)

	r1.Send("EVENT", sub.ID(), relaytest.Event("after reconnect"))
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
}

func TestPool_WaitForConnectionsTimesOut(t *testing.T) {
	r1 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr, relaytest.Hung(t))
	require.NoError(t, err)
	waitOpen(t, p, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = p.WaitForConnections(ctx, 2)
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeTimeout, errors.TypeOf(err))
	assert.Contains(t, err.Error(), "only 1 of 2 relays connected")
}

func TestPool_ClosedPoolRejectsCalls(t *testing.T) {
	r1 := relaytest.New(t)
	p := newTestPool(t)
	_, err := p.AddRelays(r1.Addr)
	require.NoError(t, err)
	sub, err := p.Subscribe(kind1(), All())
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.False(t, sub.IsOpen())

	_, err = p.AddRelays(r1.Addr)
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.Subscribe(kind1(), All())
	assert.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.Publish(relaytest.Event("late"), All())
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.Empty(t, p.StatusSnapshot())
}

type memorySink struct {
	mu     sync.Mutex
	stored map[string]string
	seen   map[string][]string
}

func newMemorySink() *memorySink {
	return &memorySink{stored: map[string]string{}, seen: map[string][]string{}}
}

func (m *memorySink) StoreEvent(_ context.Context, evt *nostr.Event, relay string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[evt.ID] = relay
	return nil
}

func (m *memorySink) MarkSeen(_ context.Context, eventID, relay string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID] = append(m.seen[eventID], relay)
	return nil
}

func TestPool_SinkNotifiedOncePerEvent(t *testing.T) {
	r1 := relaytest.New(t)
	r2 := relaytest.New(t)
	sink := newMemorySink()
	p := newTestPool(t, WithSink(sink))
	_, err := p.AddRelays(r1.Addr, r2.Addr)
	require.NoError(t, err)
	waitOpen(t, p, 2)

	a, err := p.Subscribe(kind1(), All(), WithCallback(func(Delivery) {}))
	require.NoError(t, err)
	b, err := p.Subscribe(kind1(), All(), WithCallback(func(Delivery) {}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return r1.Count("REQ", a.ID()) == 1 && r1.Count("REQ", b.ID()) == 1 && r2.Count("REQ", a.ID()) == 1
	}, waitFor, tick)

	evt := relaytest.Event("cache me")
	r1.Send("EVENT", a.ID(), evt)
	require.Eventually(t, func() bool { return a.Delivered() == 1 }, waitFor, tick)
	r1.Send("EVENT", b.ID(), evt)
	require.Eventually(t, func() bool { return b.Delivered() == 1 }, waitFor, tick)
	r2.Send("EVENT", a.ID(), evt)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.seen[evt.ID]) == 2
	}, waitFor, tick)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, map[string]string{evt.ID: r1.Addr}, sink.stored)
	assert.ElementsMatch(t, []string{r1.Addr, r2.Addr}, sink.seen[evt.ID])
}
