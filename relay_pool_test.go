package agenda

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/eljojo/agenda/utilities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay is an in-memory RelayConnection. Connect brings it up
// synchronously unless manual is set.
type fakeRelay struct {
	url    string
	manual bool

	mu        sync.Mutex
	state     ConnState
	handler   ConnectionHandler
	open      map[string][]types.Filter
	reqs      []string
	closes    []string
	published []types.Event
	onPublish func(f *fakeRelay, e types.Event)
}

func newFakeRelay(url string) *fakeRelay {
	return &fakeRelay{url: url, open: make(map[string][]types.Filter)}
}

func (f *fakeRelay) URL() string { return f.url }

func (f *fakeRelay) Connect(ctx context.Context) error {
	if !f.manual {
		f.setState(StateConnected)
	}
	return nil
}

func (f *fakeRelay) Close() error {
	f.setState(StateDisconnected)
	return nil
}

func (f *fakeRelay) State() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRelay) Subscribe(id string, filters []types.Filter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.open[id] = filters
	f.reqs = append(f.reqs, id)
	return nil
}

func (f *fakeRelay) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	delete(f.open, id)
	f.closes = append(f.closes, id)
	return nil
}

func (f *fakeRelay) Publish(e types.Event) error {
	f.mu.Lock()
	if f.state != StateConnected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	f.published = append(f.published, e)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(f, e)
	}
	return nil
}

func (f *fakeRelay) SetHandler(h ConnectionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeRelay) setState(s ConnState) {
	f.mu.Lock()
	f.state = s
	if s != StateConnected {
		f.open = make(map[string][]types.Filter)
	}
	h := f.handler
	f.mu.Unlock()
	if h.OnStateChange != nil {
		h.OnStateChange(f, s)
	}
}

func (f *fakeRelay) deliver(msg types.RelayMessage) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h.OnMessage != nil {
		h.OnMessage(f, msg)
	}
}

func (f *fakeRelay) isOpen(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.open[id]
	return ok
}

func (f *fakeRelay) openIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id := range f.open {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeRelay) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeRelay) reqCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.reqs {
		if r == id {
			n++
		}
	}
	return n
}

// fakeNetwork hands out fakeRelays by url so tests can reach them after
// a pool built them.
type fakeNetwork struct {
	mu     sync.Mutex
	relays map[string]*fakeRelay
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{relays: make(map[string]*fakeRelay)}
}

func (n *fakeNetwork) connect(url string) RelayConnection {
	return n.relay(url)
}

func (n *fakeNetwork) relay(url string) *fakeRelay {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.relays[url]
	if !ok {
		r = newFakeRelay(url)
		n.relays[url] = r
	}
	return r
}

var anyFilter = types.Filter{Kinds: []types.Kind{types.KindCalendarEvent}}

func connectedPool(t *testing.T, urls ...string) (*RelayPool, []*fakeRelay) {
	t.Helper()
	pool := NewRelayPool(PoolOptions{Name: "test", Backoff: utilities.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3}})
	relays := make([]*fakeRelay, len(urls))
	for i, url := range urls {
		relays[i] = newFakeRelay(url)
		require.True(t, pool.Add(relays[i]))
	}
	pool.Connect(context.Background())
	t.Cleanup(pool.Close)
	return pool, relays
}

func TestRelayPool_OneShotClosesOnEOSE(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a", "wss://b")
	var eoses []string
	pool.OnEOSE(func(relay, subID string) { eoses = append(eoses, relay) })

	sub, err := pool.Subscribe(SubscribeOptions{}, anyFilter)
	require.NoError(t, err)
	assert.True(t, relays[0].isOpen(sub.ID))
	assert.True(t, relays[1].isOpen(sub.ID))

	relays[0].deliver(&types.EOSEMessage{SubscriptionID: sub.ID})
	assert.False(t, relays[0].isOpen(sub.ID), "closed on the relay that finished")
	assert.True(t, relays[1].isOpen(sub.ID))
	assert.Contains(t, pool.Subscriptions(), sub.ID)

	relays[1].deliver(&types.EOSEMessage{SubscriptionID: sub.ID})
	assert.False(t, relays[1].isOpen(sub.ID))
	assert.NotContains(t, pool.Subscriptions(), sub.ID, "forgotten once closed everywhere")
	assert.ElementsMatch(t, []string{"wss://a", "wss://b"}, eoses)
}

func TestRelayPool_KeepAliveStaysOpenAndReissues(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a")
	relay := relays[0]

	sub, err := pool.Subscribe(SubscribeOptions{KeepAlive: true}, anyFilter)
	require.NoError(t, err)

	relay.deliver(&types.EOSEMessage{SubscriptionID: sub.ID})
	assert.True(t, relay.isOpen(sub.ID), "keep-alive survives EOSE")

	relay.setState(StateDisconnected)
	assert.False(t, relay.isOpen(sub.ID))
	relay.setState(StateConnected)
	assert.True(t, relay.isOpen(sub.ID), "re-issued on reconnect")
	assert.Equal(t, 2, relay.reqCount(sub.ID))

	sub.Close()
	assert.False(t, relay.isOpen(sub.ID))
	assert.NotContains(t, pool.Subscriptions(), sub.ID)
}

func TestRelayPool_OneShotIsNotReissued(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a")
	relay := relays[0]

	sub, err := pool.Subscribe(SubscribeOptions{}, anyFilter)
	require.NoError(t, err)
	relay.setState(StateDisconnected)
	relay.setState(StateConnected)

	assert.Equal(t, 1, relay.reqCount(sub.ID))
	assert.NotContains(t, pool.Subscriptions(), sub.ID)
}

func TestRelayPool_SubscribeOnPinsRelay(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a", "wss://b")

	sub, err := pool.SubscribeOn("wss://b", SubscribeOptions{KeepAlive: true}, anyFilter)
	require.NoError(t, err)
	assert.False(t, relays[0].isOpen(sub.ID))
	assert.True(t, relays[1].isOpen(sub.ID))

	relays[0].setState(StateDisconnected)
	relays[0].setState(StateConnected)
	assert.False(t, relays[0].isOpen(sub.ID), "pinned subscriptions stay on their relay")

	_, err = pool.SubscribeOn("wss://nowhere", SubscribeOptions{}, anyFilter)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRelayPool_RejectsMalformedFilters(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a")

	_, err := pool.Subscribe(SubscribeOptions{}, anyFilter, types.Filter{Authors: []string{"nope"}})
	assert.ErrorIs(t, err, types.ErrMalformedFilter)
	_, err = pool.Subscribe(SubscribeOptions{})
	assert.ErrorIs(t, err, types.ErrMalformedFilter)
	assert.Empty(t, relays[0].openIDs(), "nothing is sent")
}

func TestRelayPool_EventsFanIn(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a", "wss://b")
	var mu sync.Mutex
	var got []string
	pool.OnEvent(func(relay, subID string, e types.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, relay+" "+e.ID)
	})

	relays[0].deliver(&types.EventMessage{SubscriptionID: "x", Event: types.Event{ID: "1"}})
	relays[1].deliver(&types.EventMessage{SubscriptionID: "x", Event: types.Event{ID: "1"}})
	assert.Equal(t, []string{"wss://a 1", "wss://b 1"}, got)
}

func TestRelayPool_Publish(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a", "wss://b")
	e := types.Event{ID: "evt"}

	require.NoError(t, pool.Publish(e))
	assert.Equal(t, 1, relays[0].publishCount())
	assert.Equal(t, 1, relays[1].publishCount())

	relays[0].setState(StateDisconnected)
	relays[1].setState(StateDisconnected)
	assert.ErrorIs(t, pool.Publish(e), ErrNotConnected)
}

func TestRelayPool_RateLimitedRetry(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a")
	relay := relays[0]
	var oks []bool
	var mu sync.Mutex
	pool.OnOK(func(_ string, ok *types.OKMessage) {
		mu.Lock()
		defer mu.Unlock()
		oks = append(oks, ok.Success)
	})

	// the relay rate-limits the first attempt and accepts the second
	relay.onPublish = func(f *fakeRelay, e types.Event) {
		if f.publishCount() == 1 {
			go f.deliver(&types.OKMessage{EventID: e.ID, Message: "rate-limited: slow down"})
		} else {
			go f.deliver(&types.OKMessage{EventID: e.ID, Success: true})
		}
	}

	require.NoError(t, pool.Publish(types.Event{ID: "evt"}))
	require.Eventually(t, func() bool { return relay.publishCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Equal(oks, []bool{false, true})
	}, time.Second, 5*time.Millisecond)
}

func TestRelayPool_RetryGivesUp(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a")
	relay := relays[0]
	relay.onPublish = func(f *fakeRelay, e types.Event) {
		go f.deliver(&types.OKMessage{EventID: e.ID, Message: "rate-limited: no"})
	}

	require.NoError(t, pool.Publish(types.Event{ID: "evt"}))
	// one publish plus MaxAttempts retries
	require.Eventually(t, func() bool { return relay.publishCount() == 4 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 4, relay.publishCount())
}

func TestRelayPool_Membership(t *testing.T) {
	network := newFakeNetwork()
	pool := NewRelayPool(PoolOptions{NewConnection: network.connect})
	defer pool.Close()

	assert.True(t, pool.AddURL("wss://a"))
	assert.False(t, pool.AddURL("wss://a"), "adding twice is a no-op")
	assert.Equal(t, StateDisconnected, pool.States()["wss://a"])

	pool.Connect(context.Background())
	assert.Equal(t, 1, pool.ConnectedCount())

	// members added after Connect come up right away
	assert.True(t, pool.AddURL("wss://b"))
	assert.Equal(t, 2, pool.ConnectedCount())
	assert.Equal(t, []string{"wss://a", "wss://b"}, pool.Relays())

	assert.True(t, pool.Remove("wss://a"))
	assert.False(t, pool.Remove("wss://a"), "removing twice is a no-op")
	assert.Equal(t, StateDisconnected, network.relay("wss://a").State())
	assert.Equal(t, []string{"wss://b"}, pool.Relays())
}

func TestRelayPool_ConnectedCallbackAfterReissue(t *testing.T) {
	network := newFakeNetwork()
	pool := NewRelayPool(PoolOptions{NewConnection: network.connect})
	defer pool.Close()
	pool.AddURL("wss://a")

	sub, err := pool.Subscribe(SubscribeOptions{ID: "standing", KeepAlive: true}, anyFilter)
	require.NoError(t, err)
	assert.Contains(t, pool.Subscriptions(), sub.ID, "keep-alive is tracked while offline")

	var openAtConnect bool
	pool.OnConnected(func(relay string) {
		openAtConnect = network.relay(relay).isOpen("standing")
	})
	pool.Connect(context.Background())
	assert.True(t, openAtConnect)
}

func TestRelayPool_ClosedByRelay(t *testing.T) {
	pool, relays := connectedPool(t, "wss://a")
	sub, err := pool.Subscribe(SubscribeOptions{}, anyFilter)
	require.NoError(t, err)

	relays[0].deliver(&types.ClosedMessage{SubscriptionID: sub.ID, Message: "error: shutting down"})
	assert.NotContains(t, pool.Subscriptions(), sub.ID)
}
