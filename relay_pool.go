package agenda

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/eljojo/agenda/utilities"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// publishRetention is how long a published event is kept around for rate-limit retries.
const publishRetention = 15 * time.Minute

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// ID overrides the generated subscription id.
	ID string
	// KeepAlive leaves the subscription open after end-of-stored-events and
	// re-issues it whenever a relay (re)connects. Without it the
	// subscription is a one-shot catch-up, closed per relay on EOSE.
	KeepAlive bool
}

// Subscription is a handle on one logical subscription across the pool.
type Subscription struct {
	ID        string
	Filters   []types.Filter
	KeepAlive bool

	relay string          // pinned to one relay when set
	open  map[string]bool // relays where it is currently open
	pool  *RelayPool
}

// Close ends the subscription on every relay.
func (s *Subscription) Close() {
	s.pool.Unsubscribe(s)
}

func (s *Subscription) targets(url string) bool {
	return s.relay == "" || s.relay == url
}

type retryKey struct {
	relay   string
	eventID string
}

type publishedEvent struct {
	event types.Event
	at    time.Time
}

// PoolOptions configures a RelayPool.
type PoolOptions struct {
	// Name shows up in logs, e.g. "read" or "write".
	Name string
	// Backoff drives rate-limit retries of published events.
	Backoff utilities.Backoff
	// NewConnection builds connections for AddURL. Defaults to websockets using Backoff.
	NewConnection func(url string) RelayConnection
}

// RelayPool fans subscriptions and publishes out to a set of relay connections
// and fans their messages back in through callbacks.
type RelayPool struct {
	name          string
	backoff       utilities.Backoff
	newConnection func(url string) RelayConnection

	conns     map[string]RelayConnection
	subs      map[string]*Subscription
	published map[string]publishedEvent
	retries   map[retryKey]int
	timers    map[retryKey]*time.Timer
	ctx       context.Context
	closed    bool
	mu        sync.Mutex

	onEvent       func(relay, subID string, e types.Event)
	onEOSE        func(relay, subID string)
	onConnected   func(relay string)
	onOK          func(relay string, ok *types.OKMessage)
	onStateChange func(relay string, state ConnState)
	onNotice      func(relay, message string)
	callbacksMu   sync.RWMutex
}

// NewRelayPool creates an empty pool.
func NewRelayPool(opts PoolOptions) *RelayPool {
	p := &RelayPool{
		name:          opts.Name,
		backoff:       opts.Backoff,
		newConnection: opts.NewConnection,
		conns:         make(map[string]RelayConnection),
		subs:          make(map[string]*Subscription),
		published:     make(map[string]publishedEvent),
		retries:       make(map[retryKey]int),
		timers:        make(map[retryKey]*time.Timer),
	}
	if p.name == "" {
		p.name = "pool"
	}
	if p.newConnection == nil {
		backoff := opts.Backoff
		p.newConnection = func(url string) RelayConnection { return NewWebsocketConnection(url, backoff) }
	}
	return p
}

// --- callbacks ---

// OnEvent is called for every event any relay delivers, including events
// that arrive after their subscription closed.
func (p *RelayPool) OnEvent(f func(relay, subID string, e types.Event)) {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	p.onEvent = f
}

// OnEOSE is called when a relay finishes sending stored events for a subscription.
func (p *RelayPool) OnEOSE(f func(relay, subID string)) {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	p.onEOSE = f
}

// OnConnected is called each time a relay (re)connects, after standing
// subscriptions were re-issued on it.
func (p *RelayPool) OnConnected(f func(relay string)) {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	p.onConnected = f
}

// OnOK is called for every publish acknowledgement.
func (p *RelayPool) OnOK(f func(relay string, ok *types.OKMessage)) {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	p.onOK = f
}

// OnStateChange is called on every connection state transition.
func (p *RelayPool) OnStateChange(f func(relay string, state ConnState)) {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	p.onStateChange = f
}

// OnNotice is called for relay notices.
func (p *RelayPool) OnNotice(f func(relay, message string)) {
	p.callbacksMu.Lock()
	defer p.callbacksMu.Unlock()
	p.onNotice = f
}

// --- membership ---

// Add puts a connection in the pool. Adding a relay twice is a no-op.
// If the pool is already connected, so is the new member.
func (p *RelayPool) Add(conn RelayConnection) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	if _, ok := p.conns[conn.URL()]; ok {
		p.mu.Unlock()
		return false
	}
	p.conns[conn.URL()] = conn
	ctx := p.ctx
	p.mu.Unlock()

	conn.SetHandler(ConnectionHandler{
		OnMessage:     p.handleMessage,
		OnStateChange: p.handleStateChange,
	})
	if ctx != nil {
		if err := conn.Connect(ctx); err != nil {
			logrus.Warnf("📡 %s: connecting %s failed: %v", p.name, conn.URL(), err)
		}
	}
	logrus.Debugf("📡 %s: added %s", p.name, conn.URL())
	return true
}

// AddURL adds a relay by url using the pool's connection factory.
func (p *RelayPool) AddURL(url string) bool {
	p.mu.Lock()
	_, exists := p.conns[url]
	p.mu.Unlock()
	if exists {
		return false
	}
	return p.Add(p.newConnection(url))
}

// Remove closes and drops a relay. Removing an unknown relay is a no-op.
func (p *RelayPool) Remove(url string) bool {
	p.mu.Lock()
	conn, ok := p.conns[url]
	if !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.conns, url)
	for id, sub := range p.subs {
		delete(sub.open, url)
		if sub.relay == url {
			delete(p.subs, id)
		}
	}
	for key, timer := range p.timers {
		if key.relay == url {
			timer.Stop()
			delete(p.timers, key)
			delete(p.retries, key)
		}
	}
	p.mu.Unlock()

	if err := conn.Close(); err != nil {
		logrus.Debugf("📡 %s: closing %s: %v", p.name, url, err)
	}
	logrus.Debugf("📡 %s: removed %s", p.name, url)
	return true
}

// Relays lists member urls, sorted.
func (p *RelayPool) Relays() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	urls := make([]string, 0, len(p.conns))
	for url := range p.conns {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	return urls
}

// Connect starts every member connection. Members added later connect on Add.
func (p *RelayPool) Connect(ctx context.Context) {
	p.mu.Lock()
	p.ctx = ctx
	conns := p.connsLocked()
	p.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Connect(ctx); err != nil {
			logrus.Warnf("📡 %s: connecting %s failed: %v", p.name, conn.URL(), err)
		}
	}
}

// Close closes every connection and cancels pending retries.
func (p *RelayPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := p.connsLocked()
	for key, timer := range p.timers {
		timer.Stop()
		delete(p.timers, key)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn RelayConnection) {
			defer wg.Done()
			_ = conn.Close()
		}(conn)
	}
	wg.Wait()
}

// States reports each member's connection state.
func (p *RelayPool) States() map[string]ConnState {
	p.mu.Lock()
	conns := p.connsLocked()
	p.mu.Unlock()

	states := make(map[string]ConnState, len(conns))
	for _, conn := range conns {
		states[conn.URL()] = conn.State()
	}
	return states
}

// ConnectedCount is how many members are currently connected.
func (p *RelayPool) ConnectedCount() int {
	n := 0
	for _, state := range p.States() {
		if state == StateConnected {
			n++
		}
	}
	return n
}

func (p *RelayPool) connsLocked() []RelayConnection {
	conns := make([]RelayConnection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	return conns
}

// --- subscriptions ---

// Subscribe opens the same subscription on every connected member.
// All filters must be valid or nothing is sent.
func (p *RelayPool) Subscribe(opts SubscribeOptions, filters ...types.Filter) (*Subscription, error) {
	return p.subscribe("", opts, filters)
}

// SubscribeOn opens a subscription on one member only.
func (p *RelayPool) SubscribeOn(url string, opts SubscribeOptions, filters ...types.Filter) (*Subscription, error) {
	return p.subscribe(url, opts, filters)
}

// Fetch opens a one-shot subscription. It lets the pool serve as the
// store's follow-up Fetcher.
func (p *RelayPool) Fetch(filters ...types.Filter) error {
	_, err := p.Subscribe(SubscribeOptions{}, filters...)
	return err
}

func (p *RelayPool) subscribe(relay string, opts SubscribeOptions, filters []types.Filter) (*Subscription, error) {
	if len(filters) == 0 {
		return nil, fmt.Errorf("%w: no filters", types.ErrMalformedFilter)
	}
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}

	sub := &Subscription{
		ID:        opts.ID,
		Filters:   slices.Clone(filters),
		KeepAlive: opts.KeepAlive,
		relay:     relay,
		open:      make(map[string]bool),
		pool:      p,
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if relay != "" {
		if _, ok := p.conns[relay]; !ok {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is not in the %s pool", ErrNotConnected, relay, p.name)
		}
	}
	if old, ok := p.subs[sub.ID]; ok {
		// same id replaces: relays treat a repeated REQ id the same way
		sub.open = old.open
	}
	p.subs[sub.ID] = sub
	var targets []RelayConnection
	for url, conn := range p.conns {
		if sub.targets(url) {
			targets = append(targets, conn)
		}
	}
	p.mu.Unlock()

	sent := 0
	for _, conn := range targets {
		if conn.State() != StateConnected {
			continue
		}
		// marked before sending so an immediate EOSE finds it open
		p.markOpen(sub, conn.URL(), true)
		if err := conn.Subscribe(sub.ID, sub.Filters); err != nil {
			logrus.Debugf("📡 %s: REQ %s on %s failed: %v", p.name, sub.ID, conn.URL(), err)
			p.markOpen(sub, conn.URL(), false)
			continue
		}
		sent++
	}

	if sent == 0 && !sub.KeepAlive {
		p.forget(sub)
	}
	logrus.Debugf("📡 %s: subscribed %s %v on %d relay(s)", p.name, sub.ID, sub.Filters, sent)
	return sub, nil
}

// Unsubscribe closes a subscription on every relay where it is open. Events
// already in flight are still delivered.
func (p *RelayPool) Unsubscribe(sub *Subscription) {
	p.mu.Lock()
	if p.subs[sub.ID] == sub {
		delete(p.subs, sub.ID)
	}
	var conns []RelayConnection
	for url := range sub.open {
		if conn, ok := p.conns[url]; ok {
			conns = append(conns, conn)
		}
	}
	sub.open = make(map[string]bool)
	p.mu.Unlock()

	for _, conn := range conns {
		if err := conn.Unsubscribe(sub.ID); err != nil {
			logrus.Debugf("📡 %s: CLOSE %s on %s failed: %v", p.name, sub.ID, conn.URL(), err)
		}
	}
}

// Subscriptions lists the ids of subscriptions the pool is tracking.
func (p *RelayPool) Subscriptions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *RelayPool) markOpen(sub *Subscription, url string, open bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if open {
		sub.open[url] = true
	} else {
		delete(sub.open, url)
	}
}

// forget drops a one-shot subscription once no relay has it open.
func (p *RelayPool) forget(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgetLocked(sub)
}

func (p *RelayPool) forgetLocked(sub *Subscription) {
	if sub.KeepAlive || len(sub.open) > 0 {
		return
	}
	if p.subs[sub.ID] == sub {
		delete(p.subs, sub.ID)
	}
}

// --- publishing ---

// Publish sends the event to every connected member. Acknowledgements
// arrive through OnOK; a rate-limited rejection is retried on that relay
// with backoff. Returns ErrNotConnected when no relay took the event.
func (p *RelayPool) Publish(e types.Event) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrConnectionClosed
	}
	now := time.Now()
	for id, pe := range p.published {
		if now.Sub(pe.at) > publishRetention {
			delete(p.published, id)
		}
	}
	p.published[e.ID] = publishedEvent{event: e, at: now}
	conns := p.connsLocked()
	p.mu.Unlock()

	sent := 0
	for _, conn := range conns {
		if conn.State() != StateConnected {
			continue
		}
		if err := conn.Publish(e); err != nil {
			logrus.Debugf("📡 %s: publish %s to %s failed: %v", p.name, types.ShortID(e.ID), conn.URL(), err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("publish %s: %w", types.ShortID(e.ID), ErrNotConnected)
	}
	logrus.Debugf("📡 %s: published %s to %d relay(s)", p.name, types.ShortID(e.ID), sent)
	return nil
}

func (p *RelayPool) handleOK(relay string, ok *types.OKMessage) {
	key := retryKey{relay: relay, eventID: ok.EventID}

	if ok.IsRateLimited() {
		p.scheduleRetry(key, ok.Message)
	} else {
		p.mu.Lock()
		if timer, ok := p.timers[key]; ok {
			timer.Stop()
			delete(p.timers, key)
		}
		delete(p.retries, key)
		p.mu.Unlock()
		if !ok.Success {
			logrus.Warnf("📡 %s: %s rejected %s: %s", p.name, relay, types.ShortID(ok.EventID), ok.Message)
		}
	}

	p.callbacksMu.RLock()
	onOK := p.onOK
	p.callbacksMu.RUnlock()
	if onOK != nil {
		onOK(relay, ok)
	}
}

func (p *RelayPool) scheduleRetry(key retryKey, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pe, known := p.published[key.eventID]
	if !known || p.closed {
		return
	}
	attempt := p.retries[key]
	if p.backoff.Exhausted(attempt) {
		logrus.Warnf("📡 %s: giving up on %s at %s after %d attempts: %s", p.name, types.ShortID(key.eventID), key.relay, attempt, reason)
		delete(p.retries, key)
		delete(p.timers, key)
		return
	}
	p.retries[key] = attempt + 1
	delay := p.backoff.Delay(attempt)
	logrus.Infof("📡 %s: %s rate-limited %s, retrying in %s", p.name, key.relay, types.ShortID(key.eventID), delay)

	p.timers[key] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		conn, ok := p.conns[key.relay]
		closed := p.closed
		delete(p.timers, key)
		p.mu.Unlock()
		if !ok || closed {
			return
		}
		if err := conn.Publish(pe.event); err != nil {
			logrus.Debugf("📡 %s: retry of %s on %s failed: %v", p.name, types.ShortID(key.eventID), key.relay, err)
		}
	})
}

// --- connection callbacks ---

func (p *RelayPool) handleMessage(conn RelayConnection, msg types.RelayMessage) {
	relay := conn.URL()
	switch m := msg.(type) {
	case *types.EventMessage:
		p.callbacksMu.RLock()
		onEvent := p.onEvent
		p.callbacksMu.RUnlock()
		if onEvent != nil {
			onEvent(relay, m.SubscriptionID, m.Event)
		}

	case *types.EOSEMessage:
		p.callbacksMu.RLock()
		onEOSE := p.onEOSE
		p.callbacksMu.RUnlock()
		if onEOSE != nil {
			onEOSE(relay, m.SubscriptionID)
		}
		p.handleEOSE(conn, m.SubscriptionID)

	case *types.OKMessage:
		p.handleOK(relay, m)

	case *types.NoticeMessage:
		logrus.Infof("📡 %s: notice from %s: %s", p.name, relay, m.Message)
		p.callbacksMu.RLock()
		onNotice := p.onNotice
		p.callbacksMu.RUnlock()
		if onNotice != nil {
			onNotice(relay, m.Message)
		}

	case *types.ClosedMessage:
		logrus.Debugf("📡 %s: %s closed %s: %s", p.name, relay, m.SubscriptionID, m.Message)
		p.mu.Lock()
		if sub, ok := p.subs[m.SubscriptionID]; ok {
			delete(sub.open, relay)
			if !sub.KeepAlive {
				p.forgetLocked(sub)
			}
		}
		p.mu.Unlock()
	}
}

// handleEOSE closes one-shot subscriptions on the relay that finished.
func (p *RelayPool) handleEOSE(conn RelayConnection, subID string) {
	p.mu.Lock()
	sub, ok := p.subs[subID]
	if !ok || sub.KeepAlive {
		p.mu.Unlock()
		return
	}
	delete(sub.open, conn.URL())
	p.forgetLocked(sub)
	p.mu.Unlock()

	if err := conn.Unsubscribe(subID); err != nil {
		logrus.Debugf("📡 %s: CLOSE %s on %s failed: %v", p.name, subID, conn.URL(), err)
	}
}

func (p *RelayPool) handleStateChange(conn RelayConnection, state ConnState) {
	relay := conn.URL()

	p.callbacksMu.RLock()
	onStateChange, onConnected := p.onStateChange, p.onConnected
	p.callbacksMu.RUnlock()

	switch state {
	case StateConnected:
		p.mu.Lock()
		var standing []*Subscription
		for _, sub := range p.subs {
			if sub.KeepAlive && sub.targets(relay) {
				standing = append(standing, sub)
			}
		}
		p.mu.Unlock()
		for _, sub := range standing {
			p.markOpen(sub, relay, true)
			if err := conn.Subscribe(sub.ID, sub.Filters); err != nil {
				logrus.Debugf("📡 %s: re-issuing %s on %s failed: %v", p.name, sub.ID, relay, err)
				p.markOpen(sub, relay, false)
			}
		}
	case StateDisconnected:
		p.mu.Lock()
		for _, sub := range p.subs {
			delete(sub.open, relay)
			p.forgetLocked(sub)
		}
		p.mu.Unlock()
	}

	if onStateChange != nil {
		onStateChange(relay, state)
	}
	if state == StateConnected && onConnected != nil {
		onConnected(relay)
	}
}
