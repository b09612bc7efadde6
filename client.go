package agenda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/eljojo/agenda/utilities"
	"github.com/eljojo/agenda/utilities/keyring"
	"github.com/sirupsen/logrus"
)

// bootstrapKinds are what we fetch about ourselves on every connect.
var bootstrapKinds = []types.Kind{
	types.KindProfileMetadata,
	types.KindFollowList,
	types.KindDeletion,
	types.KindCalendarEvent,
	types.KindCalendarList,
	types.KindRSVP,
}

// followedKinds are what we fetch about people we follow.
var followedKinds = []types.Kind{
	types.KindProfileMetadata,
	types.KindDeletion,
	types.KindCalendarEvent,
	types.KindCalendarList,
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Keyring is our identity. A read-only keyring can follow but not author.
	Keyring *keyring.Keyring

	ReadRelays  []string
	WriteRelays []string

	Persistence    Persistence
	Verifier       keyring.Verifier
	Backoff        utilities.Backoff
	KeepAliveKinds []types.Kind
	PublishTimeout time.Duration

	// NewConnection overrides how relay connections are built.
	NewConnection func(url string) RelayConnection
}

// Client wires an EventStore to a read pool and a write pool and is the
// entry point for authoring.
type Client struct {
	store       *EventStore
	read        *RelayPool
	write       *RelayPool
	keys        *keyring.Keyring
	persistence Persistence
	keepAlive   map[types.Kind]bool
	acks        *utilities.Correlator[string]

	// bootstraps maps a bootstrap subscription id to when it was issued.
	bootstraps map[string]bootstrapSub
	// caughtUp is, per relay, the issue time of the last bootstrap it finished.
	caughtUp map[string]int64
	mu       sync.Mutex
}

type bootstrapSub struct {
	relay    string
	issuedAt int64
}

// NewClient builds the store and relay pools. Nothing connects until Start.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Keyring == nil {
		return nil, errors.New("client needs a keyring")
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = utilities.DefaultBackoff
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}

	c := &Client{
		keys:        opts.Keyring,
		persistence: opts.Persistence,
		keepAlive:   make(map[types.Kind]bool),
		acks:        utilities.NewCorrelator[string](opts.PublishTimeout),
		bootstraps:  make(map[string]bootstrapSub),
		caughtUp:    make(map[string]int64),
	}
	for _, k := range opts.KeepAliveKinds {
		c.keepAlive[k] = true
	}

	c.read = NewRelayPool(PoolOptions{Name: "read", Backoff: opts.Backoff, NewConnection: opts.NewConnection})
	c.write = NewRelayPool(PoolOptions{Name: "write", Backoff: opts.Backoff, NewConnection: opts.NewConnection})
	for _, url := range opts.ReadRelays {
		c.read.AddURL(url)
	}
	for _, url := range opts.WriteRelays {
		c.write.AddURL(url)
	}

	c.store = NewEventStore(StoreOptions{
		Verifier:    opts.Verifier,
		Persistence: opts.Persistence,
		Fetcher:     c.read,
	})

	c.read.OnEvent(func(relay, _ string, e types.Event) {
		c.store.ApplyIncoming(e, relay)
	})
	c.read.OnEOSE(c.handleEOSE)
	c.read.OnConnected(c.bootstrap)
	c.write.OnOK(func(relay string, ok *types.OKMessage) {
		if ok.Success {
			c.acks.Receive(ok.EventID, relay)
		}
	})
	c.store.AddListener(c.handleChange)

	return c, nil
}

// Store exposes the reconciled state.
func (c *Client) Store() *EventStore { return c.store }

// PubKey is the active identity.
func (c *Client) PubKey() string { return c.keys.PubKey() }

// ReadPool is the pool subscriptions go to.
func (c *Client) ReadPool() *RelayPool { return c.read }

// WritePool is the pool events are published to.
func (c *Client) WritePool() *RelayPool { return c.write }

// Start rehydrates from persistence, then connects both pools.
func (c *Client) Start(ctx context.Context) error {
	if c.persistence != nil {
		records, err := c.persistence.LoadAll(ctx)
		if err != nil {
			logrus.Warnf("💾 could not load persisted events: %v", err)
		} else {
			c.store.LoadPersisted(records)
		}
	}
	c.read.Connect(ctx)
	c.write.Connect(ctx)
	logrus.Infof("📅 agenda started for %s (%d read, %d write relays)",
		types.ShortID(c.PubKey()), len(c.read.Relays()), len(c.write.Relays()))
	return nil
}

// Stop closes every relay connection and fails pending publishes.
func (c *Client) Stop() {
	c.read.Close()
	c.write.Close()
	c.acks.Close()
}

// Refresh re-issues catch-up subscriptions on every connected read relay.
func (c *Client) Refresh() {
	for url, state := range c.read.States() {
		if state == StateConnected {
			c.bootstrap(url)
		}
	}
}

// BootstrapFilters are the standing catch-up queries for the active identity.
func (c *Client) BootstrapFilters() []types.Filter {
	me := c.PubKey()
	filters := []types.Filter{
		{Authors: []string{me}, Kinds: bootstrapKinds},
		{Kinds: []types.Kind{types.KindCalendarEvent, types.KindRSVP}, Tags: map[string][]string{"p": {me}}},
	}
	if follows := c.store.Follows(me); len(follows) > 0 {
		filters = append(filters, types.Filter{Authors: follows, Kinds: followedKinds})
	}
	return filters
}

// bootstrap issues the catch-up filters on one relay, since the last time
// that relay finished one.
func (c *Client) bootstrap(relay string) {
	c.mu.Lock()
	since := c.caughtUp[relay]
	c.mu.Unlock()

	filters := c.BootstrapFilters()
	if since > 0 {
		for i := range filters {
			filters[i] = filters[i].WithSince(since)
		}
	}

	issuedAt := time.Now().Unix()
	sub, err := c.read.SubscribeOn(relay, SubscribeOptions{KeepAlive: c.keepAliveFor(filters)}, filters...)
	if err != nil {
		logrus.Warnf("📡 bootstrap on %s skipped: %v", relay, err)
		return
	}
	c.mu.Lock()
	c.bootstraps[sub.ID] = bootstrapSub{relay: relay, issuedAt: issuedAt}
	c.mu.Unlock()
	logrus.Debugf("📡 bootstrap %s on %s since %d", sub.ID, relay, since)
}

func (c *Client) handleEOSE(relay, subID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.bootstraps[subID]
	if !ok || b.relay != relay {
		return
	}
	delete(c.bootstraps, subID)
	if b.issuedAt > c.caughtUp[relay] {
		c.caughtUp[relay] = b.issuedAt
	}
}

// keepAliveFor reports whether every filter only asks for keep-alive kinds.
func (c *Client) keepAliveFor(filters []types.Filter) bool {
	if len(c.keepAlive) == 0 {
		return false
	}
	for _, f := range filters {
		if len(f.Kinds) == 0 {
			return false
		}
		for _, k := range f.Kinds {
			if !c.keepAlive[k] {
				return false
			}
		}
	}
	return true
}

// handleChange fetches calendars of people we just started following.
func (c *Client) handleChange(change Change) {
	fl, ok := change.Entity.(*types.FollowList)
	if !ok || change.Type != ChangeUpserted || fl.PubKey != c.PubKey() || len(fl.Follows) == 0 {
		return
	}
	if c.read.ConnectedCount() == 0 {
		return
	}
	filter := types.Filter{Authors: fl.Follows, Kinds: followedKinds}
	if _, err := c.read.Subscribe(SubscribeOptions{KeepAlive: c.keepAliveFor([]types.Filter{filter})}, filter); err != nil {
		logrus.Warnf("📡 follow catch-up skipped: %v", err)
	}
}

// CaughtUp returns the issue time of the last finished bootstrap on relay.
func (c *Client) CaughtUp(relay string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.caughtUp[relay]; ok {
		return time.Unix(ts, 0)
	}
	return time.Time{}
}

// String is for logs.
func (c *Client) String() string {
	return fmt.Sprintf("agenda(%s)", types.ShortID(c.PubKey()))
}
