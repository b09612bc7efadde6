package agenda

import (
	"sync"
	"time"

	"github.com/eljojo/agenda/types"
	"github.com/eljojo/agenda/utilities/keyring"
	"github.com/eljojo/agenda/utilities/trie"
)

// CachedEvent is a raw event plus every relay known to have it.
type CachedEvent struct {
	Event  types.Event
	Relays []string
}

// ChangeType says what happened to an entity.
type ChangeType int

const (
	ChangeUpserted ChangeType = iota
	ChangeRemoved
)

func (c ChangeType) String() string {
	if c == ChangeRemoved {
		return "removed"
	}
	return "upserted"
}

// Change is delivered to listeners after every accepted merge or removal.
type Change struct {
	Type       ChangeType
	Coordinate types.Coordinate
	Entity     types.Entity
}

// ChangeListener is called when the store's state changes.
type ChangeListener func(change Change)

// Fetcher issues follow-up subscriptions, normally the read relay pool.
type Fetcher interface {
	Fetch(filters ...types.Filter) error
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(filters ...types.Filter) error

// Fetch calls f.
func (f FetcherFunc) Fetch(filters ...types.Filter) error { return f(filters...) }

type idTombstone struct {
	id     string
	author string
}

// StoreOptions configures an EventStore. Zero values are usable.
type StoreOptions struct {
	Verifier    keyring.Verifier // defaults to schnorr verification
	Persistence Persistence      // nil disables durability
	Fetcher     Fetcher          // nil disables follow-up subscriptions
}

// EventStore is the reconciliation engine: it merges events from any source
// into one consistent view and keeps the derived indexes in step.
//
// All mutation goes through ApplyIncoming, ApplyLocal, LoadPersisted and
// ProcessDeletion, serialized by mu. Reads take the read lock and return
// copies or immutable entities.
type EventStore struct {
	verifier    keyring.Verifier
	persistence Persistence
	fetcher     Fetcher

	// cache holds the raw event behind every current entity and every
	// deletion we've accepted, keyed by id.
	cache map[string]*CachedEvent
	// current is the newest valid entity per replaceable coordinate.
	current map[types.Coordinate]types.Entity

	// rsvpIndex: calendar event coordinate → RSVP coordinates pointing at it.
	rsvpIndex map[types.Coordinate]map[types.Coordinate]struct{}
	// rollup: calendar event coordinate → at most one RSVP per attendee, in acceptance order.
	rollup map[types.Coordinate][]*types.RSVP
	// followers: followed pubkey → set of pubkeys following them.
	followers map[string]map[string]struct{}

	// deletedCoords remembers the newest deletion per coordinate so older
	// versions that arrive late stay deleted.
	deletedCoords map[types.Coordinate]int64
	// deletedIDs remembers retracted ids per author, with the newest deletion time.
	deletedIDs map[idTombstone]int64

	pendingProfiles map[string]time.Time
	requestedRSVPs  map[types.Coordinate]bool

	people    *trie.Trie[string]
	calendars *trie.Trie[types.Coordinate]

	mu        sync.RWMutex
	persistMu sync.Mutex

	listeners   []ChangeListener
	listenersMu sync.RWMutex
}

// NewEventStore creates an empty store.
func NewEventStore(opts StoreOptions) *EventStore {
	verifier := opts.Verifier
	if verifier == nil {
		verifier = keyring.SchnorrVerifier
	}
	return &EventStore{
		verifier:        verifier,
		persistence:     opts.Persistence,
		fetcher:         opts.Fetcher,
		cache:           make(map[string]*CachedEvent),
		current:         make(map[types.Coordinate]types.Entity),
		rsvpIndex:       make(map[types.Coordinate]map[types.Coordinate]struct{}),
		rollup:          make(map[types.Coordinate][]*types.RSVP),
		followers:       make(map[string]map[string]struct{}),
		deletedCoords:   make(map[types.Coordinate]int64),
		deletedIDs:      make(map[idTombstone]int64),
		pendingProfiles: make(map[string]time.Time),
		requestedRSVPs:  make(map[types.Coordinate]bool),
		people:          trie.New[string](),
		calendars:       trie.New[types.Coordinate](),
	}
}

// SetFetcher wires the follow-up subscription sink after construction.
func (s *EventStore) SetFetcher(f Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = f
}

// AddListener registers a callback to be notified of changes.
// Listeners are called synchronously, outside the store lock.
func (s *EventStore) AddListener(listener ChangeListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *EventStore) notifyListeners(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()

	for _, change := range changes {
		for _, listener := range listeners {
			listener(change)
		}
	}
}

// --- Raw cache ---

// Has reports whether the store holds the event id.
func (s *EventStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[id]
	return ok
}

// Cached returns a copy of the cached event and its relays.
func (s *EventStore) Cached(id string) (CachedEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cache[id]
	if !ok {
		return CachedEvent{}, false
	}
	return CachedEvent{Event: c.Event, Relays: append([]string(nil), c.Relays...)}, true
}

// Relays returns the relays known to have the event id.
func (s *EventStore) Relays(id string) []string {
	c, _ := s.Cached(id)
	return c.Relays
}

// EventCount returns the number of cached raw events.
func (s *EventStore) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// DeletedAt returns the createdAt of the newest deletion of a coordinate.
func (s *EventStore) DeletedAt(c types.Coordinate) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.deletedCoords[c]
	return ts, ok
}

// --- Entity accessors ---

// Entity returns the current entity for a coordinate.
func (s *EventStore) Entity(c types.Coordinate) (types.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.current[c]
	return e, ok
}

// Profile returns the author's current metadata, or nil.
func (s *EventStore) Profile(pubkey string) *types.Profile {
	e, _ := s.Entity(types.Coordinate{Kind: types.KindProfileMetadata, PubKey: pubkey})
	p, _ := e.(*types.Profile)
	return p
}

// FollowList returns the author's current follow list, or nil.
func (s *EventStore) FollowList(pubkey string) *types.FollowList {
	e, _ := s.Entity(types.Coordinate{Kind: types.KindFollowList, PubKey: pubkey})
	f, _ := e.(*types.FollowList)
	return f
}

// Follows returns the pubkeys the author follows.
func (s *EventStore) Follows(pubkey string) []string {
	f := s.FollowList(pubkey)
	if f == nil {
		return nil
	}
	return append([]string(nil), f.Follows...)
}

// Followers returns the pubkeys whose follow list contains pubkey.
func (s *EventStore) Followers(pubkey string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.followers[pubkey]))
	for pk := range s.followers[pubkey] {
		out = append(out, pk)
	}
	return out
}

// CalendarEvent returns the current calendar event at a coordinate, or nil.
func (s *EventStore) CalendarEvent(c types.Coordinate) *types.CalendarEvent {
	e, _ := s.Entity(c)
	ce, _ := e.(*types.CalendarEvent)
	return ce
}

// CalendarList returns the current calendar list at a coordinate, or nil.
func (s *EventStore) CalendarList(c types.Coordinate) *types.CalendarList {
	e, _ := s.Entity(c)
	cl, _ := e.(*types.CalendarList)
	return cl
}

// CalendarLists returns every calendar list authored by pubkey.
func (s *EventStore) CalendarLists(pubkey string) []*types.CalendarList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.CalendarList
	for c, e := range s.current {
		if cl, ok := e.(*types.CalendarList); ok && c.PubKey == pubkey {
			out = append(out, cl)
		}
	}
	return out
}

// CalendarEventsInList resolves the calendar events a list points at, skipping unknown ones.
func (s *EventStore) CalendarEventsInList(c types.Coordinate) []*types.CalendarEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.current[c].(*types.CalendarList)
	if !ok {
		return nil
	}
	var out []*types.CalendarEvent
	for _, ref := range cl.Calendars {
		if ce, ok := s.current[ref].(*types.CalendarEvent); ok {
			out = append(out, ce)
		}
	}
	return out
}

// RSVP returns the current RSVP at its own coordinate, or nil.
func (s *EventStore) RSVP(c types.Coordinate) *types.RSVP {
	e, _ := s.Entity(c)
	r, _ := e.(*types.RSVP)
	return r
}

// RSVPs returns the roll-up for a calendar event: one RSVP per attendee.
func (s *EventStore) RSVPs(calendar types.Coordinate) []*types.RSVP {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*types.RSVP(nil), s.rollup[calendar]...)
}

// --- Search ---

// SearchProfiles finds profiles whose name, nip05 or key contains query.
func (s *EventStore) SearchProfiles(query string) []*types.Profile {
	pubkeys := s.people.Find(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Profile, 0, len(pubkeys))
	for _, pk := range pubkeys {
		if p, ok := s.current[types.Coordinate{Kind: types.KindProfileMetadata, PubKey: pk}].(*types.Profile); ok {
			out = append(out, p)
		}
	}
	return out
}

// SearchCalendars finds calendar lists whose title or identifier contains query.
func (s *EventStore) SearchCalendars(query string) []*types.CalendarList {
	coords := s.calendars.Find(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.CalendarList, 0, len(coords))
	for _, c := range coords {
		if cl, ok := s.current[c].(*types.CalendarList); ok {
			out = append(out, cl)
		}
	}
	return out
}
