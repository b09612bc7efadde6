package agenda

import (
	"slices"
	"time"

	"github.com/eljojo/agenda/types"
)

type scopeKind int

const (
	scopeAll scopeKind = iota
	scopeFollowedBy
	scopeInvolving
)

// Scope narrows which calendar events a query returns.
type Scope struct {
	kind   scopeKind
	pubkey string
}

// AllEvents is every calendar event in the store.
func AllEvents() Scope { return Scope{kind: scopeAll} }

// FollowedBy is calendar events authored by someone pubkey follows.
func FollowedBy(pubkey string) Scope { return Scope{kind: scopeFollowedBy, pubkey: pubkey} }

// Involving is calendar events pubkey authored or has RSVPed to.
func Involving(pubkey string) Scope { return Scope{kind: scopeInvolving, pubkey: pubkey} }

func (sc Scope) String() string {
	switch sc.kind {
	case scopeFollowedBy:
		return "followed-by:" + types.ShortID(sc.pubkey)
	case scopeInvolving:
		return "involving:" + types.ShortID(sc.pubkey)
	}
	return "all"
}

// UpcomingEvents returns events whose end (or start, without an end) is not
// before now, soonest first.
func (s *EventStore) UpcomingEvents(now time.Time, scope Scope) []*types.CalendarEvent {
	events := s.calendarEvents(scope, func(ce *types.CalendarEvent) bool { return ce.IsUpcoming(now) })
	slices.SortFunc(events, CompareCalendarEvents)
	return events
}

// PastEvents returns events that ended before now, most recent first.
func (s *EventStore) PastEvents(now time.Time, scope Scope) []*types.CalendarEvent {
	events := s.calendarEvents(scope, func(ce *types.CalendarEvent) bool { return !ce.IsUpcoming(now) })
	slices.SortFunc(events, func(a, b *types.CalendarEvent) int { return CompareCalendarEvents(b, a) })
	return events
}

func (s *EventStore) calendarEvents(scope Scope, keep func(*types.CalendarEvent) bool) []*types.CalendarEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var follows *types.FollowList
	if scope.kind == scopeFollowedBy {
		follows, _ = s.current[types.Coordinate{Kind: types.KindFollowList, PubKey: scope.pubkey}].(*types.FollowList)
		if follows == nil {
			return nil
		}
	}

	var out []*types.CalendarEvent
	for _, ent := range s.current {
		ce, ok := ent.(*types.CalendarEvent)
		if !ok || !keep(ce) {
			continue
		}
		switch scope.kind {
		case scopeFollowedBy:
			if !follows.Contains(ce.PubKey) {
				continue
			}
		case scopeInvolving:
			if ce.PubKey != scope.pubkey && !s.hasRSVPLocked(ce.Coord, scope.pubkey) {
				continue
			}
		}
		out = append(out, ce)
	}
	return out
}

func (s *EventStore) hasRSVPLocked(cal types.Coordinate, pubkey string) bool {
	return slices.ContainsFunc(s.rollup[cal], func(r *types.RSVP) bool { return r.PubKey == pubkey })
}

// SortSnapshot captures what the comparators need about the active identity:
// who it follows and every known profile.
func (s *EventStore) SortSnapshot(active string) SortSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SortSnapshot{
		Follows:  make(map[string]bool),
		Profiles: make(map[string]*types.Profile),
	}
	if fl, ok := s.current[types.Coordinate{Kind: types.KindFollowList, PubKey: active}].(*types.FollowList); ok {
		for _, pk := range fl.Follows {
			snap.Follows[pk] = true
		}
	}
	for _, ent := range s.current {
		if p, ok := ent.(*types.Profile); ok {
			snap.Profiles[p.PubKey] = p
		}
	}
	return snap
}
